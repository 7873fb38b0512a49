package robust

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const homographyMinimalSize = 4

// Homography is the planar projective model x_b ~ H x_a, packed row-major
// into 9 numbers with 8 degrees of freedom (scale fixed so that h22 = 1
// whenever possible).
type Homography struct {
	h     Parameters
	inv   Parameters
	state FitState
}

// NewHomography creates an Uninitialized homography model
func NewHomography() *Homography {
	return &Homography{}
}

func (m *Homography) Kind() ModelKind        { return ModelHomography }
func (m *Homography) NumParameters() int     { return 9 }
func (m *Homography) MinimalSampleSize() int { return homographyMinimalSize }
func (m *Homography) State() FitState        { return m.state }
func (m *Homography) Blank() Model           { return NewHomography() }

// Reset returns the model to the Uninitialized state
func (m *Homography) Reset() {
	m.h = nil
	m.inv = nil
	m.state = StateUninitialized
}

// FitMinimal solves the homography exactly from four correspondences by
// taking the right null vector of the 9x9 DLT system. Fails with
// ErrDegenerateSample when the system has numerical rank below 8.
func (m *Homography) FitMinimal(points []Correspondence) error {
	if len(points) != homographyMinimalSize {
		return fmt.Errorf("homography needs exactly %d correspondences, got %d: %w",
			homographyMinimalSize, len(points), ErrDegenerateSample)
	}
	h, err := solveHomography(points, 9)
	if err != nil {
		return err
	}
	return m.commit(h, StateFittedMinimal)
}

// FitFull computes the normalized linear least-squares (DLT) homography over
// all supplied correspondences.
func (m *Homography) FitFull(points []Correspondence) error {
	if len(points) < homographyMinimalSize {
		return fmt.Errorf("homography refit needs at least %d correspondences, got %d: %w",
			homographyMinimalSize, len(points), ErrDegenerateSample)
	}
	h, err := solveHomography(points, 2*len(points))
	if err != nil {
		return err
	}
	return m.commit(h, StateFittedFull)
}

// commit installs h after checking it is finite and invertible
func (m *Homography) commit(h Parameters, state FitState) error {
	if !finiteParameters(h) {
		return fmt.Errorf("homography has non-finite entries: %w", ErrDegenerateSample)
	}
	inv, ok := InvertMatrix(h)
	if !ok {
		return fmt.Errorf("homography is singular: %w", ErrDegenerateSample)
	}
	m.h = h
	m.inv = inv
	m.state = state
	return nil
}

// solveHomography builds the DLT system with at least rows rows (zero padded)
// in normalized coordinates and returns the denormalized homography
func solveHomography(points []Correspondence, rows int) (Parameters, error) {
	a, b, err := splitCorrespondences(points)
	if err != nil {
		return nil, err
	}
	na, ta, err := normalizePoints(a)
	if err != nil {
		return nil, err
	}
	nb, tb, err := normalizePoints(b)
	if err != nil {
		return nil, err
	}

	if rows < 2*len(points) {
		rows = 2 * len(points)
	}
	A := mat.NewDense(rows, 9, nil)
	for i := range points {
		x, y := na[i].X, na[i].Y
		u, v := nb[i].X, nb[i].Y
		r := 2 * i

		A.Set(r, 0, -x)
		A.Set(r, 1, -y)
		A.Set(r, 2, -1)
		A.Set(r, 6, u*x)
		A.Set(r, 7, u*y)
		A.Set(r, 8, u)

		A.Set(r+1, 3, -x)
		A.Set(r+1, 4, -y)
		A.Set(r+1, 5, -1)
		A.Set(r+1, 6, v*x)
		A.Set(r+1, 7, v*y)
		A.Set(r+1, 8, v)
	}

	hn, rank, err := nullVector(A)
	if err != nil {
		return nil, err
	}
	if rank < 8 {
		return nil, fmt.Errorf("homography system has rank %d: %w", rank, ErrDegenerateSample)
	}

	// H = Tb^-1 * Hn * Ta
	tbInv, ok := InvertMatrix(tb)
	if !ok {
		return nil, fmt.Errorf("normalization is singular: %w", ErrDegenerateSample)
	}
	h := MultiplyMatrices(tbInv, MultiplyMatrices(Parameters(hn), ta))
	return normalizeScale(h), nil
}

// Residuals returns the symmetric transfer error |b - H a|^2 + |a - H^-1 b|^2
// for every correspondence. Points mapped to infinity get a 1e10 sentinel.
func (m *Homography) Residuals(points []Correspondence, dst []float64) ([]float64, error) {
	if m.state == StateUninitialized {
		return nil, ErrModelNotFitted
	}
	dst = growResiduals(dst, len(points))
	for i, c := range points {
		if !c.Valid() {
			return nil, fmt.Errorf("correspondence %d is uninitialized: %w", i, ErrInvalidDataset)
		}
		a, b := c.A.Point(), c.B.Point()
		fwd, ok1 := ProjectPoint(m.h, a)
		bwd, ok2 := ProjectPoint(m.inv, b)
		if !ok1 || !ok2 {
			dst[i] = sentinelResidual
			continue
		}
		r := squaredDistance(fwd, b) + squaredDistance(bwd, a)
		if math.IsNaN(r) || r > sentinelResidual {
			r = sentinelResidual
		}
		dst[i] = r
	}
	return dst, nil
}

// Parameters returns a copy of the current homography
func (m *Homography) Parameters() (Parameters, error) {
	if m.state == StateUninitialized {
		return nil, ErrModelNotFitted
	}
	return m.h.Clone(), nil
}

// SetParameters installs externally supplied parameters, typically a seed
// for an iterative refit. The vector is stored as given.
func (m *Homography) SetParameters(p Parameters) error {
	if len(p) != m.NumParameters() {
		return fmt.Errorf("homography expects %d parameters, got %d: %w", m.NumParameters(), len(p), ErrInvalidConfig)
	}
	return m.commit(p.Clone(), StateFittedFull)
}

func squaredDistance(p, q Point) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	return dx*dx + dy*dy
}

// growResiduals returns dst resized to n, reusing its storage when possible
func growResiduals(dst []float64, n int) []float64 {
	if cap(dst) < n {
		return make([]float64, n)
	}
	return dst[:n]
}
