package robust

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const fundamentalMinimalSize = 8

// Fundamental is the epipolar model b^T F a = 0 with F a rank-2 3x3 matrix
// packed row-major into 9 numbers (unit Frobenius norm).
type Fundamental struct {
	f     Parameters
	state FitState
}

// NewFundamental creates an Uninitialized fundamental matrix model
func NewFundamental() *Fundamental {
	return &Fundamental{}
}

func (m *Fundamental) Kind() ModelKind        { return ModelFundamental }
func (m *Fundamental) NumParameters() int     { return 9 }
func (m *Fundamental) MinimalSampleSize() int { return fundamentalMinimalSize }
func (m *Fundamental) State() FitState        { return m.state }
func (m *Fundamental) Blank() Model           { return NewFundamental() }

// Reset returns the model to the Uninitialized state
func (m *Fundamental) Reset() {
	m.f = nil
	m.state = StateUninitialized
}

// FitMinimal runs the normalized 8-point algorithm on exactly eight
// correspondences.
func (m *Fundamental) FitMinimal(points []Correspondence) error {
	if len(points) != fundamentalMinimalSize {
		return fmt.Errorf("fundamental matrix needs exactly %d correspondences, got %d: %w",
			fundamentalMinimalSize, len(points), ErrDegenerateSample)
	}
	f, err := solveFundamental(points, 9)
	if err != nil {
		return err
	}
	m.f = f
	m.state = StateFittedMinimal
	return nil
}

// FitFull runs the normalized linear least-squares 8-point algorithm over all
// supplied correspondences.
func (m *Fundamental) FitFull(points []Correspondence) error {
	if len(points) < fundamentalMinimalSize {
		return fmt.Errorf("fundamental matrix refit needs at least %d correspondences, got %d: %w",
			fundamentalMinimalSize, len(points), ErrDegenerateSample)
	}
	f, err := solveFundamental(points, len(points))
	if err != nil {
		return err
	}
	m.f = f
	m.state = StateFittedFull
	return nil
}

func solveFundamental(points []Correspondence, rows int) (Parameters, error) {
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

	if rows < len(points) {
		rows = len(points)
	}
	A := mat.NewDense(rows, 9, nil)
	for i := range points {
		x, y := na[i].X, na[i].Y
		u, v := nb[i].X, nb[i].Y
		A.SetRow(i, []float64{u * x, u * y, u, v * x, v * y, v, x, y, 1})
	}

	fn, rank, err := nullVector(A)
	if err != nil {
		return nil, err
	}
	if rank < 8 {
		return nil, fmt.Errorf("8-point system has rank %d: %w", rank, ErrDegenerateSample)
	}

	f2, err := enforceRank2(Parameters(fn))
	if err != nil {
		return nil, err
	}

	// F = Tb^T * Fn * Ta
	f := MultiplyMatrices(Transpose(tb), MultiplyMatrices(f2, ta))
	norm := mat.Norm(mat.NewVecDense(9, []float64(f)), 2)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, fmt.Errorf("fundamental matrix vanished: %w", ErrDegenerateSample)
	}
	for i := range f {
		f[i] /= norm
	}
	return f, nil
}

// enforceRank2 zeroes the smallest singular value of a 3x3 matrix
func enforceRank2(f Parameters) (Parameters, error) {
	var svd mat.SVD
	if ok := svd.Factorize(mat.NewDense(3, 3, []float64(f.Clone())), mat.SVDFull); !ok {
		return nil, fmt.Errorf("rank-2 projection did not converge: %w", ErrDegenerateSample)
	}
	s := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	d := mat.NewDiagDense(3, []float64{s[0], s[1], 0})
	var ud, out mat.Dense
	ud.Mul(&u, d)
	out.Mul(&ud, v.T())

	res := make(Parameters, 9)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			res[r*3+c] = out.At(r, c)
		}
	}
	return res, nil
}

// Residuals returns, for every correspondence, the squared distance of b to
// the epipolar line F a plus the squared distance of a to the line F^T b.
func (m *Fundamental) Residuals(points []Correspondence, dst []float64) ([]float64, error) {
	if m.state == StateUninitialized {
		return nil, ErrModelNotFitted
	}
	f := m.f
	dst = growResiduals(dst, len(points))
	for i, c := range points {
		if !c.Valid() {
			return nil, fmt.Errorf("correspondence %d is uninitialized: %w", i, ErrInvalidDataset)
		}
		x, y := c.A.X, c.A.Y
		u, v := c.B.X, c.B.Y

		// Line in the second image induced by a
		lb0 := f[0]*x + f[1]*y + f[2]
		lb1 := f[3]*x + f[4]*y + f[5]
		lb2 := f[6]*x + f[7]*y + f[8]
		// Line in the first image induced by b
		la0 := f[0]*u + f[3]*v + f[6]
		la1 := f[1]*u + f[4]*v + f[7]

		e := u*lb0 + v*lb1 + lb2
		nb := lb0*lb0 + lb1*lb1
		na := la0*la0 + la1*la1
		if nb < homogeneousEpsilon || na < homogeneousEpsilon {
			dst[i] = sentinelResidual
			continue
		}
		r := e*e/nb + e*e/na
		if math.IsNaN(r) || r > sentinelResidual {
			r = sentinelResidual
		}
		dst[i] = r
	}
	return dst, nil
}

// Parameters returns a copy of the current fundamental matrix
func (m *Fundamental) Parameters() (Parameters, error) {
	if m.state == StateUninitialized {
		return nil, ErrModelNotFitted
	}
	return m.f.Clone(), nil
}

// SetParameters installs externally supplied parameters as given
func (m *Fundamental) SetParameters(p Parameters) error {
	if len(p) != m.NumParameters() {
		return fmt.Errorf("fundamental matrix expects %d parameters, got %d: %w", m.NumParameters(), len(p), ErrInvalidConfig)
	}
	if !finiteParameters(p) {
		return fmt.Errorf("fundamental matrix has non-finite entries: %w", ErrInvalidConfig)
	}
	m.f = p.Clone()
	m.state = StateFittedFull
	return nil
}
