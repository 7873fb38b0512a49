package robust

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ModelKind selects a parametric model family
type ModelKind string

const (
	ModelHomography  ModelKind = "homography"
	ModelFundamental ModelKind = "fundamental_matrix"
)

// sentinelResidual is reported for points the current hypothesis maps to infinity
const sentinelResidual = 1e10

// rankTolerance is the relative singular value threshold used for rank checks
const rankTolerance = 1e-10

// Model is a parametric 2D transform family that can be fitted to
// correspondences and scored against them.
//
// Lifecycle: Uninitialized -> FitMinimal -> FittedMinimal -> FitFull ->
// FittedFull. Residuals and Parameters fail with ErrModelNotFitted until a
// fit (or SetParameters) succeeded. A failed fit never modifies the current
// parameters.
type Model interface {
	Kind() ModelKind
	NumParameters() int
	MinimalSampleSize() int

	FitMinimal(points []Correspondence) error
	FitFull(points []Correspondence) error

	// Residuals writes one non-negative residual per point into dst (grown
	// as needed) and returns it.
	Residuals(points []Correspondence, dst []float64) ([]float64, error)

	Parameters() (Parameters, error)
	SetParameters(p Parameters) error
	State() FitState

	// Reset returns the model to the Uninitialized state
	Reset()

	// Blank returns a new Uninitialized model of the same family.
	// Estimators use it for scratch hypotheses so the caller's model is only
	// touched by the final refit.
	Blank() Model
}

// FitState tracks where a model is in its lifecycle
type FitState int

const (
	StateUninitialized FitState = iota
	StateFittedMinimal
	StateFittedFull
)

func (s FitState) String() string {
	switch s {
	case StateFittedMinimal:
		return "fitted-minimal"
	case StateFittedFull:
		return "fitted-full"
	default:
		return "uninitialized"
	}
}

// NewModel creates an Uninitialized model of the given family
func NewModel(kind ModelKind) (Model, error) {
	switch kind {
	case ModelHomography:
		return NewHomography(), nil
	case ModelFundamental:
		return NewFundamental(), nil
	default:
		return nil, fmt.Errorf("unknown model %q: %w", kind, ErrInvalidConfig)
	}
}

// ParseModelKind converts a configuration string into a ModelKind.
// Empty selects the homography model.
func ParseModelKind(s string) (ModelKind, error) {
	switch s {
	case "", "homography", "h":
		return ModelHomography, nil
	case "fundamental_matrix", "fundamental", "f":
		return ModelFundamental, nil
	default:
		return "", fmt.Errorf("unknown model %q: %w", s, ErrInvalidConfig)
	}
}

// nullVector returns the right singular vector of a belonging to its smallest
// singular value, together with the numerical rank of a
func nullVector(a *mat.Dense) ([]float64, int, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFullV); !ok {
		return nil, 0, fmt.Errorf("SVD did not converge: %w", ErrDegenerateSample)
	}

	values := svd.Values(nil)
	rank := 0
	if len(values) > 0 && values[0] > 0 {
		for _, v := range values {
			if v > values[0]*rankTolerance {
				rank++
			}
		}
	}

	var v mat.Dense
	svd.VTo(&v)
	_, cols := v.Dims()
	out := make([]float64, cols)
	for i := 0; i < cols; i++ {
		out[i] = v.At(i, cols-1)
	}
	return out, rank, nil
}

// finiteParameters reports whether every element is a finite number
func finiteParameters(p Parameters) bool {
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
