package robust

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// normalizePoints applies Hartley's isotropic normalization: translate the
// centroid to the origin and scale so the mean distance from it is sqrt(2).
// Returns the normalized points and the 3x3 similarity that produced them.
func normalizePoints(points []Point) ([]Point, Parameters, error) {
	n := len(points)
	if n == 0 {
		return nil, nil, fmt.Errorf("normalizing empty point set: %w", ErrDegenerateSample)
	}

	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, p := range points {
		xs[i] = p.X
		ys[i] = p.Y
	}
	cx := floats.Sum(xs) / float64(n)
	cy := floats.Sum(ys) / float64(n)

	dists := make([]float64, n)
	for i, p := range points {
		dists[i] = math.Hypot(p.X-cx, p.Y-cy)
	}
	meanDist := floats.Sum(dists) / float64(n)
	if meanDist < 1e-12 || math.IsNaN(meanDist) || math.IsInf(meanDist, 0) {
		return nil, nil, fmt.Errorf("points have no spread: %w", ErrDegenerateSample)
	}

	s := math.Sqrt2 / meanDist
	out := make([]Point, n)
	for i, p := range points {
		out[i] = Point{X: s * (p.X - cx), Y: s * (p.Y - cy)}
	}

	t := Parameters{
		s, 0, -s * cx,
		0, s, -s * cy,
		0, 0, 1,
	}
	return out, t, nil
}

// splitCorrespondences returns the first-image and second-image locations
func splitCorrespondences(points []Correspondence) ([]Point, []Point, error) {
	a := make([]Point, len(points))
	b := make([]Point, len(points))
	for i, c := range points {
		if !c.Valid() {
			return nil, nil, fmt.Errorf("correspondence %d is uninitialized: %w", i, ErrInvalidDataset)
		}
		a[i] = c.A.Point()
		b[i] = c.B.Point()
	}
	return a, b, nil
}
