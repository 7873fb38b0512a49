package robust

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// SceneOptions controls synthetic match set generation
type SceneOptions struct {
	N               int     // Total correspondences
	OutlierFraction float64 // Share of correspondences replaced by random pairs
	Noise           float64 // Gaussian noise sigma on inlier coordinates (pixels)
	Width           float64 // Image width (pixels)
	Height          float64 // Image height (pixels)
	RNG             *rand.Rand
}

// DefaultSceneOptions returns a 640x480 scene with 200 matches, 30% outliers
// and half a pixel of noise
func DefaultSceneOptions() SceneOptions {
	return SceneOptions{
		N:               200,
		OutlierFraction: 0.3,
		Noise:           0.5,
		Width:           640,
		Height:          480,
		RNG:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SyntheticScene is a generated match set with its ground truth
type SyntheticScene struct {
	Set   *MatchSet
	Truth Parameters // Ground-truth model parameters
}

// TruthHomography is the mapping used by SyntheticHomography for a w x h image:
// a slight rotation, anisotropic scale and perspective about the image center.
func TruthHomography(w, h float64) Parameters {
	center := Translation(-w/2, -h/2)
	back := Translation(w/2+15, h/2-10)
	affine := MultiplyMatrices(RotationDeg(6), Scale(1.08, 0.96))
	perspective := Parameters{1, 0, 0, 0, 1, 0, 2e-4, -1e-4, 1}
	return normalizeScale(MultiplyMatrices(back, MultiplyMatrices(perspective, MultiplyMatrices(affine, center))))
}

// SyntheticHomography generates matches between an image and its projection
// under TruthHomography. Outliers pair uniformly random locations.
func SyntheticHomography(id string, opts SceneOptions) (*SyntheticScene, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	h := TruthHomography(opts.Width, opts.Height)

	gen := func(rng *rand.Rand) (Point, Point, bool) {
		a := Point{X: rng.Float64() * opts.Width, Y: rng.Float64() * opts.Height}
		b, ok := ProjectPoint(h, a)
		return a, b, ok
	}
	set, err := buildScene(id, ModelHomography, opts, gen)
	if err != nil {
		return nil, err
	}
	return &SyntheticScene{Set: set, Truth: h}, nil
}

// twoViewCamera holds the intrinsics and relative pose of the second view
type twoViewCamera struct {
	k Parameters
	r Parameters
	t [3]float64
}

func newTwoViewCamera(w, h float64) twoViewCamera {
	const focal = 500.0
	angle := 8 * math.Pi / 180
	cos, sin := math.Cos(angle), math.Sin(angle)
	return twoViewCamera{
		k: Parameters{focal, 0, w / 2, 0, focal, h / 2, 0, 0, 1},
		r: Parameters{cos, 0, sin, 0, 1, 0, -sin, 0, cos},
		t: [3]float64{-1, 0.15, 0.05},
	}
}

// project maps a camera-frame 3-D point into pixel coordinates
func (c twoViewCamera) project(x, y, z float64) (Point, bool) {
	if z <= 1e-6 {
		return Point{}, false
	}
	return ProjectPoint(c.k, Point{X: x / z, Y: y / z})
}

// fundamental returns F = K^-T [t]x R K^-1 so that b^T F a = 0
func (c twoViewCamera) fundamental() (Parameters, error) {
	kInv, ok := InvertMatrix(c.k)
	if !ok {
		return nil, fmt.Errorf("singular intrinsics: %w", ErrInvalidConfig)
	}
	tx := Parameters{
		0, -c.t[2], c.t[1],
		c.t[2], 0, -c.t[0],
		-c.t[1], c.t[0], 0,
	}
	e := MultiplyMatrices(tx, c.r)
	f := MultiplyMatrices(Transpose(kInv), MultiplyMatrices(e, kInv))
	norm := 0.0
	for _, v := range f {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range f {
		f[i] /= norm
	}
	return f, nil
}

// SyntheticTwoView generates matches between two pinhole views of random
// 3-D points in front of both cameras. Outliers pair uniformly random
// locations.
func SyntheticTwoView(id string, opts SceneOptions) (*SyntheticScene, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	cam := newTwoViewCamera(opts.Width, opts.Height)
	f, err := cam.fundamental()
	if err != nil {
		return nil, err
	}

	gen := func(rng *rand.Rand) (Point, Point, bool) {
		x := (rng.Float64()*2 - 1) * 3
		y := (rng.Float64()*2 - 1) * 2.2
		z := 5 + rng.Float64()*10
		a, ok := cam.project(x, y, z)
		if !ok {
			return Point{}, Point{}, false
		}
		r := cam.r
		x2 := r[0]*x + r[1]*y + r[2]*z + cam.t[0]
		y2 := r[3]*x + r[4]*y + r[5]*z + cam.t[1]
		z2 := r[6]*x + r[7]*y + r[8]*z + cam.t[2]
		b, ok := cam.project(x2, y2, z2)
		return a, b, ok
	}
	set, err := buildScene(id, ModelFundamental, opts, gen)
	if err != nil {
		return nil, err
	}
	return &SyntheticScene{Set: set, Truth: f}, nil
}

func (o SceneOptions) validate() error {
	if o.N <= 0 {
		return fmt.Errorf("scene needs a positive match count, got %d: %w", o.N, ErrInvalidConfig)
	}
	if o.OutlierFraction < 0 || o.OutlierFraction > 1 {
		return fmt.Errorf("outlier fraction %g outside [0, 1]: %w", o.OutlierFraction, ErrInvalidConfig)
	}
	if o.Width <= 0 || o.Height <= 0 || o.Noise < 0 {
		return fmt.Errorf("scene size must be positive and noise non-negative: %w", ErrInvalidConfig)
	}
	if o.RNG == nil {
		return fmt.Errorf("scene RNG is required: %w", ErrInvalidConfig)
	}
	return nil
}

// buildScene draws N matches, the first outlier share of a random
// permutation being outliers
func buildScene(id string, kind ModelKind, opts SceneOptions, inlier func(*rand.Rand) (Point, Point, bool)) (*MatchSet, error) {
	rng := opts.RNG
	outliers := int(math.Round(opts.OutlierFraction * float64(opts.N)))
	isOutlier := make([]bool, opts.N)
	for _, idx := range rng.Perm(opts.N)[:outliers] {
		isOutlier[idx] = true
	}

	set := &MatchSet{
		ID:        id,
		Model:     string(kind),
		Width:     opts.Width,
		Height:    opts.Height,
		FeaturesA: make([]Feature, opts.N),
		FeaturesB: make([]Feature, opts.N),
		Matches:   make([]MatchRecord, opts.N),
		Truth:     make([]bool, opts.N),
	}
	maxTries := 100 * opts.N
	for i := 0; i < opts.N; i++ {
		var a, b Point
		if isOutlier[i] {
			a = Point{X: rng.Float64() * opts.Width, Y: rng.Float64() * opts.Height}
			b = Point{X: rng.Float64() * opts.Width, Y: rng.Float64() * opts.Height}
		} else {
			ok := false
			for !ok {
				if maxTries == 0 {
					return nil, fmt.Errorf("could not place inlier %d: %w", i, ErrInvalidConfig)
				}
				maxTries--
				a, b, ok = inlier(rng)
			}
			a.X += rng.NormFloat64() * opts.Noise
			a.Y += rng.NormFloat64() * opts.Noise
			b.X += rng.NormFloat64() * opts.Noise
			b.Y += rng.NormFloat64() * opts.Noise
		}
		set.FeaturesA[i] = Feature{ID: i, X: a.X, Y: a.Y}
		set.FeaturesB[i] = Feature{ID: i, X: b.X, Y: b.Y}
		set.Matches[i] = MatchRecord{A: i, B: i, Score: rng.Float64()}
		set.Truth[i] = !isOutlier[i]
	}
	return set, nil
}

// EvaluateMask returns the share of true inliers labeled inlier and the
// share of true outliers labeled outlier. An empty class counts as 1.
func EvaluateMask(mask, truth []bool) (inlierRecall, outlierRecall float64) {
	var tp, inliers, tn, outliers int
	for i := range truth {
		if i >= len(mask) {
			break
		}
		if truth[i] {
			inliers++
			if mask[i] {
				tp++
			}
		} else {
			outliers++
			if !mask[i] {
				tn++
			}
		}
	}
	inlierRecall, outlierRecall = 1, 1
	if inliers > 0 {
		inlierRecall = float64(tp) / float64(inliers)
	}
	if outliers > 0 {
		outlierRecall = float64(tn) / float64(outliers)
	}
	return inlierRecall, outlierRecall
}
