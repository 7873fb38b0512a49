package robust

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"
)

// Diagnostics describes the last successful ensemble run. It is intended for
// display only.
type Diagnostics struct {
	Summaries   []float64 // Accumulator summary per correspondence
	Scores      []float64 // Clustered score per correspondence (undefined scores replaced)
	Admitted    []int     // Residuals admitted per correspondence
	Offered     []int     // Residuals offered per correspondence
	Bins        [][]int   // Histogram counts per correspondence (histogram statistic only)
	Window      Window
	Statistic   StatisticKind
	Score       ScoreMode
	Split       int     // Size of the low (inlier) cluster
	LowMean     float64 // Mean score of the inlier cluster
	HighMean    float64 // Mean score of the outlier cluster
	Threshold   float64 // Midpoint between the two cluster means
	Trials      int     // Successful trials
	Attempts    int     // Trials attempted, including degenerate ones
	Undefined   int     // Correspondences whose score was undefined
	InlierCount int
	Duration    time.Duration
}

// EnsembleEstimator classifies correspondences as inliers or outliers from the
// shape of their residual histories over many random minimal-set hypotheses,
// then refits the model on the inliers.
//
// The estimator references the caller's model and only calls FitFull on it;
// hypotheses are fitted on scratch models. It is not safe for concurrent
// EstimateModelParameters calls.
type EnsembleEstimator struct {
	model Model
	cfg   EstimatorConfig

	inliers []bool
	params  Parameters
	diag    *Diagnostics
}

// NewEnsembleEstimator validates cfg and binds the estimator to model
func NewEnsembleEstimator(model Model, cfg EstimatorConfig) (*EnsembleEstimator, error) {
	if model == nil {
		return nil, fmt.Errorf("model is required: %w", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RNG == nil {
		cfg.RNG = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &EnsembleEstimator{model: model, cfg: cfg}, nil
}

// Model returns the model the estimator refits
func (e *EnsembleEstimator) Model() Model { return e.model }

// Config returns the estimator configuration
func (e *EnsembleEstimator) Config() EstimatorConfig { return e.cfg }

// Inliers returns a copy of the inlier mask of the last successful estimate
func (e *EnsembleEstimator) Inliers() ([]bool, error) {
	if e.inliers == nil {
		return nil, ErrModelNotFitted
	}
	out := make([]bool, len(e.inliers))
	copy(out, e.inliers)
	return out, nil
}

// Parameters returns a copy of the parameters of the last successful estimate
func (e *EnsembleEstimator) Parameters() (Parameters, error) {
	if e.params == nil {
		return nil, ErrModelNotFitted
	}
	return e.params.Clone(), nil
}

// Diagnostics returns the diagnostics of the last successful estimate
func (e *EnsembleEstimator) Diagnostics() (*Diagnostics, bool) {
	if e.diag == nil {
		return nil, false
	}
	d := *e.diag
	return &d, true
}

// EstimateModelParameters runs the ensemble over points. Correspondences
// sharing an endpoint feature are never sampled together. On failure the
// previous mask, parameters and diagnostics are kept.
func (e *EnsembleEstimator) EstimateModelParameters(points []Correspondence) (Parameters, error) {
	return e.estimate(points, FeatureIdentity(points))
}

// EstimatePointPairs runs the ensemble over bare coordinate tuples. Pairs
// whose first points coincide are never sampled together.
func (e *EnsembleEstimator) EstimatePointPairs(pairs []PointPair) (Parameters, error) {
	points := CorrespondencesFromPairs(pairs)
	return e.estimate(points, CoordinateProximity{Pairs: pairs, Tolerance: CoincidenceTolerance})
}

// CorrespondencesFromPairs wraps coordinate tuples into correspondences with
// freshly allocated features numbered by position
func CorrespondencesFromPairs(pairs []PointPair) []Correspondence {
	features := make([]Feature, 2*len(pairs))
	points := make([]Correspondence, len(pairs))
	for i, p := range pairs {
		a := &features[2*i]
		b := &features[2*i+1]
		*a = Feature{ID: i, X: p.First.X, Y: p.First.Y}
		*b = Feature{ID: i, X: p.Second.X, Y: p.Second.Y}
		points[i] = Correspondence{A: a, B: b}
	}
	return points
}

// trialRun is one worker's share of the ensemble
type trialRun struct {
	accs     []Accumulator
	trials   int
	attempts int
}

func (e *EnsembleEstimator) estimate(points []Correspondence, predicate DegeneracyPredicate) (Parameters, error) {
	start := time.Now()
	n := len(points)
	k := e.model.MinimalSampleSize()

	if n < 2 {
		return nil, fmt.Errorf("%d correspondences: %w", n, ErrClusteringUndefined)
	}
	if n < k {
		return nil, fmt.Errorf("%s needs %d correspondences, got %d: %w", e.model.Kind(), k, n, ErrIllConditionedDataset)
	}
	for i, c := range points {
		if !c.Valid() {
			return nil, fmt.Errorf("correspondence %d is uninitialized: %w", i, ErrInvalidDataset)
		}
	}

	template, err := newAccumulator(e.cfg.Statistic, e.cfg.Window(), e.cfg.Bins)
	if err != nil {
		return nil, err
	}

	accs, trials, attempts, err := e.runTrials(points, predicate, template)
	if err != nil {
		return nil, err
	}

	diag := &Diagnostics{
		Summaries: make([]float64, n),
		Scores:    make([]float64, n),
		Admitted:  make([]int, n),
		Offered:   make([]int, n),
		Window:    e.cfg.Window(),
		Statistic: e.cfg.Statistic,
		Score:     e.cfg.Score,
		Trials:    trials,
		Attempts:  attempts,
	}
	for i, acc := range accs {
		diag.Summaries[i] = acc.Summary()
		diag.Scores[i] = Score(e.cfg.Score, acc)
		diag.Admitted[i] = acc.Count()
		diag.Offered[i] = acc.Offered()
		if h, ok := acc.(*HistogramAccumulator); ok {
			if diag.Bins == nil {
				diag.Bins = make([][]int, n)
			}
			diag.Bins[i] = h.Bins()
		}
	}

	undefined, err := replaceUndefined(diag.Scores)
	if err != nil {
		return nil, err
	}
	diag.Undefined = undefined

	clusters, err := TwoMeans(diag.Scores)
	if err != nil {
		return nil, err
	}
	mask := clusters.Low()

	inlierPoints := make([]Correspondence, 0, clusters.Split)
	for i, in := range mask {
		if in {
			inlierPoints = append(inlierPoints, points[i])
		}
	}
	if err := e.model.FitFull(inlierPoints); err != nil {
		return nil, fmt.Errorf("refit on %d inliers: %w", len(inlierPoints), err)
	}
	params, err := e.model.Parameters()
	if err != nil {
		return nil, err
	}

	diag.Split = clusters.Split
	diag.LowMean = clusters.LowMean
	diag.HighMean = clusters.HighMean
	diag.Threshold = clusters.Threshold
	diag.InlierCount = len(inlierPoints)
	diag.Duration = time.Since(start)

	e.inliers = mask
	e.params = params
	e.diag = diag

	if e.cfg.Verbose {
		log.Printf("[ESTIMATE] %s: %d trials (%d attempts), %d/%d inliers, threshold %.4g, %v",
			e.model.Kind(), trials, attempts, diag.InlierCount, n, diag.Threshold, diag.Duration)
	}
	return params.Clone(), nil
}

// runTrials splits NumSamples trials over the workers, each with its own
// sampler seeded from the configured generator and its own accumulators,
// then merges the accumulators in worker order.
func (e *EnsembleEstimator) runTrials(points []Correspondence, predicate DegeneracyPredicate, template Accumulator) ([]Accumulator, int, int, error) {
	workers := e.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	if workers > e.cfg.NumSamples {
		workers = e.cfg.NumSamples
	}

	seeds := make([]int64, workers)
	for w := range seeds {
		seeds[w] = e.cfg.RNG.Int63()
	}

	runs := make([]*trialRun, workers)
	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < workers; w++ {
		quota := e.cfg.NumSamples / workers
		if w < e.cfg.NumSamples%workers {
			quota++
		}
		g.Go(func() error {
			run, err := e.runWorker(ctx, points, predicate, template, seeds[w], quota)
			if err != nil {
				return err
			}
			runs[w] = run
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, 0, err
	}

	accs := runs[0].accs
	trials, attempts := runs[0].trials, runs[0].attempts
	for _, run := range runs[1:] {
		for i := range accs {
			if err := accs[i].Merge(run.accs[i]); err != nil {
				return nil, 0, 0, err
			}
		}
		trials += run.trials
		attempts += run.attempts
	}
	return accs, trials, attempts, nil
}

// runWorker performs quota successful trials. Any fit failure only skips the
// trial; the worker gives up with ErrIllConditionedDataset after
// AttemptFactor*quota attempts.
func (e *EnsembleEstimator) runWorker(ctx context.Context, points []Correspondence, predicate DegeneracyPredicate, template Accumulator, seed int64, quota int) (*trialRun, error) {
	n := len(points)
	k := e.model.MinimalSampleSize()
	sampler := NewSampler(rand.New(rand.NewSource(seed)), predicate, e.cfg.RetryFactor)
	hypothesis := e.model.Blank()

	attemptFactor := e.cfg.AttemptFactor
	if attemptFactor <= 0 {
		attemptFactor = 10
	}
	maxAttempts := attemptFactor * quota

	run := &trialRun{accs: make([]Accumulator, n)}
	for i := range run.accs {
		run.accs[i] = template.Zeroed()
	}

	idx := make([]int, 0, k)
	sample := make([]Correspondence, k)
	inSample := make([]bool, n)
	var residuals []float64

	for run.trials < quota {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if run.attempts >= maxAttempts {
			return nil, fmt.Errorf("only %d of %d trials succeeded in %d attempts: %w",
				run.trials, quota, run.attempts, ErrIllConditionedDataset)
		}
		run.attempts++

		var err error
		idx, err = sampler.DrawInto(idx, n, k)
		if err != nil {
			return nil, err
		}
		for j, i := range idx {
			sample[j] = points[i]
		}
		if err := hypothesis.FitMinimal(sample); err != nil {
			continue
		}
		residuals, err = hypothesis.Residuals(points, residuals)
		if err != nil {
			if errors.Is(err, ErrInvalidDataset) {
				return nil, err
			}
			continue
		}

		if e.cfg.ExcludeSample {
			for _, i := range idx {
				inSample[i] = true
			}
		}
		for i, r := range residuals {
			if inSample[i] {
				continue
			}
			run.accs[i].Add(r)
		}
		for _, i := range idx {
			inSample[i] = false
		}
		run.trials++
	}
	return run, nil
}

// replaceUndefined substitutes the worst (largest) finite score for every
// non-finite one and reports how many were replaced. It fails when no score
// is finite.
func replaceUndefined(scores []float64) (int, error) {
	worst := math.Inf(-1)
	for _, s := range scores {
		if !math.IsNaN(s) && !math.IsInf(s, 0) && s > worst {
			worst = s
		}
	}
	if math.IsInf(worst, -1) {
		return 0, fmt.Errorf("no correspondence produced a defined score: %w", ErrClusteringUndefined)
	}
	replaced := 0
	for i, s := range scores {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			scores[i] = worst
			replaced++
		}
	}
	return replaced, nil
}
