package robust

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"time"
)

// ModelEstimator is the contract shared by robust estimation strategies so
// callers can swap one for another.
type ModelEstimator interface {
	// EstimateModelParameters classifies correspondences and refits the model
	// on the inliers, returning the refit parameters.
	EstimateModelParameters(points []Correspondence) (Parameters, error)
	// Inliers returns the mask of the last successful estimate
	Inliers() ([]bool, error)
	// Parameters returns the parameters of the last successful estimate
	Parameters() (Parameters, error)
}

// EstimatorConfig holds configuration for the ensemble estimator.
// MinValue/MaxValue bound the residuals admitted into the per-correspondence
// statistics, in the model's residual units (squared pixels).
type EstimatorConfig struct {
	NumSamples    int           // Successful trials per estimate
	MinValue      float64       // Lower bound of the admission window (inclusive)
	MaxValue      float64       // Upper bound of the admission window (exclusive)
	Statistic     StatisticKind // Accumulator per correspondence
	Score         ScoreMode     // How an accumulator becomes the clustered scalar
	Bins          int           // Histogram bins
	Workers       int           // Parallel trial workers; each draws its own seed from RNG
	RetryFactor   int           // Sampler gives up after RetryFactor*N redraws
	AttemptFactor int           // Estimate gives up after AttemptFactor*NumSamples attempts
	ExcludeSample bool          // Skip a trial's own minimal set when feeding statistics
	RNG           *rand.Rand    // Seeds the workers; results repeat for a fixed seed and Workers count
	Verbose       bool          // Log one summary line per estimate
}

// SeededWorkers is the worker count used when a seed is configured without
// an explicit worker count, so seeded runs repeat across hosts.
const SeededWorkers = 4

// DefaultEstimatorConfig returns the reference defaults: 500 trials, every
// residual admitted, kurtosis as the clustered statistic.
//
// The unbounded [0, +Inf) window admits every residual, and a few huge
// residuals per trial dominate each correspondence's kurtosis, so the
// default split lands close to chance. Set MaxValue to a few times the
// expected squared residual of an inlier (50 square pixels for
// sub-pixel-noise matches) for the scores to separate inliers from outliers.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		NumSamples:    500,
		MinValue:      0,
		MaxValue:      math.Inf(1),
		Statistic:     StatisticMoments,
		Score:         ScoreSummary,
		Bins:          DefaultBins,
		Workers:       runtime.GOMAXPROCS(0),
		RetryFactor:   DefaultRetryFactor,
		AttemptFactor: 10,
		ExcludeSample: true,
		RNG:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Window returns the configured admission window
func (c EstimatorConfig) Window() Window {
	return Window{Min: c.MinValue, Max: c.MaxValue}
}

// Validate checks the configuration for values the estimator cannot run with
func (c EstimatorConfig) Validate() error {
	if c.NumSamples <= 0 {
		return fmt.Errorf("numSamples must be positive, got %d: %w", c.NumSamples, ErrInvalidConfig)
	}
	if math.IsNaN(c.MinValue) || math.IsNaN(c.MaxValue) {
		return fmt.Errorf("admission window bounds must be numbers: %w", ErrInvalidConfig)
	}
	if c.MaxValue <= c.MinValue {
		return fmt.Errorf("admission window [%g, %g) is empty: %w", c.MinValue, c.MaxValue, ErrInvalidConfig)
	}
	switch c.Statistic {
	case StatisticMoments:
	case StatisticHistogram:
		if !c.Window().Finite() {
			return fmt.Errorf("histogram statistic needs a finite maxValue: %w", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("unknown statistic %q: %w", c.Statistic, ErrInvalidConfig)
	}
	switch c.Score {
	case ScoreSummary, ScoreRejection:
	case ScorePeakBin:
		if c.Statistic != StatisticHistogram {
			return fmt.Errorf("score %q requires the histogram statistic: %w", c.Score, ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("unknown score %q: %w", c.Score, ErrInvalidConfig)
	}
	if c.Workers < 0 || c.RetryFactor < 0 || c.AttemptFactor < 0 || c.Bins < 0 {
		return fmt.Errorf("workers, factors and bins must not be negative: %w", ErrInvalidConfig)
	}
	return nil
}

// EstimatorConfigFromSettings overlays YAML settings onto the defaults
func EstimatorConfigFromSettings(s EstimatorSettings) (EstimatorConfig, error) {
	cfg := DefaultEstimatorConfig()
	if s.NumSamples > 0 {
		cfg.NumSamples = s.NumSamples
	}
	cfg.MinValue = s.MinValue
	if s.MaxValue != nil {
		cfg.MaxValue = *s.MaxValue
	}
	if s.Statistic != "" {
		cfg.Statistic = StatisticKind(s.Statistic)
	}
	if s.Score != "" {
		cfg.Score = ScoreMode(s.Score)
	}
	if s.Bins > 0 {
		cfg.Bins = s.Bins
	}
	if s.Workers > 0 {
		cfg.Workers = s.Workers
	}
	if s.RetryFactor > 0 {
		cfg.RetryFactor = s.RetryFactor
	}
	if s.AttemptFactor > 0 {
		cfg.AttemptFactor = s.AttemptFactor
	}
	if s.Seed != nil {
		cfg.RNG = rand.New(rand.NewSource(*s.Seed))
		if s.Workers <= 0 {
			cfg.Workers = SeededWorkers
		}
	}
	cfg.ExcludeSample = !s.IncludeSample
	cfg.Verbose = s.Verbose

	if err := cfg.Validate(); err != nil {
		return EstimatorConfig{}, err
	}
	return cfg, nil
}
