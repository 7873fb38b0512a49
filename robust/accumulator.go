package robust

import (
	"fmt"
	"math"
)

// Accumulator summarizes one correspondence's residual history without
// retaining the raw values. Values outside the configured window are
// counted as offered but otherwise ignored.
type Accumulator interface {
	// Add offers one residual; O(1)
	Add(v float64)
	// Summary returns the accumulator's reported shape value; O(1)
	Summary() float64
	// Count is the number of admitted values
	Count() int
	// Offered is the number of values passed to Add, admitted or not
	Offered() int
	// Moments exposes the running central moments of the admitted values
	Moments() Moments
	// Merge folds another accumulator of the same kind and window into this one
	Merge(other Accumulator) error
	// Zeroed returns an empty accumulator sharing only the configured bounds
	Zeroed() Accumulator
}

// Window is the half-open admission interval [Min, Max)
type Window struct {
	Min float64
	Max float64
}

// UnboundedWindow admits every non-negative residual
func UnboundedWindow() Window {
	return Window{Min: 0, Max: math.Inf(1)}
}

// Admits reports whether v lies inside the window
func (w Window) Admits(v float64) bool {
	return v >= w.Min && v < w.Max
}

// Finite reports whether both bounds are finite numbers
func (w Window) Finite() bool {
	return !math.IsInf(w.Min, 0) && !math.IsInf(w.Max, 0) && !math.IsNaN(w.Min) && !math.IsNaN(w.Max)
}

// StatisticKind selects the accumulator implementation
type StatisticKind string

const (
	StatisticMoments   StatisticKind = "moments"
	StatisticHistogram StatisticKind = "histogram"
)

// ScoreMode selects how an accumulator is turned into the scalar that is
// clustered. Every score is oriented so that lower means more consistent
// with the hypothesis ensemble.
type ScoreMode string

const (
	// ScoreSummary uses the accumulator's own Summary, oriented per
	// accumulator: the moment accumulator's excess kurtosis is used as is, so
	// flat residual histories score low; the histogram's adjacent-bin step is
	// negated, so histories piled into few bins score low.
	ScoreSummary ScoreMode = "summary"
	// ScoreRejection is the fraction of offered residuals outside the window.
	ScoreRejection ScoreMode = "rejection"
	// ScorePeakBin is the index of the fullest histogram bin.
	ScorePeakBin ScoreMode = "peak_bin"
)

// Score evaluates mode on acc. Undefined scores are NaN.
func Score(mode ScoreMode, acc Accumulator) float64 {
	switch mode {
	case ScoreRejection:
		if acc.Offered() == 0 {
			return math.NaN()
		}
		return 1 - float64(acc.Count())/float64(acc.Offered())
	case ScorePeakBin:
		h, ok := acc.(*HistogramAccumulator)
		if !ok || h.Count() == 0 {
			return math.NaN()
		}
		return float64(h.PeakBin())
	default:
		if _, ok := acc.(*HistogramAccumulator); ok {
			return -acc.Summary()
		}
		return acc.Summary()
	}
}

// newAccumulator builds the per-correspondence template for a configuration
func newAccumulator(kind StatisticKind, w Window, bins int) (Accumulator, error) {
	switch kind {
	case StatisticMoments, "":
		return NewMomentAccumulator(w), nil
	case StatisticHistogram:
		return NewHistogramAccumulator(w, bins)
	default:
		return nil, fmt.Errorf("unknown statistic %q: %w", kind, ErrInvalidConfig)
	}
}
