package robust

import (
	"fmt"
	"math"
)

// DefaultBins is the histogram resolution used when none is configured
const DefaultBins = 50

// HistogramAccumulator bins admitted residuals into equal-width bins over a
// finite window. Summary reports the largest absolute difference between
// adjacent bin counts.
type HistogramAccumulator struct {
	window  Window
	width   float64
	counts  []int
	moments Moments
	offered int
}

// NewHistogramAccumulator creates an empty histogram over w with the given
// number of bins. The window must be finite and non-empty.
func NewHistogramAccumulator(w Window, bins int) (*HistogramAccumulator, error) {
	if bins <= 0 {
		bins = DefaultBins
	}
	if !w.Finite() {
		return nil, fmt.Errorf("histogram window [%g, %g) must be finite: %w", w.Min, w.Max, ErrInvalidConfig)
	}
	if w.Max <= w.Min {
		return nil, fmt.Errorf("histogram window [%g, %g) is empty: %w", w.Min, w.Max, ErrInvalidConfig)
	}
	return &HistogramAccumulator{
		window: w,
		width:  (w.Max - w.Min) / float64(bins),
		counts: make([]int, bins),
	}, nil
}

// Add implements Accumulator
func (h *HistogramAccumulator) Add(v float64) {
	h.offered++
	if !h.window.Admits(v) {
		return
	}
	idx := int(math.Floor((v - h.window.Min) / h.width))
	// Rounding can push values just below Max into the last+1 bin
	if idx >= len(h.counts) {
		idx = len(h.counts) - 1
	}
	if idx < 0 {
		idx = 0
	}
	h.counts[idx]++
	h.moments.Add(v)
}

// Summary implements Accumulator: max |count[i+1] - count[i]|
func (h *HistogramAccumulator) Summary() float64 {
	maxDiff := 0
	for i := 0; i+1 < len(h.counts); i++ {
		d := h.counts[i+1] - h.counts[i]
		if d < 0 {
			d = -d
		}
		if d > maxDiff {
			maxDiff = d
		}
	}
	return float64(maxDiff)
}

// PeakBin returns the index of the first fullest bin, or -1 when empty
func (h *HistogramAccumulator) PeakBin() int {
	if h.moments.N == 0 {
		return -1
	}
	peak := 0
	for i, c := range h.counts {
		if c > h.counts[peak] {
			peak = i
		}
	}
	return peak
}

// Bins returns a copy of the bin counts
func (h *HistogramAccumulator) Bins() []int {
	out := make([]int, len(h.counts))
	copy(out, h.counts)
	return out
}

// BinWidth returns the width of one bin
func (h *HistogramAccumulator) BinWidth() float64 { return h.width }

func (h *HistogramAccumulator) Count() int       { return h.moments.N }
func (h *HistogramAccumulator) Offered() int     { return h.offered }
func (h *HistogramAccumulator) Moments() Moments { return h.moments }
func (h *HistogramAccumulator) Window() Window   { return h.window }

// Zeroed implements Accumulator
func (h *HistogramAccumulator) Zeroed() Accumulator {
	return &HistogramAccumulator{
		window: h.window,
		width:  h.width,
		counts: make([]int, len(h.counts)),
	}
}

// Merge implements Accumulator
func (h *HistogramAccumulator) Merge(other Accumulator) error {
	o, ok := other.(*HistogramAccumulator)
	if !ok {
		return fmt.Errorf("cannot merge %T into histogram accumulator: %w", other, ErrInvalidConfig)
	}
	if o.window != h.window || len(o.counts) != len(h.counts) {
		return fmt.Errorf("cannot merge histograms with different binning: %w", ErrInvalidConfig)
	}
	for i, c := range o.counts {
		h.counts[i] += c
	}
	h.moments.Merge(o.moments)
	h.offered += o.offered
	return nil
}
