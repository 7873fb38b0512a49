package robust

import (
	"fmt"
	"math"
)

// Moments holds the running count, mean and 2nd-4th central moment sums of a
// stream, updated in one pass with the generalized Welford recurrence.
type Moments struct {
	N    int
	Mean float64
	M2   float64
	M3   float64
	M4   float64
}

// Add folds one value into the moments
func (m *Moments) Add(x float64) {
	n1 := float64(m.N)
	m.N++
	n := float64(m.N)

	delta := x - m.Mean
	deltaN := delta / n
	deltaN2 := deltaN * deltaN
	term1 := delta * deltaN * n1

	m.Mean += deltaN
	m.M4 += term1*deltaN2*(n*n-3*n+3) + 6*deltaN2*m.M2 - 4*deltaN*m.M3
	m.M3 += term1*deltaN*(n-2) - 3*deltaN*m.M2
	m.M2 += term1
}

// Merge combines two independent streams (Pébay's pairwise formulas)
func (m *Moments) Merge(o Moments) {
	if o.N == 0 {
		return
	}
	if m.N == 0 {
		*m = o
		return
	}

	na, nb := float64(m.N), float64(o.N)
	n := na + nb
	delta := o.Mean - m.Mean
	delta2 := delta * delta
	delta3 := delta2 * delta
	delta4 := delta2 * delta2

	mean := m.Mean + delta*nb/n
	m2 := m.M2 + o.M2 + delta2*na*nb/n
	m3 := m.M3 + o.M3 +
		delta3*na*nb*(na-nb)/(n*n) +
		3*delta*(na*o.M2-nb*m.M2)/n
	m4 := m.M4 + o.M4 +
		delta4*na*nb*(na*na-na*nb+nb*nb)/(n*n*n) +
		6*delta2*(na*na*o.M2+nb*nb*m.M2)/(n*n) +
		4*delta*(na*o.M3-nb*m.M3)/n

	m.N += o.N
	m.Mean = mean
	m.M2 = m2
	m.M3 = m3
	m.M4 = m4
}

// Variance returns the population variance, or NaN for an empty stream
func (m Moments) Variance() float64 {
	if m.N == 0 {
		return math.NaN()
	}
	return m.M2 / float64(m.N)
}

// ExcessKurtosis returns n*M4/M2^2 - 3, or NaN when fewer than two values
// were seen or they have no spread
func (m Moments) ExcessKurtosis() float64 {
	if m.N < 2 || m.M2 <= 0 {
		return math.NaN()
	}
	return float64(m.N)*m.M4/(m.M2*m.M2) - 3
}

// MomentAccumulator reports the excess kurtosis of admitted residuals
type MomentAccumulator struct {
	window  Window
	moments Moments
	offered int
}

// NewMomentAccumulator creates an empty moment accumulator for window w
func NewMomentAccumulator(w Window) *MomentAccumulator {
	return &MomentAccumulator{window: w}
}

// Add implements Accumulator
func (a *MomentAccumulator) Add(v float64) {
	a.offered++
	if !a.window.Admits(v) {
		return
	}
	a.moments.Add(v)
}

// Summary implements Accumulator: excess kurtosis of the admitted values
func (a *MomentAccumulator) Summary() float64 { return a.moments.ExcessKurtosis() }

func (a *MomentAccumulator) Count() int       { return a.moments.N }
func (a *MomentAccumulator) Offered() int     { return a.offered }
func (a *MomentAccumulator) Moments() Moments { return a.moments }
func (a *MomentAccumulator) Window() Window   { return a.window }

// Zeroed implements Accumulator
func (a *MomentAccumulator) Zeroed() Accumulator {
	return NewMomentAccumulator(a.window)
}

// Merge implements Accumulator
func (a *MomentAccumulator) Merge(other Accumulator) error {
	o, ok := other.(*MomentAccumulator)
	if !ok {
		return fmt.Errorf("cannot merge %T into moment accumulator: %w", other, ErrInvalidConfig)
	}
	if o.window != a.window {
		return fmt.Errorf("cannot merge accumulators with windows %v and %v: %w", a.window, o.window, ErrInvalidConfig)
	}
	a.moments.Merge(o.moments)
	a.offered += o.offered
	return nil
}
