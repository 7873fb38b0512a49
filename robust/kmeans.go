package robust

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

const maxTwoMeansIterations = 100

// Clustering is the result of splitting scalar scores into two groups.
// Order lists score indices sorted ascending; Order[:Split] is the low
// cluster and Order[Split:] the high one.
type Clustering struct {
	Order     []int
	Split     int
	LowMean   float64
	HighMean  float64
	Threshold float64
}

// Low reports whether index i landed in the low cluster
func (c Clustering) Low() []bool {
	mask := make([]bool, len(c.Order))
	for _, idx := range c.Order[:c.Split] {
		mask[idx] = true
	}
	return mask
}

// TwoMeans runs Lloyd's algorithm with k=2 on 1-D data. Because clusters of
// sorted 1-D data are contiguous, each iteration reduces to moving the split
// point to the midpoint of the two means. Both clusters are always non-empty.
// Fails with ErrClusteringUndefined for fewer than two values, all-equal
// values, or any NaN.
func TwoMeans(values []float64) (Clustering, error) {
	n := len(values)
	if n < 2 {
		return Clustering{}, fmt.Errorf("need at least 2 scores, got %d: %w", n, ErrClusteringUndefined)
	}
	for i, v := range values {
		if math.IsNaN(v) {
			return Clustering{}, fmt.Errorf("score %d is NaN: %w", i, ErrClusteringUndefined)
		}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return values[order[i]] < values[order[j]] })

	sorted := make([]float64, n)
	for i, idx := range order {
		sorted[i] = values[idx]
	}
	if sorted[0] == sorted[n-1] {
		return Clustering{}, fmt.Errorf("all %d scores equal %g: %w", n, sorted[0], ErrClusteringUndefined)
	}

	prefix := make([]float64, n+1)
	floats.CumSum(prefix[1:], sorted)
	means := func(split int) (float64, float64) {
		low := prefix[split] / float64(split)
		high := (prefix[n] - prefix[split]) / float64(n-split)
		return low, high
	}

	split := n / 2
	var low, high, threshold float64
	for iter := 0; iter < maxTwoMeansIterations; iter++ {
		low, high = means(split)
		threshold = (low + high) / 2
		next := sort.Search(n, func(i int) bool { return sorted[i] > threshold })
		if next < 1 {
			next = 1
		}
		if next > n-1 {
			next = n - 1
		}
		if next == split {
			break
		}
		split = next
	}
	low, high = means(split)

	return Clustering{
		Order:     order,
		Split:     split,
		LowMean:   low,
		HighMean:  high,
		Threshold: (low + high) / 2,
	}, nil
}
