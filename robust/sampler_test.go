package robust

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampler_DrawsDistinctIndices(t *testing.T) {
	s := NewSampler(rand.New(rand.NewSource(1)), nil, 0)
	for i := 0; i < 200; i++ {
		idx, err := s.DrawMinimalSet(10, 4)
		require.NoError(t, err)
		require.Len(t, idx, 4)
		seen := make(map[int]bool)
		for _, v := range idx {
			assert.GreaterOrEqual(t, v, 0)
			assert.Less(t, v, 10)
			assert.False(t, seen[v], "index %d drawn twice in %v", v, idx)
			seen[v] = true
		}
	}
}

func TestSampler_FullPopulation(t *testing.T) {
	s := NewSampler(rand.New(rand.NewSource(2)), nil, 0)
	idx, err := s.DrawMinimalSet(8, 8)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, idx)
}

func TestSampler_ReproducibleFromSeed(t *testing.T) {
	a := NewSampler(rand.New(rand.NewSource(99)), nil, 0)
	b := NewSampler(rand.New(rand.NewSource(99)), nil, 0)
	for i := 0; i < 20; i++ {
		x, err := a.DrawMinimalSet(50, 8)
		require.NoError(t, err)
		y, err := b.DrawMinimalSet(50, 8)
		require.NoError(t, err)
		assert.Equal(t, x, y)
	}
}

func TestSampler_Errors(t *testing.T) {
	s := NewSampler(rand.New(rand.NewSource(3)), nil, 0)

	_, err := s.DrawMinimalSet(3, 4)
	assert.ErrorIs(t, err, ErrIllConditionedDataset)
	_, err = s.DrawMinimalSet(3, 0)
	assert.ErrorIs(t, err, ErrIllConditionedDataset)
}

func TestSampler_RetryCap(t *testing.T) {
	// Every feature is shared, so no second member is ever acceptable
	shared := &Feature{ID: 1}
	points := make([]Correspondence, 6)
	for i := range points {
		points[i] = Correspondence{A: shared, B: &Feature{ID: i, X: float64(i)}}
	}
	s := NewSampler(rand.New(rand.NewSource(4)), FeatureIdentity(points), 2)
	_, err := s.DrawMinimalSet(len(points), 2)
	assert.ErrorIs(t, err, ErrIllConditionedDataset)
}

func TestSampler_DrawIntoReusesStorage(t *testing.T) {
	s := NewSampler(rand.New(rand.NewSource(5)), nil, 0)
	buf := make([]int, 0, 4)
	idx, err := s.DrawInto(buf, 20, 4)
	require.NoError(t, err)
	assert.Same(t, &buf[:1][0], &idx[0])
}

// ---------------------------------------------------------------------------
// degeneracy predicates
// ---------------------------------------------------------------------------

func TestFeatureIdentity(t *testing.T) {
	a1 := &Feature{ID: 1, X: 5, Y: 5}
	a2 := &Feature{ID: 2, X: 5, Y: 5} // same location, different feature
	b1 := &Feature{ID: 1}
	b2 := &Feature{ID: 2}
	b3 := &Feature{ID: 3}

	pred := FeatureIdentity{
		{A: a1, B: b1},
		{A: a1, B: b2}, // shares A with 0
		{A: a2, B: b1}, // shares B with 0
		{A: a2, B: b3},
	}
	tests := []struct {
		i, j int
		want bool
	}{
		{0, 1, true},
		{0, 2, true},
		{0, 3, false},
		{1, 3, false},
		{2, 3, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pred.Degenerate(tt.i, tt.j), "Degenerate(%d, %d)", tt.i, tt.j)
	}
}

func TestCoordinateProximity(t *testing.T) {
	pairs := []PointPair{
		{First: Point{X: 1, Y: 1}, Second: Point{X: 2, Y: 2}},
		{First: Point{X: 1, Y: 1 + 1e-12}, Second: Point{X: 9, Y: 9}},
		{First: Point{X: 1, Y: 1.001}, Second: Point{X: 2, Y: 2}},
	}
	pred := CoordinateProximity{Pairs: pairs}
	assert.True(t, pred.Degenerate(0, 1))
	assert.False(t, pred.Degenerate(0, 2))

	loose := CoordinateProximity{Pairs: pairs, Tolerance: 0.01}
	assert.True(t, loose.Degenerate(0, 2))
}

func TestSampler_RespectsPredicate(t *testing.T) {
	// Pairs 0 and 1 share a location and must never be drawn together
	pairs := []PointPair{
		{First: Point{X: 0, Y: 0}}, {First: Point{X: 0, Y: 0}},
		{First: Point{X: 1, Y: 0}}, {First: Point{X: 0, Y: 1}}, {First: Point{X: 1, Y: 1}},
	}
	s := NewSampler(rand.New(rand.NewSource(6)), CoordinateProximity{Pairs: pairs}, 0)
	for i := 0; i < 500; i++ {
		idx, err := s.DrawMinimalSet(len(pairs), 4)
		require.NoError(t, err)
		has0, has1 := false, false
		for _, v := range idx {
			has0 = has0 || v == 0
			has1 = has1 || v == 1
		}
		assert.False(t, has0 && has1, "drew coincident pairs together: %v", idx)
	}
}
