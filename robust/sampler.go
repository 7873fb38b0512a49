package robust

import (
	"fmt"
	"math/rand"

	"github.com/paulmach/orb/planar"
)

// DefaultRetryFactor bounds sampler redraws at factor * population size
const DefaultRetryFactor = 10

// CoincidenceTolerance is the distance under which two bare point pairs are
// considered the same draw
const CoincidenceTolerance = 1e-10

// DegeneracyPredicate decides whether two population members must not be
// drawn into the same minimal set
type DegeneracyPredicate interface {
	Degenerate(i, j int) bool
}

// FeatureIdentity treats two correspondences as degenerate when they share
// either endpoint feature
type FeatureIdentity []Correspondence

// Degenerate implements DegeneracyPredicate
func (f FeatureIdentity) Degenerate(i, j int) bool {
	return f[i].A == f[j].A || f[i].B == f[j].B
}

// CoordinateProximity treats two bare point pairs as degenerate when their
// first points coincide within Tolerance
type CoordinateProximity struct {
	Pairs     []PointPair
	Tolerance float64
}

// Degenerate implements DegeneracyPredicate
func (c CoordinateProximity) Degenerate(i, j int) bool {
	tol := c.Tolerance
	if tol <= 0 {
		tol = CoincidenceTolerance
	}
	return planar.Distance(c.Pairs[i].First.orb(), c.Pairs[j].First.orb()) < tol
}

// noDegeneracy accepts every combination of distinct indices
type noDegeneracy struct{}

func (noDegeneracy) Degenerate(i, j int) bool { return false }

// Sampler draws minimal sets uniformly without replacement, rejecting members
// that are degenerate with respect to the ones already drawn. It owns its
// random generator so runs are reproducible from a seed.
type Sampler struct {
	rng         *rand.Rand
	predicate   DegeneracyPredicate
	retryFactor int
}

// NewSampler creates a sampler. A nil predicate accepts any distinct indices;
// a retryFactor <= 0 selects DefaultRetryFactor.
func NewSampler(rng *rand.Rand, predicate DegeneracyPredicate, retryFactor int) *Sampler {
	if predicate == nil {
		predicate = noDegeneracy{}
	}
	if retryFactor <= 0 {
		retryFactor = DefaultRetryFactor
	}
	return &Sampler{rng: rng, predicate: predicate, retryFactor: retryFactor}
}

// DrawMinimalSet returns k distinct indices in [0, n). It fails with
// ErrIllConditionedDataset when k exceeds n or when retryFactor*n rejected
// draws accumulate before k acceptable members are found.
func (s *Sampler) DrawMinimalSet(n, k int) ([]int, error) {
	return s.DrawInto(make([]int, 0, k), n, k)
}

// DrawInto is DrawMinimalSet writing into dst's storage
func (s *Sampler) DrawInto(dst []int, n, k int) ([]int, error) {
	if k <= 0 || k > n {
		return nil, fmt.Errorf("cannot draw %d of %d: %w", k, n, ErrIllConditionedDataset)
	}

	dst = dst[:0]
	maxRejects := s.retryFactor * n
	rejects := 0
	for len(dst) < k {
		idx := s.rng.Intn(n)
		if s.conflicts(dst, idx) {
			rejects++
			if rejects > maxRejects {
				return nil, fmt.Errorf("no non-degenerate set of %d after %d redraws: %w", k, rejects, ErrIllConditionedDataset)
			}
			continue
		}
		dst = append(dst, idx)
	}
	return dst, nil
}

func (s *Sampler) conflicts(drawn []int, idx int) bool {
	for _, d := range drawn {
		if d == idx || s.predicate.Degenerate(d, idx) {
			return true
		}
	}
	return false
}
