package robust

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/paulmach/orb"
)

// MatchRecord references one feature in each image by ID
type MatchRecord struct {
	A     int     `json:"a"`
	B     int     `json:"b"`
	Score float64 `json:"score"`
}

// MatchSet is the wire format for a matched image pair. Either Matches
// (referencing FeaturesA/FeaturesB by ID) or Pairs (bare x1,y1,x2,y2 tuples)
// must be present; Matches wins when both are.
type MatchSet struct {
	ID        string        `json:"id"`
	Model     string        `json:"model,omitempty"`
	Width     float64       `json:"width,omitempty"`  // First image width, for rendering
	Height    float64       `json:"height,omitempty"` // First image height, for rendering
	FeaturesA []Feature     `json:"featuresA,omitempty"`
	FeaturesB []Feature     `json:"featuresB,omitempty"`
	Matches   []MatchRecord `json:"matches,omitempty"`
	Pairs     [][4]float64  `json:"pairs,omitempty"`
	Truth     []bool        `json:"truth,omitempty"` // Ground-truth inlier labels of synthetic sets
}

// LoadMatchSet reads a match set file (JSON or zlib-compressed JSON)
func LoadMatchSet(path string) (*MatchSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return DecodeMatchSet(data)
}

// DecodeMatchSet decodes a match set from raw JSON or zlib-compressed JSON
func DecodeMatchSet(data []byte) (*MatchSet, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload: %w", ErrInvalidDataset)
	}

	jsonBytes := data
	if data[0] != '{' {
		var err error
		jsonBytes, err = inflateZlib(data)
		if err != nil {
			return nil, fmt.Errorf("unknown format, not JSON or zlib-compressed: %w", ErrInvalidDataset)
		}
	}

	var m MatchSet
	if err := json.Unmarshal(jsonBytes, &m); err != nil {
		return nil, fmt.Errorf("parsing JSON: %v: %w", err, ErrInvalidDataset)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeMatchSet serializes a match set, optionally zlib-compressed
func EncodeMatchSet(m *MatchSet, compress bool) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling match set: %w", err)
	}
	if !compress {
		return data, nil
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compressing match set: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compressing match set: %w", err)
	}
	return buf.Bytes(), nil
}

// SaveMatchSet writes a match set as indented JSON
func SaveMatchSet(path string, m *MatchSet) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling match set: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing match set: %w", err)
	}
	return nil
}

func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}
	return out, nil
}

// Validate checks IDs, references and scores without resolving pointers
func (m *MatchSet) Validate() error {
	if len(m.Matches) == 0 && len(m.Pairs) == 0 {
		return fmt.Errorf("match set %q has neither matches nor pairs: %w", m.ID, ErrInvalidDataset)
	}
	if _, err := ParseModelKind(m.Model); err != nil {
		return fmt.Errorf("match set %q: %v: %w", m.ID, err, ErrInvalidDataset)
	}
	if len(m.Matches) > 0 {
		if _, err := m.Correspondences(); err != nil {
			return err
		}
	}
	if m.Truth != nil && len(m.Truth) != m.Len() {
		return fmt.Errorf("match set %q has %d truth labels for %d matches: %w", m.ID, len(m.Truth), m.Len(), ErrInvalidDataset)
	}
	return nil
}

// Len returns the number of correspondences the set resolves to
func (m *MatchSet) Len() int {
	if len(m.Matches) > 0 {
		return len(m.Matches)
	}
	return len(m.Pairs)
}

// HasFeatures reports whether the set carries feature-referenced matches
func (m *MatchSet) HasFeatures() bool {
	return len(m.Matches) > 0
}

// Correspondences resolves the matches into correspondences pointing into
// FeaturesA and FeaturesB. The result must not outlive the match set. Sets
// carrying only pairs are wrapped with CorrespondencesFromPairs.
func (m *MatchSet) Correspondences() ([]Correspondence, error) {
	if len(m.Matches) == 0 {
		return CorrespondencesFromPairs(m.PointPairs()), nil
	}

	indexA, err := indexFeatures(m.FeaturesA, "featuresA")
	if err != nil {
		return nil, err
	}
	indexB, err := indexFeatures(m.FeaturesB, "featuresB")
	if err != nil {
		return nil, err
	}

	out := make([]Correspondence, len(m.Matches))
	for i, rec := range m.Matches {
		a, okA := indexA[rec.A]
		b, okB := indexB[rec.B]
		if !okA || !okB {
			return nil, fmt.Errorf("match %d references unknown feature (%d, %d): %w", i, rec.A, rec.B, ErrInvalidDataset)
		}
		c := Correspondence{A: a, B: b, Score: rec.Score}
		if !c.Valid() {
			return nil, fmt.Errorf("match %d has invalid score %g: %w", i, rec.Score, ErrInvalidDataset)
		}
		out[i] = c
	}
	return out, nil
}

func indexFeatures(features []Feature, name string) (map[int]*Feature, error) {
	index := make(map[int]*Feature, len(features))
	for i := range features {
		f := &features[i]
		if _, dup := index[f.ID]; dup {
			return nil, fmt.Errorf("%s has duplicate id %d: %w", name, f.ID, ErrInvalidDataset)
		}
		index[f.ID] = f
	}
	return index, nil
}

// PointPairs returns the bare coordinate tuples, resolving matches if needed
func (m *MatchSet) PointPairs() []PointPair {
	if len(m.Matches) > 0 {
		points, err := m.Correspondences()
		if err != nil {
			return nil
		}
		pairs := make([]PointPair, len(points))
		for i, c := range points {
			pairs[i] = PointPair{First: c.A.Point(), Second: c.B.Point()}
		}
		return pairs
	}
	pairs := make([]PointPair, len(m.Pairs))
	for i, p := range m.Pairs {
		pairs[i] = PointPair{First: Point{X: p[0], Y: p[1]}, Second: Point{X: p[2], Y: p[3]}}
	}
	return pairs
}

// Bounds returns the bounding box of all first and second points
func (m *MatchSet) Bounds() orb.Bound {
	var mp orb.MultiPoint
	for _, p := range m.PointPairs() {
		mp = append(mp, p.First.orb(), p.Second.orb())
	}
	return mp.Bound()
}

// ModelKind returns the configured model of the set, or fallback when unset
func (m *MatchSet) ModelKind(fallback ModelKind) ModelKind {
	if m.Model == "" {
		return fallback
	}
	kind, err := ParseModelKind(m.Model)
	if err != nil {
		return fallback
	}
	return kind
}

// EstimateMatchSet runs the ensemble estimator on a match set with a fresh
// model of the set's kind (fallback when the set names none)
func EstimateMatchSet(m *MatchSet, fallback ModelKind, cfg EstimatorConfig) (*EstimateResult, error) {
	kind := m.ModelKind(fallback)
	model, err := NewModel(kind)
	if err != nil {
		return nil, err
	}
	est, err := NewEnsembleEstimator(model, cfg)
	if err != nil {
		return nil, err
	}

	if m.HasFeatures() {
		points, err := m.Correspondences()
		if err != nil {
			return nil, err
		}
		if _, err := est.EstimateModelParameters(points); err != nil {
			return nil, err
		}
	} else {
		if _, err := est.EstimatePointPairs(m.PointPairs()); err != nil {
			return nil, err
		}
	}
	return NewEstimateResult(m, est)
}
