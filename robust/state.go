package robust

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EstimateResult is the published outcome of one estimate
type EstimateResult struct {
	DatasetID   string    `json:"datasetId"`
	Model       ModelKind `json:"model"`
	Parameters  []float64 `json:"parameters"`
	Inliers     []bool    `json:"inliers"`
	InlierCount int       `json:"inlierCount"`
	Total       int       `json:"total"`
	Trials      int       `json:"trials"`
	Attempts    int       `json:"attempts"`
	Statistic   string    `json:"statistic"`
	Score       string    `json:"score"`
	Scores      []float64 `json:"scores"`
	Threshold   float64   `json:"threshold"`
	LowMean     float64   `json:"lowMean"`
	HighMean    float64   `json:"highMean"`
	DurationMs  float64   `json:"durationMs"`
	Timestamp   time.Time `json:"timestamp"`

	// Recall against ground truth, present for synthetic match sets
	InlierRecall  *float64 `json:"inlierRecall,omitempty"`
	OutlierRecall *float64 `json:"outlierRecall,omitempty"`
}

// NewEstimateResult captures the state of an estimator after a successful run
func NewEstimateResult(m *MatchSet, est *EnsembleEstimator) (*EstimateResult, error) {
	params, err := est.Parameters()
	if err != nil {
		return nil, err
	}
	mask, err := est.Inliers()
	if err != nil {
		return nil, err
	}
	diag, _ := est.Diagnostics()

	r := &EstimateResult{
		DatasetID:  m.ID,
		Model:      est.Model().Kind(),
		Parameters: params,
		Inliers:    mask,
		Total:      len(mask),
		Timestamp:  time.Now(),
	}
	if diag != nil {
		r.InlierCount = diag.InlierCount
		r.Trials = diag.Trials
		r.Attempts = diag.Attempts
		r.Statistic = string(diag.Statistic)
		r.Score = string(diag.Score)
		r.Scores = diag.Scores
		r.Threshold = diag.Threshold
		r.LowMean = diag.LowMean
		r.HighMean = diag.HighMean
		r.DurationMs = float64(diag.Duration.Microseconds()) / 1000
	}
	if len(m.Truth) == len(mask) {
		in, out := EvaluateMask(mask, m.Truth)
		r.InlierRecall = &in
		r.OutlierRecall = &out
	}
	return r, nil
}

// ResultStore keeps the latest result and match set per dataset for the
// HTTP endpoints
type ResultStore struct {
	mu        sync.RWMutex
	results   map[string]*EstimateResult
	sets      map[string]*MatchSet
	cachePath string // path to the results cache file; empty disables persistence
}

// NewResultStore creates an empty result store
func NewResultStore() *ResultStore {
	return &ResultStore{
		results: make(map[string]*EstimateResult),
		sets:    make(map[string]*MatchSet),
	}
}

// NewResultStoreWithCache creates a result store that persists results to
// cachePath. Cached results are loaded on creation; match sets are not
// cached, so rendering is only available for sets seen since startup.
func NewResultStoreWithCache(cachePath string) *ResultStore {
	rs := NewResultStore()
	rs.cachePath = cachePath
	if cachePath != "" {
		if results, err := LoadResults(cachePath); err == nil {
			rs.results = results
		}
	}
	return rs
}

// Update stores the result and the match set it was computed from
func (rs *ResultStore) Update(m *MatchSet, r *EstimateResult) {
	rs.mu.Lock()
	rs.results[r.DatasetID] = r
	rs.sets[r.DatasetID] = m
	snapshot := rs.copyResultsLocked()
	cachePath := rs.cachePath
	rs.mu.Unlock()

	if cachePath != "" {
		if err := SaveResults(snapshot, cachePath); err != nil {
			log.Printf("warning: failed to save results cache: %v", err)
		}
	}
}

// Get returns a copy of the latest result for a dataset
func (rs *ResultStore) Get(datasetID string) (*EstimateResult, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.results[datasetID]
	if !ok {
		return nil, false
	}
	c := *r
	return &c, true
}

// MatchSet returns the match set behind the latest result for a dataset
func (rs *ResultStore) MatchSet(datasetID string) (*MatchSet, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	m, ok := rs.sets[datasetID]
	return m, ok
}

// GetAll returns copies of all results
func (rs *ResultStore) GetAll() map[string]*EstimateResult {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.copyResultsLocked()
}

// IDs returns the dataset IDs with results, sorted
func (rs *ResultStore) IDs() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	ids := make([]string, 0, len(rs.results))
	for id := range rs.results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (rs *ResultStore) copyResultsLocked() map[string]*EstimateResult {
	out := make(map[string]*EstimateResult, len(rs.results))
	for k, v := range rs.results {
		c := *v
		out[k] = &c
	}
	return out
}

// SaveResults writes results to disk as JSON
func SaveResults(results map[string]*EstimateResult, path string) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write results cache: %w", err)
	}
	return nil
}

// LoadResults reads results from a JSON file on disk
func LoadResults(path string) (map[string]*EstimateResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read results cache: %w", err)
	}
	var results map[string]*EstimateResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("unmarshal results cache: %w", err)
	}
	if results == nil {
		results = make(map[string]*EstimateResult)
	}
	return results, nil
}
