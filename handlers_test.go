package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/ensemblefit/robust"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// serverWithResult returns a handler whose store already holds an estimate
// for the dataset "scene"
func serverWithResult(t *testing.T) (http.Handler, *App) {
	t.Helper()
	app := testApp(&bytes.Buffer{})
	if _, err := app.process(testScene(t, "scene")); err != nil {
		t.Fatalf("process: %v", err)
	}
	return newHTTPServer(app.Results, app.process), app
}

func get(handler http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// /health
// ---------------------------------------------------------------------------

func TestHealth_NoResults(t *testing.T) {
	app := testApp(&bytes.Buffer{})
	w := get(newHTTPServer(app.Results, app.process), "/health")

	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		Status     string `json:"status"`
		HasResults bool   `json:"hasResults"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.HasResults {
		t.Error("hasResults = true, want false on an empty store")
	}
}

func TestHealth_WithResults(t *testing.T) {
	handler, _ := serverWithResult(t)
	w := get(handler, "/health")

	var body struct {
		HasResults bool `json:"hasResults"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if !body.HasResults {
		t.Error("hasResults = false, want true")
	}
}

// ---------------------------------------------------------------------------
// POST /estimate
// ---------------------------------------------------------------------------

func TestEstimate_MethodNotAllowed(t *testing.T) {
	app := testApp(&bytes.Buffer{})
	w := get(newHTTPServer(app.Results, app.process), "/estimate")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /estimate status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestEstimate_Success(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			app := testApp(&bytes.Buffer{})
			handler := newHTTPServer(app.Results, app.process)

			payload, err := robust.EncodeMatchSet(testScene(t, "posted"), compress)
			if err != nil {
				t.Fatalf("EncodeMatchSet: %v", err)
			}
			req := httptest.NewRequest(http.MethodPost, "/estimate", bytes.NewReader(payload))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
			}
			var result robust.EstimateResult
			if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
				t.Fatalf("decoding result: %v", err)
			}
			if result.DatasetID != "posted" || result.Total != 120 {
				t.Errorf("unexpected result %s with %d matches", result.DatasetID, result.Total)
			}
			if _, ok := app.Results.Get("posted"); !ok {
				t.Error("posted result should be stored")
			}
		})
	}
}

func TestEstimate_IDFromQuery(t *testing.T) {
	app := testApp(&bytes.Buffer{})
	handler := newHTTPServer(app.Results, app.process)

	payload, err := robust.EncodeMatchSet(testScene(t, ""), false)
	if err != nil {
		t.Fatalf("EncodeMatchSet: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/estimate?id=kitchen", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}
	if _, ok := app.Results.Get("kitchen"); !ok {
		t.Error("result should be stored under the query ID")
	}
}

func TestEstimate_ErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"NotJSON", "garbage", http.StatusBadRequest},
		{"NoMatches", `{"id":"x"}`, http.StatusBadRequest},
		{"UnknownModel", `{"id":"x","model":"affine","pairs":[[0,0,1,1]]}`, http.StatusBadRequest},
		{"SingleMatch", `{"id":"x","pairs":[[0,0,1,1]]}`, http.StatusUnprocessableEntity},
		{"FewerThanMinimal", `{"id":"x","pairs":[[0,0,1,1],[5,0,6,1],[0,5,1,6]]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := testApp(&bytes.Buffer{})
			handler := newHTTPServer(app.Results, app.process)
			req := httptest.NewRequest(http.MethodPost, "/estimate", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (body: %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", robust.ErrInvalidDataset), http.StatusBadRequest},
		{robust.ErrInvalidConfig, http.StatusBadRequest},
		{robust.ErrClusteringUndefined, http.StatusUnprocessableEntity},
		{fmt.Errorf("trial cap: %w", robust.ErrIllConditionedDataset), http.StatusUnprocessableEntity},
		{robust.ErrDegenerateSample, http.StatusUnprocessableEntity},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusForError(tt.err); got != tt.want {
			t.Errorf("statusForError(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// /results
// ---------------------------------------------------------------------------

func TestResults_Index(t *testing.T) {
	handler, _ := serverWithResult(t)
	w := get(handler, "/results")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var summaries []robust.ResultSummary
	if err := json.NewDecoder(w.Body).Decode(&summaries); err != nil {
		t.Fatalf("decoding index: %v", err)
	}
	if len(summaries) != 1 || summaries[0].DatasetID != "scene" {
		t.Fatalf("unexpected index: %+v", summaries)
	}
	if summaries[0].Total != 120 {
		t.Errorf("Total = %d, want 120", summaries[0].Total)
	}
}

func TestResults_JSON(t *testing.T) {
	handler, app := serverWithResult(t)
	w := get(handler, "/results/scene.json")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var result robust.EstimateResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	stored, _ := app.Results.Get("scene")
	if result.InlierCount != stored.InlierCount {
		t.Errorf("InlierCount = %d, want %d", result.InlierCount, stored.InlierCount)
	}
}

func TestResults_SVG(t *testing.T) {
	handler, _ := serverWithResult(t)
	w := get(handler, "/results/scene.svg")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/svg+xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "<svg") {
		t.Error("body is not an SVG document")
	}
}

func TestResults_PNG(t *testing.T) {
	handler, _ := serverWithResult(t)
	for _, path := range []string{"/results/scene.png", "/results/scene/scores.png"} {
		t.Run(path, func(t *testing.T) {
			w := get(handler, path)
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
			}
			if _, err := png.Decode(w.Body); err != nil {
				t.Errorf("body is not a PNG: %v", err)
			}
		})
	}
}

func TestResults_NotFound(t *testing.T) {
	handler, _ := serverWithResult(t)
	for _, path := range []string{
		"/results/unknown.json",
		"/results/unknown/scores.png",
		"/results/scene.txt",
		"/results/scene",
		"/results/a/b.json",
	} {
		t.Run(path, func(t *testing.T) {
			if w := get(handler, path); w.Code != http.StatusNotFound {
				t.Errorf("status = %d, want 404", w.Code)
			}
		})
	}
}

func TestResults_CachedResultWithoutMatchSet(t *testing.T) {
	// A result restored from cache has no match set to render
	scene := testScene(t, "cached")
	app := testApp(&bytes.Buffer{})
	res, err := app.estimate(scene)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")
	if err := robust.SaveResults(map[string]*robust.EstimateResult{"cached": res}, path); err != nil {
		t.Fatalf("SaveResults: %v", err)
	}
	handler := newHTTPServer(robust.NewResultStoreWithCache(path), nil)

	if w := get(handler, "/results/cached.json"); w.Code != http.StatusOK {
		t.Errorf("json status = %d, want 200", w.Code)
	}
	if w := get(handler, "/results/cached.svg"); w.Code != http.StatusNotFound {
		t.Errorf("svg status = %d, want 404", w.Code)
	}
}
