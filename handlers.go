package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/kwv/ensemblefit/robust"
)

// maxMatchSetBytes bounds the body of POST /estimate
const maxMatchSetBytes = 32 << 20

// estimateFunc estimates, stores and publishes one match set
type estimateFunc func(set *robust.MatchSet) (*robust.EstimateResult, error)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(results *robust.ResultStore, estimate estimateFunc) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status     string    `json:"status"`
			Timestamp  time.Time `json:"timestamp"`
			HasResults bool      `json:"hasResults"`
		}{
			Status:     "ok",
			Timestamp:  time.Now(),
			HasResults: len(results.IDs()) > 0,
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("/estimate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "POST a match set", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMatchSetBytes))
		if err != nil {
			http.Error(w, fmt.Sprintf("reading body: %v", err), http.StatusRequestEntityTooLarge)
			return
		}
		set, err := robust.DecodeMatchSet(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if id := r.URL.Query().Get("id"); id != "" {
			set.ID = id
		}
		if set.ID == "" {
			set.ID = "adhoc"
		}

		result, err := estimate(set)
		if err != nil {
			log.Printf("[HTTP] estimate %s: %v", set.ID, err)
			http.Error(w, err.Error(), statusForError(err))
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	// Result index
	mux.HandleFunc("/results", func(w http.ResponseWriter, r *http.Request) {
		all := results.GetAll()
		summaries := make([]robust.ResultSummary, 0, len(all))
		for _, id := range results.IDs() {
			res := all[id]
			summaries = append(summaries, robust.ResultSummary{
				DatasetID:   res.DatasetID,
				Model:       res.Model,
				InlierCount: res.InlierCount,
				Total:       res.Total,
				Parameters:  res.Parameters,
				Timestamp:   res.Timestamp.Unix(),
			})
		}
		writeJSON(w, http.StatusOK, summaries)
	})

	// Per-dataset views: {id}.json, {id}.svg, {id}.png and {id}/scores.png
	mux.HandleFunc("/results/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/results/")
		if id, ok := strings.CutSuffix(name, "/scores.png"); ok {
			serveScoreChart(w, results, id)
			return
		}

		var id, ext string
		if dot := strings.LastIndex(name, "."); dot > 0 {
			id, ext = name[:dot], name[dot+1:]
		}
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		res, ok := results.Get(id)
		if !ok {
			http.Error(w, fmt.Sprintf("no result for %q", id), http.StatusNotFound)
			return
		}

		switch ext {
		case "json":
			writeJSON(w, http.StatusOK, res)
		case "svg", "png":
			set, ok := results.MatchSet(id)
			if !ok {
				http.Error(w, fmt.Sprintf("no match set for %q", id), http.StatusNotFound)
				return
			}
			renderer := robust.NewMatchRendererForResult(set, res)
			w.Header().Set("Cache-Control", "no-cache")
			var err error
			if ext == "svg" {
				w.Header().Set("Content-Type", "image/svg+xml")
				err = renderer.RenderToSVG(w)
			} else {
				w.Header().Set("Content-Type", "image/png")
				err = renderer.RenderToPNG(w)
			}
			if err != nil {
				log.Printf("[HTTP] rendering %s.%s: %v", id, ext, err)
			}
		default:
			http.NotFound(w, r)
		}
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

func serveScoreChart(w http.ResponseWriter, results *robust.ResultStore, id string) {
	res, ok := results.Get(id)
	if !ok {
		http.Error(w, fmt.Sprintf("no result for %q", id), http.StatusNotFound)
		return
	}
	img, err := robust.NewScoreChart().Render(res)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	if err := png.Encode(w, img); err != nil {
		log.Printf("[HTTP] encoding score chart for %s: %v", id, err)
	}
}

// statusForError maps estimator failures onto HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, robust.ErrInvalidDataset), errors.Is(err, robust.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, robust.ErrClusteringUndefined),
		errors.Is(err, robust.ErrIllConditionedDataset),
		errors.Is(err, robust.ErrDegenerateSample):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] encoding response: %v", err)
	}
}
