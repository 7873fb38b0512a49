package main

import (
	"bytes"
	"encoding/json"
	"image/png"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kwv/ensemblefit/robust"
)

// testScene returns a reproducible homography match set with 30% outliers
func testScene(t *testing.T, id string) *robust.MatchSet {
	t.Helper()
	opts := robust.DefaultSceneOptions()
	opts.N = 120
	opts.RNG = rand.New(rand.NewSource(42))
	scene, err := robust.SyntheticHomography(id, opts)
	if err != nil {
		t.Fatalf("SyntheticHomography: %v", err)
	}
	return scene.Set
}

// saveTestScene writes testScene to dir and returns its path
func saveTestScene(t *testing.T, dir, id string) string {
	t.Helper()
	path := filepath.Join(dir, id+".json")
	if err := robust.SaveMatchSet(path, testScene(t, id)); err != nil {
		t.Fatalf("SaveMatchSet: %v", err)
	}
	return path
}

// testApp returns an App with a reproducible, fast estimator
func testApp(out *bytes.Buffer) *App {
	app := NewApp()
	app.Out = out
	app.ApplyOptions(AppOptions{
		NumSamples: 200,
		MaxValue:   25,
		Score:      "rejection",
		Workers:    2,
		Seed:       3,
	})
	return app
}

func TestNewApp(t *testing.T) {
	app := NewApp()
	if app == nil {
		t.Fatal("NewApp returned nil")
		return
	}
	if app.Results == nil {
		t.Error("Results should be initialized")
	}
	if app.Out == nil {
		t.Error("Out should default to stdout")
	}
}

func TestApplyOptions(t *testing.T) {
	app := NewApp()
	opts := AppOptions{
		ConfigFile:   "test-config.yaml",
		EstimateFile: "set.json",
		NumSamples:   300,
		HttpPort:     8080,
		MqttMode:     true,
	}
	app.ApplyOptions(opts)

	got := app.Options()
	if got.ConfigFile != "test-config.yaml" {
		t.Errorf("ConfigFile = %s, want test-config.yaml", got.ConfigFile)
	}
	if got.NumSamples != 300 {
		t.Errorf("NumSamples = %d, want 300", got.NumSamples)
	}
	if !got.MqttMode {
		t.Error("MqttMode should be true")
	}
}

// ---------------------------------------------------------------------------
// estimator settings overlay
// ---------------------------------------------------------------------------

func TestEstimatorSettings_CLIOverridesConfig(t *testing.T) {
	max := 50.0
	app := NewApp()
	app.Config = &robust.Config{Estimator: robust.EstimatorSettings{
		Model:      "fundamental_matrix",
		NumSamples: 900,
		MaxValue:   &max,
		Statistic:  "histogram",
	}}
	app.ApplyOptions(AppOptions{NumSamples: 100, Seed: 5})

	s := app.estimatorSettings()
	if s.Model != "fundamental_matrix" {
		t.Errorf("Model = %s, want config value", s.Model)
	}
	if s.NumSamples != 100 {
		t.Errorf("NumSamples = %d, want CLI value 100", s.NumSamples)
	}
	if s.MaxValue == nil || *s.MaxValue != 50 {
		t.Errorf("MaxValue = %v, want config value 50", s.MaxValue)
	}
	if s.Seed == nil || *s.Seed != 5 {
		t.Errorf("Seed = %v, want 5", s.Seed)
	}
	if s.Statistic != "histogram" {
		t.Errorf("Statistic = %s, want histogram", s.Statistic)
	}
}

func TestEstimatorSettings_NoConfig(t *testing.T) {
	app := NewApp()
	app.ApplyOptions(AppOptions{MaxValue: 10, Verbose: true})

	s := app.estimatorSettings()
	if s.MaxValue == nil || *s.MaxValue != 10 {
		t.Errorf("MaxValue = %v, want 10", s.MaxValue)
	}
	if s.Seed != nil {
		t.Errorf("Seed = %v, want nil for time seeding", *s.Seed)
	}
	if !s.Verbose {
		t.Error("Verbose should be set")
	}
}

func TestEstimatorConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		opts AppOptions
	}{
		{"UnknownModel", AppOptions{Model: "affine"}},
		{"UnknownStatistic", AppOptions{Statistic: "median"}},
		{"PeakBinNeedsHistogram", AppOptions{Score: "peak_bin"}},
		{"HistogramNeedsFiniteWindow", AppOptions{Statistic: "histogram"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := NewApp()
			app.ApplyOptions(tt.opts)
			if _, _, err := app.estimatorConfig(); err == nil {
				t.Error("expected configuration error")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// RunEstimate / RunSynthetic / RunRender
// ---------------------------------------------------------------------------

func TestRunEstimate_PrintsResult(t *testing.T) {
	dir := t.TempDir()
	path := saveTestScene(t, dir, "scene")

	var out bytes.Buffer
	app := testApp(&out)
	opts := app.Options()
	opts.EstimateFile = path
	app.ApplyOptions(opts)

	if err := app.RunEstimate(); err != nil {
		t.Fatalf("RunEstimate: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "scene (homography)") {
		t.Errorf("expected summary line, got: %s", text)
	}
	if !strings.Contains(text, "ground truth") {
		t.Errorf("expected ground truth recall for a synthetic set, got: %s", text)
	}
	if !strings.Contains(text, `"inlierCount"`) {
		t.Errorf("expected JSON result on stdout, got: %s", text)
	}
}

func TestRunEstimate_WritesOutputFile(t *testing.T) {
	dir := t.TempDir()
	path := saveTestScene(t, dir, "scene")
	output := filepath.Join(dir, "result.json")

	var out bytes.Buffer
	app := testApp(&out)
	opts := app.Options()
	opts.EstimateFile = path
	opts.OutputFile = output
	app.ApplyOptions(opts)

	if err := app.RunEstimate(); err != nil {
		t.Fatalf("RunEstimate: %v", err)
	}
	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	var result robust.EstimateResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if result.Total != 120 || len(result.Inliers) != 120 {
		t.Errorf("Total = %d, inliers = %d, want 120", result.Total, len(result.Inliers))
	}
	if len(result.Parameters) != 9 {
		t.Errorf("expected 9 parameters, got %d", len(result.Parameters))
	}
}

func TestRunEstimate_FromURL(t *testing.T) {
	payload, err := robust.EncodeMatchSet(testScene(t, "remote"), true)
	if err != nil {
		t.Fatalf("EncodeMatchSet: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	var out bytes.Buffer
	app := testApp(&out)
	opts := app.Options()
	opts.EstimateFile = srv.URL + "/sets/remote.json"
	app.ApplyOptions(opts)

	if err := app.RunEstimate(); err != nil {
		t.Fatalf("RunEstimate: %v", err)
	}
	if !strings.Contains(out.String(), "remote (homography)") {
		t.Errorf("expected summary line, got: %s", out.String())
	}
}

func TestRunEstimate_MissingFile(t *testing.T) {
	var out bytes.Buffer
	app := testApp(&out)
	opts := app.Options()
	opts.EstimateFile = filepath.Join(t.TempDir(), "missing.json")
	app.ApplyOptions(opts)

	if err := app.RunEstimate(); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRunSynthetic(t *testing.T) {
	for _, kind := range []string{"homography", "fundamental"} {
		t.Run(kind, func(t *testing.T) {
			dir := t.TempDir()
			output := filepath.Join(dir, "scene.json")

			var out bytes.Buffer
			app := NewApp()
			app.Out = &out
			app.ApplyOptions(AppOptions{
				SyntheticKind: kind,
				OutputFile:    output,
				Matches:       80,
				Outliers:      0.25,
				Noise:         0.5,
				Seed:          11,
			})
			if err := app.RunSynthetic(); err != nil {
				t.Fatalf("RunSynthetic: %v", err)
			}
			set, err := robust.LoadMatchSet(output)
			if err != nil {
				t.Fatalf("LoadMatchSet: %v", err)
			}
			if set.Len() != 80 {
				t.Errorf("Len = %d, want 80", set.Len())
			}
			outliers := 0
			for _, in := range set.Truth {
				if !in {
					outliers++
				}
			}
			if outliers != 20 {
				t.Errorf("outliers = %d, want 20", outliers)
			}
			if !strings.Contains(out.String(), "Saved 80 matches") {
				t.Errorf("unexpected output: %s", out.String())
			}
		})
	}
}

func TestRunSynthetic_UnknownKind(t *testing.T) {
	app := NewApp()
	app.Out = &bytes.Buffer{}
	app.ApplyOptions(AppOptions{SyntheticKind: "affine", Matches: 10})
	if err := app.RunSynthetic(); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestRunRender_SVGAndScores(t *testing.T) {
	dir := t.TempDir()
	path := saveTestScene(t, dir, "scene")
	output := filepath.Join(dir, "view.svg")
	scores := filepath.Join(dir, "scores.png")

	var out bytes.Buffer
	app := testApp(&out)
	opts := app.Options()
	opts.RenderFile = path
	opts.OutputFile = output
	opts.ScoresFile = scores
	app.ApplyOptions(opts)

	if err := app.RunRender(); err != nil {
		t.Fatalf("RunRender: %v", err)
	}
	svgData, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("reading svg: %v", err)
	}
	if !strings.Contains(string(svgData), "<svg") {
		t.Error("output is not an SVG document")
	}
	f, err := os.Open(scores)
	if err != nil {
		t.Fatalf("opening chart: %v", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := png.Decode(f); err != nil {
		t.Errorf("chart is not a PNG: %v", err)
	}
}

func TestRunRender_PNG(t *testing.T) {
	dir := t.TempDir()
	path := saveTestScene(t, dir, "scene")
	output := filepath.Join(dir, "view.PNG")

	var out bytes.Buffer
	app := testApp(&out)
	opts := app.Options()
	opts.RenderFile = path
	opts.OutputFile = output
	app.ApplyOptions(opts)

	if err := app.RunRender(); err != nil {
		t.Fatalf("RunRender: %v", err)
	}
	f, err := os.Open(output)
	if err != nil {
		t.Fatalf("opening output: %v", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := png.Decode(f); err != nil {
		t.Errorf("output is not a PNG: %v", err)
	}
}

// ---------------------------------------------------------------------------
// service wiring
// ---------------------------------------------------------------------------

func TestHandleMatchSet_StoresAndPublishes(t *testing.T) {
	var out bytes.Buffer
	app := testApp(&out)
	client := robust.NewMockClient()
	client.SetConnected(true)
	app.Publisher = robust.NewPublisher(client, "test")

	app.handleMatchSet("cam", testScene(t, ""), nil)

	res, ok := app.Results.Get("cam")
	if !ok {
		t.Fatal("expected result stored under the dataset ID")
	}
	if res.InlierCount == 0 {
		t.Error("expected inliers")
	}
	if msgs := client.Published("test/cam/result"); len(msgs) != 1 {
		t.Errorf("expected one result message, got %d", len(msgs))
	}
	if msgs := client.Published("test/results"); len(msgs) != 1 {
		t.Errorf("expected one combined message, got %d", len(msgs))
	}
}

func TestHandleMatchSet_DecodeErrorIgnored(t *testing.T) {
	app := testApp(&bytes.Buffer{})
	app.handleMatchSet("cam", nil, robust.ErrInvalidDataset)
	if _, ok := app.Results.Get("cam"); ok {
		t.Error("no result should be stored for an undecodable payload")
	}
}

func TestProcess_ConfigModelWins(t *testing.T) {
	app := testApp(&bytes.Buffer{})
	app.Config = &robust.Config{
		Datasets: []robust.DatasetConfig{{ID: "cam", Topic: "t/cam", Model: "homography"}},
	}
	set := testScene(t, "cam")
	set.Model = "fundamental_matrix"

	res, err := app.process(set)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Model != robust.ModelHomography {
		t.Errorf("Model = %s, want homography from config", res.Model)
	}
}

func TestEstimate_ModelFlagWins(t *testing.T) {
	app := NewApp()
	app.Out = &bytes.Buffer{}
	app.ApplyOptions(AppOptions{
		Model:      "homography",
		NumSamples: 200,
		MaxValue:   25,
		Score:      "rejection",
		Workers:    2,
		Seed:       3,
	})
	app.Config = &robust.Config{
		Datasets: []robust.DatasetConfig{{ID: "cam", Topic: "t/cam", Model: "fundamental_matrix"}},
	}
	set := testScene(t, "cam")
	set.Model = "fundamental_matrix"

	res, err := app.estimate(set)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if res.Model != robust.ModelHomography {
		t.Errorf("Model = %s, want homography from --model", res.Model)
	}
}

func TestEstimate_SetModelWithoutFlag(t *testing.T) {
	app := testApp(&bytes.Buffer{})
	set := testScene(t, "cam")
	set.Model = "homography"

	res, err := app.estimate(set)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if res.Model != robust.ModelHomography {
		t.Errorf("Model = %s, want the set's own homography", res.Model)
	}
}

func TestDatasetIDFromPath(t *testing.T) {
	tests := map[string]string{
		"/data/kitchen.json":   "kitchen",
		"scene.match.json":     "scene.match",
		"relative/dir/cam1.gz": "cam1",
	}
	for in, want := range tests {
		if got := datasetIDFromPath(in); got != want {
			t.Errorf("datasetIDFromPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatParameters(t *testing.T) {
	got := formatParameters(robust.Parameters{1, 0.5, 2e-7})
	if got != "[1, 0.5, 2e-07]" {
		t.Errorf("formatParameters = %s", got)
	}
}
