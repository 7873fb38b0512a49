package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/kwv/ensemblefit/robust"
)

// App encapsulates the application state and dependencies
type App struct {
	Config     *robust.Config
	Results    *robust.ResultStore
	MQTTClient *robust.MQTTClient
	Publisher  *robust.Publisher
	Out        io.Writer

	opts AppOptions
}

// NewApp creates a new App instance writing to stdout
func NewApp() *App {
	return &App{
		Results: robust.NewResultStore(),
		Out:     os.Stdout,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.opts = opts
}

// Options returns the applied CLI options
func (a *App) Options() AppOptions {
	return a.opts
}

// estimatorSettings overlays non-zero CLI overrides onto the config file's
// estimator block
func (a *App) estimatorSettings() robust.EstimatorSettings {
	var s robust.EstimatorSettings
	if a.Config != nil {
		s = a.Config.Estimator
	}
	o := a.opts
	if o.Model != "" {
		s.Model = o.Model
	}
	if o.NumSamples > 0 {
		s.NumSamples = o.NumSamples
	}
	if o.MinValue != 0 {
		s.MinValue = o.MinValue
	}
	if o.MaxValue > 0 {
		maxValue := o.MaxValue
		s.MaxValue = &maxValue
	}
	if o.Statistic != "" {
		s.Statistic = o.Statistic
	}
	if o.Score != "" {
		s.Score = o.Score
	}
	if o.Workers > 0 {
		s.Workers = o.Workers
	}
	if o.Seed != 0 {
		seed := o.Seed
		s.Seed = &seed
	}
	if o.Verbose {
		s.Verbose = true
	}
	return s
}

// estimatorConfig builds the effective estimator configuration
func (a *App) estimatorConfig() (robust.EstimatorConfig, robust.ModelKind, error) {
	s := a.estimatorSettings()
	kind, err := robust.ParseModelKind(s.Model)
	if err != nil {
		return robust.EstimatorConfig{}, "", err
	}
	cfg, err := robust.EstimatorConfigFromSettings(s)
	if err != nil {
		return robust.EstimatorConfig{}, "", err
	}
	return cfg, kind, nil
}

// estimate runs one match set with the configured estimator. The model is
// picked by precedence: an explicit --model, then the config file's dataset
// entry, then the set's own model, then the estimator block's default.
func (a *App) estimate(set *robust.MatchSet) (*robust.EstimateResult, error) {
	cfg, kind, err := a.estimatorConfig()
	if err != nil {
		return nil, err
	}
	switch {
	case a.opts.Model != "":
		set.Model = string(kind)
	case a.Config != nil && a.Config.GetDatasetByID(set.ID) != nil:
		if k, err := robust.ParseModelKind(a.Config.ModelFor(set.ID)); err == nil {
			set.Model = string(k)
		}
	}
	return robust.EstimateMatchSet(set, kind, cfg)
}

// RunEstimate estimates the --estimate file and prints or writes the result
func (a *App) RunEstimate() error {
	set, err := robust.OpenMatchSet(context.Background(), a.opts.EstimateFile)
	if err != nil {
		return fmt.Errorf("loading %s: %w", a.opts.EstimateFile, err)
	}
	if set.ID == "" {
		set.ID = datasetIDFromPath(a.opts.EstimateFile)
	}

	result, err := a.estimate(set)
	if err != nil {
		return fmt.Errorf("estimating %s: %w", set.ID, err)
	}
	a.printSummary(result)

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if a.opts.OutputFile == "" {
		_, _ = fmt.Fprintln(a.Out, string(data))
		return nil
	}
	if err := os.WriteFile(a.opts.OutputFile, data, 0644); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	_, _ = fmt.Fprintf(a.Out, "Saved result to %s\n", a.opts.OutputFile)
	return nil
}

func (a *App) printSummary(r *robust.EstimateResult) {
	_, _ = fmt.Fprintf(a.Out, "%s (%s): %d/%d inliers, %d trials in %d attempts, %.1fms\n",
		r.DatasetID, r.Model, r.InlierCount, r.Total, r.Trials, r.Attempts, r.DurationMs)
	if r.InlierRecall != nil && r.OutlierRecall != nil {
		_, _ = fmt.Fprintf(a.Out, "  ground truth: %.1f%% inliers kept, %.1f%% outliers rejected\n",
			100**r.InlierRecall, 100**r.OutlierRecall)
	}
}

// RunSynthetic writes a synthetic match set of the --synthetic kind
func (a *App) RunSynthetic() error {
	kind, err := robust.ParseModelKind(a.opts.SyntheticKind)
	if err != nil {
		return err
	}

	sceneOpts := robust.DefaultSceneOptions()
	if a.opts.Matches > 0 {
		sceneOpts.N = a.opts.Matches
	}
	sceneOpts.OutlierFraction = a.opts.Outliers
	sceneOpts.Noise = a.opts.Noise
	if a.opts.Seed != 0 {
		sceneOpts.RNG = rand.New(rand.NewSource(a.opts.Seed))
	}

	var scene *robust.SyntheticScene
	id := "synthetic-" + string(kind)
	switch kind {
	case robust.ModelFundamental:
		scene, err = robust.SyntheticTwoView(id, sceneOpts)
	default:
		scene, err = robust.SyntheticHomography(id, sceneOpts)
	}
	if err != nil {
		return err
	}

	output := a.opts.OutputFile
	if output == "" {
		output = id + ".json"
	}
	if err := robust.SaveMatchSet(output, scene.Set); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(a.Out, "Saved %d matches (%.0f%% outliers) to %s\n",
		sceneOpts.N, 100*sceneOpts.OutlierFraction, output)
	_, _ = fmt.Fprintf(a.Out, "  truth: %s\n", formatParameters(scene.Truth))
	return nil
}

// RunRender estimates the --render file and draws the labeled matches
func (a *App) RunRender() error {
	set, err := robust.OpenMatchSet(context.Background(), a.opts.RenderFile)
	if err != nil {
		return fmt.Errorf("loading %s: %w", a.opts.RenderFile, err)
	}
	if set.ID == "" {
		set.ID = datasetIDFromPath(a.opts.RenderFile)
	}
	result, err := a.estimate(set)
	if err != nil {
		return fmt.Errorf("estimating %s: %w", set.ID, err)
	}
	a.printSummary(result)

	output := a.opts.OutputFile
	if output == "" {
		output = set.ID + ".svg"
	}
	var buf bytes.Buffer
	renderer := robust.NewMatchRendererForResult(set, result)
	if strings.EqualFold(filepath.Ext(output), ".png") {
		err = renderer.RenderToPNG(&buf)
	} else {
		err = renderer.RenderToSVG(&buf)
	}
	if err != nil {
		return fmt.Errorf("rendering %s: %w", set.ID, err)
	}
	if err := os.WriteFile(output, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", output, err)
	}
	_, _ = fmt.Fprintf(a.Out, "Saved match view to %s\n", output)

	if a.opts.ScoresFile != "" {
		var chart bytes.Buffer
		if err := robust.NewScoreChart().WritePNG(&chart, result); err != nil {
			return fmt.Errorf("rendering scores: %w", err)
		}
		if err := os.WriteFile(a.opts.ScoresFile, chart.Bytes(), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", a.opts.ScoresFile, err)
		}
		_, _ = fmt.Fprintf(a.Out, "Saved score chart to %s\n", a.opts.ScoresFile)
	}
	return nil
}

// handleMatchSet estimates a match set received over MQTT, stores the result
// and publishes it
func (a *App) handleMatchSet(datasetID string, set *robust.MatchSet, err error) {
	if err != nil {
		log.Printf("[ESTIMATE] %s: dropping undecodable match set: %v", datasetID, err)
		return
	}
	set.ID = datasetID
	if _, err := a.process(set); err != nil {
		log.Printf("[ESTIMATE] %s: %v", datasetID, err)
	}
}

// process estimates, stores and publishes one match set
func (a *App) process(set *robust.MatchSet) (*robust.EstimateResult, error) {
	result, err := a.estimate(set)
	if err != nil {
		return nil, err
	}
	a.Results.Update(set, result)
	if a.Publisher != nil {
		if err := a.Publisher.PublishResult(result); err != nil {
			log.Printf("[MQTT] %s: result not published: %v", set.ID, err)
		}
	}
	return result, nil
}

// startService loads configuration and starts MQTT and HTTP as requested.
// It returns without blocking.
func (a *App) startService() error {
	if a.opts.ResultsCache != "" {
		a.Results = robust.NewResultStoreWithCache(a.opts.ResultsCache)
	}

	if a.opts.MqttMode {
		config, err := robust.LoadConfig(a.opts.ConfigFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		a.Config = config
	} else if config, err := robust.LoadConfig(a.opts.ConfigFile); err == nil {
		a.Config = config
	}
	if a.Config != nil {
		log.Printf("Loaded config from %s", a.opts.ConfigFile)
		if a.opts.ModelOverride != "" {
			robust.ApplyModelOverrides(a.Config, robust.BuildModelOverrideMap(a.opts.ModelOverride))
		}
	}
	if _, _, err := a.estimatorConfig(); err != nil {
		return fmt.Errorf("estimator configuration: %w", err)
	}

	if a.opts.MqttMode {
		client, err := robust.InitMQTT(a.Config, a.handleMatchSet)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if client == nil {
			return fmt.Errorf("MQTT broker not configured")
		}
		a.MQTTClient = client
		a.Publisher = robust.NewPublisher(client.Client(), a.Config.MQTT.PublishPrefix)
	}

	if a.opts.HttpMode || !a.opts.MqttMode {
		handler := newHTTPServer(a.Results, a.process)
		go func() {
			addr := fmt.Sprintf("0.0.0.0:%d", a.opts.HttpPort)
			log.Printf("[HTTP] Starting server on %s", addr)
			if err := http.ListenAndServe(addr, handler); err != nil {
				log.Fatalf("[HTTP] Server error: %v", err)
			}
		}()
	}
	return nil
}

// RunService runs the MQTT and/or HTTP service until interrupted. Without
// --mqtt the HTTP server is always started.
func (a *App) RunService() error {
	if err := a.startService(); err != nil {
		return err
	}
	a.printServiceInfo()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	_, _ = fmt.Fprintln(a.Out, "\nShutting down service...")
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	_, _ = fmt.Fprintln(a.Out, "Service stopped")
	return nil
}

func (a *App) printServiceInfo() {
	w := a.Out
	_, _ = fmt.Fprintln(w, "\nService Running")
	_, _ = fmt.Fprintln(w, "===============")
	if a.Publisher != nil && a.Config != nil {
		_, _ = fmt.Fprintln(w, "\nMQTT:")
		_, _ = fmt.Fprintln(w, "  Subscribed topics:")
		for _, ds := range a.Config.Datasets {
			_, _ = fmt.Fprintf(w, "    - %s (%s, %s)\n", ds.Topic, ds.ID, a.Config.ModelFor(ds.ID))
		}
		_, _ = fmt.Fprintf(w, "  Publishing to: %s\n", a.Publisher.ResultTopic("{datasetID}"))
		_, _ = fmt.Fprintf(w, "  Combined results: %s\n", a.Publisher.CombinedTopic())
	}
	if a.opts.HttpMode || !a.opts.MqttMode {
		_, _ = fmt.Fprintf(w, "\nHTTP endpoints (port %d):\n", a.opts.HttpPort)
		_, _ = fmt.Fprintln(w, "  GET  /health                 - Health check")
		_, _ = fmt.Fprintln(w, "  POST /estimate               - Estimate a match set")
		_, _ = fmt.Fprintln(w, "  GET  /results                - Result index")
		_, _ = fmt.Fprintln(w, "  GET  /results/{id}.json      - Latest result")
		_, _ = fmt.Fprintln(w, "  GET  /results/{id}.svg       - Labeled match view")
		_, _ = fmt.Fprintln(w, "  GET  /results/{id}/scores.png - Score distribution")
	}
	_, _ = fmt.Fprintln(w, "\nPress Ctrl+C to stop")
}

func datasetIDFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func formatParameters(p robust.Parameters) string {
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = fmt.Sprintf("%.6g", v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
