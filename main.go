package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command line
type AppOptions struct {
	ConfigFile    string
	EstimateFile  string
	SyntheticKind string
	RenderFile    string
	OutputFile    string
	ScoresFile    string
	ResultsCache  string
	ModelOverride string

	// Estimator overrides; zero values keep the config file or defaults
	Model      string
	NumSamples int
	MinValue   float64
	MaxValue   float64
	Statistic  string
	Score      string
	Workers    int
	Seed       int64
	Verbose    bool

	// Synthetic scene
	Matches  int
	Outliers float64
	Noise    float64

	HttpPort int
	MqttMode bool
	HttpMode bool
}

// Application is the set of modes the CLI dispatches to
type Application interface {
	ApplyOptions(opts AppOptions)
	RunEstimate() error
	RunSynthetic() error
	RunRender() error
	RunService() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatalf("ensemblefit: %v", err)
	}
}

// run parses args and dispatches to one mode of app
func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("ensemblefit", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.EstimateFile, "estimate", "", "Estimate a match set file or http(s) URL and print the result")
	fs.StringVar(&opts.SyntheticKind, "synthetic", "", "Write a synthetic match set: homography or fundamental")
	fs.StringVar(&opts.RenderFile, "render", "", "Estimate a match set file or http(s) URL and render it (SVG or PNG by --output extension)")
	fs.StringVar(&opts.OutputFile, "output", "", "Output file for --estimate, --synthetic and --render")
	fs.StringVar(&opts.ScoresFile, "scores", "", "Also write the score distribution chart PNG in --render mode")
	fs.StringVar(&opts.ResultsCache, "results-cache", ".results-cache.json", "Path to results cache file in service mode")
	fs.StringVar(&opts.ModelOverride, "model-override", "", "Override dataset models: DATASET_ID=KIND,...")

	fs.StringVar(&opts.Model, "model", "", "Model: homography or fundamental_matrix (overrides the config file and the match set)")
	fs.IntVar(&opts.NumSamples, "samples", 0, "Trials per estimate (default 500)")
	fs.Float64Var(&opts.MinValue, "min-value", 0, "Lower bound of the residual admission window")
	fs.Float64Var(&opts.MaxValue, "max-value", 0, "Upper bound of the residual admission window (0 = unbounded)")
	fs.StringVar(&opts.Statistic, "statistic", "", "Per-match statistic: moments or histogram")
	fs.StringVar(&opts.Score, "score", "", "Clustered score: summary, rejection or peak_bin")
	fs.IntVar(&opts.Workers, "workers", 0, "Parallel trial workers (default GOMAXPROCS, or 4 with --seed)")
	fs.Int64Var(&opts.Seed, "seed", 0, "Random seed (0 = time based); results repeat for a fixed --workers")
	fs.BoolVar(&opts.Verbose, "verbose", false, "Log a summary line per estimate")

	fs.IntVar(&opts.Matches, "matches", 200, "Synthetic match count")
	fs.Float64Var(&opts.Outliers, "outliers", 0.3, "Synthetic outlier fraction")
	fs.Float64Var(&opts.Noise, "noise", 0.5, "Synthetic inlier noise sigma in pixels")

	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run MQTT service mode")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port")

	if err := fs.Parse(args); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "ensemblefit version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.EstimateFile != "":
		return app.RunEstimate()
	case opts.SyntheticKind != "":
		return app.RunSynthetic()
	case opts.RenderFile != "":
		return app.RunRender()
	}

	_, _ = fmt.Fprintln(out, "ensemblefit service starting...")
	return app.RunService()
}
