package robust

import (
	"math"

	"github.com/paulmach/orb"
)

// Point represents a 2D image coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// orb converts the point into an orb.Point for planar geometry helpers
func (p Point) orb() orb.Point {
	return orb.Point{p.X, p.Y}
}

// Feature is a detected keypoint owned by the external feature source.
// Correspondences refer to features by pointer and never copy them.
type Feature struct {
	ID int     `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Point returns the feature location
func (f *Feature) Point() Point {
	return Point{X: f.X, Y: f.Y}
}

// Correspondence pairs a feature in the first image with a feature in the
// second image. Score is the matcher's distance; a negative score marks an
// uninitialized entry.
type Correspondence struct {
	A     *Feature
	B     *Feature
	Score float64
}

// Valid reports whether the correspondence is initialized and usable
func (c Correspondence) Valid() bool {
	return c.A != nil && c.B != nil && c.Score >= 0 && !math.IsNaN(c.Score)
}

// PointPair is a bare coordinate tuple used when matches carry no feature identity
type PointPair struct {
	First  Point `json:"first"`
	Second Point `json:"second"`
}

// Parameters is the packed parameter vector of a fitted model (row-major 3x3)
type Parameters []float64

// Clone returns an independent copy of the parameters
func (p Parameters) Clone() Parameters {
	if p == nil {
		return nil
	}
	out := make(Parameters, len(p))
	copy(out, p)
	return out
}

// EstimatorSettings is the YAML mirror of EstimatorConfig
type EstimatorSettings struct {
	Model         string   `yaml:"model,omitempty" json:"model,omitempty"`                 // "homography" or "fundamental_matrix"
	NumSamples    int      `yaml:"numSamples,omitempty" json:"numSamples,omitempty"`       // default 500
	MinValue      float64  `yaml:"minValue,omitempty" json:"minValue,omitempty"`           // default 0
	MaxValue      *float64 `yaml:"maxValue,omitempty" json:"maxValue,omitempty"`           // omitted means +Inf
	Statistic     string   `yaml:"statistic,omitempty" json:"statistic,omitempty"`         // "moments" or "histogram"
	Score         string   `yaml:"score,omitempty" json:"score,omitempty"`                 // "summary", "rejection" or "peak_bin"
	Bins          int      `yaml:"bins,omitempty" json:"bins,omitempty"`                   // histogram bins, default 50
	Workers       int      `yaml:"workers,omitempty" json:"workers,omitempty"`             // default GOMAXPROCS, or SeededWorkers with a seed
	RetryFactor   int      `yaml:"retryFactor,omitempty" json:"retryFactor,omitempty"`     // sampler cap multiplier
	AttemptFactor int      `yaml:"attemptFactor,omitempty" json:"attemptFactor,omitempty"` // trial cap multiplier
	Seed          *int64   `yaml:"seed,omitempty" json:"seed,omitempty"`                   // fixed seed; runs repeat for a fixed worker count
	IncludeSample bool     `yaml:"includeSample,omitempty" json:"includeSample,omitempty"` // feed residuals of the sampled members too
	Verbose       bool     `yaml:"verbose,omitempty" json:"verbose,omitempty"`
}

// DatasetConfig defines a match-set stream from the config file
type DatasetConfig struct {
	ID    string `yaml:"id" json:"id"`
	Topic string `yaml:"topic" json:"topic"`
	Model string `yaml:"model,omitempty" json:"model,omitempty"` // Optional per-dataset model override
}

// Config represents the full configuration file
type Config struct {
	MQTT      MQTTConfig        `yaml:"mqtt" json:"mqtt"`
	Estimator EstimatorSettings `yaml:"estimator" json:"estimator"`
	Datasets  []DatasetConfig   `yaml:"datasets" json:"datasets"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker" json:"broker"`
	PublishPrefix string `yaml:"publishPrefix" json:"publishPrefix"`
	ClientID      string `yaml:"clientId" json:"clientId"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// GetDatasetByID returns the dataset config for the given ID
func (c *Config) GetDatasetByID(id string) *DatasetConfig {
	for i := range c.Datasets {
		if c.Datasets[i].ID == id {
			return &c.Datasets[i]
		}
	}
	return nil
}

// ModelFor returns the model kind configured for a dataset, falling back to
// the estimator default and finally to the homography model
func (c *Config) ModelFor(datasetID string) string {
	if dc := c.GetDatasetByID(datasetID); dc != nil && dc.Model != "" {
		return dc.Model
	}
	if c.Estimator.Model != "" {
		return c.Estimator.Model
	}
	return string(ModelHomography)
}
