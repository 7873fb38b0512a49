package robust

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads the service configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if config.MQTT.Broker == "" {
		return nil, fmt.Errorf("mqtt.broker is required")
	}
	if len(config.Datasets) == 0 {
		return nil, fmt.Errorf("at least one dataset must be defined")
	}

	seen := make(map[string]bool, len(config.Datasets))
	for i, dc := range config.Datasets {
		if dc.ID == "" {
			return nil, fmt.Errorf("datasets[%d].id is required", i)
		}
		if dc.Topic == "" {
			return nil, fmt.Errorf("datasets[%d].topic is required for %s", i, dc.ID)
		}
		if seen[dc.ID] {
			return nil, fmt.Errorf("datasets[%d].id %q is duplicated", i, dc.ID)
		}
		seen[dc.ID] = true
		if _, err := ParseModelKind(dc.Model); err != nil {
			return nil, fmt.Errorf("datasets[%d].model: %w", i, err)
		}
	}

	if _, err := ParseModelKind(config.Estimator.Model); err != nil {
		return nil, fmt.Errorf("estimator.model: %w", err)
	}
	if _, err := EstimatorConfigFromSettings(config.Estimator); err != nil {
		return nil, fmt.Errorf("estimator: %w", err)
	}

	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// BuildModelOverrideMap parses the --model-override CLI flag.
// Format: "DATASET_ID=KIND,DATASET_ID2=KIND2". Malformed entries are skipped.
func BuildModelOverrideMap(flagValue string) map[string]ModelKind {
	overrides := make(map[string]ModelKind)
	for _, entry := range strings.Split(flagValue, ",") {
		id, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || id == "" || value == "" {
			continue
		}
		kind, err := ParseModelKind(value)
		if err != nil {
			continue
		}
		overrides[id] = kind
	}
	return overrides
}

// ApplyModelOverrides rewrites the model of every overridden dataset.
// Overrides for unknown datasets are ignored.
func ApplyModelOverrides(config *Config, overrides map[string]ModelKind) {
	for i := range config.Datasets {
		if kind, ok := overrides[config.Datasets[i].ID]; ok {
			config.Datasets[i].Model = string(kind)
		}
	}
}

// EstimatorConfig builds the estimator configuration from the YAML settings
func (c *Config) EstimatorConfig() (EstimatorConfig, error) {
	return EstimatorConfigFromSettings(c.Estimator)
}
