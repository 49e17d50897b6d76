package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models gateline.yml.
type Config struct {
	Policies struct {
		// RefinementLimit bounds how many times the product.prd self-loop may
		// repeat on one lineage before further refinement is blocked.
		RefinementLimit int `yaml:"refinement_limit"`
	} `yaml:"policies"`
	Journal struct {
		// Mirror enables the per-task rendered document under <workspace>/tasks.
		Mirror bool `yaml:"mirror"`
	} `yaml:"journal"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Kinds          []string `yaml:"kinds"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// DefaultRefinementLimit is applied when gateline.yml does not set one. The
// source process never fixed a number; three refinement passes before forcing
// planning keeps the loop from stalling delivery.
const DefaultRefinementLimit = 3

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Policies.RefinementLimit < 1 {
		return fmt.Errorf("config.policies.refinement_limit must be at least 1")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline.yml")
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Policies.RefinementLimit = DefaultRefinementLimit
	cfg.Journal.Mirror = true
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted fields
// fall back to defaults before validation.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Policies.RefinementLimit == 0 {
		cfg.Policies.RefinementLimit = DefaultRefinementLimit
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the workspace config, or defaults if no file exists.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML for gateline.yml.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `policies:
  refinement_limit: 3

journal:
  mirror: true

# webhooks:
#   - url: https://ci.example.com/hooks/gateline
#     secret: change-me
#     kinds: [TRANSITION, BLOCKED]
#     timeout_seconds: 5
`
