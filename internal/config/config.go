// Package config loads tool configuration from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Override forces one symbol of one library to a fixed address.
// A zero value resolves the symbol to a faulting placeholder.
type Override struct {
	Lib    string `yaml:"lib"`
	Symbol string `yaml:"symbol"`
	Value  uint64 `yaml:"value"`
}

// Config holds tool settings. Flags override file values.
type Config struct {
	// SearchPaths take priority over the standard library search order.
	SearchPaths []string `yaml:"search_paths"`

	// Preload lists libraries to map before the target, by name or path.
	Preload []string `yaml:"preload"`

	Overrides []Override `yaml:"overrides"`

	// Script is a JavaScript file run after setup.
	Script string `yaml:"script"`

	Verbose bool `yaml:"verbose"`
	NoColor bool `yaml:"no_color"`

	// MaxInsn caps the number of trace lines shown.
	MaxInsn int `yaml:"max_insn"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{MaxInsn: 500}
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.MaxInsn <= 0 {
		cfg.MaxInsn = 500
	}
	return cfg, nil
}
