package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/layerfix/internal/pattern"
)

// ErrNotFound is returned by LoadDefault when no config file exists.
var ErrNotFound = errors.New("no layerfix config found")

// Built-in defaults.
const (
	DefaultCacheSize = 256
	DefaultWorkers   = 4
	DefaultAddr      = "127.0.0.1:8080"
	DefaultDriver    = "sqlite"
)

// DefaultExtensions are the file extensions batch runs pick up.
var DefaultExtensions = []string{".js", ".jsx", ".ts", ".tsx"}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a configuration from the given YAML file path.
// After parsing, it applies defaults to fields left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// SearchPaths returns the locations LoadDefault tries, in order:
// ./layerfix.yaml, ~/.layerfix/config.yaml
func SearchPaths() []string {
	candidates := []string{"layerfix.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".layerfix", "config.yaml"))
	}
	return candidates
}

// LoadDefault loads the first config found in SearchPaths and returns it with
// its path. It returns ErrNotFound when none exists.
func LoadDefault() (*Config, string, error) {
	candidates := SearchPaths()
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	return nil, "", fmt.Errorf("%w (searched: %v)", ErrNotFound, candidates)
}

// applyDefaults fills fields left at their zero value.
func applyDefaults(cfg *Config) {
	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = DefaultCacheSize
	}

	d := pattern.DefaultConfig()
	l := &cfg.Learning.Config
	if l.MinConfidence == 0 {
		l.MinConfidence = d.MinConfidence
	}
	if l.MinSamples == 0 {
		l.MinSamples = d.MinSamples
	}
	if l.MaxApplications == 0 {
		l.MaxApplications = d.MaxApplications
	}
	if l.MaxDeltaTokens == 0 {
		l.MaxDeltaTokens = d.MaxDeltaTokens
	}
	if l.MaxSources == 0 {
		l.MaxSources = d.MaxSources
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DefaultDriver
	}
	if cfg.Batch.Workers == 0 {
		cfg.Batch.Workers = DefaultWorkers
	}
	if len(cfg.Batch.Extensions) == 0 {
		cfg.Batch.Extensions = append([]string(nil), DefaultExtensions...)
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
}
