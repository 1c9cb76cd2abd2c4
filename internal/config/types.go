package config

import (
	"time"

	"github.com/lucasnoah/layerfix/internal/pattern"
)

// Config is the top-level configuration parsed from layerfix.yaml.
type Config struct {
	Defaults Defaults              `yaml:"defaults" json:"defaults"`
	Cache    Cache                 `yaml:"cache" json:"cache"`
	Learning Learning              `yaml:"learning" json:"learning"`
	Store    Store                 `yaml:"store" json:"store"`
	Batch    Batch                 `yaml:"batch" json:"batch"`
	Runs     Runs                  `yaml:"runs" json:"runs"`
	Layers   map[int]LayerOverride `yaml:"layers" json:"layers,omitempty"`
	Server   Server                `yaml:"server" json:"server"`
}

// Defaults are the request options used when a caller does not set them.
type Defaults struct {
	Verbose bool   `yaml:"verbose" json:"verbose"`
	DryRun  bool   `yaml:"dry_run" json:"dry_run"`
	Timeout string `yaml:"timeout" json:"timeout,omitempty"`
	Layers  []int  `yaml:"layers" json:"layers,omitempty"`
}

// TimeoutDuration parses Timeout. An empty or invalid value means no timeout;
// Validate reports invalid values.
func (d Defaults) TimeoutDuration() time.Duration {
	return parseDuration(d.Timeout)
}

// Cache configures the report cache.
type Cache struct {
	Enabled *bool `yaml:"enabled" json:"enabled"`
	Size    int   `yaml:"size" json:"size"`
}

// Learning configures the pattern engine.
type Learning struct {
	Enabled *bool `yaml:"enabled" json:"enabled"`

	pattern.Config `yaml:",inline"`
}

// Store selects where learned rules and the run log are kept.
type Store struct {
	// Driver is memory, sqlite or postgres.
	Driver string `yaml:"driver" json:"driver"`
	// Path is the SQLite database file. Empty means ~/.layerfix/layerfix.db.
	Path string `yaml:"path" json:"path,omitempty"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" json:"dsn,omitempty"`
}

// Batch configures multi-file runs.
type Batch struct {
	Workers    int      `yaml:"workers" json:"workers"`
	Extensions []string `yaml:"extensions" json:"extensions"`
	Write      bool     `yaml:"write" json:"write"`
}

// Runs configures where run artifacts are saved.
type Runs struct {
	// Dir is the artifact directory. Empty means ~/.layerfix/runs.
	Dir string `yaml:"dir" json:"dir,omitempty"`
}

// LayerOverride replaces or disables a built-in stage.
type LayerOverride struct {
	// Command runs an external program instead of the built-in fix.
	Command string `yaml:"command" json:"command,omitempty"`
	// Timeout bounds Command.
	Timeout string `yaml:"timeout" json:"timeout,omitempty"`
	// Disabled turns the stage into a pass-through.
	Disabled bool `yaml:"disabled" json:"disabled,omitempty"`
}

// TimeoutDuration parses Timeout; empty or invalid means none.
func (o LayerOverride) TimeoutDuration() time.Duration {
	return parseDuration(o.Timeout)
}

// Server configures the HTTP API.
type Server struct {
	Addr string `yaml:"addr" json:"addr"`
}

// CacheEnabled reports whether the report cache is on.
func (c *Config) CacheEnabled() bool {
	return c.Cache.Enabled == nil || *c.Cache.Enabled
}

// LearningEnabled reports whether completed runs teach the pattern engine.
func (c *Config) LearningEnabled() bool {
	return c.Learning.Enabled == nil || *c.Learning.Enabled
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
