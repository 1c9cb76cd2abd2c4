package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lucasnoah/layerfix/internal/layer"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedDrivers is the set of valid store drivers.
var recognizedDrivers = map[string]bool{
	"memory":   true,
	"sqlite":   true,
	"postgres": true,
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if !validDuration(cfg.Defaults.Timeout) {
		errs = append(errs, ValidationError{Field: "defaults.timeout", Message: fmt.Sprintf("invalid duration %q", cfg.Defaults.Timeout)})
	}
	for i, id := range cfg.Defaults.Layers {
		if !layer.ID(id).Valid() {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("defaults.layers[%d]", i),
				Message: fmt.Sprintf("unknown layer %d", id),
			})
		}
	}

	if cfg.Cache.Size < 0 {
		errs = append(errs, ValidationError{Field: "cache.size", Message: "must not be negative"})
	}

	l := cfg.Learning
	if l.MinConfidence < 0 || l.MinConfidence > 1 {
		errs = append(errs, ValidationError{Field: "learning.min_confidence", Message: "must be between 0 and 1"})
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"learning.min_samples", l.MinSamples},
		{"learning.max_applications", l.MaxApplications},
		{"learning.max_delta_tokens", l.MaxDeltaTokens},
		{"learning.max_sources", l.MaxSources},
	} {
		if f.v < 0 {
			errs = append(errs, ValidationError{Field: f.name, Message: "must not be negative"})
		}
	}

	switch {
	case !recognizedDrivers[cfg.Store.Driver]:
		errs = append(errs, ValidationError{Field: "store.driver", Message: fmt.Sprintf("unrecognized driver %q", cfg.Store.Driver)})
	case cfg.Store.Driver == "postgres" && cfg.Store.DSN == "":
		errs = append(errs, ValidationError{Field: "store.dsn", Message: "is required for the postgres driver"})
	}

	if cfg.Batch.Workers < 0 {
		errs = append(errs, ValidationError{Field: "batch.workers", Message: "must not be negative"})
	}
	for i, ext := range cfg.Batch.Extensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("batch.extensions[%d]", i),
				Message: fmt.Sprintf("%q must start with a dot", ext),
			})
		}
	}

	ids := make([]int, 0, len(cfg.Layers))
	for id := range cfg.Layers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		validateOverride(id, cfg.Layers[id], &errs)
	}

	return errs
}

// validateOverride checks one layers.<id> entry.
func validateOverride(id int, o LayerOverride, errs *[]ValidationError) {
	prefix := fmt.Sprintf("layers.%d", id)

	if !layer.ID(id).Valid() {
		*errs = append(*errs, ValidationError{Field: prefix, Message: fmt.Sprintf("unknown layer %d", id)})
		return
	}
	if o.Command != "" && layer.ID(id) == layer.Patterns {
		*errs = append(*errs, ValidationError{Field: prefix + ".command", Message: "the patterns layer cannot be replaced by a command"})
	}
	if o.Disabled && layer.ID(id) == layer.Patterns {
		*errs = append(*errs, ValidationError{Field: prefix + ".disabled", Message: "the patterns layer runs only when requested"})
	}
	if o.Command != "" && o.Disabled {
		*errs = append(*errs, ValidationError{Field: prefix, Message: "command and disabled are mutually exclusive"})
	}
	if o.Timeout != "" && o.Command == "" {
		*errs = append(*errs, ValidationError{Field: prefix + ".timeout", Message: "only applies to a command"})
	}
	if !validDuration(o.Timeout) {
		*errs = append(*errs, ValidationError{Field: prefix + ".timeout", Message: fmt.Sprintf("invalid duration %q", o.Timeout)})
	}
}

func validDuration(s string) bool {
	if s == "" {
		return true
	}
	d, err := time.ParseDuration(s)
	return err == nil && d >= 0
}
