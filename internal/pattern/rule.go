// Package pattern learns transformation rules from accepted stage edits and
// applies the confident ones as stage 7.
package pattern

import (
	"time"

	"github.com/lucasnoah/layerfix/internal/layer"
)

// Rule is a learned (pattern -> replacement) pair with its observation counts.
type Rule struct {
	ID                string    `json:"id"`
	Signature         string    `json:"signature"`
	SourcePattern     string    `json:"source_pattern"`
	ReplacementAction string    `json:"replacement_action"`
	OriginLayer       layer.ID  `json:"origin_layer"`
	Confidence        float64   `json:"confidence"`
	TimesSeen         int       `json:"times_seen"`
	TimesSucceeded    int       `json:"times_succeeded"`
	Applications      int       `json:"applications"`
	Sources           []string  `json:"sources,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	LastAppliedAt     time.Time `json:"last_applied_at,omitempty"`
}

// Clone returns a copy that shares no slices with r.
func (r Rule) Clone() Rule {
	c := r
	c.Sources = append([]string(nil), r.Sources...)
	return c
}

// recompute derives Confidence from the counters and keeps the counters
// within their bounds.
func (r *Rule) recompute() {
	if r.TimesSeen < 0 {
		r.TimesSeen = 0
	}
	if r.TimesSucceeded < 0 {
		r.TimesSucceeded = 0
	}
	if r.TimesSucceeded > r.TimesSeen {
		r.TimesSucceeded = r.TimesSeen
	}
	if r.TimesSeen == 0 {
		r.Confidence = 0
		return
	}
	r.Confidence = float64(r.TimesSucceeded) / float64(r.TimesSeen)
}

// hasSource reports whether digest was already counted for r.
func (r *Rule) hasSource(digest string) bool {
	for _, s := range r.Sources {
		if s == digest {
			return true
		}
	}
	return false
}

// addSource remembers digest, dropping the oldest entry beyond max.
func (r *Rule) addSource(digest string, max int) {
	r.Sources = append(r.Sources, digest)
	if max > 0 && len(r.Sources) > max {
		r.Sources = append([]string(nil), r.Sources[len(r.Sources)-max:]...)
	}
}

// Config tunes learning and application.
type Config struct {
	// MinConfidence is the lowest confidence a rule needs to be applied.
	MinConfidence float64 `yaml:"min_confidence" json:"min_confidence"`
	// MinSamples is the lowest TimesSeen a rule needs to be applied.
	MinSamples int `yaml:"min_samples" json:"min_samples"`
	// MaxApplications bounds replacements per Apply call.
	MaxApplications int `yaml:"max_applications" json:"max_applications"`
	// MaxDeltaTokens skips diff hunks larger than this.
	MaxDeltaTokens int `yaml:"max_delta_tokens" json:"max_delta_tokens"`
	// MaxSources bounds the input digests remembered per rule.
	MaxSources int `yaml:"max_sources" json:"max_sources"`
}

// DefaultConfig returns the built-in thresholds.
func DefaultConfig() Config {
	return Config{
		MinConfidence:   0.6,
		MinSamples:      3,
		MaxApplications: 25,
		MaxDeltaTokens:  24,
		MaxSources:      32,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinConfidence <= 0 || c.MinConfidence > 1 {
		c.MinConfidence = d.MinConfidence
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.MaxApplications <= 0 {
		c.MaxApplications = d.MaxApplications
	}
	if c.MaxDeltaTokens <= 0 {
		c.MaxDeltaTokens = d.MaxDeltaTokens
	}
	if c.MaxSources <= 0 {
		c.MaxSources = d.MaxSources
	}
	return c
}

// Eligible reports whether r passes both application thresholds.
func (c Config) Eligible(r Rule) bool {
	return r.TimesSeen >= c.MinSamples && r.Confidence >= c.MinConfidence
}

// Statistics summarizes the rule store.
type Statistics struct {
	TotalRules        int              `json:"total_rules"`
	AverageConfidence float64          `json:"average_confidence"`
	TotalApplications int              `json:"total_applications"`
	RulesByStage      map[layer.ID]int `json:"rules_by_stage"`
	EligibleRules     int              `json:"eligible_rules"`
}
