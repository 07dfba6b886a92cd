package safety

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// FilterLevel selects how aggressively age-sensitive topics are screened.
type FilterLevel string

const (
	FilterStrict   FilterLevel = "strict"
	FilterModerate FilterLevel = "moderate"
	FilterBasic    FilterLevel = "basic"
)

// ParseFilterLevel accepts the level names case-insensitively.
func ParseFilterLevel(v string) (FilterLevel, error) {
	switch FilterLevel(strings.ToLower(strings.TrimSpace(v))) {
	case FilterStrict:
		return FilterStrict, nil
	case FilterModerate:
		return FilterModerate, nil
	case FilterBasic:
		return FilterBasic, nil
	default:
		return "", fmt.Errorf("unknown filter level %q (expected strict|moderate|basic)", v)
	}
}

// GuardRules is the active safety configuration for one minor. A newer
// instance supersedes the previous one; rules are never edited in place.
type GuardRules struct {
	MinorID         string      `json:"minor_id" yaml:"minor_id" jsonschema:"required"`
	FilterLevel     FilterLevel `json:"filter_level" yaml:"filter_level" jsonschema:"required,enum=strict,enum=moderate,enum=basic"`
	AllowedTopics   []string    `json:"allowed_topics,omitempty" yaml:"allowed_topics"`
	BlockedKeywords []string    `json:"blocked_keywords,omitempty" yaml:"blocked_keywords"`
	AlertsEnabled   bool        `json:"alerts_enabled" yaml:"alerts_enabled"`
	UpdatedAt       time.Time   `json:"updated_at,omitempty" yaml:"-"`
}

// Normalize lower-cases, trims, de-duplicates and sorts the topic and keyword
// sets so that equal rule sets compare and render identically.
func (r GuardRules) Normalize() GuardRules {
	r.MinorID = strings.TrimSpace(r.MinorID)
	if lvl, err := ParseFilterLevel(string(r.FilterLevel)); err == nil {
		r.FilterLevel = lvl
	}
	r.AllowedTopics = normalizeSet(r.AllowedTopics)
	r.BlockedKeywords = normalizeSet(r.BlockedKeywords)
	return r
}

// Validate reports rules that cannot be evaluated.
func (r GuardRules) Validate() error {
	if strings.TrimSpace(r.MinorID) == "" {
		return fmt.Errorf("guard rules: minor_id is required")
	}
	if _, err := ParseFilterLevel(string(r.FilterLevel)); err != nil {
		return fmt.Errorf("guard rules: %w", err)
	}
	return nil
}

func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
