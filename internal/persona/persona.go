package persona

import (
	"fmt"
	"strings"
	"time"
)

// WorldviewKey is the enum trait in ValueFlags that names the persona's
// perspective rather than toggling a clause.
const WorldviewKey = "worldview"

// Config describes a guardian-authored persona. It is immutable once stored;
// conversations reference it by ID.
type Config struct {
	ID                string            `json:"id" yaml:"id"`
	GuardianID        string            `json:"guardian_id" yaml:"guardian_id"`
	Name              string            `json:"name" yaml:"name"`
	InstructionText   string            `json:"instruction_text" yaml:"instruction_text"`
	ValueFlags        map[string]string `json:"value_flags,omitempty" yaml:"value_flags"`
	PersonalityTraits []string          `json:"personality_traits,omitempty" yaml:"personality_traits"`
	CreatedAt         time.Time         `json:"created_at,omitempty" yaml:"-"`
}

// Default is used for conversations that were started without a persona.
var Default = Config{
	ID:                "default",
	Name:              "Buddy",
	InstructionText:   "You are Buddy, a friendly and patient helper for kids.",
	PersonalityTraits: []string{"friendly", "patient", "encouraging"},
}

// Validate checks a persona at the store boundary.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("persona: id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("persona %s: name is required", c.ID)
	}
	for k := range c.ValueFlags {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("persona %s: empty value flag name", c.ID)
		}
	}
	return nil
}

// Worldview returns the configured perspective label, or "general".
func (c Config) Worldview() string {
	if v := strings.TrimSpace(c.ValueFlags[WorldviewKey]); v != "" {
		return v
	}
	return "general"
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "f", "no", "n", "off", "none":
		return false
	default:
		return true
	}
}
