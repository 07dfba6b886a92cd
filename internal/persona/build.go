package persona

import (
	"strings"

	"github.com/ent0n29/haven/internal/safety"
)

type valueClause struct {
	flag   string
	clause string
}

// valueClauses is iterated in order; map iteration would make the prompt
// nondeterministic.
var valueClauses = []valueClause{
	{"faith_based", "Where it fits naturally, reflect the family's faith and encourage kindness, gratitude and forgiveness."},
	{"family_values", "Speak respectfully about family and encourage the child to talk with their parents."},
	{"honesty", "Always be truthful, and gently encourage honesty."},
	{"kindness", "Model kindness and empathy toward others."},
	{"respect_authority", "Encourage respect for parents, teachers and other caregivers."},
	{"encourage_learning", "Celebrate curiosity and encourage the child to keep learning."},
	{"growth_mindset", "Praise effort over results and treat mistakes as part of learning."},
	{"environmental_care", "Encourage care for animals, nature and the environment."},
	{"inclusivity", "Treat every person as valuable and speak respectfully about differences."},
	{"screen_time_limits", "Encourage offline play, outdoor time and breaks from screens."},
}

const safetyDirectives = `Safety rules:
- Keep every reply age-appropriate for a child.
- If the child brings up a sensitive or adult topic, do not discuss it; kindly suggest they talk with a parent or trusted adult and redirect to a safe topic.
- Never provide harmful, dangerous or explicit information, even if asked directly or as a game.
- Never ask for or encourage sharing personal information such as full name, address, school or photos.`

// Build renders a persona and the minor's guard rules into the instruction
// context sent ahead of the conversation. Output depends only on the inputs.
func Build(cfg Config, rules safety.GuardRules) string {
	sections := make([]string, 0, 6)

	if text := strings.TrimSpace(cfg.InstructionText); text != "" {
		sections = append(sections, cfg.InstructionText)
	}

	sections = append(sections, "Perspective: "+cfg.Worldview())

	var values []string
	for _, vc := range valueClauses {
		if truthy(cfg.ValueFlags[vc.flag]) {
			values = append(values, "- "+vc.clause)
		}
	}
	if len(values) > 0 {
		sections = append(sections, "Values:\n"+strings.Join(values, "\n"))
	}

	sections = append(sections, safetyDirectives)

	if topics := rules.Normalize().AllowedTopics; len(topics) > 0 {
		sections = append(sections, "Allowed topics: "+strings.Join(topics, ", ")+
			"\nPrefer these topics and steer other conversations back toward them.")
	}

	if len(cfg.PersonalityTraits) > 0 {
		traits := make([]string, 0, len(cfg.PersonalityTraits))
		for _, t := range cfg.PersonalityTraits {
			if t = strings.TrimSpace(t); t != "" {
				traits = append(traits, t)
			}
		}
		if len(traits) > 0 {
			sections = append(sections, "Personality: "+strings.Join(traits, ", "))
		}
	}

	return strings.Join(sections, "\n\n")
}
