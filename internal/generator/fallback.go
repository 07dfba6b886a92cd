package generator

import (
	"regexp"
	"strings"
)

// Topic maps a keyword set to a canned reply used when no upstream reply is
// available. Topics are tried in table order; the first match wins.
type Topic struct {
	Name     string
	Keywords []string
	Reply    string

	re *regexp.Regexp
}

const genericReply = "That's a great thing to wonder about! I can't look that up right now, " +
	"but I'd love to keep talking. Can you tell me a little more about what you're thinking?"

// DefaultTopics is the fallback dispatch table.
var DefaultTopics = []Topic{
	{
		Name: "mathematics",
		Keywords: []string{
			"math", "maths", "mathematics", "algebra", "geometry", "calculus", "arithmetic",
			"fraction", "fractions", "equation", "equations", "multiplication", "division",
			"decimal", "decimals", "homework",
		},
		Reply: "Math can feel tricky, but you've got this! Let's break the problem into small steps. " +
			"What is the first part of the question, and what have you tried so far?",
	},
	{
		Name: "faith",
		Keywords: []string{
			"bible", "scripture", "scriptures", "verse", "psalm", "prayer", "pray", "praying",
			"church", "faith", "god", "jesus", "quran", "torah", "temple", "mosque",
		},
		Reply: "That's a thoughtful question about faith. Many people find it helpful to read a passage " +
			"together with a parent or a leader from their community and talk about what it means to them. " +
			"Which part would you like to explore?",
	},
	{
		Name: "relationships",
		Keywords: []string{
			"friend", "friends", "friendship", "family", "parents", "parent", "mom", "dad",
			"brother", "sister", "sibling", "siblings", "classmate", "classmates", "teacher", "argument",
		},
		Reply: "Getting along with friends and family isn't always easy. It can help to share how you feel " +
			"calmly and to listen to their side too. A trusted grown-up can help as well. What happened?",
	},
	{
		Name: "science",
		Keywords: []string{
			"science", "biology", "chemistry", "physics", "planet", "planets", "space", "star", "stars",
			"animal", "animals", "experiment", "atom", "atoms", "volcano", "volcanoes", "dinosaur",
			"dinosaurs", "weather", "ocean",
		},
		Reply: "I love science questions! Scientists learn by asking a question, making a guess and testing it. " +
			"What would you like to discover? We can figure it out step by step.",
	},
}

func compileTopics(in []Topic) []Topic {
	out := make([]Topic, 0, len(in))
	for _, t := range in {
		words := make([]string, 0, len(t.Keywords))
		for _, kw := range t.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			words = append(words, regexp.QuoteMeta(kw))
		}
		if len(words) == 0 {
			continue
		}
		t.Keywords = append([]string(nil), t.Keywords...)
		t.re = regexp.MustCompile(`(?i)\b(` + strings.Join(words, "|") + `)\b`)
		out = append(out, t)
	}
	return out
}

// fallbackReply picks the first topic whose keywords occur in text as whole
// words, or the generic reply.
func fallbackReply(topics []Topic, text string) (string, string) {
	for _, t := range topics {
		if t.re != nil && t.re.MatchString(text) {
			return t.Reply, t.Name
		}
	}
	return genericReply, "generic"
}
