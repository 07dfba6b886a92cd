package safety

import (
	"regexp"
	"strings"
)

// PIIKind names a category of personal detail masked out of chat text.
type PIIKind string

const (
	PIIEmail   PIIKind = "email"
	PIICard    PIIKind = "card"
	PIIAddress PIIKind = "address"
	PIIPhone   PIIKind = "phone"
)

type piiRule struct {
	kind    PIIKind
	pattern *regexp.Regexp
	// accept rejects matches that only look like the kind.
	accept func(match string) bool
}

// Applied in order; cards and addresses run before phones because the phone
// pattern also matches their digit runs.
var piiRules = []piiRule{
	{
		kind:    PIIEmail,
		pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	},
	{
		kind:    PIICard,
		pattern: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
		accept:  luhnValid,
	},
	{
		kind:    PIIAddress,
		pattern: regexp.MustCompile(`(?i)\b\d{1,5}\s+(?:[a-z]+\s+){1,3}(?:street|st|avenue|ave|road|rd|lane|ln|drive|dr|court|ct|boulevard|blvd|way|place|pl)\b\.?`),
	},
	{
		kind:    PIIPhone,
		pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`),
		accept: func(match string) bool {
			n := countDigits(match)
			return n >= 7 && n <= 15
		},
	},
}

// Redaction is text with personal details masked, plus the kinds that were
// found. Kinds is empty when nothing was masked.
type Redaction struct {
	Text  string
	Kinds []PIIKind
}

func (r Redaction) Changed() bool { return len(r.Kinds) > 0 }

// KindNames returns the masked kinds as strings for logging.
func (r Redaction) KindNames() []string {
	names := make([]string, len(r.Kinds))
	for i, k := range r.Kinds {
		names[i] = string(k)
	}
	return names
}

// Redact masks e-mail addresses, card numbers, street addresses and phone
// numbers before text is persisted or forwarded to a completion provider.
// Digit runs that fail the card checksum or phone length are left alone so
// arithmetic questions survive.
func Redact(text string) Redaction {
	r := Redaction{Text: text}
	for _, rule := range piiRules {
		marker := "[REDACTED_" + strings.ToUpper(string(rule.kind)) + "]"
		hit := false
		r.Text = rule.pattern.ReplaceAllStringFunc(r.Text, func(m string) string {
			if rule.accept != nil && !rule.accept(m) {
				return m
			}
			hit = true
			return marker
		})
		if hit {
			r.Kinds = append(r.Kinds, rule.kind)
		}
	}
	return r
}

func countDigits(s string) int {
	n := 0
	for _, c := range s {
		if c >= '0' && c <= '9' {
			n++
		}
	}
	return n
}

func luhnValid(s string) bool {
	sum, n := 0, 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if n%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		n++
	}
	return n >= 13 && sum%10 == 0
}
