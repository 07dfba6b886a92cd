package safety

import (
	"regexp"
	"strings"
)

type Category string

const (
	CategorySelfHarm             Category = "self_harm"
	CategoryDangerousBehavior    Category = "dangerous_behavior"
	CategoryBlockedKeyword       Category = "blocked_keyword"
	CategoryInappropriateContent Category = "inappropriate_content"
)

// Result is the outcome of screening one piece of text.
type Result struct {
	Safe     bool     `json:"safe"`
	Category Category `json:"category,omitempty"`
	Reason   string   `json:"reason,omitempty"`
	// Match is the matched fragment, lower-cased. It is kept out of alert
	// records and logs because it may quote the minor's own words.
	Match string `json:"-"`
}

type rule struct {
	re     *regexp.Regexp
	reason string
}

var (
	selfHarmRules = []rule{
		{regexp.MustCompile(`(?i)\b(kill|hurt|harm|cut|cutting|hurting|harming|starve|starving)\s+my\s?self\b`), "self-injury phrasing"},
		{regexp.MustCompile(`(?i)\bkms\b`), "suicidal ideation"},
		{regexp.MustCompile(`(?i)\bsuicid(e|al)\b`), "suicidal ideation"},
		{regexp.MustCompile(`(?i)\b(want|wanna|going|gonna)\s+(to\s+)?die\b`), "suicidal ideation"},
		{regexp.MustCompile(`(?i)\bend\s+(my\s+life|it\s+all)\b`), "suicidal ideation"},
		{regexp.MustCompile(`(?i)\b(don'?t|do\s+not)\s+want\s+to\s+(live|be\s+alive|exist)\b`), "suicidal ideation"},
		{regexp.MustCompile(`(?i)\b(better\s+off\s+dead|no\s+reason\s+to\s+live)\b`), "suicidal ideation"},
		{regexp.MustCompile(`(?i)\bself[- ]?harm(ing)?\b`), "self-injury phrasing"},
	}
	dangerousRules = []rule{
		{regexp.MustCompile(`(?i)\b(drugs?|cocaine|heroin|meth|weed|marijuana|edibles|vap(e|es|ing))\b`), "substance use"},
		{regexp.MustCompile(`(?i)\b(get|getting)\s+(high|drunk|wasted)\b`), "substance use"},
		{regexp.MustCompile(`(?i)\b(buy|drink|steal)\s+(some\s+)?(alcohol|beer|vodka|liquor|pills)\b`), "substance use"},
		{regexp.MustCompile(`(?i)\brun(ning)?\s+away\b`), "running away"},
		{regexp.MustCompile(`(?i)\bsneak(ing)?\s+out\b`), "running away"},
		{regexp.MustCompile(`(?i)\bmeet\b.{0,40}\b(stranger|someone\s+(i\s+met\s+)?online|online\s+friend|in\s+person)\b`), "contact with strangers"},
		{regexp.MustCompile(`(?i)\b(give|tell|send)\b.{0,30}\b(my|our)\s+(home\s+)?address\b`), "contact with strangers"},
		{regexp.MustCompile(`(?i)\b(porn|nudes?|naked|sexy|sexual|sext(ing)?|xxx)\b`), "explicit content"},
		{regexp.MustCompile(`(?i)\b(kill|stab|shoot|beat\s+up|poison)\s+(him|her|them|someone|somebody|people|my\s+\w+)\b`), "violence"},
		{regexp.MustCompile(`(?i)\b(make|build|buy|get)\s+(a\s+)?(bomb|gun|weapon|explosive)s?\b`), "violence"},
	}
	strictRules = []rule{
		{regexp.MustCompile(`(?i)\b(boyfriend|girlfriend|crush|dating|romance|romantic|kiss(ing)?)\b`), "romantic relationships"},
		{regexp.MustCompile(`(?i)\bgo(ing)?\s+on\s+a\s+date\b`), "romantic relationships"},
		{regexp.MustCompile(`(?i)\bam\s+i\s+(ugly|fat|pretty|hot|skinny)\b`), "appearance"},
		{regexp.MustCompile(`(?i)\b(lose\s+weight|diet(ing)?|makeup|my\s+(body|weight|looks))\b`), "appearance"},
		{regexp.MustCompile(`(?i)\b(instagram|tiktok|snapchat|facebook|twitter|discord|social\s+media)\b`), "social media"},
	}
)

// Classify screens text against the rule categories in fixed priority order
// and reports the first match: self-harm, dangerous behavior, the minor's
// blocked keywords, then (strict filtering only) age-sensitive topics.
func Classify(text string, rules GuardRules) Result {
	in := strings.TrimSpace(text)
	if in == "" {
		return Result{Safe: true}
	}

	if r, ok := matchRules(in, selfHarmRules, CategorySelfHarm); ok {
		return r
	}
	if r, ok := matchRules(in, dangerousRules, CategoryDangerousBehavior); ok {
		return r
	}

	lower := strings.ToLower(in)
	for _, kw := range rules.BlockedKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(lower, kw) {
			return Result{
				Safe:     false,
				Category: CategoryBlockedKeyword,
				Reason:   "matched a keyword blocked by the guardian",
				Match:    kw,
			}
		}
	}

	if strings.EqualFold(string(rules.FilterLevel), string(FilterStrict)) {
		if r, ok := matchRules(in, strictRules, CategoryInappropriateContent); ok {
			return r
		}
	}

	return Result{Safe: true}
}

func matchRules(text string, rules []rule, category Category) (Result, bool) {
	for _, r := range rules {
		if m := r.re.FindString(text); m != "" {
			return Result{
				Safe:     false,
				Category: category,
				Reason:   r.reason,
				Match:    strings.ToLower(m),
			}, true
		}
	}
	return Result{}, false
}
