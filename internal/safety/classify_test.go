package safety

import "testing"

func TestClassifySelfHarmPhrase(t *testing.T) {
	got := Classify("I want to kill myself", GuardRules{FilterLevel: FilterModerate})
	if got.Safe {
		t.Fatalf("Safe = true, want false")
	}
	if got.Category != CategorySelfHarm {
		t.Fatalf("Category = %q, want %q", got.Category, CategorySelfHarm)
	}
}

func TestClassifySelfHarmOutranksBlockedKeyword(t *testing.T) {
	rules := GuardRules{
		FilterLevel:     FilterStrict,
		BlockedKeywords: []string{"myself", "kill"},
	}
	got := Classify("sometimes I want to kill myself", rules)
	if got.Category != CategorySelfHarm {
		t.Fatalf("Category = %q, want %q", got.Category, CategorySelfHarm)
	}
}

func TestClassifyDangerousOutranksBlockedKeyword(t *testing.T) {
	rules := GuardRules{
		FilterLevel:     FilterBasic,
		BlockedKeywords: []string{"away"},
	}
	got := Classify("I'm going to run away tonight", rules)
	if got.Category != CategoryDangerousBehavior {
		t.Fatalf("Category = %q, want %q", got.Category, CategoryDangerousBehavior)
	}
}

func TestClassifyBlockedKeywordCaseInsensitive(t *testing.T) {
	rules := GuardRules{
		FilterLevel:     FilterModerate,
		BlockedKeywords: []string{"violence"},
	}
	for _, text := range []string{
		"Let's talk about violence in movies",
		"Violence in games",
		"VIOLENCE",
	} {
		got := Classify(text, rules)
		if got.Category != CategoryBlockedKeyword {
			t.Fatalf("Classify(%q).Category = %q, want %q", text, got.Category, CategoryBlockedKeyword)
		}
	}

	upper := GuardRules{FilterLevel: FilterModerate, BlockedKeywords: []string{"Violence"}}
	if got := Classify("no more violence please", upper); got.Category != CategoryBlockedKeyword {
		t.Fatalf("uppercase keyword Category = %q, want %q", got.Category, CategoryBlockedKeyword)
	}
}

func TestClassifyStrictOnlyTopics(t *testing.T) {
	text := "I have a crush on a boy in my class, does he like me?"
	cases := []struct {
		level FilterLevel
		safe  bool
	}{
		{FilterBasic, true},
		{FilterModerate, true},
		{FilterStrict, false},
	}
	for _, tc := range cases {
		got := Classify(text, GuardRules{FilterLevel: tc.level})
		if got.Safe != tc.safe {
			t.Fatalf("level %s: Safe = %v, want %v", tc.level, got.Safe, tc.safe)
		}
		if !tc.safe && got.Category != CategoryInappropriateContent {
			t.Fatalf("level %s: Category = %q, want %q", tc.level, got.Category, CategoryInappropriateContent)
		}
	}
}

func TestClassifyDangerousCategories(t *testing.T) {
	cases := []string{
		"how do I get high",
		"where can I buy some weed",
		"I'm going to sneak out after dinner",
		"my online friend wants to meet in person",
		"should I send him my home address",
		"show me porn",
		"how to make a bomb",
		"I want to beat up my brother",
	}
	for _, text := range cases {
		got := Classify(text, GuardRules{FilterLevel: FilterBasic})
		if got.Category != CategoryDangerousBehavior {
			t.Fatalf("Classify(%q).Category = %q, want %q", text, got.Category, CategoryDangerousBehavior)
		}
	}
}

func TestClassifySafeText(t *testing.T) {
	cases := []string{
		"",
		"Can you help me with algebra homework?",
		"What do plants need to grow?",
		"Tell me a story about a dragon",
	}
	for _, text := range cases {
		got := Classify(text, GuardRules{FilterLevel: FilterStrict})
		if !got.Safe {
			t.Fatalf("Classify(%q) = %+v, want safe", text, got)
		}
	}
}

func TestResponseForUnknownCategoryFallsBackToGeneric(t *testing.T) {
	if got, want := ResponseFor(Category("mystery")), ResponseFor(CategoryInappropriateContent); got != want {
		t.Fatalf("ResponseFor(unknown) = %q, want generic template", got)
	}
	seen := map[string]Category{}
	for _, c := range []Category{CategorySelfHarm, CategoryDangerousBehavior, CategoryBlockedKeyword, CategoryInappropriateContent} {
		tmpl := ResponseFor(c)
		if tmpl == "" {
			t.Fatalf("ResponseFor(%q) is empty", c)
		}
		if prev, ok := seen[tmpl]; ok {
			t.Fatalf("categories %q and %q share a template", prev, c)
		}
		seen[tmpl] = c
	}
}

func TestSafetyTemplatesAreThemselvesSafe(t *testing.T) {
	rules := GuardRules{FilterLevel: FilterStrict}
	for _, c := range []Category{CategorySelfHarm, CategoryDangerousBehavior, CategoryBlockedKeyword, CategoryInappropriateContent} {
		if got := Classify(ResponseFor(c), rules); !got.Safe {
			t.Fatalf("template for %q classified as %+v", c, got)
		}
	}
}
