package conversation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ent0n29/haven/internal/alerts"
	"github.com/ent0n29/haven/internal/completion"
	"github.com/ent0n29/haven/internal/generator"
	"github.com/ent0n29/haven/internal/observability"
	"github.com/ent0n29/haven/internal/persona"
	"github.com/ent0n29/haven/internal/safety"
	"github.com/ent0n29/haven/internal/store"
)

type fakeClient struct {
	reply string
	calls int
	last  completion.Request
}

func (f *fakeClient) Complete(_ context.Context, req completion.Request) (completion.Response, error) {
	f.calls++
	f.last = req
	return completion.Response{Text: f.reply}, nil
}

type countingGenerator struct {
	inner Generator
	calls int
}

func (g *countingGenerator) Generate(ctx context.Context, in generator.Input) generator.Output {
	g.calls++
	return g.inner.Generate(ctx, in)
}

type fixture struct {
	orch  *Orchestrator
	store *store.InMemoryStore
	gen   *countingGenerator
}

func newFixture(t *testing.T, client completion.Client, rules safety.GuardRules, opts ...Option) fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewInMemoryStore()
	if err := s.LinkGuardian(ctx, "guardian-1", "kid-1"); err != nil {
		t.Fatalf("LinkGuardian() error = %v", err)
	}
	if err := s.PutGuardRules(ctx, rules); err != nil {
		t.Fatalf("PutGuardRules() error = %v", err)
	}
	if _, err := s.CreateConversation(ctx, store.Conversation{ID: "conv-1", MinorID: "kid-1"}); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	gen := &countingGenerator{inner: generator.New(client, "test")}
	return fixture{
		orch:  NewOrchestrator(s, gen, alerts.NewEmitter(s, nil, nil), opts...),
		store: s,
		gen:   gen,
	}
}

func rulesFor(level safety.FilterLevel, blocked ...string) safety.GuardRules {
	return safety.GuardRules{MinorID: "kid-1", FilterLevel: level, BlockedKeywords: blocked, AlertsEnabled: true}
}

func TestHandleTurnSelfHarmSkipsGenerationAndAlerts(t *testing.T) {
	f := newFixture(t, nil, rulesFor(safety.FilterModerate))
	ctx := context.Background()

	res, err := f.orch.HandleTurn(ctx, "kid-1", "conv-1", "I want to kill myself")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if f.gen.calls != 0 {
		t.Fatalf("generator calls = %d, want 0", f.gen.calls)
	}
	if res.Reply != safety.ResponseFor(safety.CategorySelfHarm) {
		t.Fatalf("Reply = %q, want self-harm template", res.Reply)
	}
	if !res.Flagged || res.Source != SourceSafetyTemplate {
		t.Fatalf("Flagged/Source = %v/%q", res.Flagged, res.Source)
	}
	if !res.UserTurn.RiskFlag || res.UserTurn.RiskCategory != safety.CategorySelfHarm {
		t.Fatalf("user turn = %+v, want flagged self_harm", res.UserTurn)
	}
	if res.AssistantTurn.RiskFlag {
		t.Fatalf("assistant turn flagged, want template reply unflagged")
	}
	if res.Alert == nil {
		t.Fatalf("Alert = nil, want one alert")
	}
	if res.Alert.TurnID != res.UserTurn.ID || res.Alert.Stage != alerts.StageInput {
		t.Fatalf("Alert = %+v, want input alert for user turn %s", res.Alert, res.UserTurn.ID)
	}

	listed, _ := f.store.ListAlerts(ctx, "guardian-1", 10)
	if len(listed) != 1 {
		t.Fatalf("len(alerts) = %d, want 1", len(listed))
	}
	turns, _ := f.store.RecentTurns(ctx, "conv-1", 10)
	if len(turns) != 2 || turns[0].Role != store.RoleUser || turns[1].Role != store.RoleAssistant {
		t.Fatalf("persisted turns = %+v, want user then assistant", turns)
	}
}

func TestHandleTurnAlgebraFallbackWithoutCredential(t *testing.T) {
	f := newFixture(t, nil, rulesFor(safety.FilterStrict))
	ctx := context.Background()

	res, err := f.orch.HandleTurn(ctx, "kid-1", "conv-1", "Can you help me with algebra homework?")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.Reply != generator.DefaultTopics[0].Reply {
		t.Fatalf("Reply = %q, want mathematics template", res.Reply)
	}
	if res.Source != string(generator.SourceFallback) {
		t.Fatalf("Source = %q, want fallback", res.Source)
	}
	if res.Flagged || res.Alert != nil {
		t.Fatalf("Flagged/Alert = %v/%v, want clean turn", res.Flagged, res.Alert)
	}
	listed, _ := f.store.ListAlerts(ctx, "guardian-1", 10)
	if len(listed) != 0 {
		t.Fatalf("len(alerts) = %d, want 0", len(listed))
	}
}

func TestHandleTurnBlockedKeyword(t *testing.T) {
	f := newFixture(t, nil, rulesFor(safety.FilterModerate, "violence"))

	res, err := f.orch.HandleTurn(context.Background(), "kid-1", "conv-1", "Let's talk about violence in movies")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.UserTurn.RiskCategory != safety.CategoryBlockedKeyword {
		t.Fatalf("RiskCategory = %q, want blocked_keyword", res.UserTurn.RiskCategory)
	}
	if res.Reply != safety.ResponseFor(safety.CategoryBlockedKeyword) {
		t.Fatalf("Reply = %q, want blocked keyword template", res.Reply)
	}
	if f.gen.calls != 0 {
		t.Fatalf("generator calls = %d, want 0", f.gen.calls)
	}
}

func TestHandleTurnBasicLevelAllowsRomance(t *testing.T) {
	f := newFixture(t, nil, rulesFor(safety.FilterBasic))

	res, err := f.orch.HandleTurn(context.Background(), "kid-1", "conv-1", "I have a crush on a boy in my class")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.Flagged || res.UserTurn.RiskFlag {
		t.Fatalf("turn flagged at basic level: %+v", res.UserTurn)
	}
	if f.gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", f.gen.calls)
	}
}

func TestHandleTurnFlagsUnsafeUpstreamReply(t *testing.T) {
	client := &fakeClient{reply: "Maybe you could get drunk at the party."}
	f := newFixture(t, client, rulesFor(safety.FilterModerate))
	ctx := context.Background()

	res, err := f.orch.HandleTurn(ctx, "kid-1", "conv-1", "What should I do this weekend?")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if res.UserTurn.RiskFlag {
		t.Fatalf("user turn flagged, want clean input")
	}
	if !res.AssistantTurn.RiskFlag || res.AssistantTurn.RiskCategory != safety.CategoryDangerousBehavior {
		t.Fatalf("assistant turn = %+v, want flagged dangerous_behavior", res.AssistantTurn)
	}
	if res.Reply != safety.ResponseFor(safety.CategoryDangerousBehavior) {
		t.Fatalf("Reply = %q, want dangerous behavior template", res.Reply)
	}
	if res.Alert == nil || res.Alert.TurnID != res.AssistantTurn.ID || res.Alert.Stage != alerts.StageOutput {
		t.Fatalf("Alert = %+v, want output alert for assistant turn", res.Alert)
	}
}

func TestHandleTurnAlertsDisabledStillFlags(t *testing.T) {
	rules := rulesFor(safety.FilterModerate)
	rules.AlertsEnabled = false
	f := newFixture(t, nil, rules)
	ctx := context.Background()

	res, err := f.orch.HandleTurn(ctx, "kid-1", "conv-1", "I want to run away from home")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if !res.UserTurn.RiskFlag || res.Alert != nil {
		t.Fatalf("RiskFlag/Alert = %v/%v, want flagged without alert", res.UserTurn.RiskFlag, res.Alert)
	}
	listed, _ := f.store.ListAlerts(ctx, "guardian-1", 10)
	if len(listed) != 0 {
		t.Fatalf("len(alerts) = %d, want 0", len(listed))
	}
}

func TestHandleTurnRedactsAndForwardsHistory(t *testing.T) {
	client := &fakeClient{reply: "Nice to meet you!"}
	f := newFixture(t, client, rulesFor(safety.FilterModerate), WithHistoryWindow(2))
	ctx := context.Background()

	first, err := f.orch.HandleTurn(ctx, "kid-1", "conv-1", "hi, my email is kid@example.com")
	if err != nil {
		t.Fatalf("HandleTurn(first) error = %v", err)
	}
	if !first.UserTurn.PIIRedacted || strings.Contains(first.UserTurn.Content, "kid@example.com") {
		t.Fatalf("user turn not redacted: %+v", first.UserTurn)
	}
	if strings.Contains(client.last.Text, "kid@example.com") {
		t.Fatalf("upstream text not redacted: %q", client.last.Text)
	}

	if _, err := f.orch.HandleTurn(ctx, "kid-1", "conv-1", "what is your favorite color?"); err != nil {
		t.Fatalf("HandleTurn(second) error = %v", err)
	}
	if len(client.last.History) != 2 {
		t.Fatalf("len(History) = %d, want 2", len(client.last.History))
	}
	if client.last.History[0].Role != completion.RoleUser || client.last.History[1].Role != completion.RoleAssistant {
		t.Fatalf("History roles = %q, %q", client.last.History[0].Role, client.last.History[1].Role)
	}
	if !strings.Contains(client.last.Instructions, persona.Default.InstructionText) {
		t.Fatalf("Instructions = %q, want default persona", client.last.Instructions)
	}
}

func TestHandleTurnLogsMaskedKindsAndTracesTurns(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	metrics := observability.NewMetrics(fmt.Sprintf("test_conversation_%d", time.Now().UnixNano()))
	f := newFixture(t, nil, rulesFor(safety.FilterModerate), WithLogger(zap.New(core)), WithMetrics(metrics))
	ctx := context.Background()

	if _, err := f.orch.HandleTurn(ctx, "kid-1", "conv-1", "I live at 42 Maple Street, call 555-123-9876"); err != nil {
		t.Fatalf("HandleTurn(safe) error = %v", err)
	}
	if _, err := f.orch.HandleTurn(ctx, "kid-1", "conv-1", "I want to kill myself"); err != nil {
		t.Fatalf("HandleTurn(flagged) error = %v", err)
	}

	masked := logs.FilterMessage("personal details masked").All()
	if len(masked) != 1 {
		t.Fatalf("masked log entries = %d, want 1", len(masked))
	}
	fields := masked[0].ContextMap()
	if fields["role"] != string(store.RoleUser) {
		t.Fatalf("role = %v, want user", fields["role"])
	}
	if kinds, _ := fields["pii_kinds"].([]interface{}); !reflect.DeepEqual(kinds, []interface{}{"address", "phone"}) {
		t.Fatalf("pii_kinds = %v, want [address phone]", fields["pii_kinds"])
	}

	snap := metrics.SnapshotTurns()
	if snap.Turns != 2 || snap.Flags.Input != 1 || snap.Flags.Output != 0 {
		t.Fatalf("snapshot = %+v, want 2 turns with 1 input flag", snap)
	}
	sources := map[string]int{}
	for _, src := range snap.Sources {
		sources[src.Source] = src.Turns
	}
	if sources[string(generator.SourceFallback)] != 1 || sources[SourceSafetyTemplate] != 1 {
		t.Fatalf("sources = %v, want one fallback and one safety template", sources)
	}
}

func TestHandleTurnUsesConversationPersona(t *testing.T) {
	client := &fakeClient{reply: "Sure!"}
	f := newFixture(t, client, rulesFor(safety.FilterModerate))
	ctx := context.Background()
	if err := f.store.SavePersona(ctx, persona.Config{ID: "sage", Name: "Sage", InstructionText: "You are Sage, a calm guide."}); err != nil {
		t.Fatalf("SavePersona() error = %v", err)
	}
	if _, err := f.store.CreateConversation(ctx, store.Conversation{ID: "conv-sage", MinorID: "kid-1", PersonaID: "sage"}); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if _, err := f.store.CreateConversation(ctx, store.Conversation{ID: "conv-ghost", MinorID: "kid-1", PersonaID: "ghost"}); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	if _, err := f.orch.HandleTurn(ctx, "kid-1", "conv-sage", "hello"); err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if !strings.HasPrefix(client.last.Instructions, "You are Sage, a calm guide.") {
		t.Fatalf("Instructions = %q, want Sage persona first", client.last.Instructions)
	}

	if _, err := f.orch.HandleTurn(ctx, "kid-1", "conv-ghost", "hello"); err != nil {
		t.Fatalf("HandleTurn(missing persona) error = %v", err)
	}
	if !strings.HasPrefix(client.last.Instructions, persona.Default.InstructionText) {
		t.Fatalf("Instructions = %q, want default persona", client.last.Instructions)
	}
}

func TestHandleTurnValidation(t *testing.T) {
	f := newFixture(t, nil, rulesFor(safety.FilterModerate))
	ctx := context.Background()
	if _, err := f.store.CreateConversation(ctx, store.Conversation{ID: "conv-other", MinorID: "kid-2"}); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}

	if _, err := f.orch.HandleTurn(ctx, "kid-9", "conv-1", "hello"); !errors.Is(err, ErrGuardRulesMissing) || !errors.Is(err, ErrConfiguration) {
		t.Fatalf("missing rules error = %v, want ErrGuardRulesMissing", err)
	}
	if _, err := f.orch.HandleTurn(ctx, "kid-1", "conv-missing", "hello"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("missing conversation error = %v, want ErrConversationNotFound", err)
	}
	if _, err := f.orch.HandleTurn(ctx, "kid-1", "conv-other", "hello"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("foreign conversation error = %v, want ErrConversationNotFound", err)
	}
	if _, err := f.orch.HandleTurn(ctx, "kid-1", "conv-1", "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty text error = %v, want ErrEmptyMessage", err)
	}
}

type failingStore struct {
	*store.InMemoryStore
	failOn int
	saves  int
	err    error
}

func (f *failingStore) SaveTurn(ctx context.Context, turn store.Turn) (string, error) {
	f.saves++
	if f.saves == f.failOn {
		return "", f.err
	}
	return f.InMemoryStore.SaveTurn(ctx, turn)
}

func TestHandleTurnPropagatesPersistenceFailure(t *testing.T) {
	base := newFixture(t, nil, rulesFor(safety.FilterModerate))
	boom := errors.New("connection reset")
	fs := &failingStore{InMemoryStore: base.store, failOn: 2, err: boom}
	orch := NewOrchestrator(fs, base.gen, alerts.NewEmitter(fs, nil, nil))
	ctx := context.Background()

	_, err := orch.HandleTurn(ctx, "kid-1", "conv-1", "I want to kill myself")
	if !errors.Is(err, boom) {
		t.Fatalf("HandleTurn() error = %v, want %v", err, boom)
	}
	if !strings.Contains(err.Error(), "save assistant turn") {
		t.Fatalf("error = %q, want save assistant turn context", err)
	}
	turns, _ := base.store.RecentTurns(ctx, "conv-1", 10)
	if len(turns) != 1 || turns[0].Role != store.RoleUser {
		t.Fatalf("persisted turns = %+v, want the flagged user turn only", turns)
	}
	listed, _ := base.store.ListAlerts(ctx, "guardian-1", 10)
	if len(listed) != 1 {
		t.Fatalf("len(alerts) = %d, want 1 for the persisted flagged turn", len(listed))
	}
	if listed[0].TurnID != turns[0].ID || listed[0].Stage != alerts.StageInput {
		t.Fatalf("alert = %+v, want input alert for turn %s", listed[0], turns[0].ID)
	}
}

func TestHandleTurnUserTurnFailureSkipsAlert(t *testing.T) {
	base := newFixture(t, nil, rulesFor(safety.FilterModerate))
	boom := errors.New("connection reset")
	fs := &failingStore{InMemoryStore: base.store, failOn: 1, err: boom}
	orch := NewOrchestrator(fs, base.gen, alerts.NewEmitter(fs, nil, nil))
	ctx := context.Background()

	_, err := orch.HandleTurn(ctx, "kid-1", "conv-1", "I want to kill myself")
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "save user turn") {
		t.Fatalf("HandleTurn() error = %v, want save user turn failure", err)
	}
	listed, _ := base.store.ListAlerts(ctx, "guardian-1", 10)
	if len(listed) != 0 {
		t.Fatalf("len(alerts) = %d, want 0 without a persisted turn", len(listed))
	}
	turns, _ := base.store.RecentTurns(ctx, "conv-1", 10)
	if len(turns) != 0 {
		t.Fatalf("len(turns) = %d, want 0", len(turns))
	}
}

// cancellingClient cancels the caller's context mid-turn, the way a closed
// websocket or dropped HTTP request would.
type cancellingClient struct {
	cancel context.CancelFunc
	reply  string
}

func (c *cancellingClient) Complete(ctx context.Context, _ completion.Request) (completion.Response, error) {
	c.cancel()
	if err := ctx.Err(); err != nil {
		return completion.Response{}, err
	}
	return completion.Response{Text: c.reply}, nil
}

type ctxStore struct {
	*store.InMemoryStore
}

func (s *ctxStore) SaveTurn(ctx context.Context, turn store.Turn) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return s.InMemoryStore.SaveTurn(ctx, turn)
}

func TestHandleTurnCompletesAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &cancellingClient{cancel: cancel, reply: "Volcanoes form where magma reaches the surface."}
	base := newFixture(t, client, rulesFor(safety.FilterModerate))
	cs := &ctxStore{InMemoryStore: base.store}
	orch := NewOrchestrator(cs, base.gen, alerts.NewEmitter(cs, nil, nil))

	res, err := orch.HandleTurn(ctx, "kid-1", "conv-1", "How do volcanoes form?")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("caller context still live, want it cancelled during the turn")
	}
	if res.Source != string(generator.SourceUpstream) || res.Reply != client.reply {
		t.Fatalf("Source/Reply = %q/%q, want upstream reply", res.Source, res.Reply)
	}
	turns, _ := base.store.RecentTurns(context.Background(), "conv-1", 10)
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(turns))
	}
}
