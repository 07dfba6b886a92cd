package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/haven/internal/alerts"
	"github.com/ent0n29/haven/internal/completion"
	"github.com/ent0n29/haven/internal/generator"
	"github.com/ent0n29/haven/internal/observability"
	"github.com/ent0n29/haven/internal/persona"
	"github.com/ent0n29/haven/internal/safety"
	"github.com/ent0n29/haven/internal/store"
)

const (
	defaultHistoryWindow = 10

	// SourceSafetyTemplate marks replies produced without generation because
	// the input was flagged.
	SourceSafetyTemplate = "safety_template"
)

// Store is the persistence surface a turn touches.
type Store interface {
	SaveTurn(ctx context.Context, turn store.Turn) (string, error)
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]store.Turn, error)
	TouchConversation(ctx context.Context, id string) error
	Conversation(ctx context.Context, id string) (store.Conversation, error)
	GuardRules(ctx context.Context, minorID string) (safety.GuardRules, error)
	Persona(ctx context.Context, id string) (persona.Config, error)
}

type Generator interface {
	Generate(ctx context.Context, in generator.Input) generator.Output
}

type AlertEmitter interface {
	Emit(ctx context.Context, ev alerts.Event) (*store.Alert, error)
}

// Result is the outcome of one handled turn.
type Result struct {
	// Reply is the text shown to the minor. AssistantTurn.Content holds the
	// PII-redacted copy that was persisted.
	Reply         string       `json:"reply"`
	UserTurn      store.Turn   `json:"user_turn"`
	AssistantTurn store.Turn   `json:"assistant_turn"`
	Flagged       bool         `json:"flagged"`
	Alert         *store.Alert `json:"alert,omitempty"`
	Source        string       `json:"source"`
}

type Option func(*Orchestrator)

func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithHistoryWindow bounds how many prior turns are forwarded upstream.
func WithHistoryWindow(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historyWindow = n
		}
	}
}

// Orchestrator runs the guarded turn pipeline. It holds no per-conversation
// state; rules and persona are read fresh for every turn.
type Orchestrator struct {
	store         Store
	generator     Generator
	alerts        AlertEmitter
	logger        *zap.Logger
	metrics       *observability.Metrics
	historyWindow int
	newID         func() string
}

func NewOrchestrator(s Store, gen Generator, emitter AlertEmitter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         s,
		generator:     gen,
		alerts:        emitter,
		logger:        zap.NewNop(),
		historyWindow: defaultHistoryWindow,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleTurn screens the minor's text, produces a reply, persists both turns
// and raises a guardian alert when either side was flagged. Once started, a
// turn runs to completion or failure even if the caller's context is
// cancelled; request values are still visible to the pipeline.
func (o *Orchestrator) HandleTurn(ctx context.Context, minorID, conversationID, text string) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	trace := observability.StartTurnTrace()
	res, err := o.handleTurn(ctx, trace, minorID, conversationID, text)
	trace.Finish(err)
	o.metrics.ObserveTurnTrace(trace)
	o.metrics.ObserveTurnLatency(trace.Elapsed())

	switch {
	case err != nil:
		o.metrics.ObserveTurn("error")
		o.logger.Warn("turn failed",
			zap.String("minor_id", minorID),
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
	case res.Flagged:
		o.metrics.ObserveTurn("flagged")
	default:
		o.metrics.ObserveTurn("ok")
	}
	return res, err
}

func (o *Orchestrator) handleTurn(ctx context.Context, trace *observability.TurnTrace, minorID, conversationID, text string) (Result, error) {
	rules, err := o.store.GuardRules(ctx, minorID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("%w for minor %s", ErrGuardRulesMissing, minorID)
	}
	if err != nil {
		return Result{}, fmt.Errorf("load guard rules: %w", err)
	}

	conv, err := o.store.Conversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && conv.MinorID != minorID) {
		return Result{}, ErrConversationNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("load conversation: %w", err)
	}

	if strings.TrimSpace(text) == "" {
		return Result{}, ErrEmptyMessage
	}

	classifyStart := time.Now()
	risk := safety.Classify(text, rules)
	trace.Since(observability.StageClassifyInput, classifyStart)

	if !risk.Safe {
		trace.Outcome(SourceSafetyTemplate, alerts.StageInput)
		return o.handleFlaggedInput(ctx, trace, conv, rules, text, risk)
	}
	return o.handleSafeInput(ctx, trace, conv, rules, text)
}

func (o *Orchestrator) handleFlaggedInput(ctx context.Context, trace *observability.TurnTrace, conv store.Conversation, rules safety.GuardRules, text string, risk safety.Result) (Result, error) {
	o.metrics.ObserveRiskFlag(alerts.StageInput, string(risk.Category))
	o.logger.Info("input flagged, generation skipped",
		zap.String("minor_id", conv.MinorID),
		zap.String("conversation_id", conv.ID),
		zap.String("category", string(risk.Category)),
		zap.String("reason", risk.Reason),
	)

	reply := safety.ResponseFor(risk.Category)
	user, assistant := o.newTurns(conv, text, reply)
	user.RiskFlag = true
	user.RiskCategory = risk.Category
	user.RiskReason = risk.Reason

	res := Result{
		Reply:         reply,
		UserTurn:      user,
		AssistantTurn: assistant,
		Flagged:       true,
		Source:        SourceSafetyTemplate,
	}

	persistStart := time.Now()
	defer trace.Since(observability.StagePersist, persistStart)

	// The alert goes out as soon as the flagged turn exists, so a later
	// failure cannot leave a flagged turn without its alert.
	if _, err := o.store.SaveTurn(ctx, user); err != nil {
		return Result{}, fmt.Errorf("save user turn: %w", err)
	}
	alert, err := o.alerts.Emit(ctx, alerts.Event{
		Risk:           risk,
		MinorID:        conv.MinorID,
		ConversationID: conv.ID,
		TurnID:         user.ID,
		Stage:          alerts.StageInput,
		Rules:          rules,
	})
	if err != nil {
		return Result{}, fmt.Errorf("emit alert: %w", err)
	}
	res.Alert = alert
	if _, err := o.store.SaveTurn(ctx, assistant); err != nil {
		return Result{}, fmt.Errorf("save assistant turn: %w", err)
	}
	if err := o.store.TouchConversation(ctx, conv.ID); err != nil {
		return Result{}, fmt.Errorf("touch conversation: %w", err)
	}
	return res, nil
}

func (o *Orchestrator) handleSafeInput(ctx context.Context, trace *observability.TurnTrace, conv store.Conversation, rules safety.GuardRules, text string) (Result, error) {
	contextStart := time.Now()
	p, err := o.loadPersona(ctx, conv)
	if err != nil {
		return Result{}, err
	}
	instructions := persona.Build(p, rules)

	window, err := o.store.RecentTurns(ctx, conv.ID, o.historyWindow)
	if err != nil {
		return Result{}, fmt.Errorf("load history: %w", err)
	}
	history := make([]completion.Message, 0, len(window))
	for _, t := range window {
		role := completion.RoleUser
		if t.Role == store.RoleAssistant {
			role = completion.RoleAssistant
		}
		history = append(history, completion.Message{Role: role, Text: t.Content})
	}
	trace.Since(observability.StageLoadContext, contextStart)

	genStart := time.Now()
	out := o.generator.Generate(ctx, generator.Input{
		Instructions: instructions,
		History:      history,
		Text:         text,
		Rules:        rules,
	})
	trace.Since(observability.StageGenerate, genStart)
	flagStage := ""
	if out.Flagged {
		flagStage = alerts.StageOutput
	}
	trace.Outcome(string(out.Source), flagStage)

	user, assistant := o.newTurns(conv, text, out.Text)
	if out.Flagged {
		assistant.RiskFlag = true
		assistant.RiskCategory = out.Risk.Category
		assistant.RiskReason = out.Risk.Reason
	}

	res := Result{
		Reply:         out.Text,
		UserTurn:      user,
		AssistantTurn: assistant,
		Flagged:       out.Flagged,
		Source:        string(out.Source),
	}

	persistStart := time.Now()
	defer trace.Since(observability.StagePersist, persistStart)

	if err := o.saveTurns(ctx, user, assistant); err != nil {
		return Result{}, err
	}
	if out.Flagged {
		alert, err := o.alerts.Emit(ctx, alerts.Event{
			Risk:           out.Risk,
			MinorID:        conv.MinorID,
			ConversationID: conv.ID,
			TurnID:         assistant.ID,
			Stage:          alerts.StageOutput,
			Rules:          rules,
		})
		if err != nil {
			return Result{}, fmt.Errorf("emit alert: %w", err)
		}
		res.Alert = alert
	}
	if err := o.store.TouchConversation(ctx, conv.ID); err != nil {
		return Result{}, fmt.Errorf("touch conversation: %w", err)
	}

	o.logger.Debug("turn handled",
		zap.String("conversation_id", conv.ID),
		zap.String("source", string(out.Source)),
		zap.String("topic", out.Topic),
		zap.Bool("flagged", out.Flagged),
	)
	return res, nil
}

func (o *Orchestrator) loadPersona(ctx context.Context, conv store.Conversation) (persona.Config, error) {
	if strings.TrimSpace(conv.PersonaID) == "" {
		return persona.Default, nil
	}
	p, err := o.store.Persona(ctx, conv.PersonaID)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("persona not found, using default",
			zap.String("conversation_id", conv.ID),
			zap.String("persona_id", conv.PersonaID),
		)
		return persona.Default, nil
	}
	if err != nil {
		return persona.Config{}, fmt.Errorf("load persona: %w", err)
	}
	return p, nil
}

// newTurn builds a turn with a pre-assigned ID and PII-redacted content.
func (o *Orchestrator) newTurn(conv store.Conversation, role store.Role, text string) store.Turn {
	r := safety.Redact(text)
	turn := store.Turn{
		ID:             o.newID(),
		ConversationID: conv.ID,
		MinorID:        conv.MinorID,
		Role:           role,
		Content:        r.Text,
		PIIRedacted:    r.Changed(),
		CreatedAt:      time.Now().UTC(),
	}
	if r.Changed() {
		o.metrics.ObservePIIRedaction(string(role), r.KindNames())
		o.logger.Info("personal details masked",
			zap.String("conversation_id", conv.ID),
			zap.String("turn_id", turn.ID),
			zap.String("role", string(role)),
			zap.Strings("pii_kinds", r.KindNames()),
		)
	}
	return turn
}

func (o *Orchestrator) newTurns(conv store.Conversation, text, reply string) (store.Turn, store.Turn) {
	user := o.newTurn(conv, store.RoleUser, text)
	assistant := o.newTurn(conv, store.RoleAssistant, reply)
	// Postgres keeps microseconds; the reply must sort after the message.
	if earliest := user.CreatedAt.Add(time.Microsecond); assistant.CreatedAt.Before(earliest) {
		assistant.CreatedAt = earliest
	}
	return user, assistant
}

func (o *Orchestrator) saveTurns(ctx context.Context, user, assistant store.Turn) error {
	if _, err := o.store.SaveTurn(ctx, user); err != nil {
		return fmt.Errorf("save user turn: %w", err)
	}
	if _, err := o.store.SaveTurn(ctx, assistant); err != nil {
		return fmt.Errorf("save assistant turn: %w", err)
	}
	return nil
}
