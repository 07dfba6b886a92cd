package generator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/haven/internal/completion"
	"github.com/ent0n29/haven/internal/observability"
	"github.com/ent0n29/haven/internal/safety"
)

// State is one step of a generation attempt.
type State string

const (
	StateIdle       State = "idle"
	StateRequesting State = "requesting"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateReady      State = "ready"
)

// Source tells where a reply came from.
type Source string

const (
	SourceUpstream Source = "upstream"
	SourceFallback Source = "fallback"
)

// Input is everything needed to produce one reply.
type Input struct {
	Instructions string
	History      []completion.Message
	Text         string
	Rules        safety.GuardRules
}

// Output is a screened reply. Text is never empty.
type Output struct {
	Text   string
	Source Source
	// Topic is the fallback topic that produced Text, empty for upstream replies.
	Topic string
	// Flagged is set when output screening replaced the reply with a safety template.
	Flagged       bool
	Risk          safety.Result
	FailureReason string
	States        []State
}

type Option func(*Generator)

func WithLogger(logger *zap.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithTopics replaces the fallback dispatch table.
func WithTopics(topics []Topic) Option {
	return func(g *Generator) { g.topics = compileTopics(topics) }
}

// Generator obtains replies from a completion client, falling back to local
// topic replies on any failure. It makes a single attempt per call.
type Generator struct {
	client   completion.Client
	provider string
	topics   []Topic
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// New builds a Generator. A nil or Disabled client always uses the fallback
// table without entering the requesting state.
func New(client completion.Client, provider string, opts ...Option) *Generator {
	if _, ok := client.(completion.Disabled); ok {
		client = nil
	}
	g := &Generator{
		client:   client,
		provider: strings.TrimSpace(provider),
		topics:   compileTopics(DefaultTopics),
		logger:   zap.NewNop(),
	}
	if g.provider == "" {
		g.provider = "unknown"
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Generate(ctx context.Context, in Input) Output {
	out := Output{States: []State{StateIdle}}

	reply, err := g.request(ctx, in, &out)
	if err != nil {
		out.States = append(out.States, StateFailed)
		out.FailureReason = completion.FailureClass(err)
		out.Source = SourceFallback
		reply, out.Topic = fallbackReply(g.topics, in.Text)

		g.metrics.ObserveCompletionFailure(g.provider, out.FailureReason)
		if out.FailureReason != "not_configured" {
			g.logger.Warn("completion failed, using fallback reply",
				zap.String("provider", g.provider),
				zap.String("class", out.FailureReason),
				zap.String("topic", out.Topic),
				zap.Error(err),
			)
		}
	} else {
		out.States = append(out.States, StateCompleted)
		out.Source = SourceUpstream
	}
	g.metrics.ObserveGenerationSource(string(out.Source))

	out.Risk = safety.Classify(reply, in.Rules)
	if !out.Risk.Safe {
		out.Flagged = true
		reply = safety.ResponseFor(out.Risk.Category)
		g.metrics.ObserveRiskFlag("output", string(out.Risk.Category))
		g.logger.Info("generated reply replaced by safety template",
			zap.String("source", string(out.Source)),
			zap.String("category", string(out.Risk.Category)),
			zap.String("reason", out.Risk.Reason),
		)
	}

	out.Text = reply
	out.States = append(out.States, StateReady)
	return out
}

func (g *Generator) request(ctx context.Context, in Input, out *Output) (string, error) {
	if g.client == nil {
		return "", completion.ErrNotConfigured
	}
	out.States = append(out.States, StateRequesting)

	req := completion.Request{
		Instructions: in.Instructions,
		History:      make([]completion.Message, 0, len(in.History)),
	}
	for _, m := range in.History {
		req.History = append(req.History, completion.Message{Role: m.Role, Text: safety.Redact(m.Text).Text})
	}
	req.Text = safety.Redact(in.Text).Text

	resp, err := g.client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	reply := strings.TrimSpace(resp.Text)
	if reply == "" {
		return "", completion.ErrEmptyReply
	}
	return reply, nil
}
