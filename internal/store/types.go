package store

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/haven/internal/persona"
	"github.com/ent0n29/haven/internal/safety"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrDuplicateAlert = errors.New("alert already recorded for turn")
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one persisted message. Risk fields are fixed at creation; the store
// has no operation that updates a turn.
type Turn struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	MinorID        string          `json:"minor_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	PIIRedacted    bool            `json:"pii_redacted"`
	RiskFlag       bool            `json:"risk_flag"`
	RiskCategory   safety.Category `json:"risk_category,omitempty"`
	RiskReason     string          `json:"risk_reason,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Alert is a guardian-facing notification about one flagged turn.
type Alert struct {
	ID             string          `json:"id"`
	GuardianID     string          `json:"guardian_id"`
	MinorID        string          `json:"minor_id"`
	ConversationID string          `json:"conversation_id"`
	TurnID         string          `json:"turn_id"`
	Category       safety.Category `json:"category"`
	Reason         string          `json:"reason"`
	Stage          string          `json:"stage"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Conversation struct {
	ID        string    `json:"id" yaml:"id"`
	MinorID   string    `json:"minor_id" yaml:"minor_id"`
	PersonaID string    `json:"persona_id,omitempty" yaml:"persona_id"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Store persists conversations, turns, alerts and guardian configuration.
// Rules and personas are validated on write and returned typed on read.
type Store interface {
	SaveTurn(ctx context.Context, turn Turn) (string, error)
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]Turn, error)

	SaveAlert(ctx context.Context, alert Alert) (string, error)
	ListAlerts(ctx context.Context, guardianID string, limit int) ([]Alert, error)

	CreateConversation(ctx context.Context, c Conversation) (Conversation, error)
	Conversation(ctx context.Context, id string) (Conversation, error)
	TouchConversation(ctx context.Context, id string) error

	PutGuardRules(ctx context.Context, rules safety.GuardRules) error
	GuardRules(ctx context.Context, minorID string) (safety.GuardRules, error)

	SavePersona(ctx context.Context, p persona.Config) error
	Persona(ctx context.Context, id string) (persona.Config, error)

	LinkGuardian(ctx context.Context, guardianID, minorID string) error
	GuardianOf(ctx context.Context, minorID string) (string, bool, error)

	Close() error
}

const defaultListLimit = 50

func prepareRules(rules safety.GuardRules) (safety.GuardRules, error) {
	rules = rules.Normalize()
	if err := rules.Validate(); err != nil {
		return safety.GuardRules{}, err
	}
	if rules.UpdatedAt.IsZero() {
		rules.UpdatedAt = time.Now().UTC()
	}
	return rules, nil
}

func preparePersona(p persona.Config) (persona.Config, error) {
	if err := p.Validate(); err != nil {
		return persona.Config{}, err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	return p, nil
}
