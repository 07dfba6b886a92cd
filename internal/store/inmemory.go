package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/haven/internal/persona"
	"github.com/ent0n29/haven/internal/safety"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu            sync.RWMutex
	turns         map[string][]Turn
	alerts        []Alert
	alertTurns    map[string]struct{}
	conversations map[string]Conversation
	rules         map[string]safety.GuardRules
	personas      map[string]persona.Config
	guardians     map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns:         make(map[string][]Turn),
		alertTurns:    make(map[string]struct{}),
		conversations: make(map[string]Conversation),
		rules:         make(map[string]safety.GuardRules),
		personas:      make(map[string]persona.Config),
		guardians:     make(map[string]string),
	}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, turn Turn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.turns[turn.ConversationID] = append(s.turns[turn.ConversationID], turn)
	return turn.ID, nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, conversationID string, limit int) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[conversationID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Turn, 0, limit)
	out = append(out, arr[len(arr)-limit:]...)
	return out, nil
}

func (s *InMemoryStore) SaveAlert(_ context.Context, alert Alert) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.alertTurns[alert.TurnID]; dup {
		return "", ErrDuplicateAlert
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	s.alerts = append(s.alerts, alert)
	s.alertTurns[alert.TurnID] = struct{}{}
	return alert.ID, nil
}

// ListAlerts returns the guardian's alerts newest first.
func (s *InMemoryStore) ListAlerts(_ context.Context, guardianID string, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Alert, 0)
	for i := len(s.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if s.alerts[i].GuardianID == guardianID {
			out = append(out, s.alerts[i])
		}
	}
	return out, nil
}

func (s *InMemoryStore) CreateConversation(_ context.Context, c Conversation) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if existing, ok := s.conversations[c.ID]; ok {
		return existing, nil
	}
	s.conversations[c.ID] = c
	return c, nil
}

func (s *InMemoryStore) Conversation(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemoryStore) TouchConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.UpdatedAt = time.Now().UTC()
	s.conversations[id] = c
	return nil
}

func (s *InMemoryStore) PutGuardRules(_ context.Context, rules safety.GuardRules) error {
	rules, err := prepareRules(rules)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rules.MinorID] = rules
	return nil
}

func (s *InMemoryStore) GuardRules(_ context.Context, minorID string) (safety.GuardRules, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[minorID]
	if !ok {
		return safety.GuardRules{}, ErrNotFound
	}
	return cloneRules(r), nil
}

func (s *InMemoryStore) SavePersona(_ context.Context, p persona.Config) error {
	p, err := preparePersona(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personas[p.ID] = p
	return nil
}

func (s *InMemoryStore) Persona(_ context.Context, id string) (persona.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.personas[id]
	if !ok {
		return persona.Config{}, ErrNotFound
	}
	return clonePersona(p), nil
}

func (s *InMemoryStore) LinkGuardian(_ context.Context, guardianID, minorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guardians[minorID] = guardianID
	return nil
}

func (s *InMemoryStore) GuardianOf(_ context.Context, minorID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.guardians[minorID]
	return g, ok, nil
}

func (s *InMemoryStore) Close() error { return nil }

func cloneRules(r safety.GuardRules) safety.GuardRules {
	r.AllowedTopics = append([]string(nil), r.AllowedTopics...)
	r.BlockedKeywords = append([]string(nil), r.BlockedKeywords...)
	return r
}

func clonePersona(p persona.Config) persona.Config {
	p.PersonalityTraits = append([]string(nil), p.PersonalityTraits...)
	if p.ValueFlags != nil {
		flags := make(map[string]string, len(p.ValueFlags))
		for k, v := range p.ValueFlags {
			flags[k] = v
		}
		p.ValueFlags = flags
	}
	return p
}
