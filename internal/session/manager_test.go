package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("kid-1", "conv-1", "sage")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.MinorID != "kid-1" || got.ConversationID != "conv-1" || got.PersonaID != "sage" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	active, err := m.ActiveForMinor("kid-1")
	if err != nil || active.ID != s.ID {
		t.Fatalf("ActiveForMinor() = %+v, %v", active, err)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if _, err := m.ActiveForMinor("kid-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ActiveForMinor() after End error = %v, want ErrNotFound", err)
	}
	if err := m.StartTurn(s.ID, "turn-1"); !errors.Is(err, ErrEnded) {
		t.Fatalf("StartTurn() on ended session error = %v, want ErrEnded", err)
	}
}

func TestManagerFinishTurnCounts(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("kid-1", "conv-1", "")
	if err := m.StartTurn(s.ID, "turn-1"); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if err := m.FinishTurn(s.ID, false); err != nil {
		t.Fatalf("FinishTurn() error = %v", err)
	}
	if err := m.StartTurn(s.ID, "turn-2"); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if err := m.FinishTurn(s.ID, true); err != nil {
		t.Fatalf("FinishTurn() error = %v", err)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ActiveTurnID != "" {
		t.Fatalf("ActiveTurnID = %q, want empty", got.ActiveTurnID)
	}
	if got.TurnCount != 2 || got.FlaggedCount != 1 {
		t.Fatalf("TurnCount/FlaggedCount = %d/%d, want 2/1", got.TurnCount, got.FlaggedCount)
	}
	if err := m.FinishTurn("missing", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FinishTurn(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerEndKeepsNewerMinorSession(t *testing.T) {
	m := NewManager(time.Minute)
	first := m.Create("kid-1", "conv-1", "")
	second := m.Create("kid-1", "conv-2", "")
	if _, err := m.End(first.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	active, err := m.ActiveForMinor("kid-1")
	if err != nil {
		t.Fatalf("ActiveForMinor() error = %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("ActiveForMinor() = %s, want %s", active.ID, second.ID)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("kid-1", "conv-1", "")

	var (
		mu      sync.Mutex
		expired []string
	)
	m.SetExpireHook(func(s *Session) {
		mu.Lock()
		defer mu.Unlock()
		expired = append(expired, s.ID)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != s.ID {
		t.Fatalf("expired = %v, want [%s]", expired, s.ID)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}
