package alerts

import (
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/haven/internal/safety"
	"github.com/ent0n29/haven/internal/store"
)

func flagged() safety.Result {
	return safety.Result{Category: safety.CategorySelfHarm, Reason: "suicidal ideation"}
}

func enabledRules() safety.GuardRules {
	return safety.GuardRules{MinorID: "kid-1", FilterLevel: safety.FilterModerate, AlertsEnabled: true}
}

func TestEmitPersistsOneAlert(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	if err := s.LinkGuardian(ctx, "guardian-1", "kid-1"); err != nil {
		t.Fatalf("LinkGuardian() error = %v", err)
	}
	e := NewEmitter(s, nil, nil)

	alert, err := e.Emit(ctx, Event{
		Risk:           flagged(),
		MinorID:        "kid-1",
		ConversationID: "conv-1",
		TurnID:         "turn-1",
		Stage:          StageInput,
		Rules:          enabledRules(),
	})
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if alert == nil || alert.ID == "" {
		t.Fatalf("Emit() alert = %+v, want persisted alert", alert)
	}
	if alert.GuardianID != "guardian-1" || alert.Category != safety.CategorySelfHarm || alert.Stage != StageInput {
		t.Fatalf("alert = %+v", alert)
	}

	listed, err := s.ListAlerts(ctx, "guardian-1", 10)
	if err != nil {
		t.Fatalf("ListAlerts() error = %v", err)
	}
	if len(listed) != 1 || listed[0].TurnID != "turn-1" {
		t.Fatalf("ListAlerts() = %+v, want one alert for turn-1", listed)
	}
}

func TestEmitNoops(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	_ = s.LinkGuardian(ctx, "guardian-1", "kid-1")
	e := NewEmitter(s, nil, nil)

	disabled := enabledRules()
	disabled.AlertsEnabled = false

	cases := []struct {
		name string
		ev   Event
	}{
		{"safe risk", Event{Risk: safety.Result{Safe: true}, MinorID: "kid-1", TurnID: "t1", Rules: enabledRules()}},
		{"alerts disabled", Event{Risk: flagged(), MinorID: "kid-1", TurnID: "t2", Rules: disabled}},
		{"no guardian", Event{Risk: flagged(), MinorID: "kid-2", TurnID: "t3", Rules: enabledRules()}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			alert, err := e.Emit(ctx, tc.ev)
			if err != nil {
				t.Fatalf("Emit() error = %v", err)
			}
			if alert != nil {
				t.Fatalf("Emit() alert = %+v, want nil", alert)
			}
		})
	}

	listed, _ := s.ListAlerts(ctx, "guardian-1", 10)
	if len(listed) != 0 {
		t.Fatalf("len(alerts) = %d, want 0", len(listed))
	}
}

type failingStore struct {
	lookupErr error
	saveErr   error
	saves     int
}

func (f *failingStore) GuardianOf(context.Context, string) (string, bool, error) {
	if f.lookupErr != nil {
		return "", false, f.lookupErr
	}
	return "guardian-1", true, nil
}

func (f *failingStore) SaveAlert(context.Context, store.Alert) (string, error) {
	f.saves++
	return "", f.saveErr
}

func TestEmitPropagatesStoreErrors(t *testing.T) {
	boom := errors.New("disk full")
	ev := Event{Risk: flagged(), MinorID: "kid-1", TurnID: "turn-1", Rules: enabledRules()}

	fs := &failingStore{saveErr: boom}
	if _, err := NewEmitter(fs, nil, nil).Emit(context.Background(), ev); !errors.Is(err, boom) {
		t.Fatalf("Emit() error = %v, want %v", err, boom)
	}
	if fs.saves != 1 {
		t.Fatalf("saves = %d, want 1 (no retry)", fs.saves)
	}

	fs = &failingStore{lookupErr: boom}
	if _, err := NewEmitter(fs, nil, nil).Emit(context.Background(), ev); !errors.Is(err, boom) {
		t.Fatalf("Emit() lookup error = %v, want %v", err, boom)
	}
	if fs.saves != 0 {
		t.Fatalf("saves = %d, want 0", fs.saves)
	}
}

func TestEmitRequiresTurnID(t *testing.T) {
	e := NewEmitter(store.NewInMemoryStore(), nil, nil)
	if _, err := e.Emit(context.Background(), Event{Risk: flagged(), MinorID: "kid-1", Rules: enabledRules()}); err == nil {
		t.Fatalf("Emit() error = nil, want missing turn id error")
	}
}
