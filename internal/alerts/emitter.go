package alerts

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/haven/internal/observability"
	"github.com/ent0n29/haven/internal/safety"
	"github.com/ent0n29/haven/internal/store"
)

// Screening stages an alert can originate from.
const (
	StageInput  = "input"
	StageOutput = "output"
)

// Store is the subset of store.Store the emitter needs.
type Store interface {
	GuardianOf(ctx context.Context, minorID string) (string, bool, error)
	SaveAlert(ctx context.Context, alert store.Alert) (string, error)
}

// Event describes one flagged turn.
type Event struct {
	Risk           safety.Result
	MinorID        string
	ConversationID string
	TurnID         string
	Stage          string
	Rules          safety.GuardRules
}

// Emitter records guardian alerts for flagged turns.
type Emitter struct {
	store   Store
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewEmitter(s Store, logger *zap.Logger, metrics *observability.Metrics) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{store: s, logger: logger, metrics: metrics}
}

// Emit persists one alert for the event. It returns (nil, nil) without
// writing when the risk is safe, the minor's rules disable alerts, or no
// guardian is linked to the minor. Failures are returned, never retried.
func (e *Emitter) Emit(ctx context.Context, ev Event) (*store.Alert, error) {
	if ev.Risk.Safe || !ev.Rules.AlertsEnabled {
		return nil, nil
	}
	if strings.TrimSpace(ev.TurnID) == "" {
		return nil, fmt.Errorf("emit alert: turn id is required")
	}

	guardianID, ok, err := e.store.GuardianOf(ctx, ev.MinorID)
	if err != nil {
		return nil, fmt.Errorf("lookup guardian: %w", err)
	}
	if !ok {
		e.logger.Info("no guardian linked, alert skipped",
			zap.String("minor_id", ev.MinorID),
			zap.String("turn_id", ev.TurnID),
		)
		return nil, nil
	}

	stage := ev.Stage
	if stage == "" {
		stage = StageInput
	}
	alert := store.Alert{
		GuardianID:     guardianID,
		MinorID:        ev.MinorID,
		ConversationID: ev.ConversationID,
		TurnID:         ev.TurnID,
		Category:       ev.Risk.Category,
		Reason:         ev.Risk.Reason,
		Stage:          stage,
	}
	id, err := e.store.SaveAlert(ctx, alert)
	if err != nil {
		return nil, fmt.Errorf("save alert: %w", err)
	}
	alert.ID = id

	e.metrics.ObserveAlert(string(alert.Category))
	e.logger.Info("guardian alert recorded",
		zap.String("alert_id", alert.ID),
		zap.String("guardian_id", guardianID),
		zap.String("minor_id", ev.MinorID),
		zap.String("category", string(alert.Category)),
		zap.String("stage", stage),
	)
	return &alert, nil
}
