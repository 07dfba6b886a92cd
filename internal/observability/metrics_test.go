package observability

import (
	"testing"
	"time"
)

func TestMetricsObserveTurnTrace(t *testing.T) {
	m := NewMetrics("test_observability_" + time.Now().Format("150405") + "_" + time.Now().Format("000000000"))
	tr := fixedTrace("safety_template", "input", 4*time.Millisecond, map[string]time.Duration{
		StageClassifyInput: 1500 * time.Microsecond,
	})
	m.ObserveTurnTrace(tr)
	m.ObserveRiskFlag("input", "self_harm")
	m.ObserveTurn("flagged")

	snap := m.SnapshotTurns()
	if len(snap.Stages) != 2 || snap.Stages[0].Stage != StageClassifyInput {
		t.Fatalf("Stages = %+v, want classify_input and turn", snap.Stages)
	}
	if snap.Stages[0].P50MS != 1.5 || snap.Stages[0].BudgetP95MS != 5 {
		t.Fatalf("classify_input = %+v, want p50 1.5 against budget 5", snap.Stages[0])
	}
	if snap.Flags.Input != 1 {
		t.Fatalf("Flags = %+v, want one input flag", snap.Flags)
	}

	m.ResetTurns()
	if got := m.SnapshotTurns().Turns; got != 0 {
		t.Fatalf("Turns after ResetTurns = %d, want 0", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveTurnTrace(StartTurnTrace())
	m.ObserveRiskFlag("output", "dangerous_behavior")
	m.ObserveCompletionFailure("openai", "timeout")
	m.ObserveGenerationSource("fallback")
	m.ObserveAlert("self_harm")
	m.ObservePIIRedaction("user", []string{"email"})
	m.ObserveTurn("ok")
	m.ObserveTurnLatency(time.Millisecond)
	if snap := m.SnapshotTurns(); len(snap.Stages) != 0 || snap.WindowSize != 0 {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}
}
