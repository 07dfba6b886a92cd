package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Pipeline stages recorded on a TurnTrace.
const (
	StageClassifyInput = "classify_input"
	StageLoadContext   = "load_context"
	StageGenerate      = "generate"
	StagePersist       = "persist"
)

// p95 latency budgets per stage in milliseconds. "turn" is the whole turn.
var stageBudgetsMS = map[string]float64{
	StageClassifyInput: 5,
	StageLoadContext:   40,
	StageGenerate:      2500,
	StagePersist:       60,
	"turn":             3000,
}

// TurnTrace collects the stage timings and outcome of a single turn. A nil
// trace ignores every call.
type TurnTrace struct {
	start  time.Time
	total  time.Duration
	stages map[string]time.Duration

	Source    string
	FlagStage string
	Failed    bool
}

func StartTurnTrace() *TurnTrace {
	return &TurnTrace{start: time.Now(), stages: make(map[string]time.Duration, 4)}
}

// Since adds the time elapsed from start to the named stage. Repeated stages
// accumulate.
func (t *TurnTrace) Since(stage string, start time.Time) {
	if t == nil || stage == "" {
		return
	}
	t.stages[stage] += time.Since(start)
}

// Outcome records where the reply came from and which screening stage, if
// any, flagged the turn.
func (t *TurnTrace) Outcome(source, flagStage string) {
	if t == nil {
		return
	}
	t.Source = source
	t.FlagStage = flagStage
}

// Finish stops the clock. A turn that ended in err counts as failed.
func (t *TurnTrace) Finish(err error) {
	if t == nil {
		return
	}
	t.total = time.Since(t.start)
	t.Failed = err != nil
}

func (t *TurnTrace) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	if t.total > 0 {
		return t.total
	}
	return time.Since(t.start)
}

type StageLatency struct {
	Stage         string  `json:"stage"`
	Samples       int     `json:"samples"`
	AvgMS         float64 `json:"avg_ms"`
	P50MS         float64 `json:"p50_ms"`
	P95MS         float64 `json:"p95_ms"`
	BudgetP95MS   float64 `json:"budget_p95_ms,omitempty"`
	OverBudgetP95 bool    `json:"over_budget_p95,omitempty"`
}

type SourceShare struct {
	Source     string  `json:"source"`
	Turns      int     `json:"turns"`
	Share      float64 `json:"share"`
	P95TurnMS  float64 `json:"p95_turn_ms"`
	FlaggedOut int     `json:"flagged_output,omitempty"`
}

type FlagCounts struct {
	Input  int     `json:"input"`
	Output int     `json:"output"`
	Rate   float64 `json:"rate"`
}

// TurnWindowSnapshot summarizes the most recent turns held by the window.
type TurnWindowSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Turns       int            `json:"turns"`
	Failed      int            `json:"failed"`
	Stages      []StageLatency `json:"stages"`
	Sources     []SourceShare  `json:"sources"`
	Flags       FlagCounts     `json:"flags"`
}

type turnSample struct {
	source    string
	flagStage string
	failed    bool
	totalMS   float64
	stagesMS  map[string]float64
}

// turnWindow keeps the last capacity turns in a ring.
type turnWindow struct {
	mu       sync.Mutex
	capacity int
	samples  []turnSample
	next     int
}

func newTurnWindow(capacity int) *turnWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &turnWindow{capacity: capacity, samples: make([]turnSample, 0, capacity)}
}

func (w *turnWindow) Add(t *TurnTrace) {
	if w == nil || t == nil {
		return
	}
	s := turnSample{
		source:    t.Source,
		flagStage: t.FlagStage,
		failed:    t.Failed,
		totalMS:   toMS(t.Elapsed()),
		stagesMS:  make(map[string]float64, len(t.stages)),
	}
	for stage, d := range t.stages {
		s.stagesMS[stage] = toMS(d)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) < w.capacity {
		w.samples = append(w.samples, s)
		return
	}
	w.samples[w.next] = s
	w.next = (w.next + 1) % w.capacity
}

func (w *turnWindow) Snapshot() TurnWindowSnapshot {
	snap := TurnWindowSnapshot{
		GeneratedAt: time.Now().UTC(),
		Stages:      []StageLatency{},
		Sources:     []SourceShare{},
	}
	if w == nil {
		return snap
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	snap.WindowSize = w.capacity
	snap.Turns = len(w.samples)

	byStage := make(map[string][]float64)
	bySource := make(map[string][]float64)
	flaggedOut := make(map[string]int)
	for _, s := range w.samples {
		if s.failed {
			snap.Failed++
			continue
		}
		for stage, ms := range s.stagesMS {
			byStage[stage] = append(byStage[stage], ms)
		}
		byStage["turn"] = append(byStage["turn"], s.totalMS)
		bySource[s.source] = append(bySource[s.source], s.totalMS)
		switch s.flagStage {
		case "input":
			snap.Flags.Input++
		case "output":
			snap.Flags.Output++
			flaggedOut[s.source]++
		}
	}

	for _, stage := range sortedKeys(byStage) {
		values := byStage[stage]
		sort.Float64s(values)
		l := StageLatency{
			Stage:       stage,
			Samples:     len(values),
			AvgMS:       round2(mean(values)),
			P50MS:       round2(percentile(values, 0.50)),
			P95MS:       round2(percentile(values, 0.95)),
			BudgetP95MS: stageBudgetsMS[stage],
		}
		l.OverBudgetP95 = l.BudgetP95MS > 0 && l.P95MS > l.BudgetP95MS
		snap.Stages = append(snap.Stages, l)
	}

	completed := snap.Turns - snap.Failed
	for _, source := range sortedKeys(bySource) {
		values := bySource[source]
		sort.Float64s(values)
		snap.Sources = append(snap.Sources, SourceShare{
			Source:     source,
			Turns:      len(values),
			Share:      round2(float64(len(values)) / float64(completed)),
			P95TurnMS:  round2(percentile(values, 0.95)),
			FlaggedOut: flaggedOut[source],
		})
	}
	if completed > 0 {
		snap.Flags.Rate = round2(float64(snap.Flags.Input+snap.Flags.Output) / float64(completed))
	}
	return snap
}

func (w *turnWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = w.samples[:0]
	w.next = 0
}

func sortedKeys(m map[string][]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// percentile interpolates linearly between closest ranks of sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(pos)), int(math.Ceil(pos))
	if lo < 0 {
		return sorted[0]
	}
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func toMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
