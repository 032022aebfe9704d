// Package metrics records per-turn timing traces and keeps rolling latency
// statistics for each pipeline stage. Recording is best effort: nothing in
// here may fail or panic into the caller.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/discord-voice-lab/voiceloop/internal/logging"
)

// Event is one timed step inside a trace.
type Event struct {
	Component string        `json:"component"`
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

// TraceSummary is what CompleteTrace returns.
type TraceSummary struct {
	ID      string            `json:"id"`
	Started time.Time         `json:"started"`
	Total   time.Duration     `json:"total"`
	Outcome string            `json:"outcome"`
	Events  []Event           `json:"events"`
	Labels  map[string]string `json:"labels,omitempty"`
}

type trace struct {
	started time.Time
	labels  map[string]string
	events  []Event
}

// Recorder is safe for concurrent use by all sessions.
type Recorder struct {
	window    int
	maxTraces int
	now       func() time.Time
	prom      *promMetrics

	mu     sync.Mutex
	traces map[string]*trace
	stages map[string]*rolling
	recent []TraceSummary
}

type Option func(*Recorder)

// WithRegistry exports stage durations and counters to reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(r *Recorder) {
		if reg != nil {
			r.prom = newPromMetrics(reg)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder keeps the last window samples per stage.
func NewRecorder(window int, opts ...Option) *Recorder {
	if window <= 0 {
		window = 1000
	}
	r := &Recorder{
		window:    window,
		maxTraces: 1024,
		now:       time.Now,
		traces:    make(map[string]*trace),
		stages:    make(map[string]*rolling),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Recorder) guard(op string) {
	if rec := recover(); rec != nil {
		logging.Warnw("metrics: recording failed", "op", op, "panic", rec)
	}
}

// StartTrace opens a trace for a turn. Starting an id twice restarts it.
func (r *Recorder) StartTrace(id string, labels map[string]string) {
	if r == nil {
		return
	}
	defer r.guard("start_trace")
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.traces) >= r.maxTraces {
		logging.Warnw("metrics: too many open traces, dropping oldest", "open", len(r.traces))
		r.dropOldestLocked()
	}
	r.traces[id] = &trace{started: r.now(), labels: labels}
}

func (r *Recorder) dropOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, t := range r.traces {
		if oldestID == "" || t.started.Before(oldest) {
			oldestID, oldest = id, t.started
		}
	}
	delete(r.traces, oldestID)
}

// AddEvent records a timed step in trace id and in the stage statistics.
// Unknown trace ids still feed the statistics.
func (r *Recorder) AddEvent(id, component, operation string, d time.Duration) {
	if r == nil {
		return
	}
	defer r.guard("add_event")
	r.mu.Lock()
	if t, ok := r.traces[id]; ok {
		t.events = append(t.events, Event{Component: component, Operation: operation, Duration: d, At: r.now()})
	}
	r.observeLocked(component, operation, d)
	r.mu.Unlock()
	if r.prom != nil {
		r.prom.observe(component, operation, d)
	}
}

// Observe records a stage duration outside any trace.
func (r *Recorder) Observe(component, operation string, d time.Duration) {
	if r == nil {
		return
	}
	defer r.guard("observe")
	r.mu.Lock()
	r.observeLocked(component, operation, d)
	r.mu.Unlock()
	if r.prom != nil {
		r.prom.observe(component, operation, d)
	}
}

func (r *Recorder) observeLocked(component, operation string, d time.Duration) {
	key := component + "." + operation
	s, ok := r.stages[key]
	if !ok {
		s = newRolling(r.window)
		r.stages[key] = s
	}
	s.add(d)
}

// CompleteTrace closes trace id with an outcome and returns its summary.
// The total is also recorded as the "turn.total" stage.
func (r *Recorder) CompleteTrace(id, outcome string) (summary TraceSummary, ok bool) {
	if r == nil {
		return TraceSummary{}, false
	}
	defer r.guard("complete_trace")
	r.mu.Lock()
	t, found := r.traces[id]
	if !found {
		r.mu.Unlock()
		return TraceSummary{}, false
	}
	delete(r.traces, id)
	total := r.now().Sub(t.started)
	summary = TraceSummary{ID: id, Started: t.started, Total: total, Outcome: outcome, Events: t.events, Labels: t.labels}
	r.observeLocked("turn", "total", total)
	r.recent = append(r.recent, summary)
	if len(r.recent) > 50 {
		r.recent = r.recent[len(r.recent)-50:]
	}
	r.mu.Unlock()

	if r.prom != nil {
		r.prom.observe("turn", "total", total)
		r.prom.turns.WithLabelValues(outcome).Inc()
	}
	return summary, true
}

// RecordVAD counts a turn-end evaluation result.
func (r *Recorder) RecordVAD(result string) {
	if r == nil || r.prom == nil {
		return
	}
	defer r.guard("record_vad")
	r.prom.vadDecisions.WithLabelValues(result).Inc()
}

func (r *Recorder) RecordEchoDrop() {
	if r == nil || r.prom == nil {
		return
	}
	defer r.guard("record_echo_drop")
	r.prom.echoDrops.Inc()
}

func (r *Recorder) RecordInterrupt() {
	if r == nil || r.prom == nil {
		return
	}
	defer r.guard("record_interrupt")
	r.prom.interrupts.Inc()
}

// SessionOpened and SessionClosed track the active session gauge.
func (r *Recorder) SessionOpened() {
	if r == nil || r.prom == nil {
		return
	}
	r.prom.activeSessions.Inc()
}

func (r *Recorder) SessionClosed() {
	if r == nil || r.prom == nil {
		return
	}
	r.prom.activeSessions.Dec()
}

// Snapshot returns stage statistics sorted by component then operation.
func (r *Recorder) Snapshot() []StageStats {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StageStats, 0, len(r.stages))
	for key, s := range r.stages {
		component, operation, _ := strings.Cut(key, ".")
		out = append(out, s.stats(component, operation))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Component != out[j].Component {
			return out[i].Component < out[j].Component
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}

// Recent returns the last completed traces, newest last.
func (r *Recorder) Recent() []TraceSummary {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TraceSummary(nil), r.recent...)
}

// Summary renders the stage statistics as a human-readable table.
func (r *Recorder) Summary() string {
	stats := r.Snapshot()
	if len(stats) == 0 {
		return "no pipeline activity recorded"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-28s %8s %9s %9s %9s %9s\n", "stage", "count", "mean", "p50", "p95", "p99")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-28s %8d %9s %9s %9s %9s\n", s.Component+"."+s.Operation, s.Count,
			round(s.Mean), round(s.P50), round(s.P95), round(s.P99))
	}
	return b.String()
}

func round(d time.Duration) string { return d.Round(time.Millisecond).String() }

// StartSummaryLoop logs Summary on the cron schedule until stop is called.
func (r *Recorder) StartSummaryLoop(schedule string) (stop func(), err error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		defer r.guard("summary")
		logging.Infow("metrics: pipeline summary", "summary", r.Summary())
	}); err != nil {
		return nil, fmt.Errorf("metrics summary schedule %q: %w", schedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
