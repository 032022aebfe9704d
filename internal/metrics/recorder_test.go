package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func TestTraceLifecycle(t *testing.T) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	r := NewRecorder(100, WithClock(clk.Now))

	r.StartTrace("turn-1", map[string]string{"session_id": "s1"})
	r.AddEvent("turn-1", "stt", "transcribe", 120*time.Millisecond)
	r.AddEvent("turn-1", "llm", "generate", 800*time.Millisecond)
	clk.t = clk.t.Add(time.Second)

	sum, ok := r.CompleteTrace("turn-1", "completed")
	require.True(t, ok)
	assert.Equal(t, time.Second, sum.Total)
	assert.Equal(t, "completed", sum.Outcome)
	require.Len(t, sum.Events, 2)
	assert.Equal(t, "stt", sum.Events[0].Component)
	assert.Equal(t, "s1", sum.Labels["session_id"])

	_, ok = r.CompleteTrace("turn-1", "completed")
	assert.False(t, ok)
	assert.Len(t, r.Recent(), 1)
}

func TestStageStatistics(t *testing.T) {
	r := NewRecorder(1000)
	for i := 1; i <= 100; i++ {
		r.Observe("vad", "evaluate", time.Duration(i)*time.Millisecond)
	}
	r.AddEvent("missing", "tts", "synthesize", 50*time.Millisecond)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "tts", snap[0].Component)

	vad := snap[1]
	assert.Equal(t, int64(100), vad.Count)
	assert.Equal(t, 50500*time.Microsecond, vad.Mean)
	assert.Equal(t, 50*time.Millisecond, vad.P50)
	assert.Equal(t, 95*time.Millisecond, vad.P95)
	assert.Equal(t, 99*time.Millisecond, vad.P99)
	assert.Equal(t, 100*time.Millisecond, vad.Max)
}

func TestRollingWindowKeepsRecentSamples(t *testing.T) {
	r := NewRecorder(10)
	for i := 0; i < 10; i++ {
		r.Observe("stt", "transcribe", time.Second)
	}
	for i := 0; i < 10; i++ {
		r.Observe("stt", "transcribe", time.Millisecond)
	}
	s := r.Snapshot()[0]
	assert.Equal(t, int64(20), s.Count)
	assert.Equal(t, time.Millisecond, s.Max)
}

func TestSummaryText(t *testing.T) {
	r := NewRecorder(10)
	assert.Equal(t, "no pipeline activity recorded", r.Summary())
	r.Observe("llm", "generate", 1234*time.Millisecond)
	out := r.Summary()
	assert.Contains(t, out, "llm.generate")
	assert.Contains(t, out, "1.234s")
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.StartTrace("x", nil)
	r.AddEvent("x", "a", "b", time.Second)
	r.Observe("a", "b", time.Second)
	r.RecordVAD("turn_end")
	r.SessionOpened()
	_, ok := r.CompleteTrace("x", "done")
	assert.False(t, ok)
	assert.Nil(t, r.Snapshot())
}

func TestOpenTraceLimit(t *testing.T) {
	clk := &clock{t: time.Unix(1700000000, 0)}
	r := NewRecorder(10, WithClock(clk.Now))
	r.maxTraces = 2
	r.StartTrace("a", nil)
	clk.t = clk.t.Add(time.Second)
	r.StartTrace("b", nil)
	clk.t = clk.t.Add(time.Second)
	r.StartTrace("c", nil)

	_, ok := r.CompleteTrace("a", "x")
	assert.False(t, ok)
	_, ok = r.CompleteTrace("c", "x")
	assert.True(t, ok)
}

func TestPrometheusExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(10, WithRegistry(reg))
	r.SessionOpened()
	r.StartTrace("t", nil)
	r.AddEvent("t", "stt", "transcribe", 100*time.Millisecond)
	r.CompleteTrace("t", "completed")
	r.RecordVAD("turn_end")
	r.RecordEchoDrop()
	r.RecordInterrupt()

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"voiceloop_stage_duration_seconds",
		"voiceloop_turns_total",
		"voiceloop_vad_decisions_total",
		"voiceloop_echo_drops_total",
		"voiceloop_interrupts_total",
		"voiceloop_active_sessions",
	} {
		assert.True(t, names[want], want)
	}

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), `voiceloop_turns_total{outcome="completed"} 1`))
}

func TestSummaryLoopSchedule(t *testing.T) {
	r := NewRecorder(10)
	_, err := r.StartSummaryLoop("every now and then")
	assert.Error(t, err)
	stop, err := r.StartSummaryLoop("@every 1m")
	require.NoError(t, err)
	stop()
}
