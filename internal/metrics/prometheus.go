package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voiceloop"

type promMetrics struct {
	stageDuration  *prometheus.HistogramVec
	turns          *prometheus.CounterVec
	vadDecisions   *prometheus.CounterVec
	echoDrops      prometheus.Counter
	interrupts     prometheus.Counter
	activeSessions prometheus.Gauge
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	p := &promMetrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages by component and operation.",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"component", "operation"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by outcome.",
		}, []string{"outcome"}),
		vadDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vad_decisions_total",
			Help:      "Turn-end evaluations by result.",
		}, []string{"result"}),
		echoDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_drops_total",
			Help:      "Transcripts dropped as assistant echo.",
		}),
		interrupts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Confirmed user interruptions of playback.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently open.",
		}),
	}
	reg.MustRegister(p.stageDuration, p.turns, p.vadDecisions, p.echoDrops, p.interrupts, p.activeSessions)
	return p
}

func (p *promMetrics) observe(component, operation string, d time.Duration) {
	p.stageDuration.WithLabelValues(component, operation).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
