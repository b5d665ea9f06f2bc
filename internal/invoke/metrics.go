package invoke

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels recorded for every invocation.
const (
	OutcomeOK               = "ok"
	OutcomeToolError        = "tool_error"
	OutcomeTimeout          = "timeout"
	OutcomeCanceled         = "canceled"
	OutcomeDisconnected     = "disconnected"
	OutcomeUnknownTool      = "unknown_tool"
	OutcomeAmbiguousTool    = "ambiguous_tool"
	OutcomeInvalidArguments = "invalid_arguments"
	OutcomeError            = "error"
)

// Metrics holds the router's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
}

// NewMetrics creates the router collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolhost_tool_calls_total",
				Help: "Tool invocations by server, tool and outcome.",
			},
			[]string{"server", "tool", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolhost_tool_call_duration_seconds",
				Help:    "Time from submission to outcome for tool invocations that reached a server.",
				Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
			},
			[]string{"server"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "toolhost_tool_calls_in_flight",
				Help: "Tool invocations awaiting a server response.",
			},
			[]string{"server"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.calls, m.duration, m.inFlight)
	}
	return m
}

func (m *Metrics) begin(server string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(server).Inc()
}

func (m *Metrics) end(server, tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(server).Dec()
	m.duration.WithLabelValues(server).Observe(elapsed.Seconds())
	m.calls.WithLabelValues(server, tool, outcome).Inc()
}

// rejected counts an invocation that never reached a server.
func (m *Metrics) rejected(server, tool, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(server, tool, outcome).Inc()
}
