// Package metrics exposes prometheus collectors for the call lifecycle.
//
// A nil *Collector is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "p2pcall"

// Collector groups the call metrics registered on one Registerer.
type Collector struct {
	callsStarted      *prometheus.CounterVec
	callsEnded        *prometheus.CounterVec
	callsActive       prometheus.Gauge
	stateTransitions  *prometheus.CounterVec
	callDuration      prometheus.Histogram
	signalingMessages *prometheus.CounterVec
	bufferedCandidate prometheus.Counter
	reconnects        *prometheus.CounterVec
}

// New registers the collectors on reg. Use a fresh prometheus.NewRegistry()
// per process (or per test) to avoid duplicate registration panics.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		callsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "started_total",
			Help:      "Calls created, by direction.",
		}, []string{"direction"}),
		callsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "ended_total",
			Help:      "Calls ended, by reason.",
		}, []string{"reason"}),
		callsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "active",
			Help:      "Calls currently holding a registry slot.",
		}),
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "state_transitions_total",
			Help:      "Call state machine transitions.",
		}, []string{"from", "to"}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "duration_seconds",
			Help:      "Connected time of calls that reached connected.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}),
		signalingMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "signaling",
			Name:      "messages_total",
			Help:      "Signaling messages, by type and direction (in, out, dropped, stale).",
		}, []string{"type", "direction"}),
		bufferedCandidate: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "negotiation",
			Name:      "candidates_buffered_total",
			Help:      "Remote ICE candidates queued before the remote description was applied.",
		}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "call",
			Name:      "reconnects_total",
			Help:      "Connectivity losses, by outcome (started, recovered, timeout).",
		}, []string{"outcome"}),
	}
}

func (c *Collector) CallStarted(direction string) {
	if c == nil {
		return
	}
	c.callsStarted.WithLabelValues(direction).Inc()
	c.callsActive.Inc()
}

// CallEnded records the end of a call; connected is zero when the call never
// reached the connected state.
func (c *Collector) CallEnded(reason string, connected time.Duration) {
	if c == nil {
		return
	}
	c.callsEnded.WithLabelValues(reason).Inc()
	c.callsActive.Dec()
	if connected > 0 {
		c.callDuration.Observe(connected.Seconds())
	}
}

func (c *Collector) Transition(from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) Signaling(msgType, direction string) {
	if c == nil {
		return
	}
	c.signalingMessages.WithLabelValues(msgType, direction).Inc()
}

func (c *Collector) CandidateBuffered() {
	if c == nil {
		return
	}
	c.bufferedCandidate.Inc()
}

func (c *Collector) Reconnect(outcome string) {
	if c == nil {
		return
	}
	c.reconnects.WithLabelValues(outcome).Inc()
}
