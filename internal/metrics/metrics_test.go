package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.CallStarted("outgoing")
	c.CallStarted("incoming")
	c.CallEnded("hangup", 3*time.Second)
	c.Transition("outgoing", "connecting")
	c.Signaling("offer", "out")
	c.CandidateBuffered()
	c.CandidateBuffered()
	c.Reconnect("recovered")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsStarted.WithLabelValues("outgoing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.callsEnded.WithLabelValues("hangup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stateTransitions.WithLabelValues("outgoing", "connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.signalingMessages.WithLabelValues("offer", "out")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.bufferedCandidate))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reconnects.WithLabelValues("recovered")))

	n, err := testutil.GatherAndCount(reg, "p2pcall_call_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.CallStarted("outgoing")
		c.CallEnded("busy", 0)
		c.Transition("idle", "outgoing")
		c.Signaling("hangup", "in")
		c.CandidateBuffered()
		c.Reconnect("timeout")
	})
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
