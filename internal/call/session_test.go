package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pcall/internal/media"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestSessionLifecycle(t *testing.T) {
	clock := &manualClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	s := newSession(context.Background(), "c1", "alice", "bob", media.Video, DirectionOutgoing, clock.now)

	var seen [][2]State
	s.onTransition = func(_ *Session, from, to State) { seen = append(seen, [2]State{from, to}) }

	for _, ev := range []string{evDial, evAccepted} {
		require.NoError(t, s.fire(ev))
	}
	assert.True(t, s.startTime.IsZero(), "no start time before connected")

	clock.advance(time.Second)
	require.NoError(t, s.fire(evConnect))
	start := clock.t
	assert.Equal(t, start, s.startTime)

	require.NoError(t, s.fire(evInterrupt))
	require.NoError(t, s.fire(evRecover))
	assert.Equal(t, start, s.startTime, "recovering keeps the first start time")

	clock.advance(90 * time.Second)
	require.NoError(t, s.fire(evEnd))
	assert.Equal(t, 90*time.Second, s.connectedFor())
	assert.Equal(t, 90*time.Second, s.info().Duration())

	require.NoError(t, s.fire(evReset))
	assert.Equal(t, StateIdle, s.State())
	assert.True(t, s.startTime.IsZero(), "idle has no start time")
	assert.True(t, s.endTime.IsZero(), "idle has no end time")

	assert.Equal(t, [][2]State{
		{StateIdle, StateOutgoing},
		{StateOutgoing, StateConnecting},
		{StateConnecting, StateConnected},
		{StateConnected, StateReconnecting},
		{StateReconnecting, StateConnected},
		{StateConnected, StateEnded},
		{StateEnded, StateIdle},
	}, seen)
}

func TestSessionRejectsInvalidTransitions(t *testing.T) {
	s := newSession(context.Background(), "c1", "bob", "alice", media.Audio, DirectionIncoming, time.Now)

	assert.ErrorIs(t, s.fire(evConnect), ErrInvalidTransition)
	assert.ErrorIs(t, s.fire(evEnd), ErrInvalidTransition, "idle cannot end")

	require.NoError(t, s.fire(evRing))
	assert.ErrorIs(t, s.fire(evAccepted), ErrInvalidTransition, "only the caller sees accepted")
	require.NoError(t, s.fire(evAccept))
	assert.Equal(t, StateConnecting, s.State())
	assert.True(t, s.live())

	require.NoError(t, s.fire(evEnd))
	assert.False(t, s.live())
	assert.Zero(t, s.connectedFor(), "never connected")
	assert.ErrorIs(t, s.fire(evDial), ErrInvalidTransition)
}
