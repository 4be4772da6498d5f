package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/signaling"
)

func testSession(id, local, remote string) *Session {
	return newSession(context.Background(), id, local, remote, media.Audio, DirectionOutgoing, time.Now)
}

func TestRegistryOneSessionPerIdentity(t *testing.T) {
	r := NewRegistry()
	first := testSession("c1", "alice", "bob")
	second := testSession("c2", "alice", "carol")

	require.True(t, r.Reserve("alice", first))
	assert.False(t, r.Reserve("alice", second))
	assert.True(t, r.Reserve("bob", testSession("c3", "bob", "carol")))
	assert.Equal(t, 2, r.Len())

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestRegistryReleaseOnlyByOwner(t *testing.T) {
	r := NewRegistry()
	owner := testSession("c1", "alice", "bob")
	require.True(t, r.Reserve("alice", owner))

	assert.False(t, r.Release("alice", testSession("c2", "alice", "bob")))
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Release("alice", owner))
	assert.False(t, r.Release("alice", owner))
	assert.Zero(t, r.Len())
}

func TestRegistryRoute(t *testing.T) {
	r := NewRegistry()
	s := testSession("c1", "alice", "bob")
	require.True(t, r.Reserve("alice", s))

	tests := []struct {
		name string
		msg  signaling.Message
		ok   bool
	}{
		{"same call", signaling.Hangup("bob", "alice", "c1"), true},
		{"no call id", signaling.Hangup("bob", "alice", ""), true},
		{"earlier call", signaling.Hangup("bob", "alice", "c0"), false},
		{"other sender", signaling.Hangup("carol", "alice", "c1"), false},
		{"unknown addressee", signaling.Hangup("alice", "bob", "c1"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.Route(tt.msg)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Same(t, s, got)
			}
		})
	}
}
