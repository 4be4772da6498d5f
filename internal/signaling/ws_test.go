package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pcall/internal/media"
)

func startRelay(t *testing.T, pin string) (*Server, string) {
	t.Helper()
	srv := NewServer(pin)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url, id, pin string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, id, pin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRelayForwards(t *testing.T) {
	srv, url := startRelay(t, "1234")
	alice := dial(t, url, "alice", "1234")
	bob := dial(t, url, "bob", "1234")

	var got collector
	_, err := bob.Subscribe("bob", got.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(srv.Users()) == 2 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, alice.Send(ctx, CallRequest("alice", "bob", "c1", media.Video)))
	require.NoError(t, alice.Send(ctx, Hangup("alice", "bob", "c1")))

	require.Eventually(t, func() bool { return got.len() == 2 }, 2*time.Second, 10*time.Millisecond)
	msgs := got.snapshot()
	assert.Equal(t, TypeCallRequest, msgs[0].Type)
	assert.Equal(t, media.Video, msgs[0].CallType)
	assert.Equal(t, TypeHangup, msgs[1].Type)
}

func TestRelayRewritesFrom(t *testing.T) {
	srv, url := startRelay(t, "")
	mallory := dial(t, url, "mallory", "")
	bob := dial(t, url, "bob", "")

	var got collector
	_, err := bob.Subscribe("bob", got.handle)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(srv.Users()) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mallory.out.send(Hangup("alice", "bob", "c1")))
	require.Eventually(t, func() bool { return got.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "mallory", got.snapshot()[0].From)
}

func TestRelayRejectsBadPIN(t *testing.T) {
	_, url := startRelay(t, "1234")
	_, err := Dial(context.Background(), url, "alice", "0000")
	assert.Error(t, err)
}

func TestRelayOneConnectionPerIdentity(t *testing.T) {
	srv, url := startRelay(t, "")
	dial(t, url, "alice", "")
	require.Eventually(t, func() bool { return len(srv.Users()) == 1 }, 2*time.Second, 10*time.Millisecond)

	dup, err := Dial(context.Background(), url, "alice", "")
	require.NoError(t, err)
	select {
	case <-dup.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("duplicate connection was not closed")
	}
	assert.Equal(t, []string{"alice"}, srv.Users())
}

func TestRelayUsersEndpoint(t *testing.T) {
	srv := NewServer("")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/users")
	require.NoError(t, err)
	defer resp.Body.Close()

	var users []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&users))
	assert.Empty(t, users)
}

func TestClientBoundToIdentity(t *testing.T) {
	_, url := startRelay(t, "")
	c := dial(t, url, "alice", "")
	assert.NoError(t, c.Register("alice"))
	assert.Error(t, c.Register("bob"))
	_, err := c.Subscribe("bob", func(Message) {})
	assert.Error(t, err)
}
