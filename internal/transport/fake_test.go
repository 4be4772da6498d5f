package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pcall/internal/media"
)

// pair wires two fake transports back to back: candidates gathered by one
// are applied directly to the other.
type pair struct {
	a, b     *FakeTransport
	aStates  []webrtc.ICEConnectionState
	bTracks  []RemoteTrack
	aTracks  []RemoteTrack
	pendingA []webrtc.ICECandidateInit // candidates from b not yet applied to a
}

func newPair(t *testing.T, n *FakeNetwork) *pair {
	t.Helper()
	ctx := context.Background()
	ta, err := n.NewTransport(ctx)
	require.NoError(t, err)
	tb, err := n.NewTransport(ctx)
	require.NoError(t, err)

	p := &pair{a: ta.(*FakeTransport), b: tb.(*FakeTransport)}
	p.a.OnConnectionStateChange(func(s webrtc.ICEConnectionState) { p.aStates = append(p.aStates, s) })
	p.a.OnTrack(func(rt RemoteTrack) { p.aTracks = append(p.aTracks, rt) })
	p.b.OnTrack(func(rt RemoteTrack) { p.bTracks = append(p.bTracks, rt) })
	p.a.OnICECandidate(func(c webrtc.ICECandidateInit) { _ = p.b.AddICECandidate(c) })
	p.b.OnICECandidate(func(c webrtc.ICECandidateInit) { p.pendingA = append(p.pendingA, c) })
	return p
}

func (p *pair) negotiate(t *testing.T, opts OfferOptions) {
	t.Helper()
	offer, err := p.a.CreateOffer(opts)
	require.NoError(t, err)
	require.NoError(t, p.b.SetRemoteDescription(offer))
	require.NoError(t, p.a.SetLocalDescription(offer))

	answer, err := p.b.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, p.b.SetLocalDescription(answer))
	require.NoError(t, p.a.SetRemoteDescription(answer))

	for _, c := range p.pendingA {
		require.NoError(t, p.a.AddICECandidate(c))
	}
	p.pendingA = nil
}

func newTrack(t *testing.T, kind media.Kind) *media.Track {
	t.Helper()
	tr, err := media.NewTrack(kind, string(kind)+"-1", "stream-1", "dev", media.FacingUser)
	require.NoError(t, err)
	return tr
}

func TestFakeDescriptionsParse(t *testing.T) {
	n := NewFakeNetwork()
	tr, err := n.NewTransport(context.Background())
	require.NoError(t, err)
	require.NoError(t, tr.AddTrack(newTrack(t, media.KindAudio)))

	offer, err := tr.CreateOffer(OfferOptions{Video: true})
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal([]byte(offer.SDP)))
	require.Len(t, desc.MediaDescriptions, 2)
	assert.Equal(t, "audio", desc.MediaDescriptions[0].MediaName.Media)
	_, sendrecv := desc.MediaDescriptions[0].Attribute("sendrecv")
	assert.True(t, sendrecv)
	assert.Equal(t, "video", desc.MediaDescriptions[1].MediaName.Media)
	_, recvonly := desc.MediaDescriptions[1].Attribute("recvonly")
	assert.True(t, recvonly)
}

func TestFakeConnectsAfterRoundAndCandidate(t *testing.T) {
	p := newPair(t, NewFakeNetwork())
	require.NoError(t, p.a.AddTrack(newTrack(t, media.KindAudio)))
	require.NoError(t, p.a.AddTrack(newTrack(t, media.KindVideo)))
	require.NoError(t, p.b.AddTrack(newTrack(t, media.KindAudio)))

	p.negotiate(t, OfferOptions{Video: true})

	assert.Equal(t, webrtc.ICEConnectionStateConnected, p.a.ConnectionState())
	assert.Equal(t, webrtc.ICEConnectionStateConnected, p.b.ConnectionState())
	assert.Equal(t, []webrtc.ICEConnectionState{webrtc.ICEConnectionStateChecking, webrtc.ICEConnectionStateConnected}, p.aStates)

	// b sends audio only; a sends both.
	require.Len(t, p.aTracks, 1)
	assert.Equal(t, media.KindAudio, p.aTracks[0].Kind)
	require.Len(t, p.bTracks, 2)
	assert.Equal(t, media.KindVideo, p.bTracks[1].Kind)
}

func TestFakeCandidateRequiresRemoteDescription(t *testing.T) {
	n := NewFakeNetwork()
	tr, err := n.NewTransport(context.Background())
	require.NoError(t, err)

	err = tr.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"})
	assert.ErrorIs(t, err, ErrNoRemoteDescription)
}

func TestFakeRejectsMalformed(t *testing.T) {
	p := newPair(t, NewFakeNetwork())
	p.negotiate(t, OfferOptions{})

	assert.Error(t, p.a.AddICECandidate(webrtc.ICECandidateInit{Candidate: "garbage"}))
	assert.Error(t, p.a.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not sdp"}))
}

func TestFakePartitionAndHeal(t *testing.T) {
	n := NewFakeNetwork()
	p := newPair(t, n)
	require.NoError(t, p.a.AddTrack(newTrack(t, media.KindAudio)))
	require.NoError(t, p.b.AddTrack(newTrack(t, media.KindAudio)))
	p.negotiate(t, OfferOptions{})
	require.Equal(t, webrtc.ICEConnectionStateConnected, p.a.ConnectionState())

	n.Partition()
	assert.Equal(t, webrtc.ICEConnectionStateDisconnected, p.a.ConnectionState())
	assert.Equal(t, webrtc.ICEConnectionStateDisconnected, p.b.ConnectionState())

	// An ICE restart during the partition does not connect.
	p.negotiate(t, OfferOptions{ICERestart: true})
	assert.Equal(t, webrtc.ICEConnectionStateDisconnected, p.a.ConnectionState())

	n.Heal()
	assert.Equal(t, webrtc.ICEConnectionStateConnected, p.a.ConnectionState())
	assert.Equal(t, webrtc.ICEConnectionStateConnected, p.b.ConnectionState())
	assert.Len(t, p.aTracks, 1, "remote tracks are announced once")
}

func TestFakeRestartChangesCredentials(t *testing.T) {
	n := NewFakeNetwork()
	tr, err := n.NewTransport(context.Background())
	require.NoError(t, err)

	first, err := tr.CreateOffer(OfferOptions{})
	require.NoError(t, err)
	again, err := tr.CreateOffer(OfferOptions{})
	require.NoError(t, err)
	restart, err := tr.CreateOffer(OfferOptions{ICERestart: true})
	require.NoError(t, err)

	ufrag := func(raw string) string {
		var d sdp.SessionDescription
		require.NoError(t, d.Unmarshal([]byte(raw)))
		v, _ := d.MediaDescriptions[0].Attribute("ice-ufrag")
		return v
	}
	assert.Equal(t, ufrag(first.SDP), ufrag(again.SDP))
	assert.NotEqual(t, ufrag(first.SDP), ufrag(restart.SDP))
}

func TestFakeNetworkFailNext(t *testing.T) {
	n := NewFakeNetwork()
	boom := errors.New("boom")
	n.FailNext(boom)

	_, err := n.NewTransport(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = n.NewTransport(context.Background())
	assert.NoError(t, err)
	assert.Len(t, n.Transports(), 1)
}

func TestFakeReplaceTrackAndClose(t *testing.T) {
	n := NewFakeNetwork()
	tr, err := n.NewTransport(context.Background())
	require.NoError(t, err)
	ft := tr.(*FakeTransport)

	front := newTrack(t, media.KindVideo)
	require.NoError(t, ft.AddTrack(front))
	back := newTrack(t, media.KindVideo)
	require.NoError(t, ft.ReplaceTrack(media.KindVideo, back))
	assert.Same(t, back, ft.LocalTrack(media.KindVideo))

	require.NoError(t, ft.Close())
	assert.True(t, ft.Closed())
	assert.ErrorIs(t, ft.AddTrack(front), ErrClosed)
}
