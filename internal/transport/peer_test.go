package transport

import (
	"context"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pcall/internal/media"
)

func mediaKinds(t *testing.T, raw string) []string {
	t.Helper()
	var d sdp.SessionDescription
	require.NoError(t, d.Unmarshal([]byte(raw)))
	var kinds []string
	for _, md := range d.MediaDescriptions {
		kinds = append(kinds, md.MediaName.Media)
	}
	return kinds
}

func TestPeerOfferKinds(t *testing.T) {
	f, err := NewPeerFactory(nil)
	require.NoError(t, err)

	audioOnly, err := f.NewTransport(context.Background())
	require.NoError(t, err)
	defer audioOnly.Close()
	offer, err := audioOnly.CreateOffer(OfferOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"audio"}, mediaKinds(t, offer.SDP))

	video, err := f.NewTransport(context.Background())
	require.NoError(t, err)
	defer video.Close()
	require.NoError(t, video.AddTrack(newTrack(t, media.KindAudio)))
	offer, err = video.CreateOffer(OfferOptions{Video: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"audio", "video"}, mediaKinds(t, offer.SDP))
	assert.Contains(t, offer.SDP, "a=recvonly")
}

func TestPeerCandidateBeforeRemoteDescription(t *testing.T) {
	f, err := NewPeerFactory(nil)
	require.NoError(t, err)
	tr, err := f.NewTransport(context.Background())
	require.NoError(t, err)
	defer tr.Close()

	err = tr.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 9 typ host"})
	assert.ErrorIs(t, err, ErrNoRemoteDescription)
	assert.Equal(t, webrtc.ICEConnectionStateNew, tr.ConnectionState())
}

func TestPeerReplaceTrackWithoutSender(t *testing.T) {
	f, err := NewPeerFactory([]string{"stun:stun.l.google.com:19302"})
	require.NoError(t, err)
	tr, err := f.NewTransport(context.Background())
	require.NoError(t, err)
	defer tr.Close()

	assert.NoError(t, tr.ReplaceTrack(media.KindVideo, nil))
	assert.NoError(t, tr.ReplaceTrack(media.KindVideo, newTrack(t, media.KindVideo)))
	assert.NoError(t, tr.ReplaceTrack(media.KindVideo, newTrack(t, media.KindVideo)))
}
