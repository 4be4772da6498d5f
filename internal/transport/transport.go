// Package transport abstracts the media peer connection a call negotiates
// over. PeerTransport binds it to pion/webrtc; FakeTransport is a
// deterministic in-process stand-in used by tests and the demo.
package transport

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
)

var (
	ErrClosed              = errors.New("transport: closed")
	ErrNoRemoteDescription = errors.New("transport: remote description not set")
)

// OfferOptions controls offer generation.
type OfferOptions struct {
	// Video requests a video m-line even without a local video track.
	Video bool
	// ICERestart regenerates ICE credentials so connectivity checks start over.
	ICERestart bool
}

// RemoteTrack describes a media track received from the peer.
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     media.Kind
	// Raw is the underlying pion track; nil for fake transports.
	Raw *webrtc.TrackRemote
}

// Transport is one peer connection. Callbacks may fire from any goroutine,
// including synchronously from within a Transport method; they must not
// block.
type Transport interface {
	CreateOffer(opts OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sd webrtc.SessionDescription) error
	SetRemoteDescription(sd webrtc.SessionDescription) error
	// AddICECandidate fails with ErrNoRemoteDescription until a remote
	// description has been applied.
	AddICECandidate(c webrtc.ICECandidateInit) error

	AddTrack(t *media.Track) error
	// ReplaceTrack swaps the track sent for kind without renegotiation.
	// A nil track sends silence/black.
	ReplaceTrack(kind media.Kind, t *media.Track) error

	ConnectionState() webrtc.ICEConnectionState
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnConnectionStateChange(fn func(webrtc.ICEConnectionState))
	OnTrack(fn func(RemoteTrack))

	Close() error
}

// Factory creates one Transport per call.
type Factory interface {
	NewTransport(ctx context.Context) (Transport, error)
}
