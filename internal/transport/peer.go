package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/util"
)

// Compile-time interface checks.
var (
	_ Factory   = (*PeerFactory)(nil)
	_ Transport = (*PeerTransport)(nil)
)

// PeerFactory builds pion PeerConnections sharing one API instance (default
// codecs and interceptors) and one ICE server list. No TURN: calls rely on
// direct P2P connectivity.
type PeerFactory struct {
	api         *webrtc.API
	stunServers []string
}

// NewPeerFactory registers the default codecs and interceptors (NACK, RTCP
// reports, TWCC) and returns a factory using the given STUN servers.
func NewPeerFactory(stunServers []string) (*PeerFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	return &PeerFactory{api: api, stunServers: stunServers}, nil
}

// NewTransport creates a PeerConnection. Its background goroutines stop when
// ctx is cancelled or the transport is closed.
func (f *PeerFactory) NewTransport(ctx context.Context) (Transport, error) {
	config := webrtc.Configuration{}
	if len(f.stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: f.stunServers}}
	}
	pc, err := f.api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	tCtx, tCancel := context.WithCancel(ctx)
	return &PeerTransport{
		pc:       pc,
		ctx:      tCtx,
		cancel:   tCancel,
		senders:  make(map[media.Kind]*webrtc.RTPSender),
		receives: make(map[media.Kind]bool),
	}, nil
}

// PeerTransport wraps a single pion PeerConnection.
type PeerTransport struct {
	pc *webrtc.PeerConnection

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	senders  map[media.Kind]*webrtc.RTPSender
	receives map[media.Kind]bool // recvonly transceivers already added
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer. Audio is always offered; video only
// when requested or when a local video track is attached. Kinds without a
// local sender are offered recvonly.
func (t *PeerTransport) CreateOffer(opts OfferOptions) (webrtc.SessionDescription, error) {
	kinds := []media.Kind{media.KindAudio}
	if opts.Video {
		kinds = append(kinds, media.KindVideo)
	}
	if err := t.ensureReceivers(kinds); err != nil {
		return webrtc.SessionDescription{}, err
	}

	var pionOpts *webrtc.OfferOptions
	if opts.ICERestart {
		pionOpts = &webrtc.OfferOptions{ICERestart: true}
	}
	return t.pc.CreateOffer(pionOpts)
}

func (t *PeerTransport) ensureReceivers(kinds []media.Kind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range kinds {
		if t.senders[k] != nil || t.receives[k] {
			continue
		}
		_, err := t.pc.AddTransceiverFromKind(codecType(k), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("add %s transceiver: %w", k, err)
		}
		t.receives[k] = true
	}
	return nil
}

// CreateAnswer generates an SDP answer to the applied remote offer.
func (t *PeerTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP and starts ICE gathering.
func (t *PeerTransport) SetLocalDescription(sd webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sd)
}

// SetRemoteDescription applies the remote SDP.
func (t *PeerTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sd)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *PeerTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	err := t.pc.AddICECandidate(c)
	if errors.Is(err, webrtc.ErrNoRemoteDescription) {
		return ErrNoRemoteDescription
	}
	return err
}

// OnICECandidate registers a callback for each gathered local candidate. The
// end-of-gathering signal is not forwarded.
func (t *PeerTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AddTrack attaches a local track and starts draining its RTCP feedback so
// interceptors keep running.
func (t *PeerTransport) AddTrack(track *media.Track) error {
	sender, err := t.pc.AddTrack(track.Local())
	if err != nil {
		return fmt.Errorf("add %s track: %w", track.Kind(), err)
	}

	t.mu.Lock()
	t.senders[track.Kind()] = sender
	t.mu.Unlock()

	go func() {
		for {
			if _, _, err := sender.ReadRTCP(); err != nil {
				return
			}
		}
	}()
	return nil
}

// ReplaceTrack swaps the outgoing track of kind in place. Without an existing
// sender the track is added instead.
func (t *PeerTransport) ReplaceTrack(kind media.Kind, track *media.Track) error {
	t.mu.Lock()
	sender := t.senders[kind]
	t.mu.Unlock()

	if sender == nil {
		if track == nil {
			return nil
		}
		return t.AddTrack(track)
	}

	var local webrtc.TrackLocal
	if track != nil {
		local = track.Local()
	}
	if err := sender.ReplaceTrack(local); err != nil {
		return fmt.Errorf("replace %s track: %w", kind, err)
	}
	return nil
}

// OnTrack registers a callback for each remote track. RTP from the track is
// drained in the background and counted into the traffic stats.
func (t *PeerTransport) OnTrack(fn func(RemoteTrack)) {
	t.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := media.KindAudio
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			kind = media.KindVideo
		}
		util.LogDebug("remote %s track %s (%s)", kind, remote.ID(), remote.Codec().MimeType)

		go drainRTP(t.ctx, remote)
		fn(RemoteTrack{ID: remote.ID(), StreamID: remote.StreamID(), Kind: kind, Raw: remote})
	})
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// ConnectionState returns the current ICE connection state.
func (t *PeerTransport) ConnectionState() webrtc.ICEConnectionState {
	return t.pc.ICEConnectionState()
}

// OnConnectionStateChange registers a callback for ICE connection state changes.
func (t *PeerTransport) OnConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	t.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		util.LogDebug("ICE connection state: %s", state)
		fn(state)
	})
}

// Close shuts down the PeerConnection. Local tracks are not stopped; the
// media provider owns them.
func (t *PeerTransport) Close() error {
	t.cancel()
	return t.pc.Close()
}

func codecType(k media.Kind) webrtc.RTPCodecType {
	if k == media.KindVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}
