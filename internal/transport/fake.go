package transport

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
)

// Compile-time interface checks.
var (
	_ Factory   = (*FakeNetwork)(nil)
	_ Transport = (*FakeTransport)(nil)
)

// FakeNetwork creates FakeTransports that share one simulated network. No
// packets move; a transport reports connected once its current offer/answer
// round is complete, a remote candidate has been applied and the network is
// not partitioned.
type FakeNetwork struct {
	mu         sync.Mutex
	transports []*FakeTransport
	failures   []error
	nextPort   int

	partitioned atomic.Bool
}

func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{nextPort: 40000}
}

// FailNext makes the next NewTransport call return err.
func (n *FakeNetwork) FailNext(err error) {
	n.mu.Lock()
	n.failures = append(n.failures, err)
	n.mu.Unlock()
}

func (n *FakeNetwork) NewTransport(ctx context.Context) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.failures) > 0 {
		err := n.failures[0]
		n.failures = n.failures[1:]
		return nil, err
	}

	n.nextPort++
	t := &FakeTransport{
		net:       n,
		port:      n.nextPort,
		sessionID: uint64(n.nextPort),
		ufrag:     newUfrag(),
		tracks:    make(map[media.Kind]*media.Track),
		announced: make(map[media.Kind]bool),
		state:     webrtc.ICEConnectionStateNew,
	}
	n.transports = append(n.transports, t)
	return t, nil
}

// Transports returns every transport created so far, in creation order.
func (n *FakeNetwork) Transports() []*FakeTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*FakeTransport(nil), n.transports...)
}

// Partition drops connectivity: every connected transport reports
// disconnected until Heal.
func (n *FakeNetwork) Partition() {
	n.partitioned.Store(true)
	for _, t := range n.Transports() {
		t.setState(webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateChecking)
	}
}

// Heal restores connectivity. Transports whose last negotiation round is
// complete reconnect immediately; the others once their round completes.
func (n *FakeNetwork) Heal() {
	n.partitioned.Store(false)
	for _, t := range n.Transports() {
		t.tryConnect()
	}
}

// FakeTransport is a deterministic Transport. Callbacks run synchronously on
// the calling goroutine.
type FakeTransport struct {
	net       *FakeNetwork
	port      int
	sessionID uint64

	mu          sync.Mutex
	closed      bool
	ufrag       string
	version     uint64
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	roundLocal  bool // local description of the current round applied
	roundRemote bool // remote description of the current round applied
	candidates  []webrtc.ICECandidateInit
	tracks      map[media.Kind]*media.Track
	announced   map[media.Kind]bool
	state       webrtc.ICEConnectionState

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.ICEConnectionState)
	onTrack     func(RemoteTrack)
}

type mline struct {
	kind      media.Kind
	direction string
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

func (t *FakeTransport) CreateOffer(opts OfferOptions) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if opts.ICERestart {
		t.ufrag = newUfrag()
	}

	kinds := []media.Kind{media.KindAudio}
	if opts.Video || t.tracks[media.KindVideo] != nil {
		kinds = append(kinds, media.KindVideo)
	}
	lines := make([]mline, 0, len(kinds))
	for _, k := range kinds {
		lines = append(lines, mline{kind: k, direction: t.directionLocked(k)})
	}
	return t.describeLocked(webrtc.SDPTypeOffer, lines)
}

func (t *FakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if t.remote == nil || t.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("transport: answer without remote offer")
	}

	offered, err := parseMLines(t.remote.SDP)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	lines := make([]mline, 0, len(offered))
	for _, m := range offered {
		lines = append(lines, mline{kind: m.kind, direction: t.directionLocked(m.kind)})
	}
	return t.describeLocked(webrtc.SDPTypeAnswer, lines)
}

func (t *FakeTransport) SetLocalDescription(sd webrtc.SessionDescription) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		t.roundLocal, t.roundRemote = true, false
	case webrtc.SDPTypeAnswer:
		if t.remote == nil || t.remote.Type != webrtc.SDPTypeOffer {
			t.mu.Unlock()
			return fmt.Errorf("transport: local answer without remote offer")
		}
		t.roundLocal = true
	default:
		t.mu.Unlock()
		return fmt.Errorf("transport: unsupported description type %s", sd.Type)
	}
	t.local = &sd

	onCandidate := t.onCandidate
	candidate := t.hostCandidateLocked()
	t.mu.Unlock()

	t.setState(webrtc.ICEConnectionStateChecking, webrtc.ICEConnectionStateNew)
	if onCandidate != nil {
		onCandidate(candidate)
	}
	t.tryConnect()
	return nil
}

func (t *FakeTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if _, err := parseMLines(sd.SDP); err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	switch sd.Type {
	case webrtc.SDPTypeOffer:
		t.roundLocal, t.roundRemote = false, true
	case webrtc.SDPTypeAnswer:
		if t.local == nil || t.local.Type != webrtc.SDPTypeOffer {
			t.mu.Unlock()
			return fmt.Errorf("transport: remote answer without local offer")
		}
		t.roundRemote = true
	default:
		t.mu.Unlock()
		return fmt.Errorf("transport: unsupported description type %s", sd.Type)
	}
	t.remote = &sd
	t.mu.Unlock()

	t.tryConnect()
	return nil
}

func (t *FakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.remote == nil {
		t.mu.Unlock()
		return ErrNoRemoteDescription
	}
	if !strings.HasPrefix(c.Candidate, "candidate:") {
		t.mu.Unlock()
		return fmt.Errorf("transport: malformed candidate %q", c.Candidate)
	}
	t.candidates = append(t.candidates, c)
	t.mu.Unlock()

	t.tryConnect()
	return nil
}

func (t *FakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

func (t *FakeTransport) AddTrack(track *media.Track) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.tracks[track.Kind()] = track
	return nil
}

func (t *FakeTransport) ReplaceTrack(kind media.Kind, track *media.Track) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.tracks[kind] = track
	return nil
}

func (t *FakeTransport) OnTrack(fn func(RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (t *FakeTransport) ConnectionState() webrtc.ICEConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *FakeTransport) OnConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

// Fail reports a terminal ICE failure on this transport.
func (t *FakeTransport) Fail() {
	t.setState(webrtc.ICEConnectionStateFailed,
		webrtc.ICEConnectionStateChecking, webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateDisconnected)
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.state = webrtc.ICEConnectionStateClosed
	return nil
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// AppliedCandidates returns the remote candidates applied, in order.
func (t *FakeTransport) AppliedCandidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.candidates...)
}

// LocalTrack returns the track currently sent for kind.
func (t *FakeTransport) LocalTrack(kind media.Kind) *media.Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracks[kind]
}

func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (t *FakeTransport) directionLocked(k media.Kind) string {
	if t.tracks[k] != nil {
		return "sendrecv"
	}
	return "recvonly"
}

func (t *FakeTransport) hostCandidateLocked() webrtc.ICECandidateInit {
	mid := "0"
	var index uint16
	return webrtc.ICECandidateInit{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 %d typ host", t.port, t.port),
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
}

// describeLocked renders a minimal JSEP-shaped description for lines.
func (t *FakeTransport) describeLocked(typ webrtc.SDPType, lines []mline) (webrtc.SessionDescription, error) {
	t.version++
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      t.sessionID,
			SessionVersion: t.version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName:      "-",
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
	}

	for i, l := range lines {
		payloadType, rtpmap := "111", "111 opus/48000/2"
		if l.kind == media.KindVideo {
			payloadType, rtpmap = "96", "96 VP8/90000"
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   string(l.kind),
				Port:    sdp.RangedPort{Value: 9},
				Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
				Formats: []string{payloadType},
			},
			ConnectionInformation: &sdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &sdp.Address{Address: "0.0.0.0"},
			},
			Attributes: []sdp.Attribute{
				{Key: "mid", Value: fmt.Sprint(i)},
				{Key: "ice-ufrag", Value: t.ufrag},
				{Key: "ice-pwd", Value: t.ufrag + t.ufrag},
				{Key: l.direction},
				{Key: "rtpmap", Value: rtpmap},
			},
		})
	}

	raw, err := desc.Marshal()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("transport: render description: %w", err)
	}
	return webrtc.SessionDescription{Type: typ, SDP: string(raw)}, nil
}

// setState moves to next if the current state is one of from, then notifies.
func (t *FakeTransport) setState(next webrtc.ICEConnectionState, from ...webrtc.ICEConnectionState) {
	t.mu.Lock()
	if t.closed || !slices.Contains(from, t.state) {
		t.mu.Unlock()
		return
	}
	t.state = next
	fn := t.onState
	t.mu.Unlock()

	if fn != nil {
		fn(next)
	}
}

// tryConnect reports connected and announces remote tracks once the round
// is complete. Already-announced kinds are not announced again.
func (t *FakeTransport) tryConnect() {
	t.mu.Lock()
	ready := !t.closed && t.roundLocal && t.roundRemote && len(t.candidates) > 0 &&
		!t.net.partitioned.Load() && t.state != webrtc.ICEConnectionStateConnected
	if !ready {
		t.mu.Unlock()
		return
	}
	t.state = webrtc.ICEConnectionStateConnected

	var fresh []RemoteTrack
	if lines, err := parseMLines(t.remote.SDP); err == nil {
		for _, l := range lines {
			if t.announced[l.kind] || l.direction == "recvonly" || l.direction == "inactive" {
				continue
			}
			t.announced[l.kind] = true
			fresh = append(fresh, RemoteTrack{
				ID:       fmt.Sprintf("remote-%s-%d", l.kind, t.port),
				StreamID: fmt.Sprintf("remote-stream-%d", t.port),
				Kind:     l.kind,
			})
		}
	}
	onState, onTrack := t.onState, t.onTrack
	t.mu.Unlock()

	if onTrack != nil {
		for _, rt := range fresh {
			onTrack(rt)
		}
	}
	if onState != nil {
		onState(webrtc.ICEConnectionStateConnected)
	}
}

func parseMLines(raw string) ([]mline, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("transport: malformed description: %w", err)
	}
	lines := make([]mline, 0, len(desc.MediaDescriptions))
	for _, md := range desc.MediaDescriptions {
		l := mline{kind: media.Kind(md.MediaName.Media), direction: "sendrecv"}
		for _, dir := range []string{"sendrecv", "sendonly", "recvonly", "inactive"} {
			if _, ok := md.Attribute(dir); ok {
				l.direction = dir
				break
			}
		}
		lines = append(lines, l)
	}
	return lines, nil
}

func newUfrag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
