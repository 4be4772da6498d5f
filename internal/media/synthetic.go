package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Synthetic frame cadence: 20ms Opus frames and 30fps video.
const (
	audioFrameInterval = 20 * time.Millisecond
	videoFrameInterval = time.Second / 30
)

var (
	// opusSilence is a single Opus silence (comfort noise) frame.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// blankFrame stands in for an encoded black frame. Receivers only read
	// and count it.
	blankFrame = make([]byte, 160)
)

// Compile-time interface check.
var _ Provider = (*SyntheticProvider)(nil)

// DefaultDevices is a microphone plus front and back cameras.
var DefaultDevices = []Device{
	{ID: "mic-0", Label: "Default microphone", Kind: KindAudio},
	{ID: "cam-front", Label: "Front camera", Kind: KindVideo, Facing: FacingUser},
	{ID: "cam-back", Label: "Back camera", Kind: KindVideo, Facing: FacingEnvironment},
}

// SyntheticProvider hands out sample tracks without touching real hardware.
// Each track is fed silence or blank frames until it is stopped, so a peer
// connection carries RTP as it would with a real device. Permission denial
// and prompt latency can be injected for tests.
type SyntheticProvider struct {
	mu      sync.Mutex
	devices []Device
	denied  bool
	delay   time.Duration

	acquisitions atomic.Int64
	live         atomic.Int64
}

// SyntheticOption configures a SyntheticProvider.
type SyntheticOption func(*SyntheticProvider)

// WithDevices replaces the default device list.
func WithDevices(devices ...Device) SyntheticOption {
	return func(p *SyntheticProvider) { p.devices = devices }
}

// WithPromptDelay makes every acquisition wait d, as a permission prompt would.
func WithPromptDelay(d time.Duration) SyntheticOption {
	return func(p *SyntheticProvider) { p.delay = d }
}

// NewSyntheticProvider creates a provider with DefaultDevices.
func NewSyntheticProvider(opts ...SyntheticOption) *SyntheticProvider {
	p := &SyntheticProvider{devices: append([]Device(nil), DefaultDevices...)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Deny makes subsequent acquisitions fail with ErrPermissionDenied.
func (p *SyntheticProvider) Deny(denied bool) {
	p.mu.Lock()
	p.denied = denied
	p.mu.Unlock()
}

// Acquisitions returns how many AcquireLocalMedia/AcquireVideo calls succeeded.
func (p *SyntheticProvider) Acquisitions() int64 { return p.acquisitions.Load() }

// LiveTracks returns how many handed-out tracks have not been stopped yet.
func (p *SyntheticProvider) LiveTracks() int64 { return p.live.Load() }

func (p *SyntheticProvider) AcquireLocalMedia(ctx context.Context, t CallType) (*Tracks, error) {
	if err := p.prompt(ctx); err != nil {
		return nil, err
	}

	mic, ok := p.find(KindAudio, "")
	if !ok {
		return nil, fmt.Errorf("no microphone: %w", ErrDeviceUnavailable)
	}
	streamID := "local-" + uuid.NewString()

	audio, err := p.newTrack(mic, streamID)
	if err != nil {
		return nil, err
	}
	tracks := &Tracks{Audio: audio}

	if t == Video {
		cam, ok := p.find(KindVideo, FacingUser)
		if !ok {
			p.StopTracks(tracks)
			return nil, fmt.Errorf("no camera: %w", ErrDeviceUnavailable)
		}
		if tracks.Video, err = p.newTrack(cam, streamID); err != nil {
			p.StopTracks(tracks)
			return nil, err
		}
	}

	p.acquisitions.Add(1)
	return tracks, nil
}

func (p *SyntheticProvider) AcquireVideo(ctx context.Context, f Facing) (*Track, error) {
	if err := p.prompt(ctx); err != nil {
		return nil, err
	}
	cam, ok := p.find(KindVideo, f)
	if !ok {
		return nil, fmt.Errorf("no %s camera: %w", f, ErrSwitchUnsupported)
	}
	track, err := p.newTrack(cam, "local-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	p.acquisitions.Add(1)
	return track, nil
}

func (p *SyntheticProvider) EnumerateDevices(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Device(nil), p.devices...), nil
}

// StopTracks stops every track in tracks. Already stopped tracks are skipped.
func (p *SyntheticProvider) StopTracks(tracks *Tracks) {
	for _, t := range tracks.All() {
		p.stop(t)
	}
}

func (p *SyntheticProvider) stop(t *Track) {
	if t.release() {
		p.live.Add(-1)
	}
}

// prompt simulates the permission prompt.
func (p *SyntheticProvider) prompt(ctx context.Context) error {
	p.mu.Lock()
	delay, denied := p.delay, p.denied
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if denied {
		return ErrPermissionDenied
	}
	return nil
}

// find returns the first device of kind k; facing is ignored when empty.
func (p *SyntheticProvider) find(k Kind, f Facing) (Device, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.devices {
		if d.Kind == k && (f == "" || d.Facing == f) {
			return d, true
		}
	}
	return Device{}, false
}

func (p *SyntheticProvider) newTrack(d Device, streamID string) (*Track, error) {
	t, err := NewTrack(d.Kind, string(d.Kind)+"-"+uuid.NewString(), streamID, d.ID, d.Facing)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", d.Kind, err)
	}
	p.live.Add(1)
	go feed(t)
	return t, nil
}

// feed writes synthetic frames to t until it is stopped. Write errors are
// ignored: an unbound track discards samples and a closed binding is
// replaced on the next negotiation.
func feed(t *Track) {
	interval, frame := audioFrameInterval, opusSilence
	if t.Kind() == KindVideo {
		interval, frame = videoFrameInterval, blankFrame
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			_ = t.WriteSample(pionmedia.Sample{Data: frame, Duration: interval})
		}
	}
}
