package media

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Codec capabilities of the local sample tracks.
var (
	OpusCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	VP8Capability  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
)

// Track is a local capture track. The provider that created it owns it;
// sessions borrow it and may only flip the enabled flag.
type Track struct {
	kind     Kind
	deviceID string
	facing   Facing
	local    *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
	frames  atomic.Int64
}

// NewTrack creates an enabled track of the given kind backed by a pion
// sample track in stream streamID.
func NewTrack(kind Kind, id, streamID, deviceID string, facing Facing) (*Track, error) {
	capability := OpusCapability
	if kind == KindVideo {
		capability = VP8Capability
	}
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{kind: kind, deviceID: deviceID, facing: facing, local: local, done: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Kind() Kind               { return t.kind }
func (t *Track) ID() string               { return t.local.ID() }
func (t *Track) DeviceID() string         { return t.deviceID }
func (t *Track) Facing() Facing           { return t.facing }
func (t *Track) Local() webrtc.TrackLocal { return t.local }
func (t *Track) Enabled() bool            { return t.enabled.Load() }
func (t *Track) SetEnabled(enabled bool)  { t.enabled.Store(enabled) }
func (t *Track) Stopped() bool            { return t.stopped.Load() }

// Stop marks the track as released. Further samples are dropped.
func (t *Track) Stop() { t.release() }

// Done is closed once the track is stopped.
func (t *Track) Done() <-chan struct{} { return t.done }

// release stops the track and reports whether this call did it.
func (t *Track) release() bool {
	if !t.stopped.CompareAndSwap(false, true) {
		return false
	}
	close(t.done)
	return true
}

// WriteSample forwards one encoded frame unless the track is muted or stopped.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	if !t.Enabled() || t.Stopped() {
		return nil
	}
	t.frames.Add(1)
	return t.local.WriteSample(s)
}

// Frames returns how many samples were forwarded.
func (t *Track) Frames() int64 { return t.frames.Load() }

// Tracks is the set of local tracks borrowed by one call.
type Tracks struct {
	Audio *Track
	Video *Track
}

// All returns the non-nil tracks, audio first.
func (ts *Tracks) All() []*Track {
	if ts == nil {
		return nil
	}
	var out []*Track
	if ts.Audio != nil {
		out = append(out, ts.Audio)
	}
	if ts.Video != nil {
		out = append(out, ts.Video)
	}
	return out
}

// Get returns the track of kind k, if any.
func (ts *Tracks) Get(k Kind) *Track {
	if ts == nil {
		return nil
	}
	if k == KindVideo {
		return ts.Video
	}
	return ts.Audio
}
