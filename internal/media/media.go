// Package media is the media capability layer the call core borrows local
// tracks from. Capture itself is out of scope; tracks are pion sample tracks
// that a capture pipeline (or the synthetic provider) writes into.
package media

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied  = errors.New("media: permission denied")
	ErrDeviceUnavailable = errors.New("media: device unavailable")
	ErrSwitchUnsupported = errors.New("media: device does not support switching camera")
)

// CallType selects which media a call carries.
type CallType string

const (
	Audio CallType = "audio"
	Video CallType = "video"
)

// ParseCallType accepts "audio" or "video".
func ParseCallType(s string) (CallType, error) {
	switch CallType(s) {
	case Audio, Video:
		return CallType(s), nil
	}
	return "", fmt.Errorf("invalid call type %q", s)
}

// Kind is the media kind of a single track or device.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Facing is the direction a camera points at.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

// Opposite returns the other camera direction.
func (f Facing) Opposite() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Device describes one capture device.
type Device struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Kind   Kind   `json:"kind"`
	Facing Facing `json:"facing,omitempty"` // video only
}

// Provider acquires and releases local capture tracks.
type Provider interface {
	// AcquireLocalMedia returns an audio track, plus a user-facing video
	// track when t is Video. It may block on a permission prompt.
	AcquireLocalMedia(ctx context.Context, t CallType) (*Tracks, error)
	// AcquireVideo returns a new video track from a camera facing f.
	AcquireVideo(ctx context.Context, f Facing) (*Track, error)
	EnumerateDevices(ctx context.Context) ([]Device, error)
	StopTracks(tracks *Tracks)
}
