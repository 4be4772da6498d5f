package call

import (
	"context"
	"fmt"
	"time"

	"github.com/looplab/fsm"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/negotiation"
	"github.com/1ureka/p2pcall/internal/transport"
)

// State is the lifecycle state of a call.
type State string

const (
	StateIdle         State = "idle"
	StateOutgoing     State = "outgoing"
	StateIncoming     State = "incoming"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateEnded        State = "ended"
)

// Direction tells who placed the call.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Lifecycle events.
const (
	evDial      = "dial"
	evRing      = "ring"
	evAccepted  = "accepted"
	evAccept    = "accept"
	evConnect   = "connect"
	evInterrupt = "interrupt"
	evRecover   = "recover"
	evEnd       = "end"
	evReset     = "reset"
)

// Session is one call between the local identity and Remote. ID, Local,
// Remote, Type and Direction never change; everything else is owned by the
// controller loop.
type Session struct {
	ID        string
	Local     string
	Remote    string
	Type      media.CallType
	Direction Direction

	lifecycle *fsm.FSM
	state     State
	startTime time.Time
	endTime   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	tracks       *media.Tracks
	engine       *negotiation.Engine
	accepting    bool // AcceptCall is acquiring media
	remoteTracks []transport.RemoteTrack

	ringTimer      *time.Timer
	connectTimer   *time.Timer
	reconnectTimer *time.Timer

	now          func() time.Time
	onTransition func(s *Session, from, to State)
}

func newSession(parent context.Context, id, local, remote string, t media.CallType, dir Direction, now func() time.Time) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:        id,
		Local:     local,
		Remote:    remote,
		Type:      t,
		Direction: dir,
		state:     StateIdle,
		ctx:       ctx,
		cancel:    cancel,
		now:       now,
	}

	ended := []string{
		string(StateOutgoing), string(StateIncoming), string(StateConnecting),
		string(StateConnected), string(StateReconnecting),
	}
	s.lifecycle = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evDial, Src: []string{string(StateIdle)}, Dst: string(StateOutgoing)},
			{Name: evRing, Src: []string{string(StateIdle)}, Dst: string(StateIncoming)},
			{Name: evAccepted, Src: []string{string(StateOutgoing)}, Dst: string(StateConnecting)},
			{Name: evAccept, Src: []string{string(StateIncoming)}, Dst: string(StateConnecting)},
			{Name: evConnect, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: evInterrupt, Src: []string{string(StateConnected)}, Dst: string(StateReconnecting)},
			{Name: evRecover, Src: []string{string(StateReconnecting)}, Dst: string(StateConnected)},
			{Name: evEnd, Src: ended, Dst: string(StateEnded)},
			{Name: evReset, Src: []string{string(StateEnded)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.entered(State(e.Src), State(e.Dst))
			},
		},
	)
	return s
}

// entered runs inside the FSM transition; it must not fire another event.
func (s *Session) entered(from, to State) {
	s.state = to
	switch {
	case from == StateConnecting && to == StateConnected:
		s.startTime = s.now()
	case to == StateEnded:
		s.endTime = s.now()
	case to == StateIdle:
		s.startTime, s.endTime = time.Time{}, time.Time{}
	}
	if s.onTransition != nil {
		s.onTransition(s, from, to)
	}
}

// fire applies a lifecycle event.
func (s *Session) fire(event string) error {
	if err := s.lifecycle.Event(context.Background(), event); err != nil {
		return fmt.Errorf("%w: %s in %s: %v", ErrInvalidTransition, event, s.state, err)
	}
	return nil
}

func (s *Session) State() State { return s.state }

// live reports whether the call has left idle and not yet ended.
func (s *Session) live() bool {
	return s.state != StateIdle && s.state != StateEnded
}

// connectedFor is the time spent since reaching connected, or the total
// connected time once ended.
func (s *Session) connectedFor() time.Duration {
	switch {
	case s.startTime.IsZero():
		return 0
	case s.endTime.IsZero():
		return s.now().Sub(s.startTime)
	default:
		return s.endTime.Sub(s.startTime)
	}
}

func (s *Session) stopTimers() {
	for _, t := range []*time.Timer{s.ringTimer, s.connectTimer, s.reconnectTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.ringTimer, s.connectTimer, s.reconnectTimer = nil, nil, nil
}

// info snapshots the session for callers outside the controller loop.
func (s *Session) info() CallInfo {
	ci := CallInfo{
		ID:           s.ID,
		Local:        s.Local,
		Remote:       s.Remote,
		Type:         s.Type,
		Direction:    s.Direction,
		State:        s.state,
		StartTime:    s.startTime,
		EndTime:      s.endTime,
		RemoteTracks: append([]transport.RemoteTrack(nil), s.remoteTracks...),
	}
	if s.tracks != nil {
		if a := s.tracks.Audio; a != nil {
			ci.HasAudio = true
			ci.MicrophoneOn = a.Enabled()
		}
		if v := s.tracks.Video; v != nil {
			ci.HasVideo = true
			ci.CameraOn = v.Enabled()
			ci.Facing = v.Facing()
		}
	}
	return ci
}

// CallInfo is a read-only snapshot of a call.
type CallInfo struct {
	ID        string
	Local     string
	Remote    string
	Type      media.CallType
	Direction Direction
	State     State
	StartTime time.Time // zero until connected
	EndTime   time.Time // zero until ended

	// Local media.
	HasAudio     bool
	HasVideo     bool
	MicrophoneOn bool
	CameraOn     bool
	Facing       media.Facing

	RemoteTracks []transport.RemoteTrack
}

// Duration is the connected time of the call.
func (ci CallInfo) Duration() time.Duration {
	switch {
	case ci.StartTime.IsZero():
		return 0
	case ci.EndTime.IsZero():
		return time.Since(ci.StartTime)
	default:
		return ci.EndTime.Sub(ci.StartTime)
	}
}
