package call

import (
	"sync"
	"time"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/transport"
)

// EventType names a notification emitted to the UI layer.
type EventType string

const (
	EventIncomingCall        EventType = "incomingCall"
	EventCallStateChanged    EventType = "callStateChanged"
	EventRemoteStreamUpdated EventType = "remoteStreamUpdated"
	EventCallEnded           EventType = "callEnded"
	EventError               EventType = "error"
	EventCallRejected        EventType = "callRejected"
	EventRemoteHangup        EventType = "remoteHangup"
	EventMicrophoneToggled   EventType = "microphoneToggled"
	EventCameraToggled       EventType = "cameraToggled"
	EventCameraSwitched      EventType = "cameraSwitched"
)

// End reasons carried by EventCallEnded.
const (
	ReasonHangup           = "hangup"
	ReasonRemoteHangup     = "remote-hangup"
	ReasonRejected         = "rejected"
	ReasonRingTimeout      = "ring-timeout"
	ReasonConnectTimeout   = "connect-timeout"
	ReasonReconnectTimeout = "reconnect-timeout"
	ReasonUnreachable      = "unreachable"
	ReasonGlare            = "glare"
	ReasonError            = "error"
	ReasonClosed           = "closed"
)

// Event is one notification. Only the fields relevant to Type are set.
type Event struct {
	Type EventType
	Time time.Time
	Call CallInfo

	State    State // callStateChanged
	Previous State // callStateChanged

	Track *transport.RemoteTrack // remoteStreamUpdated

	Reason string // callEnded, callRejected

	Err error // error

	Enabled bool         // microphoneToggled, cameraToggled
	Facing  media.Facing // cameraSwitched
}

// subscriber buffers events without bound so the controller never blocks on
// a slow reader. A single pump goroutine preserves emission order.
type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

func newSubscriber() *subscriber {
	s := &subscriber{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return ev, true
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		ev, ok := s.pop()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// broadcaster fans events out to every subscriber.
type broadcaster struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func (b *broadcaster) subscribe() (<-chan Event, func()) {
	s := newSubscriber()
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[*subscriber]struct{})
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	return s.out, func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		s.close()
	}
}

func (b *broadcaster) emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.push(ev)
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	for s := range subs {
		s.close()
	}
}
