// Package call implements the call lifecycle: a registry of live sessions,
// a per-session state machine, and a Controller that serializes user
// intents, signaling messages, transport callbacks and timers for one local
// identity.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/metrics"
	"github.com/1ureka/p2pcall/internal/signaling"
	"github.com/1ureka/p2pcall/internal/transport"
	"github.com/1ureka/p2pcall/internal/util"
)

const (
	sendTimeout   = 5 * time.Second
	recentCallTTL = time.Minute
)

// Controller owns the calls of one local identity. Every state change runs
// on a single loop goroutine; the public methods post work to it and wait
// for the result.
type Controller struct {
	identity string
	channel  signaling.Channel
	provider media.Provider
	factory  transport.Factory
	registry *Registry
	metrics  *metrics.Collector

	ringTimeout      time.Duration
	connectTimeout   time.Duration
	reconnectTimeout time.Duration
	glare            config.GlarePolicy
	now              func() time.Time

	ctx    context.Context // parent of every session context
	cancel context.CancelFunc

	// loop queue
	qmu    sync.Mutex
	tasks  []func()
	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	unsubscribe func()
	events      broadcaster

	// loop-owned
	session *Session
	recent  map[string]time.Time // call IDs ended recently, for duplicate requests

	// snapshot for readers outside the loop
	infoMu        sync.Mutex
	info          CallInfo
	hasInfo       bool
	cancelSession context.CancelFunc
}

// Option configures a Controller.
type Option func(*Controller)

// WithRegistry shares a registry between controllers.
func WithRegistry(r *Registry) Option {
	return func(c *Controller) { c.registry = r }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTimeouts overrides the ring, connect and reconnect timeouts. Zero
// values keep the defaults.
func WithTimeouts(ring, connect, reconnect time.Duration) Option {
	return func(c *Controller) {
		if ring > 0 {
			c.ringTimeout = ring
		}
		if connect > 0 {
			c.connectTimeout = connect
		}
		if reconnect > 0 {
			c.reconnectTimeout = reconnect
		}
	}
}

func WithGlarePolicy(p config.GlarePolicy) Option {
	return func(c *Controller) { c.glare = p }
}

// WithConfig applies the timeouts and glare policy of cfg.
func WithConfig(cfg config.Config) Option {
	return func(c *Controller) {
		WithTimeouts(cfg.RingTimeout, cfg.ConnectTimeout, cfg.ReconnectTimeout)(c)
		if cfg.Glare != "" {
			c.glare = cfg.Glare
		}
	}
}

// WithClock replaces time.Now for call timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New registers identity on ch and starts the controller loop.
func New(identity string, ch signaling.Channel, provider media.Provider, factory transport.Factory, opts ...Option) (*Controller, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: empty identity", ErrInvalidTarget)
	}

	defaults := config.Default()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		identity:         identity,
		channel:          ch,
		provider:         provider,
		factory:          factory,
		ringTimeout:      defaults.RingTimeout,
		connectTimeout:   defaults.ConnectTimeout,
		reconnectTimeout: defaults.ReconnectTimeout,
		glare:            defaults.Glare,
		now:              time.Now,
		ctx:              ctx,
		cancel:           cancel,
		notify:           make(chan struct{}, 1),
		done:             make(chan struct{}),
		recent:           make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = NewRegistry()
	}

	if err := ch.Register(identity); err != nil {
		cancel()
		return nil, fmt.Errorf("register %s: %w", identity, err)
	}
	unsubscribe, err := ch.Subscribe(identity, func(msg signaling.Message) {
		c.post(func() { c.onMessage(msg) })
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", identity, err)
	}
	c.unsubscribe = unsubscribe

	c.wg.Add(1)
	go c.run()
	return c, nil
}

func (c *Controller) Identity() string { return c.identity }

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

// post queues fn for the loop. It reports false once the controller is closed.
func (c *Controller) post(fn func()) bool {
	c.qmu.Lock()
	if c.closed.Load() {
		c.qmu.Unlock()
		return false
	}
	c.tasks = append(c.tasks, fn)
	c.qmu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *Controller) next() (func(), bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.tasks) == 0 {
		return nil, false
	}
	fn := c.tasks[0]
	c.tasks[0] = nil
	c.tasks = c.tasks[1:]
	return fn, true
}

func (c *Controller) run() {
	defer c.wg.Done()
	for {
		fn, ok := c.next()
		if !ok {
			select {
			case <-c.notify:
				continue
			case <-c.done:
				return
			}
		}
		fn()
	}
}

// do runs fn on the loop and waits until fn (or work it schedules) calls
// resolve. resolve must be called exactly once.
func (c *Controller) do(ctx context.Context, fn func(resolve func(error))) error {
	res := make(chan error, 1)
	resolve := func(err error) { res <- err }
	if !c.post(func() { fn(resolve) }) {
		return ErrControllerClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrControllerClosed
	}
}

// acquire runs fetch off the loop with the session context and hands the
// result back to the loop.
func acquire[T any](c *Controller, s *Session, fetch func(context.Context) (T, error), then func(T, error)) {
	go func() {
		v, err := fetch(s.ctx)
		if !c.post(func() { then(v, err) }) {
			if tracks, ok := any(v).(*media.Tracks); ok {
				c.provider.StopTracks(tracks)
			}
			if track, ok := any(v).(*media.Track); ok && track != nil {
				c.provider.StopTracks(&media.Tracks{Video: track})
			}
		}
	}()
}

// ---------------------------------------------------------------------------
// Control API
// ---------------------------------------------------------------------------

// StartCall places a call to remote. It returns once the call request has
// been sent (state outgoing), or with the error that aborted the attempt.
func (c *Controller) StartCall(ctx context.Context, remote string, t media.CallType) error {
	if remote == "" || remote == c.identity {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, remote)
	}
	if t != media.Audio && t != media.Video {
		return fmt.Errorf("%w: call type %q", ErrInvalidTarget, t)
	}

	return c.do(ctx, func(resolve func(error)) {
		if c.session != nil {
			resolve(ErrCallInProgress)
			return
		}
		s := c.newSession("call_"+uuid.NewString(), remote, t, DirectionOutgoing)
		if !c.registry.Reserve(c.identity, s) {
			resolve(ErrCallInProgress)
			return
		}
		c.adopt(s)
		c.metrics.CallStarted(string(DirectionOutgoing))
		util.LogInfo("%s placing %s call %s", c.tag(s), t, s.ID)

		acquire(c, s, func(ctx context.Context) (*media.Tracks, error) {
			return c.provider.AcquireLocalMedia(ctx, t)
		}, func(tracks *media.Tracks, err error) {
			resolve(c.dial(s, tracks, err))
		})
	})
}

// dial continues StartCall once local media is available.
func (c *Controller) dial(s *Session, tracks *media.Tracks, err error) error {
	if c.session != s {
		c.provider.StopTracks(tracks)
		return ErrCallAborted
	}
	if s.ctx.Err() != nil {
		c.provider.StopTracks(tracks)
		c.abort(s, nil)
		return ErrCallAborted
	}
	if err != nil {
		c.abort(s, err)
		return err
	}
	s.tracks = tracks

	if err := s.fire(evDial); err != nil {
		c.fail(s, err, false)
		return err
	}
	if err := c.send(signaling.CallRequest(c.identity, s.Remote, s.ID, s.Type)); err != nil {
		if errors.Is(err, signaling.ErrUnreachable) {
			c.emitError(s, fmt.Errorf("call %s: %w", s.Remote, err))
			c.end(s, ReasonUnreachable, false)
			return err
		}
		c.fail(s, err, false)
		return err
	}
	s.ringTimer = c.arm(s, c.ringTimeout, c.onRingTimeout)
	return nil
}

// AcceptCall answers the incoming call. It returns once the offer has been
// sent (state connecting).
func (c *Controller) AcceptCall(ctx context.Context) error {
	return c.do(ctx, func(resolve func(error)) {
		s := c.session
		if s == nil || s.state != StateIncoming {
			resolve(ErrNoIncomingCall)
			return
		}
		if s.accepting {
			resolve(ErrCallInProgress)
			return
		}
		s.accepting = true
		if s.ringTimer != nil {
			s.ringTimer.Stop()
			s.ringTimer = nil
		}
		util.LogInfo("%s accepting %s", c.tag(s), s.ID)

		acquire(c, s, func(ctx context.Context) (*media.Tracks, error) {
			return c.provider.AcquireLocalMedia(ctx, s.Type)
		}, func(tracks *media.Tracks, err error) {
			resolve(c.answer(s, tracks, err))
		})
	})
}

// answer continues AcceptCall once local media is available. The accepting
// side creates the offer.
func (c *Controller) answer(s *Session, tracks *media.Tracks, err error) error {
	if c.session != s || s.state != StateIncoming || s.ctx.Err() != nil {
		c.provider.StopTracks(tracks)
		return ErrCallAborted
	}
	if err != nil {
		c.emitError(s, err)
		c.send(signaling.CallRejected(c.identity, s.Remote, s.ID, signaling.ReasonRejected))
		c.end(s, ReasonError, false)
		return err
	}
	s.tracks = tracks

	if err := c.startNegotiation(s); err != nil {
		c.fail(s, err, true)
		return err
	}
	if err := s.fire(evAccept); err != nil {
		c.fail(s, err, true)
		return err
	}
	s.connectTimer = c.arm(s, c.connectTimeout, c.onConnectTimeout)

	if err := c.send(signaling.CallAccepted(c.identity, s.Remote, s.ID)); err != nil {
		c.fail(s, err, false)
		return err
	}
	if err := s.engine.CreateAndSendOffer(s.ctx); err != nil {
		c.fail(s, err, true)
		return err
	}
	return nil
}

// RejectCall declines the incoming call. An empty reason sends "rejected".
func (c *Controller) RejectCall(ctx context.Context, reason string) error {
	if reason == "" {
		reason = signaling.ReasonRejected
	}
	return c.do(ctx, func(resolve func(error)) {
		s := c.session
		if s == nil || s.state != StateIncoming {
			resolve(ErrNoIncomingCall)
			return
		}
		c.send(signaling.CallRejected(c.identity, s.Remote, s.ID, reason))
		c.end(s, ReasonRejected, false)
		resolve(nil)
	})
}

// EndCall hangs up whatever call exists. It is idempotent: without a call it
// returns nil. An in-flight media acquisition or negotiation step is
// cancelled before the request is queued.
func (c *Controller) EndCall(ctx context.Context) error {
	c.infoMu.Lock()
	if c.cancelSession != nil {
		c.cancelSession()
	}
	c.infoMu.Unlock()

	return c.do(ctx, func(resolve func(error)) {
		if s := c.session; s != nil {
			c.hangup(s, ReasonHangup)
		}
		resolve(nil)
	})
}

// ToggleMicrophone enables or disables the local audio track.
func (c *Controller) ToggleMicrophone(ctx context.Context, enabled bool) error {
	return c.toggle(ctx, media.KindAudio, enabled, EventMicrophoneToggled)
}

// ToggleCamera enables or disables the local video track.
func (c *Controller) ToggleCamera(ctx context.Context, enabled bool) error {
	return c.toggle(ctx, media.KindVideo, enabled, EventCameraToggled)
}

func (c *Controller) toggle(ctx context.Context, kind media.Kind, enabled bool, evType EventType) error {
	return c.do(ctx, func(resolve func(error)) {
		s := c.session
		if s == nil {
			resolve(ErrNoActiveCall)
			return
		}
		track := s.tracks.Get(kind)
		if track == nil {
			resolve(ErrNoLocalMedia)
			return
		}
		track.SetEnabled(enabled)
		c.publish()
		c.emit(Event{Type: evType, Enabled: enabled})
		resolve(nil)
	})
}

// SwitchCamera swaps the local video track for the opposite-facing camera
// without renegotiating. The old track is stopped only after the new one is
// live.
func (c *Controller) SwitchCamera(ctx context.Context) error {
	return c.do(ctx, func(resolve func(error)) {
		s := c.session
		if s == nil {
			resolve(ErrNoActiveCall)
			return
		}
		old := s.tracks.Get(media.KindVideo)
		if old == nil {
			resolve(ErrNoLocalMedia)
			return
		}
		facing := old.Facing().Opposite()

		acquire(c, s, func(ctx context.Context) (*media.Track, error) {
			return c.provider.AcquireVideo(ctx, facing)
		}, func(next *media.Track, err error) {
			resolve(c.swapCamera(s, old, next, err))
		})
	})
}

func (c *Controller) swapCamera(s *Session, old, next *media.Track, err error) error {
	if err != nil {
		if c.session == s && s.ctx.Err() == nil {
			util.LogWarning("%s switch camera: %v", c.tag(s), err)
			c.emitError(s, fmt.Errorf("switch camera: %w", err))
		}
		return err
	}
	if c.session != s || s.tracks.Get(media.KindVideo) != old {
		c.provider.StopTracks(&media.Tracks{Video: next})
		return ErrCallAborted
	}

	next.SetEnabled(old.Enabled())
	if s.engine != nil {
		if err := s.engine.ReplaceLocalTrack(media.KindVideo, next); err != nil {
			c.provider.StopTracks(&media.Tracks{Video: next})
			c.emitError(s, fmt.Errorf("switch camera: %w", err))
			return err
		}
	}
	s.tracks.Video = next
	c.provider.StopTracks(&media.Tracks{Video: old})

	c.publish()
	c.emit(Event{Type: EventCameraSwitched, Facing: next.Facing()})
	util.LogInfo("%s switched to %s camera", c.tag(s), next.Facing())
	return nil
}

// GetCurrentCall returns a snapshot of the call in progress, if any.
func (c *Controller) GetCurrentCall() (CallInfo, bool) {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	if !c.hasInfo {
		return CallInfo{}, false
	}
	info := c.info
	info.RemoteTracks = append([]transport.RemoteTrack(nil), c.info.RemoteTracks...)
	return info, true
}

func (c *Controller) EnumerateDevices(ctx context.Context) ([]media.Device, error) {
	return c.provider.EnumerateDevices(ctx)
}

// Subscribe returns a channel of events in emission order. The channel is
// closed by cancel or by Close.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	return c.events.subscribe()
}

// Close hangs up any call, leaves the signaling channel and stops the loop.
func (c *Controller) Close() error {
	if c.closed.Load() {
		return nil
	}
	c.infoMu.Lock()
	if c.cancelSession != nil {
		c.cancelSession()
	}
	c.infoMu.Unlock()

	_ = c.do(context.Background(), func(resolve func(error)) {
		if s := c.session; s != nil {
			c.hangup(s, ReasonClosed)
		}
		resolve(nil)
	})

	c.qmu.Lock()
	if c.closed.Swap(true) {
		c.qmu.Unlock()
		return nil
	}
	c.qmu.Unlock()

	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.channel.Unregister(c.identity)
	c.cancel()
	close(c.done)
	c.wg.Wait()
	c.events.closeAll()
	return nil
}

// ---------------------------------------------------------------------------
// Session bookkeeping (loop only)
// ---------------------------------------------------------------------------

func (c *Controller) newSession(id, remote string, t media.CallType, dir Direction) *Session {
	s := newSession(c.ctx, id, c.identity, remote, t, dir, c.now)
	s.onTransition = c.onTransition
	return s
}

// adopt makes s the current session.
func (c *Controller) adopt(s *Session) {
	c.session = s
	c.infoMu.Lock()
	c.cancelSession = s.cancel
	c.infoMu.Unlock()
	c.publish()
}

// publish refreshes the snapshot read by GetCurrentCall.
func (c *Controller) publish() {
	c.infoMu.Lock()
	defer c.infoMu.Unlock()
	if c.session == nil {
		c.info, c.hasInfo = CallInfo{}, false
		return
	}
	c.info, c.hasInfo = c.session.info(), true
}

func (c *Controller) onTransition(s *Session, from, to State) {
	c.metrics.Transition(string(from), string(to))
	util.LogInfo("%s %s → %s", c.tag(s), from, to)
	if c.session == s {
		c.publish()
	}
	c.emitFor(s, Event{Type: EventCallStateChanged, State: to, Previous: from})
}

// startNegotiation creates the transport and engine for s and attaches the
// local tracks.
func (c *Controller) startNegotiation(s *Session) error {
	tr, err := c.factory.NewTransport(s.ctx)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	tr.OnConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.post(func() { c.onTransportState(s, state) })
	})
	tr.OnTrack(func(rt transport.RemoteTrack) {
		c.post(func() { c.onRemoteTrack(s, rt) })
	})

	engine, err := newEngine(s, tr, c)
	if err != nil {
		tr.Close()
		return err
	}
	s.engine = engine
	if err := engine.AttachTracks(s.tracks); err != nil {
		return fmt.Errorf("attach tracks: %w", err)
	}
	return nil
}

// hangup ends s locally and tells the peer: callRejected while the call is
// still ringing here, hangup otherwise.
func (c *Controller) hangup(s *Session, reason string) {
	switch s.state {
	case StateIdle:
		c.abort(s, nil)
		return
	case StateIncoming:
		c.send(signaling.CallRejected(c.identity, s.Remote, s.ID, signaling.ReasonEnded))
		c.end(s, reason, false)
	default:
		c.end(s, reason, true)
	}
}

// fail reports err and ends s. With notify the peer is told the way hangup
// tells it.
func (c *Controller) fail(s *Session, err error, notify bool) {
	if c.session != s {
		return
	}
	util.LogError("%s %v", c.tag(s), err)
	c.emitError(s, err)
	if notify {
		c.hangup(s, ReasonError)
		return
	}
	if s.state == StateIdle {
		c.abort(s, nil)
		return
	}
	c.end(s, ReasonError, false)
}

// abort drops a session that never left idle. It returns straight to idle
// without passing through ended.
func (c *Controller) abort(s *Session, err error) {
	if c.session != s {
		return
	}
	if err != nil {
		util.LogError("%s %v", c.tag(s), err)
		c.emitError(s, err)
	}
	s.cancel()
	s.stopTimers()
	c.provider.StopTracks(s.tracks)
	s.tracks = nil
	c.metrics.CallEnded("aborted", 0)
	c.release(s)
}

// end tears s down and moves it to ended, then back to idle. With notify the
// peer is sent a hangup.
func (c *Controller) end(s *Session, reason string, notify bool) {
	if c.session != s || !s.live() {
		return
	}
	s.stopTimers()
	if notify {
		c.send(signaling.Hangup(c.identity, s.Remote, s.ID))
	}

	s.cancel()
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			util.LogDebug("%s close transport: %v", c.tag(s), err)
		}
	}
	c.provider.StopTracks(s.tracks)

	if err := s.fire(evEnd); err != nil {
		util.LogError("%s %v", c.tag(s), err)
	}
	c.emitFor(s, Event{Type: EventCallEnded, Reason: reason})
	c.metrics.CallEnded(reason, s.connectedFor())
	util.LogInfo("%s call %s ended (%s)", c.tag(s), s.ID, reason)

	c.remember(s.ID)
	c.release(s)
	if err := s.fire(evReset); err != nil {
		util.LogError("%s %v", c.tag(s), err)
	}
}

func (c *Controller) release(s *Session) {
	c.registry.Release(c.identity, s)
	if c.session == s {
		c.session = nil
		c.infoMu.Lock()
		c.cancelSession = nil
		c.infoMu.Unlock()
	}
	c.publish()
}

// remember records an ended call ID so late duplicates of its request are
// not mistaken for a new call. Requests without a call ID cannot be told
// apart and are never remembered.
func (c *Controller) remember(id string) {
	if id == "" {
		return
	}
	now := c.now()
	for k, at := range c.recent {
		if now.Sub(at) > recentCallTTL {
			delete(c.recent, k)
		}
	}
	c.recent[id] = now
}

func (c *Controller) recentlyEnded(id string) bool {
	if id == "" {
		return false
	}
	at, ok := c.recent[id]
	return ok && c.now().Sub(at) <= recentCallTTL
}

// arm schedules fn on the loop after d, bound to s.
func (c *Controller) arm(s *Session, d time.Duration, fn func(*Session)) *time.Timer {
	return time.AfterFunc(d, func() {
		c.post(func() { fn(s) })
	})
}

// send delivers msg with a bounded timeout independent of the session
// context, so teardown notices still go out after cancellation.
func (c *Controller) send(msg signaling.Message) error {
	ctx, cancel := context.WithTimeout(c.ctx, sendTimeout)
	defer cancel()
	if err := c.channel.Send(ctx, msg); err != nil {
		c.metrics.Signaling(string(msg.Type), "dropped")
		util.LogWarning("signaling: send %s: %v", msg, err)
		return err
	}
	c.metrics.Signaling(string(msg.Type), "out")
	return nil
}

func (c *Controller) emit(ev Event) {
	if c.session != nil {
		c.emitFor(c.session, ev)
		return
	}
	ev.Time = c.now()
	c.events.emit(ev)
}

func (c *Controller) emitFor(s *Session, ev Event) {
	ev.Time = c.now()
	ev.Call = s.info()
	c.events.emit(ev)
}

func (c *Controller) emitError(s *Session, err error) {
	c.emitFor(s, Event{Type: EventError, Err: err})
}

func (c *Controller) tag(s *Session) string {
	return util.Tag(c.identity, s.Remote)
}
