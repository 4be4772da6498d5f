// Package negotiation drives the offer/answer and trickle-ICE exchange for
// one call over a transport.Transport.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
	"github.com/1ureka/p2pcall/internal/metrics"
	"github.com/1ureka/p2pcall/internal/signaling"
	"github.com/1ureka/p2pcall/internal/transport"
	"github.com/1ureka/p2pcall/internal/util"
)

var (
	// ErrMalformedDescription is fatal to the call.
	ErrMalformedDescription = errors.New("negotiation: malformed session description")
	// ErrUnexpectedDescription reports an answer with no offer outstanding.
	ErrUnexpectedDescription = errors.New("negotiation: unexpected session description")
	ErrNoTransport           = errors.New("negotiation: no transport")
	ErrClosed                = errors.New("negotiation: engine closed")
)

// SendFunc delivers one signaling message to the remote party.
type SendFunc func(ctx context.Context, msg signaling.Message) error

// Config binds an Engine to one call.
type Config struct {
	CallID    string
	Local     string
	Remote    string
	CallType  media.CallType
	Transport transport.Transport
	Send      SendFunc
	Metrics   *metrics.Collector
}

// Engine negotiates one call. Its methods must be called from a single
// goroutine (the call controller's loop); only the trickle-ICE path runs on
// transport goroutines.
type Engine struct {
	cfg    Config
	ctx    context.Context // scopes trickle-ICE sends
	tag    string
	buffer CandidateBuffer

	offerer        bool
	awaitingAnswer bool
	lastOffer      string // SDP of the last applied remote offer
	lastAnswer     string // SDP of the last applied remote answer

	closed atomic.Bool
}

// New creates an Engine and starts forwarding local ICE candidates to the
// remote party as they are gathered.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}
	if cfg.Send == nil {
		return nil, errors.New("negotiation: nil send function")
	}

	e := &Engine{cfg: cfg, ctx: ctx, tag: util.Tag(cfg.Local, cfg.Remote)}
	cfg.Transport.OnICECandidate(e.trickle)
	return e, nil
}

func (e *Engine) trickle(c webrtc.ICECandidateInit) {
	if e.closed.Load() {
		return
	}
	msg := signaling.Candidate(e.cfg.Local, e.cfg.Remote, e.cfg.CallID, c)
	if err := e.cfg.Send(e.ctx, msg); err != nil {
		util.LogDebug("%s failed to send candidate: %v", e.tag, err)
		return
	}
	e.cfg.Metrics.Signaling(string(signaling.TypeCandidate), "out")
}

// AttachTracks adds the local tracks to the transport. Must precede the
// first offer or answer.
func (e *Engine) AttachTracks(tracks *media.Tracks) error {
	for _, t := range tracks.All() {
		if err := e.cfg.Transport.AddTrack(t); err != nil {
			return err
		}
	}
	return nil
}

// CreateAndSendOffer makes this side the offerer: it creates an offer
// covering audio (and video for video calls), applies it locally and sends it.
func (e *Engine) CreateAndSendOffer(ctx context.Context) error {
	return e.offer(ctx, transport.OfferOptions{Video: e.cfg.CallType == media.Video})
}

// Restart sends an ICE-restart offer. Only the offerer restarts; on the
// answering side it is a no-op and the peer's restart offer is awaited.
func (e *Engine) Restart(ctx context.Context) error {
	if !e.offerer {
		return nil
	}
	return e.offer(ctx, transport.OfferOptions{Video: e.cfg.CallType == media.Video, ICERestart: true})
}

func (e *Engine) offer(ctx context.Context, opts transport.OfferOptions) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tr := e.cfg.Transport
	sd, err := tr.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := tr.SetLocalDescription(sd); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	e.offerer = true
	e.awaitingAnswer = true

	if err := e.cfg.Send(ctx, signaling.Offer(e.cfg.Local, e.cfg.Remote, e.cfg.CallID, sd)); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	e.cfg.Metrics.Signaling(string(signaling.TypeOffer), "out")
	util.LogDebug("%s offer sent (restart=%t)", e.tag, opts.ICERestart)
	return nil
}

// OnRemoteOffer applies the peer's offer, flushes buffered candidates, and
// answers. A byte-identical repeat of the last applied offer is ignored.
func (e *Engine) OnRemoteOffer(ctx context.Context, sd webrtc.SessionDescription) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.lastOffer != "" && sd.SDP == e.lastOffer {
		util.LogDebug("%s duplicate offer ignored", e.tag)
		return nil
	}
	kinds, err := checkDescription(sd, webrtc.SDPTypeOffer)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tr := e.cfg.Transport
	if err := tr.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("%w: set remote offer: %v", ErrMalformedDescription, err)
	}
	e.lastOffer = sd.SDP
	e.flush()

	answer, err := tr.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := tr.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := e.cfg.Send(ctx, signaling.Answer(e.cfg.Local, e.cfg.Remote, e.cfg.CallID, answer)); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	e.cfg.Metrics.Signaling(string(signaling.TypeAnswer), "out")
	util.LogDebug("%s answered offer %v", e.tag, kinds)
	return nil
}

// OnRemoteAnswer applies the peer's answer to our outstanding offer. A
// byte-identical repeat of the last applied answer is ignored.
func (e *Engine) OnRemoteAnswer(ctx context.Context, sd webrtc.SessionDescription) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if e.lastAnswer != "" && sd.SDP == e.lastAnswer {
		util.LogDebug("%s duplicate answer ignored", e.tag)
		return nil
	}
	if !e.awaitingAnswer {
		return ErrUnexpectedDescription
	}
	if _, err := checkDescription(sd, webrtc.SDPTypeAnswer); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := e.cfg.Transport.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", ErrMalformedDescription, err)
	}
	e.lastAnswer = sd.SDP
	e.awaitingAnswer = false
	e.flush()
	return nil
}

// OnRemoteCandidate applies c, or buffers it while no remote description has
// been applied. It reports whether c was buffered. Failures to apply are
// logged and otherwise ignored: single candidates may legitimately fail.
func (e *Engine) OnRemoteCandidate(c webrtc.ICECandidateInit) (buffered bool) {
	if e.closed.Load() {
		return false
	}
	if e.buffer.Push(c) {
		e.cfg.Metrics.CandidateBuffered()
		util.LogDebug("%s candidate buffered (%d pending)", e.tag, e.buffer.Len())
		return true
	}
	e.apply(c)
	return false
}

// flush drains the buffer into the transport once the first remote
// description is applied.
func (e *Engine) flush() {
	if e.buffer.Drained() {
		return
	}
	pending := e.buffer.Drain()
	for _, c := range pending {
		e.apply(c)
	}
	if len(pending) > 0 {
		util.LogDebug("%s applied %d buffered candidates", e.tag, len(pending))
	}
}

func (e *Engine) apply(c webrtc.ICECandidateInit) {
	if err := e.cfg.Transport.AddICECandidate(c); err != nil {
		util.LogDebug("%s candidate rejected: %v", e.tag, err)
	}
}

// ReplaceLocalTrack swaps the outgoing track of kind without renegotiation.
func (e *Engine) ReplaceLocalTrack(kind media.Kind, t *media.Track) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.cfg.Transport.ReplaceTrack(kind, t)
}

// Pending returns the number of buffered remote candidates.
func (e *Engine) Pending() int { return e.buffer.Len() }

// Offerer reports whether this side sent the initial offer.
func (e *Engine) Offerer() bool { return e.offerer }

// Close stops trickle ICE, discards buffered candidates, and closes the
// transport. Safe to call more than once.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.buffer.Drain()
	return e.cfg.Transport.Close()
}
