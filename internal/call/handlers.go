package call

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/negotiation"
	"github.com/1ureka/p2pcall/internal/signaling"
	"github.com/1ureka/p2pcall/internal/transport"
	"github.com/1ureka/p2pcall/internal/util"
)

// Everything in this file runs on the controller loop.

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

func (c *Controller) onMessage(msg signaling.Message) {
	c.metrics.Signaling(string(msg.Type), "in")
	if msg.Type == signaling.TypeCallRequest {
		c.onCallRequest(msg)
		return
	}

	s, ok := c.registry.Route(msg)
	if !ok || s != c.session {
		c.drop(msg, "no matching call")
		return
	}

	switch msg.Type {
	case signaling.TypeCallAccepted:
		c.onCallAccepted(s)
	case signaling.TypeCallRejected:
		c.onCallRejected(s, msg.Reason)
	case signaling.TypeHangup:
		util.LogInfo("%s remote hung up", c.tag(s))
		c.emitFor(s, Event{Type: EventRemoteHangup})
		c.end(s, ReasonRemoteHangup, false)
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeCandidate:
		if s.engine == nil {
			c.drop(msg, "negotiation not started")
			return
		}
		c.onNegotiation(s, msg)
	}
}

func (c *Controller) onCallRequest(msg signaling.Message) {
	if c.recentlyEnded(msg.CallID) {
		c.drop(msg, "call already ended")
		return
	}

	if cur := c.session; cur != nil {
		if cur.Direction == DirectionIncoming && cur.Remote == msg.From && cur.ID == msg.CallID {
			c.drop(msg, "duplicate request")
			return
		}
		if !c.yieldTo(cur, msg) {
			util.LogInfo("%s busy, rejecting %s", c.tag(cur), msg.From)
			c.send(signaling.CallRejected(c.identity, msg.From, msg.CallID, signaling.ReasonBusy))
			return
		}
		util.LogInfo("%s glare: %s wins, taking the incoming call", c.tag(cur), msg.From)
		if cur.state == StateIdle {
			c.abort(cur, nil)
		} else {
			c.end(cur, ReasonGlare, false)
		}
	}

	s := c.newSession(msg.CallID, msg.From, msg.CallType, DirectionIncoming)
	if !c.registry.Reserve(c.identity, s) {
		c.send(signaling.CallRejected(c.identity, msg.From, msg.CallID, signaling.ReasonBusy))
		return
	}
	c.adopt(s)
	c.metrics.CallStarted(string(DirectionIncoming))

	if err := s.fire(evRing); err != nil {
		c.fail(s, err, false)
		return
	}
	s.ringTimer = c.arm(s, c.ringTimeout, c.onRingTimeout)
	c.emitFor(s, Event{Type: EventIncomingCall})
}

// yieldTo reports whether cur, an unanswered outgoing call, should give way
// to a crossing request from the same party.
func (c *Controller) yieldTo(cur *Session, msg signaling.Message) bool {
	if c.glare != config.GlareLowerIdentityWins {
		return false
	}
	if cur.Direction != DirectionOutgoing || cur.Remote != msg.From {
		return false
	}
	if cur.state != StateIdle && cur.state != StateOutgoing {
		return false
	}
	return msg.From < c.identity
}

func (c *Controller) onCallAccepted(s *Session) {
	if s.state != StateOutgoing {
		util.LogDebug("%s callAccepted ignored in %s", c.tag(s), s.state)
		return
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if err := c.startNegotiation(s); err != nil {
		c.fail(s, err, true)
		return
	}
	if err := s.fire(evAccepted); err != nil {
		c.fail(s, err, true)
		return
	}
	// The accepting side sends the offer.
	s.connectTimer = c.arm(s, c.connectTimeout, c.onConnectTimeout)
}

func (c *Controller) onCallRejected(s *Session, reason string) {
	util.LogInfo("%s call rejected (%s)", c.tag(s), reason)
	c.emitFor(s, Event{Type: EventCallRejected, Reason: reason})
	c.end(s, ReasonRejected, false)
}

func (c *Controller) onNegotiation(s *Session, msg signaling.Message) {
	var err error
	switch msg.Type {
	case signaling.TypeOffer:
		err = s.engine.OnRemoteOffer(s.ctx, *msg.Offer)
	case signaling.TypeAnswer:
		err = s.engine.OnRemoteAnswer(s.ctx, *msg.Answer)
	case signaling.TypeCandidate:
		s.engine.OnRemoteCandidate(*msg.Candidate)
	}
	if err != nil && s.ctx.Err() == nil {
		c.fail(s, err, true)
	}
}

func (c *Controller) drop(msg signaling.Message, why string) {
	util.Stats.AddDropped()
	c.metrics.Signaling(string(msg.Type), "stale")
	util.LogDebug("%s drop %s: %s", util.Tag(c.identity, msg.From), msg, why)
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func newEngine(s *Session, tr transport.Transport, c *Controller) (*negotiation.Engine, error) {
	return negotiation.New(s.ctx, negotiation.Config{
		CallID:    s.ID,
		Local:     c.identity,
		Remote:    s.Remote,
		CallType:  s.Type,
		Transport: tr,
		Send:      c.channel.Send,
		Metrics:   c.metrics,
	})
}

func (c *Controller) onTransportState(s *Session, state webrtc.ICEConnectionState) {
	if c.session != s {
		return
	}

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		switch s.state {
		case StateConnecting:
			if s.connectTimer != nil {
				s.connectTimer.Stop()
				s.connectTimer = nil
			}
			if err := s.fire(evConnect); err != nil {
				util.LogError("%s %v", c.tag(s), err)
			}
		case StateReconnecting:
			if s.reconnectTimer != nil {
				s.reconnectTimer.Stop()
				s.reconnectTimer = nil
			}
			c.metrics.Reconnect("recovered")
			if err := s.fire(evRecover); err != nil {
				util.LogError("%s %v", c.tag(s), err)
			}
		}

	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		switch s.state {
		case StateConnected:
			c.metrics.Reconnect("started")
			if err := s.fire(evInterrupt); err != nil {
				util.LogError("%s %v", c.tag(s), err)
				return
			}
			s.reconnectTimer = c.arm(s, c.reconnectTimeout, c.onReconnectTimeout)
			if err := s.engine.Restart(s.ctx); err != nil {
				util.LogWarning("%s ICE restart: %v", c.tag(s), err)
			}
		case StateConnecting:
			if state == webrtc.ICEConnectionStateFailed {
				c.fail(s, ErrConnectFailed, true)
			}
		}
	}
}

func (c *Controller) onRemoteTrack(s *Session, rt transport.RemoteTrack) {
	if c.session != s {
		return
	}
	s.remoteTracks = append(s.remoteTracks, rt)
	c.publish()
	util.LogInfo("%s remote %s track %s", c.tag(s), rt.Kind, rt.ID)
	c.emitFor(s, Event{Type: EventRemoteStreamUpdated, Track: &rt})
}

// ---------------------------------------------------------------------------
// Timers
// ---------------------------------------------------------------------------

func (c *Controller) onRingTimeout(s *Session) {
	if c.session != s || (s.state != StateOutgoing && s.state != StateIncoming) {
		return
	}
	util.LogInfo("%s no answer", c.tag(s))
	c.hangup(s, ReasonRingTimeout)
}

func (c *Controller) onConnectTimeout(s *Session) {
	if c.session != s || s.state != StateConnecting {
		return
	}
	c.emitError(s, ErrConnectTimeout)
	c.hangup(s, ReasonConnectTimeout)
}

func (c *Controller) onReconnectTimeout(s *Session) {
	if c.session != s || s.state != StateReconnecting {
		return
	}
	c.metrics.Reconnect("timeout")
	util.LogWarning("%s connection not recovered", c.tag(s))
	c.hangup(s, ReasonReconnectTimeout)
}
