// Package signaling carries call-control and SDP/ICE messages between two
// identities. It defines the wire contract, an in-memory hub with simulated
// network jitter, and a WebSocket relay plus client.
package signaling

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	TypeCallRequest  MessageType = "callRequest"
	TypeCallAccepted MessageType = "callAccepted"
	TypeCallRejected MessageType = "callRejected"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeCandidate    MessageType = "candidate"
	TypeHangup       MessageType = "hangup"
)

// Reasons carried by callRejected.
const (
	ReasonBusy     = "busy"
	ReasonRejected = "rejected"
	ReasonEnded    = "ended"
)

var ErrInvalidMessage = errors.New("signaling: invalid message")

// Message is the JSON structure exchanged between peers. It is a value type;
// handlers must not mutate a received message.
//
// CallID is the initiator's call identifier, echoed on every message of that
// call so that leftovers of an earlier call between the same pair are
// recognisable.
type Message struct {
	Type      MessageType                `json:"type"`
	From      string                     `json:"from"`
	To        string                     `json:"to"`
	CallID    string                     `json:"callId,omitempty"`
	CallType  media.CallType             `json:"callType,omitempty"`
	Reason    string                     `json:"reason,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

func CallRequest(from, to, callID string, t media.CallType) Message {
	return Message{Type: TypeCallRequest, From: from, To: to, CallID: callID, CallType: t}
}

func CallAccepted(from, to, callID string) Message {
	return Message{Type: TypeCallAccepted, From: from, To: to, CallID: callID}
}

func CallRejected(from, to, callID, reason string) Message {
	return Message{Type: TypeCallRejected, From: from, To: to, CallID: callID, Reason: reason}
}

func Offer(from, to, callID string, sd webrtc.SessionDescription) Message {
	return Message{Type: TypeOffer, From: from, To: to, CallID: callID, Offer: &sd}
}

func Answer(from, to, callID string, sd webrtc.SessionDescription) Message {
	return Message{Type: TypeAnswer, From: from, To: to, CallID: callID, Answer: &sd}
}

func Candidate(from, to, callID string, c webrtc.ICECandidateInit) Message {
	return Message{Type: TypeCandidate, From: from, To: to, CallID: callID, Candidate: &c}
}

func Hangup(from, to, callID string) Message {
	return Message{Type: TypeHangup, From: from, To: to, CallID: callID}
}

// Validate checks addressing and that the variant carries its payload.
func (m Message) Validate() error {
	if m.From == "" || m.To == "" {
		return fmt.Errorf("%w: %s without from/to", ErrInvalidMessage, m.Type)
	}
	if m.From == m.To {
		return fmt.Errorf("%w: %s addressed to its sender", ErrInvalidMessage, m.Type)
	}

	switch m.Type {
	case TypeCallRequest:
		if m.CallType != media.Audio && m.CallType != media.Video {
			return fmt.Errorf("%w: callRequest with call type %q", ErrInvalidMessage, m.CallType)
		}
	case TypeOffer:
		if m.Offer == nil || m.Offer.Type != webrtc.SDPTypeOffer {
			return fmt.Errorf("%w: offer without offer description", ErrInvalidMessage)
		}
	case TypeAnswer:
		if m.Answer == nil || m.Answer.Type != webrtc.SDPTypeAnswer {
			return fmt.Errorf("%w: answer without answer description", ErrInvalidMessage)
		}
	case TypeCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: candidate without ICE candidate", ErrInvalidMessage)
		}
	case TypeCallAccepted, TypeCallRejected, TypeHangup:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// String is a compact form for logs; SDP bodies are omitted.
func (m Message) String() string {
	s := fmt.Sprintf("%s %s→%s", m.Type, m.From, m.To)
	if m.CallID != "" {
		s += " call=" + m.CallID
	}
	if m.Reason != "" {
		s += " reason=" + m.Reason
	}
	return s
}
