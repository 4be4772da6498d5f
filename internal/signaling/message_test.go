package signaling

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pcall/internal/media"
)

func TestValidate(t *testing.T) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}

	cases := []struct {
		name  string
		msg   Message
		valid bool
	}{
		{"call request", CallRequest("a", "b", "c1", media.Video), true},
		{"call request without type", Message{Type: TypeCallRequest, From: "a", To: "b"}, false},
		{"accepted", CallAccepted("b", "a", "c1"), true},
		{"rejected", CallRejected("b", "a", "c1", ReasonBusy), true},
		{"offer", Offer("a", "b", "c1", offer), true},
		{"offer carrying answer", Offer("a", "b", "c1", answer), false},
		{"answer", Answer("b", "a", "c1", answer), true},
		{"answer missing", Message{Type: TypeAnswer, From: "b", To: "a"}, false},
		{"candidate", Candidate("a", "b", "c1", webrtc.ICECandidateInit{Candidate: "candidate:1"}), true},
		{"candidate missing", Message{Type: TypeCandidate, From: "a", To: "b"}, false},
		{"hangup", Hangup("a", "b", "c1"), true},
		{"no from", Hangup("", "b", "c1"), false},
		{"to self", Hangup("a", "a", "c1"), false},
		{"unknown type", Message{Type: "ping", From: "a", To: "b"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidMessage)
			}
		})
	}
}

func TestWireFormat(t *testing.T) {
	b, err := json.Marshal(CallRequest("alice", "bob", "c1", media.Audio))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"callRequest","from":"alice","to":"bob","callId":"c1","callType":"audio"}`, string(b))

	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"type":"candidate","from":"bob","to":"alice","candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host","sdpMid":"0","sdpMLineIndex":0}}`), &m))
	require.NoError(t, m.Validate())
	require.NotNil(t, m.Candidate.SDPMid)
	assert.Equal(t, "0", *m.Candidate.SDPMid)
}

func TestMessageString(t *testing.T) {
	assert.Equal(t, "callRejected b→a call=c1 reason=busy", CallRejected("b", "a", "c1", ReasonBusy).String())
	assert.Equal(t, "hangup a→b", Hangup("a", "b", "").String())
}
