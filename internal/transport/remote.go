package transport

import (
	"context"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/util"
)

const rtpBufferSize = 1500

// drainRTP reads the remote track until it ends, counting payload bytes.
// Codec depacketization is out of scope; packets are only parsed for their
// payload size.
func drainRTP(ctx context.Context, remote *webrtc.TrackRemote) {
	buf := make([]byte, rtpBufferSize)
	pkt := &rtp.Packet{}
	for {
		if ctx.Err() != nil {
			return
		}
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		util.Stats.AddBytes(len(pkt.Payload))
	}
}
