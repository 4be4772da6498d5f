package negotiation

import (
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/media"
)

// checkDescription parses sd and verifies its type and that it negotiates at
// least one media section. It returns the media kinds in m-line order.
func checkDescription(sd webrtc.SessionDescription, want webrtc.SDPType) ([]media.Kind, error) {
	if sd.Type != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrMalformedDescription, sd.Type, want)
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(sd.SDP)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDescription, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return nil, fmt.Errorf("%w: no media sections", ErrMalformedDescription)
	}

	kinds := make([]media.Kind, 0, len(parsed.MediaDescriptions))
	for _, md := range parsed.MediaDescriptions {
		switch k := media.Kind(md.MediaName.Media); k {
		case media.KindAudio, media.KindVideo:
			kinds = append(kinds, k)
		}
	}
	return kinds, nil
}
