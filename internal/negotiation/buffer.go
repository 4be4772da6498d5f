package negotiation

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// CandidateBuffer holds remote ICE candidates that arrive before the remote
// description is applied. It is drained exactly once, in arrival order.
type CandidateBuffer struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	drained bool
}

// Push queues c. It reports false once the buffer has been drained; the
// caller must then apply c directly.
func (b *CandidateBuffer) Push(c webrtc.ICECandidateInit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drained {
		return false
	}
	b.pending = append(b.pending, c)
	return true
}

// Drain returns the queued candidates in arrival order and closes the buffer.
func (b *CandidateBuffer) Drain() []webrtc.ICECandidateInit {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	b.drained = true
	return out
}

func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Drained reports whether Drain has been called.
func (b *CandidateBuffer) Drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drained
}
