package signaling

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/1ureka/p2pcall/internal/util"
)

// Compile-time interface check.
var _ Channel = (*Hub)(nil)

// Hub is an in-process Channel. Every message is delayed by a random latency
// in [min, max] and, with the configured probability, delivered twice. One
// worker per (from, to) link keeps that link FIFO even when a later message
// draws a shorter latency.
type Hub struct {
	mu       sync.Mutex
	handlers map[string]*subscription // registered identities; nil handler until subscribed
	links    map[linkKey]*link
	rng      *rand.Rand
	closed   bool

	minLatency    time.Duration
	maxLatency    time.Duration
	duplicateRate float64

	done chan struct{}
	wg   sync.WaitGroup
}

type linkKey struct{ from, to string }

type subscription struct {
	fn Handler
}

type scheduled struct {
	msg Message
	due time.Time
}

// link is an unbounded FIFO drained by a single goroutine.
type link struct {
	mu     sync.Mutex
	queue  []scheduled
	notify chan struct{}
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLatency sets the simulated one-way latency range.
func WithLatency(min, max time.Duration) HubOption {
	return func(h *Hub) { h.minLatency, h.maxLatency = min, max }
}

// WithDuplicateRate sets the probability that a message is delivered twice.
func WithDuplicateRate(p float64) HubOption {
	return func(h *Hub) { h.duplicateRate = p }
}

// WithSeed makes latency and duplication draws reproducible.
func WithSeed(seed uint64) HubOption {
	return func(h *Hub) { h.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// NewHub creates a hub. Without options messages are delivered immediately
// and exactly once, which keeps tests deterministic.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		handlers: make(map[string]*subscription),
		links:    make(map[linkKey]*link),
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Register(identity string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if _, ok := h.handlers[identity]; !ok {
		h.handlers[identity] = &subscription{}
	}
	util.LogDebug("signaling: %s registered", identity)
	return nil
}

func (h *Hub) Unregister(identity string) {
	h.mu.Lock()
	delete(h.handlers, identity)
	h.mu.Unlock()
}

// Subscribe installs fn for identity, registering it if needed. A later
// Subscribe for the same identity replaces the handler.
func (h *Hub) Subscribe(identity string, fn Handler) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	sub := &subscription{fn: fn}
	h.handlers[identity] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if cur, ok := h.handlers[identity]; ok && cur == sub {
			cur.fn = nil
		}
	}
	return cancel, nil
}

// Users returns the registered identities in sorted order.
func (h *Hub) Users() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	users := make([]string, 0, len(h.handlers))
	for id := range h.handlers {
		users = append(users, id)
	}
	slices.Sort(users)
	return users
}

// Send validates msg and queues it on its link. Messages to unregistered
// identities are dropped with ErrUnreachable.
func (h *Hub) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if _, ok := h.handlers[msg.To]; !ok {
		h.mu.Unlock()
		util.Stats.AddDropped()
		util.LogDebug("signaling: drop %s (unreachable)", msg)
		return ErrUnreachable
	}

	now := time.Now()
	items := []scheduled{{msg: msg, due: now.Add(h.latencyLocked())}}
	if h.duplicateRate > 0 && h.rng.Float64() < h.duplicateRate {
		items = append(items, scheduled{msg: msg, due: now.Add(h.latencyLocked())})
	}
	l := h.linkLocked(linkKey{from: msg.From, to: msg.To})
	h.mu.Unlock()

	l.push(items...)
	util.Stats.AddSent()
	return nil
}

// Close stops all link workers. Queued messages are discarded.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	h.mu.Unlock()

	h.wg.Wait()
}

func (h *Hub) latencyLocked() time.Duration {
	if h.maxLatency <= h.minLatency {
		return h.minLatency
	}
	return h.minLatency + time.Duration(h.rng.Int64N(int64(h.maxLatency-h.minLatency)+1))
}

func (h *Hub) linkLocked(key linkKey) *link {
	l, ok := h.links[key]
	if !ok {
		l = &link{notify: make(chan struct{}, 1)}
		h.links[key] = l
		h.wg.Add(1)
		go h.drain(key, l)
	}
	return l
}

func (l *link) push(items ...scheduled) {
	l.mu.Lock()
	l.queue = append(l.queue, items...)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *link) pop() (scheduled, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return scheduled{}, false
	}
	next := l.queue[0]
	l.queue[0] = scheduled{}
	l.queue = l.queue[1:]
	return next, true
}

// drain is the single consumer of one link.
func (h *Hub) drain(key linkKey, l *link) {
	defer h.wg.Done()

	for {
		next, ok := l.pop()
		if !ok {
			select {
			case <-l.notify:
				continue
			case <-h.done:
				return
			}
		}

		if wait := time.Until(next.due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-h.done:
				timer.Stop()
				return
			}
		}

		h.deliver(key, next.msg)
	}
}

func (h *Hub) deliver(key linkKey, msg Message) {
	h.mu.Lock()
	sub, ok := h.handlers[key.to]
	var fn Handler
	if ok {
		fn = sub.fn
	}
	h.mu.Unlock()

	if fn == nil {
		util.Stats.AddDropped()
		util.LogDebug("signaling: drop %s (no subscriber)", msg)
		return
	}
	util.Stats.AddRecv()
	fn(msg)
}
