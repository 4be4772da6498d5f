package signaling

import (
	"context"
	"errors"
)

var (
	// ErrUnreachable reports that the addressee is not registered; the
	// message was dropped.
	ErrUnreachable = errors.New("signaling: recipient unreachable")
	ErrClosed      = errors.New("signaling: channel closed")
)

// Handler receives every message addressed to a subscribed identity. It is
// invoked from a shared dispatch goroutine and must not block.
type Handler func(Message)

// Channel is a point-to-point message bus keyed by identity. Delivery is
// at-least-once and ordered per (from, to) link; there is no ordering across
// links.
type Channel interface {
	// Register makes identity reachable.
	Register(identity string) error
	Unregister(identity string)
	// Subscribe installs the handler for messages addressed to identity.
	Subscribe(identity string, fn Handler) (cancel func(), err error)
	// Send queues msg for delivery to msg.To.
	Send(ctx context.Context, msg Message) error
}
