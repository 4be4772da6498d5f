package signaling

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pcall/internal/util"
)

// Compile-time interface check.
var _ Channel = (*Client)(nil)

// Client is a Channel backed by one relay connection. It serves exactly one
// identity: the one it dialed with. The relay drops frames for peers that are
// not connected, so Send never reports ErrUnreachable.
type Client struct {
	identity string
	out      *sender

	mu  sync.Mutex
	sub *subscription

	done chan struct{}
	err  error
}

// Dial connects to the relay at base (e.g. ws://127.0.0.1:8080/ws) as
// identity and starts the read loop.
func Dial(ctx context.Context, base, identity, pin string) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	q := u.Query()
	q.Set("id", identity)
	if pin != "" {
		q.Set("pin", pin)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}

	c := &Client{
		identity: identity,
		out:      &sender{conn: conn},
		done:     make(chan struct{}),
	}
	go c.readLoop(conn)
	return c, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	r := &receiver{conn: conn}
	err := r.watch(func(msg Message) {
		if msg.To != c.identity {
			util.Stats.AddDropped()
			return
		}
		var fn Handler
		c.mu.Lock()
		if c.sub != nil {
			fn = c.sub.fn
		}
		c.mu.Unlock()
		if fn == nil {
			util.Stats.AddDropped()
			return
		}
		util.Stats.AddRecv()
		fn(msg)
	})
	if err != nil {
		util.LogWarning("signaling: relay connection lost: %v", err)
	}
	c.err = err
	close(c.done)
}

// Register succeeds only for the dialed identity.
func (c *Client) Register(identity string) error {
	if identity != c.identity {
		return fmt.Errorf("signaling: client is bound to %q, not %q", c.identity, identity)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
		return nil
	}
}

// Unregister is a no-op; closing the client leaves the relay.
func (c *Client) Unregister(string) {}

func (c *Client) Subscribe(identity string, fn Handler) (func(), error) {
	if err := c.Register(identity); err != nil {
		return nil, err
	}
	sub := &subscription{fn: fn}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.sub == sub {
			c.sub = nil
		}
	}, nil
}

func (c *Client) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.out.send(msg); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	util.Stats.AddSent()
	return nil
}

// Done is closed when the relay connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. Valid after Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) Close() error {
	err := c.out.closeWith(websocket.CloseNormalClosure, "bye")
	<-c.done
	return err
}
