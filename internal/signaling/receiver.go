package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pcall/internal/util"
)

// receiver reads signaling frames from one WebSocket connection (private).
type receiver struct {
	conn *websocket.Conn
}

// watch decodes frames until the connection fails, handing each valid message
// to fn. Undecodable or invalid frames are logged and skipped. A normal close
// returns nil.
func (r *receiver) watch(fn func(Message)) error {
	for {
		var msg Message
		if err := r.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				util.LogWarning("signaling: skip undecodable frame: %v", err)
				util.Stats.AddDropped()
				continue
			}
			return fmt.Errorf("failed to read WS message: %w", err)
		}

		if err := msg.Validate(); err != nil {
			util.LogWarning("signaling: skip frame: %v", err)
			util.Stats.AddDropped()
			continue
		}
		fn(msg)
	}
}
