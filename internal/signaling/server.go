package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pcall/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is a WebSocket relay: each identity holds one connection at
// /ws?id=<identity>&pin=<pin>, and every frame it sends is forwarded to the
// connection of the frame's "to" identity. Frames for identities that are not
// connected are dropped.
type Server struct {
	pin      string
	listener net.Listener
	httpSrv  *http.Server

	mu    sync.Mutex
	peers map[string]*sender
}

// NewServer creates a relay. An empty pin disables the PIN check.
func NewServer(pin string) *Server {
	return &Server{
		pin:   pin,
		peers: make(map[string]*sender),
	}
}

// Handler returns the relay's HTTP routes (/ws and /users).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/users", s.handleUsers)
	return mux
}

// Start begins listening on addr (":0" picks a random port). Returns the
// bound address.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("relay: serve: %v", err)
		}
	}()

	return listener.Addr(), nil
}

// Shutdown stops accepting connections and closes every peer connection.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*sender)
	s.mu.Unlock()

	errs := []error{err}
	for _, p := range peers {
		errs = append(errs, p.closeWith(websocket.CloseGoingAway, "relay shutting down"))
	}
	return errors.Join(errs...)
}

// Users returns the identities currently connected, sorted.
func (s *Server) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.peers))
	for id := range s.peers {
		users = append(users, id)
	}
	slices.Sort(users)
	return users
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Users())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.pin != "" && r.URL.Query().Get("pin") != s.pin {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	out := &sender{conn: conn}

	// One connection per identity.
	s.mu.Lock()
	if _, taken := s.peers[id]; taken {
		s.mu.Unlock()
		_ = out.closeWith(websocket.ClosePolicyViolation, "already connected")
		return
	}
	s.peers[id] = out
	s.mu.Unlock()
	util.LogInfo("relay: %s connected", id)

	defer func() {
		s.mu.Lock()
		if s.peers[id] == out {
			delete(s.peers, id)
		}
		s.mu.Unlock()
		conn.Close()
		util.LogInfo("relay: %s disconnected", id)
	}()

	r2 := &receiver{conn: conn}
	if err := r2.watch(func(msg Message) { s.forward(id, msg) }); err != nil {
		util.LogDebug("relay: %s: %v", id, err)
	}
}

// forward relays msg from the authenticated identity from. The sender's
// claimed "from" is overwritten so peers cannot impersonate each other.
func (s *Server) forward(from string, msg Message) {
	msg.From = from
	if msg.From == msg.To {
		util.Stats.AddDropped()
		return
	}

	s.mu.Lock()
	dst, ok := s.peers[msg.To]
	s.mu.Unlock()

	if !ok {
		util.Stats.AddDropped()
		util.LogDebug("relay: drop %s (unreachable)", msg)
		return
	}
	if err := dst.send(msg); err != nil {
		util.Stats.AddDropped()
		util.LogWarning("relay: forward %s: %v", msg, err)
		return
	}
	util.Stats.AddSent()
}
