// Package control implements the single WebSocket control endpoint:
// it broadcasts every dispatched event to connected observers as JSON
// and forwards their start/pause/resume/shutdown commands back to the
// simulation via a bounded command channel. The server never parses
// simulation state — it is a pure transport, matching the read/write
// JSON-message idiom in the teacher's Home Assistant WebSocket client,
// inverted here into a server endpoint.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/billdback/scarab/internal/scarab/event"
)

// Action is one of the four control commands a client may send.
type Action string

const (
	ActionStart    Action = "start"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionShutdown Action = "shutdown"
)

// Command is a decoded control message forwarded to the Simulation.
type Command struct {
	Action Action
}

// commandFrame is the wire shape clients send: {"action": "..."}.
type commandFrame struct {
	Action string `json:"action"`
}

// sendQueueSize bounds each client's outgoing buffer. A client whose
// buffer is full when a broadcast arrives is disconnected rather than
// allowed to stall dispatch.
const sendQueueSize = 64

// maxConns bounds concurrent observer connections via
// golang.org/x/net/netutil, a defensive resource cap rather than a
// functional requirement of the protocol.
const maxConns = 1024

// Server is the single control-channel WebSocket endpoint.
type Server struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	commands chan Command

	mu      sync.Mutex
	clients map[*client]struct{}

	httpServer *http.Server
	listener   net.Listener
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// New constructs a control server. commandBuf sizes the bounded
// command channel consumed by the Simulation's run loop.
func New(logger *slog.Logger, commandBuf int) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if commandBuf <= 0 {
		commandBuf = 16
	}
	return &Server{
		logger:   logger,
		upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		commands: make(chan Command, commandBuf),
		clients:  make(map[*client]struct{}),
	}
}

// Commands returns the channel the run loop reads control commands
// from.
func (s *Server) Commands() <-chan Command {
	return s.commands
}

// ListenAndServe binds host:port and serves the control endpoint until
// ctx is cancelled or Close is called. Returns a non-nil error only on
// bind failure or an abnormal shutdown.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln = netutil.LimitListener(ln, maxConns)
	s.listener = ln

	s.httpServer = &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return s.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Close idempotently shuts down the listener and disconnects every
// client.
func (s *Server) Close() error {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for _, c := range clients {
		s.disconnect(c)
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// handleWS upgrades the connection, adds it to the broadcast set (no
// prior-state snapshot is sent), and starts its read/write pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendQueueSize), done: make(chan struct{})}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go s.writePump(c)
	s.readPump(c)
}

// readPump reads control frames until the connection closes or errors.
// Unrecognized shapes and unknown actions are logged and ignored, per
// the protocol's "never block dispatch, never trust the client" rule.
func (s *Server) readPump(c *client) {
	defer s.disconnect(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame commandFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Debug("malformed control frame", "error", err)
			continue
		}

		action := Action(frame.Action)
		switch action {
		case ActionStart, ActionPause, ActionResume, ActionShutdown:
			select {
			case s.commands <- Command{Action: action}:
			default:
				s.logger.Warn("command channel full, dropping command", "action", action)
			}
		default:
			s.logger.Debug("unrecognized control action, ignoring", "action", frame.Action)
		}
	}
}

// writePump drains c.send to the socket. Exits when c.done closes
// (disconnect) or the socket errors.
func (s *Server) writePump(c *client) {
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.disconnect(c)
				return
			}
		}
	}
}

// disconnect removes c from the broadcast set and closes its
// connection. Idempotent: safe to call more than once for the same
// client.
func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	s.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.conn.Close()
}

// Broadcast serializes e once and attempts to send it to every
// connected client. A client whose send buffer cannot accept the
// message immediately is disconnected rather than allowed to stall
// the dispatch thread; other clients are unaffected.
func (s *Server) Broadcast(e event.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("failed to marshal event for broadcast", "event", e.Name, "error", err)
		return
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			s.logger.Warn("client send buffer full, disconnecting")
			s.disconnect(c)
		}
	}
}

// ClientCount returns the number of currently connected observers.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
