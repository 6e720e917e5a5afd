// Package websocket is the WebSocket channel adapter. Clients authenticate
// with a username and password in their first frame and then exchange JSON
// frames with the gateway.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/lifeline/internal/channel"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

const (
	authTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 64 << 10
)

// Frame types.
const (
	FrameAuth      = "auth"
	FrameAuthOK    = "auth_ok"
	FrameMessage   = "message"
	FrameApprove   = "approve"
	FrameDeny      = "deny"
	FrameBroadcast = "broadcast"
	FrameApproval  = "approval"
	FrameError     = "error"
)

// Frame is the JSON envelope in both directions. Unused fields are omitted.
type Frame struct {
	Type      string     `json:"type"`
	Username  string     `json:"username,omitempty"`
	Password  string     `json:"password,omitempty"`
	Identity  string     `json:"identity,omitempty"`
	Text      string     `json:"text,omitempty"`
	Markdown  string     `json:"markdown,omitempty"`
	ID        string     `json:"id,omitempty"`
	Requester string     `json:"requester,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Authenticator verifies first-frame credentials.
type Authenticator interface {
	Authenticate(username, password string) (types.Identity, error)
}

// Server implements channel.Channel and http.Handler. Mount it on the HTTP
// server at the configured path.
type Server struct {
	auth     Authenticator
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	handler channel.Handler
	ctx     context.Context
	conns   map[types.Identity]map[*conn]struct{}
	stopped bool
}

type conn struct {
	ws      *websocket.Conn
	id      types.Identity
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// New creates the adapter.
func New(auth Authenticator) *Server {
	return &Server{
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[types.Identity]map[*conn]struct{}),
	}
}

// Name returns the channel identifier
func (s *Server) Name() string { return types.ChannelWebSocket }

// Start begins accepting connections.
func (s *Server) Start(ctx context.Context, h channel.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
	s.ctx = ctx
	s.stopped = false
	return nil
}

// Stop closes every connection and refuses new ones.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.stopped = true
	var all []*conn
	for _, set := range s.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	s.conns = make(map[types.Identity]map[*conn]struct{})
	s.mu.Unlock()

	for _, c := range all {
		c.close(websocket.CloseGoingAway, "gateway stopping")
	}
	return nil
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	ready := s.handler != nil && !s.stopped
	s.mu.RUnlock()
	if !ready {
		http.Error(w, "websocket channel not running", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_debug("websocket: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	id, err := s.authenticate(ws)
	if err != nil {
		L_info("websocket: authentication failed", "remote", r.RemoteAddr, "error", err)
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = ws.WriteJSON(Frame{Type: FrameError, Text: "authentication failed"})
		_ = ws.Close()
		return
	}

	c := &conn{ws: ws, id: id, done: make(chan struct{})}
	if !s.add(c) {
		c.close(websocket.CloseGoingAway, "gateway stopping")
		return
	}
	defer s.remove(c)

	if err := c.write(Frame{Type: FrameAuthOK, Identity: id.String()}); err != nil {
		return
	}
	L_info("websocket: client connected", "identity", id.String(), "remote", r.RemoteAddr)
	go c.pingLoop()
	s.readLoop(c)
	L_debug("websocket: client disconnected", "identity", id.String())
}

func (s *Server) authenticate(ws *websocket.Conn) (types.Identity, error) {
	_ = ws.SetReadDeadline(time.Now().Add(authTimeout))
	var f Frame
	if err := ws.ReadJSON(&f); err != nil {
		return types.Identity{}, err
	}
	if f.Type != FrameAuth {
		return types.Identity{}, fmt.Errorf("expected %q frame, got %q", FrameAuth, f.Type)
	}
	return s.auth.Authenticate(f.Username, f.Password)
}

func (s *Server) readLoop(c *conn) {
	defer c.close(websocket.CloseNormalClosure, "")
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				L_debug("websocket: read ended", "identity", c.id.String(), "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		text, ok := inboundText(f)
		if !ok {
			_ = c.write(Frame{Type: FrameError, Text: fmt.Sprintf("unsupported frame type %q", f.Type)})
			continue
		}
		if text == "" {
			continue
		}

		s.mu.RLock()
		h, ctx := s.handler, s.ctx
		s.mu.RUnlock()
		h(ctx, types.InboundMessage{From: c.id, Text: text, ReceivedAt: time.Now()})
	}
}

// inboundText maps a client frame to the text handed to the gateway.
// Approve and deny frames become the equivalent slash commands.
func inboundText(f Frame) (string, bool) {
	switch f.Type {
	case FrameMessage:
		return strings.TrimSpace(f.Text), true
	case FrameApprove, FrameDeny:
		if f.ID == "" {
			return "", true
		}
		return "/" + f.Type + " " + f.ID, true
	}
	return "", false
}

func (s *Server) add(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	set := s.conns[c.id]
	if set == nil {
		set = make(map[*conn]struct{})
		s.conns[c.id] = set
	}
	set[c] = struct{}{}
	return true
}

func (s *Server) remove(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.conns[c.id]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(s.conns, c.id)
		}
	}
}

func (s *Server) connsFor(id types.Identity) []*conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*conn, 0, len(s.conns[id]))
	for c := range s.conns[id] {
		out = append(out, c)
	}
	return out
}

// Connected returns the identities with at least one open connection.
func (s *Server) Connected() []types.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Identity, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

// Send writes msg to every connection of the identity.
func (s *Server) Send(_ context.Context, to types.Identity, msg types.Message) error {
	conns := s.connsFor(to)
	if len(conns) == 0 {
		return fmt.Errorf("websocket: %s is not connected", to)
	}
	return writeAll(conns, outboundFrame(msg, FrameMessage))
}

// Broadcast writes msg to every authenticated connection.
func (s *Server) Broadcast(_ context.Context, msg types.Message) error {
	var conns []*conn
	for _, id := range s.Connected() {
		conns = append(conns, s.connsFor(id)...)
	}
	return writeAll(conns, outboundFrame(msg, FrameBroadcast))
}

func writeAll(conns []*conn, f Frame) error {
	var errs []error
	for _, c := range conns {
		if err := c.write(f); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.id, err))
		}
	}
	return errors.Join(errs...)
}

func outboundFrame(msg types.Message, kind string) Frame {
	f := Frame{Type: kind, Text: msg.Body(), Markdown: msg.Markdown}
	if a := msg.Approval; a != nil {
		f.Type = FrameApproval
		f.ID = a.ID
		if !a.Requester.IsZero() {
			f.Requester = a.Requester.String()
		}
		if !a.ExpiresAt.IsZero() {
			exp := a.ExpiresAt
			f.ExpiresAt = &exp
		}
	}
	return f
}

func (c *conn) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(f)
}

func (c *conn) pingLoop() {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.close(websocket.CloseGoingAway, "")
				return
			}
		}
	}
}

func (c *conn) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}
