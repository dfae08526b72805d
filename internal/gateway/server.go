// Package gateway terminates client connections. Each WebSocket client
// subscribes to sessions; for every (connection, session) pair exactly one
// connector handler is registered and released again on disconnect or
// connection close. Every duplicate-delivery defect traced in systems like
// this one starts at that pairing, so the bookkeeping here is strict.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentview/agentview/internal/bridge"
	"github.com/agentview/agentview/internal/bus"
	"github.com/agentview/agentview/internal/config"
	"github.com/agentview/agentview/internal/connector"
	"github.com/agentview/agentview/internal/history"
	"github.com/agentview/agentview/internal/inputq"
	"github.com/agentview/agentview/internal/model"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBuffer    = 256
)

var upgrader = websocket.Upgrader{
	// The daemon binds loopback; cross-origin browsers on the same host are
	// allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Core is the bridge surface the gateway drives.
type Core interface {
	Connect(ctx context.Context, sessionID string) error
	Disconnect(sessionID string)
	Input(ctx context.Context, sessionID, text string) (inputq.Result, error)
	Interrupt(ctx context.Context, sessionID string) error
	CreateSession(ctx context.Context, displayName, workDir string) (model.Session, error)
	Kill(ctx context.Context, sessionID string) error
	Sessions() []model.Session
}

// Pipeline is the connector surface used for per-client handler
// registration.
type Pipeline interface {
	OnOutput(sessionID, owner string, h connector.Handler) connector.Registration
	OffOutput(reg connector.Registration)
}

// Replayer serves recent history on connect. Nil disables replay.
type Replayer interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]history.Record, error)
}

type Server struct {
	cfg    config.Config
	core   Core
	pipes  Pipeline
	hist   Replayer
	events *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	id   string
	conn *websocket.Conn
	srv  *Server
	send chan []byte

	mu     sync.Mutex
	closed bool
	subs   map[string]connector.Registration // sessionID -> handler registration
	busSub string
}

func NewServer(cfg config.Config, core Core, pipes Pipeline, hist Replayer, events *bus.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		core:    core,
		pipes:   pipes,
		hist:    hist,
		events:  events,
		logger:  logger.With("component", "gateway"),
		clients: make(map[*client]struct{}),
	}
}

// Handler returns the full HTTP surface: the WebSocket endpoint plus the
// REST routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	s.registerREST(mux)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		srv:  s,
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]connector.Registration),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	// Session-level broadcasts (updates, status changes, file activity) go
	// to every client; per-session output flows only through the client's
	// own subscriptions.
	c.busSub = s.events.Subscribe(c.handleBroadcast)

	for _, sess := range s.core.Sessions() {
		c.push(MsgSessionUpdate, SessionUpdatePayload{Session: sess})
	}

	go c.writePump()
	go c.readPump()
	s.logger.Info("client connected", "client", c.id)
}

// Shutdown closes every client connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	all := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		all = append(all, c)
	}
	s.mu.Unlock()
	for _, c := range all {
		c.conn.Close()
	}
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()

	s.events.Unsubscribe(c.busSub)

	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]connector.Registration)
	c.mu.Unlock()

	for sessionID, reg := range subs {
		s.pipes.OffOutput(reg)
		s.core.Disconnect(sessionID)
	}
	close(c.send)
	s.logger.Info("client disconnected", "client", c.id)
}

func (c *client) readPump() {
	defer func() {
		c.srv.dropClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.logger.Warn("websocket read failed", "client", c.id, "error", err)
			}
			return
		}
		c.handleMessage(raw)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handleMessage(raw []byte) {
	msg, err := validateClientMessage(raw)
	if err != nil {
		c.pushError(model.ErrCodeInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case MsgSessionConnect:
		var p SessionRefPayload
		json.Unmarshal(msg.Payload, &p) //nolint:errcheck
		c.handleConnect(p.SessionID)
	case MsgSessionDisconnect:
		var p SessionRefPayload
		json.Unmarshal(msg.Payload, &p) //nolint:errcheck
		c.handleDisconnect(p.SessionID)
	case MsgSessionInput:
		var p SessionInputPayload
		json.Unmarshal(msg.Payload, &p) //nolint:errcheck
		if _, err := c.srv.core.Input(context.Background(), p.SessionID, p.Text); err != nil {
			c.pushError(errorCode(err), err.Error())
		}
	case MsgSessionInterrupt:
		var p SessionRefPayload
		json.Unmarshal(msg.Payload, &p) //nolint:errcheck
		if err := c.srv.core.Interrupt(context.Background(), p.SessionID); err != nil {
			c.pushError(errorCode(err), err.Error())
		}
	}
}

// handleConnect subscribes this connection to a session: bridge connect,
// history replay, then exactly one connector handler owned by this
// connection. A repeated connect for the same session is a no-op.
func (c *client) handleConnect(sessionID string) {
	c.mu.Lock()
	if _, already := c.subs[sessionID]; already {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.srv.core.Connect(context.Background(), sessionID); err != nil {
		c.pushError(errorCode(err), err.Error())
		return
	}

	c.replayHistory(sessionID)

	reg := c.srv.pipes.OnOutput(sessionID, c.id, func(id string, ev model.OutputEvent) {
		c.push(MsgOutputEvent, OutputEventPayload{SessionID: id, Event: ev})
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.srv.pipes.OffOutput(reg)
		c.srv.core.Disconnect(sessionID)
		return
	}
	c.subs[sessionID] = reg
	c.mu.Unlock()
}

// handleDisconnect releases exactly the registration recorded for this
// (connection, session) pair.
func (c *client) handleDisconnect(sessionID string) {
	c.mu.Lock()
	reg, ok := c.subs[sessionID]
	if ok {
		delete(c.subs, sessionID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.srv.pipes.OffOutput(reg)
	c.srv.core.Disconnect(sessionID)
}

func (c *client) replayHistory(sessionID string) {
	if c.srv.hist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	recs, err := c.srv.hist.Recent(ctx, sessionID, c.srv.cfg.HistoryReplay)
	if err != nil {
		c.srv.logger.Warn("history replay failed", "session", sessionID, "error", err)
		return
	}
	for _, rec := range recs {
		c.push(MsgOutputEvent, OutputEventPayload{SessionID: sessionID, Event: rec.Event, Replay: true})
	}
}

func (c *client) handleBroadcast(ev bus.Event) {
	switch ev.Type {
	case bus.TypeSessionUpdate:
		if sess, ok := ev.Payload.(model.Session); ok {
			c.push(MsgSessionUpdate, SessionUpdatePayload{Session: sess})
		}
	case bus.TypeStatusChange:
		if sc, ok := ev.Payload.(bridge.StatusChange); ok {
			c.push(MsgStatusChange, StatusChangePayload{SessionID: ev.SessionID, From: sc.From, To: sc.To})
		}
	case bus.TypeFilesUpdate:
		if p, ok := ev.Payload.(FilesUpdatePayload); ok {
			c.push(MsgFilesUpdate, p)
		}
	}
}

// push serializes and queues a message for this client. Sends are guarded:
// a closed client or a full buffer drops the frame instead of blocking the
// emitter or writing after close.
func (c *client) push(msgType string, payload any) {
	msg, err := newMessage(msgType, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
	default:
		c.srv.logger.Warn("send buffer full, dropping frame", "client", c.id, "type", msgType)
	}
	c.mu.Unlock()
}

func (c *client) pushError(code, message string) {
	c.push(MsgError, ErrorPayload{Code: code, Message: message})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		return model.ErrCodeSessionNotFound
	case errors.Is(err, model.ErrSessionOffline):
		return model.ErrCodeSessionOffline
	case errors.Is(err, model.ErrPaneNotFound):
		return model.ErrCodePaneNotFound
	default:
		return model.ErrCodeTmuxUnreachable
	}
}
