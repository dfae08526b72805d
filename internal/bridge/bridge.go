// Package bridge orchestrates the streaming pipeline: it turns client
// connect/disconnect/input/interrupt actions into connector and router
// calls, owns the one long-lived output handler per session, and fans
// events onto the broadcast bus.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentview/agentview/internal/bus"
	"github.com/agentview/agentview/internal/config"
	"github.com/agentview/agentview/internal/connector"
	"github.com/agentview/agentview/internal/inputq"
	"github.com/agentview/agentview/internal/model"
	"github.com/agentview/agentview/internal/security"
)

// Pipeline is the connector surface the bridge drives.
type Pipeline interface {
	Attach(ctx context.Context, sessionID string) connector.AttachResult
	Detach(sessionID string)
	OnOutput(sessionID, owner string, h connector.Handler) connector.Registration
	OffOutput(reg connector.Registration)
	DetachAll()
}

// Panes is the supervisor surface the bridge needs beyond what the
// connector and router already consume.
type Panes interface {
	SendInterrupt(ctx context.Context, target string) error
	NewSession(ctx context.Context, name, workDir, command string) (string, error)
	KillSession(ctx context.Context, name string) error
}

// Store is the registry surface.
type Store interface {
	Get(id string) (model.Session, bool)
	Add(s model.Session)
	List() []model.Session
	SetStatus(id string, status model.Status) (model.Session, bool)
	End(id, reason string) (model.Session, bool)
}

// Queue is the input router surface.
type Queue interface {
	DeliverOrQueue(ctx context.Context, sessionID, text string) (inputq.Result, error)
	FlushOne(ctx context.Context, sessionID string) (bool, error)
	Drop(sessionID string)
}

// Recorder persists classified events for replay. Nil-able: a bridge
// without history still streams.
type Recorder interface {
	Append(ctx context.Context, sessionID string, ev model.OutputEvent, retention int) error
}

// busOwner names the bridge's connector registrations so re-registering
// can never pile up a second handler for the same session.
const busOwner = "bridge"

type Bridge struct {
	cfg    config.Config
	pipes  Pipeline
	panes  Panes
	store  Store
	queue  Queue
	events *bus.Bus
	hist   Recorder
	logger *slog.Logger

	mu       sync.Mutex
	clients  map[string]int                    // sessionID -> connected client count
	handlers map[string]connector.Registration // sessionID -> bridge's bus handler
}

func New(cfg config.Config, pipes Pipeline, panes Panes, store Store, queue Queue, events *bus.Bus, hist Recorder, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:      cfg,
		pipes:    pipes,
		panes:    panes,
		store:    store,
		queue:    queue,
		events:   events,
		hist:     hist,
		logger:   logger.With("component", "bridge"),
		clients:  make(map[string]int),
		handlers: make(map[string]connector.Registration),
	}
}

// Connect registers one client on a session. The first client attaches the
// connector pipe and installs the bridge's single bus handler.
func (b *Bridge) Connect(ctx context.Context, sessionID string) error {
	sess, ok := b.store.Get(sessionID)
	if !ok {
		return model.ErrSessionNotFound
	}
	if sess.Status == model.StatusOffline {
		return model.ErrSessionOffline
	}

	b.mu.Lock()
	b.clients[sessionID]++
	first := b.clients[sessionID] == 1
	b.mu.Unlock()

	if !first {
		return nil
	}

	reg := b.pipes.OnOutput(sessionID, busOwner, b.handleEvent)
	switch b.pipes.Attach(ctx, sessionID) {
	case connector.AttachSuccess, connector.AttachAlreadyAttached:
	case connector.AttachPaneNotFound:
		b.pipes.OffOutput(reg)
		b.mu.Lock()
		b.clients[sessionID]--
		if b.clients[sessionID] <= 0 {
			delete(b.clients, sessionID)
		}
		b.mu.Unlock()
		b.store.End(sessionID, "pane not found on connect")
		return model.ErrPaneNotFound
	}

	b.mu.Lock()
	b.handlers[sessionID] = reg
	b.mu.Unlock()
	b.logger.Info("first client connected", "session", sessionID)
	return nil
}

// Disconnect drops one client. The last client tears the pipe and the bus
// handler down.
func (b *Bridge) Disconnect(sessionID string) {
	b.mu.Lock()
	if b.clients[sessionID] == 0 {
		b.mu.Unlock()
		return
	}
	b.clients[sessionID]--
	last := b.clients[sessionID] == 0
	var reg connector.Registration
	if last {
		delete(b.clients, sessionID)
		reg = b.handlers[sessionID]
		delete(b.handlers, sessionID)
	}
	b.mu.Unlock()

	if last {
		b.pipes.OffOutput(reg)
		b.pipes.Detach(sessionID)
		b.logger.Info("last client disconnected", "session", sessionID)
	}
}

// Sessions lists every known session.
func (b *Bridge) Sessions() []model.Session {
	return b.store.List()
}

// Input routes text toward the session's pane.
func (b *Bridge) Input(ctx context.Context, sessionID, text string) (inputq.Result, error) {
	return b.queue.DeliverOrQueue(ctx, sessionID, text)
}

// Interrupt sends the interrupt key to the session's pane.
func (b *Bridge) Interrupt(ctx context.Context, sessionID string) error {
	sess, ok := b.store.Get(sessionID)
	if !ok {
		return model.ErrSessionNotFound
	}
	if sess.Status == model.StatusOffline {
		return model.ErrSessionOffline
	}
	return b.panes.SendInterrupt(ctx, sess.PaneTarget)
}

// CreateSession spawns a detached tmux session running the agent command
// and records it.
func (b *Bridge) CreateSession(ctx context.Context, displayName, workDir string) (model.Session, error) {
	id := uuid.NewString()
	tmuxName := "agentview-" + id[:8]
	command := b.cfg.AgentCommand

	paneTarget, err := b.panes.NewSession(ctx, tmuxName, workDir, command)
	if err != nil {
		return model.Session{}, fmt.Errorf("spawn session: %w", err)
	}

	now := time.Now().UTC()
	sess := model.Session{
		ID:             id,
		DisplayName:    displayName,
		TmuxSession:    tmuxName,
		PaneTarget:     paneTarget,
		WorkDir:        workDir,
		Status:         model.StatusIdle,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	b.store.Add(sess)
	b.publishSessionUpdate(sess)
	b.logger.Info("session created", "session", id, "tmux", tmuxName, "dir", workDir)
	return sess, nil
}

// Kill terminates a session. The pipe is detached before the tmux session
// is killed so no capture runs against a dying pane.
func (b *Bridge) Kill(ctx context.Context, sessionID string) error {
	sess, ok := b.store.Get(sessionID)
	if !ok {
		return model.ErrSessionNotFound
	}

	b.mu.Lock()
	reg := b.handlers[sessionID]
	delete(b.handlers, sessionID)
	delete(b.clients, sessionID)
	b.mu.Unlock()
	b.pipes.OffOutput(reg)
	b.pipes.Detach(sessionID)
	b.queue.Drop(sessionID)

	if err := b.panes.KillSession(ctx, sess.TmuxSession); err != nil {
		b.logger.Warn("kill tmux session failed", "session", sessionID, "error", err)
	}
	ended, _ := b.store.End(sessionID, "killed")
	b.publishSessionUpdate(ended)
	return nil
}

// Shutdown unregisters every bus handler before detaching the pipes.
// Detaching first would let in-flight polls emit through handlers that are
// about to be abandoned.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	regs := make([]connector.Registration, 0, len(b.handlers))
	for _, reg := range b.handlers {
		regs = append(regs, reg)
	}
	b.handlers = make(map[string]connector.Registration)
	b.clients = make(map[string]int)
	b.mu.Unlock()

	for _, reg := range regs {
		b.pipes.OffOutput(reg)
	}
	b.pipes.DetachAll()
}

// handleEvent is the bridge's single per-session connector handler. Events
// are scrubbed, recorded, broadcast, and status transitions drive the
// session state machine and the input queue.
func (b *Bridge) handleEvent(sessionID string, ev model.OutputEvent) {
	ev = security.RedactEvent(ev)

	if ev.Kind == model.EventStatus {
		b.handleStatus(sessionID, ev.Status)
		return
	}

	if b.hist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := b.hist.Append(ctx, sessionID, ev, b.cfg.HistoryRetention); err != nil {
			b.logger.Warn("history append failed", "session", sessionID, "error", err)
		}
		cancel()
	}

	b.events.Publish(bus.Event{Type: bus.TypeOutputEvent, SessionID: sessionID, Payload: ev})
}

func (b *Bridge) handleStatus(sessionID string, to model.Status) {
	prev, ok := b.store.Get(sessionID)
	if !ok {
		return
	}
	from := prev.Status
	if from == to {
		return
	}

	var sess model.Session
	if to == model.StatusOffline {
		// Offline means the agent process is gone; stamp the termination
		// rather than writing a plain status.
		sess, ok = b.store.End(sessionID, "agent process unreachable")
	} else {
		sess, ok = b.store.SetStatus(sessionID, to)
	}
	if !ok {
		return
	}

	b.events.Publish(bus.Event{
		Type:      bus.TypeStatusChange,
		SessionID: sessionID,
		Payload:   StatusChange{From: from, To: to},
	})
	b.publishSessionUpdate(sess)

	// Each idle transition releases exactly one queued entry.
	if to == model.StatusIdle {
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.CommandTimeoutDuration)
		defer cancel()
		if released, err := b.queue.FlushOne(ctx, sessionID); err != nil {
			b.logger.Warn("queued input release failed", "session", sessionID, "error", err)
		} else if released {
			b.logger.Debug("released queued input", "session", sessionID)
		}
	}

	if to == model.StatusOffline {
		b.mu.Lock()
		reg := b.handlers[sessionID]
		delete(b.handlers, sessionID)
		delete(b.clients, sessionID)
		b.mu.Unlock()
		b.pipes.OffOutput(reg)
		b.queue.Drop(sessionID)
	}
}

// StatusChange is the status_change broadcast payload.
type StatusChange struct {
	From model.Status `json:"from"`
	To   model.Status `json:"to"`
}

func (b *Bridge) publishSessionUpdate(sess model.Session) {
	if sess.ID == "" {
		return
	}
	b.events.Publish(bus.Event{Type: bus.TypeSessionUpdate, SessionID: sess.ID, Payload: sess})
}
