// Package connector owns the per-session polling pipeline: capture the
// pane, diff against the last capture, classify the new lines, and fan the
// resulting events out to registered handlers.
package connector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentview/agentview/internal/classify"
	"github.com/agentview/agentview/internal/config"
	"github.com/agentview/agentview/internal/model"
)

// PaneSource is the supervisor surface the connector polls.
type PaneSource interface {
	PaneExists(ctx context.Context, target string) bool
	CapturePane(ctx context.Context, target string, scrollback int) ([]string, error)
}

// SessionStore is the registry surface the connector reads through. Status
// transitions are not written here; they travel as events to whoever owns
// the session table.
type SessionStore interface {
	Get(id string) (model.Session, bool)
	TouchActivity(id string)
}

// AttachResult is the typed outcome of Attach.
type AttachResult int

const (
	AttachSuccess AttachResult = iota
	AttachAlreadyAttached
	AttachPaneNotFound
)

// Handler receives classified events for one session. Handlers run on the
// session's poll goroutine and must not block.
type Handler func(sessionID string, ev model.OutputEvent)

// Registration is the ownership token returned by OnOutput. Releasing a
// registration requires the token, which makes the at-most-one-handler-per-
// subscriber invariant mechanically checkable.
type Registration struct {
	id        string
	sessionID string
	owner     string
}

func (r Registration) Valid() bool { return r.id != "" }

// pipeState is the explicit lifecycle of a session's polling pipe. The
// attaching state is what a concurrent Attach observes, which makes the
// double-attach race unrepresentable.
type pipeState int

const (
	pipeAttaching pipeState = iota
	pipeAttached
	pipeDetaching
)

type pipe struct {
	sessionID string
	target    string
	state     pipeState
	cancel    context.CancelFunc
	done      chan struct{}

	// Owned by the poll goroutine after attach; Attach writes the baseline
	// before the goroutine starts, so no lock is needed.
	baseline   []string
	failures   int
	lastStatus model.Status
}

type Connector struct {
	cfg    config.Config
	src    PaneSource
	store  SessionStore
	logger *slog.Logger

	mu       sync.Mutex
	pipes    map[string]*pipe
	handlers map[string]map[string]Handler // sessionID -> registrationID -> handler
	owners   map[string]map[string]string  // sessionID -> owner -> registrationID
}

func New(cfg config.Config, src PaneSource, store SessionStore, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		cfg:      cfg,
		src:      src,
		store:    store,
		logger:   logger.With("component", "connector"),
		pipes:    make(map[string]*pipe),
		handlers: make(map[string]map[string]Handler),
		owners:   make(map[string]map[string]string),
	}
}

// Attach starts the polling pipe for a session. It is idempotent: a second
// call while a pipe exists, including one still mid-setup, returns
// AttachAlreadyAttached without starting a second loop. No events are
// emitted until the baseline capture completes.
func (c *Connector) Attach(ctx context.Context, sessionID string) AttachResult {
	sess, ok := c.store.Get(sessionID)
	if !ok {
		return AttachPaneNotFound
	}

	c.mu.Lock()
	if existing, exists := c.pipes[sessionID]; exists && existing.state != pipeDetaching {
		c.mu.Unlock()
		return AttachAlreadyAttached
	}
	p := &pipe{
		sessionID:  sessionID,
		target:     sess.PaneTarget,
		state:      pipeAttaching,
		done:       make(chan struct{}),
		lastStatus: sess.Status,
	}
	c.pipes[sessionID] = p
	c.mu.Unlock()

	// Existence probe and baseline capture happen outside the lock; they are
	// subprocess calls and must not stall other sessions' attach/detach.
	if !c.src.PaneExists(ctx, p.target) {
		c.removePipe(sessionID, p)
		return AttachPaneNotFound
	}
	baseline, err := c.src.CapturePane(ctx, p.target, c.cfg.ScrollbackLines)
	if err != nil {
		c.logger.Warn("baseline capture failed", "session", sessionID, "error", err)
		c.removePipe(sessionID, p)
		return AttachPaneNotFound
	}
	p.baseline = baseline

	pollCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	c.mu.Lock()
	if c.pipes[sessionID] != p {
		// Detached while we were setting up.
		c.mu.Unlock()
		cancel()
		close(p.done)
		return AttachPaneNotFound
	}
	p.state = pipeAttached
	c.mu.Unlock()

	go c.pollLoop(pollCtx, p)
	c.logger.Info("attached", "session", sessionID, "pane", p.target)
	return AttachSuccess
}

// Detach cancels the session's poll loop and waits for it to stop, so no
// poll fires after Detach returns. Handler registrations owned by
// subscribers stay put; their lifecycle belongs to the subscriber.
func (c *Connector) Detach(sessionID string) {
	c.mu.Lock()
	p, ok := c.pipes[sessionID]
	if !ok || p.state == pipeDetaching {
		c.mu.Unlock()
		return
	}
	p.state = pipeDetaching
	cancel := p.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-p.done
	}

	c.mu.Lock()
	if c.pipes[sessionID] == p {
		delete(c.pipes, sessionID)
	}
	c.mu.Unlock()
	c.logger.Info("detached", "session", sessionID)
}

// Attached reports whether a live pipe exists for the session.
func (c *Connector) Attached(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pipes[sessionID]
	return ok && p.state != pipeDetaching
}

// OnOutput registers a handler for a session on behalf of owner. At most one
// registration exists per (session, owner) pair: registering again for the
// same owner first removes the previous handler.
func (c *Connector) OnOutput(sessionID, owner string, h Handler) Registration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if byOwner, ok := c.owners[sessionID]; ok {
		if oldID, ok := byOwner[owner]; ok {
			delete(c.handlers[sessionID], oldID)
		}
	}

	id := uuid.NewString()
	if c.handlers[sessionID] == nil {
		c.handlers[sessionID] = make(map[string]Handler)
	}
	if c.owners[sessionID] == nil {
		c.owners[sessionID] = make(map[string]string)
	}
	c.handlers[sessionID][id] = h
	c.owners[sessionID][owner] = id
	return Registration{id: id, sessionID: sessionID, owner: owner}
}

// OffOutput releases a registration. Stale tokens (already replaced or
// released) are ignored.
func (c *Connector) OffOutput(reg Registration) {
	if !reg.Valid() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if byOwner, ok := c.owners[reg.sessionID]; ok {
		if current, ok := byOwner[reg.owner]; ok && current == reg.id {
			delete(byOwner, reg.owner)
			if len(byOwner) == 0 {
				delete(c.owners, reg.sessionID)
			}
		}
	}
	if hs, ok := c.handlers[reg.sessionID]; ok {
		delete(hs, reg.id)
		if len(hs) == 0 {
			delete(c.handlers, reg.sessionID)
		}
	}
}

// HandlerCount reports the live registrations for a session.
func (c *Connector) HandlerCount(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[sessionID])
}

// DetachAll detaches every live pipe, used during shutdown.
func (c *Connector) DetachAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.pipes))
	for id := range c.pipes {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.Detach(id)
	}
}

func (c *Connector) removePipe(sessionID string, p *pipe) {
	c.mu.Lock()
	if c.pipes[sessionID] == p {
		delete(c.pipes, sessionID)
	}
	c.mu.Unlock()
	close(p.done)
}

func (c *Connector) pollLoop(ctx context.Context, p *pipe) {
	defer close(p.done)
	ticker := time.NewTicker(c.cfg.PollIntervalDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.poll(ctx, p) {
				return
			}
		}
	}
}

// poll runs one capture-diff-classify pass. It returns false when the pipe
// should stop (sustained capture failure).
func (c *Connector) poll(ctx context.Context, p *pipe) bool {
	capture, err := c.src.CapturePane(ctx, p.target, c.cfg.ScrollbackLines)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.failures++
		c.logger.Warn("capture failed", "session", p.sessionID, "failures", p.failures, "error", err)
		if p.failures >= c.cfg.CaptureFailLimit {
			c.markOffline(p)
			return false
		}
		return true
	}
	p.failures = 0

	newLines := DiffLines(p.baseline, capture)
	p.baseline = capture

	var events []model.OutputEvent
	if len(newLines) > 0 {
		events, _ = classify.Classify(newLines, classify.NewState(c.cfg.ToolOutputPreview))
		c.store.TouchActivity(p.sessionID)
	}

	if status, ok := classify.StatusHint(capture); ok && status != p.lastStatus {
		p.lastStatus = status
		events = append(events, model.OutputEvent{Kind: model.EventStatus, Status: status})
	}

	for _, ev := range events {
		c.emit(p.sessionID, ev)
	}
	return true
}

// markOffline tells subscribers the session is gone and tears the pipe down
// from inside its own loop. The registry transition is left to the status
// handler downstream; writing offline here first would make the event look
// like a no-op to anyone comparing against the stored status.
func (c *Connector) markOffline(p *pipe) {
	c.logger.Warn("session offline after repeated capture failures", "session", p.sessionID)
	c.emit(p.sessionID, model.OutputEvent{Kind: model.EventStatus, Status: model.StatusOffline})

	c.mu.Lock()
	if c.pipes[p.sessionID] == p {
		delete(c.pipes, p.sessionID)
	}
	c.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// emit delivers an event to a defensive copy of the handler list, so a
// handler that unregisters itself mid-iteration cannot corrupt iteration.
func (c *Connector) emit(sessionID string, ev model.OutputEvent) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers[sessionID]))
	for _, h := range c.handlers[sessionID] {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(sessionID, ev)
	}
}
