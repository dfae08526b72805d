// Package inputq routes typed input to session panes. Input for an idle
// session is delivered immediately; input for a busy session is queued FIFO
// and released one entry per idle transition.
package inputq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentview/agentview/internal/model"
)

// PaneInput is the supervisor surface the router delivers through.
type PaneInput interface {
	SendLiteral(ctx context.Context, target, text string) error
	SendConfirm(ctx context.Context, target string) error
}

// SessionSource resolves a session's pane target and last known status.
type SessionSource interface {
	Get(id string) (model.Session, bool)
}

// Result is the typed outcome of DeliverOrQueue.
type Result int

const (
	Delivered Result = iota
	Queued
)

type Router struct {
	pane   PaneInput
	store  SessionSource
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string][]model.InputQueueEntry
	locks  map[string]*sync.Mutex // per-session delivery serialization
}

func New(pane PaneInput, store SessionSource, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		pane:   pane,
		store:  store,
		logger: logger.With("component", "inputq"),
		queues: make(map[string][]model.InputQueueEntry),
		locks:  make(map[string]*sync.Mutex),
	}
}

// DeliverOrQueue sends text to the session's pane when the session is idle,
// and queues it otherwise. Input to an offline or unknown session is a typed
// error, never a silent drop.
func (r *Router) DeliverOrQueue(ctx context.Context, sessionID, text string) (Result, error) {
	sess, ok := r.store.Get(sessionID)
	if !ok {
		return 0, model.ErrSessionNotFound
	}
	switch sess.Status {
	case model.StatusOffline:
		return 0, model.ErrSessionOffline
	case model.StatusIdle:
		if err := r.deliver(ctx, sessionID, sess.PaneTarget, text); err != nil {
			return 0, err
		}
		return Delivered, nil
	default:
		r.mu.Lock()
		r.queues[sessionID] = append(r.queues[sessionID], model.InputQueueEntry{
			SessionID:  sessionID,
			Text:       text,
			EnqueuedAt: time.Now().UTC(),
		})
		depth := len(r.queues[sessionID])
		r.mu.Unlock()
		r.logger.Debug("input queued", "session", sessionID, "depth", depth)
		return Queued, nil
	}
}

// FlushOne releases the oldest queued entry for the session, if any. It is
// called on each idle transition; releasing one entry at a time keeps a
// backlog from arriving at the pane as a single burst.
func (r *Router) FlushOne(ctx context.Context, sessionID string) (bool, error) {
	r.mu.Lock()
	q := r.queues[sessionID]
	if len(q) == 0 {
		r.mu.Unlock()
		return false, nil
	}
	entry := q[0]
	r.queues[sessionID] = q[1:]
	r.mu.Unlock()

	sess, ok := r.store.Get(sessionID)
	if !ok {
		return false, model.ErrSessionNotFound
	}
	if err := r.deliver(ctx, sessionID, sess.PaneTarget, entry.Text); err != nil {
		// Put the entry back at the head so the order survives a transient
		// delivery failure.
		r.mu.Lock()
		r.queues[sessionID] = append([]model.InputQueueEntry{entry}, r.queues[sessionID]...)
		r.mu.Unlock()
		return false, err
	}
	return true, nil
}

// QueueLen reports the number of pending entries for a session.
func (r *Router) QueueLen(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues[sessionID])
}

// Drop discards a session's pending queue, used when the session ends.
func (r *Router) Drop(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, sessionID)
}

// deliver splits the text on embedded line breaks and sends each line as a
// discrete literal-plus-confirm pair. Sending an embedded newline as one
// literal token corrupts multi-line paste.
func (r *Router) deliver(ctx context.Context, sessionID, target, text string) error {
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	for _, line := range strings.Split(text, "\n") {
		if err := r.pane.SendLiteral(ctx, target, line); err != nil {
			return fmt.Errorf("send input: %w", err)
		}
		if err := r.pane.SendConfirm(ctx, target); err != nil {
			return fmt.Errorf("confirm input: %w", err)
		}
	}
	return nil
}

func (r *Router) sessionLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[sessionID] = lock
	}
	return lock
}
