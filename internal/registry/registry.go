// Package registry is the durable record of known sessions. It is the sole
// writer of Session state; every other component requests mutations through
// it and reads back the result.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentview/agentview/internal/model"
)

// Registry holds the in-memory session table and persists it as a JSON
// array at a fixed path. Saves are debounced and written with a
// write-temp-then-rename so a crash mid-write never corrupts the file.
type Registry struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]model.Session
	dirty    bool
	timer    *time.Timer
	closed   bool
}

func New(path string, debounce time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		path:     path,
		debounce: debounce,
		logger:   logger.With("component", "registry"),
		sessions: make(map[string]model.Session),
	}
}

// Load reads the persisted session file. A missing file starts empty; a
// malformed file logs a warning and starts empty rather than failing
// startup.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry: %w", err)
	}

	var sessions []model.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		r.logger.Warn("registry file is corrupt, starting empty", "path", r.path, "error", err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range sessions {
		if s.ID == "" {
			continue
		}
		r.sessions[s.ID] = s
	}
	return nil
}

// Reconcile compares loaded sessions against the live tmux sessions. Entries
// whose tmux session is gone are pruned; survivors are reset to idle pending
// reconnection.
func (r *Registry) Reconcile(alive func(tmuxSession string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.sessions {
		if !alive(s.TmuxSession) {
			r.logger.Info("pruning dead session", "session", id, "tmux", s.TmuxSession)
			delete(r.sessions, id)
			r.dirty = true
			continue
		}
		if s.Status != model.StatusIdle {
			s.Status = model.StatusIdle
			r.sessions[id] = s
			r.dirty = true
		}
	}
	r.scheduleSaveLocked()
}

// Add records a new session and schedules a save.
func (r *Registry) Add(s model.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	r.dirty = true
	r.scheduleSaveLocked()
}

func (r *Registry) Get(id string) (model.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns all sessions ordered by creation time, newest last.
func (r *Registry) List() []model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SetStatus applies a status change if the transition is allowed. Offline is
// terminal; a write against an offline session is ignored.
func (r *Registry) SetStatus(id string, status model.Status) (model.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	if s.Status == status {
		return s, true
	}
	if !model.ValidTransition(s.Status, status) {
		return s, false
	}
	s.Status = status
	s.LastActivityAt = time.Now().UTC()
	r.sessions[id] = s
	r.dirty = true
	r.scheduleSaveLocked()
	return s, true
}

// TouchActivity bumps lastActivityAt without a status change. Activity
// bumps alone do not schedule a save; they ride along with the next one.
func (r *Registry) TouchActivity(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.LastActivityAt = time.Now().UTC()
	r.sessions[id] = s
	r.dirty = true
}

// End marks a session terminated: status offline, endedAt stamped.
func (r *Registry) End(id, reason string) (model.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	now := time.Now().UTC()
	s.Status = model.StatusOffline
	s.EndedAt = &now
	s.EndReason = reason
	r.sessions[id] = s
	r.dirty = true
	r.scheduleSaveLocked()
	return s, true
}

// Remove deletes a session record entirely.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	r.dirty = true
	r.scheduleSaveLocked()
}

// Flush writes any pending state synchronously. Called on shutdown.
func (r *Registry) Flush() error {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	snapshot := r.snapshotLocked()
	r.dirty = false
	r.mu.Unlock()
	return r.write(snapshot)
}

// Close flushes and stops the debounce timer for good.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.Flush()
}

func (r *Registry) scheduleSaveLocked() {
	if r.closed || !r.dirty || r.timer != nil {
		return
	}
	r.timer = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		r.timer = nil
		if !r.dirty {
			r.mu.Unlock()
			return
		}
		snapshot := r.snapshotLocked()
		r.dirty = false
		r.mu.Unlock()

		if err := r.write(snapshot); err != nil {
			r.logger.Warn("registry save failed", "error", err)
			r.mu.Lock()
			r.dirty = true
			r.scheduleSaveLocked()
			r.mu.Unlock()
		}
	})
}

func (r *Registry) snapshotLocked() []model.Session {
	out := make([]model.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// write persists a snapshot with atomic replace. The temp file lives in the
// same directory so the rename stays on one filesystem.
func (r *Registry) write(sessions []model.Session) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp registry: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp registry: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}
