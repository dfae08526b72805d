// Package watcher observes each session's working directory and reports
// file-count changes, giving clients a cheap signal that the agent is
// touching the tree.
package watcher

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// skipDirs are never watched or counted.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
	"__pycache__":  true,
}

// ChangeFunc is called with the new file count after a debounced change.
type ChangeFunc func(sessionID string, fileCount int)

type Watcher struct {
	debounce time.Duration
	onChange ChangeFunc
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*dirWatch
}

type dirWatch struct {
	sessionID string
	dir       string
	fsw       *fsnotify.Watcher
	stop      chan struct{}

	mu        sync.Mutex
	lastCount int
}

func New(debounce time.Duration, onChange ChangeFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		debounce: debounce,
		onChange: onChange,
		logger:   logger.With("component", "watcher"),
		sessions: make(map[string]*dirWatch),
	}
}

// Watch starts observing a session's working directory. Re-watching the
// same directory is a no-op; session updates arrive on every status flip
// and must not tear the watch down and re-walk the tree each time. A new
// directory replaces the previous watch.
func (w *Watcher) Watch(sessionID, dir string) error {
	w.mu.Lock()
	if prev, ok := w.sessions[sessionID]; ok && prev.dir == dir {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := addRecursive(fsw, dir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	dw := &dirWatch{
		sessionID: sessionID,
		dir:       dir,
		fsw:       fsw,
		stop:      make(chan struct{}),
		lastCount: -1,
	}

	w.mu.Lock()
	if prev, ok := w.sessions[sessionID]; ok {
		close(prev.stop)
		prev.fsw.Close()
	}
	w.sessions[sessionID] = dw
	w.mu.Unlock()

	go w.loop(dw)
	go w.recount(dw)
	return nil
}

// Unwatch stops observing a session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	dw, ok := w.sessions[sessionID]
	if ok {
		delete(w.sessions, sessionID)
	}
	w.mu.Unlock()
	if ok {
		close(dw.stop)
		dw.fsw.Close()
	}
}

// Close stops every watch.
func (w *Watcher) Close() {
	w.mu.Lock()
	all := w.sessions
	w.sessions = make(map[string]*dirWatch)
	w.mu.Unlock()
	for _, dw := range all {
		close(dw.stop)
		dw.fsw.Close()
	}
}

func (w *Watcher) loop(dw *dirWatch) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-dw.stop:
			return
		case event, ok := <-dw.fsw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !skipDirs[base] && !isHidden(base) {
						dw.fsw.Add(event.Name)
					}
				}
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() { w.recount(dw) })
		case err, ok := <-dw.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "session", dw.sessionID, "error", err)
		}
	}
}

func (w *Watcher) recount(dw *dirWatch) {
	count := countFiles(dw.dir)
	dw.mu.Lock()
	changed := count != dw.lastCount
	dw.lastCount = count
	dw.mu.Unlock()
	if changed && w.onChange != nil {
		w.onChange(dw.sessionID, count)
	}
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (skipDirs[name] || isHidden(name)) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

func countFiles(root string) int {
	count := 0
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (skipDirs[name] || isHidden(name)) {
				return filepath.SkipDir
			}
			return nil
		}
		if isHidden(name) {
			return nil
		}
		count++
		return nil
	})
	return count
}

func isHidden(name string) bool {
	return len(name) > 1 && name[0] == '.'
}
