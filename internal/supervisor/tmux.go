// Package supervisor starts, probes, and terminates the tmux sessions that
// host agent processes, and provides the pane capture and keystroke
// primitives the rest of the system is built on.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentview/agentview/internal/config"
)

// fieldSeparator delimits tmux -F format fields. ASCII Unit Separator avoids
// collision with pane content and session names.
const fieldSeparator = "\x1f"

type Supervisor struct {
	exec   executor
	logger *slog.Logger
}

func New(cfg config.Config, logger *slog.Logger) *Supervisor {
	return NewWithRunner(cfg, OSRunner{}, logger)
}

func NewWithRunner(cfg config.Config, runner Runner, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		exec:   executor{cfg: cfg, runner: runner},
		logger: logger.With("component", "supervisor"),
	}
}

// PaneExists probes whether the pane target resolves, without reading its
// content.
func (s *Supervisor) PaneExists(ctx context.Context, target string) bool {
	_, err := s.exec.run(ctx, "display-message", "-p", "-t", target, "#{pane_id}")
	return err == nil
}

// CapturePane returns the pane's visible buffer plus up to scrollback lines
// of history, oldest first. Trailing blank lines are dropped so captures of
// a partially filled screen diff cleanly.
func (s *Supervisor) CapturePane(ctx context.Context, target string, scrollback int) ([]string, error) {
	out, err := s.exec.run(ctx, "capture-pane", "-p", "-t", target, "-S", fmt.Sprintf("-%d", scrollback))
	if err != nil {
		return nil, fmt.Errorf("capture pane %s: %w", target, err)
	}
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

// SendLiteral types text into the pane without key-name interpretation.
func (s *Supervisor) SendLiteral(ctx context.Context, target, text string) error {
	if _, err := s.exec.run(ctx, "send-keys", "-t", target, "-l", text); err != nil {
		return fmt.Errorf("send literal to %s: %w", target, err)
	}
	return nil
}

// SendConfirm presses the input-confirm key in the pane.
func (s *Supervisor) SendConfirm(ctx context.Context, target string) error {
	if _, err := s.exec.run(ctx, "send-keys", "-t", target, "Enter"); err != nil {
		return fmt.Errorf("send confirm to %s: %w", target, err)
	}
	return nil
}

// SendInterrupt presses Escape in the pane, which interrupts the agent's
// current turn without killing it.
func (s *Supervisor) SendInterrupt(ctx context.Context, target string) error {
	if _, err := s.exec.run(ctx, "send-keys", "-t", target, "Escape"); err != nil {
		return fmt.Errorf("send interrupt to %s: %w", target, err)
	}
	return nil
}

// IsAlive reports whether the named tmux session exists. The "=" prefix
// forces an exact match instead of tmux's prefix matching.
func (s *Supervisor) IsAlive(ctx context.Context, sessionName string) bool {
	_, err := s.exec.run(ctx, "has-session", "-t", "="+sessionName)
	return err == nil
}

// ListLiveSessions returns the names of all running tmux sessions.
func (s *Supervisor) ListLiveSessions(ctx context.Context) ([]string, error) {
	out, err := s.exec.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		// No server running means no sessions, which is not an error for
		// startup reconciliation.
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// NewSession spawns a detached tmux session running command in workDir and
// returns the pane target of its single pane.
func (s *Supervisor) NewSession(ctx context.Context, name, workDir, command string) (string, error) {
	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	if command != "" {
		args = append(args, command)
	}
	if _, err := s.exec.run(ctx, args...); err != nil {
		return "", fmt.Errorf("new session %s: %w", name, err)
	}

	out, err := s.exec.run(ctx, "display-message", "-p", "-t", "="+name,
		fieldJoin("#{session_name}", "#{window_index}", "#{pane_index}"))
	if err != nil {
		return "", fmt.Errorf("resolve pane for session %s: %w", name, err)
	}
	parts := fieldSplit(strings.TrimSpace(out), 3)
	if len(parts) != 3 {
		return "", fmt.Errorf("unexpected display-message output for %s: %q", name, out)
	}
	target := fmt.Sprintf("%s:%s.%s", parts[0], parts[1], parts[2])
	s.logger.Info("spawned session", "session", name, "pane", target)
	return target, nil
}

// KillSession terminates the named tmux session and everything in it.
// Callers must detach any connector pipe first so no capture runs against a
// pane that no longer exists.
func (s *Supervisor) KillSession(ctx context.Context, name string) error {
	if _, err := s.exec.run(ctx, "kill-session", "-t", "="+name); err != nil {
		return fmt.Errorf("kill session %s: %w", name, err)
	}
	return nil
}

func fieldJoin(fields ...string) string {
	return strings.Join(fields, fieldSeparator)
}

func fieldSplit(line string, maxParts int) []string {
	if maxParts <= 0 {
		return nil
	}
	return strings.SplitN(line, fieldSeparator, maxParts)
}
