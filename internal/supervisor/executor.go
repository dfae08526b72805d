package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/agentview/agentview/internal/config"
)

// Runner abstracts subprocess execution so tests can substitute canned tmux
// output for real invocations.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, err
	}
	return out, nil
}

type executor struct {
	cfg    config.Config
	runner Runner
}

// run invokes tmux with a per-attempt timeout. Read-only commands are retried
// with backoff and jitter; commands with side effects get a single attempt so
// a retry can never double-deliver keystrokes.
func (e *executor) run(ctx context.Context, args ...string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("empty tmux command")
	}

	maxAttempts := 1
	if isRetryableCommand(args[0]) {
		maxAttempts += len(e.cfg.RetryBackoff)
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		runCtx, cancel := context.WithTimeout(ctx, e.cfg.CommandTimeoutDuration)
		out, err := e.runner.Run(runCtx, "tmux", args...)
		cancel()
		if err == nil {
			return string(out), nil
		}
		lastErr = err

		if attempt < maxAttempts {
			backoff := e.cfg.RetryBackoff[attempt-1]
			jitter := time.Duration(0)
			maxJitter := int64(backoff / 4)
			if maxJitter > 0 {
				jitter = time.Duration(time.Now().UTC().UnixNano() % maxJitter)
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
	}
	return "", fmt.Errorf("tmux %s: %w", args[0], lastErr)
}

func isRetryableCommand(command string) bool {
	switch strings.ToLower(command) {
	case "list-panes", "list-sessions", "display-message", "capture-pane", "has-session":
		return true
	default:
		return false
	}
}
