package classify

import (
	"strings"

	"github.com/agentview/agentview/internal/model"
)

// statusScanWindow bounds how far up from the bottom of a capture the status
// scan looks; anything above that is scrollback, not current state.
const statusScanWindow = 15

// StatusHint inspects a full pane capture from the bottom up and infers the
// session's current status. It returns false when the capture shows no
// recognizable signal, in which case the previous status stands.
func StatusHint(lines []string) (model.Status, bool) {
	seen := 0
	for i := len(lines) - 1; i >= 0 && seen < statusScanWindow; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		seen++
		lower := strings.ToLower(trimmed)

		switch {
		case isDialogSelector(trimmed):
			// "❯ 1. Yes" means a permission dialog's select cursor is on
			// screen, even when the dialog header has scrolled off.
			return model.StatusWaitingPermission, true
		case isPermissionSignal(lower):
			return model.StatusWaitingPermission, true
		case isWorkingSignal(trimmed, lower):
			return model.StatusWorking, true
		case isIdleSignal(trimmed, lower):
			return model.StatusIdle, true
		}
	}
	return "", false
}

func isPermissionSignal(lower string) bool {
	return strings.Contains(lower, "needs your permission") ||
		strings.Contains(lower, "do you want to proceed?") ||
		strings.Contains(lower, "do you want to make this edit") ||
		strings.Contains(lower, "waiting for approval") ||
		strings.Contains(lower, "approval required")
}

func isWorkingSignal(trimmed, lower string) bool {
	if strings.Contains(lower, "esc to interrupt") || strings.Contains(lower, "ctrl+c to interrupt") {
		return true
	}
	// Braille spinner characters render only while a turn is running.
	for _, r := range trimmed {
		if r >= '⠋' && r <= '⠿' {
			return true
		}
	}
	if content, ok := agentMarker(trimmed); ok && isWorkingIndicator(content) {
		return true
	}
	return false
}

func isIdleSignal(trimmed, lower string) bool {
	if trimmed == ">" || strings.HasPrefix(trimmed, "> ") ||
		trimmed == "❯" || strings.HasPrefix(trimmed, "❯ ") {
		return true
	}
	return strings.Contains(lower, "? for shortcuts") ||
		strings.Contains(lower, "ready for input")
}

func isDialogSelector(trimmed string) bool {
	const prefix = "❯ "
	if !strings.HasPrefix(trimmed, prefix) {
		return false
	}
	rest := trimmed[len(prefix):]
	return len(rest) >= 2 && rest[0] >= '1' && rest[0] <= '9' && rest[1] == '.'
}
