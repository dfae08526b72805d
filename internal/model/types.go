package model

import (
	"errors"
	"time"
)

// Status is the normalized session state persisted in the registry.
type Status string

const (
	StatusIdle              Status = "idle"
	StatusWorking           Status = "working"
	StatusWaitingPermission Status = "waiting_permission"
	StatusOffline           Status = "offline"
)

// ValidTransition reports whether a bridge-driven status change is legal.
// Offline is terminal; the live states may move freely between each other.
// A transition to the current state is a no-op, not an error.
func ValidTransition(from, to Status) bool {
	if from == StatusOffline {
		return false
	}
	switch to {
	case StatusIdle, StatusWorking, StatusWaitingPermission, StatusOffline:
		return true
	default:
		return false
	}
}

// Session is the durable record of a managed agent session. The registry is
// the sole writer; every other component requests mutations through it.
type Session struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	// TmuxSession and PaneTarget are the multiplexer coordinates: the tmux
	// session hosting the agent and the pane target polled by the connector.
	TmuxSession    string     `json:"tmuxSession"`
	PaneTarget     string     `json:"paneTarget"`
	WorkDir        string     `json:"workDir"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	EndReason      string     `json:"endReason,omitempty"`
}

// EventKind tags an OutputEvent variant.
type EventKind string

const (
	EventMessage           EventKind = "message"
	EventToolUse           EventKind = "tool_use"
	EventToolResult        EventKind = "tool_result"
	EventStatus            EventKind = "status"
	EventPermissionRequest EventKind = "permission_request"
	EventError             EventKind = "error"
	EventRaw               EventKind = "raw"
)

// OutputEvent is one classified unit of agent output. The populated fields
// depend on Kind; consumers switch on Kind exhaustively.
type OutputEvent struct {
	Kind EventKind `json:"kind"`

	// message, error, raw
	Text string `json:"text,omitempty"`

	// tool_use, tool_result
	Tool         string `json:"tool,omitempty"`
	ToolCategory string `json:"toolCategory,omitempty"`
	InputPreview string `json:"inputPreview,omitempty"`
	Output       string `json:"output,omitempty"`
	Truncated    bool   `json:"truncated,omitempty"`

	// status
	Status Status `json:"status,omitempty"`

	// permission_request
	Action  string `json:"action,omitempty"`
	Details string `json:"details,omitempty"`
}

// InputQueueEntry is a pending input for a session that was not idle when the
// input arrived. Entries are released one per idle transition, FIFO.
type InputQueueEntry struct {
	SessionID  string
	Text       string
	EnqueuedAt time.Time
}

// Error codes defined by the gateway contract.
const (
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeSessionOffline  = "SESSION_OFFLINE"
	ErrCodePaneNotFound    = "PANE_NOT_FOUND"
	ErrCodeInvalidMessage  = "INVALID_MESSAGE"
	ErrCodeSpawnFailed     = "SPAWN_FAILED"
	ErrCodeTmuxUnreachable = "TMUX_UNREACHABLE"
)

// Sentinel errors shared across packages. The gateway maps these to the
// error codes above at the transport boundary.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionOffline  = errors.New("session is offline")
	ErrPaneNotFound    = errors.New("pane not found")
)
