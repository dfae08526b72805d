package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentview/agentview/internal/model"
)

// Message is the envelope for every WebSocket frame in both directions.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client → server message types.
const (
	MsgSessionConnect    = "session_connect"
	MsgSessionDisconnect = "session_disconnect"
	MsgSessionInput      = "session_input"
	MsgSessionInterrupt  = "session_interrupt"
)

// Server → client message types.
const (
	MsgOutputEvent   = "output_event"
	MsgStatusChange  = "status_change"
	MsgSessionUpdate = "session_update"
	MsgFilesUpdate   = "files_update"
	MsgError         = "error"
)

// SessionRefPayload addresses a session by id, used by connect, disconnect
// and interrupt.
type SessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

type SessionInputPayload struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

// OutputEventPayload carries one classified event. Replay marks events
// re-sent from history on connect.
type OutputEventPayload struct {
	SessionID string            `json:"sessionId"`
	Event     model.OutputEvent `json:"event"`
	Replay    bool              `json:"replay,omitempty"`
}

type StatusChangePayload struct {
	SessionID string       `json:"sessionId"`
	From      model.Status `json:"from"`
	To        model.Status `json:"to"`
}

type SessionUpdatePayload struct {
	Session model.Session `json:"session"`
}

type FilesUpdatePayload struct {
	SessionID string `json:"sessionId"`
	FileCount int    `json:"fileCount"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// newMessage builds a server-originated envelope with the current
// timestamp.
func newMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{Type: msgType, Payload: data, Timestamp: time.Now().UTC()}, nil
}

var clientMessageTypes = map[string]bool{
	MsgSessionConnect:    true,
	MsgSessionDisconnect: true,
	MsgSessionInput:      true,
	MsgSessionInterrupt:  true,
}

// validateClientMessage parses a raw frame and checks the envelope and the
// per-type required payload fields.
func validateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}
	if !clientMessageTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}
	if msg.Payload == nil {
		return nil, fmt.Errorf("missing 'payload' field")
	}

	switch msg.Type {
	case MsgSessionInput:
		var p SessionInputPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
		if p.Text == "" {
			return nil, fmt.Errorf("missing required field 'text' in %s payload", msg.Type)
		}
	default:
		var p SessionRefPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
		}
		if p.SessionID == "" {
			return nil, fmt.Errorf("missing required field 'sessionId' in %s payload", msg.Type)
		}
	}
	return &msg, nil
}
