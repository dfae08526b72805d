// Package classify turns raw pane lines into typed output events. It is a
// pure function over the new lines of a diff pass; classifier state never
// outlives a pass, so a message straddling two polls is emitted as two
// partial events.
package classify

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/agentview/agentview/internal/model"
)

// defaultToolOutput bounds the tool result text carried in a single event
// when the caller does not supply a limit.
const defaultToolOutput = 400

// Agent message markers, in the renderings the supported TUIs use.
var agentMarkers = []string{"⏺ ", "* ", "✻ "} // ⏺, *, ✻

// toolCategories is the known tool vocabulary. Unknown tools fall back to a
// generic category rather than erroring.
var toolCategories = map[string]string{
	"Bash":         "command",
	"Read":         "file",
	"Write":        "file",
	"Edit":         "file",
	"NotebookEdit": "file",
	"Grep":         "search",
	"Glob":         "search",
	"Task":         "agent",
	"WebFetch":     "web",
	"WebSearch":    "web",
	"TodoWrite":    "plan",
}

const genericCategory = "tool"

var toolCallPattern = regexp.MustCompile(`^([A-Z][A-Za-z]*)\((.*)\)(…|\.\.\.)?$`)

type blockKind int

const (
	blockNone blockKind = iota
	blockMessage
	blockToolResult
	blockFallback
)

// State carries the in-progress block between lines of a single pass.
// Callers reset it at the start of every diff pass with NewState.
type State struct {
	toolLimit    int
	block        blockKind
	tool         string
	toolCategory string
	lines        []string
}

// NewState returns a fresh pass state. toolOutputLimit bounds the bytes of
// tool result text per event; zero or negative selects the default.
func NewState(toolOutputLimit int) State {
	if toolOutputLimit <= 0 {
		toolOutputLimit = defaultToolOutput
	}
	return State{toolLimit: toolOutputLimit}
}

// Classify walks lines in order and produces typed events. The returned
// state is the post-pass state; the final open block is flushed before
// returning, so it is always empty of accumulated content.
func Classify(lines []string, st State) ([]model.OutputEvent, State) {
	var events []model.OutputEvent
	for _, line := range lines {
		events = st.feed(line, events)
	}
	events = st.flush(events)
	return events, st
}

func (st *State) feed(line string, events []model.OutputEvent) []model.OutputEvent {
	trimmed := strings.TrimSpace(line)

	if trimmed == "" {
		return st.flush(events)
	}

	// Echo of user input, or the bare prompt itself.
	if trimmed == ">" || strings.HasPrefix(trimmed, "> ") ||
		trimmed == "❯" || strings.HasPrefix(trimmed, "❯ ") {
		return st.flush(events)
	}

	if action, ok := permissionAction(trimmed); ok {
		events = st.flush(events)
		return append(events, model.OutputEvent{
			Kind:    model.EventPermissionRequest,
			Action:  action,
			Details: trimmed,
		})
	}

	if content, ok := agentMarker(trimmed); ok {
		events = st.flush(events)

		if m := toolCallPattern.FindStringSubmatch(content); m != nil {
			tool := m[1]
			category, known := toolCategories[tool]
			if !known {
				category = genericCategory
			}
			st.tool = tool
			st.toolCategory = category
			return append(events, model.OutputEvent{
				Kind:         model.EventToolUse,
				Tool:         tool,
				ToolCategory: category,
				InputPreview: m[2],
			})
		}

		// Spinner/progress lines carry no conversational content; status is
		// derived separately from the whole capture.
		if isWorkingIndicator(content) {
			return events
		}

		st.block = blockMessage
		st.lines = []string{content}
		return events
	}

	if content, ok := toolResultMarker(trimmed); ok {
		events = st.flush(events)
		st.block = blockToolResult
		st.lines = nil
		if content != "" {
			st.lines = []string{content}
		}
		return events
	}

	if strings.HasPrefix(trimmed, "Error:") || strings.HasPrefix(trimmed, "✗ ") || strings.HasPrefix(trimmed, "✘ ") {
		events = st.flush(events)
		return append(events, model.OutputEvent{
			Kind: model.EventError,
			Text: strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(strings.TrimPrefix(trimmed, "Error:"), "✗"), "✘")),
		})
	}

	if isIndented(line) {
		if st.block != blockNone {
			st.lines = append(st.lines, trimmed)
			return events
		}
		// Indented content after an unrecognized line is ambiguous: retain
		// it rather than drop it, since under-classification is recoverable
		// downstream and silent loss is not.
		st.block = blockFallback
		st.lines = []string{trimmed}
		return events
	}

	if isChrome(trimmed) {
		return st.flush(events)
	}

	// Unrecognized line: dropped as noise. Indented continuations that
	// follow are still retained via the fallback block above.
	return st.flush(events)
}

func (st *State) flush(events []model.OutputEvent) []model.OutputEvent {
	if st.block == blockNone || len(st.lines) == 0 {
		st.block = blockNone
		st.lines = nil
		return events
	}
	text := strings.Join(st.lines, "\n")
	switch st.block {
	case blockMessage:
		events = append(events, model.OutputEvent{Kind: model.EventMessage, Text: text})
	case blockToolResult:
		out, truncated := truncateRunes(text, st.toolLimit)
		events = append(events, model.OutputEvent{
			Kind:         model.EventToolResult,
			Tool:         st.tool,
			ToolCategory: st.toolCategory,
			Output:       out,
			Truncated:    truncated,
		})
	case blockFallback:
		events = append(events, model.OutputEvent{Kind: model.EventRaw, Text: text})
	}
	st.block = blockNone
	st.lines = nil
	return events
}

// truncateRunes cuts s to at most limit bytes without splitting a rune.
func truncateRunes(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}

func agentMarker(trimmed string) (string, bool) {
	for _, m := range agentMarkers {
		if strings.HasPrefix(trimmed, m) {
			return strings.TrimSpace(trimmed[len(m):]), true
		}
	}
	return "", false
}

func toolResultMarker(trimmed string) (string, bool) {
	if strings.HasPrefix(trimmed, "⎿") {
		return strings.TrimSpace(strings.TrimPrefix(trimmed, "⎿")), true
	}
	return "", false
}

func permissionAction(trimmed string) (string, bool) {
	lower := strings.ToLower(trimmed)
	if idx := strings.Index(lower, "needs your permission to use "); idx >= 0 {
		action := strings.TrimSpace(trimmed[idx+len("needs your permission to use "):])
		if action == "" {
			action = "unknown"
		}
		return action, true
	}
	if strings.Contains(lower, "do you want to make this edit to") {
		return "edit", true
	}
	if strings.Contains(lower, "do you want to proceed?") {
		return "proceed", true
	}
	return "", false
}

func isWorkingIndicator(content string) bool {
	if !strings.HasSuffix(content, "…") && !strings.HasSuffix(content, "...") &&
		!strings.Contains(content, "… (") {
		return false
	}
	lower := strings.ToLower(content)
	for _, verb := range []string{"thinking", "working", "running", "reading", "writing", "searching", "fetching", "executing", "processing", "generating"} {
		if strings.HasPrefix(lower, verb) {
			return true
		}
	}
	// Randomized single-verb spinner lines: one word plus ellipsis.
	word := strings.TrimRight(content, ".…")
	return word != "" && !strings.ContainsAny(word, " \t")
}

func isIndented(line string) bool {
	return strings.HasPrefix(line, "  ") || strings.HasPrefix(line, "\t")
}

func isChrome(trimmed string) bool {
	if strings.ContainsAny(trimmed, "╭╰│─╮╯") {
		return true
	}
	lower := strings.ToLower(trimmed)
	switch {
	case strings.Contains(lower, "? for shortcuts"),
		strings.Contains(lower, "esc to interrupt"),
		strings.Contains(lower, "ctrl+c to"),
		strings.Contains(lower, "tab to amend"),
		strings.Contains(lower, "shift+tab"):
		return true
	}
	return false
}
