// Package security scrubs secret-looking material from agent output before
// it is persisted or broadcast. Pane captures routinely contain whatever the
// agent just printed, including env dumps and config files.
package security

import (
	"regexp"
	"strings"

	"github.com/agentview/agentview/internal/model"
)

const mask = "[REDACTED]"

var (
	secretKeyExpr = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*|private[_-]?key|aws_access_key_id|aws_secret_access_key)`

	kvPattern     = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	jsonPattern   = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authPattern   = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	pemPattern    = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
)

// Redact masks secret-shaped substrings, keeping the surrounding text so the
// event stays readable.
func Redact(input string) string {
	if input == "" {
		return ""
	}
	out := pemPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = jsonPattern.ReplaceAllString(out, `${1}"`+mask+`"`)
	out = kvPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return mask
		}
		return match[:idx+1] + " " + mask
	})
	out = authPattern.ReplaceAllString(out, `${1}`+mask)
	out = bearerPattern.ReplaceAllString(out, "Bearer "+mask)
	return out
}

// RedactEvent scrubs every free-text field of a classified event.
func RedactEvent(ev model.OutputEvent) model.OutputEvent {
	ev.Text = Redact(ev.Text)
	ev.InputPreview = Redact(ev.InputPreview)
	ev.Output = Redact(ev.Output)
	ev.Details = Redact(ev.Details)
	return ev
}
