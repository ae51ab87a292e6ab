// Package telemetry builds the core's structured logger: a JSON slog
// handler that redacts the component-channel session key and access-plugin
// credential bytes before they reach stderr or the log file.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing substrings that can appear inside
// logged frame dumps or error strings: bearer-style tokens, and the
// core's own `{<session key>}` first-frame literal.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(session[_-]?key|credential|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	regexp.MustCompile(`\{[A-Za-z0-9]{16}\}`), // the literal first-frame session key token
}

// Redact scrubs secret-bearing patterns out of a string, keeping any
// recognised key-name prefix and replacing only the value.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			if len(sub) >= 3 {
				return sub[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

var sensitiveKeyTokens = []string{"session_key", "sessionkey", "credential", "token", "secret", "password", "authorization"}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range sensitiveKeyTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// NewLogger builds the core's slog.Logger. When logDir is non-empty, JSON
// lines are appended to <logDir>/core.jsonl in addition to stderr (instead
// of stderr when quiet is true); the
// returned io.Closer must be closed on shutdown (nil when logDir is
// empty). level is one of "debug", "info", "warn", "error".
func NewLogger(logDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stderr
	var closer io.Closer

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, nil, err
		}
		file, err := os.OpenFile(filepath.Join(logDir, "core.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		closer = file
		if quiet {
			w = file
		} else {
			w = io.MultiWriter(os.Stderr, file)
		}
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, redactedPlaceholder)
			}
			if a.Value.Kind() == slog.KindString {
				if redacted := Redact(a.Value.String()); redacted != a.Value.String() {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	return slog.New(handler).With("component", "mwcore"), closer, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
