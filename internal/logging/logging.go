// Package logging builds the structured logger shared by both binaries.
// Every handler is wrapped in a redaction pass: credentials and values
// matching known secret shapes are masked before a log line is ever
// written.
package logging

import (
	"context"
	"log/slog"
	"os"
	"regexp"
)

// Format selects the slog handler used for output.
type Format string

const (
	// FormatText is the default, human-attended handler.
	FormatText Format = "text"
	// FormatJSON is used for production/piped output.
	FormatJSON Format = "json"
)

// New builds a *slog.Logger writing to os.Stdout with
// the requested format and level, wrapped in a handler that redacts
// secret-shaped values from every string attribute.
func New(format Format, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	switch format {
	case FormatJSON:
		base = slog.NewJSONHandler(os.Stdout, opts)
	default:
		base = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(&redactingHandler{inner: base})
}

// redactingHandler wraps another slog.Handler and redacts secret-shaped
// substrings from every string-valued attribute before delegating.
type redactingHandler struct {
	inner slog.Handler
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = Redact(r.Message)
	redacted := slog.Record{Time: r.Time, Message: r.Message, Level: r.Level, PC: r.PC}
	r.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, redacted)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = redactAttr(a)
	}
	return &redactingHandler{inner: h.inner.WithAttrs(out)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, Redact(a.Value.String()))
	}
	return a
}

// secretPatterns matches the token shapes this module's credentials take:
// GitHub personal, OAuth and app tokens, bearer header values, and generic
// API-key looking strings. Extend this list rather than logging raw secrets.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`gh[ops]_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{10,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{10,}`),
	// URL userinfo, e.g. an authenticated clone URL echoed by git stderr.
	regexp.MustCompile(`//[^/\s@]+:[^/\s@]+@`),
	regexp.MustCompile(`(?i)(authorization|api[_-]?key|token|secret)\s*[:=]\s*\S+`),
}

// Redact masks substrings of s that match a known secret shape. It is
// applied to every log message and string attribute, and is also used
// directly by components (e.g. the Agent Supervisor, the Publisher) that
// must embed subprocess stderr or PR comment text in a log line or a
// user-visible comment.
func Redact(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
