package logger

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"strings"
)

// NewSlogHandler returns a slog.Handler that forwards records to l.
// If l is nil, it returns nil.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogHandler{log: l}
}

// StdLogger returns a *log.Logger that writes into l at the given level.
// net/http servers take one as their ErrorLog.
func StdLogger(l *Logger, level slog.Level) *log.Logger {
	if l == nil {
		return nil
	}
	return slog.NewLogLogger(NewSlogHandler(l), level)
}

// slogHandler renders attributes as key=value pairs after the message.
// Attributes bound with WithAttrs are rendered once and kept as text.
type slogHandler struct {
	log   *Logger
	group string
	bound string
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return fromSlogLevel(level) >= h.log.GetLevel()
}

func (h *slogHandler) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	b.WriteString(record.Message)
	appendText(&b, h.bound)
	record.Attrs(func(attr slog.Attr) bool {
		appendAttr(&b, h.group, attr)
		return true
	})
	message := b.String()

	switch fromSlogLevel(record.Level) {
	case LevelError:
		h.log.Error("%s", message)
	case LevelWarn:
		h.log.Warn("%s", message)
	case LevelInfo:
		h.log.Info("%s", message)
	default:
		h.log.Debug("%s", message)
	}
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.bound)
	for _, attr := range attrs {
		appendAttr(&b, h.group, attr)
	}
	return &slogHandler{log: h.log, group: h.group, bound: b.String()}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &slogHandler{log: h.log, group: joinKey(h.group, name), bound: h.bound}
}

func fromSlogLevel(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}

func appendAttr(b *strings.Builder, group string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}
	if attr.Value.Kind() == slog.KindGroup {
		nested := group
		if attr.Key != "" {
			nested = joinKey(group, attr.Key)
		}
		for _, a := range attr.Value.Group() {
			appendAttr(b, nested, a)
		}
		return
	}
	appendText(b, fmt.Sprintf("%s=%v", joinKey(group, attr.Key), attr.Value))
}

func appendText(b *strings.Builder, text string) {
	if text == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteByte(' ')
	}
	b.WriteString(text)
}

func joinKey(group, key string) string {
	if group == "" {
		return key
	}
	return group + "." + key
}
