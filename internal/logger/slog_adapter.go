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
	return &slogAdapter{log: l}
}

// StdLogger returns a *log.Logger that writes through l at the given level. It is used for
// net/http server error logs.
func StdLogger(l *Logger, level slog.Level) *log.Logger {
	return slog.NewLogLogger(NewSlogHandler(l), level)
}

type slogAdapter struct {
	log   *Logger
	group string
	attrs []slog.Attr
}

func (h *slogAdapter) Enabled(_ context.Context, level slog.Level) bool {
	return fromSlogLevel(level) >= h.log.GetLevel()
}

func (h *slogAdapter) Handle(_ context.Context, record slog.Record) error {
	var b strings.Builder
	b.WriteString(record.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	record.Attrs(func(a slog.Attr) bool {
		if !a.Equal(slog.Attr{}) {
			fmt.Fprintf(&b, " %s=%v", h.qualify(a.Key), a.Value)
		}
		return true
	})

	msg := strings.TrimSpace(b.String())
	switch fromSlogLevel(record.Level) {
	case LevelError:
		h.log.Error("%s", msg)
	case LevelWarn:
		h.log.Warn("%s", msg)
	case LevelInfo:
		h.log.Info("%s", msg)
	default:
		h.log.Debug("%s", msg)
	}
	return nil
}

func (h *slogAdapter) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		if a.Equal(slog.Attr{}) {
			continue
		}
		merged = append(merged, slog.Attr{Key: h.qualify(a.Key), Value: a.Value})
	}
	return &slogAdapter{log: h.log, group: h.group, attrs: merged}
}

func (h *slogAdapter) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" && name != "" {
		group = h.group + "." + name
	} else if name == "" {
		group = h.group
	}
	return &slogAdapter{log: h.log, group: group, attrs: append([]slog.Attr(nil), h.attrs...)}
}

func (h *slogAdapter) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
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
