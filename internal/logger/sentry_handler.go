package logger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/getsentry/sentry-go"
)

// SentryHandler 将达到级别的日志作为 Sentry 事件上报
// source 属性写入 tag，其余属性写入 extra
type SentryHandler struct {
	hub    *sentry.Hub
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func NewSentryHandler(hub *sentry.Hub, level slog.Level) *SentryHandler {
	return &SentryHandler{hub: hub, level: level}
}

func (h *SentryHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *SentryHandler) Handle(_ context.Context, record slog.Record) error {
	extra := make(map[string]interface{})
	tags := make(map[string]string)

	for _, a := range h.attrs {
		addAttr(extra, tags, nil, a)
	}
	record.Attrs(func(a slog.Attr) bool {
		addAttr(extra, tags, h.groups, a)
		return true
	})

	event := sentry.NewEvent()
	event.Level = sentryLevel(record.Level)
	event.Message = record.Message
	event.Timestamp = record.Time
	event.Extra = extra
	event.Tags = tags
	event.Logger = "slog"

	h.hub.CaptureEvent(event)
	return nil
}

func (h *SentryHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, prefixed(h.groups, a))
	}
	return &next
}

func (h *SentryHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

func prefixed(groups []string, a slog.Attr) slog.Attr {
	for i := len(groups) - 1; i >= 0; i-- {
		a = slog.Attr{Key: groups[i] + "." + a.Key, Value: a.Value}
	}
	return a
}

func addAttr(extra map[string]interface{}, tags map[string]string, groups []string, a slog.Attr) {
	a = prefixed(groups, a)
	a.Value = a.Value.Resolve()

	if a.Value.Kind() == slog.KindGroup {
		for _, sub := range a.Value.Group() {
			addAttr(extra, tags, []string{a.Key}, sub)
		}
		return
	}

	switch a.Key {
	case "source", "path", "method":
		tags[a.Key] = a.Value.String()
	}

	switch v := a.Value.Any().(type) {
	case error:
		extra[a.Key] = v.Error()
	case fmt.Stringer:
		extra[a.Key] = v.String()
	default:
		extra[a.Key] = v
	}
}

func sentryLevel(l slog.Level) sentry.Level {
	switch {
	case l >= slog.LevelError:
		return sentry.LevelError
	case l >= slog.LevelWarn:
		return sentry.LevelWarning
	case l >= slog.LevelInfo:
		return sentry.LevelInfo
	default:
		return sentry.LevelDebug
	}
}
