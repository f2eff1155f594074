package logger

import (
	"io"
	"log/slog"
	"os"

	"github.com/getsentry/sentry-go"
)

// Init 初始化全局 slog
// env: development 输出文本，其余输出 JSON；hub 非空时 ERROR 及以上同时上报 Sentry
func Init(env string, hub *sentry.Hub) *slog.Logger {
	l := New(os.Stdout, env, hub)
	slog.SetDefault(l)
	return l
}

func New(w io.Writer, env string, hub *sentry.Hub) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var base slog.Handler
	if env == "development" {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
		base = slog.NewTextHandler(w, opts)
	} else {
		base = slog.NewJSONHandler(w, opts)
	}

	if hub == nil {
		return slog.New(base)
	}
	return slog.New(NewMultiHandler(base, NewSentryHandler(hub, slog.LevelError)))
}
