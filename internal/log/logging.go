// Package log builds the configured slog.Logger for the engine.
//
// Records route by severity: errors go to stderr, everything else to
// stdout, so redirecting stderr captures failures while normal output
// stays readable. A log file, when configured, receives every record
// in addition to the console.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LevelTrace sits below Debug and carries per-descriptor ring traffic.
const LevelTrace slog.Level = -8

// ParseLevel maps the config-file level names onto slog levels.
// Unknown names fall back to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// labelLevels renames the custom trace level in handler output, which
// slog would otherwise render as DEBUG-4.
func labelLevels(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// routeHandler splits records by severity between two handlers.
type routeHandler struct {
	out slog.Handler // below error
	err slog.Handler // error and above
}

func (h routeHandler) pick(level slog.Level) slog.Handler {
	if level >= slog.LevelError {
		return h.err
	}
	return h.out
}

func (h routeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.pick(level).Enabled(ctx, level)
}

func (h routeHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.pick(r.Level).Handle(ctx, r)
}

func (h routeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return routeHandler{out: h.out.WithAttrs(attrs), err: h.err.WithAttrs(attrs)}
}

func (h routeHandler) WithGroup(name string) slog.Handler {
	return routeHandler{out: h.out.WithGroup(name), err: h.err.WithGroup(name)}
}

// teeHandler duplicates records to every handler that accepts them.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}

// SetupLogger builds the logger for the named level, optionally teeing
// every record into logFile. The returned closers belong to the caller.
func SetupLogger(logLevel, logFile string) (*slog.Logger, []io.Closer, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(logLevel), ReplaceAttr: labelLevels}
	console := slog.Handler(routeHandler{
		out: slog.NewTextHandler(os.Stdout, opts),
		err: slog.NewTextHandler(os.Stderr, opts),
	})
	if logFile == "" {
		return slog.New(console), nil, nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(teeHandler{console, slog.NewTextHandler(f, opts)})
	return logger, []io.Closer{f}, nil
}
