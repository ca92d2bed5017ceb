package log

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace": LevelTrace,
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestTraceLevelLabel(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: LevelTrace, ReplaceAttr: labelLevels})
	slog.New(h).Log(context.Background(), LevelTrace, "ring traffic")
	assert.Contains(t, buf.String(), "level=TRACE")
}

func TestRouteHandlerSplitsBySeverity(t *testing.T) {
	var out, errs bytes.Buffer
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	logger := slog.New(routeHandler{
		out: slog.NewTextHandler(&out, opts),
		err: slog.NewTextHandler(&errs, opts),
	})

	logger.Info("fine")
	logger.Error("broken")

	assert.Contains(t, out.String(), "fine")
	assert.NotContains(t, out.String(), "broken")
	assert.Contains(t, errs.String(), "broken")
	assert.NotContains(t, errs.String(), "fine")
}

func TestTeeHandlerDuplicates(t *testing.T) {
	var a, b bytes.Buffer
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	logger := slog.New(teeHandler{
		slog.NewTextHandler(&a, opts),
		slog.NewTextHandler(&b, opts),
	})

	logger.Info("both sides")

	assert.Contains(t, a.String(), "both sides")
	assert.Contains(t, b.String(), "both sides")
}
