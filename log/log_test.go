package log

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerFromContext(t *testing.T) {
	require.Equal(t, slog.Default(), LoggerFromContext(context.Background()))

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	ctx := ContextWithLogger(context.Background(), logger)
	require.Equal(t, logger, LoggerFromContext(ctx))
}

func TestGroupFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(&buf, Options{Groups: []string{"poller"}})

	logger.WithGroup("gateway").Info("hidden")
	logger.WithGroup("poller").Info("visible")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "visible")
}

func TestGroupFilterPassThroughWhenUnconfigured(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(&buf, Options{})

	logger.WithGroup("anything").Info("visible")
	require.Contains(t, buf.String(), "visible")
}

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(&buf, Options{JSON: true})
	logger.Info("hello")
	require.True(t, strings.HasPrefix(strings.TrimSpace(buf.String()), "{"))
}
