package utils

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(HandlerConfig{Output: &buf, Level: slog.LevelDebug}))
	logger = logger.With("component", "gatemp", "proc", 1)

	logger.Info("gate created", "name", "g0", "wait", 5*time.Millisecond)
	line := buf.String()
	assert.Contains(t, line, "[INFO ] [gatemp] gate created")
	assert.Contains(t, line, ` proc=1 name="g0" wait=5ms`)
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.NotContains(t, line, "\033[")
}

func TestHandlerLevelsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(HandlerConfig{Output: &buf, Level: slog.LevelWarn}))

	logger.Info("dropped")
	assert.Empty(t, buf.String())

	logger.WithGroup("heap").Warn("low", "free", 16, "error", errors.New("boom"))
	assert.Contains(t, buf.String(), `[WARN ] low heap.free=16 heap.error="boom"`)
}

func TestHandlerColorize(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(HandlerConfig{Output: &buf, Colorize: true}))
	logger.Error("failed")
	assert.True(t, strings.HasPrefix(buf.String(), levelColors[slog.LevelError]))
	assert.Contains(t, buf.String(), colorReset)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, l)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestGracefulShutdownRunsInReverse(t *testing.T) {
	g := NewGracefulShutdown(time.Second, slog.New(slog.DiscardHandler))
	var order []int
	for i := range 3 {
		g.Register(func() error {
			order = append(order, i)
			return nil
		})
	}
	boom := errors.New("boom")
	g.Register(func() error { return boom })

	err := g.Shutdown(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []int{2, 1, 0}, order)

	assert.NoError(t, g.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestGracefulShutdownTimeout(t *testing.T) {
	g := NewGracefulShutdown(10*time.Millisecond, nil)
	release := make(chan struct{})
	defer close(release)
	g.Register(func() error {
		<-release
		return nil
	})
	assert.ErrorIs(t, g.Shutdown(context.Background()), ErrShutdownTimeout)
}
