package utils

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrShutdownTimeout is returned when shutdown functions outlive the
// timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout")

// GracefulShutdown runs registered teardown functions in reverse order of
// registration, bounded by a timeout.
type GracefulShutdown struct {
	mu         sync.Mutex
	shutdownFn []func() error
	timeout    time.Duration
	logger     *slog.Logger
	done       bool
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *slog.Logger) *GracefulShutdown {
	if logger == nil {
		logger = slog.Default()
	}

	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger.With("component", "shutdown"),
	}
}

// Register registers a shutdown function
func (g *GracefulShutdown) Register(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.shutdownFn = append(g.shutdownFn, fn)
}

// Shutdown runs every registered function, last registered first, each
// after the previous one returns. Later calls are no-ops.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.done {
		return nil
	}
	g.done = true

	g.logger.Info("starting graceful shutdown", "components", len(g.shutdownFn))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	fns := g.shutdownFn
	errc := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(fns) - 1; i >= 0; i-- {
			if err := fns[i](); err != nil {
				g.logger.Error("shutdown function failed", "index", i, "error", err)
				errs = append(errs, err)
			}
		}
		errc <- errors.Join(errs...)
	}()

	select {
	case err := <-errc:
		g.logger.Info("graceful shutdown complete")
		return err
	case <-shutdownCtx.Done():
		g.logger.Warn("graceful shutdown timed out")
		return ErrShutdownTimeout
	}
}
