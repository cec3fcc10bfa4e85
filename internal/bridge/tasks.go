package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Tasks runs background work under a root context that outlives the
// request which started it. Failures are logged and never returned.
type Tasks struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewTasks derives the root context from parent.
func NewTasks(parent context.Context) *Tasks {
	ctx, cancel := context.WithCancel(parent)
	return &Tasks{ctx: ctx, cancel: cancel}
}

// Go starts fn in the background. It reports false once Shutdown has begun.
func (t *Tasks) Go(name string, fn func(ctx context.Context) error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		slog.Warn("background task rejected during shutdown", "task", name)
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("background task panicked", "task", name, "panic", r)
			}
		}()
		start := time.Now()
		if err := fn(t.ctx); err != nil {
			slog.Error("background task failed", "task", name, "duration", time.Since(start), "error", err)
			return
		}
		slog.Debug("background task finished", "task", name, "duration", time.Since(start))
	}()
	return true
}

// Wait blocks until every started task has returned.
func (t *Tasks) Wait() {
	t.wg.Wait()
}

// Shutdown stops accepting tasks and waits up to timeout for running ones,
// cancelling their context if they overrun.
func (t *Tasks) Shutdown(timeout time.Duration) {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("background tasks still running, cancelling", "timeout", timeout)
		t.cancel()
		<-done
	}
	t.cancel()
}
