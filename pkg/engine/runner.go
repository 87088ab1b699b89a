package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// taskGroup owns the goroutines a Service leaves running after a request has
// been answered. They all share one lifetime context that is cancelled by close.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	g      errgroup.Group
}

func newTaskGroup() *taskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskGroup{ctx: ctx, cancel: cancel}
}

// goTask runs fn in the background with the lifetime context. It returns
// ErrServiceClosed once close has been called.
func (t *taskGroup) goTask(fn func(ctx context.Context)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrServiceClosed
	}
	t.g.Go(func() error {
		fn(t.ctx)
		return nil
	})
	return nil
}

func (t *taskGroup) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// close cancels the lifetime context and waits for every task to return, or
// for ctx to be done.
func (t *taskGroup) close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()

	waited := make(chan struct{})
	go func() {
		_ = t.g.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
