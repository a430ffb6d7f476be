package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// task is one unit of work executed by the pool. The context carries a
// fresh lock owner token.
type task func(ctx context.Context)

// workerPool runs tasks on a fixed number of goroutines fed from a bounded
// queue. Once dequeued a task always runs to completion.
type workerPool struct {
	tasks chan task
	base  context.Context

	mu     sync.RWMutex
	closed bool

	group  errgroup.Group
	logger *slog.Logger
}

// newWorkerPool starts workers goroutines. Task contexts derive from ctx
// without its cancellation.
func newWorkerPool(ctx context.Context, workers, queueSize int, logger *slog.Logger) *workerPool {
	p := &workerPool{
		tasks:  make(chan task, queueSize),
		base:   context.WithoutCancel(ctx),
		logger: logger,
	}
	for range workers {
		p.group.Go(func() error {
			for t := range p.tasks {
				p.run(t)
			}
			return nil
		})
	}
	return p
}

func (p *workerPool) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			p.logger.Error("overlay task panicked",
				slog.Any("panic", r),
				slog.String("stack", string(buf[:n])),
			)
		}
	}()
	t(WithLockOwner(p.base))
}

// submit enqueues t, blocking while the queue is full until ctx ends.
func (p *workerPool) submit(ctx context.Context, t task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrManagerClosed
	}
	select {
	case p.tasks <- t:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue task: %w", ctx.Err())
	}
}

// close stops accepting tasks, lets the workers drain the queue and waits
// for them to exit.
func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	_ = p.group.Wait()
}
