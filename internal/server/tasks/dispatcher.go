// Package tasks runs post-commit side effects (confirmation mail, vault
// archiving) on a small worker pool. A failing task is logged and never
// affects the request that scheduled it.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/duckpass/duckpass/internal/logging"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatcher closed")

// ErrQueueFull is returned by Submit when the backlog is at capacity.
var ErrQueueFull = errors.New("task queue full")

type Func func(ctx context.Context) error

type task struct {
	name string
	fn   Func
}

// Observer is notified after every task with its outcome.
type Observer func(name string, err error, elapsed time.Duration)

type Dispatcher struct {
	logger   logging.Logger
	workers  int
	timeout  time.Duration
	observer Observer

	mu     sync.RWMutex
	closed bool
	queue  chan task
}

type Option func(*Dispatcher)

func WithTimeout(d time.Duration) Option { return func(x *Dispatcher) { x.timeout = d } }

func WithObserver(o Observer) Option { return func(x *Dispatcher) { x.observer = o } }

func NewDispatcher(logger logging.Logger, workers, queueSize int, opts ...Option) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	d := &Dispatcher{
		logger:  logger.With("module", "tasks"),
		workers: workers,
		timeout: 30 * time.Second,
		queue:   make(chan task, queueSize),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Submit enqueues fn without blocking.
func (d *Dispatcher) Submit(name string, fn Func) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}

	select {
	case d.queue <- task{name: name, fn: fn}:
		return nil
	default:
		d.logger.Warn(context.Background(), "task dropped", "task", name)
		return ErrQueueFull
	}
}

// Close stops accepting tasks. Run returns once the backlog is drained.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed {
		d.closed = true
		close(d.queue)
	}
}

// Run processes tasks until Close is called and the queue is empty. Tasks
// get a context detached from ctx so shutdown does not abort them halfway.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for t := range d.queue {
				d.execute(gctx, t)
			}
			return nil
		})
	}

	return g.Wait()
}

func (d *Dispatcher) execute(ctx context.Context, t task) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	start := time.Now()
	err := d.safeCall(tctx, t)
	elapsed := time.Since(start)

	if err != nil {
		d.logger.Error(ctx, "task failed", "task", t.name, "error", err, "elapsed", elapsed)
	} else {
		d.logger.Debug(ctx, "task done", "task", t.name, "elapsed", elapsed)
	}
	if d.observer != nil {
		d.observer(t.name, err, elapsed)
	}
}

func (d *Dispatcher) safeCall(ctx context.Context, t task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return t.fn(ctx)
}
