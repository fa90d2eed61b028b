package processing

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PanicError is returned by Wait when a work func panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("worker panic: %v", e.Value)
}

// Ordered runs work with bounded concurrency and hands results to deliver in
// submission order, one at a time. A deliver error stops the pool: the shared
// context is cancelled and no further results are delivered.
type Ordered[T, R any] struct {
	g       *errgroup.Group
	ctx     context.Context
	work    func(context.Context, T) R
	deliver func(R) error

	seq int

	mu      sync.Mutex
	next    int
	pending map[int]R
	stopped bool
}

func NewOrdered[T, R any](ctx context.Context, workers int, work func(context.Context, T) R, deliver func(R) error) *Ordered[T, R] {
	if workers < 1 {
		workers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	return &Ordered[T, R]{
		g:       g,
		ctx:     gctx,
		work:    work,
		deliver: deliver,
		pending: make(map[int]R, workers),
	}
}

// Submit schedules item, blocking while all workers are busy. It must be
// called from a single goroutine. Once the pool has stopped it returns the
// cause.
func (o *Ordered[T, R]) Submit(item T) error {
	if o.ctx.Err() != nil {
		return context.Cause(o.ctx)
	}

	seq := o.seq
	o.seq++

	o.g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &PanicError{Value: r, Stack: debug.Stack()}
			}
		}()
		return o.complete(seq, o.work(o.ctx, item))
	})
	return nil
}

// Wait blocks until every submitted item finished and returns the first
// deliver error or worker panic.
func (o *Ordered[T, R]) Wait() error {
	return o.g.Wait()
}

func (o *Ordered[T, R]) complete(seq int, result R) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		return nil
	}
	o.pending[seq] = result

	for {
		r, ok := o.pending[o.next]
		if !ok {
			return nil
		}
		delete(o.pending, o.next)
		o.next++

		if err := o.deliver(r); err != nil {
			o.stopped = true
			clear(o.pending)
			return err
		}
	}
}
