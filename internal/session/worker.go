package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apxerrors "github.com/Iron-Ham/apxctrl/internal/errors"
)

const idlePoll = 5 * time.Millisecond

// worker runs driver calls one at a time on a dedicated goroutine. A job
// whose caller gave up keeps the worker busy until the driver returns, and
// new jobs are refused rather than queued behind it.
type worker struct {
	jobs chan func()
	quit chan struct{}
	busy atomic.Bool
	once sync.Once
	wg   sync.WaitGroup
}

func newWorker() *worker {
	w := &worker{
		jobs: make(chan func()),
		quit: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case job := <-w.jobs:
			job()
		case <-w.quit:
			return
		}
	}
}

// Busy reports whether a job is executing.
func (w *worker) Busy() bool {
	return w.busy.Load()
}

// Do runs fn on the worker and waits for it or for ctx. A panic in fn is
// returned as a DriverError for op.
func (w *worker) Do(ctx context.Context, op string, fn func() error) error {
	if !w.busy.CompareAndSwap(false, true) {
		return apxerrors.NewNotReadyError(op, "instrument busy").WithCause(apxerrors.ErrWorkerBusy)
	}

	// busy is cleared before the result is delivered so a caller that got
	// its answer can immediately submit the next job.
	result := make(chan error, 1)
	job := func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = apxerrors.NewDriverError(op, fmt.Errorf("%w: %v", apxerrors.ErrDriverPanic, r))
			}
			w.busy.Store(false)
			result <- err
		}()
		err = fn()
	}

	start := time.Now()
	select {
	case w.jobs <- job:
	case <-w.quit:
		w.busy.Store(false)
		return apxerrors.NewNotReadyError(op, "controller closed")
	case <-ctx.Done():
		w.busy.Store(false)
		return ctxError(ctx, op, time.Since(start))
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctxError(ctx, op, time.Since(start))
	}
}

// waitIdle blocks until no job is executing or ctx is done.
func (w *worker) waitIdle(ctx context.Context) error {
	if !w.Busy() {
		return nil
	}
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !w.Busy() {
				return nil
			}
		}
	}
}

// stop ends the worker loop once the current job, if any, has returned.
func (w *worker) stop() {
	w.once.Do(func() { close(w.quit) })
	w.wg.Wait()
}

func ctxError(ctx context.Context, op string, elapsed time.Duration) error {
	if ctx.Err() == context.DeadlineExceeded {
		return apxerrors.NewTimeoutError(op, elapsed.Round(time.Millisecond)).WithCause(ctx.Err())
	}
	return apxerrors.Wrap(apxerrors.ErrCanceled, op)
}
