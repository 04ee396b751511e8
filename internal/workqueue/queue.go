// Package workqueue runs jobs one at a time, in submission order, on a single named
// goroutine. Each coordinator owns one queue so that its controller command sequences
// never interleave.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blearb/internal/groutine"
)

// ErrClosed is returned when submitting to a queue that was closed.
var ErrClosed = errors.New("work queue closed")

const (
	stateIdle uint32 = iota
	stateRunning
	stateClosed
)

// Queue is an unbounded FIFO drained by one worker goroutine.
// Submit never blocks, so it is safe to call from callback paths.
type Queue struct {
	name   string
	logger *logrus.Logger

	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	state   atomic.Uint32
}

// New creates a queue; Start launches its worker.
func New(name string, logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{
		name:   name,
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Name returns the queue name used for goroutine labels and log fields.
func (q *Queue) Name() string { return q.name }

// Start launches the worker goroutine, labelled with the queue name for profiling.
func (q *Queue) Start(ctx context.Context) error {
	if !q.state.CompareAndSwap(stateIdle, stateRunning) {
		return fmt.Errorf("work queue %q already started or closed", q.name)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	groutine.Go(ctx, q.name, q.run)
	return nil
}

// Submit enqueues fn. Jobs run in submission order.
func (q *Queue) Submit(fn func()) error {
	if q.state.Load() == stateClosed {
		return ErrClosed
	}

	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Do enqueues fn and waits until it ran or ctx is done.
// Calling Do from the queue's own worker deadlocks; jobs use Submit instead.
func (q *Queue) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := q.Submit(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Timer is a delayed job created by AfterFunc.
type Timer struct {
	t         *time.Timer
	cancelled atomic.Bool
}

// Stop cancels the job. A job that already reached the queue is skipped when its turn
// comes. Safe on a nil Timer.
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.cancelled.Store(true)
	t.t.Stop()
}

// AfterFunc submits fn to the queue once d has elapsed, unless the returned Timer is
// stopped first.
func (q *Queue) AfterFunc(d time.Duration, fn func()) *Timer {
	timer := &Timer{}
	timer.t = time.AfterFunc(d, func() {
		if timer.cancelled.Load() {
			return
		}
		err := q.Submit(func() {
			if timer.cancelled.Load() {
				return
			}
			fn()
		})
		if err != nil {
			q.logger.WithField("queue", q.name).WithError(err).Debug("Dropped delayed job")
		}
	})
	return timer
}

// Close stops accepting jobs, waits for the worker to drain what was queued, and returns.
func (q *Queue) Close() error {
	prev := q.state.Swap(stateClosed)
	switch prev {
	case stateClosed:
		return nil
	case stateIdle:
		return nil
	}
	close(q.stop)

	select {
	case <-q.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("work queue %q did not stop within 5s", q.name)
	}
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	for {
		job, ok := q.next()
		if ok {
			q.runJob(job)
			continue
		}

		select {
		case <-q.wake:
		case <-q.stop:
			// Drain jobs accepted before Close.
			for {
				job, ok := q.next()
				if !ok {
					return
				}
				q.runJob(job)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) next() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, false
	}
	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return job, true
}

// runJob isolates a panicking job so the worker keeps serving the queue.
func (q *Queue) runJob(job func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithFields(logrus.Fields{
				"queue": q.name,
				"panic": r,
			}).Error("Work queue job panicked")
		}
	}()
	job()
}
