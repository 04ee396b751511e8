// Package dispatch is the callback path from the controller to the coordinators. Events
// published by the controller are buffered in an MPMC ring and delivered, in publish
// order, to the handler registered for their family on a goroutine of their own.
//
// Data events (results, batch reports, track events) are dropped when the ring is full.
// Acknowledgements (command completions, instance disables) are never dropped: they spill
// into an unbounded overflow list that is delivered once the ring drains.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/blearb/internal/controller"
	"github.com/srg/blearb/internal/groutine"
)

const (
	StateNotRunning uint32 = iota
	StateRunning
	StateStopping

	// MaxBufferSize guards against accidental misconfiguration.
	MaxBufferSize uint32 = 1024 * 1024
)

// Handler consumes controller events of one family.
type Handler interface {
	HandleEvent(ev controller.Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ev controller.Event)

func (f HandlerFunc) HandleEvent(ev controller.Event) { f(ev) }

// Metrics are updated atomically; read them through Dispatcher.Metrics.
type Metrics struct {
	Published int64
	Delivered int64
	Dropped   int64
	Spilled   int64
	Unrouted  int64
	Errors    int64
}

// Dispatcher implements controller.EventSink.
type Dispatcher struct {
	buffer mpmc.RingBuffer[controller.Event]
	logger *logrus.Logger

	// overflow holds acknowledgements that did not fit the ring. While it is non-empty
	// every new event queues behind it so publish order is kept.
	overflowMu sync.Mutex
	overflow   []controller.Event

	mu       sync.RWMutex
	handlers map[controller.Family]Handler

	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	state   uint32
	metrics Metrics
}

// New creates a dispatcher buffering up to bufferSize undelivered data events.
func New(bufferSize uint32, logger *logrus.Logger) (*Dispatcher, error) {
	if bufferSize == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Dispatcher{
		buffer:   mpmc.New[controller.Event](bufferSize),
		logger:   logger,
		handlers: make(map[controller.Family]Handler),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Route registers the handler for a family, replacing any previous one.
func (d *Dispatcher) Route(family controller.Family, h Handler) {
	d.mu.Lock()
	d.handlers[family] = h
	d.mu.Unlock()
}

// Publish implements controller.EventSink. It never blocks.
func (d *Dispatcher) Publish(ev controller.Event) {
	if !d.enqueue(ev) {
		atomic.AddInt64(&d.metrics.Dropped, 1)
		d.logger.WithField("event", fmt.Sprintf("%T", ev)).Warn("Dispatch buffer full, event dropped")
		return
	}
	atomic.AddInt64(&d.metrics.Published, 1)

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// enqueue buffers ev and reports whether it was kept.
func (d *Dispatcher) enqueue(ev controller.Event) bool {
	d.overflowMu.Lock()
	defer d.overflowMu.Unlock()

	if len(d.overflow) == 0 {
		err := d.buffer.Enqueue(ev)
		if err == nil {
			return true
		}
		if !errors.Is(err, mpmc.ErrQueueFull) {
			atomic.AddInt64(&d.metrics.Errors, 1)
			d.logger.WithError(err).Error("Failed to buffer controller event")
		}
	}
	if !isAcknowledgement(ev) {
		return false
	}
	d.overflow = append(d.overflow, ev)
	atomic.AddInt64(&d.metrics.Spilled, 1)
	return true
}

// isAcknowledgement reports whether a coordinator may be waiting on ev.
func isAcknowledgement(ev controller.Event) bool {
	switch ev.(type) {
	case controller.Completion, controller.InstanceDisabled:
		return true
	}
	return false
}

// Start launches the delivery goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&d.state, StateNotRunning, StateRunning) {
		switch atomic.LoadUint32(&d.state) {
		case StateRunning:
			return fmt.Errorf("dispatcher is already running")
		case StateStopping:
			return fmt.Errorf("dispatcher is stopping, wait for it to finish")
		default:
			return fmt.Errorf("dispatcher is in unknown state %d", atomic.LoadUint32(&d.state))
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	started := make(chan struct{}, 1)

	groutine.Go(ctx, "controller-dispatch", func(ctx context.Context) {
		started <- struct{}{}
		defer func() {
			close(d.done)
			atomic.StoreUint32(&d.state, StateNotRunning)
		}()

		for {
			d.drain()
			select {
			case <-d.wake:
			case <-d.stop:
				d.drain()
				return
			case <-ctx.Done():
				return
			}
		}
	})

	select {
	case <-started:
		return nil
	case <-time.After(time.Second):
		close(d.stop)
		<-d.done
		return fmt.Errorf("dispatcher failed to start within 1s timeout")
	}
}

// Stop delivers what is buffered and stops the delivery goroutine.
func (d *Dispatcher) Stop() error {
	if !atomic.CompareAndSwapUint32(&d.state, StateRunning, StateStopping) {
		if atomic.LoadUint32(&d.state) == StateNotRunning {
			return nil
		}
	} else {
		close(d.stop)
	}

	select {
	case <-d.done:
		return nil
	case <-time.After(5 * time.Second):
		<-d.done
		return fmt.Errorf("stop completed but exceeded 5s timeout")
	}
}

// State returns the lifecycle state.
func (d *Dispatcher) State() uint32 {
	return atomic.LoadUint32(&d.state)
}

// Metrics returns a snapshot of the counters.
func (d *Dispatcher) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadInt64(&d.metrics.Published),
		Delivered: atomic.LoadInt64(&d.metrics.Delivered),
		Dropped:   atomic.LoadInt64(&d.metrics.Dropped),
		Spilled:   atomic.LoadInt64(&d.metrics.Spilled),
		Unrouted:  atomic.LoadInt64(&d.metrics.Unrouted),
		Errors:    atomic.LoadInt64(&d.metrics.Errors),
	}
}

func (d *Dispatcher) drain() {
	for {
		for !d.buffer.IsEmpty() {
			ev, err := d.buffer.Dequeue()
			if err != nil {
				break
			}
			d.deliver(ev)
		}

		spilled, pending := d.takeOverflow()
		if !pending {
			return
		}
		for _, ev := range spilled {
			d.deliver(ev)
		}
	}
}

// takeOverflow hands over the spilled acknowledgements once the ring is empty, so they
// are never delivered ahead of older ring entries. pending is false when nothing spilled.
func (d *Dispatcher) takeOverflow() (spilled []controller.Event, pending bool) {
	d.overflowMu.Lock()
	defer d.overflowMu.Unlock()
	if len(d.overflow) == 0 {
		return nil, false
	}
	if !d.buffer.IsEmpty() {
		return nil, true
	}
	spilled = d.overflow
	d.overflow = nil
	return spilled, true
}

func (d *Dispatcher) deliver(ev controller.Event) {
	d.mu.RLock()
	h := d.handlers[ev.EventFamily()]
	d.mu.RUnlock()

	if h == nil {
		atomic.AddInt64(&d.metrics.Unrouted, 1)
		d.logger.WithField("family", ev.EventFamily()).Debug("No handler for controller event")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&d.metrics.Errors, 1)
			d.logger.WithFields(logrus.Fields{
				"family": ev.EventFamily(),
				"panic":  r,
			}).Error("Controller event handler panicked")
		}
	}()
	h.HandleEvent(ev)
	atomic.AddInt64(&d.metrics.Delivered, 1)
}
