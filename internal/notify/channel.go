package notify

import "sync/atomic"

// ChannelSink is a bounded event channel with overwrite-oldest semantics: Notify never
// blocks, and when the buffer is full the oldest undelivered event is discarded.
type ChannelSink struct {
	ch      chan Event
	metrics Metrics
}

// Metrics counts ChannelSink traffic. Read it through ChannelSink.Metrics.
type Metrics struct {
	Written     int64
	Overwritten int64
	Received    int64
}

// NewChannelSink creates a sink buffering up to capacity events.
func NewChannelSink(capacity int) *ChannelSink {
	if capacity <= 0 {
		panic("notify: channel sink capacity must be > 0")
	}
	return &ChannelSink{ch: make(chan Event, capacity)}
}

// Notify implements Notifier.
func (s *ChannelSink) Notify(ev Event) {
	for {
		select {
		case s.ch <- ev:
			atomic.AddInt64(&s.metrics.Written, 1)
			return
		default:
		}
		// Full: drop the oldest and retry; another reader may have drained it already.
		select {
		case <-s.ch:
			atomic.AddInt64(&s.metrics.Overwritten, 1)
		default:
		}
	}
}

// C returns the receive side. Reads through C are not counted as Received.
func (s *ChannelSink) C() <-chan Event {
	return s.ch
}

// TryReceive returns the next event without blocking.
func (s *ChannelSink) TryReceive() (Event, bool) {
	select {
	case ev := <-s.ch:
		atomic.AddInt64(&s.metrics.Received, 1)
		return ev, true
	default:
		return Event{}, false
	}
}

// Drain returns every buffered event, oldest first.
func (s *ChannelSink) Drain() []Event {
	var out []Event
	for {
		ev, ok := s.TryReceive()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

// Len returns the number of buffered events.
func (s *ChannelSink) Len() int { return len(s.ch) }

// Metrics returns a snapshot of the counters.
func (s *ChannelSink) Metrics() Metrics {
	return Metrics{
		Written:     atomic.LoadInt64(&s.metrics.Written),
		Overwritten: atomic.LoadInt64(&s.metrics.Overwritten),
		Received:    atomic.LoadInt64(&s.metrics.Received),
	}
}
