// Package latch bridges a fire-and-forget controller command to the callback that
// acknowledges it.
//
// A coordinator owns exactly one Latch and arms it from its serialized worker only, so at
// most one command per coordinator is waiting for an acknowledgement at any time:
//
//	id := l.Reset()
//	transport.Issue(cmd)
//	status, err := l.Await(500 * time.Millisecond)
//
// The callback path calls Signal (or SignalID when the transport echoes the correlation id).
package latch

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTimeout is returned by Await when no signal arrived within the bound.
	ErrTimeout = errors.New("command latch timed out")
	// ErrNotArmed is returned by Await when Reset was not called first.
	ErrNotArmed = errors.New("command latch not armed")
)

type gate struct {
	id     uuid.UUID
	ch     chan int
	signal sync.Once
}

// Latch is a reusable single-shot gate.
type Latch struct {
	mu   sync.Mutex
	gate *gate
}

// New returns an unarmed latch.
func New() *Latch {
	return &Latch{}
}

// Reset arms a fresh gate, discarding any previous one, and returns its correlation id.
func (l *Latch) Reset() uuid.UUID {
	g := &gate{id: uuid.New(), ch: make(chan int, 1)}

	l.mu.Lock()
	l.gate = g
	l.mu.Unlock()

	return g.id
}

// Signal resolves the armed gate with status. It returns false when nothing is armed or
// the gate was already resolved.
func (l *Latch) Signal(status int) bool {
	l.mu.Lock()
	g := l.gate
	l.mu.Unlock()

	return resolve(g, status)
}

// SignalID resolves the armed gate only if its correlation id matches.
func (l *Latch) SignalID(id uuid.UUID, status int) bool {
	l.mu.Lock()
	g := l.gate
	l.mu.Unlock()

	if g == nil || g.id != id {
		return false
	}
	return resolve(g, status)
}

func resolve(g *gate, status int) bool {
	if g == nil {
		return false
	}
	sent := false
	g.signal.Do(func() {
		g.ch <- status
		sent = true
	})
	return sent
}

// Await blocks until the armed gate is signaled or timeout elapses. The gate is disarmed
// on return so a late acknowledgement cannot resolve the next command.
func (l *Latch) Await(timeout time.Duration) (int, error) {
	l.mu.Lock()
	g := l.gate
	l.mu.Unlock()

	if g == nil {
		return 0, ErrNotArmed
	}
	defer l.disarm(g)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status := <-g.ch:
		return status, nil
	case <-timer.C:
		return 0, ErrTimeout
	}
}

// Pending reports the correlation id of the armed gate, if any.
func (l *Latch) Pending() (uuid.UUID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.gate == nil {
		return uuid.Nil, false
	}
	return l.gate.id, true
}

func (l *Latch) disarm(g *gate) {
	l.mu.Lock()
	if l.gate == g {
		l.gate = nil
	}
	l.mu.Unlock()
	// Close the gate for any signal racing with disarm.
	g.signal.Do(func() {})
}
