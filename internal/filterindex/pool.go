// Package filterindex manages the controller's offloaded scan filter slots.
//
// Slot numbers below the reserved count are never handed out: slot 0 belongs to the
// platform's own all-pass filter and slots 1 and 2 to the shared all-pass filters for
// regular and batch scans.
package filterindex

import (
	"errors"
	"sync"
)

// DefaultReserved is the number of low slot numbers excluded from allocation.
const DefaultReserved = 3

// ErrExhausted is returned by Allocate when no slot is left in the pool.
var ErrExhausted = errors.New("filter index pool exhausted")

// Pool hands out filter slot numbers to clients. Freed slots are reused LIFO.
//
// All methods are safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	reserved int
	free     []int
	held     map[int][]int // clientIf -> slots in allocation order
}

// New creates an empty pool; call Initialize once the controller capacity is known.
func New(reserved int) *Pool {
	if reserved < 0 {
		reserved = 0
	}
	return &Pool{
		reserved: reserved,
		held:     make(map[int][]int),
	}
}

// Initialize populates the pool with [reserved, capacity); the lowest slot is handed out
// first. It is a no-op unless the pool is empty and no client holds a slot, so repeated
// calls never duplicate slots.
func (p *Pool) Initialize(capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) > 0 || len(p.held) > 0 {
		return
	}
	for i := capacity - 1; i >= p.reserved; i-- {
		p.free = append(p.free, i)
	}
}

// Allocate pops a slot for clientIf.
func (p *Pool) Allocate(clientIf int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		return 0, ErrExhausted
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.held[clientIf] = append(p.held[clientIf], idx)
	return idx, nil
}

// Free returns every slot held by clientIf to the pool and forgets the client.
// The released slots are returned in allocation order; nil if the client held none.
func (p *Pool) Free(clientIf int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	slots, ok := p.held[clientIf]
	if !ok {
		return nil
	}
	delete(p.held, clientIf)
	p.free = append(p.free, slots...)
	return slots
}

// Indices returns a copy of the slots currently held by clientIf.
func (p *Pool) Indices(clientIf int) []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	slots := p.held[clientIf]
	if len(slots) == 0 {
		return nil
	}
	out := make([]int, len(slots))
	copy(out, slots)
	return out
}

// Available reports how many slots can still be allocated.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// InUse reports whether any client currently holds a slot.
func (p *Pool) InUse() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held) > 0
}
