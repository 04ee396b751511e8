// Package tracking accounts for the controller's trackable-advertisement entries used by
// on-found/on-lost filters. The budget is shared by every scan client.
package tracking

import (
	"errors"
	"sync/atomic"
)

// ErrExhausted reports that a request does not fit into the remaining budget.
var ErrExhausted = errors.New("trackable advertisement budget exhausted")

// MatchCount is the number of advertisers a client asks the controller to track per filter.
type MatchCount int

const (
	MatchOne MatchCount = iota + 1
	MatchFew
	MatchMax
)

func (m MatchCount) String() string {
	switch m {
	case MatchOne:
		return "one"
	case MatchFew:
		return "few"
	case MatchMax:
		return "max"
	default:
		return "unknown"
	}
}

// EntriesFor maps a match-count tier to the number of tracking entries it consumes.
// Unknown tiers fall back to a single entry.
func EntriesFor(m MatchCount, max int) int {
	switch m {
	case MatchFew:
		return 2
	case MatchMax:
		return max / 2
	default:
		return 1
	}
}

// Budget is a lock-free counter bounded by the controller-reported maximum.
type Budget struct {
	max  int64
	used atomic.Int64
}

// New returns a budget with nothing allocated.
func New(max int) *Budget {
	if max < 0 {
		max = 0
	}
	return &Budget{max: int64(max)}
}

// TryAllocate reserves n entries. It leaves the budget untouched and returns false when
// fewer than n entries are left.
func (b *Budget) TryAllocate(n int) bool {
	if n < 0 {
		return false
	}
	for {
		cur := b.used.Load()
		if b.max-cur < int64(n) {
			return false
		}
		if b.used.CompareAndSwap(cur, cur+int64(n)) {
			return true
		}
	}
}

// Free releases n entries. The counter saturates at zero; the return value is false when
// more was freed than allocated, which callers log but never treat as fatal.
func (b *Budget) Free(n int) bool {
	if n <= 0 {
		return true
	}
	for {
		cur := b.used.Load()
		next := cur - int64(n)
		consistent := next >= 0
		if !consistent {
			next = 0
		}
		if b.used.CompareAndSwap(cur, next) {
			return consistent
		}
	}
}

// Used returns the number of allocated entries.
func (b *Budget) Used() int { return int(b.used.Load()) }

// Max returns the controller capacity.
func (b *Budget) Max() int { return int(b.max) }

// Available returns Max() - Used().
func (b *Budget) Available() int { return int(b.max - b.used.Load()) }
