package tracking

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntriesFor(t *testing.T) {
	tests := []struct {
		name  string
		match MatchCount
		max   int
		want  int
	}{
		{name: "one", match: MatchOne, max: 16, want: 1},
		{name: "few", match: MatchFew, max: 16, want: 2},
		{name: "max is half the capacity", match: MatchMax, max: 16, want: 8},
		{name: "max with odd capacity rounds down", match: MatchMax, max: 5, want: 2},
		{name: "unknown falls back to one", match: MatchCount(0), max: 16, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EntriesFor(tt.match, tt.max))
		})
	}
}

func TestBudget_TryAllocate(t *testing.T) {
	b := New(4)

	assert.True(t, b.TryAllocate(2))
	assert.True(t, b.TryAllocate(2))
	assert.Equal(t, 0, b.Available())

	assert.False(t, b.TryAllocate(1), "allocation beyond max MUST fail")
	assert.Equal(t, 4, b.Used(), "failed allocation MUST NOT mutate")
}

func TestBudget_FreeSaturates(t *testing.T) {
	b := New(4)
	require.True(t, b.TryAllocate(1))

	assert.True(t, b.Free(1))
	assert.False(t, b.Free(1), "double free MUST be reported")
	assert.Equal(t, 0, b.Used())
}

func TestBudget_Bound(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	b := New(10)

	for i := 0; i < 5000; i++ {
		n := rng.Intn(5)
		if rng.Intn(2) == 0 {
			b.TryAllocate(n)
		} else {
			b.Free(n)
		}
		require.GreaterOrEqual(t, b.Used(), 0)
		require.LessOrEqual(t, b.Used(), b.Max())
	}
}

func TestBudget_ConcurrentAllocate(t *testing.T) {
	b := New(100)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if b.TryAllocate(1) {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, granted)
	assert.Equal(t, 100, b.Used())
}
