package usagestats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newStats(clock *fakeClock) *Stats {
	return New("com.example.app", DefaultHistorySize, DefaultExcessiveWindow, clock.Now)
}

func recordScans(s *Stats, clock *fakeClock, n int, gap time.Duration) {
	for i := 0; i < n; i++ {
		s.RecordScanStart(Options{})
		clock.Advance(gap)
		s.RecordScanStop()
	}
}

func TestStats_IsScanningTooFrequently(t *testing.T) {
	tests := []struct {
		name    string
		scans   int
		gap     time.Duration
		advance time.Duration
		want    bool
	}{
		{name: "fewer than five scans never throttles", scans: 4, gap: time.Millisecond, want: false},
		{name: "five scans inside the window throttle", scans: 5, gap: time.Second, want: true},
		{name: "oldest just inside the window", scans: 5, gap: time.Second, advance: 24*time.Second + 999*time.Millisecond, want: true},
		{name: "oldest exactly at the window boundary", scans: 5, gap: time.Second, advance: 25 * time.Second, want: false},
		{name: "oldest outside the window", scans: 5, gap: 10 * time.Second, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1000, 0)}
			s := newStats(clock)

			recordScans(s, clock, tt.scans, tt.gap)
			clock.Advance(tt.advance)

			assert.Equal(t, tt.want, s.IsScanningTooFrequently())
		})
	}
}

func TestStats_HistoryEvictsOldest(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newStats(clock)

	recordScans(s, clock, 7, time.Second)

	snap := s.Snapshot()
	require.Len(t, snap.LastScans, DefaultHistorySize)
	assert.Equal(t, time.Unix(2, 0), snap.LastScans[0].Start, "two oldest scans MUST be evicted")
	assert.Equal(t, time.Unix(6, 0), snap.LastScans[4].Start)
}

func TestStats_DurationBookkeeping(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newStats(clock)

	s.RecordScanStart(Options{})
	clock.Advance(2 * time.Second)
	s.RecordScanStop()

	s.RecordScanStart(Options{Batch: true})
	clock.Advance(6 * time.Second)
	s.RecordScanStop()

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.ScansStarted)
	assert.Equal(t, 2, snap.ScansStopped)
	assert.Equal(t, 2*time.Second, snap.MinScanTime)
	assert.Equal(t, 6*time.Second, snap.MaxScanTime)
	assert.Equal(t, 8*time.Second, snap.TotalScanTime)
	assert.Equal(t, 4*time.Second, snap.AvgScanTime)
	assert.True(t, snap.LastScans[1].Batch)
	assert.Equal(t, 6*time.Second, snap.LastScans[1].Duration)
}

func TestStats_StartWhileScanningIgnored(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newStats(clock)

	s.RecordScanStart(Options{})
	s.RecordScanStart(Options{})
	s.RecordScanStop()
	s.RecordScanStop()

	snap := s.Snapshot()
	assert.Equal(t, 1, snap.ScansStarted)
	assert.Equal(t, 1, snap.ScansStopped)
	assert.False(t, s.IsScanning())
}

func TestStats_TimeoutAndResults(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := newStats(clock)

	s.SetScanTimeout() // not scanning: no effect
	s.RecordScanStart(Options{})
	s.AddResult()
	s.AddResult()
	s.SetScanTimeout()

	snap := s.Snapshot()
	require.Len(t, snap.LastScans, 1)
	assert.True(t, snap.LastScans[0].TimedOut)
	assert.Equal(t, 2, snap.LastScans[0].Results)
	assert.Equal(t, 2, snap.Results)
}
