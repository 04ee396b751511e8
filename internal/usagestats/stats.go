// Package usagestats keeps per-application scan bookkeeping used to throttle apps that
// start scans too often and to report scan durations.
package usagestats

import (
	"sync"
	"time"
)

const (
	// DefaultHistorySize is the number of most recent scans kept per app.
	DefaultHistorySize = 5
	// DefaultExcessiveWindow is the period in which DefaultHistorySize scan starts trip the
	// throttle.
	DefaultExcessiveWindow = 30 * time.Second
)

// Clock returns the current time; tests substitute a fake.
type Clock func() time.Time

// Scan describes one recorded scan.
type Scan struct {
	Start         time.Time
	Duration      time.Duration
	Opportunistic bool
	Batch         bool
	Filtered      bool
	Background    bool
	TimedOut      bool
	Results       int
}

// Options for a recorded scan start.
type Options struct {
	Opportunistic bool
	Batch         bool
	Filtered      bool
	Background    bool
}

// Snapshot is a read-only copy of the stats.
type Snapshot struct {
	AppName       string
	ScansStarted  int
	ScansStopped  int
	Scanning      bool
	Results       int
	MinScanTime   time.Duration
	MaxScanTime   time.Duration
	TotalScanTime time.Duration
	AvgScanTime   time.Duration
	LastScans     []Scan
}

// Stats holds scan history for one application. Safe for concurrent use.
type Stats struct {
	mu      sync.Mutex
	appName string
	size    int
	window  time.Duration
	now     Clock

	ring  []Scan
	head  int // index of the oldest entry
	count int

	scansStarted int
	scansStopped int
	scanning     bool
	startTime    time.Time
	results      int
	minScanTime  time.Duration
	maxScanTime  time.Duration
	totalTime    time.Duration
}

// New creates stats for appName. Zero size/window fall back to the defaults and a nil
// clock to time.Now.
func New(appName string, size int, window time.Duration, clock Clock) *Stats {
	if size <= 0 {
		size = DefaultHistorySize
	}
	if window <= 0 {
		window = DefaultExcessiveWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &Stats{
		appName: appName,
		size:    size,
		window:  window,
		now:     clock,
		ring:    make([]Scan, size),
	}
}

// AppName returns the owning application's name.
func (s *Stats) AppName() string { return s.appName }

// RecordScanStart notes a scan start. A start while already scanning is ignored.
func (s *Stats) RecordScanStart(opts Options) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanning {
		return
	}
	s.scansStarted++
	s.scanning = true
	s.startTime = s.now()

	s.push(Scan{
		Start:         s.startTime,
		Opportunistic: opts.Opportunistic,
		Batch:         opts.Batch,
		Filtered:      opts.Filtered,
		Background:    opts.Background,
	})
}

// RecordScanStop closes the running scan and folds its duration into the totals.
func (s *Stats) RecordScanStop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.scanning {
		return
	}
	s.scansStopped++
	s.scanning = false

	d := s.now().Sub(s.startTime)
	if s.scansStopped == 1 || d < s.minScanTime {
		s.minScanTime = d
	}
	if d > s.maxScanTime {
		s.maxScanTime = d
	}
	s.totalTime += d

	if last := s.newest(); last != nil {
		last.Duration = d
	}
}

// SetScanTimeout marks the running scan as downgraded for excessive duration.
func (s *Stats) SetScanTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.scanning {
		return
	}
	if last := s.newest(); last != nil {
		last.TimedOut = true
	}
}

// AddResult counts one delivered scan result.
func (s *Stats) AddResult() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results++
	if last := s.newest(); last != nil {
		last.Results++
	}
}

// IsScanningTooFrequently reports whether the history is full and its oldest scan started
// less than the throttle window ago.
func (s *Stats) IsScanningTooFrequently() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count < s.size {
		return false
	}
	return s.now().Sub(s.ring[s.head].Start) < s.window
}

// IsScanning reports whether a scan is running.
func (s *Stats) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Snapshot returns a copy of the current state, oldest scan first.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		AppName:       s.appName,
		ScansStarted:  s.scansStarted,
		ScansStopped:  s.scansStopped,
		Scanning:      s.scanning,
		Results:       s.results,
		MinScanTime:   s.minScanTime,
		MaxScanTime:   s.maxScanTime,
		TotalScanTime: s.totalTime,
		LastScans:     make([]Scan, 0, s.count),
	}
	if s.scansStopped > 0 {
		snap.AvgScanTime = s.totalTime / time.Duration(s.scansStopped)
	}
	for i := 0; i < s.count; i++ {
		snap.LastScans = append(snap.LastScans, s.ring[(s.head+i)%s.size])
	}
	return snap
}

// push appends a scan, evicting the oldest once the ring is full.
func (s *Stats) push(scan Scan) {
	if s.count < s.size {
		s.ring[(s.head+s.count)%s.size] = scan
		s.count++
		return
	}
	s.ring[s.head] = scan
	s.head = (s.head + 1) % s.size
}

func (s *Stats) newest() *Scan {
	if s.count == 0 {
		return nil
	}
	return &s.ring[(s.head+s.count-1)%s.size]
}
