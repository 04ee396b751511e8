package testutils

import (
	"time"

	"github.com/srg/blearb/internal/notify"
	"github.com/srg/blearb/internal/registry"
	"github.com/srg/blearb/internal/scan"
	"github.com/srg/blearb/internal/tracking"
	"github.com/srg/blearb/internal/usagestats"
)

// ScanSessionBuilder builds scan sessions with a fluent API. Sessions default to a
// low-power all-matches scan with location permission and no filters.
type ScanSessionBuilder struct {
	s scan.Session
}

// NewScanSession starts a builder for clientIf.
func NewScanSession(clientIf int) *ScanSessionBuilder {
	return &ScanSessionBuilder{s: scan.Session{
		ClientIf:    clientIf,
		Side:        registry.ClientSide,
		Settings:    scan.DefaultSettings(),
		Permissions: scan.Permissions{Location: true, LegacyForeground: true},
		WorkSource:  "test",
	}}
}

// WithMode sets the scan mode.
func (b *ScanSessionBuilder) WithMode(m scan.Mode) *ScanSessionBuilder {
	b.s.Settings.Mode = m
	return b
}

// WithCallbackType sets the callback bitmask.
func (b *ScanSessionBuilder) WithCallbackType(cb scan.CallbackType) *ScanSessionBuilder {
	b.s.Settings.CallbackType = cb
	return b
}

// WithReportDelay makes the session a batch session when cb is all-matches.
func (b *ScanSessionBuilder) WithReportDelay(d time.Duration) *ScanSessionBuilder {
	b.s.Settings.ReportDelay = d
	return b
}

// WithResultType selects full or abbreviated batch results.
func (b *ScanSessionBuilder) WithResultType(rt scan.ResultType) *ScanSessionBuilder {
	b.s.Settings.ResultType = rt
	return b
}

// WithMatch sets the found/lost match mode and tracking tier.
func (b *ScanSessionBuilder) WithMatch(mode scan.MatchMode, count tracking.MatchCount) *ScanSessionBuilder {
	b.s.Settings.MatchMode = mode
	b.s.Settings.MatchCount = count
	return b
}

// WithFilters appends scan filters.
func (b *ScanSessionBuilder) WithFilters(filters ...scan.Filter) *ScanSessionBuilder {
	b.s.Filters = append(b.s.Filters, filters...)
	return b
}

// WithNotifier sets the callback sink.
func (b *ScanSessionBuilder) WithNotifier(n notify.Notifier) *ScanSessionBuilder {
	b.s.Notifier = n
	return b
}

// WithStats attaches usage stats.
func (b *ScanSessionBuilder) WithStats(s *usagestats.Stats) *ScanSessionBuilder {
	b.s.Stats = s
	return b
}

// WithPermissions replaces the permission set.
func (b *ScanSessionBuilder) WithPermissions(p scan.Permissions) *ScanSessionBuilder {
	b.s.Permissions = p
	return b
}

// WithSide sets the registry side of the handle.
func (b *ScanSessionBuilder) WithSide(side registry.Side) *ScanSessionBuilder {
	b.s.Side = side
	return b
}

// Privileged bypasses the start throttle.
func (b *ScanSessionBuilder) Privileged() *ScanSessionBuilder {
	b.s.Permissions.Privileged = true
	return b
}

// Build returns a fresh session.
func (b *ScanSessionBuilder) Build() *scan.Session {
	s := b.s
	s.Filters = append([]scan.Filter(nil), b.s.Filters...)
	return &s
}
