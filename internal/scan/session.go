package scan

import (
	"fmt"

	"github.com/srg/blearb/internal/notify"
	"github.com/srg/blearb/internal/registry"
	"github.com/srg/blearb/internal/usagestats"
)

// Kind is fixed when a session is admitted.
type Kind int

const (
	KindRegular Kind = iota
	KindBatch
)

func (k Kind) String() string {
	if k == KindBatch {
		return "batch"
	}
	return "regular"
}

// Permissions are supplied by the permission collaborator at admission time.
type Permissions struct {
	Location         bool
	PeersMacAddress  bool
	LegacyForeground bool
	Privileged       bool
}

// CanReceiveResults reports whether scan results may be delivered to the client.
func (p Permissions) CanReceiveResults() bool {
	return p.PeersMacAddress || p.Location
}

// Session is one client's scan request.
type Session struct {
	ClientIf    int
	Side        registry.Side
	Settings    Settings
	Filters     []Filter
	Permissions Permissions
	WorkSource  string
	Stats       *usagestats.Stats
	Notifier    notify.Notifier
	AppDied     bool

	kind     Kind
	tracking int // tracking entries actually allocated for this session
}

// Kind returns the classification made at admission.
func (s *Session) Kind() Kind { return s.kind }

// TrackingEntries is the number of trackable advertisements held by the session.
func (s *Session) TrackingEntries() int { return s.tracking }

func (s *Session) notify(ev notify.Event) {
	if s.Notifier != nil {
		s.Notifier.Notify(ev)
	}
}

func (s *Session) usageOptions() usagestats.Options {
	return usagestats.Options{
		Opportunistic: s.Settings.IsOpportunistic(),
		Batch:         s.Settings.IsBatch(),
		Filtered:      len(s.Filters) > 0,
		Background:    !s.Permissions.LegacyForeground,
	}
}

// Scan error codes reported to clients.
const (
	ErrorAlreadyStarted     = 1
	ErrorRegistrationFailed = 2
	ErrorInternal           = 3
	ErrorFeatureUnsupported = 4
)

// RejectReason is why a start request was refused.
type RejectReason string

const (
	ReasonUnsupported RejectReason = "unsupported"
	ReasonDuplicate   RejectReason = "duplicate"
	ReasonThrottled   RejectReason = "throttled"
	ReasonInvalid     RejectReason = "invalid"
)

// RejectError is returned synchronously by StartScan.
type RejectError struct {
	Reason   RejectReason
	ClientIf int
	Msg      string
}

func (e *RejectError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("scan rejected: %s", e.Reason)
	if e.ClientIf != 0 {
		msg = fmt.Sprintf("%s (client %d)", msg, e.ClientIf)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

// Is compares RejectError values by Reason.
func (e *RejectError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*RejectError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

var (
	ErrUnsupported = &RejectError{Reason: ReasonUnsupported}
	ErrDuplicate   = &RejectError{Reason: ReasonDuplicate}
	ErrThrottled   = &RejectError{Reason: ReasonThrottled}
	ErrInvalid     = &RejectError{Reason: ReasonInvalid}
)

// Registry is the application registry collaborator.
type Registry interface {
	Unregister(handle int, side registry.Side)
}

// BatteryAccounting is notified of regular scan workloads. Errors are ignored.
type BatteryAccounting interface {
	NoteScanStarted(workSource string) error
	NoteScanStopped(workSource string) error
}
