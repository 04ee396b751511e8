package advertise

import (
	"fmt"

	"github.com/srg/blearb/internal/notify"
	"github.com/srg/blearb/internal/registry"
)

// Status is reported to clients in advertising callbacks.
type Status int

const (
	StatusSuccess            Status = 0
	StatusDataTooLarge       Status = 1
	StatusTooManyAdvertisers Status = 2
	StatusAlreadyStarted     Status = 3
	StatusInternalError      Status = 4
	StatusFeatureUnsupported Status = 5
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusDataTooLarge:
		return "data_too_large"
	case StatusTooManyAdvertisers:
		return "too_many_advertisers"
	case StatusAlreadyStarted:
		return "already_started"
	case StatusInternalError:
		return "internal_error"
	case StatusFeatureUnsupported:
		return "feature_unsupported"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Err returns nil for StatusSuccess and a *StatusError otherwise.
func (s Status) Err() error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Status: s}
}

// StatusError is an advertising failure.
type StatusError struct {
	Status   Status
	ClientIf int
	Msg      string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("advertising failed: %s", e.Status)
	if e.ClientIf != 0 {
		msg = fmt.Sprintf("%s (client %d)", msg, e.ClientIf)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	return msg
}

// Is compares StatusError values by Status.
func (e *StatusError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*StatusError)
	if !ok {
		return false
	}
	return e.Status == t.Status
}

var (
	ErrDataTooLarge       = &StatusError{Status: StatusDataTooLarge}
	ErrTooManyAdvertisers = &StatusError{Status: StatusTooManyAdvertisers}
	ErrAlreadyStarted     = &StatusError{Status: StatusAlreadyStarted}
	ErrInternal           = &StatusError{Status: StatusInternalError}
	ErrFeatureUnsupported = &StatusError{Status: StatusFeatureUnsupported}
)

// State is where a session is in its advertising lifecycle.
type State int

const (
	StateIdle State = iota
	StateEnabling
	StateSettingAdvertiseData
	StateSettingScanResponse
	StateAdvertising
	StateDisabling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnabling:
		return "enabling"
	case StateSettingAdvertiseData:
		return "setting_advertise_data"
	case StateSettingScanResponse:
		return "setting_scan_response"
	case StateAdvertising:
		return "advertising"
	case StateDisabling:
		return "disabling"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is one client's advertising request.
type Session struct {
	ClientIf     int
	Side         registry.Side
	Settings     Settings
	Data         Data
	ScanResponse *Data
	Notifier     notify.Notifier
	AppDied      bool

	legacy bool
}

func (s *Session) notify(status Status, isStart bool) {
	if s.Notifier != nil {
		s.Notifier.Notify(notify.AdvertiseStatus(s.ClientIf, int(status), isStart))
	}
}

// Registry is the application registry collaborator.
type Registry interface {
	Unregister(handle int, side registry.Side)
}
