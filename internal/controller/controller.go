// Package controller describes the opaque, asynchronous command channel to the BLE
// controller: the typed commands the coordinators issue, the capabilities the controller
// reports, and the events it delivers later on the dispatch path.
package controller

import (
	"errors"

	"github.com/google/uuid"
)

// ErrTransportClosed is returned by transports that no longer accept commands.
var ErrTransportClosed = errors.New("controller transport closed")

// Family groups commands and events by the coordinator that owns them.
type Family int

const (
	FamilyScan Family = iota
	FamilyAdvertise
)

func (f Family) String() string {
	switch f {
	case FamilyScan:
		return "scan"
	case FamilyAdvertise:
		return "advertise"
	default:
		return "unknown"
	}
}

// Status codes carried by command completions.
const (
	StatusSuccess = 0
	StatusFailure = 1
)

// Command is one fire-and-forget request to the controller.
type Command interface {
	Name() string
	Family() Family
	Client() int
	Correlation() uuid.UUID
	Correlate(id uuid.UUID)
}

// Header carries the fields every command shares.
type Header struct {
	ClientIf int
	ID       uuid.UUID
}

// Client returns the client handle the command is issued for.
func (h *Header) Client() int { return h.ClientIf }

// Correlation returns the latch correlation id, uuid.Nil when unset.
func (h *Header) Correlation() uuid.UUID { return h.ID }

// Correlate attaches the latch correlation id to the command.
func (h *Header) Correlate(id uuid.UUID) { h.ID = id }

// Transport delivers commands to the controller. Issue must not block on the
// acknowledgement; completions arrive later as Events.
type Transport interface {
	Issue(cmd Command) error
}

// Capabilities reported by the controller.
type Capabilities struct {
	MultiAdvertising           bool `yaml:"multi_advertising" json:"multi_advertising" default:"true"`
	OffloadedFiltering         bool `yaml:"offloaded_filtering" json:"offloaded_filtering" default:"true"`
	PeripheralMode             bool `yaml:"peripheral_mode" json:"peripheral_mode" default:"true"`
	MaxAdvertiseInstances      int  `yaml:"max_advertise_instances" json:"max_advertise_instances" default:"5"`
	MaxOffloadedFilters        int  `yaml:"max_offloaded_filters" json:"max_offloaded_filters" default:"16"`
	MaxTrackableAdvertisements int  `yaml:"max_trackable_advertisements" json:"max_trackable_advertisements" default:"32"`
}

// CapabilityQuery reports the controller capabilities.
type CapabilityQuery interface {
	Capabilities() Capabilities
}

// Capabilities lets a static Capabilities value serve as its own query.
func (c Capabilities) Capabilities() Capabilities { return c }

// MillisToUnits converts milliseconds to controller time units of 0.625 ms.
func MillisToUnits(ms int) int {
	return ms * 1000 / 625
}
