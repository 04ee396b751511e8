package advertise

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-ble/ble"

	"github.com/srg/blearb/internal/controller"
)

// Mode selects the advertising interval.
type Mode int

const (
	ModeLowPower Mode = iota
	ModeBalanced
	ModeLowLatency
)

func (m Mode) String() string {
	switch m {
	case ModeLowPower:
		return "low_power"
	case ModeBalanced:
		return "balanced"
	case ModeLowLatency:
		return "low_latency"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the names produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeLowPower, ModeBalanced, ModeLowLatency} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown advertise mode %q", s)
}

// TxPower is the client-facing transmit power tier.
type TxPower int

const (
	TxPowerUltraLow TxPower = iota
	TxPowerLow
	TxPowerMedium
	TxPowerHigh
)

func (p TxPower) String() string {
	switch p {
	case TxPowerUltraLow:
		return "ultra_low"
	case TxPowerLow:
		return "low"
	case TxPowerMedium:
		return "medium"
	case TxPowerHigh:
		return "high"
	default:
		return fmt.Sprintf("tx_power(%d)", int(p))
	}
}

// ParseTxPower accepts the names produced by TxPower.String.
func ParseTxPower(s string) (TxPower, error) {
	for _, p := range []TxPower{TxPowerUltraLow, TxPowerLow, TxPowerMedium, TxPowerHigh} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown tx power %q", s)
}

// Hardware tx power levels. The controller has one more level than clients can ask for.
const (
	hwTxPowerMin   = 0
	hwTxPowerLow   = 1
	hwTxPowerMid   = 2
	hwTxPowerUpper = 3
	hwTxPowerMax   = 4
)

func (p TxPower) hardwareLevel() int {
	switch p {
	case TxPowerUltraLow:
		return hwTxPowerMin
	case TxPowerLow:
		return hwTxPowerLow
	case TxPowerHigh:
		return hwTxPowerUpper
	default:
		return hwTxPowerMid
	}
}

// Settings is the advertising intent of one session.
type Settings struct {
	Mode        Mode          `yaml:"mode"`
	TxPower     TxPower       `yaml:"tx_power"`
	Connectable bool          `yaml:"connectable"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultSettings are low-power, medium tx power, connectable, no timeout.
func DefaultSettings() Settings {
	return Settings{Mode: ModeLowPower, TxPower: TxPowerMedium, Connectable: true}
}

const (
	lowPowerIntervalMs   = 1000
	balancedIntervalMs   = 250
	lowLatencyIntervalMs = 100

	// intervalDeltaUnits is added to the minimum interval to get the maximum.
	intervalDeltaUnits = 10

	channelMapAll = 0x07
)

// Advertising event types.
const (
	eventConnectable    = 0
	eventScannable      = 2
	eventNonConnectable = 3
)

// intervalUnits returns the minimum and maximum advertising interval in controller units.
func (s Settings) intervalUnits() (lo, hi int) {
	ms := lowPowerIntervalMs
	switch s.Mode {
	case ModeBalanced:
		ms = balancedIntervalMs
	case ModeLowLatency:
		ms = lowLatencyIntervalMs
	}
	lo = controller.MillisToUnits(ms)
	return lo, lo + intervalDeltaUnits
}

func (s Settings) eventType(hasScanResponse bool) int {
	switch {
	case s.Connectable:
		return eventConnectable
	case hasScanResponse:
		return eventScannable
	default:
		return eventNonConnectable
	}
}

func (s Settings) timeoutSeconds() int {
	return int(s.Timeout / time.Second)
}

// ManufacturerData is one manufacturer-specific entry.
type ManufacturerData struct {
	ID   uint16 `yaml:"id"`
	Data []byte `yaml:"data"`
}

// ServiceData is one service data entry.
type ServiceData struct {
	UUID ble.UUID `yaml:"uuid"`
	Data []byte   `yaml:"data"`
}

// Data is the content of an advertisement or scan response.
type Data struct {
	IncludeName    bool               `yaml:"include_name"`
	IncludeTxPower bool               `yaml:"include_tx_power"`
	ServiceUUIDs   []ble.UUID         `yaml:"service_uuids"`
	Manufacturer   []ManufacturerData `yaml:"manufacturer"`
	ServiceData    []ServiceData      `yaml:"service_data"`
}

var errBadUUID = errors.New("uuid must be 16, 32 or 128 bits")

// Validate checks that every UUID has a valid length.
func (d Data) Validate() error {
	for i, u := range d.ServiceUUIDs {
		if !validUUID(u) {
			return fmt.Errorf("service uuid %d: %w", i, errBadUUID)
		}
	}
	for i, sd := range d.ServiceData {
		if !validUUID(sd.UUID) {
			return fmt.Errorf("service data %d: %w", i, errBadUUID)
		}
	}
	return nil
}

func validUUID(u ble.UUID) bool {
	switch len(u) {
	case 2, 4, 16:
		return true
	}
	return false
}
