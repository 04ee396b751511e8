package scan

import (
	"fmt"
	"time"

	"github.com/srg/blearb/internal/controller"
	"github.com/srg/blearb/internal/tracking"
)

// Mode is the scan power tier. Higher values are more power hungry.
type Mode int

const (
	ModeOpportunistic Mode = -1
	ModeLowPower      Mode = 0
	ModeBalanced      Mode = 1
	ModeLowLatency    Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeOpportunistic:
		return "opportunistic"
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
	for _, m := range []Mode{ModeOpportunistic, ModeLowPower, ModeBalanced, ModeLowLatency} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown scan mode %q", s)
}

// CallbackType is a bitmask of the callbacks a client wants.
type CallbackType int

const (
	CallbackAllMatches CallbackType = 1
	CallbackFirstMatch CallbackType = 2
	CallbackMatchLost  CallbackType = 4
)

// ResultType selects full or abbreviated batch results.
type ResultType int

const (
	ResultTypeFull        ResultType = 0
	ResultTypeAbbreviated ResultType = 1
)

// MatchMode selects how eagerly a tracked advertiser is reported found.
type MatchMode int

const (
	MatchModeAggressive MatchMode = 1
	MatchModeSticky     MatchMode = 2
)

// Settings is the scan intent of one session.
type Settings struct {
	Mode         Mode                `yaml:"mode"`
	CallbackType CallbackType        `yaml:"callback_type"`
	ResultType   ResultType          `yaml:"result_type"`
	ReportDelay  time.Duration       `yaml:"report_delay"`
	MatchMode    MatchMode           `yaml:"match_mode"`
	MatchCount   tracking.MatchCount `yaml:"match_count"`
}

// DefaultSettings are low-power, all-matches, immediate delivery.
func DefaultSettings() Settings {
	return Settings{
		Mode:         ModeLowPower,
		CallbackType: CallbackAllMatches,
		ResultType:   ResultTypeFull,
		MatchMode:    MatchModeAggressive,
		MatchCount:   tracking.MatchMax,
	}
}

// IsBatch reports whether results are batched in controller storage.
func (s Settings) IsBatch() bool {
	return s.CallbackType == CallbackAllMatches && s.ReportDelay != 0
}

// IsOpportunistic reports whether the session drives no scan parameters of its own.
func (s Settings) IsOpportunistic() bool {
	return s.Mode == ModeOpportunistic
}

// IsFirstMatch reports whether the client asked for first-match callbacks.
func (s Settings) IsFirstMatch() bool {
	return s.CallbackType&CallbackFirstMatch != 0
}

// DeliveryMode is how the controller reports matches for these settings.
func (s Settings) DeliveryMode() int {
	if s.CallbackType&(CallbackFirstMatch|CallbackMatchLost) != 0 {
		return controller.DeliveryOnFoundLost
	}
	if s.ReportDelay == 0 {
		return controller.DeliveryImmediate
	}
	return controller.DeliveryBatch
}

// Opportunistic returns a copy downgraded to opportunistic mode. Every other field is
// preserved.
func (s Settings) Opportunistic() Settings {
	s.Mode = ModeOpportunistic
	return s
}

const (
	lowPowerWindowMs     = 500
	lowPowerIntervalMs   = 5000
	balancedWindowMs     = 2000
	balancedIntervalMs   = 5000
	lowLatencyWindowMs   = 5000
	lowLatencyIntervalMs = 5000

	batchLowPowerWindowMs     = 1500
	batchLowPowerIntervalMs   = 150000
	batchBalancedWindowMs     = 1500
	batchBalancedIntervalMs   = 15000
	batchLowLatencyWindowMs   = 1500
	batchLowLatencyIntervalMs = 5000

	foundLostBaseTimeoutMs  = 500
	aggressiveTimeoutFactor = 1
	stickyTimeoutFactor     = 3
	onLostTimeoutMs         = 10000
	aggressiveSightings     = 1
	stickySightings         = 4
)

// regularTiming returns the (window, interval) in milliseconds of a regular scan.
func regularTiming(m Mode) (window, interval int) {
	switch m {
	case ModeLowLatency:
		return lowLatencyWindowMs, lowLatencyIntervalMs
	case ModeBalanced:
		return balancedWindowMs, balancedIntervalMs
	default:
		return lowPowerWindowMs, lowPowerIntervalMs
	}
}

// batchTiming returns the (window, interval) in milliseconds of a batch scan.
func batchTiming(m Mode) (window, interval int) {
	switch m {
	case ModeLowLatency:
		return batchLowLatencyWindowMs, batchLowLatencyIntervalMs
	case ModeBalanced:
		return batchBalancedWindowMs, batchBalancedIntervalMs
	default:
		return batchLowPowerWindowMs, batchLowPowerIntervalMs
	}
}

func onFoundTimeoutMs(s Settings) int {
	if s.MatchMode == MatchModeAggressive {
		return foundLostBaseTimeoutMs * aggressiveTimeoutFactor
	}
	return foundLostBaseTimeoutMs * stickyTimeoutFactor
}

func onFoundSightings(s Settings) int {
	if s.MatchMode == MatchModeAggressive {
		return aggressiveSightings
	}
	return stickySightings
}
