package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"gopkg.in/yaml.v3"

	"github.com/srg/blearb/arbiter"
	"github.com/srg/blearb/internal/advertise"
	"github.com/srg/blearb/internal/controller"
	"github.com/srg/blearb/internal/registry"
	"github.com/srg/blearb/internal/scan"
	"github.com/srg/blearb/internal/tracking"
)

// scenario is a scripted session replayed against the simulated controller.
type scenario struct {
	Controller controller.Capabilities `yaml:"controller"`
	Clients    []scenarioClient        `yaml:"clients"`
	Steps      []scenarioStep          `yaml:"steps"`
}

type scenarioClient struct {
	Name       string `yaml:"name"`
	Side       string `yaml:"side"`
	Privileged bool   `yaml:"privileged"`
}

// scenarioStep holds exactly one action.
type scenarioStep struct {
	StartScan        *scanStep      `yaml:"start_scan"`
	StopScan         *clientStep    `yaml:"stop_scan"`
	Flush            *clientStep    `yaml:"flush"`
	StartAdvertising *advertiseStep `yaml:"start_advertising"`
	StopAdvertising  *clientStep    `yaml:"stop_advertising"`
	AppDied          *clientStep    `yaml:"app_died"`
	InjectResult     *resultStep    `yaml:"inject_result"`
	InjectTrack      *trackStep     `yaml:"inject_track"`
	StoreBatch       *batchStep     `yaml:"store_batch"`
	Wait             time.Duration  `yaml:"wait"`
}

type clientStep struct {
	Client string `yaml:"client"`
}

type scanStep struct {
	Client      string        `yaml:"client"`
	Mode        string        `yaml:"mode"`
	Callbacks   []string      `yaml:"callbacks"`
	ReportDelay time.Duration `yaml:"report_delay"`
	ResultType  string        `yaml:"result_type"`
	MatchMode   string        `yaml:"match_mode"`
	MatchCount  string        `yaml:"match_count"`
	Filters     []filterSpec  `yaml:"filters"`
	NoLocation  bool          `yaml:"no_location"`
}

type filterSpec struct {
	Name             string `yaml:"name"`
	Address          string `yaml:"address"`
	ServiceUUID      string `yaml:"service_uuid"`
	SolicitUUID      string `yaml:"solicit_uuid"`
	ManufacturerID   uint16 `yaml:"manufacturer_id"`
	ManufacturerData string `yaml:"manufacturer_data"`
	ServiceDataUUID  string `yaml:"service_data_uuid"`
	ServiceData      string `yaml:"service_data"`
}

type advertiseStep struct {
	Client       string        `yaml:"client"`
	Mode         string        `yaml:"mode"`
	TxPower      string        `yaml:"tx_power"`
	Connectable  *bool         `yaml:"connectable"`
	Timeout      time.Duration `yaml:"timeout"`
	Data         payloadSpec   `yaml:"data"`
	ScanResponse *payloadSpec  `yaml:"scan_response"`
}

type payloadSpec struct {
	IncludeName    bool     `yaml:"include_name"`
	IncludeTxPower bool     `yaml:"include_tx_power"`
	ServiceUUIDs   []string `yaml:"service_uuids"`
	ManufacturerID uint16   `yaml:"manufacturer_id"`
	Manufacturer   string   `yaml:"manufacturer_data"`
	ServiceDataID  string   `yaml:"service_data_uuid"`
	ServiceData    string   `yaml:"service_data"`
}

type resultStep struct {
	Client  string `yaml:"client"`
	Address string `yaml:"address"`
	RSSI    int    `yaml:"rssi"`
	Data    string `yaml:"data"`
}

type trackStep struct {
	Client      string `yaml:"client"`
	FilterIndex int    `yaml:"filter_index"`
	Address     string `yaml:"address"`
	Found       bool   `yaml:"found"`
}

type batchStep struct {
	ResultType string `yaml:"result_type"`
	Report     string `yaml:"report"`
}

// loadScenario reads a scenario over the configured controller capabilities.
func loadScenario(path string, caps controller.Capabilities) (*scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	sc := &scenario{Controller: caps}
	if err := yaml.Unmarshal(b, sc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScenario, err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *scenario) validate() error {
	names := make(map[string]struct{}, len(sc.Clients))
	for _, c := range sc.Clients {
		if c.Name == "" {
			return fmt.Errorf("%w: client without a name", ErrScenario)
		}
		if _, dup := names[c.Name]; dup {
			return fmt.Errorf("%w: client %q declared twice", ErrScenario, c.Name)
		}
		if _, err := parseSide(c.Side); err != nil {
			return fmt.Errorf("%w: client %q: %v", ErrScenario, c.Name, err)
		}
		names[c.Name] = struct{}{}
	}

	for i, st := range sc.Steps {
		ref, n := st.target()
		if n != 1 && !(n == 0 && st.Wait > 0) {
			return fmt.Errorf("%w: step %d must hold exactly one action", ErrScenario, i+1)
		}
		if ref == "" {
			continue
		}
		if _, ok := names[ref]; !ok {
			return fmt.Errorf("%w: step %d refers to unknown client %q", ErrScenario, i+1, ref)
		}
	}
	return nil
}

// target returns the client a step refers to and how many actions it holds.
func (st scenarioStep) target() (client string, actions int) {
	if st.StartScan != nil {
		client, actions = st.StartScan.Client, actions+1
	}
	for _, c := range []*clientStep{st.StopScan, st.Flush, st.StopAdvertising, st.AppDied} {
		if c != nil {
			client, actions = c.Client, actions+1
		}
	}
	if st.StartAdvertising != nil {
		client, actions = st.StartAdvertising.Client, actions+1
	}
	if st.InjectResult != nil {
		client, actions = st.InjectResult.Client, actions+1
	}
	if st.InjectTrack != nil {
		client, actions = st.InjectTrack.Client, actions+1
	}
	if st.StoreBatch != nil {
		actions++
	}
	return client, actions
}

func parseSide(s string) (registry.Side, error) {
	switch strings.ToLower(s) {
	case "", "client":
		return registry.ClientSide, nil
	case "server":
		return registry.ServerSide, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

func (s *scanStep) request() (arbiter.ScanRequest, error) {
	settings := scan.DefaultSettings()
	if s.Mode != "" {
		m, err := scan.ParseMode(s.Mode)
		if err != nil {
			return arbiter.ScanRequest{}, err
		}
		settings.Mode = m
	}
	if len(s.Callbacks) > 0 {
		settings.CallbackType = 0
		for _, cb := range s.Callbacks {
			switch cb {
			case "all_matches":
				settings.CallbackType |= scan.CallbackAllMatches
			case "first_match":
				settings.CallbackType |= scan.CallbackFirstMatch
			case "match_lost":
				settings.CallbackType |= scan.CallbackMatchLost
			default:
				return arbiter.ScanRequest{}, fmt.Errorf("unknown callback %q", cb)
			}
		}
	}
	settings.ReportDelay = s.ReportDelay
	switch s.ResultType {
	case "", "full":
	case "abbreviated":
		settings.ResultType = scan.ResultTypeAbbreviated
	default:
		return arbiter.ScanRequest{}, fmt.Errorf("unknown result type %q", s.ResultType)
	}
	switch s.MatchMode {
	case "", "aggressive":
	case "sticky":
		settings.MatchMode = scan.MatchModeSticky
	default:
		return arbiter.ScanRequest{}, fmt.Errorf("unknown match mode %q", s.MatchMode)
	}
	switch s.MatchCount {
	case "", "max":
	case "one":
		settings.MatchCount = tracking.MatchOne
	case "few":
		settings.MatchCount = tracking.MatchFew
	default:
		return arbiter.ScanRequest{}, fmt.Errorf("unknown match count %q", s.MatchCount)
	}

	filters := make([]scan.Filter, 0, len(s.Filters))
	for i, fs := range s.Filters {
		f, err := fs.filter()
		if err != nil {
			return arbiter.ScanRequest{}, fmt.Errorf("filter %d: %w", i+1, err)
		}
		filters = append(filters, f)
	}

	return arbiter.ScanRequest{
		Settings:    settings,
		Filters:     filters,
		Permissions: scan.Permissions{Location: !s.NoLocation, LegacyForeground: true},
	}, nil
}

func (fs filterSpec) filter() (scan.Filter, error) {
	var f scan.Filter
	var err error

	f.Name = fs.Name
	f.Address = fs.Address
	f.ManufacturerID = fs.ManufacturerID
	if f.ServiceUUID, err = parseUUID(fs.ServiceUUID); err != nil {
		return f, err
	}
	if f.SolicitUUID, err = parseUUID(fs.SolicitUUID); err != nil {
		return f, err
	}
	if f.ServiceDataUUID, err = parseUUID(fs.ServiceDataUUID); err != nil {
		return f, err
	}
	if f.ManufacturerData, err = parseHex(fs.ManufacturerData); err != nil {
		return f, err
	}
	if f.ServiceData, err = parseHex(fs.ServiceData); err != nil {
		return f, err
	}
	return f, nil
}

func (s *advertiseStep) request() (arbiter.AdvertiseRequest, error) {
	settings := advertise.DefaultSettings()
	if s.Mode != "" {
		m, err := advertise.ParseMode(s.Mode)
		if err != nil {
			return arbiter.AdvertiseRequest{}, err
		}
		settings.Mode = m
	}
	if s.TxPower != "" {
		p, err := advertise.ParseTxPower(s.TxPower)
		if err != nil {
			return arbiter.AdvertiseRequest{}, err
		}
		settings.TxPower = p
	}
	if s.Connectable != nil {
		settings.Connectable = *s.Connectable
	}
	settings.Timeout = s.Timeout

	data, err := s.Data.data()
	if err != nil {
		return arbiter.AdvertiseRequest{}, fmt.Errorf("data: %w", err)
	}
	req := arbiter.AdvertiseRequest{Settings: settings, Data: data}
	if s.ScanResponse != nil {
		resp, err := s.ScanResponse.data()
		if err != nil {
			return arbiter.AdvertiseRequest{}, fmt.Errorf("scan response: %w", err)
		}
		req.ScanResponse = &resp
	}
	return req, nil
}

func (p payloadSpec) data() (advertise.Data, error) {
	d := advertise.Data{IncludeName: p.IncludeName, IncludeTxPower: p.IncludeTxPower}
	for _, s := range p.ServiceUUIDs {
		u, err := parseUUID(s)
		if err != nil {
			return d, err
		}
		d.ServiceUUIDs = append(d.ServiceUUIDs, u)
	}
	if p.Manufacturer != "" || p.ManufacturerID != 0 {
		b, err := parseHex(p.Manufacturer)
		if err != nil {
			return d, err
		}
		d.Manufacturer = []advertise.ManufacturerData{{ID: p.ManufacturerID, Data: b}}
	}
	if p.ServiceDataID != "" {
		u, err := parseUUID(p.ServiceDataID)
		if err != nil {
			return d, err
		}
		b, err := parseHex(p.ServiceData)
		if err != nil {
			return d, err
		}
		d.ServiceData = []advertise.ServiceData{{UUID: u, Data: b}}
	}
	return d, nil
}

func parseUUID(s string) (ble.UUID, error) {
	if s == "" {
		return nil, nil
	}
	u, err := ble.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid uuid %q: %w", s, err)
	}
	return u, nil
}

func parseHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return b, nil
}

func parseResultType(s string) (int, error) {
	switch s {
	case "", "full":
		return controller.ResultFull, nil
	case "truncated", "abbreviated":
		return controller.ResultTruncated, nil
	}
	return 0, fmt.Errorf("unknown result type %q", s)
}
