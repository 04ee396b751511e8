package controller

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux/hci/cmd"
)

// Command names, as they appear in completions and transcripts.
const (
	CmdScanEnable                     = "scan_enable"
	CmdSetScanParameters              = "set_scan_parameters"
	CmdScanFilterEnable               = "scan_filter_enable"
	CmdScanFilterAdd                  = "scan_filter_add"
	CmdScanFilterParamAdd             = "scan_filter_param_add"
	CmdScanFilterParamDelete          = "scan_filter_param_delete"
	CmdConfigBatchStorage             = "config_batch_storage"
	CmdStartBatchScan                 = "start_batch_scan"
	CmdStopBatchScan                  = "stop_batch_scan"
	CmdReadScanReports                = "read_scan_reports"
	CmdEnableAdvertisingInstance      = "enable_advertising_instance"
	CmdSetAdvertisingData             = "set_advertising_data"
	CmdDisableAdvertisingInstance     = "disable_advertising_instance"
	CmdLegacySetAdvertisingParameters = "legacy_set_advertising_parameters"
	CmdLegacySetAdvertisingData       = "legacy_set_advertising_data"
	CmdLegacyAdvertiseEnable          = "legacy_advertise_enable"
)

// Batch scan result types.
const (
	ResultTruncated = 1
	ResultFull      = 2
	ResultBoth      = 3
)

// Filter delivery modes.
const (
	DeliveryImmediate   = 0
	DeliveryOnFoundLost = 1
	DeliveryBatch       = 2
)

// FilterType identifies one primitive field of a scan filter.
type FilterType int

const (
	FilterDeviceAddress FilterType = iota
	FilterServiceDataChanged
	FilterServiceUUID
	FilterSolicitUUID
	FilterLocalName
	FilterManufacturerData
	FilterServiceData
)

func (t FilterType) String() string {
	switch t {
	case FilterDeviceAddress:
		return "address"
	case FilterServiceDataChanged:
		return "service_data_changed"
	case FilterServiceUUID:
		return "service_uuid"
	case FilterSolicitUUID:
		return "solicit_uuid"
	case FilterLocalName:
		return "local_name"
	case FilterManufacturerData:
		return "manufacturer_data"
	case FilterServiceData:
		return "service_data"
	default:
		return fmt.Sprintf("filter_type(%d)", int(t))
	}
}

// FeatureBit is the feature-selection bit of a filter type.
func (t FilterType) FeatureBit() int { return 1 << int(t) }

// FilterEntry is one primitive field programmed at a filter index.
type FilterEntry struct {
	Type        FilterType
	Address     string
	AddressType uint8
	UUID        ble.UUID
	UUIDMask    ble.UUID
	Name        string
	CompanyID   uint16
	CompanyMask uint16
	Data        []byte
	DataMask    []byte
}

// FilterParams are the aggregate parameters applied at one filter index.
type FilterParams struct {
	FilterIndex        int
	FeatureSelection   int
	ListLogicType      int
	FilterLogicType    int
	RSSIHigh           int
	RSSILow            int
	DeliveryMode       int
	OnFoundTimeout     int
	OnLostTimeout      int
	OnFoundCount       int
	NumTrackingEntries int
}

// HCICommand is implemented by commands that map onto an HCI LE command payload.
type HCICommand interface {
	OpCode() int
	Len() int
	Marshal(b []byte) error
}

// Wire serializes the HCI payload of c, if it has one.
func Wire(c Command) ([]byte, bool) {
	hc, ok := c.(HCICommand)
	if !ok {
		return nil, false
	}
	b := make([]byte, hc.Len())
	if err := hc.Marshal(b); err != nil {
		return nil, false
	}
	return b, true
}

// ScanEnable starts or stops regular scanning.
type ScanEnable struct {
	Header
	cmd.LESetScanEnable
}

func NewScanEnable(clientIf int, enable bool) *ScanEnable {
	c := &ScanEnable{Header: Header{ClientIf: clientIf}}
	if enable {
		c.LEScanEnable = 1
	}
	return c
}

func (c *ScanEnable) Name() string   { return CmdScanEnable }
func (c *ScanEnable) Family() Family { return FamilyScan }
func (c *ScanEnable) Enabled() bool  { return c.LEScanEnable == 1 }
func (c *ScanEnable) String() string {
	return fmt.Sprintf("%s client=%d enable=%t", c.Name(), c.ClientIf, c.Enabled())
}

// SetScanParameters applies the regular scan window and interval, in 0.625 ms units.
type SetScanParameters struct {
	Header
	cmd.LESetScanParameters
}

func NewSetScanParameters(clientIf, intervalUnits, windowUnits int) *SetScanParameters {
	return &SetScanParameters{
		Header: Header{ClientIf: clientIf},
		LESetScanParameters: cmd.LESetScanParameters{
			LEScanType:     0x01, // active
			LEScanInterval: uint16(intervalUnits),
			LEScanWindow:   uint16(windowUnits),
		},
	}
}

func (c *SetScanParameters) Name() string   { return CmdSetScanParameters }
func (c *SetScanParameters) Family() Family { return FamilyScan }
func (c *SetScanParameters) String() string {
	return fmt.Sprintf("%s client=%d interval=%d window=%d", c.Name(), c.ClientIf, c.LEScanInterval, c.LEScanWindow)
}

// ScanFilterEnable turns offloaded filtering on or off.
type ScanFilterEnable struct {
	Header
	Enable bool
}

func (c *ScanFilterEnable) Name() string   { return CmdScanFilterEnable }
func (c *ScanFilterEnable) Family() Family { return FamilyScan }
func (c *ScanFilterEnable) String() string {
	return fmt.Sprintf("%s client=%d enable=%t", c.Name(), c.ClientIf, c.Enable)
}

// ScanFilterAdd programs one filter field at an index.
type ScanFilterAdd struct {
	Header
	FilterIndex int
	Entry       FilterEntry
}

func (c *ScanFilterAdd) Name() string   { return CmdScanFilterAdd }
func (c *ScanFilterAdd) Family() Family { return FamilyScan }
func (c *ScanFilterAdd) String() string {
	return fmt.Sprintf("%s client=%d index=%d type=%s", c.Name(), c.ClientIf, c.FilterIndex, c.Entry.Type)
}

// ScanFilterParamAdd applies the aggregate filter parameters at an index.
type ScanFilterParamAdd struct {
	Header
	FilterParams
}

func (c *ScanFilterParamAdd) Name() string   { return CmdScanFilterParamAdd }
func (c *ScanFilterParamAdd) Family() Family { return FamilyScan }
func (c *ScanFilterParamAdd) String() string {
	return fmt.Sprintf("%s client=%d index=%d features=%#x delivery=%d found_timeout=%d lost_timeout=%d sightings=%d tracking=%d",
		c.Name(), c.ClientIf, c.FilterIndex, c.FeatureSelection, c.DeliveryMode,
		c.OnFoundTimeout, c.OnLostTimeout, c.OnFoundCount, c.NumTrackingEntries)
}

// ScanFilterParamDelete removes the filter at an index.
type ScanFilterParamDelete struct {
	Header
	FilterIndex int
}

func (c *ScanFilterParamDelete) Name() string   { return CmdScanFilterParamDelete }
func (c *ScanFilterParamDelete) Family() Family { return FamilyScan }
func (c *ScanFilterParamDelete) String() string {
	return fmt.Sprintf("%s client=%d index=%d", c.Name(), c.ClientIf, c.FilterIndex)
}

// ConfigBatchStorage splits batch storage between full and truncated results.
type ConfigBatchStorage struct {
	Header
	FullPercent      int
	TruncatedPercent int
	NotifyThreshold  int
}

func (c *ConfigBatchStorage) Name() string   { return CmdConfigBatchStorage }
func (c *ConfigBatchStorage) Family() Family { return FamilyScan }
func (c *ConfigBatchStorage) String() string {
	return fmt.Sprintf("%s client=%d full=%d truncated=%d threshold=%d",
		c.Name(), c.ClientIf, c.FullPercent, c.TruncatedPercent, c.NotifyThreshold)
}

// StartBatchScan starts batch scanning.
type StartBatchScan struct {
	Header
	ResultType    int
	IntervalUnits int
	WindowUnits   int
	AddressType   int
	DiscardRule   int
}

func (c *StartBatchScan) Name() string   { return CmdStartBatchScan }
func (c *StartBatchScan) Family() Family { return FamilyScan }
func (c *StartBatchScan) String() string {
	return fmt.Sprintf("%s client=%d result_type=%d interval=%d window=%d discard=%d",
		c.Name(), c.ClientIf, c.ResultType, c.IntervalUnits, c.WindowUnits, c.DiscardRule)
}

// StopBatchScan stops batch scanning.
type StopBatchScan struct {
	Header
}

func (c *StopBatchScan) Name() string   { return CmdStopBatchScan }
func (c *StopBatchScan) Family() Family { return FamilyScan }
func (c *StopBatchScan) String() string {
	return fmt.Sprintf("%s client=%d", c.Name(), c.ClientIf)
}

// ReadScanReports reads and clears batch storage for one result type.
type ReadScanReports struct {
	Header
	ResultType int
}

func (c *ReadScanReports) Name() string   { return CmdReadScanReports }
func (c *ReadScanReports) Family() Family { return FamilyScan }
func (c *ReadScanReports) String() string {
	return fmt.Sprintf("%s client=%d result_type=%d", c.Name(), c.ClientIf, c.ResultType)
}

// EnableAdvertisingInstance enables a multi-advertising instance. Intervals are in
// 0.625 ms units, the timeout in seconds.
type EnableAdvertisingInstance struct {
	Header
	cmd.LESetAdvertisingParameters
	TxPower        int
	TimeoutSeconds int
}

func (c *EnableAdvertisingInstance) Name() string   { return CmdEnableAdvertisingInstance }
func (c *EnableAdvertisingInstance) Family() Family { return FamilyAdvertise }
func (c *EnableAdvertisingInstance) String() string {
	return fmt.Sprintf("%s client=%d min=%d max=%d type=%d channels=%#x tx_power=%d timeout=%d",
		c.Name(), c.ClientIf, c.AdvertisingIntervalMin, c.AdvertisingIntervalMax,
		c.AdvertisingType, c.AdvertisingChannelMap, c.TxPower, c.TimeoutSeconds)
}

// AdvertisePayload is the packed content of an advertisement or scan response.
type AdvertisePayload struct {
	IncludeName    bool
	IncludeTxPower bool
	Appearance     int
	Manufacturer   []byte
	ServiceData    []byte
	ServiceUUIDs   []byte
}

// SetAdvertisingData sets the payload of a multi-advertising instance.
type SetAdvertisingData struct {
	Header
	ScanResponse bool
	Payload      AdvertisePayload
}

func (c *SetAdvertisingData) Name() string   { return CmdSetAdvertisingData }
func (c *SetAdvertisingData) Family() Family { return FamilyAdvertise }
func (c *SetAdvertisingData) String() string {
	return fmt.Sprintf("%s client=%d scan_response=%t manufacturer=%x service_data=%x uuids=%x",
		c.Name(), c.ClientIf, c.ScanResponse, c.Payload.Manufacturer, c.Payload.ServiceData, c.Payload.ServiceUUIDs)
}

// DisableAdvertisingInstance tears a multi-advertising instance down. The controller
// confirms with InstanceDisabled instead of a Completion.
type DisableAdvertisingInstance struct {
	Header
}

func (c *DisableAdvertisingInstance) Name() string   { return CmdDisableAdvertisingInstance }
func (c *DisableAdvertisingInstance) Family() Family { return FamilyAdvertise }
func (c *DisableAdvertisingInstance) String() string {
	return fmt.Sprintf("%s client=%d", c.Name(), c.ClientIf)
}

// LegacySetAdvertisingParameters configures the single legacy advertiser.
type LegacySetAdvertisingParameters struct {
	Header
	cmd.LESetAdvertisingParameters
}

func (c *LegacySetAdvertisingParameters) Name() string   { return CmdLegacySetAdvertisingParameters }
func (c *LegacySetAdvertisingParameters) Family() Family { return FamilyAdvertise }
func (c *LegacySetAdvertisingParameters) String() string {
	return fmt.Sprintf("%s client=%d min=%d max=%d type=%d",
		c.Name(), c.ClientIf, c.AdvertisingIntervalMin, c.AdvertisingIntervalMax, c.AdvertisingType)
}

// LegacySetAdvertisingData sets the legacy advertiser's EIR payload.
type LegacySetAdvertisingData struct {
	Header
	cmd.LESetAdvertisingData
}

// NewLegacySetAdvertisingData copies b into the fixed 31-byte payload. The caller has
// already checked the length.
func NewLegacySetAdvertisingData(clientIf int, b []byte) *LegacySetAdvertisingData {
	c := &LegacySetAdvertisingData{Header: Header{ClientIf: clientIf}}
	c.AdvertisingDataLength = uint8(copy(c.AdvertisingData[:], b))
	return c
}

func (c *LegacySetAdvertisingData) Name() string   { return CmdLegacySetAdvertisingData }
func (c *LegacySetAdvertisingData) Family() Family { return FamilyAdvertise }
func (c *LegacySetAdvertisingData) String() string {
	return fmt.Sprintf("%s client=%d data=%x", c.Name(), c.ClientIf, c.AdvertisingData[:c.AdvertisingDataLength])
}

// LegacyAdvertiseEnable toggles the legacy advertiser.
type LegacyAdvertiseEnable struct {
	Header
	cmd.LESetAdvertiseEnable
}

func NewLegacyAdvertiseEnable(clientIf int, enable bool) *LegacyAdvertiseEnable {
	c := &LegacyAdvertiseEnable{Header: Header{ClientIf: clientIf}}
	if enable {
		c.AdvertisingEnable = 1
	}
	return c
}

func (c *LegacyAdvertiseEnable) Name() string   { return CmdLegacyAdvertiseEnable }
func (c *LegacyAdvertiseEnable) Family() Family { return FamilyAdvertise }
func (c *LegacyAdvertiseEnable) Enabled() bool  { return c.AdvertisingEnable == 1 }
func (c *LegacyAdvertiseEnable) String() string {
	return fmt.Sprintf("%s client=%d enable=%t", c.Name(), c.ClientIf, c.Enabled())
}
