package scan

import (
	"bytes"
	"fmt"

	"github.com/go-ble/ble"

	"github.com/srg/blearb/internal/controller"
)

// Filter is one client scan filter. All set fields must match; unset fields match
// anything. Masks default to all ones.
type Filter struct {
	Address     string
	AddressType uint8
	Name        string

	ServiceUUID     ble.UUID
	ServiceUUIDMask ble.UUID
	SolicitUUID     ble.UUID
	SolicitUUIDMask ble.UUID

	ServiceDataUUID ble.UUID
	ServiceData     []byte
	ServiceDataMask []byte

	ManufacturerID       uint16
	ManufacturerData     []byte
	ManufacturerDataMask []byte
}

// Validate checks that masks line up with the values they mask.
func (f Filter) Validate() error {
	if f.ServiceUUIDMask != nil && len(f.ServiceUUIDMask) != len(f.ServiceUUID) {
		return fmt.Errorf("service uuid mask length %d != uuid length %d", len(f.ServiceUUIDMask), len(f.ServiceUUID))
	}
	if f.SolicitUUIDMask != nil && len(f.SolicitUUIDMask) != len(f.SolicitUUID) {
		return fmt.Errorf("solicit uuid mask length %d != uuid length %d", len(f.SolicitUUIDMask), len(f.SolicitUUID))
	}
	if f.ManufacturerDataMask != nil && len(f.ManufacturerDataMask) != len(f.ManufacturerData) {
		return fmt.Errorf("manufacturer data mask length %d != data length %d", len(f.ManufacturerDataMask), len(f.ManufacturerData))
	}
	if f.ServiceData != nil && f.ServiceDataUUID == nil {
		return fmt.Errorf("service data without service data uuid")
	}
	if f.ServiceDataMask != nil && len(f.ServiceDataMask) != len(f.ServiceData) {
		return fmt.Errorf("service data mask length %d != data length %d", len(f.ServiceDataMask), len(f.ServiceData))
	}
	return nil
}

// decompose splits a filter into the primitive entries programmed at one filter index
// and returns the feature-selection bitmask covering them.
func decompose(f Filter) ([]controller.FilterEntry, int) {
	var entries []controller.FilterEntry

	if f.Name != "" {
		entries = append(entries, controller.FilterEntry{Type: controller.FilterLocalName, Name: f.Name})
	}
	if f.Address != "" {
		entries = append(entries, controller.FilterEntry{
			Type:        controller.FilterDeviceAddress,
			Address:     f.Address,
			AddressType: f.AddressType,
		})
	}
	if f.ServiceUUID != nil {
		entries = append(entries, controller.FilterEntry{
			Type:     controller.FilterServiceUUID,
			UUID:     f.ServiceUUID,
			UUIDMask: uuidMask(f.ServiceUUID, f.ServiceUUIDMask),
		})
	}
	if f.SolicitUUID != nil {
		entries = append(entries, controller.FilterEntry{
			Type:     controller.FilterSolicitUUID,
			UUID:     f.SolicitUUID,
			UUIDMask: uuidMask(f.SolicitUUID, f.SolicitUUIDMask),
		})
	}
	if f.ManufacturerData != nil {
		entries = append(entries, controller.FilterEntry{
			Type:        controller.FilterManufacturerData,
			CompanyID:   f.ManufacturerID,
			CompanyMask: 0xFFFF,
			Data:        f.ManufacturerData,
			DataMask:    dataMask(f.ManufacturerData, f.ManufacturerDataMask),
		})
	}
	if f.ServiceDataUUID != nil && f.ServiceData != nil {
		// The controller matches service data with the UUID as a prefix.
		prefix := []byte(f.ServiceDataUUID)
		data := append(append([]byte(nil), prefix...), f.ServiceData...)
		mask := append(bytes.Repeat([]byte{0xFF}, len(prefix)), dataMask(f.ServiceData, f.ServiceDataMask)...)
		entries = append(entries, controller.FilterEntry{
			Type:     controller.FilterServiceData,
			UUID:     f.ServiceDataUUID,
			Data:     data,
			DataMask: mask,
		})
	}

	features := 0
	for _, e := range entries {
		features |= e.Type.FeatureBit()
	}
	return entries, features
}

func uuidMask(u, mask ble.UUID) ble.UUID {
	if mask != nil {
		return mask
	}
	return ble.UUID(bytes.Repeat([]byte{0xFF}, len(u)))
}

func dataMask(data, mask []byte) []byte {
	if mask != nil {
		return mask
	}
	return bytes.Repeat([]byte{0xFF}, len(data))
}
