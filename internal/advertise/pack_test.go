package advertise

import (
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux/adv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortestUUID(t *testing.T) {
	custom := ble.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")

	tests := []struct {
		name string
		in   ble.UUID
		want ble.UUID
	}{
		{name: "16-bit stays", in: ble.UUID16(0x180D), want: ble.UUID{0x0D, 0x18}},
		{name: "128-bit base form of 16-bit", in: ble.MustParse("0000180d-0000-1000-8000-00805f9b34fb"), want: ble.UUID{0x0D, 0x18}},
		{name: "128-bit base form of 32-bit", in: ble.MustParse("12345678-0000-1000-8000-00805f9b34fb"), want: ble.UUID{0x78, 0x56, 0x34, 0x12}},
		{name: "32-bit with zero high half", in: ble.UUID{0xAA, 0xFE, 0x00, 0x00}, want: ble.UUID{0xAA, 0xFE}},
		{name: "vendor 128-bit stays", in: custom, want: custom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shortestUUID(tt.in))
		})
	}
}

func TestExpandUUID(t *testing.T) {
	assert.Equal(t, ble.MustParse("0000180d-0000-1000-8000-00805f9b34fb"), expandUUID(ble.UUID16(0x180D)))
	assert.Equal(t, ble.MustParse("12345678-0000-1000-8000-00805f9b34fb"), expandUUID(ble.UUID{0x78, 0x56, 0x34, 0x12}))

	custom := ble.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	assert.Equal(t, custom, expandUUID(custom))
}

func TestPayload(t *testing.T) {
	d := Data{
		IncludeName:  true,
		ServiceUUIDs: []ble.UUID{ble.UUID16(0x180D), ble.UUID16(0x180F)},
		Manufacturer: []ManufacturerData{{ID: 0x004C, Data: []byte{0x02, 0x15}}, {ID: 0x0059, Data: []byte{0x01}}},
		ServiceData:  []ServiceData{{UUID: ble.MustParse("0000feaa-0000-1000-8000-00805f9b34fb"), Data: []byte{0x10}}},
	}

	p := payload(d)

	assert.True(t, p.IncludeName)
	assert.Equal(t, []byte{0x4C, 0x00, 0x02, 0x15}, p.Manufacturer, "first entry, id little-endian")
	assert.Equal(t, []byte{0xAA, 0xFE, 0x10}, p.ServiceData, "uuid in its shortest form")
	require.Len(t, p.ServiceUUIDs, 32)
	assert.Equal(t, []byte(expandUUID(ble.UUID16(0x180D))), p.ServiceUUIDs[:16])
	assert.Equal(t, []byte(expandUUID(ble.UUID16(0x180F))), p.ServiceUUIDs[16:])
}

func TestPayload_Empty(t *testing.T) {
	p := payload(Data{})
	assert.Nil(t, p.Manufacturer)
	assert.Nil(t, p.ServiceData)
	assert.Nil(t, p.ServiceUUIDs)
}

func TestSettings_IntervalUnits(t *testing.T) {
	tests := []struct {
		mode   Mode
		lo, hi int
	}{
		{mode: ModeLowPower, lo: 1600, hi: 1610},
		{mode: ModeBalanced, lo: 400, hi: 410},
		{mode: ModeLowLatency, lo: 160, hi: 170},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			lo, hi := Settings{Mode: tt.mode}.intervalUnits()
			assert.Equal(t, tt.lo, lo)
			assert.Equal(t, tt.hi, hi)
		})
	}
}

func TestSettings_EventTypeAndPower(t *testing.T) {
	assert.Equal(t, eventConnectable, Settings{Connectable: true}.eventType(true))
	assert.Equal(t, eventScannable, Settings{}.eventType(true))
	assert.Equal(t, eventNonConnectable, Settings{}.eventType(false))

	assert.Equal(t, 0, TxPowerUltraLow.hardwareLevel())
	assert.Equal(t, 1, TxPowerLow.hardwareLevel())
	assert.Equal(t, 2, TxPowerMedium.hardwareLevel())
	assert.Equal(t, 3, TxPowerHigh.hardwareLevel())

	assert.Equal(t, 90, Settings{Timeout: 90 * time.Second}.timeoutSeconds())
	assert.Zero(t, Settings{}.timeoutSeconds())
}

func TestData_Validate(t *testing.T) {
	assert.NoError(t, Data{ServiceUUIDs: []ble.UUID{ble.UUID16(0x180D)}}.Validate())
	assert.Error(t, Data{ServiceUUIDs: []ble.UUID{{0x01, 0x02, 0x03}}}.Validate())
	assert.Error(t, Data{ServiceData: []ServiceData{{UUID: nil, Data: []byte{1}}}}.Validate())
}

func TestLegacyPacket(t *testing.T) {
	b, err := legacyPacket(Data{ServiceUUIDs: []ble.UUID{ble.UUID16(0x180D)}}, true, "")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x01, 0x06}, b[:3], "flags field first")
	assert.LessOrEqual(t, len(b), adv.MaxEIRPacketLength)
}

func TestLegacyPacket_TooLarge(t *testing.T) {
	d := Data{ServiceUUIDs: []ble.UUID{
		ble.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e"),
		ble.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e"),
	}}

	_, err := legacyPacket(d, true, "")
	assert.ErrorIs(t, err, adv.ErrNotFit)
}

func TestLegacyPacket_LongNameIsShortened(t *testing.T) {
	b, err := legacyPacket(Data{IncludeName: true}, false, "a-device-name-far-too-long-for-one-packet")
	require.NoError(t, err)
	assert.Len(t, b, adv.MaxEIRPacketLength)
}

func TestLegacyPacket_RejectsWideServiceData(t *testing.T) {
	d := Data{ServiceData: []ServiceData{{UUID: ble.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e"), Data: []byte{1}}}}

	_, err := legacyPacket(d, true, "")
	assert.ErrorIs(t, err, errServiceDataUUID)
}
