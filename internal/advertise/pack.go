package advertise

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux/adv"

	"github.com/srg/blearb/internal/controller"
)

// baseUUID is the Bluetooth base UUID 00000000-0000-1000-8000-00805F9B34FB in the
// little-endian byte order ble.UUID uses. Bytes 12..15 carry the short value.
var baseUUID = ble.UUID{
	0xFB, 0x34, 0x9B, 0x5F, 0x80, 0x00, 0x00, 0x80,
	0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// shortestUUID returns u in its shortest little-endian form: 2 bytes when it is a 16-bit
// UUID, 4 bytes when 32-bit, otherwise all 16.
func shortestUUID(u ble.UUID) ble.UUID {
	switch len(u) {
	case 2:
		return u
	case 4:
		if u[2] == 0 && u[3] == 0 {
			return u[:2]
		}
		return u
	case 16:
		if !bytes.Equal(u[:12], baseUUID[:12]) {
			return u
		}
		if u[14] == 0 && u[15] == 0 {
			return u[12:14]
		}
		return u[12:16]
	}
	return u
}

// expandUUID returns u as a 16-byte little-endian UUID.
func expandUUID(u ble.UUID) ble.UUID {
	if len(u) == 16 {
		return u
	}
	out := make(ble.UUID, 16)
	copy(out, baseUUID)
	copy(out[12:], u)
	return out
}

func packManufacturer(d Data) []byte {
	if len(d.Manufacturer) == 0 {
		return nil
	}
	m := d.Manufacturer[0]
	out := binary.LittleEndian.AppendUint16(make([]byte, 0, 2+len(m.Data)), m.ID)
	return append(out, m.Data...)
}

func packServiceData(d Data) []byte {
	if len(d.ServiceData) == 0 {
		return nil
	}
	sd := d.ServiceData[0]
	u := shortestUUID(sd.UUID)
	out := make([]byte, 0, len(u)+len(sd.Data))
	out = append(out, u...)
	return append(out, sd.Data...)
}

func packServiceUUIDs(d Data) []byte {
	if len(d.ServiceUUIDs) == 0 {
		return nil
	}
	out := make([]byte, 0, 16*len(d.ServiceUUIDs))
	for _, u := range d.ServiceUUIDs {
		out = append(out, expandUUID(u)...)
	}
	return out
}

// payload packs d for a multi-advertising instance.
func payload(d Data) controller.AdvertisePayload {
	return controller.AdvertisePayload{
		IncludeName:    d.IncludeName,
		IncludeTxPower: d.IncludeTxPower,
		Manufacturer:   packManufacturer(d),
		ServiceData:    packServiceData(d),
		ServiceUUIDs:   packServiceUUIDs(d),
	}
}

var errServiceDataUUID = errors.New("legacy advertising carries only 16-bit service data uuids")

// legacyPacket builds the EIR payload of the single legacy advertiser. It fails with
// adv.ErrNotFit when the fields exceed adv.MaxEIRPacketLength.
func legacyPacket(d Data, connectable bool, deviceName string) ([]byte, error) {
	flags := byte(adv.FlagLEOnly)
	if connectable {
		flags |= adv.FlagGeneralDiscoverable
	}
	p, err := adv.NewPacket(adv.Flags(flags))
	if err != nil {
		return nil, err
	}

	for _, u := range d.ServiceUUIDs {
		if err := p.Append(adv.AllUUID(shortestUUID(u))); err != nil {
			return nil, err
		}
	}
	if len(d.Manufacturer) > 0 {
		m := d.Manufacturer[0]
		if err := p.Append(adv.ManufacturerData(m.ID, m.Data)); err != nil {
			return nil, err
		}
	}
	if len(d.ServiceData) > 0 {
		sd := d.ServiceData[0]
		u := shortestUUID(sd.UUID)
		if len(u) != 2 {
			return nil, errServiceDataUUID
		}
		if err := p.Append(adv.ServiceData16(binary.LittleEndian.Uint16(u), sd.Data)); err != nil {
			return nil, err
		}
	}
	if d.IncludeName && deviceName != "" {
		if err := p.Append(adv.CompleteName(deviceName)); err != nil {
			if !errors.Is(err, adv.ErrNotFit) {
				return nil, err
			}
			room := adv.MaxEIRPacketLength - p.Len() - 2
			if room <= 0 {
				return nil, err
			}
			if err := p.Append(adv.ShortName(deviceName[:min(room, len(deviceName))])); err != nil {
				return nil, err
			}
		}
	}
	return p.Bytes(), nil
}
