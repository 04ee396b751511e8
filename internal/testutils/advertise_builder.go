package testutils

import (
	"time"

	"github.com/go-ble/ble"

	"github.com/srg/blearb/internal/advertise"
	"github.com/srg/blearb/internal/notify"
	"github.com/srg/blearb/internal/registry"
)

// AdvertiseSessionBuilder builds advertise sessions with a fluent API. Sessions default
// to a connectable low-power advertisement with an empty payload.
type AdvertiseSessionBuilder struct {
	s advertise.Session
}

// NewAdvertiseSession starts a builder for clientIf.
func NewAdvertiseSession(clientIf int) *AdvertiseSessionBuilder {
	return &AdvertiseSessionBuilder{s: advertise.Session{
		ClientIf: clientIf,
		Side:     registry.ServerSide,
		Settings: advertise.DefaultSettings(),
	}}
}

func (b *AdvertiseSessionBuilder) WithMode(m advertise.Mode) *AdvertiseSessionBuilder {
	b.s.Settings.Mode = m
	return b
}

func (b *AdvertiseSessionBuilder) WithTxPower(p advertise.TxPower) *AdvertiseSessionBuilder {
	b.s.Settings.TxPower = p
	return b
}

func (b *AdvertiseSessionBuilder) Connectable(c bool) *AdvertiseSessionBuilder {
	b.s.Settings.Connectable = c
	return b
}

func (b *AdvertiseSessionBuilder) WithTimeout(d time.Duration) *AdvertiseSessionBuilder {
	b.s.Settings.Timeout = d
	return b
}

// WithServiceUUIDs appends advertised service UUIDs.
func (b *AdvertiseSessionBuilder) WithServiceUUIDs(uuids ...ble.UUID) *AdvertiseSessionBuilder {
	b.s.Data.ServiceUUIDs = append(b.s.Data.ServiceUUIDs, uuids...)
	return b
}

func (b *AdvertiseSessionBuilder) WithManufacturerData(id uint16, data []byte) *AdvertiseSessionBuilder {
	b.s.Data.Manufacturer = append(b.s.Data.Manufacturer, advertise.ManufacturerData{ID: id, Data: data})
	return b
}

func (b *AdvertiseSessionBuilder) WithServiceData(u ble.UUID, data []byte) *AdvertiseSessionBuilder {
	b.s.Data.ServiceData = append(b.s.Data.ServiceData, advertise.ServiceData{UUID: u, Data: data})
	return b
}

// IncludeName advertises the device name.
func (b *AdvertiseSessionBuilder) IncludeName() *AdvertiseSessionBuilder {
	b.s.Data.IncludeName = true
	return b
}

// WithScanResponse attaches a scan response payload.
func (b *AdvertiseSessionBuilder) WithScanResponse(d advertise.Data) *AdvertiseSessionBuilder {
	b.s.ScanResponse = &d
	return b
}

func (b *AdvertiseSessionBuilder) WithNotifier(n notify.Notifier) *AdvertiseSessionBuilder {
	b.s.Notifier = n
	return b
}

func (b *AdvertiseSessionBuilder) WithSide(side registry.Side) *AdvertiseSessionBuilder {
	b.s.Side = side
	return b
}

// Build returns a fresh session.
func (b *AdvertiseSessionBuilder) Build() *advertise.Session {
	s := b.s
	if b.s.ScanResponse != nil {
		resp := *b.s.ScanResponse
		s.ScanResponse = &resp
	}
	return &s
}
