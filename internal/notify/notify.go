// Package notify delivers per-client callbacks: scan results, batch results, found/lost
// tracking, scan errors and advertising status.
package notify

import "time"

// Kind names a client callback.
type Kind string

const (
	KindScanResult      Kind = "scan_result"
	KindBatchResults    Kind = "batch_results"
	KindFoundLost       Kind = "found_lost"
	KindScanError       Kind = "scan_error"
	KindAdvertiseStatus Kind = "advertise_status"
)

// Event is one client callback.
type Event struct {
	Kind       Kind      `json:"kind"`
	ClientIf   int       `json:"client_if"`
	Time       time.Time `json:"time"`
	Address    string    `json:"address,omitempty"`
	RSSI       int       `json:"rssi,omitempty"`
	Data       []byte    `json:"data,omitempty"`
	ResultType int       `json:"result_type,omitempty"`
	Reports    [][]byte  `json:"reports,omitempty"`
	Found      bool      `json:"found,omitempty"`
	Status     int       `json:"status"`
	Start      bool      `json:"start,omitempty"`
}

// Notifier receives client callbacks. Implementations must not block.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ev Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Discard drops every event.
var Discard Notifier = NotifierFunc(func(Event) {})

// Fanout delivers each event to every notifier in order.
type Fanout []Notifier

func (f Fanout) Notify(ev Event) {
	for _, n := range f {
		if n != nil {
			n.Notify(ev)
		}
	}
}

// ScanResult builds a scan result callback.
func ScanResult(clientIf int, address string, rssi int, data []byte) Event {
	return Event{Kind: KindScanResult, ClientIf: clientIf, Time: time.Now(), Address: address, RSSI: rssi, Data: data}
}

// BatchResults builds a batch results callback.
func BatchResults(clientIf, resultType int, reports [][]byte) Event {
	return Event{Kind: KindBatchResults, ClientIf: clientIf, Time: time.Now(), ResultType: resultType, Reports: reports}
}

// FoundOrLost builds an on-found or on-lost callback.
func FoundOrLost(clientIf int, address string, found bool) Event {
	return Event{Kind: KindFoundLost, ClientIf: clientIf, Time: time.Now(), Address: address, Found: found}
}

// ScanError builds a scan error callback.
func ScanError(clientIf, code int) Event {
	return Event{Kind: KindScanError, ClientIf: clientIf, Time: time.Now(), Status: code}
}

// AdvertiseStatus builds a start or stop advertising status callback.
func AdvertiseStatus(clientIf, status int, isStart bool) Event {
	return Event{Kind: KindAdvertiseStatus, ClientIf: clientIf, Time: time.Now(), Status: status, Start: isStart}
}
