package controller

import "github.com/google/uuid"

// Event is delivered by the controller on the dispatch path.
type Event interface {
	EventFamily() Family
}

// Completion acknowledges an issued command.
type Completion struct {
	Command     string
	Family      Family
	ClientIf    int
	Correlation uuid.UUID
	Status      int
}

func (e Completion) EventFamily() Family { return e.Family }

// InstanceDisabled confirms an advertising instance was torn down.
type InstanceDisabled struct {
	ClientIf int
	Status   int
}

func (InstanceDisabled) EventFamily() Family { return FamilyAdvertise }

// ScanResult is one advertisement seen while scanning.
type ScanResult struct {
	ClientIf int
	Address  string
	RSSI     int
	Data     []byte
}

func (ScanResult) EventFamily() Family { return FamilyScan }

// BatchReports carries results read out of controller batch storage.
type BatchReports struct {
	ClientIf   int
	ResultType int
	Reports    [][]byte
}

func (BatchReports) EventFamily() Family { return FamilyScan }

// TrackEvent reports an advertiser found or lost by an on-found/on-lost filter.
type TrackEvent struct {
	ClientIf    int
	FilterIndex int
	Address     string
	Found       bool
}

func (TrackEvent) EventFamily() Family { return FamilyScan }

// EventSink receives controller events.
type EventSink interface {
	Publish(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

func (f EventSinkFunc) Publish(ev Event) { f(ev) }
