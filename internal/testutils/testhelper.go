package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/srg/blearb/internal/controller"
	"github.com/srg/blearb/internal/controller/sim"
	"github.com/srg/blearb/internal/dispatch"
	"github.com/srg/blearb/internal/notify"
)

// TestHelper bundles a test with a captured logger.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	Hook   *test.Hook
}

// NewTestHelper creates a helper whose logger records entries instead of printing them.
func NewTestHelper(t *testing.T) *TestHelper {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return &TestHelper{T: t, Logger: logger, Hook: hook}
}

// Warnings returns the messages logged at warn level or above.
func (h *TestHelper) Warnings() []string {
	var out []string
	for _, e := range h.Hook.AllEntries() {
		if e.Level <= logrus.WarnLevel {
			out = append(out, e.Message)
		}
	}
	return out
}

// DefaultCapabilities is a controller with multi-advertising and offloaded filtering.
func DefaultCapabilities() controller.Capabilities {
	return controller.Capabilities{
		MultiAdvertising:           true,
		OffloadedFiltering:         true,
		PeripheralMode:             true,
		MaxAdvertiseInstances:      5,
		MaxOffloadedFilters:        16,
		MaxTrackableAdvertisements: 32,
	}
}

// SimHarness is a simulated controller whose events flow through a running dispatcher.
type SimHarness struct {
	Controller *sim.Controller
	Dispatcher *dispatch.Dispatcher
}

// NewSimHarness starts a dispatcher and attaches a simulated controller to it. Both are
// torn down when the test ends.
func (h *TestHelper) NewSimHarness(caps controller.Capabilities) *SimHarness {
	h.T.Helper()

	d, err := dispatch.New(1024, h.Logger)
	require.NoError(h.T, err)
	require.NoError(h.T, d.Start(context.Background()))

	c := sim.New(caps, sim.Options{AckDelay: time.Millisecond, BatchStorageBytes: 4096}, h.Logger)
	c.Attach(d)

	h.T.Cleanup(func() {
		_ = c.Close()
		_ = d.Stop()
	})
	return &SimHarness{Controller: c, Dispatcher: d}
}

// WaitForEvents receives n events from sink or fails the test after timeout.
func WaitForEvents(t *testing.T, sink *notify.ChannelSink, n int, timeout time.Duration) []notify.Event {
	t.Helper()

	var out []notify.Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-sink.C():
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d: %+v", n, len(out), out)
		}
	}
	return out
}
