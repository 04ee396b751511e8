package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/blearb/internal/controller"
)

type recorder struct {
	mu     sync.Mutex
	events []controller.Event
}

func (r *recorder) HandleEvent(ev controller.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []controller.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]controller.Event(nil), r.events...)
}

func startDispatcher(t *testing.T, size uint32) *Dispatcher {
	t.Helper()
	d, err := New(size, nil)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop() })
	return d
}

func TestNew_Validation(t *testing.T) {
	_, err := New(0, nil)
	assert.Error(t, err)

	_, err = New(MaxBufferSize+1, nil)
	assert.Error(t, err)
}

func TestDispatcher_RoutesByFamilyInOrder(t *testing.T) {
	d := startDispatcher(t, 64)
	scan, adv := &recorder{}, &recorder{}
	d.Route(controller.FamilyScan, scan)
	d.Route(controller.FamilyAdvertise, adv)

	for i := 0; i < 10; i++ {
		d.Publish(controller.Completion{Family: controller.FamilyScan, ClientIf: i})
	}
	d.Publish(controller.InstanceDisabled{ClientIf: 5})
	d.Publish(controller.ScanResult{ClientIf: 1})

	require.Eventually(t, func() bool {
		return len(scan.snapshot()) == 11 && len(adv.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	events := scan.snapshot()
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, events[i].(controller.Completion).ClientIf)
	}
	assert.IsType(t, controller.ScanResult{}, events[10])
	assert.Equal(t, controller.InstanceDisabled{ClientIf: 5}, adv.snapshot()[0])
}

func TestDispatcher_UnroutedAndPanics(t *testing.T) {
	d := startDispatcher(t, 16)
	d.Route(controller.FamilyScan, HandlerFunc(func(controller.Event) { panic("boom") }))

	d.Publish(controller.ScanResult{})
	d.Publish(controller.InstanceDisabled{})

	require.Eventually(t, func() bool {
		m := d.Metrics()
		return m.Errors == 1 && m.Unrouted == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, d.State(), "a panicking handler MUST NOT stop delivery")
}

func TestDispatcher_ConcurrentPublishers(t *testing.T) {
	d := startDispatcher(t, 4096)
	rec := &recorder{}
	d.Route(controller.FamilyScan, rec)

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				d.Publish(controller.ScanResult{ClientIf: i})
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 400 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(400), d.Metrics().Delivered)
}

func TestDispatcher_StopDrainsAndRestarts(t *testing.T) {
	d, err := New(16, nil)
	require.NoError(t, err)
	rec := &recorder{}
	d.Route(controller.FamilyScan, rec)

	d.Publish(controller.ScanResult{ClientIf: 1})
	require.NoError(t, d.Start(context.Background()))
	assert.Error(t, d.Start(context.Background()), "double start MUST fail")
	require.NoError(t, d.Stop())
	assert.Len(t, rec.snapshot(), 1, "events buffered before start are delivered")
	assert.Equal(t, StateNotRunning, d.State())
	assert.NoError(t, d.Stop())
}

func TestDispatcher_FullRingKeepsAcknowledgements(t *testing.T) {
	d := startDispatcher(t, 8)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	scan, adv := &recorder{}, &recorder{}
	d.Route(controller.FamilyScan, HandlerFunc(func(ev controller.Event) {
		once.Do(func() {
			close(entered)
			<-release
		})
		scan.HandleEvent(ev)
	}))
	d.Route(controller.FamilyAdvertise, adv)

	// Park the consumer inside the scan handler.
	d.Publish(controller.ScanResult{ClientIf: 0})
	<-entered

	d.Publish(controller.Completion{Family: controller.FamilyAdvertise, Command: controller.CmdEnableAdvertisingInstance, ClientIf: 1})
	for i := 1; i <= 16; i++ {
		d.Publish(controller.ScanResult{ClientIf: i})
	}
	d.Publish(controller.InstanceDisabled{ClientIf: 2})
	d.Publish(controller.Completion{Family: controller.FamilyScan, Command: controller.CmdScanEnable, ClientIf: 3})
	d.Publish(controller.ScanResult{ClientIf: 99})
	close(release)

	require.Eventually(t, func() bool {
		return len(adv.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		events := scan.snapshot()
		if len(events) == 0 {
			return false
		}
		_, ok := events[len(events)-1].(controller.Completion)
		return ok
	}, time.Second, 5*time.Millisecond)

	advEvents := adv.snapshot()
	assert.Equal(t, controller.CmdEnableAdvertisingInstance, advEvents[0].(controller.Completion).Command)
	assert.Equal(t, controller.InstanceDisabled{ClientIf: 2}, advEvents[1])

	// Results delivered in publish order; the scan completion follows every kept result.
	events := scan.snapshot()
	last := -1
	for _, ev := range events[:len(events)-1] {
		r, ok := ev.(controller.ScanResult)
		require.True(t, ok)
		assert.Greater(t, r.ClientIf, last)
		assert.NotEqual(t, 99, r.ClientIf, "events behind spilled acknowledgements are dropped, not reordered")
		last = r.ClientIf
	}
	assert.Equal(t, 3, events[len(events)-1].(controller.Completion).ClientIf)

	m := d.Metrics()
	assert.Positive(t, m.Dropped)
	assert.Equal(t, int64(2), m.Spilled)
	assert.Equal(t, int64(21), m.Published+m.Dropped)
}
