package advertise_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/srg/blearb/internal/advertise"
	"github.com/srg/blearb/internal/controller"
	"github.com/srg/blearb/internal/controller/sim"
	"github.com/srg/blearb/internal/notify"
	"github.com/srg/blearb/internal/registry"
	"github.com/srg/blearb/internal/testutils"
)

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) Unregister(handle int, side registry.Side) {
	m.Called(handle, side)
}

type fixture struct {
	t        *testing.T
	helper   *testutils.TestHelper
	sim      *sim.Controller
	mgr      *advertise.Manager
	registry *mockRegistry
	events   *notify.ChannelSink
}

func newFixture(t *testing.T, caps controller.Capabilities, opts advertise.Options) *fixture {
	t.Helper()

	h := testutils.NewTestHelper(t)
	harness := h.NewSimHarness(caps)
	reg := &mockRegistry{}

	m, err := advertise.New(advertise.Deps{
		Transport:    harness.Controller,
		Capabilities: harness.Controller,
		Registry:     reg,
		Logger:       h.Logger,
	}, opts)
	require.NoError(t, err)
	harness.Dispatcher.Route(controller.FamilyAdvertise, m)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Close() })

	return &fixture{
		t:        t,
		helper:   h,
		sim:      harness.Controller,
		mgr:      m,
		registry: reg,
		events:   notify.NewChannelSink(32),
	}
}

func (f *fixture) session(clientIf int) *testutils.AdvertiseSessionBuilder {
	return testutils.NewAdvertiseSession(clientIf).WithNotifier(f.events)
}

func (f *fixture) sync() {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(f.t, f.mgr.Sync(ctx))
}

func (f *fixture) start(s *advertise.Session) notify.Event {
	f.t.Helper()
	require.NoError(f.t, f.mgr.StartAdvertising(s))
	f.sync()
	return testutils.WaitForEvents(f.t, f.events, 1, time.Second)[0]
}

func (f *fixture) assertTranscript(lines ...string) {
	f.t.Helper()
	testutils.NewTranscriptAsserter(f.t).Assert(f.sim.Transcript(), lines...)
}

func legacyCapabilities() controller.Capabilities {
	caps := testutils.DefaultCapabilities()
	caps.MultiAdvertising = false
	return caps
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := advertise.New(advertise.Deps{}, advertise.Options{})
	assert.Error(t, err)

	_, err = advertise.New(advertise.Deps{Transport: sim.New(testutils.DefaultCapabilities(), sim.Options{}, nil)}, advertise.Options{})
	assert.Error(t, err)
}

func TestManager_StartWithScanResponse(t *testing.T) {
	f := newFixture(t, testutils.DefaultCapabilities(), advertise.Options{})

	ev := f.start(f.session(5).
		WithManufacturerData(0x004C, []byte{0x02, 0x15}).
		WithScanResponse(advertise.Data{ServiceData: []advertise.ServiceData{{UUID: ble.UUID16(0xFEAA), Data: []byte{0x10}}}}).
		Build())

	f.assertTranscript(
		"enable_advertising_instance client=5 min=1600 max=1610 type=0 channels=0x7 tx_power=2 timeout=0",
		"set_advertising_data client=5 scan_response=false manufacturer=4c000215 service_data= uuids=",
		"set_advertising_data client=5 scan_response=true manufacturer= service_data=aafe10 uuids=",
	)
	assert.Equal(t, notify.KindAdvertiseStatus, ev.Kind)
	assert.Equal(t, int(advertise.StatusSuccess), ev.Status)
	assert.True(t, ev.Start)
	assert.Equal(t, []int{5}, f.mgr.Active())
	assert.Equal(t, advertise.StateAdvertising, f.mgr.State(5))

	data, resp, ok := f.sim.InstancePayload(5)
	require.True(t, ok)
	assert.Equal(t, []byte{0x4C, 0x00, 0x02, 0x15}, data.Manufacturer)
	assert.Equal(t, []byte{0xAA, 0xFE, 0x10}, resp.ServiceData)
}

func TestManager_SetDataTimeoutFailsStart(t *testing.T) {
	f := newFixture(t, testutils.DefaultCapabilities(), advertise.Options{OperationTimeout: 30 * time.Millisecond})
	f.sim.DropAcks(controller.CmdSetAdvertisingData, 1)

	ev := f.start(f.session(5).WithScanResponse(advertise.Data{IncludeName: true}).Build())

	f.assertTranscript(
		"enable_advertising_instance client=5 min=1600 max=1610 type=0 channels=0x7 tx_power=2 timeout=0",
		"set_advertising_data client=5 scan_response=false manufacturer= service_data= uuids=",
		"disable_advertising_instance client=5",
	)
	assert.Equal(t, int(advertise.StatusInternalError), ev.Status)
	assert.Empty(t, f.mgr.Active())
	assert.Equal(t, advertise.StateIdle, f.mgr.State(5))
	assert.Contains(t, f.helper.Warnings(), "Advertise command not acknowledged in time")

	assert.Eventually(t, func() bool { return len(f.sim.Instances()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.events.Len(), "the cleanup disable is not reported to the client")
}

func TestManager_EnableFailureIssuesNothingElse(t *testing.T) {
	f := newFixture(t, testutils.DefaultCapabilities(), advertise.Options{})
	f.sim.FailAcks(controller.CmdEnableAdvertisingInstance, controller.StatusFailure, 1)

	ev := f.start(f.session(5).Build())

	assert.Equal(t, int(advertise.StatusInternalError), ev.Status)
	assert.Equal(t, []string{controller.CmdEnableAdvertisingInstance}, testutils.Commands(f.sim.Transcript()))
	assert.Empty(t, f.mgr.Active())
}

func TestManager_EnableTimeoutDisablesQuietly(t *testing.T) {
	f := newFixture(t, testutils.DefaultCapabilities(), advertise.Options{OperationTimeout: 30 * time.Millisecond})
	f.sim.DropAcks(controller.CmdEnableAdvertisingInstance, 1)

	ev := f.start(f.session(5).Build())

	assert.Equal(t, int(advertise.StatusInternalError), ev.Status)
	assert.Equal(t, []string{
		controller.CmdEnableAdvertisingInstance,
		controller.CmdDisableAdvertisingInstance,
	}, testutils.Commands(f.sim.Transcript()))
	assert.Empty(t, f.mgr.Active())
	assert.Equal(t, advertise.StateIdle, f.mgr.State(5))

	assert.Eventually(t, func() bool { return len(f.sim.Instances()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.events.Len(), "the cleanup disable is not reported to the client")
}

func TestManager_AlreadyStarted(t *testing.T) {
	f := newFixture(t, testutils.DefaultCapabilities(), advertise.Options{})

	require.Equal(t, int(advertise.StatusSuccess), f.start(f.session(5).Build()).Status)
	ev := f.start(f.session(5).Build())

	assert.Equal(t, int(advertise.StatusAlreadyStarted), ev.Status)
	assert.Equal(t, 1, f.sim.Count(controller.CmdEnableAdvertisingInstance))
}

func TestManager_TooManyAdvertisers(t *testing.T) {
	caps := testutils.DefaultCapabilities()
	caps.MaxAdvertiseInstances = 3
	f := newFixture(t, caps, advertise.Options{})
	require.Equal(t, 2, f.mgr.Capacity())

	require.Equal(t, int(advertise.StatusSuccess), f.start(f.session(1).Build()).Status)
	require.Equal(t, int(advertise.StatusSuccess), f.start(f.session(2).Build()).Status)

	f.sim.ResetTranscript()
	ev := f.start(f.session(3).Build())

	assert.Equal(t, int(advertise.StatusTooManyAdvertisers), ev.Status)
	assert.Empty(t, f.sim.Transcript())
	assert.Equal(t, []int{1, 2}, f.mgr.Active())
}

func TestManager_Capacity(t *testing.T) {
	tests := []struct {
		name string
		caps controller.Capabilities
		want int
	}{
		{name: "multi reserves one instance", caps: controller.Capabilities{MultiAdvertising: true, MaxAdvertiseInstances: 5}, want: 4},
		{name: "legacy only", caps: controller.Capabilities{PeripheralMode: true}, want: 1},
		{name: "none", caps: controller.Capabilities{}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := advertise.New(advertise.Deps{Transport: sim.New(tt.caps, sim.Options{}, nil), Capabilities: tt.caps}, advertise.Options{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, m.Capacity())
		})
	}
}

func TestManager_UnsupportedController(t *testing.T) {
	f := newFixture(t, controller.Capabilities{}, advertise.Options{})

	ev := f.start(f.session(5).Build())

	assert.Equal(t, int(advertise.StatusFeatureUnsupported), ev.Status)
	assert.Empty(t, f.sim.Transcript())
}

func TestManager_StopReportsOnDisableConfirmation(t *testing.T) {
	f := newFixture(t, testutils.DefaultCapabilities(), advertise.Options{})
	f.start(f.session(5).Build())
	f.sim.ResetTranscript()

	require.NoError(t, f.mgr.StopAdvertising(5, false))
	f.sync()

	f.assertTranscript("disable_advertising_instance client=5")
	assert.Empty(t, f.mgr.Active())

	ev := testutils.WaitForEvents(t, f.events, 1, time.Second)[0]
	assert.Equal(t, int(advertise.StatusSuccess), ev.Status)
	assert.False(t, ev.Start)
	assert.Equal(t, advertise.StateIdle, f.mgr.State(5))
	assert.Empty(t, f.sim.Instances())
}

func TestManager_UnconfirmedDisableExpires(t *testing.T) {
	f := newFixture(t, testutils.DefaultCapabilities(), advertise.Options{OperationTimeout: 30 * time.Millisecond})
	require.Equal(t, int(advertise.StatusSuccess), f.start(f.session(5).Build()).Status)
	f.sim.DropAcks(controller.CmdDisableAdvertisingInstance, 1)

	require.NoError(t, f.mgr.StopAdvertising(5, false))
	f.sync()
	require.Equal(t, advertise.StateDisabling, f.mgr.State(5))

	ev := testutils.WaitForEvents(t, f.events, 1, time.Second)[0]
	assert.Equal(t, int(advertise.StatusInternalError), ev.Status)
	assert.False(t, ev.Start)
	assert.Equal(t, advertise.StateIdle, f.mgr.State(5))
	assert.Contains(t, f.helper.Warnings(), "Advertising instance disable not confirmed in time")

	// The client can advertise again and a late confirmation is not reported twice.
	require.Equal(t, int(advertise.StatusSuccess), f.start(f.session(5).Build()).Status)
	assert.Equal(t, []int{5}, f.mgr.Active())
	assert.Zero(t, f.events.Len())
}

func TestManager_StopUnknownClientIsNoop(t *testing.T) {
	f := newFixture(t, testutils.DefaultCapabilities(), advertise.Options{})

	require.NoError(t, f.mgr.StopAdvertising(42, true))
	f.sync()

	assert.Empty(t, f.sim.Transcript())
	f.registry.AssertNotCalled(t, "Unregister", mock.Anything, mock.Anything)
}

func TestManager_AppDiedUnregistersAfterStop(t *testing.T) {
	f := newFixture(t, testutils.DefaultCapabilities(), advertise.Options{})
	f.registry.On("Unregister", 5, registry.ServerSide).Once()
	f.start(f.session(5).Build())

	require.NoError(t, f.mgr.StopAdvertising(5, true))
	f.sync()

	assert.Equal(t, 1, f.sim.Count(controller.CmdDisableAdvertisingInstance))
	f.registry.AssertExpectations(t)
}

func TestManager_LegacyAdvertising(t *testing.T) {
	f := newFixture(t, legacyCapabilities(), advertise.Options{})

	ev := f.start(f.session(5).WithServiceUUIDs(ble.UUID16(0x180D)).Build())

	assert.Equal(t, int(advertise.StatusSuccess), ev.Status)
	assert.Equal(t, []string{
		controller.CmdLegacySetAdvertisingParameters,
		controller.CmdLegacySetAdvertisingData,
		controller.CmdLegacyAdvertiseEnable,
	}, testutils.Commands(f.sim.Transcript()))
	assert.True(t, f.sim.LegacyAdvertising())
	assert.Equal(t, 1, f.mgr.Capacity())

	f.sim.ResetTranscript()
	require.NoError(t, f.mgr.StopAdvertising(5, false))
	f.sync()

	f.assertTranscript("legacy_advertise_enable client=5 enable=false")
	ev = testutils.WaitForEvents(t, f.events, 1, time.Second)[0]
	assert.Equal(t, int(advertise.StatusSuccess), ev.Status)
	assert.False(t, ev.Start)
	assert.False(t, f.sim.LegacyAdvertising())
}

func TestManager_LegacyDropsScanResponse(t *testing.T) {
	f := newFixture(t, legacyCapabilities(), advertise.Options{})

	ev := f.start(f.session(5).WithScanResponse(advertise.Data{IncludeName: true}).Build())

	assert.Equal(t, int(advertise.StatusSuccess), ev.Status)
	assert.Contains(t, f.helper.Warnings(), "Legacy advertising has no scan response, ignoring it")
	assert.Zero(t, f.sim.Count(controller.CmdSetAdvertisingData))
}

func TestManager_LegacyDataTooLarge(t *testing.T) {
	f := newFixture(t, legacyCapabilities(), advertise.Options{})

	ev := f.start(f.session(5).WithServiceUUIDs(
		ble.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e"),
		ble.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e"),
	).Build())

	assert.Equal(t, int(advertise.StatusDataTooLarge), ev.Status)
	assert.Empty(t, f.sim.Transcript())
	assert.Empty(t, f.mgr.Active())
}

func TestManager_StartValidation(t *testing.T) {
	f := newFixture(t, testutils.DefaultCapabilities(), advertise.Options{})

	assert.Error(t, f.mgr.StartAdvertising(nil))
	assert.Error(t, f.mgr.StartAdvertising(f.session(5).WithServiceUUIDs(ble.UUID{0x01}).Build()))
}

func TestStatusError_Is(t *testing.T) {
	err := advertise.StatusDataTooLarge.Err()

	assert.ErrorIs(t, err, advertise.ErrDataTooLarge)
	assert.NotErrorIs(t, err, advertise.ErrInternal)
	assert.NoError(t, advertise.StatusSuccess.Err())
}
