package arbiter_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/suite"

	"github.com/srg/blearb/arbiter"
	"github.com/srg/blearb/internal/advertise"
	"github.com/srg/blearb/internal/controller"
	"github.com/srg/blearb/internal/controller/sim"
	"github.com/srg/blearb/internal/notify"
	"github.com/srg/blearb/internal/registry"
	"github.com/srg/blearb/internal/scan"
	"github.com/srg/blearb/internal/testutils"
	"github.com/srg/blearb/pkg/config"
)

type ArbiterTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	sim    *sim.Controller
	arb    *arbiter.Arbiter
}

func (s *ArbiterTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.sim = sim.New(testutils.DefaultCapabilities(), sim.Options{AckDelay: time.Millisecond, BatchStorageBytes: 4096}, s.helper.Logger)

	arb, err := arbiter.New(s.sim, config.DefaultConfig(), arbiter.WithLogger(s.helper.Logger))
	s.Require().NoError(err)
	s.Require().NoError(arb.Start(context.Background()))
	s.arb = arb
}

func (s *ArbiterTestSuite) TearDownTest() {
	s.Require().NoError(s.arb.Close())
	s.Require().NoError(s.sim.Close())
}

func (s *ArbiterTestSuite) sync() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(s.arb.Sync(ctx))
}

func (s *ArbiterTestSuite) scanRequest(mode scan.Mode) arbiter.ScanRequest {
	settings := scan.DefaultSettings()
	settings.Mode = mode
	return arbiter.ScanRequest{
		Settings:    settings,
		Permissions: scan.Permissions{Location: true, LegacyForeground: true},
	}
}

func (s *ArbiterTestSuite) TestScanLifecycle() {
	app := s.arb.RegisterApp("com.example.scanner", registry.ClientSide, nil, false)

	s.Require().NoError(s.arb.StartScan(app.Handle, s.scanRequest(scan.ModeBalanced)))
	s.sync()

	mode, ok := s.arb.CurrentAggregateScanMode()
	s.Require().True(ok)
	s.Equal(scan.ModeBalanced, mode)
	s.True(s.sim.Scanning())
	s.Equal(32, s.arb.AvailableTrackingBudget())

	s.Require().NoError(s.arb.StopScan(app.Handle))
	s.sync()

	s.False(s.sim.Scanning())
	s.Empty(s.arb.Scan().RegularSessions())
}

func (s *ArbiterTestSuite) TestUnknownHandleIsRejected() {
	s.ErrorIs(s.arb.StartScan(404, s.scanRequest(scan.ModeLowPower)), registry.ErrUnknownClient)
	s.ErrorIs(s.arb.StartAdvertising(404, arbiter.AdvertiseRequest{}), registry.ErrUnknownClient)
}

func (s *ArbiterTestSuite) TestThrottleAppliesPerApplication() {
	app := s.arb.RegisterApp("com.example.busy", registry.ClientSide, nil, false)

	for i := 0; i < 5; i++ {
		s.Require().NoError(s.arb.StartScan(app.Handle, s.scanRequest(scan.ModeLowPower)))
		s.sync()
		s.Require().NoError(s.arb.StopScan(app.Handle))
		s.sync()
	}

	other := s.arb.RegisterApp("com.example.busy", registry.ClientSide, nil, false)
	s.ErrorIs(s.arb.StartScan(other.Handle, s.scanRequest(scan.ModeLowPower)), scan.ErrThrottled,
		"stats follow the application name across handles")
}

func (s *ArbiterTestSuite) TestPrivilegedAppIsNeverThrottled() {
	app := s.arb.RegisterApp("com.example.system", registry.ClientSide, nil, true)

	for i := 0; i < 7; i++ {
		s.Require().NoError(s.arb.StartScan(app.Handle, s.scanRequest(scan.ModeLowPower)))
		s.sync()
		s.Require().NoError(s.arb.StopScan(app.Handle))
		s.sync()
	}
}

func (s *ArbiterTestSuite) TestAdvertisingReportsThroughAppNotifier() {
	sink := notify.NewChannelSink(4)
	app := s.arb.RegisterApp("com.example.beacon", registry.ServerSide, sink, false)

	s.Require().NoError(s.arb.StartAdvertising(app.Handle, arbiter.AdvertiseRequest{
		Settings: advertise.DefaultSettings(),
		Data:     advertise.Data{ServiceUUIDs: []ble.UUID{ble.UUID16(0x180D)}},
	}))
	s.sync()

	ev := testutils.WaitForEvents(s.T(), sink, 1, time.Second)[0]
	s.Equal(app.Handle, ev.ClientIf)
	s.Equal(int(advertise.StatusSuccess), ev.Status)
	s.Equal([]int{app.Handle}, s.arb.Advertise().Active())

	s.Require().NoError(s.arb.StopAdvertising(app.Handle))
	s.sync()
	ev = testutils.WaitForEvents(s.T(), sink, 1, time.Second)[0]
	s.False(ev.Start)
}

func (s *ArbiterTestSuite) TestAppDiedReleasesEverything() {
	app := s.arb.RegisterApp("com.example.crashy", registry.ClientSide, nil, false)

	req := s.scanRequest(scan.ModeLowLatency)
	req.Settings.CallbackType = scan.CallbackFirstMatch
	req.Filters = []scan.Filter{{ServiceUUID: ble.UUID16(0x180D)}}
	s.Require().NoError(s.arb.StartScan(app.Handle, req))
	s.Require().NoError(s.arb.StartAdvertising(app.Handle, arbiter.AdvertiseRequest{Settings: advertise.DefaultSettings()}))
	s.sync()
	s.Less(s.arb.AvailableTrackingBudget(), 32)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Require().NoError(s.arb.AppDied(ctx, app.Handle))

	s.Empty(s.arb.Scan().RegularSessions())
	s.Empty(s.arb.Advertise().Active())
	s.Equal(32, s.arb.AvailableTrackingBudget())
	_, ok := s.arb.Registry().Find(app.Handle)
	s.False(ok)
	s.Equal(1, s.sim.Count(controller.CmdDisableAdvertisingInstance))
}

func (s *ArbiterTestSuite) TestAppDiedWithoutSessionsUnregisters() {
	app := s.arb.RegisterApp("com.example.idle", registry.ServerSide, nil, false)

	s.Require().NoError(s.arb.AppDied(context.Background(), app.Handle))

	_, ok := s.arb.Registry().Find(app.Handle)
	s.False(ok)
	s.Empty(s.sim.Transcript())
	s.NoError(s.arb.AppDied(context.Background(), app.Handle), "unknown handles are ignored")
}

func TestArbiterTestSuite(t *testing.T) {
	suite.Run(t, new(ArbiterTestSuite))
}

func TestNew_RequiresController(t *testing.T) {
	_, err := arbiter.New(nil, nil)
	if err == nil {
		t.Fatal("expected an error without a controller")
	}
}
