// Package arbiter wires the scan and advertise coordinators, the application registry
// and the controller dispatch path into one entry point.
package arbiter

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/blearb/internal/advertise"
	"github.com/srg/blearb/internal/controller"
	"github.com/srg/blearb/internal/dispatch"
	"github.com/srg/blearb/internal/notify"
	"github.com/srg/blearb/internal/registry"
	"github.com/srg/blearb/internal/scan"
	"github.com/srg/blearb/pkg/config"
)

// Controller is a command transport whose events can be routed to the arbiter.
type Controller interface {
	controller.Transport
	controller.CapabilityQuery
	Attach(sink controller.EventSink)
}

// Option customizes an Arbiter.
type Option func(*Arbiter)

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger *logrus.Logger) Option {
	return func(a *Arbiter) { a.logger = logger }
}

// WithBattery attaches the battery accounting collaborator.
func WithBattery(b scan.BatteryAccounting) Option {
	return func(a *Arbiter) { a.battery = b }
}

// ScanRequest is what a client asks for when it starts scanning.
type ScanRequest struct {
	Settings    scan.Settings
	Filters     []scan.Filter
	Permissions scan.Permissions
	WorkSource  string
}

// AdvertiseRequest is what a client asks for when it starts advertising.
type AdvertiseRequest struct {
	Settings     advertise.Settings
	Data         advertise.Data
	ScanResponse *advertise.Data
}

// Arbiter is safe for concurrent use.
type Arbiter struct {
	cfg     *config.Config
	logger  *logrus.Logger
	battery scan.BatteryAccounting

	ctrl       Controller
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	scan       *scan.Manager
	advertise  *advertise.Manager
}

// New builds an arbiter over ctrl. A nil cfg uses config.DefaultConfig.
func New(ctrl Controller, cfg *config.Config, opts ...Option) (*Arbiter, error) {
	if ctrl == nil {
		return nil, errors.New("arbiter: controller is required")
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("arbiter: %w", err)
	}

	a := &Arbiter{cfg: cfg, ctrl: ctrl}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = cfg.NewLogger()
	}

	a.registry = registry.New(cfg.RegistryOptions(), a.logger)

	d, err := dispatch.New(cfg.DispatchBufferSize, a.logger)
	if err != nil {
		return nil, fmt.Errorf("arbiter: dispatcher: %w", err)
	}
	a.dispatcher = d

	a.scan, err = scan.New(scan.Deps{
		Transport:    ctrl,
		Capabilities: ctrl,
		Registry:     a.registry,
		Battery:      a.battery,
		Logger:       a.logger,
	}, cfg.Scan)
	if err != nil {
		return nil, fmt.Errorf("arbiter: %w", err)
	}

	a.advertise, err = advertise.New(advertise.Deps{
		Transport:    ctrl,
		Capabilities: ctrl,
		Registry:     a.registry,
		Logger:       a.logger,
	}, cfg.Advertise)
	if err != nil {
		return nil, fmt.Errorf("arbiter: %w", err)
	}

	d.Route(controller.FamilyScan, a.scan)
	d.Route(controller.FamilyAdvertise, a.advertise)
	ctrl.Attach(d)
	return a, nil
}

// Start launches the dispatch path and both coordinators.
func (a *Arbiter) Start(ctx context.Context) error {
	if err := a.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	if err := a.scan.Start(ctx); err != nil {
		return fmt.Errorf("start scan manager: %w", err)
	}
	if err := a.advertise.Start(ctx); err != nil {
		return fmt.Errorf("start advertise manager: %w", err)
	}
	a.logger.WithField("capabilities", fmt.Sprintf("%+v", a.ctrl.Capabilities())).Info("Arbiter started")
	return nil
}

// Close drains both coordinators, then stops the dispatch path.
func (a *Arbiter) Close() error {
	return errors.Join(a.scan.Close(), a.advertise.Close(), a.dispatcher.Stop())
}

// Sync waits until both coordinators have processed everything queued so far.
func (a *Arbiter) Sync(ctx context.Context) error {
	if err := a.scan.Sync(ctx); err != nil {
		return err
	}
	return a.advertise.Sync(ctx)
}

// RegisterApp registers a client and returns its handle.
func (a *Arbiter) RegisterApp(name string, side registry.Side, n notify.Notifier, privileged bool) *registry.App {
	return a.registry.Register(name, side, n, privileged)
}

// StartScan admits a scan for handle. Rejections are returned synchronously.
func (a *Arbiter) StartScan(handle int, req ScanRequest) error {
	app, ok := a.registry.Find(handle)
	if !ok {
		return fmt.Errorf("start scan for %d: %w", handle, registry.ErrUnknownClient)
	}

	perms := req.Permissions
	perms.Privileged = perms.Privileged || app.Privileged
	workSource := req.WorkSource
	if workSource == "" {
		workSource = app.Name
	}

	return a.scan.StartScan(&scan.Session{
		ClientIf:    handle,
		Side:        app.Side,
		Settings:    req.Settings,
		Filters:     req.Filters,
		Permissions: perms,
		WorkSource:  workSource,
		Stats:       app.Stats,
		Notifier:    app.Notifier,
	})
}

// StopScan queues teardown of handle's scan.
func (a *Arbiter) StopScan(handle int) error {
	return a.scan.StopScan(handle, false)
}

// FlushBatchResults asks the controller for handle's pending batch results.
func (a *Arbiter) FlushBatchResults(handle int) error {
	return a.scan.FlushBatchResults(handle)
}

// StartAdvertising queues an advertisement for handle. The status arrives through the
// app's notifier.
func (a *Arbiter) StartAdvertising(handle int, req AdvertiseRequest) error {
	app, ok := a.registry.Find(handle)
	if !ok {
		return fmt.Errorf("start advertising for %d: %w", handle, registry.ErrUnknownClient)
	}
	return a.advertise.StartAdvertising(&advertise.Session{
		ClientIf:     handle,
		Side:         app.Side,
		Settings:     req.Settings,
		Data:         req.Data,
		ScanResponse: req.ScanResponse,
		Notifier:     app.Notifier,
	})
}

// StopAdvertising queues teardown of handle's advertisement.
func (a *Arbiter) StopAdvertising(handle int) error {
	return a.advertise.StopAdvertising(handle, false)
}

// AppDied tears down everything handle holds and unregisters it once both coordinators
// have run the teardown.
func (a *Arbiter) AppDied(ctx context.Context, handle int) error {
	app, ok := a.registry.Find(handle)
	if !ok {
		a.logger.WithField("client_if", handle).Debug("Death of unknown client ignored")
		return nil
	}
	a.logger.WithFields(logrus.Fields{"client_if": handle, "app": app.Name}).Info("Client died, releasing its resources")

	if err := errors.Join(a.scan.StopScan(handle, true), a.advertise.StopAdvertising(handle, true)); err != nil {
		return fmt.Errorf("app died: %w", err)
	}
	if err := a.Sync(ctx); err != nil {
		return fmt.Errorf("app died: %w", err)
	}
	a.registry.Unregister(handle, app.Side)
	return nil
}

// AvailableTrackingBudget returns the unallocated trackable advertisements.
func (a *Arbiter) AvailableTrackingBudget() int {
	return a.scan.AvailableTrackingBudget()
}

// CurrentAggregateScanMode returns the regular scan mode in effect, if any.
func (a *Arbiter) CurrentAggregateScanMode() (scan.Mode, bool) {
	return a.scan.CurrentAggregateScanMode()
}

// Registry exposes the application registry.
func (a *Arbiter) Registry() *registry.Registry { return a.registry }

// Scan exposes the scan coordinator for inspection.
func (a *Arbiter) Scan() *scan.Manager { return a.scan }

// Advertise exposes the advertise coordinator for inspection.
func (a *Arbiter) Advertise() *advertise.Manager { return a.advertise }

// DispatchMetrics returns the dispatch path counters.
func (a *Arbiter) DispatchMetrics() dispatch.Metrics { return a.dispatcher.Metrics() }
