// Package advertise arbitrates advertising requests onto the controller's advertising
// instances, or onto the single legacy advertiser when multi-advertising is missing.
package advertise

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blearb/internal/controller"
	"github.com/srg/blearb/internal/latch"
	"github.com/srg/blearb/internal/workqueue"
)

// Options tune the advertise manager.
type Options struct {
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"500ms"`
	DeviceName       string        `yaml:"device_name" default:"blearb"`
}

// DefaultOptions returns the controller timings used in production.
func DefaultOptions() Options {
	return Options{OperationTimeout: 500 * time.Millisecond, DeviceName: "blearb"}
}

func (o Options) withDefaults() Options {
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOptions().OperationTimeout
	}
	return o
}

// Deps are the collaborators of a Manager. Registry may be nil.
type Deps struct {
	Transport    controller.Transport
	Capabilities controller.CapabilityQuery
	Registry     Registry
	Logger       *logrus.Logger
}

// Manager is the advertise coordinator.
type Manager struct {
	opts      Options
	logger    *logrus.Logger
	transport controller.Transport
	caps      controller.CapabilityQuery
	registry  Registry

	queue *workqueue.Queue
	latch *latch.Latch

	// mu guards the session sets and states. Only the worker writes the active set;
	// the dispatch path removes confirmed entries from disabling and the worker expires
	// unconfirmed ones.
	mu        sync.RWMutex
	active    *orderedmap.OrderedMap[int, *Session]
	disabling map[int]*Session
	states    map[int]State
}

// New creates an advertise manager. Start must be called before requests are processed.
func New(deps Deps, opts Options) (*Manager, error) {
	if deps.Transport == nil {
		return nil, errors.New("advertise: transport is required")
	}
	if deps.Capabilities == nil {
		return nil, errors.New("advertise: capability query is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return &Manager{
		opts:      opts.withDefaults(),
		logger:    logger,
		transport: deps.Transport,
		caps:      deps.Capabilities,
		registry:  deps.Registry,
		queue:     workqueue.New("advertise-manager", logger),
		latch:     latch.New(),
		active:    orderedmap.New[int, *Session](),
		disabling: make(map[int]*Session),
		states:    make(map[int]State),
	}, nil
}

// Start launches the advertise worker.
func (m *Manager) Start(ctx context.Context) error {
	return m.queue.Start(ctx)
}

// StartAdvertising queues s. The outcome is reported through the session notifier.
func (m *Manager) StartAdvertising(s *Session) error {
	if s == nil {
		return errors.New("advertise: nil session")
	}
	if err := s.Data.Validate(); err != nil {
		return fmt.Errorf("advertise data: %w", err)
	}
	if s.ScanResponse != nil {
		if err := s.ScanResponse.Validate(); err != nil {
			return fmt.Errorf("scan response: %w", err)
		}
	}
	return m.queue.Submit(func() { m.handleStart(s) })
}

// StopAdvertising queues teardown of clientIf's advertisement. Unknown handles are
// ignored.
func (m *Manager) StopAdvertising(clientIf int, appDied bool) error {
	return m.queue.Submit(func() { m.handleStop(clientIf, appDied) })
}

// Sync waits until every request queued before it has been processed.
func (m *Manager) Sync(ctx context.Context) error {
	return m.queue.Do(ctx, func() {})
}

// Close stops the worker after it drains queued requests.
func (m *Manager) Close() error {
	return m.queue.Close()
}

// Capacity is how many clients may advertise at once.
func (m *Manager) Capacity() int {
	return CapacityOf(m.caps.Capabilities())
}

// CapacityOf is the number of concurrent advertisers caps allow.
func CapacityOf(caps controller.Capabilities) int {
	switch {
	case caps.MultiAdvertising:
		// One instance stays reserved for the legacy advertiser.
		return max(caps.MaxAdvertiseInstances-1, 0)
	case caps.PeripheralMode:
		return 1
	default:
		return 0
	}
}

// Active returns the advertising client handles in admission order.
func (m *Manager) Active() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]int, 0, m.active.Len())
	for pair := m.active.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// State returns the lifecycle state of clientIf.
func (m *Manager) State(clientIf int) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[clientIf]
}

// HandleEvent consumes controller events for the advertise family. It is called from
// the dispatch path and must not block.
func (m *Manager) HandleEvent(ev controller.Event) {
	switch e := ev.(type) {
	case controller.Completion:
		if e.Correlation == uuid.Nil {
			return
		}
		if !m.latch.SignalID(e.Correlation, e.Status) {
			m.logger.WithFields(logrus.Fields{
				"command":        e.Command,
				"client_if":      e.ClientIf,
				"correlation_id": e.Correlation,
			}).Debug("Late advertise acknowledgement ignored")
		}
	case controller.InstanceDisabled:
		m.onInstanceDisabled(e)
	default:
		m.logger.WithField("event", fmt.Sprintf("%T", ev)).Debug("Unhandled advertise event")
	}
}

func (m *Manager) handleStart(s *Session) {
	log := m.logger.WithField("client_if", s.ClientIf)

	m.mu.RLock()
	_, started := m.active.Get(s.ClientIf)
	count := m.active.Len()
	m.mu.RUnlock()

	if started {
		log.Warn("Advertising already started for client")
		s.notify(StatusAlreadyStarted, true)
		return
	}

	caps := m.caps.Capabilities()
	if !caps.MultiAdvertising && !caps.PeripheralMode {
		log.Warn("Controller supports no advertising")
		s.notify(StatusFeatureUnsupported, true)
		return
	}
	if count >= m.Capacity() {
		log.WithField("capacity", m.Capacity()).Warn("No advertising instance available")
		s.notify(StatusTooManyAdvertisers, true)
		return
	}

	var err error
	if caps.MultiAdvertising {
		err = m.startInstance(s)
	} else {
		s.legacy = true
		err = m.startLegacy(s)
	}
	if err != nil {
		status := StatusInternalError
		var se *StatusError
		if errors.As(err, &se) {
			status = se.Status
		}
		log.WithError(err).WithField("status", status).Error("Failed to start advertising")
		m.setState(s.ClientIf, StateIdle)
		s.notify(status, true)
		return
	}

	m.mu.Lock()
	m.active.Set(s.ClientIf, s)
	m.states[s.ClientIf] = StateAdvertising
	m.mu.Unlock()

	log.WithFields(logrus.Fields{
		"mode":     s.Settings.Mode,
		"tx_power": s.Settings.TxPower,
		"legacy":   s.legacy,
	}).Info("Advertising started")
	s.notify(StatusSuccess, true)
}

// startInstance enables a multi-advertising instance and programs its payloads. When a
// payload step fails, or the enable is never acknowledged, the instance is disabled again
// without telling the client.
func (m *Manager) startInstance(s *Session) error {
	lo, hi := s.Settings.intervalUnits()
	enable := &controller.EnableAdvertisingInstance{
		Header:         controller.Header{ClientIf: s.ClientIf},
		TxPower:        s.Settings.TxPower.hardwareLevel(),
		TimeoutSeconds: s.Settings.timeoutSeconds(),
	}
	enable.AdvertisingIntervalMin = uint16(lo)
	enable.AdvertisingIntervalMax = uint16(hi)
	enable.AdvertisingType = uint8(s.Settings.eventType(s.ScanResponse != nil))
	enable.AdvertisingChannelMap = channelMapAll

	m.setState(s.ClientIf, StateEnabling)
	if err := m.issueAndWait(enable); err != nil {
		if errors.Is(err, latch.ErrTimeout) {
			m.disableQuietly(s.ClientIf)
		}
		return err
	}

	m.setState(s.ClientIf, StateSettingAdvertiseData)
	data := &controller.SetAdvertisingData{Header: controller.Header{ClientIf: s.ClientIf}, Payload: payload(s.Data)}
	if err := m.issueAndWait(data); err != nil {
		m.disableQuietly(s.ClientIf)
		return err
	}

	if s.ScanResponse != nil {
		m.setState(s.ClientIf, StateSettingScanResponse)
		resp := &controller.SetAdvertisingData{
			Header:       controller.Header{ClientIf: s.ClientIf},
			ScanResponse: true,
			Payload:      payload(*s.ScanResponse),
		}
		if err := m.issueAndWait(resp); err != nil {
			m.disableQuietly(s.ClientIf)
			return err
		}
	}
	return nil
}

// startLegacy programs the single legacy advertiser. Scan responses are not supported
// there and are dropped.
func (m *Manager) startLegacy(s *Session) error {
	if s.ScanResponse != nil {
		m.logger.WithField("client_if", s.ClientIf).Warn("Legacy advertising has no scan response, ignoring it")
	}

	eir, err := legacyPacket(s.Data, s.Settings.Connectable, m.opts.DeviceName)
	if err != nil {
		if errors.Is(err, errServiceDataUUID) {
			return &StatusError{Status: StatusFeatureUnsupported, ClientIf: s.ClientIf, Msg: err.Error()}
		}
		return &StatusError{Status: StatusDataTooLarge, ClientIf: s.ClientIf, Msg: err.Error()}
	}

	lo, hi := s.Settings.intervalUnits()
	params := &controller.LegacySetAdvertisingParameters{Header: controller.Header{ClientIf: s.ClientIf}}
	params.AdvertisingIntervalMin = uint16(lo)
	params.AdvertisingIntervalMax = uint16(hi)
	params.AdvertisingType = uint8(s.Settings.eventType(false))
	params.AdvertisingChannelMap = channelMapAll

	m.setState(s.ClientIf, StateEnabling)
	if err := m.issueAndWait(params); err != nil {
		return err
	}
	m.setState(s.ClientIf, StateSettingAdvertiseData)
	if err := m.issueAndWait(controller.NewLegacySetAdvertisingData(s.ClientIf, eir)); err != nil {
		return err
	}
	return m.issueAndWait(controller.NewLegacyAdvertiseEnable(s.ClientIf, true))
}

func (m *Manager) handleStop(clientIf int, appDied bool) {
	m.mu.Lock()
	s, ok := m.active.Get(clientIf)
	if ok {
		m.active.Delete(clientIf)
		if appDied {
			s.AppDied = true
		}
		if s.legacy {
			delete(m.states, clientIf)
		} else {
			m.disabling[clientIf] = s
			m.states[clientIf] = StateDisabling
		}
	}
	m.mu.Unlock()

	log := m.logger.WithFields(logrus.Fields{"client_if": clientIf, "app_died": appDied})
	if !ok {
		log.Debug("Stop for client without an advertisement")
		return
	}

	if s.legacy {
		if err := m.issueAndWait(controller.NewLegacyAdvertiseEnable(clientIf, false)); err != nil {
			log.WithError(err).Warn("Legacy advertiser did not confirm stop")
		}
		log.Info("Legacy advertising stopped")
		s.notify(StatusSuccess, false)
	} else {
		m.issue(&controller.DisableAdvertisingInstance{Header: controller.Header{ClientIf: clientIf}})
		m.queue.AfterFunc(m.opts.OperationTimeout, func() { m.expireDisable(clientIf, s) })
		log.Info("Advertising instance disable requested")
	}

	if s.AppDied && m.registry != nil {
		m.registry.Unregister(s.ClientIf, s.Side)
	}
}

func (m *Manager) onInstanceDisabled(e controller.InstanceDisabled) {
	m.mu.Lock()
	s, ok := m.disabling[e.ClientIf]
	if ok {
		delete(m.disabling, e.ClientIf)
		if m.states[e.ClientIf] == StateDisabling {
			delete(m.states, e.ClientIf)
		}
	}
	m.mu.Unlock()

	if !ok {
		m.logger.WithField("client_if", e.ClientIf).Debug("Instance disabled without a pending stop")
		return
	}

	status := StatusSuccess
	if e.Status != controller.StatusSuccess {
		status = StatusInternalError
	}
	m.logger.WithFields(logrus.Fields{"client_if": e.ClientIf, "status": status}).Info("Advertising instance disabled")
	s.notify(status, false)
}

// expireDisable gives up on a disable confirmation that never came and reports the stop
// as failed. It does nothing when s is no longer the pending entry.
func (m *Manager) expireDisable(clientIf int, s *Session) {
	m.mu.Lock()
	pending, ok := m.disabling[clientIf]
	if ok && pending == s {
		delete(m.disabling, clientIf)
		if m.states[clientIf] == StateDisabling {
			delete(m.states, clientIf)
		}
	}
	m.mu.Unlock()

	if !ok || pending != s {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"client_if": clientIf,
		"timeout":   m.opts.OperationTimeout,
	}).Warn("Advertising instance disable not confirmed in time")
	s.notify(StatusInternalError, false)
}

// disableQuietly tears down a half-configured instance. Nobody waits for it and the
// client gets no callback.
func (m *Manager) disableQuietly(clientIf int) {
	m.issue(&controller.DisableAdvertisingInstance{Header: controller.Header{ClientIf: clientIf}})
}

func (m *Manager) setState(clientIf int, st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st == StateIdle {
		delete(m.states, clientIf)
		return
	}
	m.states[clientIf] = st
}

// issueAndWait issues cmd and waits for its acknowledgement. Unlike the scan side, any
// timeout or failure aborts the sequence.
func (m *Manager) issueAndWait(cmd controller.Command) error {
	id := m.latch.Reset()
	cmd.Correlate(id)

	log := m.logger.WithFields(logrus.Fields{
		"command":        cmd.Name(),
		"client_if":      cmd.Client(),
		"correlation_id": id,
	})
	if err := m.transport.Issue(cmd); err != nil {
		return fmt.Errorf("issue %s: %w", cmd.Name(), err)
	}

	status, err := m.latch.Await(m.opts.OperationTimeout)
	if err != nil {
		log.WithField("timeout", m.opts.OperationTimeout).Warn("Advertise command not acknowledged in time")
		return fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	if status != controller.StatusSuccess {
		log.WithField("status", status).Warn("Advertise command failed")
		return &StatusError{Status: StatusInternalError, ClientIf: cmd.Client(), Msg: fmt.Sprintf("%s status %d", cmd.Name(), status)}
	}
	return nil
}

func (m *Manager) issue(cmd controller.Command) {
	if err := m.transport.Issue(cmd); err != nil {
		m.logger.WithFields(logrus.Fields{
			"command":   cmd.Name(),
			"client_if": cmd.Client(),
		}).WithError(err).Error("Failed to issue advertise command")
	}
}
