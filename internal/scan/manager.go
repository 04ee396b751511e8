// Package scan arbitrates scan requests from many clients onto one controller.
//
// All state changes run on a single work queue. Controller acknowledgements and scan
// results arrive on the dispatch path through HandleEvent, which never touches the
// controller and only reads session state under a read lock.
package scan

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
	"github.com/srg/blearb/internal/filterindex"
	"github.com/srg/blearb/internal/latch"
	"github.com/srg/blearb/internal/notify"
	"github.com/srg/blearb/internal/tracking"
	"github.com/srg/blearb/internal/workqueue"
)

// Options tune the scan manager.
type Options struct {
	OperationTimeout    time.Duration `yaml:"operation_timeout" default:"500ms"`
	ScanTimeout         time.Duration `yaml:"scan_timeout" default:"30m"`
	NotifyThreshold     int           `yaml:"notify_threshold" default:"95"`
	ReservedFilterSlots int           `yaml:"reserved_filter_slots" default:"3"`
}

// DefaultOptions returns the controller timings used in production.
func DefaultOptions() Options {
	return Options{
		OperationTimeout:    500 * time.Millisecond,
		ScanTimeout:         30 * time.Minute,
		NotifyThreshold:     95,
		ReservedFilterSlots: filterindex.DefaultReserved,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = d.OperationTimeout
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = d.ScanTimeout
	}
	if o.NotifyThreshold <= 0 {
		o.NotifyThreshold = d.NotifyThreshold
	}
	if o.ReservedFilterSlots <= 0 {
		o.ReservedFilterSlots = d.ReservedFilterSlots
	}
	return o
}

// Deps are the collaborators of a Manager. Registry and Battery may be nil.
type Deps struct {
	Transport    controller.Transport
	Capabilities controller.CapabilityQuery
	Registry     Registry
	Battery      BatteryAccounting
	Logger       *logrus.Logger
}

// Manager is the scan scheduler and batch coordinator.
type Manager struct {
	opts      Options
	logger    *logrus.Logger
	transport controller.Transport
	caps      controller.CapabilityQuery
	registry  Registry
	battery   BatteryAccounting

	queue  *workqueue.Queue
	latch  *latch.Latch
	pool   *filterindex.Pool
	budget *tracking.Budget

	// mu guards the session sets, session settings and the aggregate mode. Only the
	// worker writes them.
	mu          sync.RWMutex
	regular     *orderedmap.OrderedMap[int, *Session]
	batch       *orderedmap.OrderedMap[int, *Session]
	lastMode    Mode
	modeApplied bool

	// Worker-owned.
	allPassRegular map[int]struct{}
	allPassBatch   map[int]struct{}
	batchParams    *BatchParams
	scanTimer      *workqueue.Timer
	batchAlarm     *workqueue.Timer
}

// New creates a scan manager. Start must be called before requests are processed.
func New(deps Deps, opts Options) (*Manager, error) {
	if deps.Transport == nil {
		return nil, errors.New("scan: transport is required")
	}
	if deps.Capabilities == nil {
		return nil, errors.New("scan: capability query is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}
	opts = opts.withDefaults()
	caps := deps.Capabilities.Capabilities()

	return &Manager{
		opts:           opts,
		logger:         logger,
		transport:      deps.Transport,
		caps:           deps.Capabilities,
		registry:       deps.Registry,
		battery:        deps.Battery,
		queue:          workqueue.New("scan-manager", logger),
		latch:          latch.New(),
		pool:           filterindex.New(opts.ReservedFilterSlots),
		budget:         tracking.New(caps.MaxTrackableAdvertisements),
		regular:        orderedmap.New[int, *Session](),
		batch:          orderedmap.New[int, *Session](),
		allPassRegular: make(map[int]struct{}),
		allPassBatch:   make(map[int]struct{}),
	}, nil
}

// Start launches the scan worker.
func (m *Manager) Start(ctx context.Context) error {
	return m.queue.Start(ctx)
}

// StartScan validates s and queues its admission. Requests the controller cannot serve,
// duplicates and throttled apps are rejected synchronously with a *RejectError.
func (m *Manager) StartScan(s *Session) error {
	if s == nil {
		return &RejectError{Reason: ReasonInvalid, Msg: "nil session"}
	}
	for i, f := range s.Filters {
		if err := f.Validate(); err != nil {
			return &RejectError{Reason: ReasonInvalid, ClientIf: s.ClientIf, Msg: fmt.Sprintf("filter %d: %v", i, err)}
		}
	}
	if !m.isScanSupported(s.Settings) {
		return &RejectError{Reason: ReasonUnsupported, ClientIf: s.ClientIf, Msg: "controller cannot offload filtering or batching"}
	}
	if m.isActive(s.ClientIf) {
		return &RejectError{Reason: ReasonDuplicate, ClientIf: s.ClientIf}
	}
	if !s.Permissions.Privileged && s.Stats != nil && s.Stats.IsScanningTooFrequently() {
		return &RejectError{Reason: ReasonThrottled, ClientIf: s.ClientIf, Msg: s.Stats.AppName()}
	}

	return m.queue.Submit(func() { m.handleStart(s) })
}

// StopScan queues teardown of clientIf's session. Unknown handles are ignored.
func (m *Manager) StopScan(clientIf int, appDied bool) error {
	return m.queue.Submit(func() { m.handleStop(clientIf, appDied) })
}

// FlushBatchResults queues an on-demand read of batch storage for clientIf.
func (m *Manager) FlushBatchResults(clientIf int) error {
	return m.queue.Submit(func() { m.handleFlush(clientIf) })
}

// Sync waits until every request queued before it has been processed.
func (m *Manager) Sync(ctx context.Context) error {
	return m.queue.Do(ctx, func() {})
}

// Close cancels pending timers and stops the worker after it drains queued requests.
func (m *Manager) Close() error {
	_ = m.queue.Submit(func() {
		m.scanTimer.Stop()
		m.batchAlarm.Stop()
	})
	return m.queue.Close()
}

// AvailableTrackingBudget returns the number of unallocated trackable advertisements.
func (m *Manager) AvailableTrackingBudget() int {
	return m.budget.Available()
}

// CurrentAggregateScanMode returns the mode last applied to the controller, or false when
// no regular scan parameters are in effect.
func (m *Manager) CurrentAggregateScanMode() (Mode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastMode, m.modeApplied
}

// RegularSessions returns the regular session handles in admission order.
func (m *Manager) RegularSessions() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return keys(m.regular)
}

// BatchSessions returns the batch session handles in admission order.
func (m *Manager) BatchSessions() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return keys(m.batch)
}

// Session returns a copy of clientIf's active session.
func (m *Manager) Session(clientIf int) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if s, ok := m.regular.Get(clientIf); ok {
		return *s, true
	}
	if s, ok := m.batch.Get(clientIf); ok {
		return *s, true
	}
	return Session{}, false
}

// HandleEvent consumes controller events for the scan family. It is called from the
// dispatch path and must not block.
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
			}).Debug("Late scan acknowledgement ignored")
		}
	case controller.ScanResult:
		m.deliverResult(e)
	case controller.BatchReports:
		m.deliverBatchReports(e)
	case controller.TrackEvent:
		m.deliverTrackEvent(e)
	default:
		m.logger.WithField("event", fmt.Sprintf("%T", ev)).Debug("Unhandled scan event")
	}
}

func (m *Manager) handleStart(s *Session) {
	log := m.logger.WithField("client_if", s.ClientIf)
	if !m.isScanSupported(s.Settings) {
		log.Warn("Scan request not supported by controller, dropped")
		return
	}

	m.mu.Lock()
	if m.hasLocked(s.ClientIf) {
		m.mu.Unlock()
		log.Warn("Scan already started for client, dropped")
		return
	}
	if s.Settings.IsBatch() {
		s.kind = KindBatch
		m.batch.Set(s.ClientIf, s)
	} else {
		s.kind = KindRegular
		m.regular.Set(s.ClientIf, s)
	}
	m.mu.Unlock()

	log.WithFields(logrus.Fields{
		"kind":      s.kind,
		"scan_mode": s.Settings.Mode,
		"filters":   len(s.Filters),
	}).Info("Scan session admitted")

	if s.Stats != nil {
		s.Stats.RecordScanStart(s.usageOptions())
	}

	if s.kind == KindBatch {
		m.startBatchScan(s)
		return
	}

	m.startRegularScan(s)
	if !s.Settings.IsOpportunistic() {
		m.configureRegularScanParams()
		if !s.Settings.IsFirstMatch() {
			m.armScanTimeout()
		}
	}
	if m.battery != nil {
		_ = m.battery.NoteScanStarted(s.WorkSource)
	}
}

func (m *Manager) handleStop(clientIf int, appDied bool) {
	m.mu.Lock()
	s, isRegular := m.regular.Get(clientIf)
	isBatch := false
	if !isRegular {
		s, isBatch = m.batch.Get(clientIf)
	}
	if s != nil && appDied {
		s.AppDied = true
	}
	m.mu.Unlock()

	if !isRegular && !isBatch {
		m.logger.WithField("client_if", clientIf).Debug("Stop for client without a scan session")
		return
	}

	if isRegular {
		m.stopRegularScan(s)
		if m.numRegularScanClients() == 0 {
			m.scanTimer.Stop()
			m.scanTimer = nil
		}
		if !s.Settings.IsOpportunistic() {
			m.configureRegularScanParams()
		}
		if m.battery != nil {
			_ = m.battery.NoteScanStopped(s.WorkSource)
		}
	} else {
		m.stopBatchScan(s)
	}

	if s.Stats != nil {
		s.Stats.RecordScanStop()
	}
	m.logger.WithFields(logrus.Fields{
		"client_if": clientIf,
		"kind":      s.kind,
		"app_died":  s.AppDied,
	}).Info("Scan session stopped")

	if s.AppDied && m.registry != nil {
		m.registry.Unregister(s.ClientIf, s.Side)
	}
}

func (m *Manager) handleFlush(clientIf int) {
	m.mu.RLock()
	_, ok := m.batch.Get(clientIf)
	m.mu.RUnlock()

	if !ok {
		m.logger.WithField("client_if", clientIf).Debug("Flush for client without a batch session")
		return
	}
	m.flushBatchResults()
}

// isScanSupported reports whether the controller can serve settings. Anything other than
// immediate all-matches delivery needs offloaded filtering.
func (m *Manager) isScanSupported(s Settings) bool {
	if s.CallbackType == CallbackAllMatches && s.ReportDelay == 0 {
		return true
	}
	return m.caps.Capabilities().OffloadedFiltering
}

func (m *Manager) isActive(clientIf int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hasLocked(clientIf)
}

func (m *Manager) hasLocked(clientIf int) bool {
	if _, ok := m.regular.Get(clientIf); ok {
		return true
	}
	_, ok := m.batch.Get(clientIf)
	return ok
}

// numRegularScanClients counts the regular sessions that drive scanning.
func (m *Manager) numRegularScanClients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for pair := m.regular.Oldest(); pair != nil; pair = pair.Next() {
		if !pair.Value.Settings.IsOpportunistic() {
			n++
		}
	}
	return n
}

// issueAndWait issues cmd and waits for its acknowledgement. A timeout or failure is
// logged and the caller carries on with its sequence.
func (m *Manager) issueAndWait(cmd controller.Command) (int, error) {
	id := m.latch.Reset()
	cmd.Correlate(id)

	log := m.logger.WithFields(logrus.Fields{
		"command":        cmd.Name(),
		"client_if":      cmd.Client(),
		"correlation_id": id,
	})
	if err := m.transport.Issue(cmd); err != nil {
		log.WithError(err).Error("Failed to issue scan command")
		return 0, fmt.Errorf("issue %s: %w", cmd.Name(), err)
	}

	status, err := m.latch.Await(m.opts.OperationTimeout)
	if err != nil {
		log.WithField("timeout", m.opts.OperationTimeout).Warn("Scan command not acknowledged in time")
		return 0, fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	if status != controller.StatusSuccess {
		log.WithField("status", status).Warn("Scan command failed")
	}
	return status, nil
}

// issue sends a command whose acknowledgement nobody waits for.
func (m *Manager) issue(cmd controller.Command) {
	if err := m.transport.Issue(cmd); err != nil {
		m.logger.WithFields(logrus.Fields{
			"command":   cmd.Name(),
			"client_if": cmd.Client(),
		}).WithError(err).Error("Failed to issue scan command")
	}
}

func (m *Manager) deliverResult(e controller.ScanResult) {
	var targets []*Session

	m.mu.RLock()
	if e.ClientIf > 0 {
		if s, ok := m.regular.Get(e.ClientIf); ok {
			targets = append(targets, s)
		}
	} else {
		for pair := m.regular.Oldest(); pair != nil; pair = pair.Next() {
			s := pair.Value
			if s.Settings.CallbackType == CallbackAllMatches && len(s.Filters) == 0 {
				targets = append(targets, s)
			}
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		if !s.Permissions.CanReceiveResults() {
			continue
		}
		if s.Stats != nil {
			s.Stats.AddResult()
		}
		s.notify(notify.ScanResult(s.ClientIf, e.Address, e.RSSI, e.Data))
	}
}

func (m *Manager) deliverBatchReports(e controller.BatchReports) {
	var targets []*Session

	m.mu.RLock()
	if e.ResultType == controller.ResultFull {
		for pair := m.batch.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value.Settings.ResultType == ResultTypeFull {
				targets = append(targets, pair.Value)
			}
		}
	} else if s, ok := m.batch.Get(e.ClientIf); ok {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		if !s.Permissions.CanReceiveResults() {
			continue
		}
		s.notify(notify.BatchResults(s.ClientIf, e.ResultType, e.Reports))
	}
}

func (m *Manager) deliverTrackEvent(e controller.TrackEvent) {
	m.mu.RLock()
	s, ok := m.regular.Get(e.ClientIf)
	var cb CallbackType
	if ok {
		cb = s.Settings.CallbackType
	}
	m.mu.RUnlock()

	if !ok || !s.Permissions.CanReceiveResults() {
		return
	}
	if e.Found && cb&CallbackFirstMatch == 0 {
		return
	}
	if !e.Found && cb&CallbackMatchLost == 0 {
		return
	}
	s.notify(notify.FoundOrLost(s.ClientIf, e.Address, e.Found))
}

func keys(om *orderedmap.OrderedMap[int, *Session]) []int {
	out := make([]int, 0, om.Len())
	for pair := om.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}
