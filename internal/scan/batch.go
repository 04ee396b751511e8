package scan

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blearb/internal/controller"
)

// noClient marks an unused slot of BatchParams.
const noClient = -1

const batchDiscardOldest = 0

// BatchParams is the aggregate batch configuration applied to the controller.
type BatchParams struct {
	Mode            Mode
	FullClient      int
	TruncatedClient int
}

func (p BatchParams) fullPercent() int {
	switch {
	case p.FullClient == noClient:
		return 0
	case p.TruncatedClient == noClient:
		return 100
	default:
		return 50
	}
}

func (p BatchParams) resultType() int {
	switch {
	case p.FullClient != noClient && p.TruncatedClient != noClient:
		return controller.ResultBoth
	case p.FullClient != noClient:
		return controller.ResultFull
	default:
		return controller.ResultTruncated
	}
}

// BatchParams returns the batch configuration in effect, if any.
func (m *Manager) BatchParams() (BatchParams, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.batchParams == nil {
		return BatchParams{}, false
	}
	return *m.batchParams, true
}

func (m *Manager) startBatchScan(s *Session) {
	caps := m.caps.Capabilities()
	if caps.OffloadedFiltering {
		m.pool.Initialize(caps.MaxOffloadedFilters)
		m.configureScanFilters(s)
	}
	if !s.Settings.IsOpportunistic() {
		m.resetBatchScan(s)
	}
}

func (m *Manager) stopBatchScan(s *Session) {
	m.mu.Lock()
	m.batch.Delete(s.ClientIf)
	m.mu.Unlock()

	m.removeScanFilters(s)
	if !s.Settings.IsOpportunistic() {
		m.resetBatchScan(s)
	}
}

// computeBatchParams aggregates the batch sessions. The most aggressive mode wins; the last
// full-result session gets the full slot and the last other one the truncated slot.
func (m *Manager) computeBatchParams() *BatchParams {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.batch.Len() == 0 {
		return nil
	}
	p := &BatchParams{
		Mode:            mostAggressive(m.batch).Settings.Mode,
		FullClient:      noClient,
		TruncatedClient: noClient,
	}
	for pair := m.batch.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Settings.ResultType == ResultTypeFull {
			p.FullClient = pair.Key
		} else {
			p.TruncatedClient = pair.Key
		}
	}
	return p
}

// resetBatchScan reconfigures controller batching when the aggregate changed. Stored
// results are read out before storage is reconfigured.
func (m *Manager) resetBatchScan(s *Session) {
	next := m.computeBatchParams()
	prev := m.batchParams

	if prev != nil && !sameBatchParams(prev, next) {
		_, _ = m.issueAndWait(&controller.StopBatchScan{Header: controller.Header{ClientIf: s.ClientIf}})
		m.flushBatchResults()
	}

	if next != nil && !sameBatchParams(next, prev) {
		full := next.fullPercent()
		_, _ = m.issueAndWait(&controller.ConfigBatchStorage{
			Header:           controller.Header{ClientIf: s.ClientIf},
			FullPercent:      full,
			TruncatedPercent: 100 - full,
			NotifyThreshold:  m.opts.NotifyThreshold,
		})

		window, interval := batchTiming(next.Mode)
		_, _ = m.issueAndWait(&controller.StartBatchScan{
			Header:        controller.Header{ClientIf: s.ClientIf},
			ResultType:    next.resultType(),
			IntervalUnits: controller.MillisToUnits(interval),
			WindowUnits:   controller.MillisToUnits(window),
			AddressType:   0,
			DiscardRule:   batchDiscardOldest,
		})

		m.logger.WithFields(logrus.Fields{
			"client_if":   s.ClientIf,
			"scan_mode":   next.Mode,
			"full":        next.FullClient,
			"truncated":   next.TruncatedClient,
			"full_pct":    full,
			"interval_ms": interval,
		}).Info("Batch scan configured")
	}

	m.mu.Lock()
	m.batchParams = next
	m.mu.Unlock()
	m.setBatchAlarm()
}

// flushBatchResults reads every storage slot of the batch configuration in effect.
func (m *Manager) flushBatchResults() {
	p := m.batchParams
	if p == nil {
		return
	}
	if p.FullClient != noClient {
		_, _ = m.issueAndWait(&controller.ReadScanReports{
			Header:     controller.Header{ClientIf: p.FullClient},
			ResultType: controller.ResultFull,
		})
	}
	if p.TruncatedClient != noClient {
		_, _ = m.issueAndWait(&controller.ReadScanReports{
			Header:     controller.Header{ClientIf: p.TruncatedClient},
			ResultType: controller.ResultTruncated,
		})
	}
	m.setBatchAlarm()
}

// setBatchAlarm schedules the next periodic flush at the shortest report delay. The
// flush may run anywhere in [interval, interval+window]; it is placed mid-window.
func (m *Manager) setBatchAlarm() {
	m.batchAlarm.Stop()
	m.batchAlarm = nil

	interval := m.batchTriggerInterval()
	if interval <= 0 {
		return
	}
	delay := batchAlarmDelay(interval)
	m.logger.WithFields(logrus.Fields{
		"interval": interval,
		"window":   batchAlarmWindow(interval),
		"delay":    delay,
	}).Debug("Batch flush alarm set")

	m.batchAlarm = m.queue.AfterFunc(delay, m.onBatchAlarm)
}

// batchAlarmWindow is the slack allowed after the flush interval.
func batchAlarmWindow(interval time.Duration) time.Duration {
	return interval / 10
}

func batchAlarmDelay(interval time.Duration) time.Duration {
	return interval + batchAlarmWindow(interval)/2
}

func (m *Manager) onBatchAlarm() {
	m.mu.RLock()
	first := m.batch.Oldest()
	m.mu.RUnlock()

	if first == nil {
		return
	}
	m.logger.WithField("client_if", first.Key).Debug("Batch flush alarm fired")
	m.flushBatchResults()
}

func (m *Manager) batchTriggerInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var interval time.Duration
	for pair := m.batch.Oldest(); pair != nil; pair = pair.Next() {
		d := pair.Value.Settings.ReportDelay
		if d > 0 && (interval == 0 || d < interval) {
			interval = d
		}
	}
	return interval
}

func sameBatchParams(a, b *BatchParams) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
