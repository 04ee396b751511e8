package scan

import (
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blearb/internal/controller"
	"github.com/srg/blearb/internal/notify"
	"github.com/srg/blearb/internal/tracking"
)

// Filter indices shared by every client without hardware filters.
const (
	allPassRegularIndex = 1
	allPassBatchIndex   = 2
)

const (
	listLogicAll   = 0x1111111
	filterLogicAnd = 1
	rssiThreshold  = -128
)

func (m *Manager) startRegularScan(s *Session) {
	caps := m.caps.Capabilities()
	if caps.OffloadedFiltering {
		m.pool.Initialize(caps.MaxOffloadedFilters)
		m.configureScanFilters(s)
	}
	if !s.Settings.IsOpportunistic() && m.numRegularScanClients() == 1 {
		m.issue(controller.NewScanEnable(s.ClientIf, true))
	}
}

func (m *Manager) stopRegularScan(s *Session) {
	if s.tracking > 0 && !m.budget.Free(s.tracking) {
		m.logger.WithFields(logrus.Fields{
			"client_if": s.ClientIf,
			"entries":   s.tracking,
		}).Error("Tracking budget release failed")
		s.notify(notify.ScanError(s.ClientIf, ErrorInternal))
	}

	m.mu.Lock()
	m.regular.Delete(s.ClientIf)
	s.tracking = 0
	m.mu.Unlock()

	if m.numRegularScanClients() == 0 {
		m.issue(controller.NewScanEnable(s.ClientIf, false))
	}
	m.removeScanFilters(s)
}

// configureRegularScanParams applies the window and interval of the most aggressive
// regular session. The controller is only reprogrammed when the winning mode changes.
func (m *Manager) configureRegularScanParams() {
	m.mu.RLock()
	winner := mostAggressive(m.regular)
	last, applied := m.lastMode, m.modeApplied
	m.mu.RUnlock()

	if winner == nil || winner.Settings.IsOpportunistic() {
		m.mu.Lock()
		m.lastMode, m.modeApplied = ModeOpportunistic, false
		m.mu.Unlock()
		m.logger.Debug("No regular scan drives scan parameters")
		return
	}

	mode := winner.Settings.Mode
	if applied && mode == last {
		return
	}

	window, interval := regularTiming(mode)
	m.logger.WithFields(logrus.Fields{
		"client_if":   winner.ClientIf,
		"scan_mode":   mode,
		"window_ms":   window,
		"interval_ms": interval,
	}).Info("Applying regular scan parameters")

	m.issue(controller.NewScanEnable(winner.ClientIf, false))
	m.issue(controller.NewSetScanParameters(winner.ClientIf, controller.MillisToUnits(interval), controller.MillisToUnits(window)))
	m.issue(controller.NewScanEnable(winner.ClientIf, true))

	m.mu.Lock()
	m.lastMode, m.modeApplied = mode, true
	m.mu.Unlock()
}

func (m *Manager) armScanTimeout() {
	m.scanTimer.Stop()
	m.scanTimer = m.queue.AfterFunc(m.opts.ScanTimeout, m.regularScanTimeout)
}

// regularScanTimeout downgrades long-running regular sessions to opportunistic. First-match
// sessions are exempt.
func (m *Manager) regularScanTimeout() {
	var downgraded []*Session

	m.mu.Lock()
	for pair := m.regular.Oldest(); pair != nil; pair = pair.Next() {
		s := pair.Value
		if s.Settings.IsOpportunistic() || s.Settings.IsFirstMatch() {
			continue
		}
		s.Settings = s.Settings.Opportunistic()
		downgraded = append(downgraded, s)
	}
	m.mu.Unlock()

	for _, s := range downgraded {
		m.logger.WithField("client_if", s.ClientIf).Info("Regular scan timed out, downgraded to opportunistic")
		if s.Stats != nil {
			s.Stats.SetScanTimeout()
		}
	}

	m.configureRegularScanParams()
	if m.numRegularScanClients() == 0 {
		m.issue(controller.NewScanEnable(0, false))
	}
}

// configureScanFilters programs s's filters, or enrolls it in the shared all-pass filter
// of its delivery path.
func (m *Manager) configureScanFilters(s *Session) {
	if !m.shouldAddFilter(s) {
		return
	}

	_, _ = m.issueAndWait(&controller.ScanFilterEnable{Header: controller.Header{ClientIf: s.ClientIf}, Enable: true})

	if m.needsAllPass(s) {
		index := allPassRegularIndex
		if s.Settings.DeliveryMode() == controller.DeliveryBatch {
			index = allPassBatchIndex
		}
		_, _ = m.issueAndWait(&controller.ScanFilterParamAdd{
			Header:       controller.Header{ClientIf: s.ClientIf},
			FilterParams: m.filterParams(s, index, 0, 0),
		})
		return
	}

	for _, f := range s.Filters {
		index, err := m.pool.Allocate(s.ClientIf)
		if err != nil {
			m.logger.WithField("client_if", s.ClientIf).WithError(err).Warn("Out of filter indices")
			return
		}

		entries, features := decompose(f)
		for _, e := range entries {
			_, _ = m.issueAndWait(&controller.ScanFilterAdd{
				Header:      controller.Header{ClientIf: s.ClientIf},
				FilterIndex: index,
				Entry:       e,
			})
		}

		track := 0
		if s.Settings.DeliveryMode() == controller.DeliveryOnFoundLost {
			track = tracking.EntriesFor(s.Settings.MatchCount, m.budget.Max())
			if m.budget.TryAllocate(track) {
				m.mu.Lock()
				s.tracking += track
				m.mu.Unlock()
			} else {
				m.logger.WithFields(logrus.Fields{
					"client_if":    s.ClientIf,
					"filter_index": index,
					"entries":      track,
					"available":    m.budget.Available(),
				}).Error("Tracking budget exhausted")
				s.notify(notify.ScanError(s.ClientIf, ErrorInternal))
			}
		}

		_, _ = m.issueAndWait(&controller.ScanFilterParamAdd{
			Header:       controller.Header{ClientIf: s.ClientIf},
			FilterParams: m.filterParams(s, index, features, track),
		})
	}
}

// shouldAddFilter reports whether programming is needed. An all-pass client only needs it
// when it is the first on its delivery path.
func (m *Manager) shouldAddFilter(s *Session) bool {
	if !m.needsAllPass(s) {
		return true
	}
	set := m.allPassSet(s)
	set[s.ClientIf] = struct{}{}
	return len(set) == 1
}

func (m *Manager) needsAllPass(s *Session) bool {
	return len(s.Filters) == 0 || len(s.Filters) > m.pool.Available()
}

func (m *Manager) allPassSet(s *Session) map[int]struct{} {
	if s.Settings.DeliveryMode() == controller.DeliveryBatch {
		return m.allPassBatch
	}
	return m.allPassRegular
}

func (m *Manager) filterParams(s *Session, index, features, track int) controller.FilterParams {
	return controller.FilterParams{
		FilterIndex:        index,
		FeatureSelection:   features,
		ListLogicType:      listLogicAll,
		FilterLogicType:    filterLogicAnd,
		RSSIHigh:           rssiThreshold,
		RSSILow:            rssiThreshold,
		DeliveryMode:       s.Settings.DeliveryMode(),
		OnFoundTimeout:     onFoundTimeoutMs(s.Settings),
		OnLostTimeout:      onLostTimeoutMs,
		OnFoundCount:       onFoundSightings(s.Settings),
		NumTrackingEntries: track,
	}
}

// removeScanFilters releases s's filter indices and deletes them from the controller. The
// shared all-pass filters are deleted when their last client leaves.
func (m *Manager) removeScanFilters(s *Session) {
	for _, index := range m.pool.Free(s.ClientIf) {
		_, _ = m.issueAndWait(&controller.ScanFilterParamDelete{
			Header:      controller.Header{ClientIf: s.ClientIf},
			FilterIndex: index,
		})
	}
	m.removeAllPass(s.ClientIf, m.allPassRegular, allPassRegularIndex)
	m.removeAllPass(s.ClientIf, m.allPassBatch, allPassBatchIndex)
}

func (m *Manager) removeAllPass(clientIf int, set map[int]struct{}, index int) {
	if _, ok := set[clientIf]; !ok {
		return
	}
	delete(set, clientIf)
	if len(set) > 0 {
		return
	}
	_, _ = m.issueAndWait(&controller.ScanFilterParamDelete{
		Header:      controller.Header{ClientIf: clientIf},
		FilterIndex: index,
	})
}

// mostAggressive returns the session with the highest mode, the earliest one on ties.
func mostAggressive(sessions *orderedmap.OrderedMap[int, *Session]) *Session {
	var winner *Session
	for pair := sessions.Oldest(); pair != nil; pair = pair.Next() {
		if winner == nil || pair.Value.Settings.Mode > winner.Settings.Mode {
			winner = pair.Value
		}
	}
	return winner
}
