package notify

import "github.com/sirupsen/logrus"

// LogSink writes client callbacks to a logrus logger.
type LogSink struct {
	logger *logrus.Logger
	level  logrus.Level
}

// NewLogSink logs every event at level.
func NewLogSink(logger *logrus.Logger, level logrus.Level) *LogSink {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogSink{logger: logger, level: level}
}

// Notify implements Notifier.
func (s *LogSink) Notify(ev Event) {
	fields := logrus.Fields{
		"kind":      ev.Kind,
		"client_if": ev.ClientIf,
	}
	switch ev.Kind {
	case KindScanResult:
		fields["address"] = ev.Address
		fields["rssi"] = ev.RSSI
	case KindBatchResults:
		fields["result_type"] = ev.ResultType
		fields["reports"] = len(ev.Reports)
	case KindFoundLost:
		fields["address"] = ev.Address
		fields["found"] = ev.Found
	case KindScanError:
		fields["status"] = ev.Status
	case KindAdvertiseStatus:
		fields["status"] = ev.Status
		fields["start"] = ev.Start
	}
	s.logger.WithFields(fields).Log(s.level, "Client callback")
}
