// Package alerting delivers operator-facing alerts for conditions that need
// attention, auto-aborted transfers, signing key failovers, stuck work.
package alerting

import (
	"github.com/sirupsen/logrus"

	"github.com/omni/tokenbridge-relayer/logging"
)

type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

type Alerter interface {
	SendAlert(level Level, source, message string, details logrus.Fields)
}

// logAlerter reports alerts through structured logs and a labeled counter
// scraped by the metrics endpoint.
type logAlerter struct {
	logger logging.Logger
	bridge string
}

func NewAlerter(logger logging.Logger, bridge string) Alerter {
	return &logAlerter{logger: logger, bridge: bridge}
}

func (a *logAlerter) SendAlert(level Level, source, message string, details logrus.Fields) {
	AlertsTotal.WithLabelValues(a.bridge, string(level), source).Inc()

	logger := a.logger.WithFields(logrus.Fields{
		"alert_level":  string(level),
		"alert_source": source,
	})
	if details != nil {
		logger = logger.WithFields(details)
	}
	switch level {
	case LevelCritical:
		logger.Error(message)
	case LevelWarning:
		logger.Warn(message)
	default:
		logger.Info(message)
	}
}
