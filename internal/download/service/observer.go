package service

import (
	"github.com/rs/zerolog/log"

	"downloadgate/internal/download"
	"downloadgate/internal/metrics"
)

// Observer is told about every persisted status change.
type Observer interface {
	OnTransition(s download.Session, from, to download.Status)
}

type ObserverFunc func(s download.Session, from, to download.Status)

func (f ObserverFunc) OnTransition(s download.Session, from, to download.Status) { f(s, from, to) }

// MetricsObserver counts transitions and logs failures.
type MetricsObserver struct{}

func (MetricsObserver) OnTransition(s download.Session, from, to download.Status) {
	metrics.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()

	ev := log.Debug()
	if to == download.StatusFailed {
		ev = log.Warn().Str("failure_code", s.FailureCode).Str("failure_message", s.FailureMessage)
	}
	ev.Str("session_id", s.ID.String()).
		Int64("file_id", s.FileID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("download session transition")
}
