// Package otel provides OpenTelemetry instruments and HTTP middleware.
package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "shadow"

// Metrics holds all shadow-core metric instruments.
type Metrics struct {
	TurnsStarted    metric.Int64Counter
	TurnsCompleted  metric.Int64Counter
	TurnsFailed     metric.Int64Counter
	EventsPersisted metric.Int64Counter
	TurnDuration    metric.Float64Histogram
	ArchiveBytes    metric.Int64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TurnsStarted, err = meter.Int64Counter("shadow.turns.started",
		metric.WithDescription("Number of turns started"))
	if err != nil {
		return nil, err
	}

	m.TurnsCompleted, err = meter.Int64Counter("shadow.turns.completed",
		metric.WithDescription("Number of turns completed"))
	if err != nil {
		return nil, err
	}

	m.TurnsFailed, err = meter.Int64Counter("shadow.turns.failed",
		metric.WithDescription("Number of turns failed"))
	if err != nil {
		return nil, err
	}

	m.EventsPersisted, err = meter.Int64Counter("shadow.events.persisted",
		metric.WithDescription("Number of session events persisted"))
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("shadow.turn.duration_seconds",
		metric.WithDescription("Turn duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.ArchiveBytes, err = meter.Int64Histogram("shadow.archive.size_bytes",
		metric.WithDescription("Workspace archive size in bytes"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
