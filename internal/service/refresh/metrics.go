package refresh

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/nkiryanov/usermanager/internal/service/refresh"

// Outcomes of refresh token operations
const (
	OutcomeIssued        = "issued"
	OutcomeReused        = "reused"
	OutcomeRotated       = "rotated"
	OutcomeInvalid       = "invalid"
	OutcomeExpired       = "expired"
	OutcomeReuseDetected = "reuse_detected"
	OutcomeLostRace      = "lost_race"
	OutcomeRevoked       = "revoked"
)

type metrics struct {
	outcomes  metric.Int64Counter
	evictions metric.Int64Counter
}

func newMetrics(meter metric.Meter) *metrics {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	outcomes, err := meter.Int64Counter("session.refresh.outcomes",
		metric.WithDescription("Refresh token operations by outcome"),
	)
	if err != nil {
		outcomes, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter("session.refresh.outcomes")
	}

	evictions, err := meter.Int64Counter("session.evictions",
		metric.WithDescription("Refresh tokens purged or revoked by eviction policy"),
	)
	if err != nil {
		evictions, _ = noop.NewMeterProvider().Meter(meterName).Int64Counter("session.evictions")
	}

	return &metrics{outcomes: outcomes, evictions: evictions}
}

func (m *metrics) outcome(ctx context.Context, outcome string) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) evicted(ctx context.Context, kind string, n int64) {
	if n == 0 {
		return
	}
	m.evictions.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind)))
}
