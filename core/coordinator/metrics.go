package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics bundles the coordinator's instruments. A nil *metrics is a valid
// no-op receiver so the hot path never branches on configuration.
type metrics struct {
	transactions      metric.Int64Counter
	phaseSeconds      metric.Float64Histogram
	participantErrors metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	transactions, err := meter.Int64Counter("gojotx.coordinator.transactions",
		metric.WithDescription("Transactions by terminal state"))
	if err != nil {
		return nil, err
	}
	phaseSeconds, err := meter.Float64Histogram("gojotx.coordinator.phase.duration",
		metric.WithDescription("Duration of the prepare and commit phases"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	participantErrors, err := meter.Int64Counter("gojotx.coordinator.participant.errors",
		metric.WithDescription("Participant calls that timed out or failed"))
	if err != nil {
		return nil, err
	}
	return &metrics{
		transactions:      transactions,
		phaseSeconds:      phaseSeconds,
		participantErrors: participantErrors,
	}, nil
}

func (m *metrics) addOutcome(ctx context.Context, state State) {
	if m == nil {
		return
	}
	m.transactions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
}

func (m *metrics) observePhase(ctx context.Context, phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseSeconds.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("phase", phase)))
}

func (m *metrics) addParticipantError(ctx context.Context, phase string) {
	if m == nil {
		return
	}
	m.participantErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}
