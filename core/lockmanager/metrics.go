package lockmanager

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics bundles the lock manager's instruments. A nil *metrics is a valid
// no-op receiver so Acquire never branches on configuration.
type metrics struct {
	grants metric.Int64Counter
	waits  metric.Int64Counter
	dies   metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	grants, err := meter.Int64Counter("gojotx.locks.grants",
		metric.WithDescription("Lock grants by mode"))
	if err != nil {
		return nil, err
	}
	waits, err := meter.Int64Counter("gojotx.locks.waits",
		metric.WithDescription("Acquire calls that parked behind a younger holder"))
	if err != nil {
		return nil, err
	}
	dies, err := meter.Int64Counter("gojotx.locks.dies",
		metric.WithDescription("Transactions killed by wait-die"))
	if err != nil {
		return nil, err
	}
	return &metrics{grants: grants, waits: waits, dies: dies}, nil
}

func (m *metrics) addGrant(mode string) {
	if m == nil {
		return
	}
	m.grants.Add(context.Background(), 1, metric.WithAttributes(attribute.String("mode", mode)))
}

func (m *metrics) addWait() {
	if m == nil {
		return
	}
	m.waits.Add(context.Background(), 1)
}

func (m *metrics) addDie(mode string) {
	if m == nil {
		return
	}
	m.dies.Add(context.Background(), 1, metric.WithAttributes(attribute.String("mode", mode)))
}
