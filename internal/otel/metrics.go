package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the client's metric instruments.
type Metrics struct {
	RemoteDuration  metric.Float64Histogram
	RemoteErrors    metric.Int64Counter
	StoreLoads      metric.Int64Counter
	StoreSuperseded metric.Int64Counter
	StoreClears     metric.Int64Counter
	SessionChanges  metric.Int64Counter
	CascadeRuns     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RemoteDuration, err = meter.Float64Histogram("tracker.remote.duration",
		metric.WithDescription("Backend call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RemoteErrors, err = meter.Int64Counter("tracker.remote.errors",
		metric.WithDescription("Backend calls that failed, by error kind"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreLoads, err = meter.Int64Counter("tracker.store.loads",
		metric.WithDescription("Collection loads, by entity and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreSuperseded, err = meter.Int64Counter("tracker.store.superseded",
		metric.WithDescription("Load responses discarded because the scope moved on"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreClears, err = meter.Int64Counter("tracker.store.clears",
		metric.WithDescription("Collection clears, by entity"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionChanges, err = meter.Int64Counter("tracker.session.transitions",
		metric.WithDescription("Auth session state transitions"),
	)
	if err != nil {
		return nil, err
	}

	m.CascadeRuns, err = meter.Int64Counter("tracker.cascade.runs",
		metric.WithDescription("Orchestrator reconcile passes"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing. Components fall back to
// it when constructed without metrics.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
