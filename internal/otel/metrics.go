package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all desk core metric instruments.
type Metrics struct {
	EventsDispatched   metric.Int64Counter
	EventsDeduped      metric.Int64Counter
	EventsUnknownType  metric.Int64Counter
	SequenceGaps       metric.Int64Counter
	TokensUsed         metric.Int64Counter
	EffectsAutoDecided metric.Int64Counter
	PersistDuration    metric.Float64Histogram
	PersistFailures    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsDispatched, err = meter.Int64Counter("deskcore.events.dispatched",
		metric.WithDescription("Task events accepted by the dispatch core"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDeduped, err = meter.Int64Counter("deskcore.events.deduplicated",
		metric.WithDescription("Task events discarded as duplicate ids"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsUnknownType, err = meter.Int64Counter("deskcore.events.unknown_type",
		metric.WithDescription("Events logged with a type outside the reducer taxonomy"),
	)
	if err != nil {
		return nil, err
	}

	m.SequenceGaps, err = meter.Int64Counter("deskcore.events.sequence_gaps",
		metric.WithDescription("Observed gaps in producer-assigned sequence numbers"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("deskcore.tokens.used",
		metric.WithDescription("Total tokens reported by TOKEN_USAGE events"),
	)
	if err != nil {
		return nil, err
	}

	m.EffectsAutoDecided, err = meter.Int64Counter("deskcore.effects.auto_decided",
		metric.WithDescription("Effect requests resolved by policy without a human decision"),
	)
	if err != nil {
		return nil, err
	}

	m.PersistDuration, err = meter.Float64Histogram("deskcore.persist.duration",
		metric.WithDescription("Snapshot write duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PersistFailures, err = meter.Int64Counter("deskcore.persist.failures",
		metric.WithDescription("Snapshot writes that failed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
