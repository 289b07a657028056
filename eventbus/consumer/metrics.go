package consumer

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	eventsApplied    metric.Int64Counter
	duplicatesAcked  metric.Int64Counter
	handlerFailures  metric.Int64Counter
	eventsDeadLetter metric.Int64Counter
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventbus.consumer")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.eventsApplied, err = meter.Int64Counter(
		"eventbus.consumer.events.applied",
		metric.WithDescription("Number of events applied exactly once"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create applied counter: %w", err)
	}

	metrics.duplicatesAcked, err = meter.Int64Counter(
		"eventbus.consumer.events.duplicates",
		metric.WithDescription("Number of redelivered events absorbed by the dedupe ledger"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create duplicates counter: %w", err)
	}

	metrics.handlerFailures, err = meter.Int64Counter(
		"eventbus.consumer.handler.failures",
		metric.WithDescription("Number of handler invocations that failed"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create failures counter: %w", err)
	}

	metrics.eventsDeadLetter, err = meter.Int64Counter(
		"eventbus.consumer.events.dead_lettered",
		metric.WithDescription("Number of events routed to the dead-letter store"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create dead-lettered counter: %w", err)
	}

	return metrics, nil
}
