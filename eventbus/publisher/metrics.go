package publisher

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type publisherMetrics struct {
	entriesPublished metric.Int64Counter
	entriesFailed    metric.Int64Counter
	entriesRejected  metric.Int64Counter
	batchDepth       metric.Int64Gauge
	cycleLatency     metric.Float64Histogram
}

func newPublisherMetrics(provider metric.MeterProvider) (publisherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventbus.publisher")

	var (
		metrics publisherMetrics
		err     error
	)

	metrics.entriesPublished, err = meter.Int64Counter(
		"eventbus.publisher.entries.published",
		metric.WithDescription("Number of outbox entries acknowledged by the broker"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("create published counter: %w", err)
	}

	metrics.entriesFailed, err = meter.Int64Counter(
		"eventbus.publisher.entries.failed",
		metric.WithDescription("Number of outbox entries whose publish attempts failed"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("create failed counter: %w", err)
	}

	metrics.entriesRejected, err = meter.Int64Counter(
		"eventbus.publisher.entries.rejected",
		metric.WithDescription("Number of outbox entries permanently refused by the broker"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("create rejected counter: %w", err)
	}

	metrics.batchDepth, err = meter.Int64Gauge(
		"eventbus.publisher.batch.depth",
		metric.WithDescription("Number of entries claimed per publish cycle"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("create batch depth gauge: %w", err)
	}

	metrics.cycleLatency, err = meter.Float64Histogram(
		"eventbus.publisher.cycle.latency",
		metric.WithDescription("Time taken per publish cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return publisherMetrics{}, fmt.Errorf("create cycle latency histogram: %w", err)
	}

	return metrics, nil
}
