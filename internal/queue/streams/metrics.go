package streams

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

var (
	streamMetricsOnce sync.Once
	eventsPublished   otelmetric.Int64Counter
	eventsConsumed    otelmetric.Int64Counter
	eventsDropped     otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("discernus/queue/streams")
	var err error
	eventsPublished, err = meter.Int64Counter(
		"queue_events_published_total",
		otelmetric.WithDescription("Events published to Redis Streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: queue_events_published_total: %v", err)
	}
	eventsConsumed, err = meter.Int64Counter(
		"queue_events_consumed_total",
		otelmetric.WithDescription("Events decoded from Redis Streams"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: queue_events_consumed_total: %v", err)
	}
	eventsDropped, err = meter.Int64Counter(
		"queue_events_dropped_total",
		otelmetric.WithDescription("Malformed stream entries acknowledged and dropped"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: queue_events_dropped_total: %v", err)
	}
}

func recordPublished(ctx context.Context, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsPublished == nil {
		return
	}
	eventsPublished.Add(contextOrBackground(ctx), 1,
		otelmetric.WithAttributes(attribute.String("event_type", eventType)))
}

func recordConsumed(ctx context.Context, eventType string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsConsumed == nil {
		return
	}
	eventsConsumed.Add(contextOrBackground(ctx), 1,
		otelmetric.WithAttributes(attribute.String("event_type", eventType)))
}

func recordDropped(ctx context.Context, reason string) {
	streamMetricsOnce.Do(initStreamMetrics)
	if eventsDropped == nil {
		return
	}
	eventsDropped.Add(contextOrBackground(ctx), 1,
		otelmetric.WithAttributes(attribute.String("reason", reason)))
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
