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
	publishedTotal    otelmetric.Int64Counter
	publishErrors     otelmetric.Int64Counter
)

func initStreamMetrics() {
	meter := otel.Meter("dealflow/queue/streams")
	var err error
	publishedTotal, err = meter.Int64Counter(
		"dealflow_stream_published_total",
		otelmetric.WithDescription("Envelopes appended to a stream"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: dealflow_stream_published_total: %v", err)
	}
	publishErrors, err = meter.Int64Counter(
		"dealflow_stream_publish_errors_total",
		otelmetric.WithDescription("Envelopes the broker refused"),
	)
	if err != nil {
		log.Printf("queue streams metrics init: dealflow_stream_publish_errors_total: %v", err)
	}
}

func recordPublish(ctx context.Context, stream, eventType string, err error) {
	streamMetricsOnce.Do(initStreamMetrics)
	attrs := otelmetric.WithAttributes(
		attribute.String("stream", stream),
		attribute.String("event_type", eventType),
	)
	ctx = contextOrBackground(ctx)
	if err != nil {
		if publishErrors != nil {
			publishErrors.Add(ctx, 1, attrs)
		}
		return
	}
	if publishedTotal != nil {
		publishedTotal.Add(ctx, 1, attrs)
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
