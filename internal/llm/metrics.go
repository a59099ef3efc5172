package llm

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// MetricsSink exports usage events as OpenTelemetry instruments.
type MetricsSink struct {
	calls   otelmetric.Int64Counter
	errors  otelmetric.Int64Counter
	tokens  otelmetric.Int64Counter
	latency otelmetric.Float64Histogram
}

// NewMetricsSink registers the oracle instruments on meter.
func NewMetricsSink(meter otelmetric.Meter) (*MetricsSink, error) {
	calls, err := meter.Int64Counter("dealflow_oracle_calls_total", otelmetric.WithDescription("Oracle calls by operation"))
	if err != nil {
		return nil, fmt.Errorf("oracle calls counter: %w", err)
	}
	errs, err := meter.Int64Counter("dealflow_oracle_errors_total", otelmetric.WithDescription("Failed oracle calls by operation"))
	if err != nil {
		return nil, fmt.Errorf("oracle errors counter: %w", err)
	}
	tokens, err := meter.Int64Counter("dealflow_oracle_tokens_total", otelmetric.WithDescription("Tokens consumed by direction"))
	if err != nil {
		return nil, fmt.Errorf("oracle tokens counter: %w", err)
	}
	latency, err := meter.Float64Histogram("dealflow_oracle_latency_seconds", otelmetric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("oracle latency histogram: %w", err)
	}
	return &MetricsSink{calls: calls, errors: errs, tokens: tokens, latency: latency}, nil
}

func (m *MetricsSink) Record(ctx context.Context, ev UsageEvent) error {
	op := otelmetric.WithAttributes(attribute.String("operation", ev.Operation), attribute.String("model", ev.Model))
	m.calls.Add(ctx, 1, op)
	if ev.Error != "" {
		m.errors.Add(ctx, 1, op)
	}
	m.tokens.Add(ctx, ev.PromptTokens, otelmetric.WithAttributes(attribute.String("operation", ev.Operation), attribute.String("direction", "prompt")))
	m.tokens.Add(ctx, ev.CompletionTokens, otelmetric.WithAttributes(attribute.String("operation", ev.Operation), attribute.String("direction", "completion")))
	m.latency.Record(ctx, ev.Latency.Seconds(), op)
	return nil
}
