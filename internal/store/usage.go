package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm"
)

// UsageSink persists sampled oracle calls to llm_usage_events.
type UsageSink struct {
	Store *Store
}

var _ llm.UsageSink = UsageSink{}

func (u UsageSink) Record(ctx context.Context, ev llm.UsageEvent) error {
	return u.Store.RecordUsage(ctx, ev)
}

// RecordUsage inserts one usage event.
func (s *Store) RecordUsage(ctx context.Context, ev llm.UsageEvent) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO llm_usage_events (id, operation, model, prompt, output, latency_ms, prompt_tokens, completion_tokens, error, sample_rate, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
`, uuid.NewString(), ev.Operation, ev.Model, ev.Prompt, ev.Output, ev.Latency.Milliseconds(),
		ev.PromptTokens, ev.CompletionTokens, nullString(ev.Error), ev.SampleRate, ev.OccurredAt.UTC())
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	metricsOnce.Do(initStoreMetrics)
	if tokenCounter != nil {
		attrs := []attribute.KeyValue{attribute.String("operation", ev.Operation), attribute.String("model", ev.Model)}
		if ev.PromptTokens > 0 {
			tokenCounter.Add(ctx, ev.PromptTokens, otelmetric.WithAttributes(append(attrs, attribute.String("kind", "prompt"))...))
		}
		if ev.CompletionTokens > 0 {
			tokenCounter.Add(ctx, ev.CompletionTokens, otelmetric.WithAttributes(append(attrs, attribute.String("kind", "completion"))...))
		}
	}
	return nil
}
