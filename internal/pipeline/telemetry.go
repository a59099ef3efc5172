package pipeline

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer = otel.Tracer("dealflow/internal/pipeline")

var (
	instrumentsOnce sync.Once
	proposedCounter metric.Int64Counter
	decisionCounter metric.Int64Counter
	fallbackCounter metric.Int64Counter
	dedupCounter    metric.Int64Counter
)

func initInstruments() {
	instrumentsOnce.Do(func() {
		meter := otel.Meter("dealflow/internal/pipeline")
		proposedCounter, _ = meter.Int64Counter("dealflow_actions_proposed_total",
			metric.WithDescription("Actions persisted by generation or reconciliation"))
		decisionCounter, _ = meter.Int64Counter("dealflow_evaluation_decisions_total",
			metric.WithDescription("Validated reconciliation decisions by kind"))
		fallbackCounter, _ = meter.Int64Counter("dealflow_agent_fallbacks_total",
			metric.WithDescription("Agent invocations that exhausted retries"))
		dedupCounter, _ = meter.Int64Counter("dealflow_decisions_discarded_total",
			metric.WithDescription("Conflicting decisions dropped by deduplication"))
	})
}

func countProposed(ctx context.Context, origin string, n int) {
	initInstruments()
	if proposedCounter != nil && n > 0 {
		proposedCounter.Add(ctx, int64(n), metric.WithAttributes(attribute.String("origin", origin)))
	}
}

func countDecision(ctx context.Context, target string, decision Decision) {
	initInstruments()
	if decisionCounter != nil {
		decisionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("target", target), attribute.String("decision", string(decision))))
	}
}

func countFallback(ctx context.Context, agent string) {
	initInstruments()
	if fallbackCounter != nil {
		fallbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agent)))
	}
}

func countDiscarded(ctx context.Context, n int) {
	initInstruments()
	if dedupCounter != nil && n > 0 {
		dedupCounter.Add(ctx, int64(n))
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
