package execution

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

var (
	metricsOnce     sync.Once
	executedCounter metric.Int64Counter
)

func countExecution(ctx context.Context, t crm.ActionType, outcome string) {
	metricsOnce.Do(func() {
		executedCounter, _ = otel.Meter("dealflow/internal/execution").Int64Counter("dealflow_actions_executed_total",
			metric.WithDescription("Execution attempts by action type and outcome"))
	})
	if executedCounter == nil {
		return
	}
	executedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(t)), attribute.String("outcome", outcome)))
}
