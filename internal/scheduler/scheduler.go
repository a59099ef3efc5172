// Package scheduler re-evaluates every active opportunity on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/lock"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/pipeline"
)

// ReasonScheduled is the re-evaluation trigger recorded for cron runs.
const ReasonScheduled = "scheduled re-evaluation"

// Source lists opportunities worth re-evaluating.
type Source interface {
	ListActiveOpportunityIDs(ctx context.Context) ([]string, error)
}

// Reevaluator is the pipeline entry point the scheduler drives.
type Reevaluator interface {
	ReEvaluateActions(ctx context.Context, opportunityID, reason string) (*pipeline.Reevaluation, error)
}

// Summary reports one tick.
type Summary struct {
	Opportunities int
	Reevaluated   int
	Skipped       int
	Failed        int
}

type Scheduler struct {
	expr   *cronexpr.Expression
	source Source
	reeval Reevaluator
	now    func() time.Time
	logger *log.Logger
}

// New parses cronSpec (5-field cron or @hourly/@daily style).
func New(cronSpec string, source Source, reeval Reevaluator, logger *log.Logger) (*Scheduler, error) {
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", cronSpec, err)
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	return &Scheduler{expr: expr, source: source, reeval: reeval, now: time.Now, logger: logger}, nil
}

// Next returns the next fire time after t.
func (s *Scheduler) Next(t time.Time) time.Time { return s.expr.Next(t) }

// Run blocks until ctx is done, ticking on every cron fire.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.expr.Next(s.now())
		if next.IsZero() {
			return fmt.Errorf("cron expression never fires")
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			sum := s.Tick(ctx)
			s.logger.Printf("tick: %d opportunities, %d re-evaluated, %d skipped, %d failed",
				sum.Opportunities, sum.Reevaluated, sum.Skipped, sum.Failed)
		}
	}
}

// Tick re-evaluates every active opportunity once. Opportunities locked by
// another worker are skipped; failures are logged and do not stop the tick.
func (s *Scheduler) Tick(ctx context.Context) Summary {
	var sum Summary
	ids, err := s.source.ListActiveOpportunityIDs(ctx)
	if err != nil {
		s.logger.Printf("list active opportunities: %v", err)
		return sum
	}
	sum.Opportunities = len(ids)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.reeval.ReEvaluateActions(ctx, id, ReasonScheduled); err != nil {
			if errors.Is(err, lock.ErrLocked) {
				sum.Skipped++
				continue
			}
			sum.Failed++
			s.logger.Printf("re-evaluate %s: %v", id, err)
			continue
		}
		sum.Reevaluated++
	}
	return sum
}
