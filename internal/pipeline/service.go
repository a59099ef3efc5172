// Package pipeline turns deal context into proposed sales actions and keeps
// them current as new activity arrives.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/actions"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/retry"
)

// Locker serialises work on one opportunity across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Options tune a Service. Zero values fall back to defaults.
type Options struct {
	Limits           Limits
	MaxActions       int
	ProposalPolicy   retry.Policy
	EvaluationPolicy retry.Policy
	Clock            func() time.Time
	Notifier         crm.Notifier
	Locker           Locker
	LockTTL          time.Duration
	Logger           *log.Logger
}

// Service exposes generation, re-evaluation and bulk cancellation.
type Service struct {
	repo      crm.Repository
	assembler *Assembler
	proposer  *ProposalAgent
	composer  *Composer
	evaluator *EvaluationAgent
	cleaner   *actions.Cleaner
	applier   *applier
	notifier  crm.Notifier
	locker    Locker
	lockTTL   time.Duration
	logger    *log.Logger
}

// NewService wires the pipeline.
func NewService(repo crm.Repository, oracle llm.Oracle, registry actions.Registry, opts Options) *Service {
	if opts.ProposalPolicy.MaxAttempts == 0 {
		opts.ProposalPolicy = retry.Fixed(5, 500*time.Millisecond)
	}
	if opts.EvaluationPolicy.MaxAttempts == 0 {
		opts.EvaluationPolicy = retry.Fixed(3, 500*time.Millisecond)
	}
	if opts.Notifier == nil {
		opts.Notifier = crm.NopNotifier{}
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	cleaner := actions.NewCleaner(registry, nil)
	return &Service{
		repo:      repo,
		assembler: NewAssembler(repo, opts.Limits, opts.Clock),
		proposer:  NewProposalAgent(oracle, registry, opts.ProposalPolicy, opts.MaxActions, nil),
		composer:  NewComposer(registry, nil),
		evaluator: NewEvaluationAgent(oracle, registry, opts.EvaluationPolicy, nil),
		cleaner:   cleaner,
		applier: &applier{
			repo:     repo,
			registry: registry,
			cleaner:  cleaner,
			logger:   log.New(log.Writer(), "[APPLY] ", log.LstdFlags),
		},
		notifier: opts.Notifier,
		locker:   opts.Locker,
		lockTTL:  opts.LockTTL,
		logger:   logger,
	}
}

// Reevaluation reports the result of ReEvaluateActions.
type Reevaluation struct {
	OpportunityID string     `json:"opportunity_id"`
	Evaluation    Evaluation `json:"evaluation"`
	Outcome
	// Generated is set when the deal had no open work and the proposal
	// agent ran directly.
	Generated bool `json:"generated"`
}

func (s *Service) lock(ctx context.Context, opportunityID string) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Acquire(ctx, "dealflow:opportunity:"+opportunityID, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("opportunity %s: %w", opportunityID, err)
	}
	return release, nil
}

// GenerateProposedActions assembles context, proposes, composes and
// persists new PROPOSED actions.
func (s *Service) GenerateProposedActions(ctx context.Context, opportunityID string) ([]crm.ProposedAction, error) {
	ctx, span := tracer.Start(ctx, "pipeline.generate", trace.WithAttributes(attribute.String("opportunity.id", opportunityID)))
	defer span.End()

	release, err := s.lock(ctx, opportunityID)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer release()

	dc, err := s.assembler.Assemble(ctx, opportunityID)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	created, err := s.generate(ctx, dc)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	out, err := s.applier.apply(ctx, Evaluation{}, nil, created)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("persist proposed actions: %w", err)
	}
	countProposed(ctx, "generate", len(out.Created))
	s.notifyAll(ctx, crm.EventProposed, out.Created)
	s.logger.Printf("opportunity %s: %d action(s) proposed", opportunityID, len(out.Created))
	return out.Created, nil
}

func (s *Service) generate(ctx context.Context, dc *crm.DealContext) ([]crm.ProposedAction, error) {
	drafts, err := s.proposer.Propose(ctx, dc)
	if err != nil {
		return nil, err
	}
	return s.composer.Compose(ctx, dc, drafts), nil
}

// ReEvaluateActions reconciles open actions and upcoming events against the
// latest activity. With no open work it behaves like GenerateProposedActions.
func (s *Service) ReEvaluateActions(ctx context.Context, opportunityID, reason string) (*Reevaluation, error) {
	ctx, span := tracer.Start(ctx, "pipeline.reevaluate", trace.WithAttributes(attribute.String("opportunity.id", opportunityID)))
	defer span.End()

	release, err := s.lock(ctx, opportunityID)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	defer release()

	dc, err := s.assembler.Assemble(ctx, opportunityID)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	result := &Reevaluation{OpportunityID: opportunityID}

	var (
		ev       Evaluation
		composed map[string]crm.ProposedAction
		created  []crm.ProposedAction
	)
	if len(dc.OpenActions) == 0 && len(dc.FutureEvents) == 0 {
		result.Generated = true
		if created, err = s.generate(ctx, dc); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
	} else {
		if ev, err = s.evaluator.Evaluate(ctx, dc, reason); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		composed = s.composer.ComposeModified(ctx, dc, ev.Proposals)
		if ev.NeedsNewActions {
			if created, err = s.generate(ctx, dc); err != nil {
				recordSpanError(span, err)
				return nil, err
			}
		}
	}
	result.Evaluation = ev

	out, err := s.applier.apply(ctx, ev, composed, created)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("apply reconciliation: %w", err)
	}
	result.Outcome = out
	countProposed(ctx, "reevaluate", len(out.Created))
	s.notifyAll(ctx, crm.EventCancelled, out.Cancelled)
	s.notifyAll(ctx, crm.EventModified, out.Modified)
	s.notifyAll(ctx, crm.EventProposed, out.Created)
	s.logger.Printf("opportunity %s: re-evaluated (cancelled=%d modified=%d created=%d events=%d fallback=%v)",
		opportunityID, len(out.Cancelled), len(out.Modified), len(out.Created), len(out.Events), ev.Fallback)
	return result, nil
}

// CancelAllOpen cancels every PROPOSED action on the opportunity, cleaning
// up anything they produced, and returns how many were cancelled.
func (s *Service) CancelAllOpen(ctx context.Context, opportunityID string) (int, error) {
	ctx, span := tracer.Start(ctx, "pipeline.cancel_open", trace.WithAttributes(attribute.String("opportunity.id", opportunityID)))
	defer span.End()

	release, err := s.lock(ctx, opportunityID)
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}
	defer release()

	proposed, err := s.repo.ListActions(ctx, opportunityID, crm.StatusProposed)
	if err != nil {
		recordSpanError(span, err)
		return 0, fmt.Errorf("list proposed actions: %w", err)
	}
	if len(proposed) == 0 {
		return 0, nil
	}
	var cancelled []crm.ProposedAction
	err = s.repo.WithTx(ctx, func(tx crm.Tx) error {
		cancelled = cancelled[:0]
		for _, p := range proposed {
			a, err := tx.GetActionForUpdate(ctx, p.ID)
			if err != nil {
				return fmt.Errorf("lock action %s: %w", p.ID, err)
			}
			if a.Status != crm.StatusProposed {
				continue
			}
			s.cleaner.Unwind(ctx, tx, &a)
			s.cleaner.ReleaseAttachments(ctx, tx, &a)
			if err := crm.Transition(&a, crm.StatusCancelled); err != nil {
				return err
			}
			a.SetMeta("cancel_reason", "bulk cancel")
			if err := tx.UpdateAction(ctx, a); err != nil {
				return fmt.Errorf("cancel action %s: %w", a.ID, err)
			}
			cancelled = append(cancelled, a)
		}
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return 0, err
	}
	s.notifyAll(ctx, crm.EventCancelled, cancelled)
	span.SetAttributes(attribute.Int("actions.cancelled", len(cancelled)))
	return len(cancelled), nil
}

func (s *Service) notifyAll(ctx context.Context, event string, list []crm.ProposedAction) {
	for _, a := range list {
		s.notifier.ActionChanged(ctx, event, a)
	}
}
