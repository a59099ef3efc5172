// Package execution carries approved actions out exactly once and records
// what they produced, with compensating cleanup when they fail.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/actions"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

var tracer trace.Tracer = otel.Tracer("dealflow/internal/execution")

// Result is the structured outcome of Execute.
type Result struct {
	Success    bool             `json:"success"`
	ActionID   string           `json:"action_id"`
	Type       crm.ActionType   `json:"type,omitempty"`
	ExecutedAt *time.Time       `json:"executed_at,omitempty"`
	Details    crm.Details      `json:"details,omitempty"`
	Activity   *crm.ActivityRef `json:"activity,omitempty"`
	Summary    string           `json:"summary,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// Service executes, approves and rejects actions.
type Service struct {
	repo     crm.Repository
	registry actions.Registry
	cleaner  *actions.Cleaner
	notifier crm.Notifier
	clock    func() time.Time
	logger   *log.Logger
}

// NewService wires the execution service. notifier and clock may be nil.
func NewService(repo crm.Repository, registry actions.Registry, notifier crm.Notifier, clock func() time.Time) *Service {
	if notifier == nil {
		notifier = crm.NopNotifier{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		repo:     repo,
		registry: registry,
		cleaner:  actions.NewCleaner(registry, nil),
		notifier: notifier,
		clock:    clock,
		logger:   log.New(log.Writer(), "[EXEC] ", log.LstdFlags),
	}
}

// Execute runs an APPROVED action inside one transaction. An action in any
// other status fails with *crm.StateConflictError and nothing happens. When
// the handler fails the action is marked REJECTED and the returned error is
// a *crm.ExecutionError wrapping the cause.
func (s *Service) Execute(ctx context.Context, actionID, actorID string) (Result, error) {
	ctx, span := tracer.Start(ctx, "execution.execute", trace.WithAttributes(attribute.String("action.id", actionID)))
	defer span.End()

	a, err := s.repo.GetAction(ctx, actionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{ActionID: actionID, Error: err.Error()}, err
	}
	span.SetAttributes(attribute.String("action.type", string(a.Type)))
	if err := crm.ExpectStatus(a, crm.StatusApproved); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{ActionID: a.ID, Type: a.Type, Error: err.Error()}, err
	}
	h, ok := s.registry.Get(a.Type)
	if !ok {
		return s.fail(ctx, span, a, fmt.Errorf("no handler registered for %s", a.Type))
	}

	var (
		executed crm.ProposedAction
		res      actions.ExecResult
	)
	err = s.repo.WithTx(ctx, func(tx crm.Tx) error {
		cur, err := tx.GetActionForUpdate(ctx, actionID)
		if err != nil {
			return precheckError{err}
		}
		if err := crm.ExpectStatus(cur, crm.StatusApproved); err != nil {
			return precheckError{err}
		}
		res, err = h.Execute(ctx, cur, actorID, tx)
		if err != nil {
			return err
		}
		if res.Activity != nil {
			if err := tx.SetActivityOrigin(ctx, res.Activity.ID, cur.ID); err != nil {
				return fmt.Errorf("link resulting activity: %w", err)
			}
			cur.ResultingActivities = append(cur.ResultingActivities, *res.Activity)
		}
		if err := crm.Transition(&cur, crm.StatusExecuted); err != nil {
			return err
		}
		now := s.clock().UTC()
		cur.ExecutedAt = &now
		cur.LastEditedBy, cur.LastEditedByID = crm.ActorHuman, actorID
		if res.Summary != "" {
			cur.SetMeta("execution_summary", res.Summary)
		}
		if err := tx.UpdateAction(ctx, cur); err != nil {
			return fmt.Errorf("mark executed: %w", err)
		}
		executed = cur
		return nil
	})
	if err != nil {
		var pre precheckError
		if errors.As(err, &pre) {
			span.SetStatus(codes.Error, pre.err.Error())
			return Result{ActionID: a.ID, Type: a.Type, Error: pre.err.Error()}, pre.err
		}
		return s.fail(ctx, span, a, err)
	}

	countExecution(ctx, a.Type, "executed")
	s.notifier.ActionChanged(ctx, crm.EventExecuted, executed)
	s.logger.Printf("action %s (%s) executed by %s", executed.ID, executed.Type, actorID)
	return Result{
		Success:    true,
		ActionID:   executed.ID,
		Type:       executed.Type,
		ExecutedAt: executed.ExecutedAt,
		Details:    executed.Details,
		Activity:   res.Activity,
		Summary:    res.Summary,
	}, nil
}

// precheckError marks a lookup or status failure on the locked row. Those
// leave the action untouched; every later error goes through fail.
type precheckError struct{ err error }

func (e precheckError) Error() string { return e.err.Error() }
func (e precheckError) Unwrap() error { return e.err }

// fail marks the action REJECTED in its own transaction and returns the
// structured failure.
func (s *Service) fail(ctx context.Context, span trace.Span, a crm.ProposedAction, cause error) (Result, error) {
	execErr := &crm.ExecutionError{ActionID: a.ID, Type: a.Type, Err: cause}
	span.RecordError(execErr)
	span.SetStatus(codes.Error, execErr.Error())
	s.logger.Printf("action %s (%s) failed: %v", a.ID, a.Type, cause)

	var rejected crm.ProposedAction
	err := s.repo.WithTx(ctx, func(tx crm.Tx) error {
		cur, err := tx.GetActionForUpdate(ctx, a.ID)
		if err != nil {
			return err
		}
		s.cleaner.Unwind(ctx, tx, &cur)
		s.cleaner.ReleaseAttachments(ctx, tx, &cur)
		if err := crm.Transition(&cur, crm.StatusRejected); err != nil {
			return err
		}
		now := s.clock().UTC()
		cur.FailedAt = &now
		cur.FailureReason = cause.Error()
		if err := tx.UpdateAction(ctx, cur); err != nil {
			return err
		}
		rejected = cur
		return nil
	})
	if err != nil {
		s.logger.Printf("action %s: recording failure failed: %v", a.ID, err)
	} else {
		s.notifier.ActionChanged(ctx, crm.EventRejected, rejected)
	}
	countExecution(ctx, a.Type, "failed")
	return Result{ActionID: a.ID, Type: a.Type, Error: cause.Error()}, execErr
}

// Approve moves a PROPOSED action to APPROVED.
func (s *Service) Approve(ctx context.Context, actionID, approverID string) (crm.ProposedAction, error) {
	ctx, span := tracer.Start(ctx, "execution.approve", trace.WithAttributes(attribute.String("action.id", actionID)))
	defer span.End()

	var approved crm.ProposedAction
	err := s.repo.WithTx(ctx, func(tx crm.Tx) error {
		cur, err := tx.GetActionForUpdate(ctx, actionID)
		if err != nil {
			return err
		}
		if err := crm.ExpectStatus(cur, crm.StatusProposed); err != nil {
			return err
		}
		if err := crm.Transition(&cur, crm.StatusApproved); err != nil {
			return err
		}
		cur.ApprovedBy = approverID
		cur.LastEditedBy, cur.LastEditedByID = crm.ActorHuman, approverID
		if err := tx.UpdateAction(ctx, cur); err != nil {
			return err
		}
		approved = cur
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return crm.ProposedAction{}, err
	}
	s.notifier.ActionChanged(ctx, crm.EventApproved, approved)
	return approved, nil
}

// Reject moves a PROPOSED action to REJECTED and releases what it holds.
func (s *Service) Reject(ctx context.Context, actionID, actorID, reason string) (crm.ProposedAction, error) {
	ctx, span := tracer.Start(ctx, "execution.reject", trace.WithAttributes(attribute.String("action.id", actionID)))
	defer span.End()

	var rejected crm.ProposedAction
	err := s.repo.WithTx(ctx, func(tx crm.Tx) error {
		cur, err := tx.GetActionForUpdate(ctx, actionID)
		if err != nil {
			return err
		}
		if err := crm.ExpectStatus(cur, crm.StatusProposed); err != nil {
			return err
		}
		s.cleaner.Unwind(ctx, tx, &cur)
		s.cleaner.ReleaseAttachments(ctx, tx, &cur)
		if err := crm.Transition(&cur, crm.StatusRejected); err != nil {
			return err
		}
		cur.LastEditedBy, cur.LastEditedByID = crm.ActorHuman, actorID
		if reason != "" {
			cur.SetMeta("reject_reason", reason)
		}
		if err := tx.UpdateAction(ctx, cur); err != nil {
			return err
		}
		rejected = cur
		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return crm.ProposedAction{}, err
	}
	s.notifier.ActionChanged(ctx, crm.EventRejected, rejected)
	return rejected, nil
}
