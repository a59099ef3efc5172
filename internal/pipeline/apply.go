package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/actions"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

// Outcome lists what one reconciliation changed.
type Outcome struct {
	Cancelled []crm.ProposedAction `json:"cancelled"`
	Modified  []crm.ProposedAction `json:"modified"`
	Created   []crm.ProposedAction `json:"created"`
	Events    []EventDecision      `json:"events"`
}

type applier struct {
	repo     crm.Repository
	registry actions.Registry
	cleaner  *actions.Cleaner
	logger   *log.Logger
}

// apply writes decisions and new actions in one transaction. Database
// errors roll everything back. Provider failures on events are logged and
// leave the event untouched, and events deleted since assembly are skipped.
func (ap *applier) apply(ctx context.Context, ev Evaluation, composed map[string]crm.ProposedAction, created []crm.ProposedAction) (Outcome, error) {
	var out Outcome
	err := ap.repo.WithTx(ctx, func(tx crm.Tx) error {
		out = Outcome{}
		for _, d := range ev.Proposals {
			switch d.Decision {
			case DecisionCancel:
				a, ok, err := ap.loadLive(ctx, tx, d.ProposalID)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				ap.cleaner.Unwind(ctx, tx, &a)
				ap.cleaner.ReleaseAttachments(ctx, tx, &a)
				if err := crm.Transition(&a, crm.StatusCancelled); err != nil {
					return err
				}
				a.LastEditedBy, a.LastEditedByID = crm.ActorOracle, ""
				if d.Reasoning != "" {
					a.SetMeta("cancel_reason", d.Reasoning)
				}
				if err := tx.UpdateAction(ctx, a); err != nil {
					return fmt.Errorf("cancel action %s: %w", a.ID, err)
				}
				out.Cancelled = append(out.Cancelled, a)
			case DecisionModify:
				a, ok, err := ap.loadLive(ctx, tx, d.ProposalID)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if len(a.ResultingActivities) > 0 {
					ap.cleaner.Unwind(ctx, tx, &a)
					if err := crm.Transition(&a, crm.StatusProposed); err != nil {
						return err
					}
					a.ApprovedBy = ""
					a.ExecutedAt = nil
				}
				next, ok := composed[a.ID]
				if !ok {
					next = a
					next.Details = d.Merged
				}
				a.Type = next.Type
				a.Details = next.Details
				if d.Reasoning != "" {
					a.Reasoning = d.Reasoning
				}
				for k, v := range next.Metadata {
					a.SetMeta(k, v)
				}
				a.LastEditedBy, a.LastEditedByID = crm.ActorOracle, ""
				if err := tx.UpdateAction(ctx, a); err != nil {
					return fmt.Errorf("modify action %s: %w", a.ID, err)
				}
				out.Modified = append(out.Modified, a)
			}
		}

		if err := ap.applyEvents(ctx, tx, ev.Events, &out); err != nil {
			return err
		}

		for _, a := range created {
			a := a.Clone()
			a.Status = crm.StatusProposed
			a.CreatedBy, a.LastEditedBy = crm.ActorOracle, crm.ActorOracle
			if err := tx.InsertAction(ctx, &a); err != nil {
				return fmt.Errorf("insert action: %w", err)
			}
			out.Created = append(out.Created, a)
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// loadLive locks an action and reports whether a decision can still apply
// to it. Actions closed since the context was assembled are skipped.
func (ap *applier) loadLive(ctx context.Context, tx crm.Tx, id string) (crm.ProposedAction, bool, error) {
	a, err := tx.GetActionForUpdate(ctx, id)
	if err != nil {
		return crm.ProposedAction{}, false, fmt.Errorf("lock action %s: %w", id, err)
	}
	if a.Status.Terminal() {
		ap.logger.Printf("action %s is %s, decision skipped", a.ID, a.Status)
		return a, false, nil
	}
	return a, true, nil
}

func (ap *applier) applyEvents(ctx context.Context, tx crm.Tx, decisions []EventDecision, out *Outcome) error {
	em, hasManager := actions.EventManagerOf(ap.registry)
	for _, d := range decisions {
		if d.Decision == DecisionKeep {
			continue
		}
		if !hasManager {
			ap.logger.Printf("event %s: no handler manages calendar events, %s skipped", d.EventID, d.Decision)
			continue
		}
		event, err := tx.GetActivity(ctx, d.EventID)
		if errors.Is(err, crm.ErrNotFound) {
			ap.logger.Printf("event %s is gone, %s skipped", d.EventID, d.Decision)
			continue
		}
		if err != nil {
			return fmt.Errorf("load event %s: %w", d.EventID, err)
		}
		if event.Status == crm.ActivityCancelled {
			continue
		}
		switch d.Decision {
		case DecisionCancel:
			err = em.CancelEvent(ctx, tx, event)
		case DecisionReschedule:
			err = em.RescheduleEvent(ctx, tx, event, *d.NewStart, time.Duration(d.DurationMinutes)*time.Minute)
		}
		if err != nil {
			ap.logger.Printf("event %s: %s failed: %v", event.ID, d.Decision, err)
			continue
		}
		out.Events = append(out.Events, d)
	}
	return nil
}
