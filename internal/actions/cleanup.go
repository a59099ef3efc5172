package actions

import (
	"context"
	"errors"
	"log"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

// Cleaner withdraws the side effects of an action. It never fails: every
// problem is logged and the affected record is left in place.
type Cleaner struct {
	registry Registry
	logger   *log.Logger
}

// NewCleaner builds a cleaner that consults registry for provider unwinding.
func NewCleaner(registry Registry, logger *log.Logger) *Cleaner {
	if logger == nil {
		logger = log.New(log.Writer(), "[CLEANUP] ", log.LstdFlags)
	}
	return &Cleaner{registry: registry, logger: logger}
}

// Unwind deletes the action's resulting records that are still
// pre-commitment and clears its references to them. Provider withdrawals
// (scheduled sends, calendar events) run after tx commits. Records that
// were already delivered, or could not be deleted, are kept and listed in
// the action's "retained_activity_ids" metadata.
func (c *Cleaner) Unwind(ctx context.Context, tx crm.Tx, a *crm.ProposedAction) {
	if len(a.ResultingActivities) == 0 {
		return
	}
	var unwinder Unwinder
	if h, ok := c.registry.Get(a.Type); ok {
		unwinder, _ = h.(Unwinder)
	}
	var retained []string
	for _, ref := range a.ResultingActivities {
		act, err := tx.GetActivity(ctx, ref.ID)
		if errors.Is(err, crm.ErrNotFound) {
			continue
		}
		if err != nil {
			c.logger.Printf("action %s: load activity %s failed: %v", a.ID, ref.ID, err)
			retained = append(retained, ref.ID)
			continue
		}
		if !act.Cleanable() {
			c.logger.Printf("action %s: activity %s (%s, %s) is not cleanable; leaving it", a.ID, act.ID, act.Kind, act.Status)
			retained = append(retained, act.ID)
			continue
		}
		if err := tx.DeleteActivity(ctx, act.ID); err != nil {
			c.logger.Printf("action %s: delete activity %s failed: %v", a.ID, act.ID, err)
			retained = append(retained, act.ID)
			continue
		}
		if unwinder != nil {
			c.withdrawAfterCommit(ctx, tx, unwinder, a.ID, act)
		}
	}
	a.ResultingActivities = nil
	if len(retained) > 0 {
		a.SetMeta("retained_activity_ids", retained)
	}
}

// withdrawAfterCommit cancels the provider side of act once the delete is
// durable. A rolled-back transaction keeps both the record and the send.
func (c *Cleaner) withdrawAfterCommit(ctx context.Context, tx crm.Tx, unwinder Unwinder, actionID string, act crm.Activity) {
	ctx = context.WithoutCancel(ctx)
	tx.AfterCommit(func() {
		if err := unwinder.Unwind(ctx, act); err != nil {
			c.logger.Printf("action %s: provider unwind of activity %s (ref %s) failed after delete: %v", actionID, act.ID, act.ExternalRef, err)
		}
	})
}

// ReleaseAttachments frees the action's attachments for reuse.
func (c *Cleaner) ReleaseAttachments(ctx context.Context, tx crm.Tx, a *crm.ProposedAction) {
	if len(a.AttachmentIDs) == 0 {
		return
	}
	if err := tx.ReleaseAttachments(ctx, a.ID, a.AttachmentIDs); err != nil {
		c.logger.Printf("action %s: release attachments failed: %v", a.ID, err)
		return
	}
	a.AttachmentIDs = nil
}
