package actions

import (
	"bytes"
	"context"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

func TestCleanerDeletesOnlyCleanableRecords(t *testing.T) {
	f := newFixture()
	f.repo.AddActivity(crm.Activity{ID: "res-sched", OpportunityID: "opp-1", Kind: crm.KindEmail, Status: crm.ActivityScheduled, ExternalRef: "mail-77"})
	f.repo.AddActivity(crm.Activity{ID: "res-sent", OpportunityID: "opp-1", Kind: crm.KindEmail, Status: crm.ActivitySent})
	var buf bytes.Buffer
	c := NewCleaner(f.registry(), log.New(&buf, "[CLEANUP] ", 0))

	a := draft(crm.ActionEmail, crm.Details{})
	a.ResultingActivities = []crm.ActivityRef{{ID: "res-sched", Kind: crm.KindEmail}, {ID: "res-sent", Kind: crm.KindEmail}, {ID: "res-gone", Kind: crm.KindEmail}}
	ctx := context.Background()
	if err := f.repo.WithTx(ctx, func(tx crm.Tx) error {
		c.Unwind(ctx, tx, &a)
		return nil
	}); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if _, ok := f.repo.Activity("res-sched"); ok {
		t.Fatalf("scheduled email must be deleted")
	}
	if _, ok := f.repo.Activity("res-sent"); !ok {
		t.Fatalf("sent email must be kept")
	}
	if len(f.mailer.Cancelled) != 1 || f.mailer.Cancelled[0] != "mail-77" {
		t.Fatalf("scheduled send must be withdrawn, got %v", f.mailer.Cancelled)
	}
	if len(a.ResultingActivities) != 0 {
		t.Fatalf("references must be cleared")
	}
	if ids, _ := a.Metadata["retained_activity_ids"].([]string); len(ids) != 1 || ids[0] != "res-sent" {
		t.Fatalf("expected sent record retained, got %v", a.Metadata)
	}
	if !strings.Contains(buf.String(), "not cleanable") {
		t.Fatalf("non-cleanable record must be logged: %s", buf.String())
	}
}

func TestCleanerSwallowsFailures(t *testing.T) {
	f := newFixture()
	f.repo.AddActivity(crm.Activity{ID: "res-task", OpportunityID: "opp-1", Kind: crm.KindTask, Status: crm.ActivityScheduled})
	f.repo.FailDeleteActivity = errors.New("disk full")
	f.repo.FailReleaseAttachments = errors.New("locked")
	c := NewCleaner(f.registry(), log.New(&bytes.Buffer{}, "", 0))

	a := draft(crm.ActionTask, crm.Details{})
	a.ResultingActivities = []crm.ActivityRef{{ID: "res-task", Kind: crm.KindTask}}
	a.AttachmentIDs = []string{"att-1"}
	ctx := context.Background()
	err := f.repo.WithTx(ctx, func(tx crm.Tx) error {
		c.Unwind(ctx, tx, &a)
		c.ReleaseAttachments(ctx, tx, &a)
		return nil
	})
	if err != nil {
		t.Fatalf("cleanup failures must not fail the transaction: %v", err)
	}
	if len(a.AttachmentIDs) != 1 {
		t.Fatalf("failed release must keep attachment ids")
	}
}

func TestCleanerWithdrawsOnlyAfterCommit(t *testing.T) {
	f := newFixture()
	f.repo.AddActivity(crm.Activity{ID: "res-sched", OpportunityID: "opp-1", Kind: crm.KindEmail, Status: crm.ActivityScheduled, ExternalRef: "mail-77"})
	c := NewCleaner(f.registry(), log.New(&bytes.Buffer{}, "", 0))

	a := draft(crm.ActionEmail, crm.Details{})
	a.ResultingActivities = []crm.ActivityRef{{ID: "res-sched", Kind: crm.KindEmail}}
	ctx := context.Background()
	abort := errors.New("later write failed")
	err := f.repo.WithTx(ctx, func(tx crm.Tx) error {
		c.Unwind(ctx, tx, &a)
		if len(f.mailer.Cancelled) != 0 {
			t.Fatalf("provider must not be called before commit")
		}
		return abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if len(f.mailer.Cancelled) != 0 {
		t.Fatalf("rolled-back cleanup must not withdraw the send, got %v", f.mailer.Cancelled)
	}
	if _, ok := f.repo.Activity("res-sched"); !ok {
		t.Fatalf("rolled-back cleanup must keep the record")
	}
}
