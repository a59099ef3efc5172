package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/retry"
)

func TestGenerateAnswersSingleInboundMessage(t *testing.T) {
	e := newEnv()
	reply := emailAction("dana@acme.test", "Re: Pricing", "in-1")
	reply["details"].(map[string]interface{})["reply_to_activity_id"] = "in-1"
	e.oracle.On("proposal", map[string]interface{}{"actions": []interface{}{reply}})
	e.oracle.On("compose.email", map[string]interface{}{"subject": "Re: Pricing", "body": "<p>Hi Dana, the enterprise tier is $40 per seat.</p>"})

	got, err := e.service().GenerateProposedActions(context.Background(), "opp-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one action, got %d", len(got))
	}
	a := got[0]
	if a.Type != crm.ActionEmail {
		t.Fatalf("expected a communication action, got %s", a.Type)
	}
	if len(a.SourceActivityIDs) != 1 || a.SourceActivityIDs[0] != "in-1" {
		t.Fatalf("action must reference the inbound message, got %v", a.SourceActivityIDs)
	}
	stored := e.repo.Action(a.ID)
	if stored.Status != crm.StatusProposed || stored.Details.String("thread_id") != "thr-1" {
		t.Fatalf("unexpected stored action %#v", stored)
	}
	if !strings.Contains(stored.Details.String("body"), "$40 per seat") {
		t.Fatalf("composed body missing: %#v", stored.Details)
	}
	if len(e.notifier.events) != 1 || e.notifier.events[0] != crm.EventProposed+":"+a.ID {
		t.Fatalf("expected a proposed event, got %v", e.notifier.events)
	}
}

func TestReEvaluateModifiesInsteadOfDuplicating(t *testing.T) {
	e := newEnv()
	e.repo.AddAction(openEmail("pa-open"))
	e.repo.AddActivity(crm.Activity{
		ID: "in-2", OpportunityID: "opp-1", Kind: crm.KindEmail, Direction: crm.DirectionInbound,
		Subject: "Re: Pricing", Body: "Also, can you go live by May?", ThreadID: "thr-1",
		OccurredAt: testNow.Add(-10 * time.Minute), Status: crm.ActivityCompleted,
	})
	e.oracle.On("evaluation", evalReply([]interface{}{
		map[string]interface{}{
			"proposal_id":         "pa-open",
			"decision":            "MODIFY",
			"reasoning":           "the reply adds a timeline question",
			"patch":               map[string]interface{}{"subject": "Re: Pricing and timeline", "to": nil},
			"content_requirement": "answer the May go-live question",
		},
	}, nil, false))
	e.oracle.On("compose.email", map[string]interface{}{"subject": "Re: Pricing and timeline", "body": "<p>Yes, May works.</p>"})

	res, err := e.service().ReEvaluateActions(context.Background(), "opp-1", "inbound reply")
	if err != nil {
		t.Fatalf("reevaluate: %v", err)
	}
	if res.Generated || len(res.Created) != 0 {
		t.Fatalf("a reply in the same thread must not create a new email: %#v", res)
	}
	if len(res.Modified) != 1 || res.Modified[0].ID != "pa-open" {
		t.Fatalf("expected pa-open modified, got %#v", res.Modified)
	}
	stored := e.repo.Action("pa-open")
	if stored.Details.String("subject") != "Re: Pricing and timeline" || stored.Details.String("body") != "<p>Yes, May works.</p>" {
		t.Fatalf("unexpected details %#v", stored.Details)
	}
	if _, leaked := stored.Details["content_requirement"]; leaked {
		t.Fatalf("content requirement must not be persisted")
	}
	if stored.Reasoning != "the reply adds a timeline question" || stored.LastEditedBy != crm.ActorOracle {
		t.Fatalf("bookkeeping not updated: %#v", stored)
	}
	emails := 0
	for _, a := range e.repo.Actions {
		if a.Type == crm.ActionEmail {
			emails++
		}
	}
	if emails != 1 {
		t.Fatalf("expected a single email action, got %d", emails)
	}
	req, _ := e.oracle.Last("compose.email")
	if !strings.Contains(req.Messages[1].Content, "answer the May go-live question") {
		t.Fatalf("content requirement must reach composition")
	}
}

func TestReEvaluateWithoutOpenWorkGenerates(t *testing.T) {
	e := newEnv()
	e.oracle.On("proposal", map[string]interface{}{"actions": []interface{}{taskAction("Prepare quote", 1, "in-1")}})
	e.oracle.On("compose.task", map[string]interface{}{"description": "Draft the quote."})
	res, err := e.service().ReEvaluateActions(context.Background(), "opp-1", "")
	if err != nil {
		t.Fatalf("reevaluate: %v", err)
	}
	if !res.Generated || len(res.Created) != 1 || e.oracle.Calls("evaluation") != 0 {
		t.Fatalf("expected direct generation, got %#v", res)
	}
}

func TestReEvaluateCancelUnwindsScheduledResult(t *testing.T) {
	e := newEnv()
	executed := openEmail("pa-exec")
	executed.Status = crm.StatusExecuted
	executed.ApprovedBy = "u-1"
	executed.AttachmentIDs = []string{"att-1"}
	executed.ResultingActivities = []crm.ActivityRef{{ID: "res-1", Kind: crm.KindEmail}}
	e.repo.AddAction(executed)
	e.repo.AddActivity(crm.Activity{ID: "res-1", OpportunityID: "opp-1", Kind: crm.KindEmail, Status: crm.ActivityScheduled, OriginActionID: "pa-exec", ExternalRef: "mail-9", OccurredAt: testNow.Add(-time.Minute)})
	e.oracle.On("evaluation", evalReply([]interface{}{
		map[string]interface{}{"proposal_id": "pa-exec", "decision": "CANCEL", "reasoning": "buyer went quiet"},
	}, nil, false))

	res, err := e.service().ReEvaluateActions(context.Background(), "opp-1", "")
	if err != nil {
		t.Fatalf("reevaluate: %v", err)
	}
	if len(res.Cancelled) != 1 {
		t.Fatalf("expected one cancellation, got %#v", res)
	}
	stored := e.repo.Action("pa-exec")
	if stored.Status != crm.StatusCancelled || len(stored.ResultingActivities) != 0 {
		t.Fatalf("unexpected action after cancel %#v", stored)
	}
	if _, ok := e.repo.Activity("res-1"); ok {
		t.Fatalf("scheduled result must be deleted")
	}
	if len(e.mailer.Cancelled) != 1 || e.mailer.Cancelled[0] != "mail-9" {
		t.Fatalf("scheduled send must be withdrawn: %v", e.mailer.Cancelled)
	}
	if _, held := e.repo.Attachments["att-1"]; held {
		t.Fatalf("attachments must be released")
	}
}

func TestReEvaluateModifyResetsExecutedAction(t *testing.T) {
	e := newEnv()
	executed := openEmail("pa-exec")
	executed.Status = crm.StatusExecuted
	executed.ApprovedBy = "u-1"
	executed.ResultingActivities = []crm.ActivityRef{{ID: "res-1", Kind: crm.KindEmail}}
	e.repo.AddAction(executed)
	e.repo.AddActivity(crm.Activity{ID: "res-1", OpportunityID: "opp-1", Kind: crm.KindEmail, Status: crm.ActivityScheduled, OriginActionID: "pa-exec", OccurredAt: testNow.Add(-time.Minute)})
	e.oracle.On("evaluation", evalReply([]interface{}{
		map[string]interface{}{"proposal_id": "pa-exec", "decision": "MODIFY", "patch": map[string]interface{}{"subject": "Revised"}},
	}, nil, false))
	e.oracle.Fail("compose.email", errors.New("compose down"))

	if _, err := e.service().ReEvaluateActions(context.Background(), "opp-1", ""); err != nil {
		t.Fatalf("reevaluate: %v", err)
	}
	stored := e.repo.Action("pa-exec")
	if stored.Status != crm.StatusProposed || stored.ApprovedBy != "" || len(stored.ResultingActivities) != 0 {
		t.Fatalf("executed action must be reset to PROPOSED: %#v", stored)
	}
	if stored.Details.String("subject") != "Revised" {
		t.Fatalf("merged details must be written even when composition fails: %#v", stored.Details)
	}
	if stored.MetaString("compose_error") == "" {
		t.Fatalf("composition failure must be recorded")
	}
}

func TestReEvaluateAppliesEventDecisions(t *testing.T) {
	e := newEnv()
	start := testNow.Add(24 * time.Hour)
	end := start.Add(time.Hour)
	e.repo.AddActivity(crm.Activity{ID: "meet-1", OpportunityID: "opp-1", Kind: crm.KindMeeting, Subject: "Demo", StartAt: &start, EndAt: &end, Status: crm.ActivityScheduled, ExternalRef: "cal-ext-1", OccurredAt: testNow.Add(-time.Hour)})
	e.repo.AddActivity(crm.Activity{ID: "meet-2", OpportunityID: "opp-1", Kind: crm.KindMeeting, Subject: "Review", StartAt: &start, EndAt: &end, Status: crm.ActivityScheduled, ExternalRef: "cal-ext-2", OccurredAt: testNow.Add(-time.Hour)})
	newStart := testNow.Add(72 * time.Hour)
	e.oracle.On("evaluation", evalReply(nil, []interface{}{
		map[string]interface{}{"event_id": "meet-1", "decision": "RESCHEDULE", "new_start": newStart.Format(time.RFC3339)},
		map[string]interface{}{"event_id": "meet-2", "decision": "CANCEL"},
	}, false))

	res, err := e.service().ReEvaluateActions(context.Background(), "opp-1", "")
	if err != nil {
		t.Fatalf("reevaluate: %v", err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("expected both event decisions applied, got %#v", res.Events)
	}
	moved, _ := e.repo.Activity("meet-1")
	if !moved.StartAt.Equal(newStart) || !moved.EndAt.Equal(newStart.Add(time.Hour)) {
		t.Fatalf("reschedule must keep the length: %v-%v", moved.StartAt, moved.EndAt)
	}
	if ev, ok := e.calendar.Updated["cal-ext-1"]; !ok || !ev.Start.Equal(newStart) {
		t.Fatalf("provider event must be updated: %#v", e.calendar.Updated)
	}
	cancelled, _ := e.repo.Activity("meet-2")
	if cancelled.Status != crm.ActivityCancelled || len(e.calendar.Cancelled) != 1 {
		t.Fatalf("cancel must reach provider and record: %#v", cancelled)
	}
}

func TestReEvaluateFallbackRequestsNewActions(t *testing.T) {
	e := newEnv()
	e.repo.AddAction(openEmail("pa-open"))
	e.oracle.Fail("evaluation", errors.New("down"))
	e.oracle.On("proposal", map[string]interface{}{"actions": []interface{}{taskAction("Check in", 2, "in-1")}})
	e.oracle.On("compose.task", map[string]interface{}{"description": "Check in with Dana."})

	res, err := e.service().ReEvaluateActions(context.Background(), "opp-1", "")
	if err != nil {
		t.Fatalf("reevaluate: %v", err)
	}
	if !res.Evaluation.Fallback || len(res.Created) != 1 || len(res.Cancelled) != 0 || len(res.Modified) != 0 {
		t.Fatalf("unexpected fallback outcome %#v", res)
	}
	if e.repo.Action("pa-open").Status != crm.StatusProposed {
		t.Fatalf("fallback must keep open actions")
	}
}

func TestCancelAllOpen(t *testing.T) {
	e := newEnv()
	e.repo.AddAction(openEmail("pa-1"))
	withAttachment := openEmail("pa-2")
	withAttachment.AttachmentIDs = []string{"att-2"}
	e.repo.AddAction(withAttachment)
	approved := openEmail("pa-3")
	approved.Status = crm.StatusApproved
	e.repo.AddAction(approved)

	n, err := e.service().CancelAllOpen(context.Background(), "opp-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 cancelled, got %d", n)
	}
	if e.repo.Action("pa-1").Status != crm.StatusCancelled || e.repo.Action("pa-2").Status != crm.StatusCancelled {
		t.Fatalf("proposed actions must be cancelled")
	}
	if e.repo.Action("pa-3").Status != crm.StatusApproved {
		t.Fatalf("approved actions are not bulk-cancelled")
	}
	if _, held := e.repo.Attachments["att-2"]; held {
		t.Fatalf("attachments must be released")
	}
	if n, _ := e.service().CancelAllOpen(context.Background(), "opp-1"); n != 0 {
		t.Fatalf("second run must cancel nothing, got %d", n)
	}
}

type busyLocker struct{ acquired []string }

var errBusy = errors.New("busy")

func (b *busyLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	b.acquired = append(b.acquired, key)
	return nil, errBusy
}

func TestServiceRespectsLocker(t *testing.T) {
	e := newEnv()
	locker := &busyLocker{}
	svc := NewService(e.repo, e.oracle, e.registry, Options{ProposalPolicy: retry.NoDelay(1), Clock: clock, Locker: locker})
	if _, err := svc.GenerateProposedActions(context.Background(), "opp-1"); !errors.Is(err, errBusy) {
		t.Fatalf("expected lock error, got %v", err)
	}
	if len(locker.acquired) != 1 || locker.acquired[0] != "dealflow:opportunity:opp-1" {
		t.Fatalf("unexpected lock keys %v", locker.acquired)
	}
	if e.oracle.Calls("proposal") != 0 {
		t.Fatalf("no work may happen without the lock")
	}
}
