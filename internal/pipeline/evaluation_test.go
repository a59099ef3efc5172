package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

func evalReply(proposals []interface{}, events []interface{}, needsNew bool) map[string]interface{} {
	if proposals == nil {
		proposals = []interface{}{}
	}
	if events == nil {
		events = []interface{}{}
	}
	return map[string]interface{}{
		"proposals":         proposals,
		"events":            events,
		"needs_new_actions": needsNew,
		"justification":     "test",
	}
}

func TestEvaluateValidatesDecisions(t *testing.T) {
	e := newEnv()
	e.repo.AddAction(openEmail("pa-1"))
	e.repo.AddAction(openEmail("pa-2"))
	e.repo.AddAction(openEmail("pa-3"))
	e.oracle.On("evaluation", evalReply([]interface{}{
		map[string]interface{}{"proposal_id": "pa-1", "decision": "modify", "patch": map[string]interface{}{"subject": "Updated", "to": nil}},
		map[string]interface{}{"proposal_id": "pa-2", "decision": "MODIFY", "patch": map[string]interface{}{"status": "APPROVED", "reasoning": "x"}},
		map[string]interface{}{"proposal_id": "pa-3", "decision": "MODIFY", "patch": map[string]interface{}{"to": []string{"stranger@evil.test"}}},
		map[string]interface{}{"proposal_id": "ghost", "decision": "CANCEL"},
	}, nil, false))

	ev, err := e.evaluator().Evaluate(context.Background(), e.dealContext(), "new reply")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(ev.Proposals) != 1 {
		t.Fatalf("expected only the valid MODIFY to survive, got %#v", ev.Proposals)
	}
	d := ev.Proposals[0]
	if d.ProposalID != "pa-1" || d.Decision != DecisionModify {
		t.Fatalf("unexpected decision %#v", d)
	}
	if d.Merged.String("subject") != "Updated" {
		t.Fatalf("patch must be applied, got %#v", d.Merged)
	}
	to, _ := d.Merged["to"].([]interface{})
	if len(to) != 1 || to[0] != "dana@acme.test" {
		t.Fatalf("null patch field must keep the original, got %v", d.Merged["to"])
	}
	// The merged details pass the same validation as a fresh action.
	h, _ := e.registry.Get(crm.ActionEmail)
	fresh := openEmail("fresh")
	fresh.Details = d.Merged
	if _, err := h.ValidateDetails(fresh, e.dealContext(), e.dealContext().GroundTruth()); err != nil {
		t.Fatalf("merged details must validate: %v", err)
	}
	req, _ := e.oracle.Last("evaluation")
	if got := req.Messages[1].Content; !strings.Contains(got, "Re-evaluation trigger: new reply") {
		t.Fatalf("trigger must reach the prompt")
	}
}

func TestEvaluateEventDecisions(t *testing.T) {
	e := newEnv()
	start := testNow.Add(24 * time.Hour)
	end := start.Add(time.Hour)
	e.repo.AddActivity(crm.Activity{ID: "meet-1", OpportunityID: "opp-1", Kind: crm.KindMeeting, StartAt: &start, EndAt: &end, Status: crm.ActivityScheduled, OccurredAt: testNow.Add(-time.Hour)})
	e.oracle.On("evaluation", evalReply(nil, []interface{}{
		map[string]interface{}{"event_id": "meet-1", "decision": "RESCHEDULE", "new_start": testNow.Add(-time.Hour).Format(time.RFC3339)},
		map[string]interface{}{"event_id": "meet-1", "decision": "RESCHEDULE", "new_start": testNow.Add(72 * time.Hour).Format(time.RFC3339), "duration_minutes": 45},
		map[string]interface{}{"event_id": "in-1", "decision": "CANCEL"},
	}, false))
	ev, err := e.evaluator().Evaluate(context.Background(), e.dealContext(), "")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(ev.Events) != 1 || ev.Events[0].DurationMinutes != 45 {
		t.Fatalf("expected only the future reschedule, got %#v", ev.Events)
	}
}

func TestEvaluateConservativeFallback(t *testing.T) {
	e := newEnv()
	e.repo.AddAction(openEmail("pa-1"))
	e.oracle.Fail("evaluation", errors.New("overloaded"))
	ev, err := e.evaluator().Evaluate(context.Background(), e.dealContext(), "")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if e.oracle.Calls("evaluation") != 3 {
		t.Fatalf("expected 3 attempts, got %d", e.oracle.Calls("evaluation"))
	}
	if !ev.Fallback || !ev.NeedsNewActions {
		t.Fatalf("fallback with recent activity must request new actions: %#v", ev)
	}
	if len(ev.Proposals) != 1 || ev.Proposals[0].Decision != DecisionKeep {
		t.Fatalf("fallback must keep everything: %#v", ev.Proposals)
	}

	quiet := newEnv()
	delete(quiet.repo.Activities, "in-1")
	quiet.repo.AddAction(openEmail("pa-1"))
	quiet.oracle.On("evaluation", map[string]interface{}{"unexpected": true})
	ev, err = quiet.evaluator().Evaluate(context.Background(), quiet.dealContext(), "")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ev.Fallback || ev.NeedsNewActions {
		t.Fatalf("fallback without recent activity must not request new actions: %#v", ev)
	}
}
