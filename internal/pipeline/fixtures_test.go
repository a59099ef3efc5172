package pipeline

import (
	"bytes"
	"context"
	"log"
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/actions"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/comms/commstest"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm/crmtest"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm/llmtest"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/retry"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

type env struct {
	repo     *crmtest.Memory
	oracle   *llmtest.Scripted
	mailer   *commstest.Mailer
	calendar *commstest.Calendar
	registry *actions.HandlerRegistry
	notifier *recordingNotifier
	logs     *bytes.Buffer
}

type recordingNotifier struct {
	events []string
}

func (n *recordingNotifier) ActionChanged(_ context.Context, event string, a crm.ProposedAction) {
	n.events = append(n.events, event+":"+a.ID)
}

// newEnv seeds opp-1 with one contact and one inbound email (in-1).
func newEnv() *env {
	repo := crmtest.New()
	repo.Stages = []crm.PipelineStage{
		{ID: "s-disc", Name: "Discovery", Order: 1},
		{ID: "s-prop", Name: "Proposal", Order: 2},
	}
	repo.AddOpportunity(crm.Opportunity{ID: "opp-1", Name: "Acme rollout", StageID: "s-disc"})
	repo.AddContact("opp-1", crm.Contact{ID: "c-1", FirstName: "Dana", LastName: "Buyer", Email: "dana@acme.test"})
	repo.AddActivity(crm.Activity{
		ID: "in-1", OpportunityID: "opp-1", Kind: crm.KindEmail, Direction: crm.DirectionInbound,
		Subject: "Pricing", Body: "What does the enterprise tier cost?", ThreadID: "thr-1",
		OccurredAt: testNow.Add(-time.Hour), Status: crm.ActivityCompleted,
	})
	e := &env{
		repo:     repo,
		oracle:   llmtest.New(),
		mailer:   &commstest.Mailer{},
		calendar: &commstest.Calendar{},
		notifier: &recordingNotifier{},
		logs:     &bytes.Buffer{},
	}
	e.registry = actions.Default(actions.Deps{
		Oracle:   e.oracle,
		Mailer:   e.mailer,
		Calendar: e.calendar,
		Clock:    clock,
		Logger:   log.New(e.logs, "[ACTIONS] ", 0),
	})
	return e
}

func (e *env) service() *Service {
	return NewService(e.repo, e.oracle, e.registry, Options{
		ProposalPolicy:   retry.NoDelay(5),
		EvaluationPolicy: retry.NoDelay(3),
		Clock:            clock,
		Notifier:         e.notifier,
		Logger:           log.New(e.logs, "[PIPELINE] ", 0),
	})
}

func (e *env) proposer() *ProposalAgent {
	return NewProposalAgent(e.oracle, e.registry, retry.NoDelay(5), 0, log.New(e.logs, "[PROPOSAL] ", 0))
}

func (e *env) evaluator() *EvaluationAgent {
	return NewEvaluationAgent(e.oracle, e.registry, retry.NoDelay(3), log.New(e.logs, "[EVAL] ", 0))
}

func (e *env) composer() *Composer {
	return NewComposer(e.registry, log.New(e.logs, "[COMPOSE] ", 0))
}

func (e *env) dealContext() *crm.DealContext {
	dc, err := NewAssembler(e.repo, DefaultLimits(), clock).Assemble(context.Background(), "opp-1")
	if err != nil {
		panic(err)
	}
	return dc
}

// openEmail is a PROPOSED email replying to in-1.
func openEmail(id string) crm.ProposedAction {
	return crm.ProposedAction{
		ID:            id,
		OpportunityID: "opp-1",
		Type:          crm.ActionEmail,
		Status:        crm.StatusProposed,
		Details: crm.Details{
			"to":      []interface{}{"dana@acme.test"},
			"subject": "Pricing",
			"body":    "<p>Our enterprise tier is per seat.</p>",
		},
		Reasoning:         "answer the pricing question",
		Priority:          1,
		SourceActivityIDs: []string{"in-1"},
		CreatedBy:         crm.ActorOracle,
		LastEditedBy:      crm.ActorOracle,
		CreatedAt:         testNow.Add(-30 * time.Minute),
	}
}

func emailAction(to, subject string, sources ...string) map[string]interface{} {
	return map[string]interface{}{
		"type":                "EMAIL",
		"details":             map[string]interface{}{"to": []string{to}, "subject": subject},
		"reasoning":           "respond",
		"priority":            2,
		"source_activity_ids": sources,
	}
}

func taskAction(title string, priority int, sources ...string) map[string]interface{} {
	return map[string]interface{}{
		"type":                "TASK",
		"details":             map[string]interface{}{"title": title},
		"reasoning":           "follow up",
		"priority":            priority,
		"source_activity_ids": sources,
	}
}
