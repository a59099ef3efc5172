package actions

import (
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/comms/commstest"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm/crmtest"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm/llmtest"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func ptrTime(t time.Time) *time.Time { return &t }

type fixture struct {
	dc       *crm.DealContext
	gt       crm.GroundTruth
	repo     *crmtest.Memory
	oracle   *llmtest.Scripted
	mailer   *commstest.Mailer
	calendar *commstest.Calendar
	deps     Deps
}

func newFixture() *fixture {
	opp := crm.Opportunity{ID: "opp-1", Name: "Acme rollout", StageID: "s-disc"}
	stages := []crm.PipelineStage{
		{ID: "s-disc", Name: "Discovery", Order: 1},
		{ID: "s-prop", Name: "Proposal", Order: 2},
		{ID: "s-won", Name: "Closed Won", Order: 3, Closed: true},
	}
	meetingStart := testNow.Add(48 * time.Hour)
	meetingEnd := meetingStart.Add(time.Hour)
	activities := []crm.Activity{
		{ID: "act-email", OpportunityID: "opp-1", Kind: crm.KindEmail, Subject: "Pricing question", Body: "What does the enterprise tier cost for 200 seats?", Direction: crm.DirectionInbound, ThreadID: "thr-1", OccurredAt: testNow.Add(-2 * time.Hour), Status: crm.ActivityCompleted},
		{ID: "act-call", OpportunityID: "opp-1", Kind: crm.KindCall, Subject: "Intro call", Body: "Budget approved by the CFO for Q3 rollout", OccurredAt: testNow.Add(-72 * time.Hour), Status: crm.ActivityCompleted},
	}
	future := []crm.Activity{
		{ID: "act-meet", OpportunityID: "opp-1", Kind: crm.KindMeeting, Subject: "Demo", StartAt: &meetingStart, EndAt: &meetingEnd, Status: crm.ActivityScheduled, ExternalRef: "cal-ext-1"},
	}
	dc := &crm.DealContext{
		Opportunity: opp,
		Stage:       stages[0],
		Stages:      stages,
		Contacts: []crm.ContactContext{
			{Contact: crm.Contact{ID: "c-1", FirstName: "Dana", LastName: "Buyer", Email: "dana@acme.test"}},
			{Contact: crm.Contact{ID: "c-2", FirstName: "Chris", LastName: "Finance", Email: "CFO@acme.test"}},
		},
		Activities:   activities,
		FutureEvents: future,
		AssembledAt:  testNow,
	}

	repo := crmtest.New()
	repo.Stages = stages
	repo.AddOpportunity(opp)
	for _, a := range append(append([]crm.Activity(nil), activities...), future...) {
		repo.AddActivity(a)
	}

	f := &fixture{
		dc:       dc,
		gt:       dc.GroundTruth(),
		repo:     repo,
		oracle:   llmtest.New(),
		mailer:   &commstest.Mailer{},
		calendar: &commstest.Calendar{},
	}
	f.deps = Deps{
		Oracle:   f.oracle,
		Mailer:   f.mailer,
		Calendar: f.calendar,
		Clock:    func() time.Time { return testNow },
	}
	return f
}

func (f *fixture) registry() *HandlerRegistry { return Default(f.deps) }

func draft(t crm.ActionType, details crm.Details) crm.ProposedAction {
	return crm.ProposedAction{
		ID:                "pa-1",
		OpportunityID:     "opp-1",
		Type:              t,
		Status:            crm.StatusApproved,
		Details:           details,
		Priority:          1,
		SourceActivityIDs: []string{"act-email"},
	}
}
