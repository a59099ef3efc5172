package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

// Limits bound how much history the assembler loads.
type Limits struct {
	ActivitiesPerKind int
	FutureEvents      int
}

// DefaultLimits are 15 activities per kind and 20 future events.
func DefaultLimits() Limits {
	return Limits{ActivitiesPerKind: 15, FutureEvents: 20}
}

// Assembler builds the DealContext every agent reasons over.
type Assembler struct {
	repo   crm.Reader
	limits Limits
	clock  func() time.Time
	logger *log.Logger
}

// NewAssembler wires an assembler over repo.
func NewAssembler(repo crm.Reader, limits Limits, clock func() time.Time) *Assembler {
	if limits.ActivitiesPerKind <= 0 {
		limits.ActivitiesPerKind = DefaultLimits().ActivitiesPerKind
	}
	if limits.FutureEvents <= 0 {
		limits.FutureEvents = DefaultLimits().FutureEvents
	}
	if clock == nil {
		clock = time.Now
	}
	return &Assembler{
		repo:   repo,
		limits: limits,
		clock:  clock,
		logger: log.New(log.Writer(), "[CONTEXT] ", log.LstdFlags),
	}
}

// Assemble loads the snapshot for one opportunity. A missing opportunity
// yields an error wrapping crm.ErrNotFound.
func (a *Assembler) Assemble(ctx context.Context, opportunityID string) (*crm.DealContext, error) {
	ctx, span := tracer.Start(ctx, "pipeline.assemble", trace.WithAttributes(attribute.String("opportunity.id", opportunityID)))
	defer span.End()

	opp, err := a.repo.GetOpportunity(ctx, opportunityID)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("assemble context: %w", err)
	}
	now := a.clock().UTC()
	dc := &crm.DealContext{
		Opportunity:  opp,
		Intelligence: opp.Intelligence,
		AssembledAt:  now,
	}

	stages, err := a.repo.ListPipelineStages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pipeline stages: %w", err)
	}
	dc.Stages = stages
	if stage, ok := dc.StageByRef(opp.StageID); ok {
		dc.Stage = stage
	} else {
		a.logger.Printf("opportunity %s: stage %q is not configured", opp.ID, opp.StageID)
		dc.Stage = crm.PipelineStage{ID: opp.StageID, Name: opp.StageID}
	}

	contacts, err := a.repo.ListContacts(ctx, opp.ID)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	for _, c := range contacts {
		intel, err := a.repo.EnsureContactIntelligence(ctx, opp.ID, c.ID)
		if err != nil {
			return nil, fmt.Errorf("contact intelligence %s: %w", c.ID, err)
		}
		dc.Contacts = append(dc.Contacts, crm.ContactContext{Contact: c, Intelligence: intel})
	}

	for _, kind := range crm.ActivityKinds() {
		recent, err := a.repo.ListRecentActivities(ctx, opp.ID, kind, now, a.limits.ActivitiesPerKind)
		if err != nil {
			return nil, fmt.Errorf("list %s activities: %w", kind, err)
		}
		dc.Activities = append(dc.Activities, recent...)
	}
	sortNewestFirst(dc.Activities)

	dc.FutureEvents, err = a.repo.ListFutureEvents(ctx, opp.ID, now, a.limits.FutureEvents)
	if err != nil {
		return nil, fmt.Errorf("list future events: %w", err)
	}

	open, err := a.repo.ListActions(ctx, opp.ID, crm.StatusProposed, crm.StatusApproved)
	if err != nil {
		return nil, fmt.Errorf("list open actions: %w", err)
	}
	pending, err := a.repo.ListActionsWithPendingResults(ctx, opp.ID)
	if err != nil {
		return nil, fmt.Errorf("list actions with pending results: %w", err)
	}
	dc.OpenActions = unionByID(open, pending)

	span.SetAttributes(
		attribute.Int("context.activities", len(dc.Activities)),
		attribute.Int("context.future_events", len(dc.FutureEvents)),
		attribute.Int("context.open_actions", len(dc.OpenActions)),
	)
	return dc, nil
}

func sortNewestFirst(acts []crm.Activity) {
	sort.SliceStable(acts, func(i, j int) bool {
		if !acts[i].OccurredAt.Equal(acts[j].OccurredAt) {
			return acts[i].OccurredAt.After(acts[j].OccurredAt)
		}
		return acts[i].ID < acts[j].ID
	})
}

func unionByID(lists ...[]crm.ProposedAction) []crm.ProposedAction {
	seen := make(map[string]bool)
	var out []crm.ProposedAction
	for _, list := range lists {
		for _, a := range list {
			if seen[a.ID] {
				continue
			}
			seen[a.ID] = true
			out = append(out, a)
		}
	}
	return out
}
