package pipeline

import (
	"context"
	"fmt"
	"log"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/actions"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

// Composer fills draft actions with final content through their handlers.
type Composer struct {
	registry actions.Registry
	logger   *log.Logger
}

// NewComposer returns a composer over registry.
func NewComposer(registry actions.Registry, logger *log.Logger) *Composer {
	if logger == nil {
		logger = log.New(log.Writer(), "[COMPOSE] ", log.LstdFlags)
	}
	return &Composer{registry: registry, logger: logger}
}

// Compose runs every action's composition concurrently and returns the
// results in input order. A failed composition keeps the draft details and
// records compose_error in the action's metadata.
func (c *Composer) Compose(ctx context.Context, dc *crm.DealContext, drafts []crm.ProposedAction) []crm.ProposedAction {
	ctx, span := tracer.Start(ctx, "pipeline.compose", trace.WithAttributes(attribute.Int("compose.actions", len(drafts))))
	defer span.End()

	out := make([]crm.ProposedAction, len(drafts))
	var wg sync.WaitGroup
	for i := range drafts {
		if drafts[i].Type == crm.ActionNoAction {
			out[i] = drafts[i]
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i] = c.composeOne(ctx, dc, drafts[i].Clone())
		}(i)
	}
	wg.Wait()
	return out
}

func (c *Composer) composeOne(ctx context.Context, dc *crm.DealContext, a crm.ProposedAction) crm.ProposedAction {
	h, ok := c.registry.Get(a.Type)
	if !ok {
		return c.keepDraft(a, fmt.Errorf("no handler for %s", a.Type))
	}
	merged, err := c.run(ctx, h, dc, a)
	if err != nil {
		return c.keepDraft(a, err)
	}
	if conv, ok := h.(actions.Converter); ok {
		if replacement, converted := conv.Convert(a, merged); converted {
			c.logger.Printf("action %s: %s converted to %s", a.ID, a.Type, replacement.Type)
			return c.composeReplacement(ctx, dc, replacement)
		}
	}
	return c.finish(h, dc, a, merged)
}

// composeReplacement composes the action a conversion produced. Failure
// keeps the replacement's draft.
func (c *Composer) composeReplacement(ctx context.Context, dc *crm.DealContext, a crm.ProposedAction) crm.ProposedAction {
	h, ok := c.registry.Get(a.Type)
	if !ok {
		return c.keepDraft(a, fmt.Errorf("no handler for %s", a.Type))
	}
	merged, err := c.run(ctx, h, dc, a)
	if err != nil {
		return c.keepDraft(a, err)
	}
	return c.finish(h, dc, a, merged)
}

// run asks the handler for content and merges it over the draft details.
// A nil merge result means the kind composes nothing.
func (c *Composer) run(ctx context.Context, h actions.Handler, dc *crm.DealContext, a crm.ProposedAction) (crm.Details, error) {
	content, err := h.ComposeContent(ctx, a, dc)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return a.Details.Clone(), nil
	}
	return a.Details.Merge(actions.UnwrapResult(content)), nil
}

// finish re-validates merged details so composed content obeys the same
// ground-truth rules as the draft.
func (c *Composer) finish(h actions.Handler, dc *crm.DealContext, a crm.ProposedAction, merged crm.Details) crm.ProposedAction {
	candidate := a.Clone()
	candidate.Details = merged
	validated, err := h.ValidateDetails(candidate, dc, dc.GroundTruth())
	if err != nil {
		return c.keepDraft(a, fmt.Errorf("composed content rejected: %w", err))
	}
	candidate.Details = validated
	return candidate
}

func (c *Composer) keepDraft(a crm.ProposedAction, err error) crm.ProposedAction {
	c.logger.Printf("action %s (%s): composition failed, keeping draft: %v", a.ID, a.Type, err)
	a.SetMeta("compose_error", err.Error())
	return a
}

// ComposeModified composes every MODIFY decision over its merged details
// and returns the composed actions keyed by proposal id.
func (c *Composer) ComposeModified(ctx context.Context, dc *crm.DealContext, decisions []ProposalDecision) map[string]crm.ProposedAction {
	var drafts []crm.ProposedAction
	for _, d := range decisions {
		if d.Decision != DecisionModify {
			continue
		}
		original, ok := dc.OpenAction(d.ProposalID)
		if !ok {
			continue
		}
		a := original.Clone()
		a.Details = d.Merged.Clone()
		if d.ContentRequirement != "" {
			a.Details["content_requirement"] = d.ContentRequirement
		}
		if d.Reasoning != "" {
			a.Reasoning = d.Reasoning
		}
		drafts = append(drafts, a)
	}
	out := make(map[string]crm.ProposedAction, len(drafts))
	for _, a := range c.Compose(ctx, dc, drafts) {
		delete(a.Details, "content_requirement")
		out[a.ID] = a
	}
	return out
}
