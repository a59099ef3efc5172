package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/actions"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/retry"
)

// MaxProposedActions caps one proposal round.
const MaxProposedActions = 5

var proposalEnvelope = llm.MustCompileSchema("proposal_envelope", json.RawMessage(`{
  "type": "object",
  "required": ["actions"],
  "properties": {"actions": {"type": "array", "items": {"type": "object"}}}
}`))

type proposalOutput struct {
	Actions []rawAction `json:"actions"`
}

type rawAction struct {
	Type              string      `json:"type"`
	Details           crm.Details `json:"details"`
	Reasoning         string      `json:"reasoning"`
	Priority          int         `json:"priority"`
	SourceActivityIDs []string    `json:"source_activity_ids"`
}

// ProposalAgent turns a deal context into validated draft actions.
type ProposalAgent struct {
	oracle     llm.Oracle
	registry   actions.Registry
	policy     retry.Policy
	maxActions int
	logger     *log.Logger
}

// NewProposalAgent builds an agent; maxActions <= 0 means MaxProposedActions.
func NewProposalAgent(oracle llm.Oracle, registry actions.Registry, policy retry.Policy, maxActions int, logger *log.Logger) *ProposalAgent {
	if maxActions <= 0 || maxActions > MaxProposedActions {
		maxActions = MaxProposedActions
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[PROPOSAL] ", log.LstdFlags)
	}
	return &ProposalAgent{oracle: oracle, registry: registry, policy: policy, maxActions: maxActions, logger: logger}
}

// Propose asks the oracle for actions and keeps the ones that survive
// validation. When every attempt comes back empty it returns a single
// manual-review task instead of an error. Only context cancellation is
// returned as an error.
func (p *ProposalAgent) Propose(ctx context.Context, dc *crm.DealContext) ([]crm.ProposedAction, error) {
	ctx, span := tracer.Start(ctx, "pipeline.propose", trace.WithAttributes(attribute.String("opportunity.id", dc.Opportunity.ID)))
	defer span.End()

	gt := dc.GroundTruth()
	schema := actions.UnionSchema(p.registry, p.maxActions)
	base := []llm.Message{
		{Role: llm.RoleSystem, Content: proposalSystem(p.registry)},
		{Role: llm.RoleUser, Content: "Deal context:\n" + renderContext(dc)},
	}

	var (
		accepted []crm.ProposedAction
		lastErr  error
	)
	err := p.policy.Do(ctx, func(attempt, remaining int) error {
		msgs := base
		if attempt > 1 && lastErr != nil {
			msgs = append(append([]llm.Message(nil), base...), llm.Message{Role: llm.RoleUser, Content: retryMessage(lastErr.Error(), remaining+1)})
		}
		resp, err := p.oracle.Generate(ctx, llm.Request{
			Operation:  "proposal",
			Messages:   msgs,
			SchemaName: "proposed_actions",
			Schema:     schema,
		})
		if err != nil {
			lastErr = fmt.Errorf("oracle call failed: %w", err)
			p.logger.Printf("opportunity %s attempt %d: %v", dc.Opportunity.ID, attempt, lastErr)
			return lastErr
		}
		valid, err := p.parse(resp, dc, gt)
		if err != nil {
			lastErr = err
			p.logger.Printf("opportunity %s attempt %d: %v", dc.Opportunity.ID, attempt, err)
			return err
		}
		accepted = valid
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			recordSpanError(span, ctxErr)
			return nil, ctxErr
		}
		p.logger.Printf("opportunity %s: %d attempts failed, falling back to manual review: %v", dc.Opportunity.ID, p.policy.Attempts(), err)
		countFallback(ctx, "proposal")
		span.SetAttributes(attribute.Bool("proposal.fallback", true))
		return []crm.ProposedAction{p.fallback(dc, err)}, nil
	}

	sort.SliceStable(accepted, func(i, j int) bool { return accepted[i].Priority < accepted[j].Priority })
	if len(accepted) > p.maxActions {
		accepted = accepted[:p.maxActions]
	}
	span.SetAttributes(attribute.Int("proposal.actions", len(accepted)))
	return accepted, nil
}

// parse decodes one oracle answer and validates each action. An answer
// with no surviving action is an error so the attempt is retried.
func (p *ProposalAgent) parse(resp llm.Response, dc *crm.DealContext, gt crm.GroundTruth) ([]crm.ProposedAction, error) {
	obj, err := resp.Object()
	if err != nil {
		return nil, err
	}
	if err := proposalEnvelope.Validate(actions.UnwrapResult(obj)); err != nil {
		return nil, err
	}
	var out proposalOutput
	raw, _ := json.Marshal(actions.UnwrapResult(obj))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode actions: %v: %w", err, crm.ErrInvalidOracleOutput)
	}

	var (
		valid   []crm.ProposedAction
		reasons []string
	)
	for i, ra := range out.Actions {
		a, err := p.validate(ra, dc, gt)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("action %d (%s): %v", i+1, ra.Type, err))
			continue
		}
		valid = append(valid, a)
	}
	for _, r := range reasons {
		p.logger.Printf("opportunity %s: dropped %s", dc.Opportunity.ID, r)
	}
	if len(valid) == 0 {
		if len(reasons) == 0 {
			return nil, fmt.Errorf("no actions returned: %w", crm.ErrInvalidOracleOutput)
		}
		return nil, fmt.Errorf("no valid actions (%s): %w", strings.Join(reasons, "; "), crm.ErrInvalidOracleOutput)
	}
	return valid, nil
}

func (p *ProposalAgent) validate(ra rawAction, dc *crm.DealContext, gt crm.GroundTruth) (crm.ProposedAction, error) {
	h, ok := p.registry.Get(crm.ActionType(ra.Type))
	if !ok {
		return crm.ProposedAction{}, fmt.Errorf("unknown action type %q: %w", ra.Type, crm.ErrInvalidOracleOutput)
	}
	sources := knownSources(ra.SourceActivityIDs, gt)
	if len(sources) == 0 {
		return crm.ProposedAction{}, fmt.Errorf("no valid source activity ids among %v: %w", ra.SourceActivityIDs, crm.ErrInvalidOracleOutput)
	}
	candidate := crm.ProposedAction{
		ID:                uuid.NewString(),
		OpportunityID:     dc.Opportunity.ID,
		Type:              h.Type(),
		Status:            crm.StatusProposed,
		Details:           ra.Details,
		Reasoning:         strings.TrimSpace(ra.Reasoning),
		Priority:          clampPriority(ra.Priority),
		SourceActivityIDs: sources,
		CreatedBy:         crm.ActorOracle,
		LastEditedBy:      crm.ActorOracle,
	}
	details, err := h.ValidateDetails(candidate, dc, gt)
	if err != nil {
		return crm.ProposedAction{}, err
	}
	candidate.Details = details
	return candidate, nil
}

// fallback is the single manual-review task returned after every attempt failed.
func (p *ProposalAgent) fallback(dc *crm.DealContext, cause error) crm.ProposedAction {
	a := crm.ProposedAction{
		ID:            uuid.NewString(),
		OpportunityID: dc.Opportunity.ID,
		Type:          crm.ActionTask,
		Status:        crm.StatusProposed,
		Details: crm.Details{
			"title":       "Manual review: " + dc.Opportunity.Name,
			"description": "Automatic action generation did not produce a usable recommendation. Review the latest activity on this opportunity and decide the next step.",
		},
		Reasoning:    "Automatic proposal failed; a person should review this opportunity.",
		Priority:     1,
		CreatedBy:    crm.ActorOracle,
		LastEditedBy: crm.ActorOracle,
	}
	if recent, ok := dc.MostRecentActivity(); ok {
		a.SourceActivityIDs = []string{recent.ID}
	}
	a.SetMeta("fallback", true)
	if cause != nil {
		a.SetMeta("fallback_reason", cause.Error())
	}
	return a
}

func knownSources(ids []string, gt crm.GroundTruth) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] || !gt.HasActivity(id) {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func clampPriority(p int) int {
	switch {
	case p < 1:
		return 3
	case p > 5:
		return 5
	default:
		return p
	}
}
