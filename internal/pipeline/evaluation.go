package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/actions"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/retry"
)

// Decision is a reconciliation verdict.
type Decision string

const (
	DecisionKeep       Decision = "KEEP"
	DecisionCancel     Decision = "CANCEL"
	DecisionModify     Decision = "MODIFY"
	DecisionReschedule Decision = "RESCHEDULE"
)

// bookkeepingKeys never count as a substantive change and are stripped
// from patches before merging.
var bookkeepingKeys = map[string]bool{
	"id":                    true,
	"type":                  true,
	"status":                true,
	"reasoning":             true,
	"content_requirement":   true,
	"converted_from_lookup": true,
}

// ProposalDecision is the verdict on one open action.
type ProposalDecision struct {
	ProposalID         string                 `json:"proposal_id"`
	Decision           Decision               `json:"decision"`
	Reasoning          string                 `json:"reasoning"`
	Patch              map[string]interface{} `json:"patch,omitempty"`
	ContentRequirement string                 `json:"content_requirement,omitempty"`

	// Merged holds the validated details of a MODIFY.
	Merged crm.Details `json:"-"`
}

// EventDecision is the verdict on one upcoming calendar event.
type EventDecision struct {
	EventID         string     `json:"event_id"`
	Decision        Decision   `json:"decision"`
	Reasoning       string     `json:"reasoning"`
	NewStart        *time.Time `json:"new_start,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`
}

// Evaluation is the validated outcome of one reconciliation call.
type Evaluation struct {
	Proposals       []ProposalDecision `json:"proposals"`
	Events          []EventDecision    `json:"events"`
	NeedsNewActions bool               `json:"needs_new_actions"`
	Justification   string             `json:"justification"`
	// Fallback is set when every attempt failed and the conservative
	// default was used.
	Fallback bool `json:"fallback,omitempty"`
}

var evaluationSchema = llm.MustCompileSchema("evaluation", json.RawMessage(`{
  "type": "object",
  "required": ["proposals", "events", "needs_new_actions"],
  "properties": {
    "proposals": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["proposal_id", "decision"],
        "properties": {
          "proposal_id": {"type": "string"},
          "decision": {"type": "string", "enum": ["KEEP", "CANCEL", "MODIFY", "keep", "cancel", "modify"]},
          "reasoning": {"type": "string"},
          "patch": {"type": ["object", "null"]},
          "content_requirement": {"type": ["string", "null"]}
        }
      }
    },
    "events": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["event_id", "decision"],
        "properties": {
          "event_id": {"type": "string"},
          "decision": {"type": "string", "enum": ["KEEP", "CANCEL", "RESCHEDULE", "keep", "cancel", "reschedule"]},
          "reasoning": {"type": "string"},
          "new_start": {"type": ["string", "null"]},
          "duration_minutes": {"type": ["integer", "null"]}
        }
      }
    },
    "needs_new_actions": {"type": "boolean"},
    "justification": {"type": "string"}
  }
}`))

// EvaluationAgent reconciles open actions and future events against new
// activity.
type EvaluationAgent struct {
	oracle   llm.Oracle
	registry actions.Registry
	policy   retry.Policy
	logger   *log.Logger
}

// NewEvaluationAgent builds an agent.
func NewEvaluationAgent(oracle llm.Oracle, registry actions.Registry, policy retry.Policy, logger *log.Logger) *EvaluationAgent {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVAL] ", log.LstdFlags)
	}
	return &EvaluationAgent{oracle: oracle, registry: registry, policy: policy, logger: logger}
}

// Evaluate returns validated decisions. When every attempt fails it returns
// the conservative default: keep everything and ask for new actions only
// if the deal has recent activity. Only context cancellation is an error.
func (e *EvaluationAgent) Evaluate(ctx context.Context, dc *crm.DealContext, reason string) (Evaluation, error) {
	ctx, span := tracer.Start(ctx, "pipeline.evaluate", trace.WithAttributes(
		attribute.String("opportunity.id", dc.Opportunity.ID),
		attribute.Int("evaluation.open_actions", len(dc.OpenActions)),
		attribute.Int("evaluation.future_events", len(dc.FutureEvents)),
	))
	defer span.End()

	user := "Deal context:\n" + renderContext(dc)
	if reason = strings.TrimSpace(reason); reason != "" {
		user += "\n\nRe-evaluation trigger: " + reason
	}
	base := []llm.Message{
		{Role: llm.RoleSystem, Content: evaluationSystemPrompt},
		{Role: llm.RoleUser, Content: user},
	}

	var (
		result  Evaluation
		lastErr error
	)
	err := e.policy.Do(ctx, func(attempt, remaining int) error {
		msgs := base
		if attempt > 1 && lastErr != nil {
			msgs = append(append([]llm.Message(nil), base...), llm.Message{Role: llm.RoleUser, Content: retryMessage(lastErr.Error(), remaining+1)})
		}
		resp, err := e.oracle.Generate(ctx, llm.Request{
			Operation:  "evaluation",
			Messages:   msgs,
			SchemaName: "evaluation",
			Schema:     evaluationSchema.Raw(),
		})
		if err != nil {
			lastErr = fmt.Errorf("oracle call failed: %w", err)
			e.logger.Printf("opportunity %s attempt %d: %v", dc.Opportunity.ID, attempt, lastErr)
			return lastErr
		}
		ev, err := e.parse(resp)
		if err != nil {
			lastErr = err
			e.logger.Printf("opportunity %s attempt %d: %v", dc.Opportunity.ID, attempt, err)
			return err
		}
		result = e.validate(ctx, ev, dc)
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			recordSpanError(span, ctxErr)
			return Evaluation{}, ctxErr
		}
		e.logger.Printf("opportunity %s: evaluation failed after %d attempts, keeping everything: %v", dc.Opportunity.ID, e.policy.Attempts(), err)
		countFallback(ctx, "evaluation")
		span.SetAttributes(attribute.Bool("evaluation.fallback", true))
		return ConservativeEvaluation(dc), nil
	}
	for _, d := range result.Proposals {
		countDecision(ctx, "proposal", d.Decision)
	}
	for _, d := range result.Events {
		countDecision(ctx, "event", d.Decision)
	}
	span.SetAttributes(
		attribute.Int("evaluation.proposal_decisions", len(result.Proposals)),
		attribute.Int("evaluation.event_decisions", len(result.Events)),
		attribute.Bool("evaluation.needs_new_actions", result.NeedsNewActions),
	)
	return result, nil
}

// ConservativeEvaluation keeps every open action and event and requests new
// actions iff the deal has at least one recent activity.
func ConservativeEvaluation(dc *crm.DealContext) Evaluation {
	ev := Evaluation{Fallback: true, NeedsNewActions: len(dc.Activities) > 0}
	for _, a := range dc.OpenActions {
		ev.Proposals = append(ev.Proposals, ProposalDecision{ProposalID: a.ID, Decision: DecisionKeep, Reasoning: "evaluation unavailable"})
	}
	for _, a := range dc.FutureEvents {
		ev.Events = append(ev.Events, EventDecision{EventID: a.ID, Decision: DecisionKeep, Reasoning: "evaluation unavailable"})
	}
	if ev.NeedsNewActions {
		ev.Justification = "evaluation unavailable; recent activity may need a response"
	}
	return ev
}

func (e *EvaluationAgent) parse(resp llm.Response) (Evaluation, error) {
	obj, err := resp.Object()
	if err != nil {
		return Evaluation{}, err
	}
	obj = actions.UnwrapResult(obj)
	if err := evaluationSchema.Validate(obj); err != nil {
		return Evaluation{}, err
	}
	raw, _ := json.Marshal(obj)
	var ev Evaluation
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Evaluation{}, fmt.Errorf("decode evaluation: %v: %w", err, crm.ErrInvalidOracleOutput)
	}
	return ev, nil
}

// validate drops decisions on unknown ids and invalid MODIFY patches, then
// deduplicates the proposal decisions.
func (e *EvaluationAgent) validate(ctx context.Context, ev Evaluation, dc *crm.DealContext) Evaluation {
	gt := dc.GroundTruth()
	out := Evaluation{NeedsNewActions: ev.NeedsNewActions, Justification: strings.TrimSpace(ev.Justification)}

	var kept []ProposalDecision
	for _, d := range ev.Proposals {
		d.Decision = Decision(strings.ToUpper(strings.TrimSpace(string(d.Decision))))
		original, ok := dc.OpenAction(strings.TrimSpace(d.ProposalID))
		if !ok {
			e.logger.Printf("opportunity %s: dropped decision on unknown proposal %q", dc.Opportunity.ID, d.ProposalID)
			continue
		}
		d.ProposalID = original.ID
		switch d.Decision {
		case DecisionKeep, DecisionCancel:
		case DecisionModify:
			merged, err := e.mergePatch(original, d, dc, gt)
			if err != nil {
				e.logger.Printf("opportunity %s: dropped MODIFY of %s: %v", dc.Opportunity.ID, original.ID, err)
				continue
			}
			d.Merged = merged
		default:
			e.logger.Printf("opportunity %s: dropped decision %q on %s", dc.Opportunity.ID, d.Decision, original.ID)
			continue
		}
		kept = append(kept, d)
	}
	var discarded int
	out.Proposals, discarded = DedupDecisions(kept)
	if discarded > 0 {
		e.logger.Printf("opportunity %s: discarded %d conflicting decision(s)", dc.Opportunity.ID, discarded)
		countDiscarded(ctx, discarded)
	}

	now := dc.AssembledAt
	for _, d := range ev.Events {
		d.Decision = Decision(strings.ToUpper(strings.TrimSpace(string(d.Decision))))
		event, ok := dc.FutureEvent(strings.TrimSpace(d.EventID))
		if !ok {
			e.logger.Printf("opportunity %s: dropped decision on unknown event %q", dc.Opportunity.ID, d.EventID)
			continue
		}
		d.EventID = event.ID
		switch d.Decision {
		case DecisionKeep, DecisionCancel:
		case DecisionReschedule:
			if d.NewStart == nil || !d.NewStart.After(now) {
				e.logger.Printf("opportunity %s: dropped RESCHEDULE of %s without a future start", dc.Opportunity.ID, event.ID)
				continue
			}
			if d.DurationMinutes < 0 {
				d.DurationMinutes = 0
			}
		default:
			e.logger.Printf("opportunity %s: dropped event decision %q on %s", dc.Opportunity.ID, d.Decision, event.ID)
			continue
		}
		out.Events = append(out.Events, d)
	}
	return out
}

// mergePatch overlays a MODIFY patch on the original details. Null or
// absent fields keep their original values. The result must pass the
// handler's validation.
func (e *EvaluationAgent) mergePatch(original crm.ProposedAction, d ProposalDecision, dc *crm.DealContext, gt crm.GroundTruth) (crm.Details, error) {
	if substantiveFields(d.Patch) == 0 {
		return nil, fmt.Errorf("patch changes nothing but bookkeeping fields: %w", crm.ErrInvalidOracleOutput)
	}
	h, ok := e.registry.Get(original.Type)
	if !ok {
		return nil, fmt.Errorf("no handler for %s", original.Type)
	}
	patch := make(map[string]interface{}, len(d.Patch))
	for k, v := range d.Patch {
		if !bookkeepingKeys[k] {
			patch[k] = v
		}
	}
	candidate := original.Clone()
	candidate.Details = original.Details.Merge(patch)
	return h.ValidateDetails(candidate, dc, gt)
}

// substantiveFields counts non-null patch entries outside bookkeepingKeys.
func substantiveFields(patch map[string]interface{}) int {
	n := 0
	for k, v := range patch {
		if v != nil && !bookkeepingKeys[k] {
			n++
		}
	}
	return n
}
