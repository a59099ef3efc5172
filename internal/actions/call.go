package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/helpers"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm"
)

const callSchema = `{
  "type": "object",
  "required": ["contact_email"],
  "properties": {
    "contact_email": {"type": "string", "minLength": 3},
    "purpose": {"type": "string"},
    "talking_points": {"type": "array", "items": {"type": "string"}},
    "scheduled_for": {"type": "string", "format": "date-time"}
  }
}`

var callComposeSchema = llm.MustCompileSchema("compose_call", []byte(`{
  "type": "object",
  "required": ["talking_points"],
  "properties": {
    "talking_points": {"type": "array", "minItems": 1, "maxItems": 7, "items": {"type": "string"}}
  }
}`))

type callDetails struct {
	ContactEmail  string     `json:"contact_email"`
	Purpose       string     `json:"purpose,omitempty"`
	TalkingPoints []string   `json:"talking_points,omitempty"`
	ScheduledFor  *time.Time `json:"scheduled_for,omitempty"`
}

type callHandler struct {
	base
	deps Deps
}

func newCallHandler(deps Deps) *callHandler {
	return &callHandler{
		base: newBase(crm.ActionCall,
			"Plan a phone call with an existing contact, with purpose and talking points.",
			callSchema),
		deps: deps,
	}
}

func (h *callHandler) ValidateDetails(action crm.ProposedAction, _ *crm.DealContext, gt crm.GroundTruth) (crm.Details, error) {
	var d callDetails
	if err := h.decode(action.Details, &d); err != nil {
		return nil, err
	}
	if !gt.HasEmail(d.ContactEmail) {
		return nil, invalid(h.kind, "%q is not a contact on this opportunity", d.ContactEmail)
	}
	d.ContactEmail = crm.NormalizeEmail(d.ContactEmail)
	d.Purpose = helpers.SanitizePlainText(d.Purpose)
	points := d.TalkingPoints[:0]
	for _, p := range d.TalkingPoints {
		if p = helpers.SanitizePlainText(p); p != "" {
			points = append(points, p)
		}
	}
	d.TalkingPoints = points
	return crm.DetailsFrom(d)
}

func (h *callHandler) ComposeContent(ctx context.Context, action crm.ProposedAction, dc *crm.DealContext) (map[string]interface{}, error) {
	return compose(ctx, h.deps.Oracle, "compose.call",
		"List the talking points for this call, most important first.",
		action, dc, callComposeSchema)
}

func (h *callHandler) Execute(ctx context.Context, action crm.ProposedAction, _ string, tx crm.Tx) (ExecResult, error) {
	var d callDetails
	if err := action.Details.Decode(&d); err != nil {
		return ExecResult{}, fmt.Errorf("decode call details: %w", err)
	}
	act := newActivity(action, crm.KindCall, h.deps.now())
	act.Subject = d.Purpose
	act.Body = strings.Join(d.TalkingPoints, "\n")
	act.Participants = []string{d.ContactEmail}
	act.ScheduledFor = d.ScheduledFor
	act.Status = crm.ActivityScheduled
	if err := tx.InsertActivity(ctx, act); err != nil {
		return ExecResult{}, fmt.Errorf("insert call activity: %w", err)
	}
	return ExecResult{Activity: refOf(act), Summary: "call planned with " + d.ContactEmail}, nil
}
