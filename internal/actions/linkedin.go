package actions

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/helpers"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm"
)

// LinkedInMaxChars is the platform's message length limit with headroom.
const LinkedInMaxChars = 1900

const linkedInSchema = `{
  "type": "object",
  "required": ["contact_email"],
  "properties": {
    "contact_email": {"type": "string", "minLength": 3},
    "message": {"type": "string"}
  }
}`

var linkedInComposeSchema = llm.MustCompileSchema("compose_linkedin", []byte(`{
  "type": "object",
  "required": ["message"],
  "properties": {"message": {"type": "string", "minLength": 1}}
}`))

type linkedInDetails struct {
	ContactEmail string `json:"contact_email"`
	Message      string `json:"message,omitempty"`
}

type linkedInHandler struct {
	base
	deps Deps
}

func newLinkedInHandler(deps Deps) *linkedInHandler {
	return &linkedInHandler{
		base: newBase(crm.ActionLinkedInMessage,
			"Send a short LinkedIn message to an existing contact. The seller sends it manually.",
			linkedInSchema),
		deps: deps,
	}
}

func (h *linkedInHandler) ValidateDetails(action crm.ProposedAction, _ *crm.DealContext, gt crm.GroundTruth) (crm.Details, error) {
	var d linkedInDetails
	if err := h.decode(action.Details, &d); err != nil {
		return nil, err
	}
	if !gt.HasEmail(d.ContactEmail) {
		return nil, invalid(h.kind, "%q is not a contact on this opportunity", d.ContactEmail)
	}
	d.ContactEmail = crm.NormalizeEmail(d.ContactEmail)
	d.Message = helpers.SanitizePlainText(d.Message)
	if utf8.RuneCountInString(d.Message) > LinkedInMaxChars {
		return nil, invalid(h.kind, "message longer than %d characters", LinkedInMaxChars)
	}
	return crm.DetailsFrom(d)
}

func (h *linkedInHandler) ComposeContent(ctx context.Context, action crm.ProposedAction, dc *crm.DealContext) (map[string]interface{}, error) {
	obj, err := compose(ctx, h.deps.Oracle, "compose.linkedin",
		fmt.Sprintf("Write a plain-text LinkedIn message of at most %d characters.", LinkedInMaxChars),
		action, dc, linkedInComposeSchema)
	if err != nil {
		return nil, err
	}
	content := UnwrapResult(obj)
	if msg, ok := content["message"].(string); ok {
		content["message"] = helpers.TruncateRunes(helpers.SanitizePlainText(msg), LinkedInMaxChars)
	}
	return obj, nil
}

func (h *linkedInHandler) Execute(ctx context.Context, action crm.ProposedAction, _ string, tx crm.Tx) (ExecResult, error) {
	var d linkedInDetails
	if err := action.Details.Decode(&d); err != nil {
		return ExecResult{}, fmt.Errorf("decode linkedin details: %w", err)
	}
	if d.Message == "" {
		return ExecResult{}, fmt.Errorf("linkedin message %s has no composed content", action.ID)
	}
	now := h.deps.now()
	act := newActivity(action, crm.KindLinkedIn, now)
	act.Body = d.Message
	act.Participants = []string{d.ContactEmail}
	act.Status = crm.ActivityScheduled
	if err := tx.InsertActivity(ctx, act); err != nil {
		return ExecResult{}, fmt.Errorf("insert linkedin activity: %w", err)
	}
	return ExecResult{Activity: refOf(act), Summary: "linkedin message queued for " + d.ContactEmail}, nil
}
