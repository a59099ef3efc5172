package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/comms"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/helpers"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm"
)

const emailSchema = `{
  "type": "object",
  "required": ["to"],
  "properties": {
    "to": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 3}},
    "cc": {"type": "array", "items": {"type": "string"}},
    "subject": {"type": "string"},
    "body": {"type": "string"},
    "thread_id": {"type": "string"},
    "reply_to_activity_id": {"type": "string"},
    "scheduled_for": {"type": "string", "format": "date-time"}
  }
}`

var emailComposeSchema = llm.MustCompileSchema("compose_email", []byte(`{
  "type": "object",
  "required": ["subject", "body"],
  "properties": {
    "subject": {"type": "string", "minLength": 1},
    "body": {"type": "string", "minLength": 1}
  }
}`))

type emailDetails struct {
	To                []string   `json:"to"`
	CC                []string   `json:"cc,omitempty"`
	Subject           string     `json:"subject,omitempty"`
	Body              string     `json:"body,omitempty"`
	ThreadID          string     `json:"thread_id,omitempty"`
	ReplyToActivityID string     `json:"reply_to_activity_id,omitempty"`
	ScheduledFor      *time.Time `json:"scheduled_for,omitempty"`
}

type emailHandler struct {
	base
	deps Deps
}

func newEmailHandler(deps Deps) *emailHandler {
	return &emailHandler{
		base: newBase(crm.ActionEmail,
			"Send an email to one or more existing contacts. Optionally reply in an existing thread or schedule the send for later.",
			emailSchema),
		deps: deps,
	}
}

func (h *emailHandler) ValidateDetails(action crm.ProposedAction, dc *crm.DealContext, gt crm.GroundTruth) (crm.Details, error) {
	var d emailDetails
	if err := h.decode(action.Details, &d); err != nil {
		return nil, err
	}
	to, err := knownRecipients(h.kind, d.To, gt)
	if err != nil {
		return nil, err
	}
	if len(to) == 0 {
		return nil, invalid(h.kind, "no recipients")
	}
	cc, err := knownRecipients(h.kind, d.CC, gt)
	if err != nil {
		return nil, err
	}
	d.To, d.CC = to, cc
	if d.ReplyToActivityID != "" {
		if !gt.HasActivity(d.ReplyToActivityID) {
			return nil, invalid(h.kind, "reply_to_activity_id %q is not a known activity", d.ReplyToActivityID)
		}
		if prev, ok := dc.Activity(d.ReplyToActivityID); ok && d.ThreadID == "" {
			d.ThreadID = prev.ThreadID
		}
	}
	d.Subject = helpers.SanitizePlainText(d.Subject)
	d.Body = helpers.SanitizeEmailBody(d.Body)
	return crm.DetailsFrom(d)
}

func (h *emailHandler) ComposeContent(ctx context.Context, action crm.ProposedAction, dc *crm.DealContext) (map[string]interface{}, error) {
	obj, err := compose(ctx, h.deps.Oracle, "compose.email",
		"Write the email subject and HTML body. Address the recipients by first name and keep it under 180 words.",
		action, dc, emailComposeSchema)
	if err != nil {
		return nil, err
	}
	content := UnwrapResult(obj)
	if body, ok := content["body"].(string); ok {
		content["body"] = helpers.SanitizeEmailBody(body)
	}
	if subject, ok := content["subject"].(string); ok {
		content["subject"] = helpers.SanitizePlainText(subject)
	}
	return obj, nil
}

func (h *emailHandler) Execute(ctx context.Context, action crm.ProposedAction, actorID string, tx crm.Tx) (ExecResult, error) {
	var d emailDetails
	if err := action.Details.Decode(&d); err != nil {
		return ExecResult{}, fmt.Errorf("decode email details: %w", err)
	}
	if strings.TrimSpace(d.Subject) == "" || strings.TrimSpace(d.Body) == "" {
		return ExecResult{}, fmt.Errorf("email %s has no composed content", action.ID)
	}
	if h.deps.Mailer == nil {
		return ExecResult{}, fmt.Errorf("mailer not configured")
	}
	now := h.deps.now()
	act := newActivity(action, crm.KindEmail, now)
	act.Subject = d.Subject
	act.Body = d.Body
	act.Participants = append(append([]string(nil), d.To...), d.CC...)
	act.ThreadID = d.ThreadID
	scheduled := d.ScheduledFor != nil && d.ScheduledFor.After(now)
	if scheduled {
		act.Status = crm.ActivityScheduled
		act.ScheduledFor = d.ScheduledFor
	} else {
		act.Status = crm.ActivitySent
	}
	if err := tx.InsertActivity(ctx, act); err != nil {
		return ExecResult{}, fmt.Errorf("insert email activity: %w", err)
	}

	msg := comms.Message{
		To:            d.To,
		CC:            d.CC,
		Subject:       d.Subject,
		Body:          d.Body,
		ThreadID:      d.ThreadID,
		OpportunityID: action.OpportunityID,
		ActionID:      action.ID,
	}
	var ref string
	var err error
	if scheduled {
		ref, err = h.deps.Mailer.Schedule(ctx, msg, *d.ScheduledFor)
	} else {
		ref, err = h.deps.Mailer.Send(ctx, msg)
	}
	if err != nil {
		return ExecResult{}, fmt.Errorf("deliver email: %w", err)
	}
	act.ExternalRef = ref
	if err := tx.UpdateActivity(ctx, *act); err != nil {
		return ExecResult{}, fmt.Errorf("record email ref: %w", err)
	}
	summary := fmt.Sprintf("email sent to %s", strings.Join(d.To, ", "))
	if scheduled {
		summary = fmt.Sprintf("email scheduled for %s", d.ScheduledFor.Format(time.RFC3339))
	}
	return ExecResult{Activity: refOf(act), Summary: summary}, nil
}

// Unwind withdraws a scheduled send from the provider.
func (h *emailHandler) Unwind(ctx context.Context, activity crm.Activity) error {
	if activity.Status != crm.ActivityScheduled || activity.ExternalRef == "" || h.deps.Mailer == nil {
		return nil
	}
	return h.deps.Mailer.CancelScheduled(ctx, activity.ExternalRef)
}

// knownRecipients normalises addresses and rejects any that is not a contact.
func knownRecipients(kind crm.ActionType, addrs []string, gt crm.GroundTruth) ([]string, error) {
	var out []string
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		e := crm.NormalizeEmail(a)
		if e == "" || seen[e] {
			continue
		}
		if !gt.HasEmail(e) {
			return nil, invalid(kind, "%q is not a contact on this opportunity", a)
		}
		seen[e] = true
		out = append(out, e)
	}
	return out, nil
}
