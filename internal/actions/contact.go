package actions

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/helpers"
)

const contactSchema = `{
  "type": "object",
  "required": ["first_name", "email"],
  "properties": {
    "first_name": {"type": "string", "minLength": 1},
    "last_name": {"type": "string"},
    "email": {"type": "string", "minLength": 3},
    "title": {"type": "string"},
    "role": {"type": "string"}
  }
}`

type contactDetails struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email"`
	Title     string `json:"title,omitempty"`
	Role      string `json:"role,omitempty"`
}

type contactHandler struct {
	base
	noCompose
}

func newContactHandler() *contactHandler {
	return &contactHandler{
		base: newBase(crm.ActionAddContact,
			"Add a stakeholder who appears in the activity history but is not yet a contact on this opportunity.",
			contactSchema),
	}
}

func (h *contactHandler) ValidateDetails(action crm.ProposedAction, _ *crm.DealContext, gt crm.GroundTruth) (crm.Details, error) {
	var d contactDetails
	if err := h.decode(action.Details, &d); err != nil {
		return nil, err
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(d.Email))
	if err != nil || addr.Name != "" {
		return nil, invalid(h.kind, "email %q is not a valid address", d.Email)
	}
	d.Email = crm.NormalizeEmail(addr.Address)
	if gt.HasEmail(d.Email) {
		return nil, invalid(h.kind, "%s is already a contact", d.Email)
	}
	d.FirstName = helpers.SanitizePlainText(d.FirstName)
	d.LastName = helpers.SanitizePlainText(d.LastName)
	d.Title = helpers.SanitizePlainText(d.Title)
	d.Role = strings.ToLower(helpers.SanitizePlainText(d.Role))
	if d.FirstName == "" {
		return nil, invalid(h.kind, "first_name is empty")
	}
	return crm.DetailsFrom(d)
}

func (h *contactHandler) Execute(ctx context.Context, action crm.ProposedAction, _ string, tx crm.Tx) (ExecResult, error) {
	var d contactDetails
	if err := action.Details.Decode(&d); err != nil {
		return ExecResult{}, fmt.Errorf("decode contact details: %w", err)
	}
	c := &crm.Contact{FirstName: d.FirstName, LastName: d.LastName, Email: d.Email, Title: d.Title}
	if err := tx.CreateContact(ctx, action.OpportunityID, c); err != nil {
		return ExecResult{}, fmt.Errorf("create contact: %w", err)
	}
	ci := crm.ContactIntelligence{OpportunityID: action.OpportunityID, ContactID: c.ID, Responsiveness: "unknown"}
	if d.Role != "" {
		ci.Roles = []string{d.Role}
	}
	if err := tx.UpsertContactIntelligence(ctx, ci); err != nil {
		return ExecResult{}, fmt.Errorf("create contact intelligence: %w", err)
	}
	return ExecResult{Summary: "contact added: " + c.FullName()}, nil
}
