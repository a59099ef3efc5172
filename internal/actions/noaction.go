package actions

import (
	"context"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/helpers"
)

const noActionSchema = `{
  "type": "object",
  "required": ["reason"],
  "properties": {"reason": {"type": "string"}}
}`

type noActionDetails struct {
	Reason string `json:"reason"`
}

type noActionHandler struct {
	base
	noCompose
}

func newNoActionHandler() *noActionHandler {
	return &noActionHandler{
		base: newBase(crm.ActionNoAction,
			"Recommend waiting. Use when the right move is to give the buyer time; explain why in reason.",
			noActionSchema),
	}
}

func (h *noActionHandler) ValidateDetails(action crm.ProposedAction, _ *crm.DealContext, _ crm.GroundTruth) (crm.Details, error) {
	var d noActionDetails
	if err := h.decode(action.Details, &d); err != nil {
		return nil, err
	}
	d.Reason = helpers.SanitizePlainText(d.Reason)
	if d.Reason == "" {
		return nil, invalid(h.kind, "reason is empty")
	}
	return crm.DetailsFrom(d)
}

func (h *noActionHandler) Execute(context.Context, crm.ProposedAction, string, crm.Tx) (ExecResult, error) {
	return ExecResult{Summary: "no action taken"}, nil
}
