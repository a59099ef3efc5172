package actions

import (
	"context"
	"fmt"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

const stageSchema = `{
  "type": "object",
  "properties": {
    "stage_id": {"type": "string"},
    "stage_name": {"type": "string"}
  },
  "anyOf": [{"required": ["stage_id"]}, {"required": ["stage_name"]}]
}`

type stageDetails struct {
	StageID   string `json:"stage_id"`
	StageName string `json:"stage_name,omitempty"`
}

type stageHandler struct {
	base
	noCompose
}

func newStageHandler() *stageHandler {
	return &stageHandler{
		base: newBase(crm.ActionUpdatePipelineStage,
			"Move the opportunity to another pipeline stage. Use one of the listed stage ids.",
			stageSchema),
	}
}

func (h *stageHandler) ValidateDetails(action crm.ProposedAction, dc *crm.DealContext, _ crm.GroundTruth) (crm.Details, error) {
	var d stageDetails
	if err := h.decode(action.Details, &d); err != nil {
		return nil, err
	}
	ref := d.StageID
	if ref == "" {
		ref = d.StageName
	}
	stage, ok := dc.StageByRef(ref)
	if !ok {
		return nil, invalid(h.kind, "stage %q does not exist", ref)
	}
	if stage.ID == dc.Opportunity.StageID {
		return nil, invalid(h.kind, "opportunity is already in stage %q", stage.Name)
	}
	return crm.DetailsFrom(stageDetails{StageID: stage.ID, StageName: stage.Name})
}

func (h *stageHandler) Execute(ctx context.Context, action crm.ProposedAction, _ string, tx crm.Tx) (ExecResult, error) {
	var d stageDetails
	if err := action.Details.Decode(&d); err != nil {
		return ExecResult{}, fmt.Errorf("decode stage details: %w", err)
	}
	if err := tx.UpdateOpportunityStage(ctx, action.OpportunityID, d.StageID); err != nil {
		return ExecResult{}, fmt.Errorf("update stage: %w", err)
	}
	return ExecResult{Summary: "stage changed to " + d.StageName}, nil
}
