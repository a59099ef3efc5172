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

const taskSchema = `{
  "type": "object",
  "required": ["title"],
  "properties": {
    "title": {"type": "string"},
    "description": {"type": "string"},
    "due_at": {"type": "string", "format": "date-time"},
    "assignee": {"type": "string"},
    "converted_from_lookup": {"type": "boolean"},
    "lookup_question": {"type": "string"}
  }
}`

var taskComposeSchema = llm.MustCompileSchema("compose_task", []byte(`{
  "type": "object",
  "required": ["description"],
  "properties": {
    "title": {"type": "string"},
    "description": {"type": "string", "minLength": 1}
  }
}`))

type taskDetails struct {
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	DueAt               *time.Time `json:"due_at,omitempty"`
	Assignee            string     `json:"assignee,omitempty"`
	ConvertedFromLookup bool       `json:"converted_from_lookup,omitempty"`
	LookupQuestion      string     `json:"lookup_question,omitempty"`
}

type taskHandler struct {
	base
	deps Deps
}

func newTaskHandler(deps Deps) *taskHandler {
	return &taskHandler{
		base: newBase(crm.ActionTask,
			"Create an internal to-do for the seller, with an optional due date.",
			taskSchema),
		deps: deps,
	}
}

func (h *taskHandler) ValidateDetails(action crm.ProposedAction, _ *crm.DealContext, _ crm.GroundTruth) (crm.Details, error) {
	var d taskDetails
	if err := h.decode(action.Details, &d); err != nil {
		return nil, err
	}
	d.Title = helpers.SanitizePlainText(d.Title)
	if d.Title == "" {
		return nil, invalid(h.kind, "title is empty")
	}
	d.Description = helpers.SanitizePlainText(d.Description)
	return crm.DetailsFrom(d)
}

func (h *taskHandler) ComposeContent(ctx context.Context, action crm.ProposedAction, dc *crm.DealContext) (map[string]interface{}, error) {
	instruction := "Write a short plain-text task description the seller can act on without further context."
	if q := action.Details.String("lookup_question"); q != "" {
		instruction += " The automatic research could not answer this question, so the seller must find it out: " + q
	}
	return compose(ctx, h.deps.Oracle, "compose.task", instruction, action, dc, taskComposeSchema)
}

func (h *taskHandler) Execute(ctx context.Context, action crm.ProposedAction, actorID string, tx crm.Tx) (ExecResult, error) {
	var d taskDetails
	if err := action.Details.Decode(&d); err != nil {
		return ExecResult{}, fmt.Errorf("decode task details: %w", err)
	}
	if strings.TrimSpace(d.Title) == "" {
		return ExecResult{}, fmt.Errorf("task %s has no title", action.ID)
	}
	act := newActivity(action, crm.KindTask, h.deps.now())
	act.Direction = crm.DirectionInternal
	act.Subject = d.Title
	act.Body = d.Description
	act.ScheduledFor = d.DueAt
	act.Status = crm.ActivityScheduled
	assignee := d.Assignee
	if assignee == "" {
		assignee = actorID
	}
	if assignee != "" {
		act.Participants = []string{assignee}
	}
	if err := tx.InsertActivity(ctx, act); err != nil {
		return ExecResult{}, fmt.Errorf("insert task activity: %w", err)
	}
	return ExecResult{Activity: refOf(act), Summary: "task created: " + d.Title}, nil
}
