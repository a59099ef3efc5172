package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/helpers"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm"
)

const composeSystemPrompt = `You write the final content of one sales action for a seller.
Use only facts present in the deal brief and the draft. Never invent names,
email addresses, prices or dates. Reply with a single JSON object that matches
the requested schema.`

type briefContact struct {
	Name   string   `json:"name"`
	Email  string   `json:"email"`
	Title  string   `json:"title,omitempty"`
	Roles  []string `json:"roles,omitempty"`
	Engage int      `json:"engagement_score"`
}

type briefActivity struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Direction  string    `json:"direction,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type dealBrief struct {
	Opportunity string          `json:"opportunity"`
	Stage       string          `json:"stage"`
	Summary     string          `json:"summary,omitempty"`
	Contacts    []briefContact  `json:"contacts"`
	Recent      []briefActivity `json:"recent_activities"`
}

const briefActivities = 8

// briefFor renders the compact context compose prompts start from.
func briefFor(dc *crm.DealContext) string {
	b := dealBrief{
		Opportunity: dc.Opportunity.Name,
		Stage:       dc.Stage.Name,
		Summary:     dc.Intelligence.Summary,
	}
	for _, c := range dc.Contacts {
		b.Contacts = append(b.Contacts, briefContact{
			Name:   c.Contact.FullName(),
			Email:  c.Contact.Email,
			Title:  c.Contact.Title,
			Roles:  c.Intelligence.Roles,
			Engage: c.Intelligence.EngagementScore,
		})
	}
	for i, a := range dc.Activities {
		if i == briefActivities {
			break
		}
		b.Recent = append(b.Recent, briefActivity{
			ID:         a.ID,
			Kind:       string(a.Kind),
			Direction:  string(a.Direction),
			Subject:    a.Subject,
			Summary:    helpers.TruncateRunes(helpers.SanitizePlainText(a.Body), 400),
			OccurredAt: a.OccurredAt,
		})
	}
	out, _ := json.MarshalIndent(b, "", "  ")
	return string(out)
}

// compose asks the oracle for content matching schema and returns it as a
// generic object.
func compose(ctx context.Context, oracle llm.Oracle, operation, instruction string, action crm.ProposedAction, dc *crm.DealContext, schema *llm.Schema) (map[string]interface{}, error) {
	if oracle == nil {
		return nil, fmt.Errorf("%s: oracle not configured", operation)
	}
	draft, _ := json.MarshalIndent(action.Details, "", "  ")
	var user strings.Builder
	user.WriteString(instruction)
	user.WriteString("\n\nDeal brief:\n")
	user.WriteString(briefFor(dc))
	user.WriteString("\n\nDraft details:\n")
	user.Write(draft)
	if action.Reasoning != "" {
		user.WriteString("\n\nWhy this action: ")
		user.WriteString(action.Reasoning)
	}
	if req := action.Details.String("content_requirement"); req != "" {
		user.WriteString("\n\nContent requirement: ")
		user.WriteString(req)
	}

	resp, err := oracle.Generate(ctx, llm.Request{
		Operation: operation,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: composeSystemPrompt},
			{Role: llm.RoleUser, Content: user.String()},
		},
		Schema: schema.Raw(),
	})
	if err != nil {
		return nil, err
	}
	obj, err := resp.Object()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(UnwrapResult(obj)); err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	return obj, nil
}

// ResultUnwrapDepth is how many levels of {"result": {...}} wrapping are
// peeled off composed content.
const ResultUnwrapDepth = 2

// UnwrapResult walks at most ResultUnwrapDepth levels of "result" wrapping
// and returns the innermost object.
func UnwrapResult(obj map[string]interface{}) map[string]interface{} {
	cur := obj
	for i := 0; i < ResultUnwrapDepth; i++ {
		inner, ok := cur["result"].(map[string]interface{})
		if !ok {
			break
		}
		cur = inner
	}
	return cur
}
