package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/actions"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/helpers"
)

const proposalSystemPrompt = `You are a sales strategist working one opportunity for a seller.
Recommend the next concrete actions, most important first.

Rules:
- Every action must cite the activity ids it responds to in source_activity_ids.
  Use only ids that appear in the context.
- Address people only by contact emails that appear in the context.
- Do not repeat work that an open action already covers.
- Reply with one JSON object {"actions": [...]} matching the schema.

Available action types:
%s`

const evaluationSystemPrompt = `You review the open actions and upcoming calendar events of one
opportunity after new activity arrived.

For every open action decide KEEP, CANCEL or MODIFY. A MODIFY carries a patch
with only the detail fields that change, plus a content_requirement describing
what the rewritten content must say.
For every upcoming event decide KEEP, CANCEL or RESCHEDULE. A RESCHEDULE
carries new_start (RFC 3339) and optionally duration_minutes.
Set needs_new_actions when the new activity calls for work no open action
covers, and justify it.
Use only action and event ids that appear in the context. Reply with one JSON
object matching the schema.`

type promptActivity struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Direction    string     `json:"direction,omitempty"`
	Status       string     `json:"status,omitempty"`
	Subject      string     `json:"subject,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	Participants []string   `json:"participants,omitempty"`
	OccurredAt   time.Time  `json:"occurred_at"`
	StartAt      *time.Time `json:"start_at,omitempty"`
	EndAt        *time.Time `json:"end_at,omitempty"`
}

type promptContact struct {
	Name            string   `json:"name"`
	Email           string   `json:"email"`
	Title           string   `json:"title,omitempty"`
	Roles           []string `json:"roles,omitempty"`
	EngagementScore int      `json:"engagement_score"`
	Responsiveness  string   `json:"responsiveness,omitempty"`
}

type promptAction struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Status    string      `json:"status"`
	Priority  int         `json:"priority"`
	Details   crm.Details `json:"details"`
	Reasoning string      `json:"reasoning,omitempty"`
}

type promptContext struct {
	Opportunity  string               `json:"opportunity"`
	Stage        string               `json:"current_stage"`
	StageOptions []string             `json:"stage_options"`
	Intelligence crm.DealIntelligence `json:"intelligence"`
	Artifacts    []crm.Artifact       `json:"reference_material,omitempty"`
	Contacts     []promptContact      `json:"contacts"`
	Activities   []promptActivity     `json:"recent_activities"`
	FutureEvents []promptActivity     `json:"future_events"`
	OpenActions  []promptAction       `json:"open_actions"`
	Now          time.Time            `json:"now"`
}

const promptBodyRunes = 1200

func toPromptActivity(a crm.Activity) promptActivity {
	return promptActivity{
		ID:           a.ID,
		Kind:         string(a.Kind),
		Direction:    string(a.Direction),
		Status:       string(a.Status),
		Subject:      a.Subject,
		Summary:      helpers.TruncateRunes(helpers.SanitizePlainText(a.Body), promptBodyRunes),
		Participants: a.Participants,
		OccurredAt:   a.OccurredAt,
		StartAt:      a.StartAt,
		EndAt:        a.EndAt,
	}
}

// renderContext serialises the deal snapshot for the oracle.
func renderContext(dc *crm.DealContext) string {
	pc := promptContext{
		Opportunity:  dc.Opportunity.Name,
		Stage:        dc.Stage.Name,
		Intelligence: dc.Intelligence,
		Artifacts:    dc.Opportunity.Artifacts,
		Contacts:     []promptContact{},
		Activities:   []promptActivity{},
		FutureEvents: []promptActivity{},
		OpenActions:  []promptAction{},
		Now:          dc.AssembledAt,
	}
	for _, s := range dc.Stages {
		pc.StageOptions = append(pc.StageOptions, fmt.Sprintf("%s (%s)", s.Name, s.ID))
	}
	for _, c := range dc.Contacts {
		pc.Contacts = append(pc.Contacts, promptContact{
			Name:            c.Contact.FullName(),
			Email:           c.Contact.Email,
			Title:           c.Contact.Title,
			Roles:           c.Intelligence.Roles,
			EngagementScore: c.Intelligence.EngagementScore,
			Responsiveness:  c.Intelligence.Responsiveness,
		})
	}
	for _, a := range dc.Activities {
		pc.Activities = append(pc.Activities, toPromptActivity(a))
	}
	for _, a := range dc.FutureEvents {
		pc.FutureEvents = append(pc.FutureEvents, toPromptActivity(a))
	}
	for _, a := range dc.OpenActions {
		pc.OpenActions = append(pc.OpenActions, promptAction{
			ID:        a.ID,
			Type:      string(a.Type),
			Status:    string(a.Status),
			Priority:  a.Priority,
			Details:   a.Details,
			Reasoning: a.Reasoning,
		})
	}
	out, _ := json.MarshalIndent(pc, "", "  ")
	return string(out)
}

func proposalSystem(r actions.Registry) string {
	return fmt.Sprintf(proposalSystemPrompt, strings.TrimRight(actions.Describe(r), "\n"))
}

// retryMessage is appended after a rejected attempt.
func retryMessage(reason string, attemptsLeft int) string {
	return fmt.Sprintf("Your previous answer was rejected: %s\nAttempts remaining: %d. Be strict: cite only activity ids and contact emails that appear verbatim in the context.", reason, attemptsLeft)
}
