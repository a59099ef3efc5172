package crm

import (
	"strings"
	"time"
)

// ActionType identifies a kind of proposed sales action.
type ActionType string

const (
	ActionEmail               ActionType = "EMAIL"
	ActionTask                ActionType = "TASK"
	ActionMeeting             ActionType = "MEETING"
	ActionCall                ActionType = "CALL"
	ActionLinkedInMessage     ActionType = "LINKEDIN_MESSAGE"
	ActionNoAction            ActionType = "NO_ACTION"
	ActionLookup              ActionType = "LOOKUP"
	ActionUpdatePipelineStage ActionType = "UPDATE_PIPELINE_STAGE"
	ActionAddContact          ActionType = "ADD_CONTACT"
)

// ActionStatus is the lifecycle state of a ProposedAction.
type ActionStatus string

const (
	StatusProposed  ActionStatus = "PROPOSED"
	StatusApproved  ActionStatus = "APPROVED"
	StatusExecuted  ActionStatus = "EXECUTED"
	StatusRejected  ActionStatus = "REJECTED"
	StatusCancelled ActionStatus = "CANCELLED"
)

// Open reports whether the action still awaits a decision or execution.
func (s ActionStatus) Open() bool {
	return s == StatusProposed || s == StatusApproved
}

// Terminal reports whether no further transitions are expected.
func (s ActionStatus) Terminal() bool {
	return s == StatusRejected || s == StatusCancelled
}

// Actor tags who created or last edited an action.
type Actor string

const (
	ActorOracle Actor = "oracle"
	ActorHuman  Actor = "human"
)

// ActivityKind classifies historical records on an opportunity.
type ActivityKind string

const (
	KindEmail    ActivityKind = "email"
	KindLinkedIn ActivityKind = "linkedin"
	KindCall     ActivityKind = "call"
	KindMeeting  ActivityKind = "meeting"
	KindTask     ActivityKind = "task"
	KindNote     ActivityKind = "note"
)

// ActivityKinds lists every kind the assembler pulls history for.
func ActivityKinds() []ActivityKind {
	return []ActivityKind{KindEmail, KindLinkedIn, KindCall, KindMeeting, KindTask, KindNote}
}

// IsMessage reports whether the kind is a message-activity.
func (k ActivityKind) IsMessage() bool { return k == KindEmail || k == KindLinkedIn }

// IsCalendar reports whether the kind is a calendar-activity.
func (k ActivityKind) IsCalendar() bool { return k == KindMeeting }

// ActivityStatus tracks delivery/completion of an activity record.
type ActivityStatus string

const (
	ActivityDraft     ActivityStatus = "draft"
	ActivityScheduled ActivityStatus = "scheduled"
	ActivitySent      ActivityStatus = "sent"
	ActivityCompleted ActivityStatus = "completed"
	ActivityCancelled ActivityStatus = "cancelled"
	ActivityFailed    ActivityStatus = "failed"
)

// Direction of a communication relative to the seller.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
)

// PipelineStage is one step of the sales pipeline.
type PipelineStage struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Order  int    `json:"order"`
	Closed bool   `json:"closed"`
}

// DealIntelligence is the accumulated summary of a deal.
type DealIntelligence struct {
	Summary   string    `json:"summary"`
	Risks     []string  `json:"risks,omitempty"`
	NextSteps []string  `json:"next_steps,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Artifact is reference material shared in the deal's sales room.
type Artifact struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// Opportunity is the deal being worked.
type Opportunity struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	OwnerID      string           `json:"owner_id"`
	StageID      string           `json:"stage_id"`
	ContactIDs   []string         `json:"contact_ids"`
	Intelligence DealIntelligence `json:"intelligence"`
	Artifacts    []Artifact       `json:"artifacts,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Contact is a stakeholder on one or more opportunities.
type Contact struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Title     string `json:"title,omitempty"`
	Company   string `json:"company,omitempty"`
}

// FullName joins first and last name.
func (c Contact) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// ContactIntelligence is opportunity-scoped relationship data for a contact.
type ContactIntelligence struct {
	OpportunityID   string     `json:"opportunity_id"`
	ContactID       string     `json:"contact_id"`
	EngagementScore int        `json:"engagement_score"`
	Responsiveness  string     `json:"responsiveness"`
	Roles           []string   `json:"roles,omitempty"`
	LastContactedAt *time.Time `json:"last_contacted_at,omitempty"`
}

// ContactContext pairs a contact with its intelligence for one opportunity.
type ContactContext struct {
	Contact      Contact             `json:"contact"`
	Intelligence ContactIntelligence `json:"intelligence"`
}

// Activity is a historical record of something that happened on a deal.
type Activity struct {
	ID             string         `json:"id"`
	OpportunityID  string         `json:"opportunity_id"`
	Kind           ActivityKind   `json:"kind"`
	Subject        string         `json:"subject,omitempty"`
	Body           string         `json:"body,omitempty"`
	Direction      Direction      `json:"direction,omitempty"`
	Participants   []string       `json:"participants,omitempty"`
	ThreadID       string         `json:"thread_id,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	StartAt        *time.Time     `json:"start_at,omitempty"`
	EndAt          *time.Time     `json:"end_at,omitempty"`
	ScheduledFor   *time.Time     `json:"scheduled_for,omitempty"`
	Status         ActivityStatus `json:"status"`
	ExternalRef    string         `json:"external_ref,omitempty"`
	OriginActionID string         `json:"origin_action_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Cleanable reports whether the record is still in a pre-commitment state
// for its kind, so deleting it has no externally visible effect.
func (a Activity) Cleanable() bool {
	switch {
	case a.Kind.IsMessage():
		return a.Status == ActivityDraft || a.Status == ActivityScheduled
	case a.Kind == KindTask, a.Kind == KindCall, a.Kind == KindMeeting:
		return a.Status == ActivityScheduled
	default:
		return false
	}
}

// ActivityRef points at an activity created by executing an action.
type ActivityRef struct {
	ID   string       `json:"id"`
	Kind ActivityKind `json:"kind"`
}

// ProposedAction is a recommended, not-yet-executed sales action.
type ProposedAction struct {
	ID                  string                 `json:"id"`
	OpportunityID       string                 `json:"opportunity_id"`
	Type                ActionType             `json:"type"`
	Status              ActionStatus           `json:"status"`
	Details             Details                `json:"details"`
	Reasoning           string                 `json:"reasoning"`
	Priority            int                    `json:"priority"`
	SourceActivityIDs   []string               `json:"source_activity_ids"`
	ResultingActivities []ActivityRef          `json:"resulting_activities,omitempty"`
	CreatedBy           Actor                  `json:"created_by"`
	CreatedByID         string                 `json:"created_by_id,omitempty"`
	LastEditedBy        Actor                  `json:"last_edited_by"`
	LastEditedByID      string                 `json:"last_edited_by_id,omitempty"`
	ApprovedBy          string                 `json:"approved_by,omitempty"`
	AttachmentIDs       []string               `json:"attachment_ids,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	ScheduledFor        *time.Time             `json:"scheduled_for,omitempty"`
	ExecutedAt          *time.Time             `json:"executed_at,omitempty"`
	FailedAt            *time.Time             `json:"failed_at,omitempty"`
	FailureReason       string                 `json:"failure_reason,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// SetMeta records a metadata value, allocating the map on first use.
func (a *ProposedAction) SetMeta(key string, v interface{}) {
	if a.Metadata == nil {
		a.Metadata = make(map[string]interface{})
	}
	a.Metadata[key] = v
}

// MetaString returns a string metadata value or "".
func (a ProposedAction) MetaString(key string) string {
	if a.Metadata == nil {
		return ""
	}
	s, _ := a.Metadata[key].(string)
	return s
}

// Clone returns a copy that shares no mutable state with a.
func (a ProposedAction) Clone() ProposedAction {
	out := a
	out.Details = a.Details.Clone()
	out.SourceActivityIDs = append([]string(nil), a.SourceActivityIDs...)
	out.ResultingActivities = append([]ActivityRef(nil), a.ResultingActivities...)
	out.AttachmentIDs = append([]string(nil), a.AttachmentIDs...)
	if a.Metadata != nil {
		out.Metadata = Details(a.Metadata).Clone()
	}
	return out
}
