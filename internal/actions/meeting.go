package actions

import (
	"context"
	"fmt"
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/comms"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/helpers"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm"
)

// Meeting modes.
const (
	MeetingCreate = "create"
	MeetingUpdate = "update"
	MeetingCancel = "cancel"
)

const (
	minMeetingMinutes     = 15
	maxMeetingMinutes     = 240
	defaultMeetingMinutes = 30
)

const meetingSchema = `{
  "type": "object",
  "properties": {
    "mode": {"type": "string", "enum": ["create", "update", "cancel"]},
    "title": {"type": "string"},
    "attendees": {"type": "array", "items": {"type": "string"}},
    "start": {"type": "string", "format": "date-time"},
    "duration_minutes": {"type": "integer", "minimum": 15, "maximum": 240},
    "agenda": {"type": "string"},
    "location": {"type": "string"},
    "existing_activity_id": {"type": "string"}
  }
}`

var meetingComposeSchema = llm.MustCompileSchema("compose_meeting", []byte(`{
  "type": "object",
  "required": ["agenda"],
  "properties": {
    "title": {"type": "string"},
    "agenda": {"type": "string", "minLength": 1}
  }
}`))

type meetingDetails struct {
	Mode               string     `json:"mode"`
	Title              string     `json:"title,omitempty"`
	Attendees          []string   `json:"attendees,omitempty"`
	Start              *time.Time `json:"start,omitempty"`
	DurationMinutes    int        `json:"duration_minutes,omitempty"`
	Agenda             string     `json:"agenda,omitempty"`
	Location           string     `json:"location,omitempty"`
	ExistingActivityID string     `json:"existing_activity_id,omitempty"`
}

func (d meetingDetails) duration() time.Duration {
	if d.DurationMinutes <= 0 {
		return defaultMeetingMinutes * time.Minute
	}
	return time.Duration(d.DurationMinutes) * time.Minute
}

type meetingHandler struct {
	base
	deps Deps
}

func newMeetingHandler(deps Deps) *meetingHandler {
	return &meetingHandler{
		base: newBase(crm.ActionMeeting,
			"Schedule a new meeting with contacts (mode=create), move or edit an upcoming meeting (mode=update) or cancel one (mode=cancel). Update and cancel need existing_activity_id.",
			meetingSchema),
		deps: deps,
	}
}

func (h *meetingHandler) ValidateDetails(action crm.ProposedAction, dc *crm.DealContext, gt crm.GroundTruth) (crm.Details, error) {
	var d meetingDetails
	if err := h.decode(action.Details, &d); err != nil {
		return nil, err
	}
	if d.Mode == "" {
		d.Mode = MeetingCreate
	}
	if d.DurationMinutes != 0 && (d.DurationMinutes < minMeetingMinutes || d.DurationMinutes > maxMeetingMinutes) {
		return nil, invalid(h.kind, "duration_minutes must be within %d-%d", minMeetingMinutes, maxMeetingMinutes)
	}
	attendees, err := knownRecipients(h.kind, d.Attendees, gt)
	if err != nil {
		return nil, err
	}
	d.Attendees = attendees
	now := h.deps.now()

	switch d.Mode {
	case MeetingCreate:
		if len(d.Attendees) == 0 {
			return nil, invalid(h.kind, "meeting needs at least one attendee")
		}
		if d.Start == nil || !d.Start.After(now) {
			return nil, invalid(h.kind, "start must be in the future")
		}
		if d.DurationMinutes == 0 {
			d.DurationMinutes = defaultMeetingMinutes
		}
		d.ExistingActivityID = ""
	case MeetingUpdate, MeetingCancel:
		if d.ExistingActivityID == "" || !gt.HasActivity(d.ExistingActivityID) {
			return nil, invalid(h.kind, "existing_activity_id %q is not a known activity", d.ExistingActivityID)
		}
		if existing, ok := dc.Activity(d.ExistingActivityID); ok && !existing.Kind.IsCalendar() {
			return nil, invalid(h.kind, "activity %s is not a meeting", d.ExistingActivityID)
		}
		if d.Mode == MeetingUpdate && d.Start != nil && !d.Start.After(now) {
			return nil, invalid(h.kind, "start must be in the future")
		}
	}
	d.Title = helpers.SanitizePlainText(d.Title)
	d.Agenda = helpers.SanitizePlainText(d.Agenda)
	return crm.DetailsFrom(d)
}

func (h *meetingHandler) ComposeContent(ctx context.Context, action crm.ProposedAction, dc *crm.DealContext) (map[string]interface{}, error) {
	if action.Details.String("mode") == MeetingCancel {
		return nil, nil
	}
	obj, err := compose(ctx, h.deps.Oracle, "compose.meeting",
		"Write a concise meeting title and a plain-text agenda of three to five bullet points.",
		action, dc, meetingComposeSchema)
	if err != nil {
		return nil, err
	}
	content := UnwrapResult(obj)
	for _, k := range []string{"title", "agenda"} {
		if v, ok := content[k].(string); ok {
			content[k] = helpers.SanitizePlainText(v)
		}
	}
	return obj, nil
}

func (h *meetingHandler) Execute(ctx context.Context, action crm.ProposedAction, _ string, tx crm.Tx) (ExecResult, error) {
	var d meetingDetails
	if err := action.Details.Decode(&d); err != nil {
		return ExecResult{}, fmt.Errorf("decode meeting details: %w", err)
	}
	if h.deps.Calendar == nil {
		return ExecResult{}, fmt.Errorf("calendar not configured")
	}
	switch d.Mode {
	case MeetingUpdate:
		existing, err := tx.GetActivity(ctx, d.ExistingActivityID)
		if err != nil {
			return ExecResult{}, err
		}
		if err := h.update(ctx, tx, existing, d); err != nil {
			return ExecResult{}, err
		}
		return ExecResult{Summary: "meeting updated"}, nil
	case MeetingCancel:
		existing, err := tx.GetActivity(ctx, d.ExistingActivityID)
		if err != nil {
			return ExecResult{}, err
		}
		if err := h.CancelEvent(ctx, tx, existing); err != nil {
			return ExecResult{}, err
		}
		return ExecResult{Summary: "meeting cancelled"}, nil
	}

	if d.Start == nil {
		return ExecResult{}, fmt.Errorf("meeting %s has no start", action.ID)
	}
	start := d.Start.UTC()
	end := start.Add(d.duration())
	now := h.deps.now()
	act := newActivity(action, crm.KindMeeting, now)
	act.Subject = d.Title
	act.Body = d.Agenda
	act.Participants = d.Attendees
	act.StartAt = &start
	act.EndAt = &end
	act.ScheduledFor = &start
	act.Status = crm.ActivityScheduled
	if err := tx.InsertActivity(ctx, act); err != nil {
		return ExecResult{}, fmt.Errorf("insert meeting activity: %w", err)
	}
	ref, err := h.deps.Calendar.Create(ctx, comms.Event{
		Title:         d.Title,
		Attendees:     d.Attendees,
		Start:         start,
		End:           end,
		Description:   d.Agenda,
		Location:      d.Location,
		OpportunityID: action.OpportunityID,
		ActionID:      action.ID,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("create calendar event: %w", err)
	}
	act.ExternalRef = ref
	if err := tx.UpdateActivity(ctx, *act); err != nil {
		return ExecResult{}, fmt.Errorf("record calendar ref: %w", err)
	}
	return ExecResult{Activity: refOf(act), Summary: "meeting scheduled for " + start.Format(time.RFC3339)}, nil
}

func (h *meetingHandler) update(ctx context.Context, tx crm.Tx, existing crm.Activity, d meetingDetails) error {
	if d.Title != "" {
		existing.Subject = d.Title
	}
	if d.Agenda != "" {
		existing.Body = d.Agenda
	}
	if len(d.Attendees) > 0 {
		existing.Participants = d.Attendees
	}
	if d.Start != nil {
		dur := d.duration()
		if d.DurationMinutes == 0 && existing.StartAt != nil && existing.EndAt != nil {
			dur = existing.EndAt.Sub(*existing.StartAt)
		}
		start := d.Start.UTC()
		end := start.Add(dur)
		existing.StartAt, existing.EndAt, existing.ScheduledFor = &start, &end, &start
	}
	return h.push(ctx, tx, existing, d.Location)
}

// push sends the activity's current shape to the provider and stores it.
func (h *meetingHandler) push(ctx context.Context, tx crm.Tx, ev crm.Activity, location string) error {
	if ev.ExternalRef != "" && ev.StartAt != nil && ev.EndAt != nil {
		err := h.deps.Calendar.Update(ctx, ev.ExternalRef, comms.Event{
			Title:         ev.Subject,
			Attendees:     ev.Participants,
			Start:         *ev.StartAt,
			End:           *ev.EndAt,
			Description:   ev.Body,
			Location:      location,
			OpportunityID: ev.OpportunityID,
		})
		if err != nil {
			return fmt.Errorf("update calendar event: %w", err)
		}
	}
	if err := tx.UpdateActivity(ctx, ev); err != nil {
		return fmt.Errorf("update meeting activity: %w", err)
	}
	return nil
}

// CancelEvent cancels the provider event and marks the record cancelled.
func (h *meetingHandler) CancelEvent(ctx context.Context, tx crm.Tx, ev crm.Activity) error {
	if h.deps.Calendar == nil {
		return fmt.Errorf("calendar not configured")
	}
	if ev.ExternalRef != "" {
		if err := h.deps.Calendar.Cancel(ctx, ev.ExternalRef); err != nil {
			return fmt.Errorf("cancel calendar event: %w", err)
		}
	}
	ev.Status = crm.ActivityCancelled
	if err := tx.UpdateActivity(ctx, ev); err != nil {
		return fmt.Errorf("mark meeting cancelled: %w", err)
	}
	return nil
}

// RescheduleEvent moves the event to start. A zero duration keeps the
// current length.
func (h *meetingHandler) RescheduleEvent(ctx context.Context, tx crm.Tx, ev crm.Activity, start time.Time, duration time.Duration) error {
	if h.deps.Calendar == nil {
		return fmt.Errorf("calendar not configured")
	}
	if duration <= 0 {
		duration = defaultMeetingMinutes * time.Minute
		if ev.StartAt != nil && ev.EndAt != nil && ev.EndAt.After(*ev.StartAt) {
			duration = ev.EndAt.Sub(*ev.StartAt)
		}
	}
	start = start.UTC()
	end := start.Add(duration)
	ev.StartAt, ev.EndAt, ev.ScheduledFor = &start, &end, &start
	return h.push(ctx, tx, ev, "")
}

// Unwind cancels the provider event behind a meeting record.
func (h *meetingHandler) Unwind(ctx context.Context, activity crm.Activity) error {
	if activity.ExternalRef == "" || h.deps.Calendar == nil {
		return nil
	}
	return h.deps.Calendar.Cancel(ctx, activity.ExternalRef)
}
