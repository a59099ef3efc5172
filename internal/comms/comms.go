// Package comms defines the outbound communication providers the action
// handlers talk to and stream-backed implementations of them.
package comms

import (
	"context"
	"time"
)

// Message is one outbound email.
type Message struct {
	To            []string `json:"to"`
	CC            []string `json:"cc,omitempty"`
	Subject       string   `json:"subject"`
	Body          string   `json:"body"`
	ThreadID      string   `json:"thread_id,omitempty"`
	OpportunityID string   `json:"opportunity_id,omitempty"`
	ActionID      string   `json:"action_id,omitempty"`
}

// Mailer delivers or schedules email. Returned refs identify the message
// with the provider and are stored as the activity's external reference.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
	Schedule(ctx context.Context, msg Message, at time.Time) (string, error)
	CancelScheduled(ctx context.Context, ref string) error
}

// Event is a calendar invitation.
type Event struct {
	Title         string    `json:"title"`
	Attendees     []string  `json:"attendees"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Description   string    `json:"description,omitempty"`
	Location      string    `json:"location,omitempty"`
	OpportunityID string    `json:"opportunity_id,omitempty"`
	ActionID      string    `json:"action_id,omitempty"`
}

// Calendar manages provider-side calendar events.
type Calendar interface {
	Create(ctx context.Context, ev Event) (string, error)
	Update(ctx context.Context, ref string, ev Event) error
	Cancel(ctx context.Context, ref string) error
}
