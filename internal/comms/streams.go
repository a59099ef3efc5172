package comms

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/queue/streams"
)

// StreamMailer turns mail operations into command envelopes for a
// delivery worker. The ref is generated here so it is known before the
// worker runs.
type StreamMailer struct {
	pub    streams.Publisher
	stream string
}

// NewStreamMailer publishes to stream through pub.
func NewStreamMailer(pub streams.Publisher, stream string) *StreamMailer {
	return &StreamMailer{pub: pub, stream: stream}
}

type mailCommand struct {
	Ref string `json:"ref"`
	Message
	SendAt string `json:"send_at,omitempty"`
}

func (m *StreamMailer) Send(ctx context.Context, msg Message) (string, error) {
	if len(msg.To) == 0 {
		return "", fmt.Errorf("mail send: no recipients")
	}
	ref := "mail-" + uuid.NewString()
	cmd := mailCommand{Ref: ref, Message: msg}
	if _, err := streams.PublishRaw(ctx, m.pub, m.stream, streams.EventMailSend, cmd, msg.OpportunityID, msg.ActionID); err != nil {
		return "", fmt.Errorf("mail send: %w", err)
	}
	return ref, nil
}

func (m *StreamMailer) Schedule(ctx context.Context, msg Message, at time.Time) (string, error) {
	if len(msg.To) == 0 {
		return "", fmt.Errorf("mail schedule: no recipients")
	}
	ref := "mail-" + uuid.NewString()
	cmd := mailCommand{Ref: ref, Message: msg, SendAt: at.UTC().Format(time.RFC3339)}
	if _, err := streams.PublishRaw(ctx, m.pub, m.stream, streams.EventMailSchedule, cmd, msg.OpportunityID, msg.ActionID); err != nil {
		return "", fmt.Errorf("mail schedule: %w", err)
	}
	return ref, nil
}

func (m *StreamMailer) CancelScheduled(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("mail cancel: empty ref")
	}
	if _, err := streams.PublishRaw(ctx, m.pub, m.stream, streams.EventMailCancel, map[string]string{"ref": ref}, "", ""); err != nil {
		return fmt.Errorf("mail cancel: %w", err)
	}
	return nil
}

// StreamCalendar publishes calendar commands.
type StreamCalendar struct {
	pub    streams.Publisher
	stream string
}

// NewStreamCalendar publishes to stream through pub.
func NewStreamCalendar(pub streams.Publisher, stream string) *StreamCalendar {
	return &StreamCalendar{pub: pub, stream: stream}
}

type calendarCommand struct {
	Ref string `json:"ref"`
	Event
}

func (c *StreamCalendar) Create(ctx context.Context, ev Event) (string, error) {
	if !ev.End.After(ev.Start) {
		return "", fmt.Errorf("calendar create: end must be after start")
	}
	ref := "cal-" + uuid.NewString()
	if _, err := streams.PublishRaw(ctx, c.pub, c.stream, streams.EventCalendarCreate, calendarCommand{Ref: ref, Event: ev}, ev.OpportunityID, ev.ActionID); err != nil {
		return "", fmt.Errorf("calendar create: %w", err)
	}
	return ref, nil
}

func (c *StreamCalendar) Update(ctx context.Context, ref string, ev Event) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("calendar update: empty ref")
	}
	if _, err := streams.PublishRaw(ctx, c.pub, c.stream, streams.EventCalendarUpdate, calendarCommand{Ref: ref, Event: ev}, ev.OpportunityID, ev.ActionID); err != nil {
		return fmt.Errorf("calendar update: %w", err)
	}
	return nil
}

func (c *StreamCalendar) Cancel(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("calendar cancel: empty ref")
	}
	if _, err := streams.PublishRaw(ctx, c.pub, c.stream, streams.EventCalendarCancel, map[string]string{"ref": ref}, "", ""); err != nil {
		return fmt.Errorf("calendar cancel: %w", err)
	}
	return nil
}
