package comms

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/queue/streams"
)

type capturePublisher struct {
	streams []string
	envs    []streams.Envelope
	err     error
}

func (c *capturePublisher) Publish(_ context.Context, stream string, env streams.Envelope) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.streams = append(c.streams, stream)
	c.envs = append(c.envs, env)
	return "1-0", nil
}

func TestStreamMailerSchedule(t *testing.T) {
	pub := &capturePublisher{}
	m := NewStreamMailer(pub, "dealflow.mail")
	at := time.Date(2030, 1, 2, 9, 0, 0, 0, time.UTC)

	ref, err := m.Schedule(context.Background(), Message{To: []string{"a@x.test"}, Subject: "hi", Body: "b", OpportunityID: "o1", ActionID: "a1"}, at)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !strings.HasPrefix(ref, "mail-") {
		t.Fatalf("unexpected ref %s", ref)
	}
	if len(pub.envs) != 1 || pub.streams[0] != "dealflow.mail" {
		t.Fatalf("expected one envelope on dealflow.mail, got %v", pub.streams)
	}
	env := pub.envs[0]
	if env.EventType != streams.EventMailSchedule || env.OpportunityID != "o1" || env.ActionID != "a1" {
		t.Fatalf("unexpected envelope %#v", env)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(env.Data, &doc); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if doc["ref"] != ref || doc["send_at"] != "2030-01-02T09:00:00Z" {
		t.Fatalf("unexpected payload %v", doc)
	}
}

func TestStreamMailerRejectsEmptyRecipients(t *testing.T) {
	m := NewStreamMailer(&capturePublisher{}, "s")
	if _, err := m.Send(context.Background(), Message{Subject: "x"}); err == nil {
		t.Fatalf("expected recipient error")
	}
	if err := m.CancelScheduled(context.Background(), " "); err == nil {
		t.Fatalf("expected empty ref error")
	}
}

func TestStreamCalendarCreateAndCancel(t *testing.T) {
	pub := &capturePublisher{}
	c := NewStreamCalendar(pub, "dealflow.calendar")
	start := time.Now().Add(24 * time.Hour)
	ref, err := c.Create(context.Background(), Event{Title: "Demo", Attendees: []string{"a@x.test"}, Start: start, End: start.Add(30 * time.Minute)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Cancel(context.Background(), ref); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(pub.envs) != 2 || pub.envs[1].EventType != streams.EventCalendarCancel {
		t.Fatalf("unexpected envelopes %#v", pub.envs)
	}
	if _, err := c.Create(context.Background(), Event{Title: "Bad", Start: start, End: start}); err == nil {
		t.Fatalf("expected end-after-start error")
	}
}

func TestStreamNotifierSwallowsErrors(t *testing.T) {
	pub := &capturePublisher{err: errors.New("redis down")}
	n := NewStreamNotifier(pub, "dealflow.actions", nil)
	n.ActionChanged(context.Background(), crm.EventCancelled, crm.ProposedAction{ID: "a1", OpportunityID: "o1", Type: crm.ActionTask, Status: crm.StatusCancelled})

	pub.err = nil
	n.ActionChanged(context.Background(), crm.EventExecuted, crm.ProposedAction{ID: "a2", OpportunityID: "o1", Type: crm.ActionEmail, Status: crm.StatusExecuted})
	if len(pub.envs) != 1 || pub.envs[0].EventType != crm.EventExecuted || pub.envs[0].ActionID != "a2" {
		t.Fatalf("unexpected envelopes %#v", pub.envs)
	}
}
