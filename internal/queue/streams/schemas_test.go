package streams

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func TestBaseSchemasValidate(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register base schemas: %v", err)
	}

	mail := map[string]interface{}{
		"ref":     "m-1",
		"to":      []string{"buyer@acme.test"},
		"subject": "Next steps",
		"body":    "<p>Hi</p>",
		"send_at": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(mail)
	if err := reg.Validate(EventMailSchedule, "v1", data); err != nil {
		t.Fatalf("expected mail.schedule payload to validate: %v", err)
	}

	delete(mail, "to")
	data, _ = json.Marshal(mail)
	if err := reg.Validate(EventMailSend, "v1", data); err == nil {
		t.Fatalf("expected mail.send without recipients to fail")
	}

	lifecycle := map[string]interface{}{
		"action_id":      "a-1",
		"opportunity_id": "o-1",
		"type":           "EMAIL",
		"status":         "CANCELLED",
	}
	data, _ = json.Marshal(lifecycle)
	for _, ev := range LifecycleEvents {
		if err := reg.Validate(ev, "v1", data); err != nil {
			t.Fatalf("expected %s payload to validate: %v", ev, err)
		}
	}
	lifecycle["status"] = "DONE"
	data, _ = json.Marshal(lifecycle)
	if err := reg.Validate("action.cancelled", "v1", data); err == nil {
		t.Fatalf("expected unknown status to fail")
	}
}

func TestRegistryUnknownEvent(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := reg.Validate("mail.send", "v1", []byte(`{}`)); err == nil {
		t.Fatalf("expected missing schema error")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventMailCancel, "opp-1", "pa-1", map[string]string{"ref": "x"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.EventID == "" || env.OccurredAt.IsZero() || env.PayloadVersion != PayloadVersionCurrent {
		t.Fatalf("defaults not filled: %#v", env)
	}
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.EventID != env.EventID || back.OpportunityID != "opp-1" || back.ActionID != "pa-1" {
		t.Fatalf("unexpected envelope %#v", back)
	}
	if !strings.Contains(string(back.Data), `"ref":"x"`) {
		t.Fatalf("payload lost: %s", back.Data)
	}
}

func TestEnvelopeCheckListsEveryMissingField(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"event_type":"x"}`))
	if err == nil {
		t.Fatalf("expected header errors")
	}
	for _, want := range []string{"event_id", "payload_version", "data"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %v", want, err)
		}
	}
}

func TestEnvelopePartitionKey(t *testing.T) {
	cases := []struct {
		env  Envelope
		want string
	}{
		{Envelope{EventID: "e", ActionID: "a", OpportunityID: "o"}, "o"},
		{Envelope{EventID: "e", ActionID: "a"}, "a"},
		{Envelope{EventID: "e"}, "e"},
	}
	for _, c := range cases {
		if got := c.env.PartitionKey(); got != c.want {
			t.Fatalf("partition key for %#v: got %q, want %q", c.env, got, c.want)
		}
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByOpportunity(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, registry: reg}

	id, err := PublishRaw(context.Background(), p, "dealflow.mail", EventMailCancel, map[string]string{"ref": "m-1"}, "opp-9", "a-1")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" || len(w.msgs) != 1 {
		t.Fatalf("expected one message and an id, got %q %d", id, len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Topic != "dealflow.mail" || string(msg.Key) != "opp-9" {
		t.Fatalf("unexpected message routing topic=%s key=%s", msg.Topic, msg.Key)
	}

	if _, err := PublishRaw(context.Background(), p, "dealflow.mail", EventMailCancel, map[string]string{}, "opp-9", "a-1"); err == nil {
		t.Fatalf("expected schema failure for payload without ref")
	}

	w.err = errors.New("broker down")
	if _, err := PublishRaw(context.Background(), p, "dealflow.mail", EventMailCancel, map[string]string{"ref": "m-2"}, "opp-9", "a-1"); err == nil {
		t.Fatalf("expected broker error")
	}
}
