package streams

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope carries one provider command or lifecycle event, whichever
// backend delivers it. Data is validated against the schema registered for
// EventType@PayloadVersion.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	OpportunityID  string          `json:"opportunity_id,omitempty"`
	ActionID       string          `json:"action_id,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// NewEnvelope encodes payload for eventType, scoped to a deal and optionally
// an action.
func NewEnvelope(eventType, opportunityID, actionID string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	env := Envelope{
		EventType:     eventType,
		OpportunityID: opportunityID,
		ActionID:      actionID,
		Data:          data,
	}
	env.fillDefaults()
	return env, nil
}

func (e *Envelope) fillDefaults() {
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if e.PayloadVersion == "" {
		e.PayloadVersion = PayloadVersionCurrent
	}
}

// Check reports every missing header field at once.
func (e Envelope) Check() error {
	var errs []error
	if e.EventID == "" {
		errs = append(errs, errors.New("event_id is required"))
	}
	if e.EventType == "" {
		errs = append(errs, errors.New("event_type is required"))
	}
	if e.PayloadVersion == "" {
		errs = append(errs, errors.New("payload_version is required"))
	}
	if len(e.Data) == 0 {
		errs = append(errs, errors.New("data is required"))
	}
	return errors.Join(errs...)
}

// PartitionKey keeps every message of one deal on one partition. Messages
// with no deal fall back to the action, then to the event itself.
func (e Envelope) PartitionKey() string {
	switch {
	case e.OpportunityID != "":
		return e.OpportunityID
	case e.ActionID != "":
		return e.ActionID
	default:
		return e.EventID
	}
}

// Encode checks e and returns its wire form.
func (e Envelope) Encode() ([]byte, error) {
	if err := e.Check(); err != nil {
		return nil, fmt.Errorf("envelope %s: %w", e.EventType, err)
	}
	return json.Marshal(e)
}

// DecodeEnvelope is the inverse of Encode, for delivery workers and tests.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Check(); err != nil {
		return env, fmt.Errorf("envelope %s: %w", env.EventType, err)
	}
	return env, nil
}
