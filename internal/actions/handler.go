// Package actions holds the action type registry and one handler per kind.
// Handlers own the shape of an action's details: they validate oracle
// drafts against ground truth, compose final content and execute the
// approved action inside a transaction.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/comms"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/llm"
)

// ExecResult reports what executing an action produced.
type ExecResult struct {
	// Activity is set when execution created a record that may need
	// unwinding later.
	Activity *crm.ActivityRef
	Summary  string
}

// Handler is the capability set of one action kind.
type Handler interface {
	Type() crm.ActionType
	Description() string
	// Schema is the JSON Schema of the details object.
	Schema() json.RawMessage
	// ValidateDetails checks a draft against the deal context and returns
	// normalised details.
	ValidateDetails(action crm.ProposedAction, dc *crm.DealContext, gt crm.GroundTruth) (crm.Details, error)
	// ComposeContent returns content to merge over the draft details. A nil
	// map means the kind composes nothing.
	ComposeContent(ctx context.Context, action crm.ProposedAction, dc *crm.DealContext) (map[string]interface{}, error)
	Execute(ctx context.Context, action crm.ProposedAction, actorID string, tx crm.Tx) (ExecResult, error)
}

// Converter is implemented by kinds whose composition can decide that the
// action should become a different kind.
type Converter interface {
	// Convert inspects composed details and returns the replacement draft
	// when the action cannot stand as composed.
	Convert(action crm.ProposedAction, composed crm.Details) (crm.ProposedAction, bool)
}

// Unwinder is implemented by kinds whose resulting records have a
// provider-side counterpart that must be withdrawn before deletion.
type Unwinder interface {
	Unwind(ctx context.Context, activity crm.Activity) error
}

// EventManager applies reconciliation decisions to upcoming calendar events.
type EventManager interface {
	CancelEvent(ctx context.Context, tx crm.Tx, event crm.Activity) error
	RescheduleEvent(ctx context.Context, tx crm.Tx, event crm.Activity, start time.Time, duration time.Duration) error
}

// Clock returns the current time.
type Clock func() time.Time

// Deps are the collaborators handlers may use.
type Deps struct {
	Oracle   llm.Oracle
	Mailer   comms.Mailer
	Calendar comms.Calendar
	Fetcher  Fetcher
	Clock    Clock
	Logger   *log.Logger
	// MinConfidence is the lookup answer confidence below which a lookup
	// is turned into a manual task.
	MinConfidence float64
	FetchTimeout  time.Duration
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock().UTC()
	}
	return time.Now().UTC()
}

func (d Deps) logger() *log.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return log.New(log.Writer(), "[ACTIONS] ", log.LstdFlags)
}

// invalid marks a details problem as invalid oracle output.
func invalid(t crm.ActionType, format string, args ...interface{}) error {
	return fmt.Errorf("%s details: %s: %w", t, fmt.Sprintf(format, args...), crm.ErrInvalidOracleOutput)
}

// base carries the parts every handler shares.
type base struct {
	kind        crm.ActionType
	description string
	schema      *llm.Schema
}

func newBase(kind crm.ActionType, description, schema string) base {
	return base{
		kind:        kind,
		description: description,
		schema:      llm.MustCompileSchema("details_"+string(kind), json.RawMessage(schema)),
	}
}

func (b base) Type() crm.ActionType    { return b.kind }
func (b base) Description() string     { return b.description }
func (b base) Schema() json.RawMessage { return b.schema.Raw() }

// decode checks d against the kind's schema and decodes it into v.
func (b base) decode(d crm.Details, v interface{}) error {
	if d == nil {
		return invalid(b.kind, "details missing")
	}
	if err := b.schema.Validate(d); err != nil {
		return fmt.Errorf("%s details: %w", b.kind, err)
	}
	if err := d.Decode(v); err != nil {
		return invalid(b.kind, "%v", err)
	}
	return nil
}

// noCompose is embedded by kinds that compose nothing.
type noCompose struct{}

func (noCompose) ComposeContent(context.Context, crm.ProposedAction, *crm.DealContext) (map[string]interface{}, error) {
	return nil, nil
}

// newActivity fills the fields every resulting record shares.
func newActivity(a crm.ProposedAction, kind crm.ActivityKind, now time.Time) *crm.Activity {
	return &crm.Activity{
		OpportunityID:  a.OpportunityID,
		Kind:           kind,
		Direction:      crm.DirectionOutbound,
		OccurredAt:     now,
		OriginActionID: a.ID,
		CreatedAt:      now,
	}
}

func refOf(a *crm.Activity) *crm.ActivityRef {
	return &crm.ActivityRef{ID: a.ID, Kind: a.Kind}
}
