package streams

import "fmt"

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

// Event types carried on the streams.
const (
	EventMailSend         = "mail.send"
	EventMailSchedule     = "mail.schedule"
	EventMailCancel       = "mail.cancel"
	EventCalendarCreate   = "calendar.create"
	EventCalendarUpdate   = "calendar.update"
	EventCalendarCancel   = "calendar.cancel"
	PayloadVersionCurrent = "v1"
)

// LifecycleEvents are the action.* types published on the actions stream.
var LifecycleEvents = []string{
	"action.proposed",
	"action.modified",
	"action.approved",
	"action.executed",
	"action.rejected",
	"action.cancelled",
}

const lifecycleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action_id", "opportunity_id", "type", "status"],
  "properties": {
    "action_id": {"type": "string", "minLength": 1},
    "opportunity_id": {"type": "string", "minLength": 1},
    "type": {"type": "string"},
    "status": {"type": "string", "enum": ["PROPOSED", "APPROVED", "EXECUTED", "REJECTED", "CANCELLED"]},
    "priority": {"type": "integer"},
    "reasoning": {"type": "string"},
    "failure_reason": {"type": "string"},
    "resulting_activities": {"type": "array"}
  },
  "additionalProperties": true
}`

var baseDefinitions = []Definition{
	{
		EventType: EventMailSend,
		Version:   PayloadVersionCurrent,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ref", "to", "subject", "body"],
  "properties": {
    "ref": {"type": "string", "minLength": 1},
    "to": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "cc": {"type": "array", "items": {"type": "string"}},
    "subject": {"type": "string"},
    "body": {"type": "string"},
    "thread_id": {"type": "string"},
    "opportunity_id": {"type": "string"},
    "action_id": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventMailSchedule,
		Version:   PayloadVersionCurrent,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ref", "to", "subject", "body", "send_at"],
  "properties": {
    "ref": {"type": "string", "minLength": 1},
    "to": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "subject": {"type": "string"},
    "body": {"type": "string"},
    "send_at": {"type": "string", "minLength": 1}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventMailCancel,
		Version:   PayloadVersionCurrent,
		Schema:    []byte(refOnlySchema),
	},
	{
		EventType: EventCalendarCreate,
		Version:   PayloadVersionCurrent,
		Schema:    []byte(calendarEventSchema),
	},
	{
		EventType: EventCalendarUpdate,
		Version:   PayloadVersionCurrent,
		Schema:    []byte(calendarEventSchema),
	},
	{
		EventType: EventCalendarCancel,
		Version:   PayloadVersionCurrent,
		Schema:    []byte(refOnlySchema),
	},
}

const refOnlySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ref"],
  "properties": {"ref": {"type": "string", "minLength": 1}},
  "additionalProperties": true
}`

const calendarEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["ref", "title", "attendees", "start", "end"],
  "properties": {
    "ref": {"type": "string", "minLength": 1},
    "title": {"type": "string"},
    "attendees": {"type": "array", "items": {"type": "string"}},
    "start": {"type": "string", "minLength": 1},
    "end": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "location": {"type": "string"}
  },
  "additionalProperties": true
}`

// BaseDefinitions returns every built-in schema, lifecycle events included.
func BaseDefinitions() []Definition {
	defs := append([]Definition(nil), baseDefinitions...)
	for _, ev := range LifecycleEvents {
		defs = append(defs, Definition{EventType: ev, Version: PayloadVersionCurrent, Schema: []byte(lifecycleSchema)})
	}
	return defs
}

// RegisterBaseSchemas loads the built-in schemas into reg.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	for _, def := range BaseDefinitions() {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s@%s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
