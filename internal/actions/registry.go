package actions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/crm"
)

// Registry maps action kinds to handlers.
type Registry interface {
	Get(t crm.ActionType) (Handler, bool)
	Types() []crm.ActionType
}

// HandlerRegistry is the closed set of handlers the pipeline works with.
type HandlerRegistry struct {
	handlers map[crm.ActionType]Handler
	order    []crm.ActionType
}

// NewRegistry registers handlers. A kind registered twice is an error.
func NewRegistry(handlers ...Handler) (*HandlerRegistry, error) {
	r := &HandlerRegistry{handlers: make(map[crm.ActionType]Handler, len(handlers))}
	for _, h := range handlers {
		if _, dup := r.handlers[h.Type()]; dup {
			return nil, fmt.Errorf("action type %s registered twice", h.Type())
		}
		r.handlers[h.Type()] = h
		r.order = append(r.order, h.Type())
	}
	return r, nil
}

// Default builds the registry of every built-in kind.
func Default(deps Deps) *HandlerRegistry {
	r, err := NewRegistry(
		newEmailHandler(deps),
		newTaskHandler(deps),
		newMeetingHandler(deps),
		newCallHandler(deps),
		newLinkedInHandler(deps),
		newNoActionHandler(),
		newLookupHandler(deps),
		newStageHandler(),
		newContactHandler(),
	)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *HandlerRegistry) Get(t crm.ActionType) (Handler, bool) {
	h, ok := r.handlers[crm.ActionType(strings.ToUpper(strings.TrimSpace(string(t))))]
	return h, ok
}

// Types lists registered kinds in registration order.
func (r *HandlerRegistry) Types() []crm.ActionType {
	return append([]crm.ActionType(nil), r.order...)
}

// Describe renders one line per kind for prompts.
func Describe(r Registry) string {
	var b strings.Builder
	for _, t := range r.Types() {
		h, _ := r.Get(t)
		fmt.Fprintf(&b, "- %s: %s\n", t, h.Description())
	}
	return b.String()
}

// EventManagerOf returns the handler that manages calendar events, if any.
func EventManagerOf(r Registry) (EventManager, bool) {
	for _, t := range r.Types() {
		h, _ := r.Get(t)
		if em, ok := h.(EventManager); ok {
			return em, true
		}
	}
	return nil, false
}

// UnionSchema is the output shape of the proposal call: up to maxActions
// actions, each a discriminated variant keyed on "type".
func UnionSchema(r Registry, maxActions int) json.RawMessage {
	types := r.Types()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	variants := make([]map[string]interface{}, 0, len(types))
	for _, t := range types {
		h, _ := r.Get(t)
		variants = append(variants, map[string]interface{}{
			"type":     "object",
			"required": []string{"type", "details", "reasoning", "priority", "source_activity_ids"},
			"properties": map[string]interface{}{
				"type":                map[string]interface{}{"const": string(t)},
				"details":             json.RawMessage(h.Schema()),
				"reasoning":           map[string]interface{}{"type": "string"},
				"priority":            map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 5},
				"source_activity_ids": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			},
		})
	}
	doc := map[string]interface{}{
		"type":     "object",
		"required": []string{"actions"},
		"properties": map[string]interface{}{
			"actions": map[string]interface{}{
				"type":     "array",
				"maxItems": maxActions,
				"items":    map[string]interface{}{"oneOf": variants},
			},
		},
	}
	out, _ := json.Marshal(doc)
	return out
}
