package crm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Details is the type-specific payload of a proposed action. Its shape is
// owned by the handler registered for the action's type.
type Details map[string]interface{}

// DetailsFrom converts a typed detail struct into a Details map.
func DetailsFrom(v interface{}) (Details, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	var out Details
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal details: %w", err)
	}
	if out == nil {
		out = Details{}
	}
	return out, nil
}

// Decode fills v (a pointer to a typed detail struct) from d.
func (d Details) Decode(v interface{}) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode details: %w", err)
	}
	return nil
}

// String returns the trimmed string value for key, or "".
func (d Details) String(key string) string {
	if d == nil {
		return ""
	}
	s, _ := d[key].(string)
	return strings.TrimSpace(s)
}

// Clone deep-copies maps and slices so callers can mutate freely.
func (d Details) Clone() Details {
	if d == nil {
		return nil
	}
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return map[string]interface{}(Details(t).Clone())
	case Details:
		return t.Clone()
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// Merge overlays patch onto d and returns a new map. Keys whose patch value
// is nil keep their original value.
func (d Details) Merge(patch map[string]interface{}) Details {
	out := d.Clone()
	if out == nil {
		out = Details{}
	}
	for k, v := range patch {
		if v == nil {
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}
