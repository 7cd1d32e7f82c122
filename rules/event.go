package rules

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
)

// Event is a decoded webhook payload presented to the evaluator
type Event struct {
	Type        string
	WorkspaceID string

	// Body is the whole decoded request body
	Body map[string]any

	// Entity is the object the event is about: the nested "timeEntry"
	// object when the body carries one, otherwise Body itself
	Entity map[string]any
}

// NewEvent builds an Event from a decoded body
func NewEvent(eventType string, body map[string]any) *Event {
	if body == nil {
		body = map[string]any{}
	}
	ev := &Event{
		Type:   eventType,
		Body:   body,
		Entity: body,
	}
	if ws, ok := body["workspaceId"].(string); ok {
		ev.WorkspaceID = ws
	}
	if entry, ok := body["timeEntry"].(map[string]any); ok {
		ev.Entity = entry
	}
	return ev
}

// EntityID returns the id of the event entity, or "" when absent
func (e *Event) EntityID() string {
	if v, ok := lookupPath(e.Entity, "id"); ok {
		return stringForm(v)
	}
	return ""
}

// Lookup resolves a dotted selector against the entity first and the full
// body second. A missing or null value reports false.
func (e *Event) Lookup(path string) (any, bool) {
	if v, ok := lookupPath(e.Entity, path); ok {
		return v, true
	}
	if len(e.Body) > 0 && !sameMap(e.Body, e.Entity) {
		return lookupPath(e.Body, path)
	}
	return nil, false
}

// LookupString resolves a selector and returns its string form
func (e *Event) LookupString(path string) (string, bool) {
	v, ok := e.Lookup(path)
	if !ok {
		return "", false
	}
	return stringForm(v), true
}

func sameMap(a, b map[string]any) bool {
	return reflect.ValueOf(a).UnsafePointer() == reflect.ValueOf(b).UnsafePointer()
}

func lookupPath(root map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$.")
	if root == nil || path == "" {
		return nil, false
	}
	var current any = root
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// stringForm renders a payload value the way conditions compare it
func stringForm(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// numberForm converts numbers and numeric strings to float64
func numberForm(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, json.Number:
		return true
	}
	return false
}
