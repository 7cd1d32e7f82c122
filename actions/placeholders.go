package actions

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/liamcoop/timerules/rules"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Resolve replaces {{path}} placeholders with values from the event.
// Missing values resolve to the empty string.
func Resolve(template string, ev *rules.Event) string {
	return replace(template, ev, func(s string) string { return s })
}

// ResolvePath is Resolve with every substituted value escaped as a single
// path segment, so event data cannot add segments to the path
func ResolvePath(template string, ev *rules.Event) string {
	return replace(template, ev, url.PathEscape)
}

// ResolveJSON resolves placeholders inside the string values of a JSON
// document. Input that is not JSON is resolved as plain text.
func ResolveJSON(template string, ev *rules.Event) string {
	if strings.TrimSpace(template) == "" {
		return template
	}
	var doc any
	if err := json.Unmarshal([]byte(template), &doc); err != nil {
		return Resolve(template, ev)
	}
	out, err := json.Marshal(resolveValue(doc, ev))
	if err != nil {
		return Resolve(template, ev)
	}
	return string(out)
}

func resolveValue(v any, ev *rules.Event) any {
	switch t := v.(type) {
	case string:
		return Resolve(t, ev)
	case map[string]any:
		for k, item := range t {
			t[k] = resolveValue(item, ev)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = resolveValue(item, ev)
		}
		return t
	}
	return v
}

func replace(template string, ev *rules.Event, transform func(string) string) string {
	if ev == nil || !strings.Contains(template, "{{") {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		path := strings.TrimSpace(match[2 : len(match)-2])
		value, _ := ev.LookupString(path)
		return transform(value)
	})
}
