// Package vars resolves ${path} placeholders in step arguments.
package vars

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// placeholder matches ${path}. Paths are dot-separated keys or indexes.
var placeholder = regexp.MustCompile(`\$\{([^{}]+)\}`)

// Scope is what placeholders resolve against.
type Scope struct {
	// Outputs holds recorded step outputs keyed by step id.
	Outputs map[string]any

	// Context holds workflow variables and input.
	Context map[string]any
}

// Resolve returns a copy of template with every placeholder substituted.
// Maps and slices are walked recursively; other non-string values pass
// through. A string that is exactly one placeholder becomes the raw value
// it names; embedded placeholders are replaced by the value's string form.
// A placeholder that cannot be resolved is left as written.
func Resolve(template any, scope Scope) any {
	switch v := template.(type) {
	case string:
		return resolveString(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, scope)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = resolveString(item, scope)
		}
		return out
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = resolveString(item, scope)
		}
		return out
	}
	return template
}

// ResolveArguments resolves a step's argument map.
func ResolveArguments(args map[string]any, scope Scope) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return Resolve(args, scope).(map[string]any)
}

func resolveString(s string, scope Scope) any {
	if m := placeholder.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		if val, ok := Lookup(s[m[2]:m[3]], scope); ok {
			return val
		}
		return s
	}

	if !strings.Contains(s, "${") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		val, ok := Lookup(match[2:len(match)-1], scope)
		if !ok {
			return match
		}
		return StringifyValue(val)
	})
}

// Lookup walks path through scope. If the first segment names a step with
// a non-null recorded output, the rest is walked from that output;
// otherwise the whole path is walked against the context.
func Lookup(path string, scope Scope) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")

	if out, ok := scope.Outputs[parts[0]]; ok && out != nil {
		return walk(out, parts[1:])
	}
	if scope.Context == nil {
		return nil, false
	}
	return walk(scope.Context, parts)
}

func walk(val any, parts []string) (any, bool) {
	for _, part := range parts {
		switch v := val.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			val = next
		case map[string]string:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			val = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			val = v[i]
		default:
			return nil, false
		}
	}
	return val, true
}

// StringifyValue converts a value to the text embedded in a larger string.
// Maps and slices are rendered as JSON rather than Go's %v format.
func StringifyValue(val any) string {
	if val == nil {
		return ""
	}

	switch v := val.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}

	kind := reflect.ValueOf(val).Kind()
	if kind == reflect.Map || kind == reflect.Slice || kind == reflect.Array {
		if b, err := json.Marshal(val); err == nil {
			return string(b)
		}
	}
	return fmt.Sprintf("%v", val)
}
