// Package refs resolves ${...} string interpolation and {ref: "..."} value
// references against the per-dispatch scope (event, facts, context, and
// trigger bindings).
package refs

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/reflexhq/reflex/internal/model"
)

var placeholderRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// FactReader is the read side of the fact store seen by the resolver.
type FactReader interface {
	Get(key string) (interface{}, bool)
}

// TriggerBinding exposes the stimulus that matched the rule's trigger.
type TriggerBinding struct {
	FactKey   string
	FactValue interface{}
	Event     *model.Event
	Events    []model.Event // matched events for temporal sequence triggers
}

// Scope is everything a reference path can address during one dispatch.
type Scope struct {
	Event   *model.Event
	Facts   FactReader
	Context map[string]interface{}
	Trigger *TriggerBinding
}

// Resolve evaluates a reference path. The second return is false when the
// path does not resolve (missing field, absent fact, unknown prefix).
func (s *Scope) Resolve(path string) (interface{}, bool) {
	prefix, rest, _ := strings.Cut(path, ".")
	switch prefix {
	case "event":
		if s.Event == nil {
			return nil, false
		}
		return s.Event.Field(rest)
	case "fact":
		if s.Facts == nil || rest == "" {
			return nil, false
		}
		key, err := s.InterpolateStrict(rest)
		if err != nil {
			return nil, false
		}
		return s.Facts.Get(key)
	case "context":
		if s.Context == nil {
			return nil, false
		}
		return model.LookupPath(s.Context, rest)
	case "trigger":
		return s.resolveTrigger(rest)
	default:
		return nil, false
	}
}

func (s *Scope) resolveTrigger(rest string) (interface{}, bool) {
	if s.Trigger == nil {
		return nil, false
	}
	switch {
	case rest == "fact.key":
		return s.Trigger.FactKey, s.Trigger.FactKey != ""
	case rest == "fact.value":
		return s.Trigger.FactValue, s.Trigger.FactKey != ""
	case strings.HasPrefix(rest, "event."):
		if s.Trigger.Event == nil {
			return nil, false
		}
		return s.Trigger.Event.Field(strings.TrimPrefix(rest, "event."))
	case rest == "event":
		if s.Trigger.Event == nil {
			return nil, false
		}
		return s.Trigger.Event.Data, true
	default:
		return nil, false
	}
}

// Interpolate substitutes every ${path} in the string with the stringified
// resolved value; missing paths render as empty strings.
func (s *Scope) Interpolate(input string) string {
	return placeholderRe.ReplaceAllStringFunc(input, func(match string) string {
		path := match[2 : len(match)-1]
		value, ok := s.Resolve(path)
		if !ok {
			return ""
		}
		return model.Stringify(value)
	})
}

// InterpolateStrict is Interpolate, but any unresolved placeholder is an
// error. Used where a concrete value is required, e.g. fact keys.
func (s *Scope) InterpolateStrict(input string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(input, func(match string) string {
		path := match[2 : len(match)-1]
		value, ok := s.Resolve(path)
		if !ok {
			missing = append(missing, path)
			return ""
		}
		return model.Stringify(value)
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved reference %q in %q", missing[0], input)
	}
	return out, nil
}

// ResolveValue walks a dynamic value, interpolating strings and replacing
// {ref: "<path>"} objects with the raw resolved value (preserving type).
// Missing refs resolve to nil.
func (s *Scope) ResolveValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		// A string that is exactly one placeholder keeps the raw value type.
		if m := placeholderRe.FindStringSubmatch(val); m != nil && m[0] == val {
			resolved, ok := s.Resolve(m[1])
			if !ok {
				return nil
			}
			return resolved
		}
		return s.Interpolate(val)
	case map[string]interface{}:
		if refPath, ok := refTarget(val); ok {
			resolved, found := s.Resolve(refPath)
			if !found {
				return nil
			}
			return resolved
		}
		out := make(map[string]interface{}, len(val))
		for k, nested := range val {
			out[s.Interpolate(k)] = s.ResolveValue(nested)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, nested := range val {
			out[i] = s.ResolveValue(nested)
		}
		return out
	default:
		return v
	}
}

// HasPlaceholder reports whether the string still contains ${...} syntax.
func HasPlaceholder(s string) bool {
	return placeholderRe.MatchString(s)
}

// refTarget detects a {ref: "<path>"} object.
func refTarget(m map[string]interface{}) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	raw, ok := m["ref"]
	if !ok {
		return "", false
	}
	path, ok := raw.(string)
	return path, ok
}
