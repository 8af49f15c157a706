package engine

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/reflexhq/reflex/internal/model"
	"github.com/reflexhq/reflex/internal/refs"
)

// regexCache holds compiled matches-operator patterns.
var regexCache sync.Map // pattern string -> *regexp.Regexp

// resolveSource resolves a condition source against the dispatch scope.
// Sources are "event.<field>", "fact:<key>" (interpolated per stimulus),
// "context.<key>", or "trigger.<...>".
func resolveSource(scope *refs.Scope, source string) (interface{}, bool, error) {
	if key, ok := strings.CutPrefix(source, "fact:"); ok {
		resolved, err := scope.InterpolateStrict(key)
		if err != nil {
			return nil, false, err
		}
		if scope.Facts == nil {
			return nil, false, nil
		}
		v, found := scope.Facts.Get(resolved)
		return v, found, nil
	}
	v, found := scope.Resolve(source)
	return v, found, nil
}

// evaluateCondition applies one condition. The error return covers
// evaluation failures (bad regex, non-array RHS for in, unresolvable fact
// key); callers treat errors as a false result.
func evaluateCondition(scope *refs.Scope, cond model.Condition) (bool, error) {
	left, found, err := resolveSource(scope, cond.Source)
	if err != nil {
		return false, err
	}

	if cond.Operator == model.OpExists {
		return found, nil
	}

	right := scope.ResolveValue(cond.Value)

	switch cond.Operator {
	case model.OpEq:
		return model.DeepEqual(left, right), nil
	case model.OpNeq:
		return !model.DeepEqual(left, right), nil
	case model.OpGt:
		return model.Compare(left, right) > 0, nil
	case model.OpGte:
		return model.Compare(left, right) >= 0, nil
	case model.OpLt:
		return model.Compare(left, right) < 0, nil
	case model.OpLte:
		return model.Compare(left, right) <= 0, nil
	case model.OpIn:
		return membership(left, right)
	case model.OpNotIn:
		ok, err := membership(left, right)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case model.OpContains:
		return contains(left, right)
	case model.OpMatches:
		return regexMatch(left, right)
	default:
		return false, fmt.Errorf("unknown operator %q", cond.Operator)
	}
}

// membership tests left ∈ right; the RHS must be an array.
func membership(left, right interface{}) (bool, error) {
	arr, ok := right.([]interface{})
	if !ok {
		return false, fmt.Errorf("operator in/notIn requires an array value, got %T", right)
	}
	for _, elem := range arr {
		if model.DeepEqual(left, elem) {
			return true, nil
		}
	}
	return false, nil
}

// contains tests array containment when the LHS is an array, substring
// containment when it is a string.
func contains(left, right interface{}) (bool, error) {
	switch lv := left.(type) {
	case []interface{}:
		for _, elem := range lv {
			if model.DeepEqual(elem, right) {
				return true, nil
			}
		}
		return false, nil
	case string:
		return strings.Contains(lv, model.Stringify(right)), nil
	default:
		return false, fmt.Errorf("operator contains requires an array or string source, got %T", left)
	}
}

func regexMatch(left, right interface{}) (bool, error) {
	pat, ok := right.(string)
	if !ok {
		return false, fmt.Errorf("operator matches requires a string pattern, got %T", right)
	}
	var re *regexp.Regexp
	if cached, ok := regexCache.Load(pat); ok {
		re = cached.(*regexp.Regexp)
	} else {
		compiled, err := regexp.Compile(pat)
		if err != nil {
			return false, fmt.Errorf("compile pattern %q: %w", pat, err)
		}
		regexCache.Store(pat, compiled)
		re = compiled
	}
	return re.MatchString(model.Stringify(left)), nil
}
