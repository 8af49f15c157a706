package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CloneMap deep-copies a JSON-shaped map. Adapted to cover the concrete
// slice/map types that show up after JSON decoding and from Go callers.
func CloneMap(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = CloneValue(v)
	}
	return dst
}

// CloneValue deep-copies a JSON-shaped value.
func CloneValue(val interface{}) interface{} {
	switch v := val.(type) {
	case map[string]interface{}:
		return CloneMap(v)
	case map[string]string:
		m := make(map[string]interface{}, len(v))
		for key, value := range v {
			m[key] = value
		}
		return m
	case []interface{}:
		arr := make([]interface{}, len(v))
		for i, elem := range v {
			arr[i] = CloneValue(elem)
		}
		return arr
	case []string:
		arr := make([]interface{}, len(v))
		for i, elem := range v {
			arr[i] = elem
		}
		return arr
	default:
		return v
	}
}

// LookupPath walks a dotted path through nested maps and slices.
// Numeric segments index into slices. The second return is false when any
// segment is missing.
func LookupPath(root map[string]interface{}, path string) (interface{}, bool) {
	if path == "" {
		return root, root != nil
	}
	var current interface{} = root
	for _, seg := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// AsNumber coerces a dynamic value to float64. JSON numbers decode as
// float64 but Go callers hand us ints and the like.
func AsNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Stringify renders a value the way it appears inside interpolated strings.
// Strings pass through unquoted; nil renders empty; everything else is JSON.
func Stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	default:
		if b, err := json.Marshal(v); err == nil {
			return string(b)
		}
		return fmt.Sprintf("%v", v)
	}
}

// DeepEqual implements structural equality with numeric coercion, so that
// int(3) from a Go caller equals float64(3) from a decoded JSON document.
func DeepEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	if na, ok := AsNumber(a); ok {
		if nb, ok := AsNumber(b); ok {
			return na == nb
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, present := bv[k]
			if !present || !DeepEqual(v, other) {
				return false
			}
		}
		return true
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !DeepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// Compare orders two values: numerically when both sides are numbers,
// otherwise by their string forms.
func Compare(a, b interface{}) int {
	if na, ok := AsNumber(a); ok {
		if nb, ok := AsNumber(b); ok {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(Stringify(a), Stringify(b))
}
