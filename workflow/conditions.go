package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/itsneelabh/agentmesh/core"
)

// Edge condition evaluation. Two forms are supported:
//
//   - literal predicates: "success", "failure", "always", "never",
//     evaluated against the node result;
//   - dotted-path comparisons: "state.a.b <op> literal" or
//     "result.a.b <op> literal" with <op> in {==, !=, <, <=, >, >=, in}.
//
// Anything else evaluates to false. Generic expressions are rejected
// rather than interpreted; there is no code evaluation here.

// EvalCondition evaluates an edge condition against the node result and
// the accumulated execution values.
func EvalCondition(condition string, result *NodeResult, values core.Value) bool {
	condition = strings.TrimSpace(condition)
	switch condition {
	case "", "always":
		return true
	case "never":
		return false
	case "success":
		return result != nil && result.Success
	case "failure":
		return result != nil && !result.Success
	}
	return evalComparison(condition, result, values)
}

// comparison operators, longest first so "<=" wins over "<".
var operators = []string{"==", "!=", "<=", ">=", "<", ">", " in "}

func evalComparison(condition string, result *NodeResult, values core.Value) bool {
	for _, op := range operators {
		idx := strings.Index(condition, op)
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(condition[:idx])
		right := strings.TrimSpace(condition[idx+len(op):])

		value, ok := resolvePath(left, result, values)
		if !ok {
			return false
		}
		literal := parseLiteral(right)
		return compare(strings.TrimSpace(op), value, literal)
	}
	return false
}

// resolvePath walks a dotted path rooted at "state" or "result".
func resolvePath(path string, result *NodeResult, values core.Value) (interface{}, bool) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil, false
	}
	var current interface{}
	switch parts[0] {
	case "state":
		current = map[string]interface{}(values)
	case "result":
		if result == nil {
			return nil, false
		}
		current = map[string]interface{}(result.Output)
	default:
		return nil, false
	}
	for _, key := range parts[1:] {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// parseLiteral interprets the right-hand side: quoted strings, bools,
// numbers, or a bare token treated as a string.
func parseLiteral(s string) interface{} {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	return s
}

func compare(op string, value, literal interface{}) bool {
	switch op {
	case "==":
		return equal(value, literal)
	case "!=":
		return !equal(value, literal)
	case "in":
		return contains(literal, value)
	}

	lv, lok := toFloat(value)
	rv, rok := toFloat(literal)
	if !lok || !rok {
		return false
	}
	switch op {
	case "<":
		return lv < rv
	case "<=":
		return lv <= rv
	case ">":
		return lv > rv
	case ">=":
		return lv >= rv
	}
	return false
}

func equal(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// contains handles "x in y" where y is a string (substring) or a list.
func contains(container, item interface{}) bool {
	switch c := container.(type) {
	case string:
		return strings.Contains(c, fmt.Sprintf("%v", item))
	case []interface{}:
		for _, v := range c {
			if equal(v, item) {
				return true
			}
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
