package scheduler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Compare evaluates one condition operator against a polled value. Numeric
// operators coerce both sides to float; coercion failure compares false,
// never errors.
func Compare(op string, actual, expected any) bool {
	switch op {
	case "", "eq":
		if list, ok := expected.([]any); ok {
			return containsValue(list, actual)
		}
		return stringify(actual) == stringify(expected)
	case "neq":
		return stringify(actual) != stringify(expected)
	case "in":
		list, ok := expected.([]any)
		if !ok {
			return false
		}
		return containsValue(list, actual)
	case "contains":
		return strings.Contains(stringify(actual), stringify(expected))
	case "gt", "gte", "lt", "lte":
		a, okA := toFloat(actual)
		b, okB := toFloat(expected)
		if !okA || !okB {
			return false
		}
		switch op {
		case "gt":
			return a > b
		case "gte":
			return a >= b
		case "lt":
			return a < b
		default:
			return a <= b
		}
	default:
		return false
	}
}

func containsValue(list []any, actual any) bool {
	for _, v := range list {
		if stringify(v) == stringify(actual) {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// FieldPath resolves a dotted path like "task.status" inside a decoded JSON
// object.
func FieldPath(result map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = result
	for _, part := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

var placeholderPattern = regexp.MustCompile(`\{(job_id|workflow_id|result(?:\.[A-Za-z0-9_]+)*)\}`)

// Interpolate fills {job_id}, {workflow_id}, {result}, and {result.field.path}
// placeholders in a completion message template. Unresolvable placeholders
// are left verbatim.
func Interpolate(template, jobID, workflowID string, result map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		switch {
		case key == "job_id":
			return jobID
		case key == "workflow_id":
			return workflowID
		case key == "result":
			data, err := json.Marshal(result)
			if err != nil {
				return match
			}
			return string(data)
		case strings.HasPrefix(key, "result."):
			value, ok := FieldPath(result, strings.TrimPrefix(key, "result."))
			if !ok {
				return match
			}
			return stringify(value)
		default:
			return match
		}
	})
}
