package strategy

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholderPattern matches {{stepId}} and {{stepId.field}} references
// inside plan step arguments.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([\w\-]+)(?:\.([\w\-]+))?\s*\}\}`)

// ResolveArgs substitutes step-output placeholders in rawArgs against
// the executed-step map. It returns the resolved arguments and the
// list of placeholders that could not be resolved; it never mutates
// rawArgs.
func ResolveArgs(rawArgs map[string]any, executed map[string]*StepRecord) (map[string]any, []string) {
	if rawArgs == nil {
		return nil, nil
	}
	var missing []string
	resolved := make(map[string]any, len(rawArgs))
	for k, v := range rawArgs {
		resolved[k] = resolveValue(v, executed, &missing)
	}
	return resolved, missing
}

func resolveValue(v any, executed map[string]*StepRecord, missing *[]string) any {
	switch val := v.(type) {
	case string:
		return resolveString(val, executed, missing)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = resolveValue(inner, executed, missing)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = resolveValue(inner, executed, missing)
		}
		return out
	default:
		return v
	}
}

func resolveString(s string, executed map[string]*StepRecord, missing *[]string) any {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// A string that is exactly one placeholder keeps the referenced
	// value's type; anything else interpolates string forms.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		sub := placeholderPattern.FindStringSubmatch(s)
		value, ok := lookup(sub[1], sub[2], executed)
		if !ok {
			*missing = append(*missing, strings.TrimSpace(s))
			return s
		}
		return value
	}

	result := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		value, ok := lookup(sub[1], sub[2], executed)
		if !ok {
			*missing = append(*missing, match)
			return match
		}
		return fmt.Sprintf("%v", value)
	})
	return result
}

// lookup resolves a (stepID, field) reference against executed steps.
// An empty field refers to the step's whole output.
func lookup(stepID, field string, executed map[string]*StepRecord) (any, bool) {
	rec, ok := executed[stepID]
	if !ok || rec.Result == nil || !rec.Result.Success {
		return nil, false
	}
	if field == "" {
		return rec.Result.Output, true
	}
	obj, ok := rec.Result.Output.(map[string]any)
	if !ok {
		return nil, false
	}
	value, ok := obj[field]
	return value, ok
}
