package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// refPattern matches ${parameters.name} and ${tasks.X.output[.path]}
// references inside task inputs.
var refPattern = regexp.MustCompile(`\$\{([a-zA-Z0-9_.-]+)\}`)

// collectTaskRefs returns the task ids referenced by ${tasks.X.output...}
// expressions anywhere in a task input.
func collectTaskRefs(v any) []string {
	seen := map[string]bool{}
	walkStrings(v, func(s string) {
		for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
			parts := strings.Split(m[1], ".")
			if len(parts) >= 2 && parts[0] == "tasks" {
				seen[parts[1]] = true
			}
		}
	})
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

func walkStrings(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	}
}

// substituteParameters replaces ${parameters.name} references. A string that
// is exactly one reference takes the parameter's value and type; embedded
// references are rendered as text. Task output references are left for
// execution time.
func substituteParameters(input map[string]any, values map[string]any) map[string]any {
	resolve := func(ref string) (any, bool) {
		parts := strings.SplitN(ref, ".", 2)
		if len(parts) != 2 || parts[0] != "parameters" {
			return nil, false
		}
		v, ok := values[parts[1]]
		return v, ok
	}
	return substituteTree(input, resolve).(map[string]any)
}

// substituteOutputs replaces ${tasks.X.output[.path]} references using the
// recorded outputs of completed dependencies.
func substituteOutputs(input map[string]any, outputs map[string]any) (map[string]any, error) {
	var missing []string
	resolve := func(ref string) (any, bool) {
		parts := strings.Split(ref, ".")
		if len(parts) < 3 || parts[0] != "tasks" || parts[2] != "output" {
			return nil, false
		}
		out, ok := outputs[parts[1]]
		if !ok {
			missing = append(missing, ref)
			return nil, false
		}
		v, ok := digPath(out, parts[3:])
		if !ok {
			missing = append(missing, ref)
			return nil, false
		}
		return v, true
	}

	result := substituteTree(input, resolve).(map[string]any)
	if len(missing) > 0 {
		return nil, fmt.Errorf("unresolved output references: %s", strings.Join(missing, ", "))
	}
	return result, nil
}

// digPath walks a dot path into nested JSON objects.
func digPath(v any, path []string) (any, bool) {
	for _, key := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return v, true
}

// substituteTree rewrites every string in the tree through resolve. Unknown
// references are left intact for a later pass.
func substituteTree(v any, resolve func(ref string) (any, bool)) any {
	switch val := v.(type) {
	case string:
		// Exact single reference keeps the substituted value's type.
		if m := refPattern.FindStringSubmatch(val); m != nil && m[0] == val {
			if sub, ok := resolve(m[1]); ok {
				return sub
			}
			return val
		}
		return refPattern.ReplaceAllStringFunc(val, func(match string) string {
			ref := refPattern.FindStringSubmatch(match)[1]
			if sub, ok := resolve(ref); ok {
				return fmt.Sprintf("%v", sub)
			}
			return match
		})
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = substituteTree(item, resolve)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substituteTree(item, resolve)
		}
		return out
	default:
		return v
	}
}
