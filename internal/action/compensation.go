package action

import (
	"encoding/json"
	"fmt"
	"strings"

	"atelier/internal/catalog"
	"atelier/internal/timeline"
)

const (
	argsRef   = "$args."
	resultRef = "$result."
)

// ResolveCompensation turns a compensation template into the concrete
// invocation that reverses a call. "$args.<path>" and "$result.<path>"
// string values are replaced by the referenced call argument or result field.
func ResolveCompensation(tmpl *catalog.Compensation, args map[string]any, result json.RawMessage) (*timeline.Invocation, error) {
	if tmpl == nil {
		return nil, nil
	}

	var res any
	if len(result) > 0 {
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}

	resolved, err := resolveValue(tmpl.Args, args, res)
	if err != nil {
		return nil, err
	}
	out, _ := resolved.(map[string]any)
	if out == nil {
		out = map[string]any{}
	}
	return &timeline.Invocation{Tool: tmpl.Tool, Args: out}, nil
}

func resolveValue(v any, args map[string]any, result any) (any, error) {
	switch t := v.(type) {
	case string:
		switch {
		case strings.HasPrefix(t, argsRef):
			return lookup(args, strings.TrimPrefix(t, argsRef), t)
		case strings.HasPrefix(t, resultRef):
			return lookup(result, strings.TrimPrefix(t, resultRef), t)
		}
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			r, err := resolveValue(child, args, result)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			r, err := resolveValue(child, args, result)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// lookup follows a dotted path through nested maps.
func lookup(root any, path, ref string) (any, error) {
	cur := root
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unresolved reference %s", ref)
		}
		cur, ok = m[key]
		if !ok {
			return nil, fmt.Errorf("unresolved reference %s", ref)
		}
	}
	return cur, nil
}
