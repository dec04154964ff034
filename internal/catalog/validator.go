package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"atelier/internal/errs"
)

const (
	reasonUnknownTool      = "UnknownTool"
	reasonInvalidArguments = "InvalidArguments"
)

func compileSchema(spec ToolSpec) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(spec.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	// UnmarshalJSON keeps numbers as json.Number, which the compiler requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := "tool://" + spec.Name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// ValidateRaw checks a call's JSON arguments against the named tool.
// Empty or null arguments are treated as an empty object. Failures are
// *errs.ValidationError wrapping ErrUnknownTool or ErrInvalidArguments.
func (c *Catalog) ValidateRaw(name string, args json.RawMessage) (ToolSpec, error) {
	spec, ok := c.Lookup(name)
	if !ok {
		return ToolSpec{}, &errs.ValidationError{
			Tool:   name,
			Reason: reasonUnknownTool,
			Cause:  ErrUnknownTool,
		}
	}

	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		return spec, &errs.ValidationError{
			Tool:       name,
			Reason:     reasonInvalidArguments,
			Violations: []string{fmt.Sprintf("arguments are not valid JSON: %v", err)},
			Cause:      ErrInvalidArguments,
		}
	}

	if err := c.schemas[name].Validate(inst); err != nil {
		return spec, &errs.ValidationError{
			Tool:       name,
			Reason:     reasonInvalidArguments,
			Violations: violations(err),
			Cause:      ErrInvalidArguments,
		}
	}
	return spec, nil
}

// Validate checks decoded arguments against the named tool.
func (c *Catalog) Validate(name string, args map[string]any) (ToolSpec, error) {
	if args == nil {
		return c.ValidateRaw(name, nil)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return ToolSpec{}, &errs.ValidationError{
			Tool:       name,
			Reason:     reasonInvalidArguments,
			Violations: []string{err.Error()},
			Cause:      ErrInvalidArguments,
		}
	}
	return c.ValidateRaw(name, raw)
}

// violations flattens a schema validation error into one message per
// violated constraint, prefixed with the instance location.
func violations(err error) []string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}

	var out []string
	for _, unit := range ve.BasicOutput().Errors {
		if unit.Error == nil {
			continue
		}
		loc := unit.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		out = append(out, fmt.Sprintf("%s: %v", loc, unit.Error))
	}
	if len(out) == 0 {
		out = append(out, ve.Error())
	}
	sort.Strings(out)
	return out
}
