package catalog

// Param is one declared tool parameter.
type Param struct {
	Name        string
	Type        string
	Description string
	Default     any
	HasDefault  bool
	Enum        []any
	Items       string
}

// permissiveTypes is used for parameters whose declared type is missing or unrecognized.
var permissiveTypes = []any{"string", "integer", "number", "boolean", "object", "array", "null"}

// jsonType maps a declared parameter type onto a JSON-Schema type.
func jsonType(declared string) (string, bool) {
	switch declared {
	case "string", "str", "text":
		return "string", true
	case "integer", "int":
		return "integer", true
	case "number", "float", "double":
		return "number", true
	case "boolean", "bool":
		return "boolean", true
	case "object", "dict", "map":
		return "object", true
	case "array", "list":
		return "array", true
	default:
		return "", false
	}
}

// ParamSchema returns the JSON-Schema fragment for a single parameter.
func ParamSchema(p Param) map[string]any {
	prop := make(map[string]any)
	if t, ok := jsonType(p.Type); ok {
		prop["type"] = t
		if t == "array" && p.Items != "" {
			if it, ok := jsonType(p.Items); ok {
				prop["items"] = map[string]any{"type": it}
			}
		}
	} else {
		prop["type"] = permissiveTypes
	}
	if p.Description != "" {
		prop["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		prop["enum"] = p.Enum
	}
	if p.HasDefault {
		prop["default"] = p.Default
	}
	return prop
}

// ParametersSchema maps a parameter list onto a JSON-Schema object.
// Parameters without a default are required. The mapping is pure.
func ParametersSchema(params []Param) (map[string]any, []string) {
	properties := make(map[string]any, len(params))
	required := []string{}
	for _, p := range params {
		properties[p.Name] = ParamSchema(p)
		if !p.HasDefault {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema, required
}
