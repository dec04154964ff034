package catalog

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"atelier/pkg/logger"
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// document is the on-disk tool-definition format.
type document struct {
	Version string      `yaml:"version"`
	Tools   []yaml.Node `yaml:"tools"`
}

type toolDef struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Public      *bool         `yaml:"public"`
	Tool        bool          `yaml:"tool"`
	Service     string        `yaml:"service"`
	Sensitivity string        `yaml:"sensitivity"`
	Params      []paramDef    `yaml:"params"`
	Compensate  *Compensation `yaml:"compensate"`
}

type paramDef struct {
	Name        string     `yaml:"name"`
	Type        string     `yaml:"type"`
	Description string     `yaml:"description"`
	Default     *yaml.Node `yaml:"default"`
	Enum        []any      `yaml:"enum"`
	Items       string     `yaml:"items"`
}

func (d toolDef) exported() bool {
	if strings.HasPrefix(d.Name, "_") {
		return false
	}
	return d.Public == nil || *d.Public
}

// Build reads and analyzes the tool-definition source at path.
// Nothing in the source is executed.
func Build(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SourceUnreadableError{Source: path, Cause: err}
	}
	return Parse(path, data)
}

// Parse analyzes a tool-definition document. Malformed individual tool
// definitions are skipped and reported in Catalog.Warnings.
func Parse(source string, data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &SourceUnreadableError{Source: source, Cause: err}
	}

	hash := HashSource(data)
	cat := &Catalog{
		Source:     source,
		SourceHash: hash,
		BuiltAt:    time.Now(),
		index:      make(map[string]int),
		schemas:    make(map[string]*jsonschema.Schema),
	}

	version, err := composeVersion(doc.Version, hash)
	if err != nil {
		cat.Warnings = append(cat.Warnings, Warning{Index: -1, Message: fmt.Sprintf("invalid version %q: %v", doc.Version, err)})
	}
	cat.Version = version

	for i := range doc.Tools {
		var def toolDef
		if err := doc.Tools[i].Decode(&def); err != nil {
			cat.Warnings = append(cat.Warnings, Warning{Index: i, Message: fmt.Sprintf("decode: %v", err)})
			continue
		}
		if !def.Tool || !def.exported() {
			continue
		}

		spec, err := toSpec(def)
		if err != nil {
			cat.Warnings = append(cat.Warnings, Warning{Index: i, Tool: def.Name, Message: err.Error()})
			continue
		}
		if _, dup := cat.index[spec.Name]; dup {
			cat.Warnings = append(cat.Warnings, Warning{Index: i, Tool: spec.Name, Message: "duplicate tool name"})
			continue
		}
		schema, err := compileSchema(spec)
		if err != nil {
			cat.Warnings = append(cat.Warnings, Warning{Index: i, Tool: spec.Name, Message: err.Error()})
			continue
		}

		cat.index[spec.Name] = len(cat.Tools)
		cat.schemas[spec.Name] = schema
		cat.Tools = append(cat.Tools, spec)
	}

	cat.delivery = newDelivery(cat)

	for _, w := range cat.Warnings {
		logger.Warn().Str("source", source).Msg("Skipped tool definition: " + w.String())
	}
	logger.Debug().
		Str("source", source).
		Str("version", cat.Version).
		Int("tools", len(cat.Tools)).
		Msg("Built tool catalog")

	return cat, nil
}

func toSpec(def toolDef) (ToolSpec, error) {
	if def.Name == "" {
		return ToolSpec{}, fmt.Errorf("missing name")
	}
	if !toolNamePattern.MatchString(def.Name) {
		return ToolSpec{}, fmt.Errorf("invalid tool name %q", def.Name)
	}
	switch def.Sensitivity {
	case SensitivityNone, SensitivityDestructive, SensitivityExport, SensitivityRename:
	default:
		return ToolSpec{}, fmt.Errorf("unknown sensitivity %q", def.Sensitivity)
	}
	if def.Compensate != nil && def.Compensate.Tool == "" {
		return ToolSpec{}, fmt.Errorf("compensate without tool")
	}

	params := make([]Param, 0, len(def.Params))
	seen := make(map[string]bool, len(def.Params))
	for j, pd := range def.Params {
		if pd.Name == "" {
			return ToolSpec{}, fmt.Errorf("params[%d]: missing name", j)
		}
		if seen[pd.Name] {
			return ToolSpec{}, fmt.Errorf("params[%d]: duplicate parameter %q", j, pd.Name)
		}
		seen[pd.Name] = true

		p := Param{
			Name:        pd.Name,
			Type:        strings.ToLower(strings.TrimSpace(pd.Type)),
			Description: pd.Description,
			Enum:        pd.Enum,
			Items:       strings.ToLower(strings.TrimSpace(pd.Items)),
		}
		if pd.Default != nil {
			var v any
			if err := pd.Default.Decode(&v); err != nil {
				return ToolSpec{}, fmt.Errorf("params[%d]: default: %w", j, err)
			}
			p.Default = v
			p.HasDefault = true
		}
		params = append(params, p)
	}

	schema, required := ParametersSchema(params)
	spec := ToolSpec{
		Name:        def.Name,
		Description: strings.TrimSpace(def.Description),
		Parameters:  schema,
		Required:    required,
		Service:     def.Service,
		Sensitivity: def.Sensitivity,
		Compensate:  def.Compensate,
	}
	spec.Hash = hashTool(spec)
	return spec, nil
}
