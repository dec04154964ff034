// Package catalog turns a versioned tool-definition document into the tool
// catalog offered to the agent, and validates tool calls against it.
package catalog

import (
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Sensitivity classes that require operator confirmation in plans.
const (
	SensitivityNone        = ""
	SensitivityDestructive = "destructive"
	SensitivityExport      = "export"
	SensitivityRename      = "rename"
)

// Compensation describes the tool call that reverses a tool.
// Argument values may reference "$args.<key>" or "$result.<key>".
type Compensation struct {
	Tool string         `json:"tool" yaml:"tool"`
	Args map[string]any `json:"args,omitempty" yaml:"args"`
}

// ToolSpec is one callable tool. It is immutable once built.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Required    []string       `json:"required"`
	Service     string         `json:"service,omitempty"`
	Sensitivity string         `json:"sensitivity,omitempty"`
	Compensate  *Compensation  `json:"compensate,omitempty"`
	Hash        string         `json:"hash"`
}

// Catalog is an immutable, versioned set of tools.
type Catalog struct {
	Source     string
	Version    string
	SourceHash string
	Tools      []ToolSpec
	Warnings   []Warning
	BuiltAt    time.Time

	index    map[string]int
	schemas  map[string]*jsonschema.Schema
	delivery *Delivery
}

// Lookup returns the tool with the given name.
func (c *Catalog) Lookup(name string) (ToolSpec, bool) {
	if c == nil {
		return ToolSpec{}, false
	}
	i, ok := c.index[name]
	if !ok {
		return ToolSpec{}, false
	}
	return c.Tools[i], true
}

// Names returns tool names in catalog order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Tools))
	for i, t := range c.Tools {
		names[i] = t.Name
	}
	return names
}

// Len returns the number of tools.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.Tools)
}
