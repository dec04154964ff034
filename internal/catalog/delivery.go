package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// FunctionSchema is one entry of the function-calling schema handed to the agent.
type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Delivery is the catalog as served to agents and clients.
type Delivery struct {
	Version        string           `json:"version"`
	Hash           string           `json:"hash"`
	Count          int              `json:"count"`
	PromptList     string           `json:"promptList"`
	FunctionSchema []FunctionSchema `json:"functionSchema"`
}

// Delivery returns the delivery form of the catalog. It is computed once per build.
func (c *Catalog) Delivery() *Delivery {
	return c.delivery
}

func newDelivery(c *Catalog) *Delivery {
	d := &Delivery{
		Version:        c.Version,
		Hash:           c.SourceHash,
		Count:          len(c.Tools),
		FunctionSchema: make([]FunctionSchema, 0, len(c.Tools)),
	}

	var b strings.Builder
	for _, t := range c.Tools {
		d.FunctionSchema = append(d.FunctionSchema, FunctionSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
		b.WriteString(promptLine(t))
		b.WriteByte('\n')
	}
	d.PromptList = b.String()
	return d
}

// promptLine renders a tool as "- name(a: string, b?: integer): description".
func promptLine(t ToolSpec) string {
	props, _ := t.Parameters["properties"].(map[string]any)
	required := make(map[string]bool, len(t.Required))
	for _, r := range t.Required {
		required[r] = true
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if required[names[i]] != required[names[j]] {
			return required[names[i]]
		}
		return names[i] < names[j]
	})

	args := make([]string, 0, len(names))
	for _, name := range names {
		typ := "any"
		if prop, ok := props[name].(map[string]any); ok {
			if s, ok := prop["type"].(string); ok {
				typ = s
			}
		}
		opt := ""
		if !required[name] {
			opt = "?"
		}
		args = append(args, fmt.Sprintf("%s%s: %s", name, opt, typ))
	}

	line := fmt.Sprintf("- %s(%s)", t.Name, strings.Join(args, ", "))
	if t.Description != "" {
		line += ": " + t.Description
	}
	return line
}
