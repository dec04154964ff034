// Package policy decides which tool calls are sensitive and therefore need
// operator confirmation before an approved plan may run them.
package policy

import (
	"sort"

	"atelier/internal/catalog"
)

// Classifier maps tools onto sensitivity classes.
type Classifier struct {
	matcher *Matcher
	classes map[string][]string // class -> expanded patterns
	order   []string
}

// NewClassifier builds a classifier from class -> patterns configuration.
// Patterns may be names, wildcards or group references.
func NewClassifier(classes map[string][]string) *Classifier {
	c := &Classifier{
		matcher: NewMatcher(),
		classes: make(map[string][]string, len(classes)),
	}
	for class, patterns := range classes {
		c.classes[class] = ExpandGroups(patterns)
		c.order = append(c.order, class)
	}
	sort.Strings(c.order)
	return c
}

// Classify returns the sensitivity class of a tool, or "" when it is not
// sensitive. A sensitivity declared in the tool definition wins over patterns.
func (c *Classifier) Classify(spec catalog.ToolSpec) string {
	if spec.Sensitivity != catalog.SensitivityNone {
		return spec.Sensitivity
	}
	for _, class := range c.order {
		if c.matcher.MatchTool(spec.Name, c.classes[class]) {
			return class
		}
	}
	return catalog.SensitivityNone
}

// RequiresConfirmation reports whether a tool may only run in a confirmed plan.
func (c *Classifier) RequiresConfirmation(spec catalog.ToolSpec) bool {
	return c.Classify(spec) != catalog.SensitivityNone
}
