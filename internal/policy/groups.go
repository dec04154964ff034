package policy

import "strings"

// ToolGroups names sets of editor tools that patterns can reference as "group:<name>".
var ToolGroups = map[string][]string{
	"group:scene_delete": {
		"delete_*",
		"remove_*",
		"clear_*",
		"destroy_*",
	},
	"group:asset_export": {
		"export_*",
		"build_*",
		"bake_*",
	},
	"group:rename": {
		"rename_*",
		"move_asset",
	},
}

// ExpandGroups expands group references in a list of tool patterns and
// drops duplicates, keeping first occurrence order.
func ExpandGroups(patterns []string) []string {
	var result []string
	seen := make(map[string]bool)

	for _, pattern := range patterns {
		expanded := []string{pattern}
		if IsGroupReference(pattern) {
			if tools, ok := ToolGroups[pattern]; ok {
				expanded = tools
			}
		}
		for _, tool := range expanded {
			if !seen[tool] {
				seen[tool] = true
				result = append(result, tool)
			}
		}
	}

	return result
}

// NormalizeName lowercases and trims a tool name for matching.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// IsGroupReference returns true if the pattern is a group reference.
func IsGroupReference(pattern string) bool {
	return strings.HasPrefix(pattern, "group:")
}
