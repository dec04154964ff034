package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/errs"
)

const testSource = `
version: 1.2.0
tools:
  - name: ping
    tool: true
    service: unity
    description: Check that the editor is alive.
  - name: create_object
    tool: true
    service: blender
    description: Create a primitive.
    params:
      - name: name
        type: string
      - name: kind
        type: string
        enum: [cube, sphere]
        default: cube
      - name: size
        type: float
        default: 1.0
    compensate:
      tool: delete_object
      args:
        name: $args.name
  - name: delete_object
    tool: true
    service: blender
    sensitivity: destructive
    description: Delete an object.
    params:
      - name: name
        type: string
  - name: tag
    tool: true
    description: Attach arbitrary metadata.
    params:
      - name: value
      - name: labels
        type: list
        items: str
        default: []
  - name: _internal
    tool: true
  - name: hidden
    tool: true
    public: false
  - name: helper
    description: not a tool
`

func writeSource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestParseExportsAnnotatedPublicTools(t *testing.T) {
	cat, err := Parse("test", []byte(testSource))
	require.NoError(t, err)

	assert.Equal(t, []string{"ping", "create_object", "delete_object", "tag"}, cat.Names())
	assert.Empty(t, cat.Warnings)

	spec, ok := cat.Lookup("delete_object")
	require.True(t, ok)
	assert.Equal(t, "blender", spec.Service)
	assert.Equal(t, SensitivityDestructive, spec.Sensitivity)
	assert.NotEmpty(t, spec.Hash)

	_, ok = cat.Lookup("_internal")
	assert.False(t, ok)
}

func TestParseRequiredFollowsDefaults(t *testing.T) {
	cat, err := Parse("test", []byte(testSource))
	require.NoError(t, err)

	spec, _ := cat.Lookup("create_object")
	assert.Equal(t, []string{"name"}, spec.Required)

	props := spec.Parameters["properties"].(map[string]any)
	assert.Equal(t, "number", props["size"].(map[string]any)["type"])
	assert.Equal(t, "cube", props["kind"].(map[string]any)["default"])

	ping, _ := cat.Lookup("ping")
	assert.Empty(t, ping.Required)
	_, hasRequired := ping.Parameters["required"]
	assert.False(t, hasRequired)
}

func TestParseUntypedParamIsPermissive(t *testing.T) {
	cat, err := Parse("test", []byte(testSource))
	require.NoError(t, err)

	spec, _ := cat.Lookup("tag")
	props := spec.Parameters["properties"].(map[string]any)
	assert.Equal(t, permissiveTypes, props["value"].(map[string]any)["type"])
	assert.Equal(t, map[string]any{"type": "string"}, props["labels"].(map[string]any)["items"])

	for _, v := range []string{`{"value":"x"}`, `{"value":3}`, `{"value":{"a":1}}`, `{"value":null}`} {
		_, err := cat.ValidateRaw("tag", json.RawMessage(v))
		assert.NoError(t, err, v)
	}
}

func TestParamSchemaTypeMapping(t *testing.T) {
	tests := []struct {
		declared string
		expected any
	}{
		{"string", "string"},
		{"int", "integer"},
		{"integer", "integer"},
		{"float", "number"},
		{"bool", "boolean"},
		{"dict", "object"},
		{"list", "array"},
		{"", permissiveTypes},
		{"Vector3", permissiveTypes},
	}
	for _, tt := range tests {
		t.Run(tt.declared, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParamSchema(Param{Name: "p", Type: tt.declared})["type"])
		})
	}
}

func TestParseMalformedDefinitionsAreWarnings(t *testing.T) {
	src := `
version: 1.0.0
tools:
  - name: ok
    tool: true
  - tool: true
    description: no name
  - name: bad name
    tool: true
  - name: dup_params
    tool: true
    params:
      - name: a
      - name: a
  - name: ok
    tool: true
  - name: weird
    tool: true
    sensitivity: catastrophic
  - "just a string"
`
	cat, err := Parse("test", []byte(src))
	require.NoError(t, err)

	assert.Equal(t, []string{"ok"}, cat.Names())
	require.Len(t, cat.Warnings, 6)
	assert.Contains(t, cat.Warnings[0].Message, "missing name")
	assert.Equal(t, "duplicate tool name", cat.Warnings[3].Message)
}

func TestBuildUnreadableSource(t *testing.T) {
	_, err := Build(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrSourceUnreadable)

	_, err = Parse("broken", []byte("tools: [unclosed"))
	assert.ErrorIs(t, err, ErrSourceUnreadable)
}

func TestBuildIsIdempotent(t *testing.T) {
	path := writeSource(t, testSource)

	a, err := Build(path)
	require.NoError(t, err)
	b, err := Build(path)
	require.NoError(t, err)

	assert.Equal(t, a.SourceHash, b.SourceHash)
	assert.Equal(t, a.Version, b.Version)
	assert.Equal(t, a.Delivery().FunctionSchema, b.Delivery().FunctionSchema)
}

func TestDescriptionChangeChangesHashAndVersion(t *testing.T) {
	a, err := Parse("test", []byte(testSource))
	require.NoError(t, err)
	changed := strings.Replace(testSource, "Delete an object.", "Delete an object permanently.", 1)
	b, err := Parse("test", []byte(changed))
	require.NoError(t, err)

	assert.NotEqual(t, a.SourceHash, b.SourceHash)
	assert.NotEqual(t, a.Version, b.Version)

	before, _ := a.Lookup("delete_object")
	after, _ := b.Lookup("delete_object")
	assert.NotEqual(t, before.Hash, after.Hash)

	pingBefore, _ := a.Lookup("ping")
	pingAfter, _ := b.Lookup("ping")
	assert.Equal(t, pingBefore.Hash, pingAfter.Hash)
}

func TestVersionCarriesHashMetadata(t *testing.T) {
	cat, err := Parse("test", []byte(testSource))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cat.Version, "1.2.0+"))
	assert.Equal(t, "1.2.0+"+cat.SourceHash[:versionHashLen], cat.Version)

	cat, err = Parse("test", []byte("version: not-semver\ntools: []\n"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cat.Version, "0.0.0+"))
	require.Len(t, cat.Warnings, 1)
}

func TestValidate(t *testing.T) {
	cat, err := Parse("test", []byte(testSource))
	require.NoError(t, err)

	_, err = cat.ValidateRaw("create_object", json.RawMessage(`{"name":"Cube","size":2}`))
	assert.NoError(t, err)

	_, err = cat.ValidateRaw("ping", nil)
	assert.NoError(t, err)

	_, err = cat.ValidateRaw("launch_rocket", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.Equal(t, errs.KindValidation, errs.Classify(err))

	_, err = cat.ValidateRaw("create_object", json.RawMessage(`{"size":"big","kind":"torus"}`))
	require.ErrorIs(t, err, ErrInvalidArguments)
	var ve *errs.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "InvalidArguments", ve.Reason)
	assert.GreaterOrEqual(t, len(ve.Violations), 3)

	_, err = cat.ValidateRaw("ping", json.RawMessage(`{"extra":1}`))
	assert.ErrorIs(t, err, ErrInvalidArguments)

	_, err = cat.Validate("delete_object", map[string]any{"name": "Cube"})
	assert.NoError(t, err)
}

func TestDelivery(t *testing.T) {
	cat, err := Parse("test", []byte(testSource))
	require.NoError(t, err)

	d := cat.Delivery()
	assert.Equal(t, cat.Version, d.Version)
	assert.Equal(t, cat.SourceHash, d.Hash)
	assert.Equal(t, 4, d.Count)
	require.Len(t, d.FunctionSchema, 4)
	assert.Equal(t, "ping", d.FunctionSchema[0].Name)
	assert.Contains(t, d.PromptList, "- create_object(name: string, kind?: string, size?: number): Create a primitive.")

	data, err := json.Marshal(d)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	for _, key := range []string{"version", "hash", "count", "promptList", "functionSchema"} {
		assert.Contains(t, m, key)
	}
}

func TestCacheRebuildsOnlyOnHashChange(t *testing.T) {
	path := writeSource(t, testSource)
	c := NewCache(path)
	assert.Nil(t, c.Current())

	first, err := c.Get()
	require.NoError(t, err)
	second, err := c.Get()
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), c.Builds())

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(testSource, "1.2.0", "1.3.0", 1)), 0600))
	third, err := c.Get()
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, int64(2), c.Builds())
	assert.Same(t, third, c.Current())

	require.NoError(t, os.Remove(path))
	_, err = c.Get()
	assert.ErrorIs(t, err, ErrSourceUnreadable)
	assert.Same(t, third, c.Current())
}

func TestGetCachedSharesCachePerSource(t *testing.T) {
	path := writeSource(t, testSource)
	a, err := GetCached(path)
	require.NoError(t, err)
	b, err := GetCached(path)
	require.NoError(t, err)
	assert.Same(t, a, b)
}
