package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigPath(t *testing.T) {
	path, err := DefaultConfigPath()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, filepath.Join(".atelier", "config.yaml")), path)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	t.Setenv("ATELIER_TEST_ROOT", "/srv/studio")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty path", "", ""},
		{"tilde only", "~", home},
		{"tilde with subpath", "~/locks/a", filepath.Join(home, "locks/a")},
		{"absolute path", "/var/lib/atelier", "/var/lib/atelier"},
		{"relative path", "tools.yaml", "tools.yaml"},
		{"env var", "$ATELIER_TEST_ROOT/tools.yaml", "/srv/studio/tools.yaml"},
		{"braced env var", "${ATELIER_TEST_ROOT}/data.db", "/srv/studio/data.db"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandPath(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}
