package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/pybridge/abi"
	"github.com/wippyai/pybridge/errors"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "pybridge", cfg.Module.Name)
	assert.Equal(t, "Awaitable", cfg.Type.Name)
	assert.Equal(t, BackendSim, cfg.Interpreter.Backend)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[module]
name = "hostbridge.io"

[interpreter]
version = "3.11.9"
platform = "llp64"

[relay]
max_pending = 8
`))
	require.NoError(t, err)
	assert.Equal(t, "hostbridge.io", cfg.Module.Name)
	assert.Equal(t, "Awaitable", cfg.Type.Name)
	assert.Equal(t, 8, cfg.Relay.MaxPending)
	assert.Equal(t, abi.PlatformLLP64, cfg.Platform())

	opts := cfg.SimOptions()
	assert.Equal(t, "3.11.9", opts.Version)
	assert.Equal(t, abi.PlatformLLP64, opts.Platform)
	assert.True(t, opts.Poison)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad toml", `[module`},
		{"unknown key", "[module]\nname = \"m\"\ncolour = \"red\"\n"},
		{"module name", "[module]\nname = \"1bad\"\n"},
		{"empty module part", "[module]\nname = \"a..b\"\n"},
		{"type name", "[type]\nname = \"Await able\"\n"},
		{"backend", "[interpreter]\nbackend = \"pypy\"\n"},
		{"old version", "[interpreter]\nversion = \"3.7.1\"\n"},
		{"future version", "[interpreter]\nversion = \"3.14.0\"\n"},
		{"platform", "[interpreter]\nplatform = \"ilp32\"\n"},
		{"negative pending", "[relay]\nmax_pending = -1\n"},
		{"tiny heap", "[sim]\nheap_max_pages = 1\n"},
		{"sim without version", "[interpreter]\nversion = \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			require.Error(t, err)
			assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
		})
	}
}

func TestCPythonBackendNeedsNoVersion(t *testing.T) {
	cfg, err := Parse([]byte("[interpreter]\nbackend = \"cpython\"\nversion = \"\"\n"))
	require.NoError(t, err)
	assert.Equal(t, BackendCPython, cfg.Interpreter.Backend)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pybridge.toml")
	require.NoError(t, os.WriteFile(path, []byte("[type]\nname = \"Future\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Future", cfg.Type.Name)

	_, err = Load(filepath.Join(dir, "missing.toml"))
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestSchema(t *testing.T) {
	data, err := Schema()
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok, "expanded schema has top-level properties")
	for _, key := range []string{"module", "type", "interpreter", "relay", "sim"} {
		assert.Contains(t, props, key)
	}
}
