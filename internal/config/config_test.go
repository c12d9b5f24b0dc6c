package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "stdio", cfg.Transport)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ExitTimeout)
	assert.False(t, cfg.IsListening())
}

func TestLoadConfigFile(t *testing.T) {
	path := writeFile(t, "server.yaml", `
transport: tcp
listen: 127.0.0.1:0
log_level: debug
exit_timeout: 5s
`)

	v := viper.New()
	SetDefaults(v)
	v.Set("config", path)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.Transport)
	assert.Equal(t, "127.0.0.1:0", cfg.Listen)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.ExitTimeout)
	assert.True(t, cfg.IsListening())
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("LSP_TRANSPORT", "tcp")
	t.Setenv("LSP_LOG_FORMAT", "json")

	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.Transport)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "127.0.0.1:9257", cfg.Addr, "tcp dials the default address")
}

func TestLoadMissingConfigFile(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("config", filepath.Join(t.TempDir(), "absent.toml"))

	_, err := Load(v)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"stdio", Config{Transport: "stdio", ExitTimeout: time.Second}, ""},
		{"tcp listen", Config{Transport: "tcp", Listen: ":9000", ExitTimeout: time.Second}, ""},
		{"ws dial", Config{Transport: "ws", Addr: "ws://localhost:8080/lsp", ExitTimeout: time.Second}, ""},
		{"ws listen", Config{Transport: "ws", Listen: ":8080", ExitTimeout: time.Second}, ""},
		{"ws without address", Config{Transport: "ws", ExitTimeout: time.Second}, "needs --addr"},
		{"ws bad scheme", Config{Transport: "ws", Addr: "http://x", ExitTimeout: time.Second}, "invalid WebSocket URL"},
		{"unknown transport", Config{Transport: "pigeon", ExitTimeout: time.Second}, "unknown transport"},
		{"zero timeout", Config{Transport: "stdio"}, "exit timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadCapabilitiesFormats(t *testing.T) {
	const want = `{"definitionProvider":true,"textDocumentSync":{"change":1,"openClose":true},"triggerCharacters":[".",":"]}`

	files := map[string]string{
		"caps.json": `{"definitionProvider": true, "textDocumentSync": {"openClose": true, "change": 1}, "triggerCharacters": [".", ":"]}`,
		"caps.yaml": `
definitionProvider: true
textDocumentSync:
  openClose: true
  change: 1
triggerCharacters: [".", ":"]
`,
		"caps.toml": `
definitionProvider = true
triggerCharacters = [".", ":"]

[textDocumentSync]
openClose = true
change = 1
`,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			caps, err := LoadCapabilities(writeFile(t, name, content))
			require.NoError(t, err)
			assert.JSONEq(t, want, string(caps))
		})
	}
}

func TestLoadCapabilitiesErrors(t *testing.T) {
	_, err := LoadCapabilities(writeFile(t, "caps.ini", "a=b"))
	assert.ErrorContains(t, err, "unsupported")

	_, err = LoadCapabilities(writeFile(t, "caps.json", "{"))
	assert.ErrorContains(t, err, "failed to parse")

	_, err = LoadCapabilities(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read")

	caps, err := LoadCapabilities(writeFile(t, "empty.yml", ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(caps))
}
