package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zmcp/lsp-server/internal/constants"
)

// EnvPrefix prefixes every environment variable read by the server
const EnvPrefix = "LSP"

// Config holds all configuration options for the language server
type Config struct {
	// Transport selection
	Transport   string `mapstructure:"transport"`
	Addr        string `mapstructure:"addr"`   // address (tcp) or URL (ws) to dial
	Listen      string `mapstructure:"listen"` // address to accept on instead of dialing
	AllowRemote bool   `mapstructure:"allow_remote"`

	// Logging and tracing
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	NoColor   bool   `mapstructure:"no_color"`
	Trace     bool   `mapstructure:"trace"`
	TraceFile string `mapstructure:"trace_file"`

	// Lifecycle
	ExitTimeout      time.Duration `mapstructure:"exit_timeout"`
	CapabilitiesFile string        `mapstructure:"capabilities"`

	ConfigFile string `mapstructure:"config"`
}

// SetDefaults registers the default of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("transport", constants.TransportStdio)
	v.SetDefault("addr", "")
	v.SetDefault("listen", "")
	v.SetDefault("allow_remote", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("no_color", false)
	v.SetDefault("trace", false)
	v.SetDefault("trace_file", "")
	v.SetDefault("exit_timeout", constants.DefaultExitTimeout)
	v.SetDefault("capabilities", "")
	v.SetDefault("config", "")
}

// Load reads the optional config file named by the "config" key, then
// unmarshals and validates the merged configuration. Flags and LSP_*
// environment variables bound to v take precedence over the file.
func Load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option combinations
func (c *Config) Validate() error {
	switch c.Transport {
	case constants.TransportStdio:
	case constants.TransportTCP:
		if c.Listen == "" && c.Addr == "" {
			c.Addr = constants.DefaultTCPAddr
		}
	case constants.TransportWebSocket:
		if c.Listen == "" {
			if c.Addr == "" {
				return fmt.Errorf("transport %s needs --addr (a ws:// URL) or --listen", c.Transport)
			}
			if !strings.HasPrefix(c.Addr, "ws://") && !strings.HasPrefix(c.Addr, "wss://") {
				return fmt.Errorf("invalid WebSocket URL %q: expected ws:// or wss://", c.Addr)
			}
		}
	default:
		return fmt.Errorf("unknown transport %q (expected %s, %s or %s)",
			c.Transport, constants.TransportStdio, constants.TransportTCP, constants.TransportWebSocket)
	}

	if c.ExitTimeout <= 0 {
		return fmt.Errorf("exit timeout must be positive, got %s", c.ExitTimeout)
	}
	return nil
}

// IsListening reports whether the server accepts a connection instead of
// dialing one
func (c *Config) IsListening() bool {
	return c.Transport != constants.TransportStdio && c.Listen != ""
}

// LoadCapabilities reads a server capabilities document. The format follows
// the extension: .json, .yaml/.yml or .toml. The result is normalized to
// JSON so every format yields the same bytes for the same document.
func LoadCapabilities(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read capabilities file: %w", err)
	}

	var doc map[string]interface{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &doc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	case ".toml":
		err = toml.Unmarshal(data, &doc)
	default:
		return nil, fmt.Errorf("unsupported capabilities file extension %q", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse capabilities file %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("capabilities in %s cannot be expressed as JSON: %w", path, err)
	}
	return normalized, nil
}
