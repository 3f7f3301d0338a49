// Package config loads the loom configuration: YAML with environment
// expansion, $include resolution, and JSON5 acceptance for .json/.json5
// files. Decoding is strict; unknown keys are errors.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/loomhq/loom/internal/mcp"
)

// Config is the full configuration surface.
type Config struct {
	LLM           LLMConfig           `yaml:"llm" json:"llm"`
	MCPServers    []mcp.ServerConfig  `yaml:"mcpServers,omitempty" json:"mcpServers,omitempty"`
	Tools         ToolsConfig         `yaml:"tools,omitempty" json:"tools,omitempty"`
	Content       ContentConfig       `yaml:"content,omitempty" json:"content,omitempty"`
	Server        ServerConfig        `yaml:"server,omitempty" json:"server,omitempty"`
	Storage       StorageConfig       `yaml:"storage,omitempty" json:"storage,omitempty"`
	Media         MediaConfig         `yaml:"media,omitempty" json:"media,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// LLMConfig points at an OpenAI-compatible endpoint.
type LLMConfig struct {
	BaseURL string `yaml:"baseUrl" json:"baseUrl"`
	APIKey  string `yaml:"apiKey,omitempty" json:"apiKey,omitempty"`
	Model   string `yaml:"model" json:"model"`
	// SystemRole is the system message text, or the path of a file whose
	// contents supply it (watched for changes).
	SystemRole string `yaml:"systemRole,omitempty" json:"systemRole,omitempty"`
}

type ToolsConfig struct {
	MaxRounds       int    `yaml:"maxRounds,omitempty" json:"maxRounds,omitempty"`
	RefreshSchedule string `yaml:"refreshSchedule,omitempty" json:"refreshSchedule,omitempty"`
	ValidateArgs    bool   `yaml:"validateArgs,omitempty" json:"validateArgs,omitempty"`
}

type ContentConfig struct {
	MaxLength int `yaml:"maxLength,omitempty" json:"maxLength,omitempty"`
}

type ServerConfig struct {
	Host        string   `yaml:"host,omitempty" json:"host,omitempty"`
	HTTPPort    int      `yaml:"httpPort,omitempty" json:"httpPort,omitempty"`
	CORSOrigins []string `yaml:"corsOrigins,omitempty" json:"corsOrigins,omitempty"`
}

type StorageConfig struct {
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

type MediaConfig struct {
	MaxBytes  int64 `yaml:"maxBytes,omitempty" json:"maxBytes,omitempty"`
	MaxPixels int64 `yaml:"maxPixels,omitempty" json:"maxPixels,omitempty"`
}

type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// Defaults.
const (
	DefaultHost            = "0.0.0.0"
	DefaultHTTPPort        = 8080
	DefaultStorageDriver   = "memory"
	DefaultRefreshSchedule = "@every 10m"
	DefaultMediaMaxBytes   = 8 << 20
	DefaultMediaMaxPixels  = 16_000_000
)

// Load reads, merges, decodes, defaults, and validates the config at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = DefaultHTTPPort
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DefaultStorageDriver
	}
	if c.Tools.RefreshSchedule == "" {
		c.Tools.RefreshSchedule = DefaultRefreshSchedule
	}
	if c.Media.MaxBytes == 0 {
		c.Media.MaxBytes = DefaultMediaMaxBytes
	}
	if c.Media.MaxPixels == 0 {
		c.Media.MaxPixels = DefaultMediaMaxPixels
	}
}

// Validate reports the first configuration problem with enough context to
// fix it.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLM.BaseURL) == "" {
		return fmt.Errorf("llm.baseUrl is required")
	}
	if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("llm.baseUrl %q is not an absolute URL", c.LLM.BaseURL)
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}

	names := make(map[string]bool, len(c.MCPServers))
	for i, srv := range c.MCPServers {
		if err := srv.Validate(); err != nil {
			return fmt.Errorf("mcpServers[%d]: %w", i, err)
		}
		if names[srv.Name] {
			return fmt.Errorf("mcpServers[%d]: duplicate server name %q", i, srv.Name)
		}
		names[srv.Name] = true
	}

	if c.Tools.MaxRounds < 0 {
		return fmt.Errorf("tools.maxRounds must not be negative")
	}
	if c.Content.MaxLength < 0 {
		return fmt.Errorf("content.maxLength must not be negative")
	}
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.httpPort %d is out of range", c.Server.HTTPPort)
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("storage.driver %q is not one of memory, sqlite, postgres", c.Storage.Driver)
	}

	if c.Observability.Tracing.Enabled && strings.TrimSpace(c.Observability.Tracing.Endpoint) == "" {
		return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
	}
	return nil
}
