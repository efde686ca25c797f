// Package config handles configuration loading and management for fundchat.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	defaultConfig "github.com/inercia/fundchat/config"
	"github.com/inercia/fundchat/internal/appdir"
	"github.com/inercia/fundchat/internal/store"
)

// Config represents the complete fundchat configuration.
type Config struct {
	// Backend locates the chat server.
	Backend BackendConfig `json:"backend" yaml:"backend" toml:"backend"`
	// Session tunes the chat controller and its connection.
	Session SessionConfig `json:"session" yaml:"session" toml:"session"`
	// Store selects where conversations are persisted.
	Store StoreConfig `json:"store" yaml:"store" toml:"store"`
	// Models is sent verbatim with every upload.
	Models ModelSettings `json:"models" yaml:"models" toml:"models"`
}

// BackendConfig locates the chat server.
type BackendConfig struct {
	// URL is the server base URL, e.g. http://localhost:8000
	URL string `json:"url" yaml:"url" toml:"url"`
	// ChatPath is the WebSocket chat endpoint (default: /ws_chat)
	ChatPath string `json:"chat_path,omitempty" yaml:"chat_path,omitempty" toml:"chat_path,omitempty"`
	// UploadPath is the multipart upload endpoint (default: /upload/)
	UploadPath string `json:"upload_path,omitempty" yaml:"upload_path,omitempty" toml:"upload_path,omitempty"`
	// UploadTimeout bounds a whole upload request, indexing included.
	UploadTimeout Duration `json:"upload_timeout,omitempty" yaml:"upload_timeout,omitempty" toml:"upload_timeout,omitempty"`
}

// SessionConfig tunes the chat controller.
type SessionConfig struct {
	// GraceInterval is how long a submission waits for a fresh connection.
	GraceInterval Duration `json:"grace_interval,omitempty" yaml:"grace_interval,omitempty" toml:"grace_interval,omitempty"`
	// DialTimeout bounds a single connection attempt.
	DialTimeout Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout,omitempty" toml:"dial_timeout,omitempty"`
	// DialRate limits connection attempts per second. 0 disables the limit.
	DialRate float64 `json:"dial_rate,omitempty" yaml:"dial_rate,omitempty" toml:"dial_rate,omitempty"`
	// DialBurst is the number of attempts allowed at once.
	DialBurst int `json:"dial_burst,omitempty" yaml:"dial_burst,omitempty" toml:"dial_burst,omitempty"`
}

// StoreConfig selects the conversation store.
type StoreConfig struct {
	// Driver is one of file, sqlite or memory (default: file)
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty" toml:"driver,omitempty"`
	// Path overrides the driver's location in the data directory.
	Path string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	// Watch refreshes open chats when another process changes the store.
	Watch bool `json:"watch,omitempty" yaml:"watch,omitempty" toml:"watch,omitempty"`
}

// ModelSettings selects the language and embedding models the backend
// uses when indexing uploaded documents.
type ModelSettings struct {
	LLM        string                 `json:"llm" yaml:"llm" toml:"llm"`
	Embedding  string                 `json:"embedding" yaml:"embedding" toml:"embedding"`
	LLMs       map[string]ModelParams `json:"llms" yaml:"llms" toml:"llms"`
	Embeddings map[string]ModelParams `json:"embeddings" yaml:"embeddings" toml:"embeddings"`
}

// ModelParams configures one model provider.
type ModelParams struct {
	BaseURL   string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty" toml:"baseUrl,omitempty"`
	ModelName string `json:"modelName,omitempty" yaml:"modelName,omitempty" toml:"modelName,omitempty"`
	APIKey    string `json:"apiKey,omitempty" yaml:"apiKey,omitempty" toml:"apiKey,omitempty"`
}

// Duration is a time.Duration written as a string such as "2s" or "5m".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	*d = Duration(v)
	return nil
}

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// FormatForPath picks the syntax from the file extension. Files without a
// known extension (such as ~/.fundchatrc) are YAML.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".toml":
		return FormatTOML
	default:
		return FormatYAML
	}
}

// Default returns the embedded default configuration.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := decode(defaultConfig.DefaultConfigYAML, FormatYAML, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse embedded default config: %w", err)
	}
	return cfg, nil
}

// Load reads the configuration file at path on top of the embedded defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data, FormatForPath(path))
}

// Parse decodes data on top of the embedded defaults and validates the result.
// ${VAR} references are replaced by environment variables before decoding.
func Parse(data []byte, format Format) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if err := decode([]byte(expandEnvVars(string(data))), format, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, format Format, cfg *Config) error {
	switch format {
	case FormatJSON:
		return json.Unmarshal(data, cfg)
	case FormatTOML:
		_, err := toml.Decode(string(data), cfg)
		return err
	case FormatYAML:
		return yaml.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config format %q", format)
	}
}

// Marshal renders cfg in the given syntax.
func Marshal(cfg *Config, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(cfg, "", "  ")
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatYAML:
		return yaml.Marshal(cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// Validate checks that the configuration can be used.
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("backend.url is not a valid URL: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("backend.url must use http, https, ws or wss, got %q", u.Scheme)
	}
	switch store.Driver(c.Store.Driver) {
	case "", store.DriverFile, store.DriverSQLite, store.DriverMemory:
	default:
		return fmt.Errorf("store.driver must be file, sqlite or memory, got %q", c.Store.Driver)
	}
	if c.Session.DialRate < 0 {
		return fmt.Errorf("session.dial_rate must not be negative")
	}
	if c.Models.LLM != "" {
		if _, ok := c.Models.LLMs[c.Models.LLM]; !ok {
			return fmt.Errorf("models.llm %q has no entry in models.llms", c.Models.LLM)
		}
	}
	if c.Models.Embedding != "" {
		if _, ok := c.Models.Embeddings[c.Models.Embedding]; !ok {
			return fmt.Errorf("models.embedding %q has no entry in models.embeddings", c.Models.Embedding)
		}
	}
	return nil
}

// StoreDriver returns the configured driver, defaulting to the file store.
func (c *Config) StoreDriver() store.Driver {
	if c.Store.Driver == "" {
		return store.DriverFile
	}
	return store.Driver(c.Store.Driver)
}

// StorePath returns the configured store location, or the driver's default
// location in the data directory.
func (c *Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	switch c.StoreDriver() {
	case store.DriverSQLite:
		return appdir.DatabasePath()
	case store.DriverMemory:
		return "", nil
	default:
		return appdir.ConversationsDir()
	}
}
