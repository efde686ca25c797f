package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/inercia/fundchat/internal/store"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("embedded defaults do not validate: %v", err)
	}
	if cfg.Backend.URL != "http://localhost:8000" {
		t.Errorf("Backend.URL = %q", cfg.Backend.URL)
	}
	if cfg.Session.GraceInterval.Std() != 2*time.Second {
		t.Errorf("GraceInterval = %v, want 2s", cfg.Session.GraceInterval.Std())
	}
	if cfg.Models.LLM != "ollama" || cfg.Models.LLMs["ollama"].ModelName != "llama3" {
		t.Errorf("Models = %+v", cfg.Models)
	}
	if cfg.Models.Embeddings["ollama"].ModelName != "nomic-embed-text" {
		t.Errorf("Embeddings = %+v", cfg.Models.Embeddings)
	}
}

func TestParse_Formats(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		data   string
	}{
		{
			name:   "yaml",
			format: FormatYAML,
			data: `
backend:
  url: https://funds.example.com
session:
  grace_interval: 500ms
store:
  driver: sqlite
`,
		},
		{
			name:   "json",
			format: FormatJSON,
			data:   `{"backend": {"url": "https://funds.example.com"}, "session": {"grace_interval": "500ms"}, "store": {"driver": "sqlite"}}`,
		},
		{
			name:   "toml",
			format: FormatTOML,
			data: `
[backend]
url = "https://funds.example.com"

[session]
grace_interval = "500ms"

[store]
driver = "sqlite"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.data), tt.format)
			if err != nil {
				t.Fatalf("Parse() failed: %v", err)
			}
			if cfg.Backend.URL != "https://funds.example.com" {
				t.Errorf("Backend.URL = %q", cfg.Backend.URL)
			}
			if cfg.Session.GraceInterval.Std() != 500*time.Millisecond {
				t.Errorf("GraceInterval = %v", cfg.Session.GraceInterval.Std())
			}
			if cfg.StoreDriver() != store.DriverSQLite {
				t.Errorf("StoreDriver() = %q", cfg.StoreDriver())
			}
			// untouched sections keep their defaults
			if cfg.Backend.ChatPath != "/ws_chat" {
				t.Errorf("ChatPath = %q, want default", cfg.Backend.ChatPath)
			}
			if cfg.Models.LLM != "ollama" {
				t.Errorf("Models.LLM = %q, want default", cfg.Models.LLM)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"bad scheme", "backend:\n  url: ftp://example.com\n", "backend.url"},
		{"bad driver", "store:\n  driver: postgres\n", "store.driver"},
		{"bad duration", "session:\n  grace_interval: soon\n", "invalid duration"},
		{"negative duration", "session:\n  grace_interval: -1s\n", "negative"},
		{"unknown llm", "models:\n  llm: openai\n", "models.llm"},
		{"malformed yaml", "backend: [\n", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), FormatYAML)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestParse_ExpandsEnvVars(t *testing.T) {
	t.Setenv("FUNDCHAT_TEST_KEY", "sk-secret")
	data := `
models:
  llm: openai
  llms:
    openai:
      modelName: gpt-4o
      apiKey: ${FUNDCHAT_TEST_KEY}
`
	cfg, err := Parse([]byte(data), FormatYAML)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if got := cfg.Models.LLMs["openai"].APIKey; got != "sk-secret" {
		t.Errorf("APIKey = %q, want expanded value", got)
	}
	if _, ok := cfg.Models.LLMs["ollama"]; !ok {
		t.Error("default provider should be kept alongside the new one")
	}
}

func TestLoad_ByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fundchat.toml")
	if err := os.WriteFile(path, []byte("[backend]\nurl = \"ws://10.0.0.1:9000\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Backend.URL != "ws://10.0.0.1:9000" {
		t.Errorf("Backend.URL = %q", cfg.Backend.URL)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFormatForPath(t *testing.T) {
	tests := map[string]Format{
		"/home/u/.fundchatrc": FormatYAML,
		"cfg.yml":             FormatYAML,
		"cfg.YAML":            FormatYAML,
		"cfg.json":            FormatJSON,
		"cfg.toml":            FormatTOML,
	}
	for path, want := range tests {
		if got := FormatForPath(path); got != want {
			t.Errorf("FormatForPath(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatal(err)
	}
	for _, format := range []Format{FormatYAML, FormatJSON, FormatTOML} {
		t.Run(string(format), func(t *testing.T) {
			data, err := Marshal(cfg, format)
			if err != nil {
				t.Fatalf("Marshal() failed: %v", err)
			}
			if !strings.Contains(string(data), "2s") {
				t.Errorf("durations should be written as strings:\n%s", data)
			}
			back, err := Parse(data, format)
			if err != nil {
				t.Fatalf("Parse() of marshaled config failed: %v\n%s", err, data)
			}
			if back.Session.GraceInterval != cfg.Session.GraceInterval || back.Backend.URL != cfg.Backend.URL {
				t.Errorf("round trip changed config: %+v", back)
			}
		})
	}
}

func TestStorePath(t *testing.T) {
	setupDataDir(t)

	cfg, _ := Default()
	cfg.Store.Driver = "sqlite"
	path, err := cfg.StorePath()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "fundchat.db" {
		t.Errorf("sqlite StorePath() = %q", path)
	}

	cfg.Store.Driver = ""
	path, _ = cfg.StorePath()
	if filepath.Base(path) != "conversations" {
		t.Errorf("file StorePath() = %q", path)
	}

	cfg.Store.Path = "/tmp/elsewhere"
	if path, _ := cfg.StorePath(); path != "/tmp/elsewhere" {
		t.Errorf("explicit StorePath() = %q", path)
	}
}
