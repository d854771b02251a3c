package ai

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/IMBotPlatform/ChatMemory/pkg/memory"
)

const sampleConfig = `
default_model: gpt
models:
  - name: gpt
    provider: openai
    api_key: env:TEST_CHATMEMORY_KEY
    model_name: gpt-4o-mini
  - name: sdk
    provider: openai-sdk
    api_key: sk-direct
    model_name: gpt-4o-mini
memory:
  max_messages: 8
  keep_recent: 4
  summary_model: sdk
persistence:
  backend: sqlite
  sqlite_path: /tmp/x.db
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Memory.MaxMessages != 8 || cfg.Memory.KeepRecent != 4 {
		t.Fatalf("memory limits not parsed: %+v", cfg.Memory)
	}
	if cfg.Memory.SystemPrompt != DefaultSystemPrompt {
		t.Fatalf("system prompt default not applied")
	}
	if cfg.Retrieval.K != 2 || cfg.Retrieval.ChunkSize != 200 || cfg.Retrieval.Separator != "\n" {
		t.Fatalf("retrieval defaults not applied: %+v", cfg.Retrieval)
	}
	if m, ok := cfg.FindModel("sdk"); !ok || m.Provider != ProviderOpenAISDK {
		t.Fatalf("sdk model not found")
	}
}

func TestParseConfigDefaultsWhenEmpty(t *testing.T) {
	cfg, err := ParseConfig([]byte("{}"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Memory.MaxMessages != memory.DefaultMaxMessages || cfg.Memory.KeepRecent != memory.DefaultKeepRecent {
		t.Fatalf("unexpected defaults: %+v", cfg.Memory)
	}
	if cfg.Persistence.Backend != "memory" {
		t.Fatalf("unexpected backend %q", cfg.Persistence.Backend)
	}
}

func TestParseConfigKeepsExplicitZeroKeepRecent(t *testing.T) {
	cfg, err := ParseConfig([]byte("memory:\n  max_messages: 3\n  keep_recent: 0\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Memory.KeepRecent != 0 {
		t.Fatalf("explicit keep_recent overwritten: %d", cfg.Memory.KeepRecent)
	}
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]string{
		"keep_recent above max": "memory:\n  max_messages: 2\n  keep_recent: 3\n",
		"unknown provider":      "models:\n  - name: x\n    provider: ollama\n",
		"undefined default":     "default_model: nope\n",
		"duplicate model":       "models:\n  - name: x\n    provider: openai\n  - name: x\n    provider: google\n",
		"redis without addr":    "persistence:\n  backend: redis\n",
		"unknown backend":       "persistence:\n  backend: postgres\n",
		"overlap too large":     "retrieval:\n  chunk_size: 10\n  chunk_overlap: 10\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(doc)); !errors.Is(err, memory.ErrConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv("TEST_CHATMEMORY_KEY", "secret")
	if got := resolveAPIKey("env:TEST_CHATMEMORY_KEY"); got != "secret" {
		t.Fatalf("expected env lookup, got %q", got)
	}
	if got := resolveAPIKey("sk-plain"); got != "sk-plain" {
		t.Fatalf("expected literal key, got %q", got)
	}
}
