package ai

import (
	"fmt"
	"os"
	"strings"

	"github.com/IMBotPlatform/ChatMemory/pkg/memory"
	"gopkg.in/yaml.v3"
)

// 默认配置值。
const (
	DefaultSystemPrompt = "You are a helpful assistant. Use the conversation history (including any summaries) to provide contextual and personalized responses."

	DefaultBackend        = "memory"
	DefaultHistoryDir     = "data/history"
	DefaultSQLitePath     = "data/chatmemory.db"
	DefaultRetrievalK     = 2
	DefaultChunkSize      = 200
	DefaultChunkOverlap   = 0
	DefaultChunkSeparator = "\n"
	DefaultNamespace      = "chatmemory"
)

// ModelConfig defines the configuration for a single LLM.
type ModelConfig struct {
	Name        string  `json:"name" yaml:"name"`                             // e.g., "gpt", "gemini"
	Provider    string  `json:"provider" yaml:"provider"`                     // openai, openai-sdk, google, anthropic
	APIKey      string  `json:"api_key" yaml:"api_key"`                       // Environment variable reference or direct key
	BaseURL     string  `json:"base_url,omitempty" yaml:"base_url,omitempty"` // Optional: for custom endpoints
	ModelName   string  `json:"model_name" yaml:"model_name"`                 // The specific model ID (e.g., "gpt-4o-mini")
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`                 // Max output tokens
	Temperature float64 `json:"temperature" yaml:"temperature"`               // Creativity
}

// MemoryConfig 控制会话记忆的压缩参数。
type MemoryConfig struct {
	MaxMessages    int    `json:"max_messages" yaml:"max_messages"`
	KeepRecent     int    `json:"keep_recent" yaml:"keep_recent"`
	SummaryModel   string `json:"summary_model,omitempty" yaml:"summary_model,omitempty"` // 为空时使用 default_model
	SummaryRetries int    `json:"summary_retries,omitempty" yaml:"summary_retries,omitempty"`
	SystemPrompt   string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// PersistenceConfig 选择会话历史的持久化后端。
type PersistenceConfig struct {
	Backend     string `json:"backend" yaml:"backend"` // memory, file, sqlite, redis
	Dir         string `json:"dir,omitempty" yaml:"dir,omitempty"`
	SQLitePath  string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
	RedisAddr   string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPrefix string `json:"redis_prefix,omitempty" yaml:"redis_prefix,omitempty"`
}

// RetrievalConfig 描述向量检索相关配置。
type RetrievalConfig struct {
	ChromaURL      string `json:"chroma_url,omitempty" yaml:"chroma_url,omitempty"`
	Namespace      string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	EmbeddingModel string `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty"`
	K              int    `json:"k" yaml:"k"`
	ChunkSize      int    `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap   int    `json:"chunk_overlap" yaml:"chunk_overlap"`
	Separator      string `json:"separator" yaml:"separator"`
}

// Config holds the global configuration.
type Config struct {
	DefaultModel string            `json:"default_model" yaml:"default_model"`
	Models       []ModelConfig     `json:"models" yaml:"models"`
	Memory       MemoryConfig      `json:"memory" yaml:"memory"`
	Persistence  PersistenceConfig `json:"persistence" yaml:"persistence"`
	Retrieval    RetrievalConfig   `json:"retrieval" yaml:"retrieval"`
}

// LoadConfig reads and parses the configuration from a YAML file.
// 缺省字段会被填充默认值，随后执行校验。
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig 解析 YAML 内容。
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults 为零值字段填充默认值。
// keep_recent 只有在 max_messages 也未设置时才回落默认，避免把显式的 0 覆盖掉。
func (c *Config) ApplyDefaults() {
	if c.Memory.MaxMessages == 0 {
		c.Memory.MaxMessages = memory.DefaultMaxMessages
		if c.Memory.KeepRecent == 0 {
			c.Memory.KeepRecent = memory.DefaultKeepRecent
		}
	}
	if c.Memory.SystemPrompt == "" {
		c.Memory.SystemPrompt = DefaultSystemPrompt
	}
	if c.Persistence.Backend == "" {
		c.Persistence.Backend = DefaultBackend
	}
	if c.Persistence.Dir == "" {
		c.Persistence.Dir = DefaultHistoryDir
	}
	if c.Persistence.SQLitePath == "" {
		c.Persistence.SQLitePath = DefaultSQLitePath
	}
	if c.Retrieval.K == 0 {
		c.Retrieval.K = DefaultRetrievalK
	}
	if c.Retrieval.ChunkSize == 0 {
		c.Retrieval.ChunkSize = DefaultChunkSize
	}
	if c.Retrieval.Separator == "" {
		c.Retrieval.Separator = DefaultChunkSeparator
	}
	if c.Retrieval.Namespace == "" {
		c.Retrieval.Namespace = DefaultNamespace
	}
	if c.DefaultModel == "" && len(c.Models) == 1 {
		c.DefaultModel = c.Models[0].Name
	}
}

// Validate 检查配置的一致性，返回第一个发现的问题。
func (c *Config) Validate() error {
	if c.Memory.MaxMessages < 1 {
		return &memory.ConfigurationError{Field: "memory.max_messages", Reason: "must be at least 1"}
	}
	if c.Memory.KeepRecent < 0 || c.Memory.KeepRecent > c.Memory.MaxMessages {
		return &memory.ConfigurationError{Field: "memory.keep_recent", Reason: "must be between 0 and max_messages"}
	}
	if c.Memory.SummaryRetries < 0 {
		return &memory.ConfigurationError{Field: "memory.summary_retries", Reason: "must not be negative"}
	}

	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.Name == "" {
			return &memory.ConfigurationError{Field: fmt.Sprintf("models[%d].name", i), Reason: "is required"}
		}
		if seen[m.Name] {
			return &memory.ConfigurationError{Field: fmt.Sprintf("models[%d].name", i), Reason: "is duplicated"}
		}
		seen[m.Name] = true
		switch m.Provider {
		case ProviderOpenAI, ProviderOpenAISDK, ProviderGoogle, ProviderAnthropic:
		default:
			return &memory.ConfigurationError{Field: fmt.Sprintf("models[%d].provider", i), Reason: fmt.Sprintf("unsupported provider %q", m.Provider)}
		}
	}
	if c.DefaultModel != "" && !seen[c.DefaultModel] {
		return &memory.ConfigurationError{Field: "default_model", Reason: fmt.Sprintf("model %q is not defined", c.DefaultModel)}
	}
	if c.Memory.SummaryModel != "" && !seen[c.Memory.SummaryModel] {
		return &memory.ConfigurationError{Field: "memory.summary_model", Reason: fmt.Sprintf("model %q is not defined", c.Memory.SummaryModel)}
	}
	if c.Retrieval.EmbeddingModel != "" && !seen[c.Retrieval.EmbeddingModel] {
		return &memory.ConfigurationError{Field: "retrieval.embedding_model", Reason: fmt.Sprintf("model %q is not defined", c.Retrieval.EmbeddingModel)}
	}

	switch c.Persistence.Backend {
	case "memory", "file", "sqlite":
	case "redis":
		if c.Persistence.RedisAddr == "" {
			return &memory.ConfigurationError{Field: "persistence.redis_addr", Reason: "is required for the redis backend"}
		}
	default:
		return &memory.ConfigurationError{Field: "persistence.backend", Reason: fmt.Sprintf("unsupported backend %q", c.Persistence.Backend)}
	}

	if c.Retrieval.K < 1 {
		return &memory.ConfigurationError{Field: "retrieval.k", Reason: "must be at least 1"}
	}
	if c.Retrieval.ChunkOverlap < 0 || c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return &memory.ConfigurationError{Field: "retrieval.chunk_overlap", Reason: "must be in [0, chunk_size)"}
	}
	return nil
}

// FindModel 按名称查找模型配置。
func (c *Config) FindModel(name string) (*ModelConfig, bool) {
	for i := range c.Models {
		if c.Models[i].Name == name {
			return &c.Models[i], true
		}
	}
	return nil, false
}

// resolveAPIKey 解析 API 密钥。
// 如果密钥以 "env:" 开头，则从环境变量中获取实际值。
func resolveAPIKey(key string) string {
	if strings.HasPrefix(key, "env:") {
		return os.Getenv(strings.TrimPrefix(key, "env:"))
	}
	return key
}
