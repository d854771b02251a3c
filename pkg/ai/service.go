package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/IMBotPlatform/ChatMemory/pkg/memory"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/openai"
)

// 支持的模型提供方。
const (
	ProviderOpenAI    = "openai"
	ProviderOpenAISDK = "openai-sdk"
	ProviderGoogle    = "google"
	ProviderAnthropic = "anthropic"
)

// ErrNoModel 表示既未指定模型，配置中也没有 default_model。
var ErrNoModel = errors.New("no model configured")

// sessionLister 由能枚举已持久化会话的 RecordStore 实现。
type sessionLister interface {
	Sessions(ctx context.Context) ([]string, error)
}

// Service 是对话逻辑的主要入口点。
// 它负责管理模型实例、会话记忆以及与 LLM 的交互。
type Service struct {
	config  *Config
	records memory.RecordStore
	logger  *slog.Logger
	store   *memory.Store

	mu         sync.Mutex
	modelCache map[string]llms.Model
}

// ServiceOption 用于定制 Service。
type ServiceOption func(*Service)

// WithRecords 为会话记忆绑定持久化存储。
func WithRecords(rs memory.RecordStore) ServiceOption {
	return func(s *Service) {
		s.records = rs
	}
}

// WithLogger 注入日志记录器。
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// WithModelInstance 预先注册一个模型实例，跳过按配置初始化（测试或自定义 provider）。
func WithModelInstance(name string, model llms.Model) ServiceOption {
	return func(s *Service) {
		s.modelCache[name] = model
	}
}

// NewService 创建一个新的服务实例，并按 memory 配置构建会话存储。
func NewService(config *Config, opts ...ServiceOption) (*Service, error) {
	if config == nil {
		return nil, &memory.ConfigurationError{Field: "config", Reason: "is required"}
	}
	s := &Service{
		config:     config,
		modelCache: make(map[string]llms.Model),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	storeOpts := []memory.StoreOption{
		memory.WithLimits(config.Memory.MaxMessages, config.Memory.KeepRecent),
		memory.WithLogger(s.logger),
	}
	if s.records != nil {
		storeOpts = append(storeOpts, memory.WithRecords(s.records))
	}
	store, err := memory.NewStore(s.summaryGenerator(), storeOpts...)
	if err != nil {
		return nil, err
	}
	s.store = store
	return s, nil
}

// Store 返回底层会话存储。
func (s *Service) Store() *memory.Store {
	return s.store
}

// Config 返回服务配置。
func (s *Service) Config() *Config {
	return s.config
}

// summaryGenerator 延迟解析摘要模型，模型初始化失败按生成错误处理。
func (s *Service) summaryGenerator() memory.Generator {
	var gen memory.Generator = memory.GeneratorFunc(func(ctx context.Context, msgs []memory.Message) (string, error) {
		llm, err := s.Model(ctx, s.config.Memory.SummaryModel)
		if err != nil {
			return "", err
		}
		return NewModelGenerator(llm).Generate(ctx, msgs)
	})
	if s.config.Memory.SummaryRetries > 0 {
		gen = NewRetryGenerator(gen, s.config.Memory.SummaryRetries, s.logger)
	}
	return gen
}

// Model 获取模型实例，name 为空时使用 default_model。
// 如果缓存中存在则直接返回，否则初始化一个新的模型实例并缓存。
//
// 逻辑流程:
//
//	Check Cache -> (Hit) -> Return
//	  |
//	(Miss)
//	  v
//	Load Config -> Init Provider (OpenAI/Google/Anthropic/SDK) -> Update Cache -> Return
func (s *Service) Model(ctx context.Context, name string) (llms.Model, error) {
	if name == "" {
		name = s.config.DefaultModel
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if name == "" {
		// 只有一个预注册实例时直接使用它。
		if len(s.modelCache) == 1 {
			for _, m := range s.modelCache {
				return m, nil
			}
		}
		return nil, ErrNoModel
	}
	if model, ok := s.modelCache[name]; ok {
		return model, nil
	}

	cfg, ok := s.config.FindModel(name)
	if !ok {
		return nil, fmt.Errorf("model '%s' not found in configuration", name)
	}

	llm, err := newProviderModel(ctx, *cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create model provider: %w", err)
	}

	s.modelCache[name] = llm
	return llm, nil
}

// newProviderModel 按 provider 初始化模型。
func newProviderModel(ctx context.Context, cfg ModelConfig) (llms.Model, error) {
	apiKey := resolveAPIKey(cfg.APIKey)

	switch cfg.Provider {
	case ProviderOpenAI:
		opts := []openai.Option{openai.WithToken(apiKey)}
		if cfg.ModelName != "" {
			opts = append(opts, openai.WithModel(cfg.ModelName))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		return openai.New(opts...)
	case ProviderOpenAISDK:
		return NewSDKModel(cfg), nil
	case ProviderGoogle:
		return googleai.New(ctx,
			googleai.WithAPIKey(apiKey),
			googleai.WithDefaultModel(cfg.ModelName),
		)
	case ProviderAnthropic:
		opts := []anthropic.Option{
			anthropic.WithToken(apiKey),
			anthropic.WithModel(cfg.ModelName),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
}

// EmbeddingClient 返回可用于向量化的模型客户端。
// openai、openai-sdk 与 google 支持；anthropic 不提供 embedding 接口。
func (s *Service) EmbeddingClient(ctx context.Context, name string) (embeddings.EmbedderClient, error) {
	llm, err := s.Model(ctx, name)
	if err != nil {
		return nil, err
	}
	client, ok := llm.(embeddings.EmbedderClient)
	if !ok {
		return nil, fmt.Errorf("model '%s' does not support embeddings", name)
	}
	return client, nil
}

// ChatOptions 定义调用 Chat 时的配置。
type ChatOptions struct {
	Model         string
	StreamingFunc func(ctx context.Context, chunk []byte) error
}

// ChatOption 是配置 ChatOptions 的函数。
type ChatOption func(*ChatOptions)

// WithModel 指定使用的模型。
func WithModel(model string) ChatOption {
	return func(o *ChatOptions) {
		o.Model = model
	}
}

// WithStreamingFunc 在生成回复时逐块回调。
func WithStreamingFunc(fn func(ctx context.Context, chunk []byte) error) ChatOption {
	return func(o *ChatOptions) {
		o.StreamingFunc = fn
	}
}

// Chat 执行一轮完整对话并返回回复文本。
//
// 核心架构流程图:
//
//	User Input (String)
//	      |
//	      v
//	+----------------------------+
//	| Conversation (turn lock)   |
//	| 1. Append User Message     |
//	|    (may compact)           |
//	+-------------+--------------+
//	              |
//	              v
//	+----------------------------+
//	| LLM Provider               |
//	| 2. System preamble + log   |
//	+-------------+--------------+
//	              |
//	              v
//	+----------------------------+
//	| Conversation               |
//	| 3. Append AI Response      |
//	+----------------------------+
//
// 压缩失败不会中断本轮：回复照常返回，同时返回 *memory.CompactionError，
// 调用方可用 memory.IsCommitted 判断本轮是否已经落库。
func (s *Service) Chat(ctx context.Context, sessionID, prompt string, opts ...ChatOption) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", &memory.ConfigurationError{Field: "prompt", Reason: "is empty"}
	}

	// Step 0: 解析选项（默认使用配置中的 default_model，可被 WithModel 覆盖）
	options := &ChatOptions{Model: s.config.DefaultModel}
	for _, o := range opts {
		o(options)
	}

	llm, err := s.Model(ctx, options.Model)
	if err != nil {
		return "", err
	}

	conv, err := s.store.Resolve(ctx, sessionID)
	if err != nil {
		return "", err
	}
	conv.Lock()
	defer conv.Unlock()

	// Step 1: 追加用户消息；CompactionError 只记录，不影响本轮。
	var compactErr error
	if err := conv.Append(ctx, memory.NewUserMessage(prompt)); err != nil {
		if !memory.IsCommitted(err) {
			return "", fmt.Errorf("failed to add user message: %w", err)
		}
		compactErr = err
	}

	// Step 2: 系统前言 + 当前会话日志
	content := make([]llms.MessageContent, 0, conv.Len()+1)
	content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, s.config.Memory.SystemPrompt))
	content = append(content, toMessageContent(conv.Messages())...)

	var callOpts []llms.CallOption
	if options.StreamingFunc != nil {
		callOpts = append(callOpts, llms.WithStreamingFunc(options.StreamingFunc))
	}
	resp, err := llm.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		return "", &memory.ServiceError{Op: "generate", Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &memory.ServiceError{Op: "generate", Err: ErrEmptyResponse}
	}
	reply := resp.Choices[0].Content

	// Step 3: 追加回复
	if err := conv.Append(ctx, memory.NewAssistantMessage(reply)); err != nil {
		if !memory.IsCommitted(err) {
			return reply, fmt.Errorf("failed to add ai message: %w", err)
		}
		compactErr = err
	}

	if compactErr != nil {
		s.logger.WarnContext(ctx, "turn completed without compaction",
			slog.String("session_id", sessionID),
			slog.String("error", compactErr.Error()),
		)
	}
	return reply, compactErr
}

// History 返回会话的消息快照。只读操作，未知会话返回空列表且不会被创建。
func (s *Service) History(ctx context.Context, sessionID string) ([]memory.Message, error) {
	conv, err := s.store.Lookup(ctx, sessionID)
	if errors.Is(err, memory.ErrNotFound) {
		return []memory.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return conv.Messages(), nil
}

// Summary 返回会话当前的摘要正文，未压缩过或会话不存在时为空。
func (s *Service) Summary(ctx context.Context, sessionID string) (string, error) {
	conv, err := s.store.Lookup(ctx, sessionID)
	if errors.Is(err, memory.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return conv.Summary(), nil
}

// Reset 删除会话及其持久化记录。
func (s *Service) Reset(ctx context.Context, sessionID string) error {
	return s.store.Delete(ctx, sessionID)
}

// Sessions 合并内存中与持久化存储中的会话 ID。
func (s *Service) Sessions(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, id := range s.store.Sessions() {
		seen[id] = true
	}
	if lister, ok := s.records.(sessionLister); ok {
		persisted, err := lister.Sessions(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range persisted {
			seen[id] = true
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
