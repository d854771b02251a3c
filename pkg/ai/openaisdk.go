package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/tmc/langchaingo/llms"
)

const defaultSDKEmbeddingModel = "text-embedding-3-small"

// SDKModel 基于官方 openai-go SDK 实现 llms.Model 与 embeddings.EmbedderClient。
// 配置中 provider 为 "openai-sdk" 时使用。
type SDKModel struct {
	client         openai.Client
	model          string
	embeddingModel string
	maxTokens      int
	temperature    float64
}

// NewSDKModel 根据模型配置创建 SDKModel。
func NewSDKModel(cfg ModelConfig, opts ...option.RequestOption) *SDKModel {
	options := []option.RequestOption{option.WithAPIKey(resolveAPIKey(cfg.APIKey))}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	options = append(options, opts...)

	return &SDKModel{
		client:         openai.NewClient(options...),
		model:          cfg.ModelName,
		embeddingModel: defaultSDKEmbeddingModel,
		maxTokens:      cfg.MaxTokens,
		temperature:    cfg.Temperature,
	}
}

// GenerateContent 实现 llms.Model。设置了 StreamingFunc 时使用 SSE 流式接口。
func (m *SDKModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	params, err := m.buildParams(messages, opts)
	if err != nil {
		return nil, err
	}

	if opts.StreamingFunc != nil {
		return m.stream(ctx, params, opts.StreamingFunc)
	}

	completion, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	choice := completion.Choices[0]
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			Content:    choice.Message.Content,
			StopReason: string(choice.FinishReason),
			GenerationInfo: map[string]any{
				"PromptTokens":     int(completion.Usage.PromptTokens),
				"CompletionTokens": int(completion.Usage.CompletionTokens),
				"TotalTokens":      int(completion.Usage.TotalTokens),
			},
		}},
	}, nil
}

// Call 实现 llms.Model。
func (m *SDKModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// CreateEmbedding 实现 embeddings.EmbedderClient。
func (m *SDKModel) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := m.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: m.embeddingModel,
	})
	if err != nil {
		return nil, err
	}

	out := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		vec := make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

func (m *SDKModel) buildParams(messages []llms.MessageContent, opts llms.CallOptions) (openai.ChatCompletionNewParams, error) {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		text := joinTextParts(msg.Parts)
		switch msg.Role {
		case llms.ChatMessageTypeSystem:
			converted = append(converted, openai.SystemMessage(text))
		case llms.ChatMessageTypeHuman, llms.ChatMessageTypeGeneric:
			converted = append(converted, openai.UserMessage(text))
		case llms.ChatMessageTypeAI:
			converted = append(converted, openai.AssistantMessage(text))
		default:
			return openai.ChatCompletionNewParams{}, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}

	model := m.model
	if opts.Model != "" {
		model = opts.Model
	}
	params := openai.ChatCompletionNewParams{
		Messages: converted,
		Model:    model,
	}

	temperature := m.temperature
	if opts.Temperature != 0 {
		temperature = opts.Temperature
	}
	if temperature != 0 {
		params.Temperature = openai.Float(temperature)
	}

	maxTokens := m.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}

	if len(opts.StopWords) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{
			OfStringArray: opts.StopWords,
		}
	}
	if opts.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	return params, nil
}

// stream 逐块回调 fn，并累积完整回复。
func (m *SDKModel) stream(ctx context.Context, params openai.ChatCompletionNewParams, fn func(ctx context.Context, chunk []byte) error) (*llms.ContentResponse, error) {
	sse := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer sse.Close()

	var full strings.Builder
	stopReason := ""
	for sse.Next() {
		chunk := sse.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			stopReason = string(choice.FinishReason)
		}
		if choice.Delta.Content == "" {
			continue
		}
		if err := fn(ctx, []byte(choice.Delta.Content)); err != nil {
			return nil, err
		}
		full.WriteString(choice.Delta.Content)
	}
	if err := sse.Err(); err != nil {
		return nil, err
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: full.String(), StopReason: stopReason}},
	}, nil
}

func joinTextParts(parts []llms.ContentPart) string {
	var b strings.Builder
	for _, part := range parts {
		if tc, ok := part.(llms.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}
