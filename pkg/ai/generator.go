package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IMBotPlatform/ChatMemory/pkg/memory"
	"github.com/tmc/langchaingo/llms"
)

// ErrEmptyResponse 表示模型没有返回任何候选结果。
var ErrEmptyResponse = errors.New("empty response from llm")

// ModelGenerator 将 llms.Model 适配为 memory.Generator。
type ModelGenerator struct {
	Model   llms.Model
	Options []llms.CallOption
}

// NewModelGenerator 创建模型生成器。
func NewModelGenerator(model llms.Model, opts ...llms.CallOption) *ModelGenerator {
	return &ModelGenerator{Model: model, Options: opts}
}

// Generate 实现 memory.Generator。
func (g *ModelGenerator) Generate(ctx context.Context, messages []memory.Message) (string, error) {
	if g == nil || g.Model == nil {
		return "", fmt.Errorf("llm not initialized")
	}
	resp, err := g.Model.GenerateContent(ctx, toMessageContent(messages), g.Options...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

// toMessageContent 转为 GenerateContent 所需的消息片段。
// 摘要消息以系统消息的形式交给模型。
func toMessageContent(messages []memory.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		if msg.IsSummary() {
			out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, "Previous conversation summary: "+msg.SummaryText()))
			continue
		}
		out = append(out, llms.TextParts(msg.GetType(), msg.GetContent()))
	}
	return out
}

// Retry constants.
const (
	// jitterDivisor is used to calculate jitter (10% jitter).
	jitterDivisor = 10
	// halfDivisor is used to divide values by 2.
	halfDivisor = 2
)

// RetryGenerator 在生成失败时按指数退避重试。
// 它位于记忆核心之外；core 自身从不重试。
type RetryGenerator struct {
	Next      memory.Generator
	Attempts  int           // 总尝试次数，<=1 时不重试
	BaseDelay time.Duration // 首次重试前的等待
	MaxDelay  time.Duration
	Logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryGenerator 包装 next，retries 为额外重试次数。
func NewRetryGenerator(next memory.Generator, retries int, logger *slog.Logger) *RetryGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryGenerator{
		Next:      next,
		Attempts:  retries + 1,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  10 * time.Second,
		Logger:    logger,
	}
}

// Generate 实现 memory.Generator。上下文取消或超时不会被重试。
func (g *RetryGenerator) Generate(ctx context.Context, messages []memory.Message) (string, error) {
	attempts := g.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := g.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := g.delay(attempt - 1)
			if g.Logger != nil {
				g.Logger.WarnContext(ctx, "retrying generation",
					slog.Int("attempt", attempt+1),
					slog.Duration("delay", delay),
					slog.String("error", lastErr.Error()),
				)
			}
			if err := sleep(ctx, delay); err != nil {
				return "", err
			}
		}

		out, err := g.Next.Generate(ctx, messages)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("generation failed after %d attempts: %w", attempts, lastErr)
}

// delay calculates exponential backoff with 10% jitter.
func (g *RetryGenerator) delay(retry int) time.Duration {
	const maxShift = 30 // Prevent overflow

	d := g.BaseDelay
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	maxDelay := g.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 10 * time.Second
	}
	for i := 0; i < retry && i < maxShift; i++ {
		d *= 2
		if d > maxDelay {
			return maxDelay
		}
	}

	jitterRange := d / jitterDivisor
	if jitterRange > 0 {
		jitter := time.Duration(time.Now().UnixNano() % int64(jitterRange))
		d += jitter - jitterRange/halfDivisor
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
