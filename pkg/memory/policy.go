package memory

import (
	"context"
	"strings"
)

const (
	// DefaultMaxMessages 触发压缩的消息条数上限（严格大于时触发）。
	DefaultMaxMessages = 10
	// DefaultKeepRecent 压缩时原样保留的最近消息条数。
	DefaultKeepRecent = 4

	// DefaultSummaryInstruction 是摘要调用使用的固定系统指令。
	DefaultSummaryInstruction = "Summarize the following conversation concisely in 2-3 sentences, " +
		"focusing on key information about the person and the topics discussed. " +
		"If a previous summary is given, merge it with the new messages."
)

// Generator 是文本生成协作方的抽象。
// 普通回复与摘要都通过它完成，区别只在于传入的系统消息。
type Generator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// GeneratorFunc 允许直接以函数实现 Generator。
type GeneratorFunc func(ctx context.Context, messages []Message) (string, error)

// Generate 实现 Generator 接口。
func (f GeneratorFunc) Generate(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

// Policy 决定何时以及如何压缩会话。
// Compact 返回新的消息列表与是否发生了压缩；出错时调用方必须保持原消息不变。
type Policy interface {
	Compact(ctx context.Context, messages []Message) ([]Message, bool, error)
}

// SummaryPolicy 在消息数超过 MaxMessages 时，将较早的消息压缩为一条摘要，
// 并原样保留最近 KeepRecent 条消息。
type SummaryPolicy struct {
	MaxMessages int
	KeepRecent  int
	Generator   Generator
	Instruction string // 为空时使用 DefaultSummaryInstruction
}

// NewSummaryPolicy 创建并校验摘要策略。
func NewSummaryPolicy(maxMessages, keepRecent int, gen Generator) (*SummaryPolicy, error) {
	p := &SummaryPolicy{
		MaxMessages: maxMessages,
		KeepRecent:  keepRecent,
		Generator:   gen,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate 校验 0 <= KeepRecent <= MaxMessages 且 MaxMessages >= 1。
func (p *SummaryPolicy) Validate() error {
	if p == nil {
		return &ConfigurationError{Field: "policy", Reason: "is nil"}
	}
	if p.MaxMessages < 1 {
		return &ConfigurationError{Field: "max_messages", Reason: "must be >= 1"}
	}
	if p.KeepRecent < 0 {
		return &ConfigurationError{Field: "keep_recent", Reason: "must be >= 0"}
	}
	if p.KeepRecent > p.MaxMessages {
		return &ConfigurationError{Field: "keep_recent", Reason: "must not exceed max_messages"}
	}
	if p.Generator == nil {
		return &ConfigurationError{Field: "generator", Reason: "is required"}
	}
	return nil
}

// Compact 按摘要策略压缩消息列表。
//
// 流程图：
//
//	[len <= MaxMessages?] --是--> [原样返回]
//	        |
//	       否
//	        v
//	[定位头部摘要] -> [拆分 toSummarize / recent]
//	        |
//	[toSummarize 为空?] --是--> [原样返回]
//	        |
//	       否
//	        v
//	[渲染文本 -> Generator] --失败--> [返回错误，原列表不变]
//	        |
//	[摘要消息 + recent]
func (p *SummaryPolicy) Compact(ctx context.Context, messages []Message) ([]Message, bool, error) {
	if len(messages) <= p.MaxMessages {
		return messages, false, nil
	}

	// 由构造保证摘要最多一条且位于头部。
	start := 0
	prior := ""
	if messages[0].IsSummary() {
		prior = messages[0].SummaryText()
		start = 1
	}

	cut := len(messages) - p.KeepRecent
	if cut < start {
		cut = start
	}
	toSummarize := messages[start:cut]
	recent := messages[cut:]
	if len(toSummarize) == 0 {
		return messages, false, nil
	}

	instruction := p.Instruction
	if instruction == "" {
		instruction = DefaultSummaryInstruction
	}
	request := []Message{
		NewSystemMessage(instruction),
		NewUserMessage(RenderTranscript(prior, toSummarize)),
	}

	summary, err := p.Generator.Generate(ctx, request)
	if err != nil {
		return messages, false, wrapService("summarize", err)
	}

	marker := NewSummaryMessage(summary)
	marker.Order = toSummarize[len(toSummarize)-1].Order

	out := make([]Message, 0, len(recent)+1)
	out = append(out, marker)
	out = append(out, recent...)
	return out, true, nil
}

// RenderTranscript 将消息渲染为逐行带角色前缀的文本，已有摘要作为上下文置于开头。
func RenderTranscript(prior string, messages []Message) string {
	var b strings.Builder
	if prior != "" {
		b.WriteString("Previous summary: ")
		b.WriteString(prior)
		b.WriteString("\n\nConversation to summarize:\n")
	}
	for i, msg := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
	}
	return b.String()
}
