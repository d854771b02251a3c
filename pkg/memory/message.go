package memory

import (
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// Role 标识消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// SummaryPrefix 是摘要消息的保留前缀，用于区分压缩生成的摘要与普通回复。
const SummaryPrefix = "[SUMMARY] "

// Message 是会话中的一条消息，创建后不可修改。
// Order 由 Conversation 在追加时分配，调用方传入的值会被覆盖。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Order   int64  `json:"order"`
}

// NewUserMessage 创建用户消息。
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage 创建助手消息。
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewSystemMessage 创建系统消息。
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewSummaryMessage 创建带哨兵前缀的摘要消息。
func NewSummaryMessage(summary string) Message {
	return Message{Role: RoleAssistant, Content: SummaryPrefix + strings.TrimSpace(summary)}
}

// IsSummary 判断消息是否为压缩生成的摘要。
func (m Message) IsSummary() bool {
	return m.Role == RoleAssistant && strings.HasPrefix(m.Content, SummaryPrefix)
}

// SummaryText 返回去掉哨兵前缀后的摘要正文；非摘要消息返回空串。
func (m Message) SummaryText() string {
	if !m.IsSummary() {
		return ""
	}
	return strings.TrimPrefix(m.Content, SummaryPrefix)
}

// GetType 实现 llms.ChatMessage。
func (m Message) GetType() llms.ChatMessageType {
	switch m.Role {
	case RoleUser:
		return llms.ChatMessageTypeHuman
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeSystem
	}
}

// GetContent 实现 llms.ChatMessage。
func (m Message) GetContent() string {
	return m.Content
}

// ParseRole 将持久化或外部输入的角色字符串映射为 Role。
// 兼容 langchaingo 的 "human"/"ai" 以及旧版 JSONL 记录中的 "ai"。
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "human":
		return RoleUser, true
	case "assistant", "ai":
		return RoleAssistant, true
	case "system":
		return RoleSystem, true
	default:
		return "", false
	}
}

// cloneMessages 复制消息切片，避免调用方持有内部引用。
func cloneMessages(src []Message) []Message {
	if len(src) == 0 {
		return []Message{}
	}
	dst := make([]Message, len(src))
	copy(dst, src)
	return dst
}
