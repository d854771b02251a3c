package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// State 描述会话所处的阶段。
type State string

const (
	StateEmpty     State = "empty"
	StateNormal    State = "normal"
	StateCompacted State = "compacted"
)

// Conversation 是单个会话的有序消息日志，并附带压缩策略。
// Fields:
//   - sessionID: 会话标识
//   - messages: 按追加顺序排列的消息
//   - policy: 压缩策略，在 Append 中同步调用
//   - records: 可选的持久化存储，写入成功后才修改内存
//   - seq: 内部序号，仅用于排序
//   - mu: 保护 messages/seq，使单次 Append 原子化
//   - turn: 轮次锁，串行化同一会话上的完整轮次
//   - closed: 会话已被 Store.Delete 移除，之后的 Append 不再写入
type Conversation struct {
	sessionID string
	messages  []Message
	policy    Policy
	records   RecordStore
	logger    *slog.Logger
	seq       int64
	closed    bool

	mu   sync.Mutex
	turn sync.Mutex
}

// ConversationOption 用于定制 Conversation。
type ConversationOption func(*Conversation)

// WithRecordStore 为会话绑定持久化存储。
func WithRecordStore(rs RecordStore) ConversationOption {
	return func(c *Conversation) {
		c.records = rs
	}
}

// WithHistory 以已有消息初始化会话（通常来自持久化存储）。
func WithHistory(history []Message) ConversationOption {
	return func(c *Conversation) {
		c.messages = cloneMessages(history)
	}
}

// WithConversationLogger 注入日志记录器。
func WithConversationLogger(l *slog.Logger) ConversationOption {
	return func(c *Conversation) {
		c.logger = l
	}
}

// NewConversation 创建会话。sessionID 不能为空，policy 不能为 nil。
func NewConversation(sessionID string, policy Policy, opts ...ConversationOption) (*Conversation, error) {
	if sessionID == "" {
		return nil, &ConfigurationError{Field: "session_id", Reason: "is required"}
	}
	if policy == nil {
		return nil, &ConfigurationError{Field: "policy", Reason: "is required"}
	}
	if sp, ok := policy.(*SummaryPolicy); ok {
		if err := sp.Validate(); err != nil {
			return nil, err
		}
	}

	c := &Conversation{
		sessionID: sessionID,
		messages:  []Message{},
		policy:    policy,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("session_id", sessionID))

	// 恢复的历史按原顺序重新编号，保证序号单调。
	for i := range c.messages {
		c.seq++
		c.messages[i].Order = c.seq
	}
	return c, nil
}

// SessionID 返回会话标识。
func (c *Conversation) SessionID() string {
	return c.sessionID
}

// Lock 获取轮次锁。一次完整轮次（追加用户消息 -> 生成 -> 追加回复）应在锁内执行。
func (c *Conversation) Lock() {
	c.turn.Lock()
}

// Unlock 释放轮次锁。
func (c *Conversation) Unlock() {
	c.turn.Unlock()
}

// Append 追加一条消息，并在超过阈值时同步压缩。
//
// 返回值语义：
//   - nil: 消息已写入（必要时已完成压缩）
//   - *CompactionError: 消息已写入，但压缩失败，内容为压缩前 + 本条消息
//   - *NotFoundError: 会话已被删除
//   - 其他错误: 消息未写入，会话保持不变
func (c *Conversation) Append(ctx context.Context, msg Message) error {
	if msg.Role == "" {
		return &ConfigurationError{Field: "role", Reason: "is required"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &NotFoundError{SessionID: c.sessionID}
	}

	msg.Order = c.seq + 1
	if c.records != nil {
		if err := c.records.Append(ctx, c.sessionID, msg); err != nil {
			return fmt.Errorf("persist message: %w", err)
		}
	}
	c.seq = msg.Order
	c.messages = append(c.messages, msg)

	if err := c.compactLocked(ctx); err != nil {
		c.logger.WarnContext(ctx, "compaction aborted",
			slog.Int("messages", len(c.messages)),
			slog.String("error", err.Error()),
		)
		return &CompactionError{SessionID: c.sessionID, Err: err}
	}
	return nil
}

// Compact 立即按策略尝试压缩；未超过阈值时为空操作。
func (c *Conversation) Compact(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compactLocked(ctx)
}

// compactLocked 在持有 mu 的情况下执行压缩，要么整体替换，要么保持不变。
func (c *Conversation) compactLocked(ctx context.Context) error {
	before := len(c.messages)
	next, changed, err := c.policy.Compact(ctx, c.messages)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	if c.records != nil {
		if err := c.records.Replace(ctx, c.sessionID, next); err != nil {
			return fmt.Errorf("persist compaction: %w", err)
		}
	}
	c.messages = cloneMessages(next)
	c.logger.DebugContext(ctx, "conversation compacted",
		slog.Int("before", before),
		slog.Int("after", len(c.messages)),
	)
	return nil
}

// Messages 返回消息快照。
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneMessages(c.messages)
}

// Len 返回当前消息条数。
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// Summary 返回头部摘要的正文，不存在时返回空串。
func (c *Conversation) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return ""
	}
	return c.messages[0].SummaryText()
}

// State 返回会话当前状态。
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case len(c.messages) == 0:
		return StateEmpty
	case c.messages[0].IsSummary():
		return StateCompacted
	default:
		return StateNormal
	}
}

// Clear 清空会话（包括持久化记录）。
func (c *Conversation) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.records != nil {
		if err := c.records.Clear(ctx, c.sessionID); err != nil {
			return fmt.Errorf("clear records: %w", err)
		}
	}
	c.messages = []Message{}
	return nil
}

// close 清空会话并标记为已删除。调用方须持有轮次锁，保证进行中的轮次先结束。
func (c *Conversation) close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.records != nil {
		if err := c.records.Clear(ctx, c.sessionID); err != nil {
			return fmt.Errorf("clear records: %w", err)
		}
	}
	c.messages = []Message{}
	c.closed = true
	return nil
}
