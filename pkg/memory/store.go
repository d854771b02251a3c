package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// RecordStore persists the role-tagged message log of each session.
// Implementations must be safe for concurrent use across sessions.
type RecordStore interface {
	// Load returns the persisted messages for a session in append order.
	// A session with no records returns an empty slice and no error.
	Load(ctx context.Context, sessionID string) ([]Message, error)

	// Append persists one message at the end of the session log.
	Append(ctx context.Context, sessionID string, msg Message) error

	// Replace atomically swaps the whole session log (used by compaction).
	Replace(ctx context.Context, sessionID string, msgs []Message) error

	// Clear removes every record of the session.
	Clear(ctx context.Context, sessionID string) error
}

// entry 是会话表中的一项。ready 关闭前 conv/err 尚未就绪。
type entry struct {
	ready chan struct{}
	conv  *Conversation
	err   error
}

// Store 将会话 ID 映射到 Conversation，是跨会话唯一的共享可变结构。
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry

	maxMessages int
	keepRecent  int
	generator   Generator
	policy      func() Policy
	records     RecordStore
	autoCreate  bool
	logger      *slog.Logger
}

// StoreOption 用于定制 Store。
type StoreOption func(*Store)

// WithLimits 设置新建会话的 MaxMessages 与 KeepRecent。
func WithLimits(maxMessages, keepRecent int) StoreOption {
	return func(s *Store) {
		s.maxMessages = maxMessages
		s.keepRecent = keepRecent
	}
}

// WithPolicyFactory 以自定义策略替换默认的 SummaryPolicy。
func WithPolicyFactory(factory func() Policy) StoreOption {
	return func(s *Store) {
		s.policy = factory
	}
}

// WithRecords 绑定持久化存储，首次解析会话时从中恢复历史。
func WithRecords(rs RecordStore) StoreOption {
	return func(s *Store) {
		s.records = rs
	}
}

// WithoutAutoCreate 关闭自动创建；未知会话返回 NotFoundError。
func WithoutAutoCreate() StoreOption {
	return func(s *Store) {
		s.autoCreate = false
	}
}

// WithLogger 注入日志记录器。
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore 创建会话存储。gen 为摘要使用的生成器。
// 配置非法（如 keepRecent > maxMessages）时在构造阶段返回 ConfigurationError。
func NewStore(gen Generator, opts ...StoreOption) (*Store, error) {
	s := &Store{
		entries:     make(map[string]*entry),
		maxMessages: DefaultMaxMessages,
		keepRecent:  DefaultKeepRecent,
		generator:   gen,
		autoCreate:  true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "memory.store"))

	if s.policy == nil {
		probe := &SummaryPolicy{MaxMessages: s.maxMessages, KeepRecent: s.keepRecent, Generator: gen}
		if err := probe.Validate(); err != nil {
			return nil, err
		}
		s.policy = func() Policy {
			return &SummaryPolicy{
				MaxMessages: s.maxMessages,
				KeepRecent:  s.keepRecent,
				Generator:   s.generator,
			}
		}
	}
	return s, nil
}

// Resolve 返回会话对应的 Conversation，不存在时创建（或从持久化存储恢复）。
//
// 流程图：
//
//	[加锁查表]
//	   |
//	命中? --是--> [等待 ready] -> [返回]
//	   |
//	  否
//	   v
//	[插入占位 entry，解锁] -> [加载历史/创建会话] -> [关闭 ready]
//	                                |
//	                             失败? --是--> [移除占位，返回错误]
func (s *Store) Resolve(ctx context.Context, sessionID string) (*Conversation, error) {
	if sessionID == "" {
		return nil, &ConfigurationError{Field: "session_id", Reason: "is required"}
	}

	s.mu.Lock()
	e, ok := s.entries[sessionID]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		s.entries[sessionID] = e
	}
	s.mu.Unlock()

	if ok {
		select {
		case <-e.ready:
			return e.conv, e.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	e.conv, e.err = s.open(ctx, sessionID)
	if e.err != nil {
		s.mu.Lock()
		if s.entries[sessionID] == e {
			delete(s.entries, sessionID)
		}
		s.mu.Unlock()
	}
	close(e.ready)
	return e.conv, e.err
}

// open 创建新的 Conversation；配置了持久化时先加载历史。
func (s *Store) open(ctx context.Context, sessionID string) (*Conversation, error) {
	opts := []ConversationOption{WithConversationLogger(s.logger)}
	if s.records != nil {
		history, err := s.records.Load(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %q: %w", sessionID, err)
		}
		if len(history) == 0 && !s.autoCreate {
			return nil, &NotFoundError{SessionID: sessionID}
		}
		opts = append(opts, WithRecordStore(s.records), WithHistory(history))
	} else if !s.autoCreate {
		return nil, &NotFoundError{SessionID: sessionID}
	}

	conv, err := NewConversation(sessionID, s.policy(), opts...)
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "session created",
		slog.String("session_id", sessionID),
		slog.Int("restored", conv.Len()),
	)
	return conv, nil
}

// Lookup 返回已存在的会话，不会为未知 ID 创建条目。
// 内存中没有但持久化存储中有记录时，按 Resolve 恢复；两处都没有时返回 NotFoundError。
func (s *Store) Lookup(ctx context.Context, sessionID string) (*Conversation, error) {
	if sessionID == "" {
		return nil, &ConfigurationError{Field: "session_id", Reason: "is required"}
	}

	s.mu.Lock()
	e, ok := s.entries[sessionID]
	s.mu.Unlock()
	if ok {
		select {
		case <-e.ready:
			if e.err == nil {
				return e.conv, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.records != nil {
		history, err := s.records.Load(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load session %q: %w", sessionID, err)
		}
		if len(history) > 0 {
			return s.Resolve(ctx, sessionID)
		}
	}
	return nil, &NotFoundError{SessionID: sessionID}
}

// Get 返回已存在的会话，不会创建。
func (s *Store) Get(sessionID string) (*Conversation, error) {
	s.mu.Lock()
	e, ok := s.entries[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, &NotFoundError{SessionID: sessionID}
	}
	<-e.ready
	if e.err != nil {
		return nil, e.err
	}
	return e.conv, nil
}

// Sessions 返回当前已解析的会话 ID（按字典序）。
func (s *Store) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Delete 移除会话并清空其持久化记录。
// 会话上有进行中的轮次时，等待该轮次结束后再清空；持有旧引用的调用方此后 Append 会得到 NotFoundError。
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	e, ok := s.entries[sessionID]
	s.mu.Unlock()

	if ok {
		select {
		case <-e.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if ok && e.conv != nil {
		e.conv.Lock()
		defer e.conv.Unlock()
		// 先清空再移出表，避免并发 Resolve 从尚未清空的记录中恢复。
		if err := e.conv.close(ctx); err != nil {
			return err
		}
		s.mu.Lock()
		if s.entries[sessionID] == e {
			delete(s.entries, sessionID)
		}
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	if ok && s.entries[sessionID] == e {
		delete(s.entries, sessionID)
	}
	s.mu.Unlock()
	if s.records != nil {
		return s.records.Clear(ctx, sessionID)
	}
	return nil
}
