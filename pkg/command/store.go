package command

import "sync"

// MemoryStore 提供基于内存的上下文存储实现。
// 只保存命令设置的会话级键值（非聊天历史）；进程重启即丢失。
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]ContextValues
}

// NewMemoryStore 创建内存存储实例。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]ContextValues)}
}

// Load 返回指定会话的上下文副本。
func (s *MemoryStore) Load(sessionID string) (ContextValues, error) {
	if s == nil || sessionID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneValues(s.data[sessionID]), nil
}

// Save 合并并存储上下文增量，同名键按最新值覆盖；空值表示删除该键。
func (s *MemoryStore) Save(sessionID string, values ContextValues) error {
	if s == nil || sessionID == "" || len(values) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := cloneValues(s.data[sessionID])
	if merged == nil {
		merged = ContextValues{}
	}
	for k, v := range values {
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	s.data[sessionID] = merged
	return nil
}

// cloneValues 复制上下文字典，避免共享引用。
func cloneValues(src ContextValues) ContextValues {
	if len(src) == 0 {
		return nil
	}
	dst := make(ContextValues, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
