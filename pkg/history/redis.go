package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/IMBotPlatform/ChatMemory/pkg/memory"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix 是会话列表 key 的默认前缀。
const DefaultRedisPrefix = "chatmemory:session:"

// Lister 由能够枚举已持久化会话的存储实现。
type Lister interface {
	Sessions(ctx context.Context) ([]string, error)
}

// RedisStore 将每个会话保存为一个 Redis list，元素为 JSON 编码的消息。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 基于已有客户端创建 RedisStore。prefix 为空时使用 DefaultRedisPrefix。
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Load 读取整个 list。
func (s *RedisStore) Load(ctx context.Context, sessionID string) ([]memory.Message, error) {
	items, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return []memory.Message{}, nil
		}
		return nil, fmt.Errorf("failed to load history from Redis: %w", err)
	}

	messages := make([]memory.Message, 0, len(items))
	for i, item := range items {
		var sm storedMessage
		if err := json.Unmarshal([]byte(item), &sm); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message %d: %w", i, err)
		}
		messages = append(messages, fromStored(sm))
	}
	return messages, nil
}

// Append 以 RPUSH 追加一条消息。
func (s *RedisStore) Append(ctx context.Context, sessionID string, msg memory.Message) error {
	data, err := json.Marshal(toStored(msg))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := s.client.RPush(ctx, s.key(sessionID), data).Err(); err != nil {
		return fmt.Errorf("failed to append message in Redis: %w", err)
	}
	return nil
}

// Replace 在 MULTI/EXEC 事务中删除并重建 list。
func (s *RedisStore) Replace(ctx context.Context, sessionID string, msgs []memory.Message) error {
	values := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(toStored(msg))
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		values = append(values, data)
	}

	key := s.key(sessionID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.RPush(ctx, key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to replace history in Redis: %w", err)
	}
	return nil
}

// Clear 删除会话 list。
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear history in Redis: %w", err)
	}
	return nil
}

// Sessions 通过 SCAN 枚举带前缀的 key。
func (s *RedisStore) Sessions(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions in Redis: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}
