// Package history 提供 memory.RecordStore 的持久化实现：JSONL 文件、SQLite 与 Redis。
package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/IMBotPlatform/ChatMemory/pkg/memory"
)

// maxLineSize 是单条 JSONL 记录的最大长度。
const maxLineSize = 5 * 1024 * 1024

const (
	filePrefix = "conversation_"
	fileSuffix = ".jsonl"
)

// storedMessage 是用于 JSON 序列化的中间结构
type storedMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Order   int64  `json:"order,omitempty"`
}

func toStored(msg memory.Message) storedMessage {
	return storedMessage{Role: string(msg.Role), Content: msg.Content, Order: msg.Order}
}

// fromStored 将记录还原为消息；未知角色降级为系统消息并保留原角色文本。
func fromStored(sm storedMessage) memory.Message {
	role, ok := memory.ParseRole(sm.Role)
	if !ok {
		return memory.Message{
			Role:    memory.RoleSystem,
			Content: fmt.Sprintf("[%s]: %s", sm.Role, sm.Content),
			Order:   sm.Order,
		}
	}
	return memory.Message{Role: role, Content: sm.Content, Order: sm.Order}
}

// FileStore 实现了基于文件系统的 RecordStore (JSONL 格式)。
// 每个 Session 的历史记录存储在单独的文件中，每行一个 JSON 对象。
type FileStore struct {
	baseDir string
	logger  *slog.Logger
	mu      sync.RWMutex // 全局锁，保护文件系统操作并发安全
}

// NewFileStore 创建一个新的 FileStore。
// baseDir: 存储历史记录的目录路径。
func NewFileStore(baseDir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		baseDir: baseDir,
		logger:  logger.With(slog.String("component", "history.file")),
	}, nil
}

// getFilePath 返回指定 SessionID 的文件路径。
// SessionID 经 url.PathEscape 编码，分隔符被转义，不同 ID 不会映射到同一文件，也无法跳出 baseDir。
func (s *FileStore) getFilePath(sessionID string) string {
	return filepath.Join(s.baseDir, filePrefix+url.PathEscape(sessionID)+fileSuffix)
}

// Load 逐行读取文件获取历史记录
func (s *FileStore) Load(ctx context.Context, sessionID string) ([]memory.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := s.getFilePath(sessionID)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return []memory.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	messages := []memory.Message{}
	scanner := bufio.NewScanner(f)

	// 增加 Buffer 大小以支持超长单行（默认 64KB 可能不够）
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineSize)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var sm storedMessage
		if err := json.Unmarshal(line, &sm); err != nil {
			// 遇到坏行，记录警告并跳过，保证最大容错性
			s.logger.WarnContext(ctx, "skipping malformed line",
				slog.String("path", path),
				slog.Int("line", lineNum),
				slog.String("error", err.Error()),
			)
			continue
		}
		messages = append(messages, fromStored(sm))
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning history file: %w", err)
	}

	return messages, nil
}

// Append 追加一行 JSON 记录到文件，返回前完成 fsync。
func (s *FileStore) Append(ctx context.Context, sessionID string, msg memory.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 以追加模式打开文件，如果不存在则创建
	f, err := os.OpenFile(s.getFilePath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := writeLines(f, []memory.Message{msg}); err != nil {
		return err
	}
	return f.Sync()
}

// Replace 将整个会话写入临时文件后原子重命名，避免压缩过程中留下半写文件。
func (s *FileStore) Replace(ctx context.Context, sessionID string, msgs []memory.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.getFilePath(sessionID)
	tmp, err := os.CreateTemp(s.baseDir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp history file: %w", err)
	}
	tmpName := tmp.Name()

	if err := writeLines(tmp, msgs); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Clear 清空会话历史（删除文件）
func (s *FileStore) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.getFilePath(sessionID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// writeLines 以 JSONL 写入消息。
// json.Encoder 默认会在末尾加 \n，符合 JSONL 规范
func writeLines(f *os.File, msgs []memory.Message) error {
	encoder := json.NewEncoder(f)
	encoder.SetEscapeHTML(false) // 保持原始字符，不转义 <, >, &
	for _, msg := range msgs {
		if err := encoder.Encode(toStored(msg)); err != nil {
			return err
		}
	}
	return nil
}

// Sessions 列出目录中已有历史文件对应的会话 ID。
func (s *FileStore) Sessions(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.baseDir, filePrefix+"*"+fileSuffix))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), filePrefix), fileSuffix)
		id, err := url.PathUnescape(name)
		if err != nil {
			s.logger.WarnContext(ctx, "skipping history file with undecodable name", slog.String("path", m))
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
