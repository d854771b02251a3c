package memory

import (
	"errors"
	"fmt"
)

// 定义会话记忆层的错误分类，调用方可通过 errors.Is 判断类别。
var (
	// ErrService 表示文本生成（或摘要）协作方调用失败。
	ErrService = errors.New("generation service failed")
	// ErrConfiguration 表示会话或策略配置非法。
	ErrConfiguration = errors.New("invalid configuration")
	// ErrNotFound 表示在未开启自动创建时找不到会话。
	ErrNotFound = errors.New("session not found")
)

// ServiceError 包装生成服务返回的错误。
type ServiceError struct {
	Op  string // 触发调用的操作，例如 "summarize"、"generate"
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrService, e.Err)
}

func (e *ServiceError) Unwrap() []error {
	return []error{ErrService, e.Err}
}

// ConfigurationError 描述非法配置项。
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%v: %s %s", ErrConfiguration, e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// NotFoundError 表示指定会话不存在。
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%v: %q", ErrNotFound, e.SessionID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// CompactionError 表示消息已成功追加，但随后的压缩被中止。
// 此时会话内容等于压缩前的内容加上本次追加的消息。
type CompactionError struct {
	SessionID string
	Err       error
}

func (e *CompactionError) Error() string {
	return fmt.Sprintf("session %q: compaction aborted, message kept: %v", e.SessionID, e.Err)
}

func (e *CompactionError) Unwrap() error {
	return e.Err
}

// Committed 始终返回 true：触发压缩的消息已经写入。
func (e *CompactionError) Committed() bool {
	return true
}

// IsCommitted 判断 Append 返回的错误是否仍意味着消息已写入。
// nil 与 CompactionError 均视为已写入，其余错误表示未写入。
func IsCommitted(err error) bool {
	if err == nil {
		return true
	}
	var ce *CompactionError
	return errors.As(err, &ce)
}

// wrapService 将非 ServiceError 的错误包装为 ServiceError。
func wrapService(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return err
	}
	return &ServiceError{Op: op, Err: err}
}
