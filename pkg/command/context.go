package command

import (
	"context"
)

// keyExecutionContext 是 context.Context 中存储 ExecutionContext 的键。
type keyExecutionContext struct{}

// ContextValues 存储命令执行过程中的上下文扩展字段（如当前选用的模型）。
type ContextValues map[string]string

// ConversationStore 定义上下文存取接口，便于替换实现。
type ConversationStore interface {
	Load(key string) (ContextValues, error)
	Save(key string, values ContextValues) error
}

// ExecutionContext 为命令 handler 提供必要的环境信息。
type ExecutionContext struct {
	SessionID string
	Values    ContextValues
	Store     ConversationStore
}

// Get 读取上下文字段。
func (ctx *ExecutionContext) Get(key string) string {
	if ctx == nil || ctx.Values == nil {
		return ""
	}
	return ctx.Values[key]
}

// Set 写入上下文字段并立即持久化到 Store。
func (ctx *ExecutionContext) Set(key, value string) error {
	if ctx.Values == nil {
		ctx.Values = ContextValues{}
	}
	ctx.Values[key] = value
	if ctx.Store == nil {
		return nil
	}
	return ctx.Store.Save(ctx.SessionID, ContextValues{key: value})
}

// WithExecutionContext 将 ExecutionContext 注入到标准 context.Context 中。
func WithExecutionContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	return context.WithValue(ctx, keyExecutionContext{}, execCtx)
}

// FromContext 从标准 context.Context 中提取 ExecutionContext。
func FromContext(ctx context.Context) *ExecutionContext {
	val, _ := ctx.Value(keyExecutionContext{}).(*ExecutionContext)
	return val
}
