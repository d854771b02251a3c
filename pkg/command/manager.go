package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

const commandLogSnippet = 256

// Manager 串联解析、构建 Cobra 命令树并执行。
type Manager struct {
	factory CommandFactory
	parser  Parser
	store   ConversationStore
	logger  *slog.Logger
}

// ManagerOption 自定义 Manager 行为。
type ManagerOption func(*Manager)

// WithLogger 注入自定义日志记录器。
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithParser 替换默认解析器（例如使用其他前缀）。
func WithParser(p Parser) ManagerOption {
	return func(m *Manager) {
		m.parser = p
	}
}

// NewManager 绑定命令工厂与上下文存储。
func NewManager(factory CommandFactory, store ConversationStore, opts ...ManagerOption) *Manager {
	mgr := &Manager{
		factory: factory,
		parser:  NewParser(),
		store:   store,
	}
	for _, opt := range opts {
		opt(mgr)
	}
	if mgr.logger == nil {
		mgr.logger = slog.Default()
	}
	return mgr
}

// IsCommand 判断一行输入是否应交给 Execute。
func (m *Manager) IsCommand(line string) bool {
	return m.parser.Parse(line).IsCommand
}

// Values 返回会话当前的上下文字段。
func (m *Manager) Values(sessionID string) ContextValues {
	if m.store == nil {
		return nil
	}
	values, err := m.store.Load(sessionID)
	if err != nil {
		m.logger.Warn("context load failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return nil
	}
	return values
}

// Execute 为一行输入构建独立的命令树并执行，输出写入 out。
//
// 返回值：
//   - ErrNotCommand: 输入不是斜杠命令，调用方应按对话处理
//   - ErrCommandNotFound: 命令未注册
//   - ErrExit: 命令请求结束 REPL
func (m *Manager) Execute(ctx context.Context, sessionID, line string, out io.Writer) error {
	if m == nil || m.factory == nil {
		return errors.New("command manager not initialized")
	}

	// 1. 初步解析
	parsed := m.parser.Parse(line)
	if !parsed.IsCommand {
		return ErrNotCommand
	}

	// 2. 创建 Cobra 命令树并重定向输出
	rootCmd := m.factory()
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// 3. 准备上下文
	execCtx := &ExecutionContext{
		SessionID: sessionID,
		Values:    m.Values(sessionID),
		Store:     m.store,
	}
	ctx = WithExecutionContext(ctx, execCtx)

	// 4. 设置参数并执行
	args := parsed.Tokens
	// 如果第一个 token 匹配 root command 的 name，移除它以避免 "unknown command X for X" 错误
	if len(args) > 0 && strings.EqualFold(args[0], rootCmd.Name()) {
		args = args[1:]
	}
	rootCmd.SetArgs(args)
	m.logger.DebugContext(ctx, "executing command",
		slog.String("session_id", sessionID),
		slog.String("input", truncateForLog(parsed.Raw, commandLogSnippet)),
	)

	err := rootCmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrExit):
		return ErrExit
	case strings.HasPrefix(err.Error(), "unknown command") && !hasSubcommand(rootCmd, parsed.Tokens[0]):
		return fmt.Errorf("%w: %s", ErrCommandNotFound, parsed.Tokens[0])
	default:
		m.logger.WarnContext(ctx, "command execution error", slog.String("error", err.Error()))
		return err
	}
}

// hasSubcommand 判断 name 是否为已注册的子命令或别名。
func hasSubcommand(root *cobra.Command, name string) bool {
	for _, c := range root.Commands() {
		if c.Name() == name || c.HasAlias(name) {
			return true
		}
	}
	return false
}

// truncateForLog 限制日志中输出的文本长度。
func truncateForLog(src string, limit int) string {
	if limit <= 0 || len(src) <= limit {
		return src
	}
	return fmt.Sprintf("%s...(truncated)", src[:limit])
}
