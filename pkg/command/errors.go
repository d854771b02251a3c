package command

import "errors"

// 定义命令解析与分发阶段的通用错误，便于统一处理提示文案。
var (
	// ErrCommandNotFound 表示输入命令在注册表中不存在。
	ErrCommandNotFound = errors.New("command not found")
	// ErrNotCommand 表示输入不是斜杠命令，应按普通对话处理。
	ErrNotCommand = errors.New("not a command")
	// ErrExit 由 /exit 返回，通知 REPL 结束循环。
	ErrExit = errors.New("exit requested")
)
