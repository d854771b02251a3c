package command

import "github.com/spf13/cobra"

// CommandFactory 定义创建 Cobra 命令树的工厂函数类型。
// 每行输入都构建独立的命令对象实例，避免上一次执行残留的 Flag 值。
type CommandFactory func() *cobra.Command
