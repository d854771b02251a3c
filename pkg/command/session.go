package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/IMBotPlatform/ChatMemory/pkg/memory"
	"github.com/spf13/cobra"
)

// ModelKey 是保存会话所选模型的上下文字段名。
const ModelKey = "model"

// SessionService 是会话命令依赖的能力，由 ai.Service 实现。
type SessionService interface {
	History(ctx context.Context, sessionID string) ([]memory.Message, error)
	Summary(ctx context.Context, sessionID string) (string, error)
	Reset(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]string, error)
}

// NewSessionCommands 返回 REPL 斜杠命令的工厂：
// /history, /summary, /clear, /sessions, /model [name], /exit。
func NewSessionCommands(svc SessionService) CommandFactory {
	return func() *cobra.Command {
		root := &cobra.Command{
			Use:           "chatmemory",
			SilenceUsage:  true,
			SilenceErrors: true,
		}

		root.AddCommand(&cobra.Command{
			Use:   "history",
			Short: "显示当前会话的消息",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				execCtx := FromContext(cmd.Context())
				msgs, err := svc.History(cmd.Context(), execCtx.SessionID)
				if err != nil {
					return err
				}
				if len(msgs) == 0 {
					cmd.Println("(empty)")
					return nil
				}
				for i, m := range msgs {
					if m.IsSummary() {
						cmd.Printf("%2d. [summary] %s\n", i+1, m.SummaryText())
						continue
					}
					cmd.Printf("%2d. %s: %s\n", i+1, m.Role, m.Content)
				}
				return nil
			},
		})

		root.AddCommand(&cobra.Command{
			Use:   "summary",
			Short: "显示当前摘要",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				summary, err := svc.Summary(cmd.Context(), FromContext(cmd.Context()).SessionID)
				if err != nil {
					return err
				}
				if summary == "" {
					cmd.Println("(no summary yet)")
					return nil
				}
				cmd.Println(summary)
				return nil
			},
		})

		root.AddCommand(&cobra.Command{
			Use:   "clear",
			Short: "清空当前会话",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				execCtx := FromContext(cmd.Context())
				if err := svc.Reset(cmd.Context(), execCtx.SessionID); err != nil {
					return err
				}
				cmd.Printf("session %s cleared\n", execCtx.SessionID)
				return nil
			},
		})

		root.AddCommand(&cobra.Command{
			Use:   "sessions",
			Short: "列出已知会话",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ids, err := svc.Sessions(cmd.Context())
				if err != nil {
					return err
				}
				current := FromContext(cmd.Context()).SessionID
				for _, id := range ids {
					marker := " "
					if id == current {
						marker = "*"
					}
					cmd.Printf("%s %s\n", marker, id)
				}
				return nil
			},
		})

		root.AddCommand(&cobra.Command{
			Use:   "model [name]",
			Short: "查看或切换当前会话使用的模型",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				execCtx := FromContext(cmd.Context())
				if len(args) == 0 {
					name := execCtx.Get(ModelKey)
					if name == "" {
						name = "(default)"
					}
					cmd.Println(name)
					return nil
				}
				name := strings.TrimSpace(args[0])
				if name == "default" {
					name = ""
				}
				if err := execCtx.Set(ModelKey, name); err != nil {
					return fmt.Errorf("save model: %w", err)
				}
				cmd.Printf("model set to %s\n", args[0])
				return nil
			},
		})

		root.AddCommand(&cobra.Command{
			Use:     "exit",
			Aliases: []string{"quit"},
			Short:   "退出",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return ErrExit
			},
		})

		return root
	}
}
