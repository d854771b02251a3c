package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/IMBotPlatform/ChatMemory/pkg/ai"
	"github.com/IMBotPlatform/ChatMemory/pkg/command"
	"github.com/IMBotPlatform/ChatMemory/pkg/memory"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newChatCmd(opts *globalOptions) *cobra.Command {
	var (
		sessionID string
		newID     bool
		model     string
		noStream  bool
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Interactive chat; with an argument, send one message and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if newID {
				sessionID = uuid.NewString()
			}
			r := &repl{
				svc:     a.svc,
				manager: command.NewManager(command.NewSessionCommands(a.svc), command.NewMemoryStore(), command.WithLogger(a.logger)),
				session: sessionID,
				model:   model,
				stream:  !noStream,
				out:     cmd.OutOrStdout(),
			}

			if len(args) > 0 {
				return r.turn(cmd.Context(), strings.Join(args, " "))
			}
			return r.run(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "default", "session id")
	cmd.Flags().BoolVar(&newID, "new", false, "start a fresh session with a random id")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name from the config (default: default_model)")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "print the reply only when it is complete")
	return cmd
}

// repl 是交互式对话循环。
type repl struct {
	svc     *ai.Service
	manager *command.Manager
	session string
	model   string
	stream  bool
	out     io.Writer
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintf(r.out, "session %s (/help for commands, /exit to quit)\n", r.session)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if r.manager.IsCommand(line) {
			err := r.manager.Execute(ctx, r.session, line, r.out)
			switch {
			case errors.Is(err, command.ErrExit):
				return nil
			case err != nil:
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
			continue
		}

		if err := r.turn(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

// turn 发送一条消息并打印回复。会话内通过 /model 选择的模型优先于 --model。
func (r *repl) turn(ctx context.Context, line string) error {
	model := r.model
	if selected := r.manager.Values(r.session)[command.ModelKey]; selected != "" {
		model = selected
	}

	var opts []ai.ChatOption
	if model != "" {
		opts = append(opts, ai.WithModel(model))
	}
	if r.stream {
		opts = append(opts, ai.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			_, err := r.out.Write(chunk)
			return err
		}))
	}

	reply, err := r.svc.Chat(ctx, r.session, line, opts...)
	if err != nil && !memory.IsCommitted(err) {
		return err
	}
	if r.stream {
		fmt.Fprintln(r.out)
	} else {
		fmt.Fprintln(r.out, reply)
	}
	if err != nil {
		fmt.Fprintf(r.out, "(warning: %v)\n", err)
	}
	return nil
}
