// Command chatmemory is a conversational assistant with bounded, summarizing memory.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/IMBotPlatform/ChatMemory/pkg/ai"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// globalOptions 是所有子命令共享的参数。
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func main() {
	// .env 不存在时忽略。
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd 构建 Cobra 命令树。
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "chatmemory",
		Short:         "Chat with an LLM that keeps a bounded, summarized memory per session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", envOr("CHATMEMORY_CONFIG", "configs/chatmemory.yaml"), "path to the YAML config")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "debug, info, warn or error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", envOr("LOG_FORMAT", "text"), "text or json")

	root.AddCommand(
		newChatCmd(opts),
		newChainCmd(opts),
		newIngestCmd(opts),
		newSearchCmd(opts),
		newAskCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// newLogger 按参数创建 slog 日志记录器，输出到 stderr。
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
}

// loadConfig 读取配置文件；文件不存在时回退到环境变量配置。
func loadConfig(path string, logger *slog.Logger) (*ai.Config, error) {
	cfg, err := ai.LoadConfig(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	logger.Debug("config file not found, using environment", slog.String("path", path))
	return configFromEnv()
}

// configFromEnv 从 OPENAI_* 环境变量构建单模型配置。
func configFromEnv() (*ai.Config, error) {
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("no config file and OPENAI_API_KEY is not set")
	}
	cfg := &ai.Config{
		DefaultModel: "default",
		Models: []ai.ModelConfig{{
			Name:      "default",
			Provider:  ai.ProviderOpenAI,
			APIKey:    "env:OPENAI_API_KEY",
			ModelName: envOr("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL:   strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		}},
		Persistence: ai.PersistenceConfig{
			Backend:   envOr("CHATMEMORY_BACKEND", ai.DefaultBackend),
			RedisAddr: os.Getenv("REDIS_ADDR"),
		},
		Retrieval: ai.RetrievalConfig{
			ChromaURL: os.Getenv("CHROMA_URL"),
		},
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
