package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/IMBotPlatform/ChatMemory/pkg/ai"
	"github.com/IMBotPlatform/ChatMemory/pkg/history"
	"github.com/IMBotPlatform/ChatMemory/pkg/memory"
	"github.com/IMBotPlatform/ChatMemory/pkg/retrieval"
	"github.com/redis/go-redis/v9"
	"github.com/tmc/langchaingo/vectorstores"
)

// app 持有一次命令执行所需的依赖。
type app struct {
	cfg     *ai.Config
	logger  *slog.Logger
	svc     *ai.Service
	closers []io.Closer
}

// newApp 加载配置并构建服务。
func newApp(opts *globalOptions) (*app, error) {
	logger := newLogger(opts.logLevel, opts.logFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(opts.configPath, logger)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	records, err := a.openRecords()
	if err != nil {
		return nil, err
	}

	svcOpts := []ai.ServiceOption{ai.WithLogger(logger)}
	if records != nil {
		svcOpts = append(svcOpts, ai.WithRecords(records))
	}
	svc, err := ai.NewService(cfg, svcOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.svc = svc
	return a, nil
}

// openRecords 按 persistence.backend 选择会话持久化实现；memory 返回 nil。
func (a *app) openRecords() (memory.RecordStore, error) {
	p := a.cfg.Persistence
	switch p.Backend {
	case "file":
		return history.NewFileStore(p.Dir, a.logger)
	case "sqlite":
		store, err := history.NewSQLite(p.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: p.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connect redis %s: %w", p.RedisAddr, err)
		}
		a.closers = append(a.closers, client)
		return history.NewRedisStore(client, p.RedisPrefix), nil
	default:
		return nil, nil
	}
}

// newIndex 构建检索索引：配置了 chroma_url 时使用 Chroma，否则使用进程内向量库。
func (a *app) newIndex(ctx context.Context) (*retrieval.Index, error) {
	rc := a.cfg.Retrieval
	client, err := a.svc.EmbeddingClient(ctx, rc.EmbeddingModel)
	if err != nil {
		return nil, err
	}
	embedder, err := retrieval.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	var store vectorstores.VectorStore
	if rc.ChromaURL != "" {
		store, err = retrieval.NewChroma(rc.ChromaURL, rc.Namespace, embedder)
		if err != nil {
			return nil, err
		}
	} else {
		a.logger.Warn("chroma_url not set, documents are kept in memory for this process only")
		store = retrieval.NewMemoryStore(embedder)
	}

	return retrieval.NewIndex(store,
		retrieval.WithK(rc.K),
		retrieval.WithEmbedder(embedder),
		retrieval.WithSplit(retrieval.SplitOptions{
			ChunkSize:    rc.ChunkSize,
			ChunkOverlap: rc.ChunkOverlap,
			Separator:    rc.Separator,
		}),
		retrieval.WithLogger(a.logger),
	), nil
}

// Close 释放持久化连接。
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}
}
