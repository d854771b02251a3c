// Package retrieval 负责文档切分入库、相似度检索与基于检索的问答。
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/documentloaders"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/tmc/langchaingo/vectorstores"
	"github.com/tmc/langchaingo/vectorstores/chroma"
)

// 默认切分与检索参数。
const (
	DefaultK            = 2
	DefaultChunkSize    = 200
	DefaultChunkOverlap = 0
	DefaultSeparator    = "\n"

	// DefaultRedundancyThreshold 是去重检索判定两段文本重复的相似度阈值。
	DefaultRedundancyThreshold = 0.95
)

// ErrEmptyQuery 表示查询文本为空。
var ErrEmptyQuery = errors.New("query is empty")

// SplitOptions 控制文档切分。
type SplitOptions struct {
	ChunkSize    int
	ChunkOverlap int
	Separator    string
}

func (o SplitOptions) withDefaults() SplitOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkOverlap < 0 {
		o.ChunkOverlap = DefaultChunkOverlap
	}
	if o.Separator == "" {
		o.Separator = DefaultSeparator
	}
	return o
}

// Hit 是一次检索命中的片段。
type Hit struct {
	Content string         `json:"content"`
	Score   float32        `json:"score"`
	Source  string         `json:"source,omitempty"`
	Meta    map[string]any `json:"metadata,omitempty"`
}

// NewEmbedder 基于模型客户端创建 Embedder。
func NewEmbedder(client embeddings.EmbedderClient) (embeddings.Embedder, error) {
	return embeddings.NewEmbedder(client)
}

// NewChroma 连接 Chroma 服务并返回向量库。
func NewChroma(url, namespace string, embedder embeddings.Embedder) (vectorstores.VectorStore, error) {
	store, err := chroma.New(
		chroma.WithChromaURL(url),
		chroma.WithEmbedder(embedder),
		chroma.WithNameSpace(namespace),
	)
	if err != nil {
		return nil, fmt.Errorf("connect chroma: %w", err)
	}
	return &store, nil
}

// Ingest 读取文本，按 opts 切分后写入向量库，返回写入的片段数。
// 每个片段的 metadata 中记录来源 source。
func Ingest(ctx context.Context, store vectorstores.VectorStore, r io.Reader, source string, opts SplitOptions) (int, error) {
	opts = opts.withDefaults()
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithSeparators([]string{opts.Separator, ""}),
		textsplitter.WithChunkSize(opts.ChunkSize),
		textsplitter.WithChunkOverlap(opts.ChunkOverlap),
	)

	docs, err := documentloaders.NewText(r).LoadAndSplit(ctx, splitter)
	if err != nil {
		return 0, fmt.Errorf("load and split: %w", err)
	}

	kept := docs[:0]
	for _, d := range docs {
		if strings.TrimSpace(d.PageContent) == "" {
			continue
		}
		if d.Metadata == nil {
			d.Metadata = map[string]any{}
		}
		if source != "" {
			d.Metadata["source"] = source
		}
		kept = append(kept, d)
	}
	if len(kept) == 0 {
		return 0, nil
	}

	if _, err := store.AddDocuments(ctx, kept); err != nil {
		return 0, fmt.Errorf("add documents: %w", err)
	}
	return len(kept), nil
}

// Index 组合向量库与检索参数。
type Index struct {
	store    vectorstores.VectorStore
	embedder embeddings.Embedder
	k        int
	split    SplitOptions
	logger   *slog.Logger
}

// IndexOption 用于定制 Index。
type IndexOption func(*Index)

// WithK 设置默认返回的片段数。
func WithK(k int) IndexOption {
	return func(ix *Index) {
		if k > 0 {
			ix.k = k
		}
	}
}

// WithSplit 设置 Ingest 的切分参数。
func WithSplit(opts SplitOptions) IndexOption {
	return func(ix *Index) {
		ix.split = opts
	}
}

// WithEmbedder 提供去重检索所需的 Embedder。
func WithEmbedder(e embeddings.Embedder) IndexOption {
	return func(ix *Index) {
		ix.embedder = e
	}
}

// WithLogger 注入日志记录器。
func WithLogger(l *slog.Logger) IndexOption {
	return func(ix *Index) {
		ix.logger = l
	}
}

// NewIndex 创建检索索引。
func NewIndex(store vectorstores.VectorStore, opts ...IndexOption) *Index {
	ix := &Index{store: store, k: DefaultK}
	for _, opt := range opts {
		if opt != nil {
			opt(ix)
		}
	}
	if ix.logger == nil {
		ix.logger = slog.Default()
	}
	ix.logger = ix.logger.With(slog.String("component", "retrieval"))
	return ix
}

// Ingest 以 Index 的切分参数写入文档。
func (ix *Index) Ingest(ctx context.Context, r io.Reader, source string) (int, error) {
	n, err := Ingest(ctx, ix.store, r, source, ix.split)
	if err != nil {
		return 0, err
	}
	ix.logger.InfoContext(ctx, "documents ingested", slog.String("source", source), slog.Int("chunks", n))
	return n, nil
}

// Search 返回与 query 最相似的 k 个片段；k <= 0 时使用默认值。
func (ix *Index) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = ix.k
	}
	docs, err := ix.store.SimilaritySearch(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	return toHits(docs), nil
}

// Retriever 返回 schema.Retriever。dedupe 为 true 时过滤掉内容几乎相同的片段。
func (ix *Index) Retriever(dedupe bool) schema.Retriever {
	base := vectorstores.ToRetriever(ix.store, ix.k)
	if !dedupe || ix.embedder == nil {
		return base
	}
	return &RedundantFilterRetriever{
		Store:     ix.store,
		Embedder:  ix.embedder,
		K:         ix.k,
		Threshold: DefaultRedundancyThreshold,
	}
}

// Ask 用检索到的片段回答问题（stuff documents 方式）。
func (ix *Index) Ask(ctx context.Context, llm llms.Model, question string, dedupe bool) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", ErrEmptyQuery
	}
	qa := chains.NewRetrievalQAFromLLM(llm, ix.Retriever(dedupe))
	answer, err := chains.Run(ctx, qa, question)
	if err != nil {
		return "", fmt.Errorf("retrieval qa: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

func toHits(docs []schema.Document) []Hit {
	hits := make([]Hit, 0, len(docs))
	for _, d := range docs {
		h := Hit{Content: d.PageContent, Score: d.Score, Meta: d.Metadata}
		if src, ok := d.Metadata["source"].(string); ok {
			h.Source = src
		}
		hits = append(hits, h)
	}
	return hits
}
