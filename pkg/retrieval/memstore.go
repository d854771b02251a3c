package retrieval

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/vectorstores"
)

var (
	// ErrDimensionMismatch 表示向量维度与已存储的文档不一致。
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrVectorCount 表示 Embedder 返回的向量数与文本数不一致。
	ErrVectorCount = errors.New("number of vectors does not match number of documents")
)

type storedDoc struct {
	id     string
	doc    schema.Document
	vector []float32
}

// MemoryStore 是进程内的 vectorstores.VectorStore 实现，未配置 Chroma 时使用。
// 相似度为余弦相似度，进程退出即丢失。
type MemoryStore struct {
	embedder embeddings.Embedder

	mu   sync.RWMutex
	docs []storedDoc
}

var _ vectorstores.VectorStore = (*MemoryStore)(nil)

// NewMemoryStore 创建内存向量库。
func NewMemoryStore(embedder embeddings.Embedder) *MemoryStore {
	return &MemoryStore{embedder: embedder}
}

// AddDocuments 向量化并保存文档，返回生成的 ID。
func (s *MemoryStore) AddDocuments(ctx context.Context, docs []schema.Document, options ...vectorstores.Option) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.PageContent
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(docs) {
		return nil, ErrVectorCount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 整批校验通过后才写入，避免部分入库。
	dim := len(vectors[0])
	if len(s.docs) > 0 {
		dim = len(s.docs[0].vector)
	}
	for _, v := range vectors {
		if len(v) != dim {
			return nil, ErrDimensionMismatch
		}
	}

	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = uuid.NewString()
		s.docs = append(s.docs, storedDoc{id: ids[i], doc: d, vector: vectors[i]})
	}
	return ids, nil
}

// SimilaritySearch 返回与 query 最相似的 numDocuments 个文档，Score 为余弦相似度。
func (s *MemoryStore) SimilaritySearch(ctx context.Context, query string, numDocuments int, options ...vectorstores.Option) ([]schema.Document, error) {
	opts := vectorstores.Options{}
	for _, opt := range options {
		opt(&opts)
	}

	qv, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	scored := make([]schema.Document, 0, len(s.docs))
	for _, sd := range s.docs {
		score := cosine(qv, sd.vector)
		if opts.ScoreThreshold > 0 && score < opts.ScoreThreshold {
			continue
		}
		d := sd.doc
		d.Score = score
		scored = append(scored, d)
	}
	s.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if numDocuments > 0 && len(scored) > numDocuments {
		scored = scored[:numDocuments]
	}
	return scored, nil
}

// Len 返回已保存的文档数。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
