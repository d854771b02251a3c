package retrieval

import (
	"context"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/vectorstores"
)

// fetchMultiplier 控制去重前多取的候选数量。
const fetchMultiplier = 3

// RedundantFilterRetriever 先取较多候选，再丢弃与已保留片段过于相似的结果。
// 同一文档被重复入库时，问答上下文不会被相同内容占满。
type RedundantFilterRetriever struct {
	Store     vectorstores.VectorStore
	Embedder  embeddings.Embedder
	K         int
	Threshold float32
}

var _ schema.Retriever = (*RedundantFilterRetriever)(nil)

// GetRelevantDocuments 实现 schema.Retriever。
func (r *RedundantFilterRetriever) GetRelevantDocuments(ctx context.Context, query string) ([]schema.Document, error) {
	k := r.K
	if k <= 0 {
		k = DefaultK
	}
	candidates, err := r.Store.SimilaritySearch(ctx, query, k*fetchMultiplier)
	if err != nil {
		return nil, err
	}
	if len(candidates) <= 1 {
		return candidates, nil
	}

	texts := make([]string, len(candidates))
	for i, d := range candidates {
		texts[i] = d.PageContent
	}
	vectors, err := r.Embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(candidates) {
		return nil, ErrVectorCount
	}
	return filterRedundant(candidates, vectors, r.Threshold, k), nil
}

// filterRedundant 按原顺序贪心保留，与任一已保留向量相似度 >= threshold 的文档被丢弃。
func filterRedundant(docs []schema.Document, vectors [][]float32, threshold float32, k int) []schema.Document {
	if threshold <= 0 {
		threshold = DefaultRedundancyThreshold
	}
	kept := make([]schema.Document, 0, k)
	keptVecs := make([][]float32, 0, k)
	for i, d := range docs {
		duplicate := false
		for _, v := range keptVecs {
			if cosine(vectors[i], v) >= threshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		kept = append(kept, d)
		keptVecs = append(keptVecs, vectors[i])
		if len(kept) == k {
			break
		}
	}
	return kept
}
