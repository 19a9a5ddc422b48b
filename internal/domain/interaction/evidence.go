package interaction

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Embedder turns free text into a dense vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EvidenceIndex retrieves supporting passages by semantic similarity.
// Results are ordered by descending similarity; fewer than topK results (or
// none at all) is a normal outcome, not an error.
type EvidenceIndex interface {
	Retrieve(ctx context.Context, query string, topK int) ([]EvidenceSnippet, error)
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector is zero-length or zero-magnitude.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rankSnippets scores every candidate against the query vector and returns
// the topK best, descending. Ties break on text to keep ordering stable.
func rankSnippets(queryVec []float32, texts []string, vectors [][]float32, topK int) []EvidenceSnippet {
	scored := make([]EvidenceSnippet, 0, len(texts))
	for i, text := range texts {
		scored = append(scored, EvidenceSnippet{Text: text, Score: cosineSimilarity(queryVec, vectors[i])})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Text < scored[j].Text
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// MemoryEvidenceIndex is an in-memory EvidenceIndex for tests and the one-off
// CLI check. Snippets are embedded on insert with the same Embedder used for
// queries.
type MemoryEvidenceIndex struct {
	embedder Embedder

	mu      sync.RWMutex
	texts   []string
	vectors [][]float32
}

// NewMemoryEvidenceIndex creates an empty index over the given embedder.
func NewMemoryEvidenceIndex(embedder Embedder) *MemoryEvidenceIndex {
	return &MemoryEvidenceIndex{embedder: embedder}
}

// Add embeds and stores one snippet.
func (idx *MemoryEvidenceIndex) Add(ctx context.Context, text string) error {
	vec, err := idx.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed snippet: %w", err)
	}
	idx.mu.Lock()
	idx.texts = append(idx.texts, text)
	idx.vectors = append(idx.vectors, vec)
	idx.mu.Unlock()
	return nil
}

func (idx *MemoryEvidenceIndex) Retrieve(ctx context.Context, query string, topK int) ([]EvidenceSnippet, error) {
	if topK < 1 {
		topK = 1
	}
	idx.mu.RLock()
	empty := len(idx.texts) == 0
	idx.mu.RUnlock()
	if empty {
		return nil, nil
	}

	queryVec, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return rankSnippets(queryVec, idx.texts, idx.vectors, topK), nil
}
