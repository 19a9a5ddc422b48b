package interaction

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medsafe/medsafe/internal/platform/db"
)

// EvidenceIndexPG keeps the evidence corpus in the evidence_snippet table,
// one row per passage with its embedding vector. Ranking happens in-process:
// the corpus is small enough that a full scan plus cosine scoring beats
// operating a dedicated vector store.
type EvidenceIndexPG struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

// NewEvidenceIndexPG creates an EvidenceIndex over the given pool and
// embedder.
func NewEvidenceIndexPG(pool *pgxpool.Pool, embedder Embedder) *EvidenceIndexPG {
	return &EvidenceIndexPG{pool: pool, embedder: embedder}
}

func (idx *EvidenceIndexPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return idx.pool
}

// Add embeds one passage and appends it to the corpus.
func (idx *EvidenceIndexPG) Add(ctx context.Context, text string) error {
	vec, err := idx.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed snippet: %w", err)
	}
	_, err = idx.conn(ctx).Exec(ctx, `
		INSERT INTO evidence_snippet (id, body, embedding)
		VALUES ($1,$2,$3)`,
		uuid.New(), text, vec)
	if err != nil {
		return fmt.Errorf("insert evidence snippet: %w", err)
	}
	return nil
}

func (idx *EvidenceIndexPG) Retrieve(ctx context.Context, query string, topK int) ([]EvidenceSnippet, error) {
	if topK < 1 {
		topK = 1
	}

	rows, err := idx.conn(ctx).Query(ctx, `SELECT body, embedding FROM evidence_snippet`)
	if err != nil {
		return nil, fmt.Errorf("query evidence corpus: %w", err)
	}
	defer rows.Close()

	var texts []string
	var vectors [][]float32
	for rows.Next() {
		var text string
		var vec []float32
		if err := rows.Scan(&text, &vec); err != nil {
			return nil, fmt.Errorf("scan evidence snippet: %w", err)
		}
		texts = append(texts, text)
		vectors = append(vectors, vec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read evidence corpus: %w", err)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	queryVec, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return rankSnippets(queryVec, texts, vectors, topK), nil
}
