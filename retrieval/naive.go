package retrieval

import (
	"context"
	"fmt"

	"github.com/siherrmann/kgrag/model"
	rcontext "github.com/siherrmann/kgrag/retrieval/context"
	"github.com/siherrmann/kgrag/storage"
)

// naiveStrategy is a pure vector lookup over the chunks index, mirroring
// the teacher's VectorOnlyStrategy.Retrieve.
type naiveStrategy struct{}

func (naiveStrategy) run(ctx context.Context, e *Engine, q Query) (*rcontext.Assembled, error) {
	f, err := targetFieldsFilter(q)
	if err != nil {
		return nil, err
	}

	queryVec, err := embedOne(ctx, e, q.Text)
	if err != nil {
		return nil, err
	}

	matches, err := e.stores.ChunkVec.Query(ctx, queryVec, q.TopK, e.cfg.cosineBetterThanThreshold(), f)
	if err != nil {
		return nil, fmt.Errorf("retrieval: naive vector query: %w", err)
	}

	chunks, err := fetchChunks(ctx, e, matches)
	if err != nil {
		return nil, err
	}

	budgets := rcontext.TokenBudgets{TextUnit: nonZero(q.MaxTokenForTextUnit, 4000)}
	return rcontext.Build(e.tok, e.cfg.Model, nil, nil, chunks, budgets, q.IncludeProvenance)
}

func embedOne(ctx context.Context, e *Engine, text string) ([]float32, error) {
	vecs, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("retrieval: embed query returned no vectors")
	}
	return vecs[0], nil
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// fetchChunks resolves vector matches to chunk rows via the text-chunks
// KV store, preserving match order (already rank-sorted by the backend).
func fetchChunks(ctx context.Context, e *Engine, matches []storage.VectorMatch) ([]*model.Chunk, error) {
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	rows, err := e.stores.TextChunks.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("retrieval: fetch chunk rows: %w", err)
	}

	chunks := make([]*model.Chunk, 0, len(matches))
	for _, m := range matches {
		row, ok := rows[m.ID]
		if !ok {
			continue
		}
		chunks = append(chunks, chunkFromRow(m.ID, row, m.Distance))
	}
	return chunks, nil
}

func chunkFromRow(id string, row map[string]any, similarity float64) *model.Chunk {
	c := &model.Chunk{ID: id, Similarity: similarity}
	if v, ok := row["content"].(string); ok {
		c.Content = v
	}
	if v, ok := row["full_doc_id"].(string); ok {
		c.FullDocID = v
	}
	if v, ok := row["chunk_order_index"].(int); ok {
		c.ChunkOrderIndex = v
	} else if v, ok := row["chunk_order_index"].(float64); ok {
		c.ChunkOrderIndex = int(v)
	}
	if v, ok := row["tokens"].(int); ok {
		c.Tokens = v
	} else if v, ok := row["tokens"].(float64); ok {
		c.Tokens = int(v)
	}
	if v, ok := row["metadata"].(map[string]any); ok {
		c.Metadata = model.Metadata(v)
	}
	return c
}
