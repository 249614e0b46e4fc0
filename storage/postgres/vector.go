package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/siherrmann/kgrag/filter"
	"github.com/siherrmann/kgrag/internal/kgerr"
	"github.com/siherrmann/kgrag/model"
	"github.com/siherrmann/kgrag/storage"
)

// Vector is the Postgres/pgvector-backed storage.Vector for one named
// index ("chunks", "entities", "entities_name", "relationships"), ported
// from the teacher's ChunksDBHandler.SelectChunksBySimilarity (HNSW
// cosine-distance query via pgvector.Vector) generalized to any row kind.
type Vector struct {
	conn      *Conn
	workspace model.Workspace
	table     string
}

// NewVector creates (if absent) the backing table for index and returns a
// Vector handler scoped to workspace, with an HNSW index over a
// dim-dimensional embedding column.
func NewVector(ctx context.Context, conn *Conn, workspace model.Workspace, index string, dim int) (*Vector, error) {
	table := "vec_" + index
	stmt := fmt.Sprintf(vectorSchemaSQL, table, dim)
	if _, err := conn.Instance.ExecContext(ctx, stmt); err != nil {
		return nil, kgerr.New("postgres.NewVector", kgerr.StorageFatal, err)
	}
	conn.Logger.Info("checked/created vector index", "index", index, "dim", dim)
	return &Vector{conn: conn, workspace: workspace, table: table}, nil
}

func (v *Vector) Upsert(ctx context.Context, rows []storage.VectorUpsert) error {
	tx, err := v.conn.Instance.BeginTx(ctx, nil)
	if err != nil {
		return kgerr.New("Vector.Upsert", kgerr.StorageTransient, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt := fmt.Sprintf(`
		INSERT INTO %s (workspace, id, content, embedding, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (workspace, id) DO UPDATE SET
			content = EXCLUDED.content, embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata, updated_at = now()`, v.table)

	for _, r := range rows {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return kgerr.New("Vector.Upsert", kgerr.Parse, err)
		}
		vec := pgvector.NewVector(r.Vector)
		if _, err := tx.ExecContext(ctx, stmt, v.workspace, r.ID, r.Content, vec, meta); err != nil {
			return kgerr.New("Vector.Upsert", kgerr.StorageTransient, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return kgerr.New("Vector.Upsert", kgerr.StorageTransient, err)
	}
	return nil
}

func (v *Vector) Query(ctx context.Context, queryVector []float32, topK int, threshold float64, f *filter.Filter) ([]storage.VectorMatch, error) {
	vec := pgvector.NewVector(queryVector)

	rows, err := v.conn.Instance.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, metadata, updated_at, 1 - (embedding <=> $1) AS similarity
		FROM %s
		WHERE workspace = $2
		ORDER BY embedding <=> $1`, v.table),
		vec, v.workspace,
	)
	if err != nil {
		return nil, kgerr.New("Vector.Query", kgerr.StorageTransient, err)
	}
	defer rows.Close()

	limit := limitOrDefault(topK)
	var out []storage.VectorMatch
	for rows.Next() {
		var id string
		var rawMeta []byte
		var updatedAt time.Time
		var similarity float64
		if err := rows.Scan(&id, &rawMeta, &updatedAt, &similarity); err != nil {
			return nil, kgerr.New("Vector.Query", kgerr.StorageTransient, err)
		}

		var meta model.Metadata
		if err := json.Unmarshal(rawMeta, &meta); err != nil {
			return nil, kgerr.New("Vector.Query", kgerr.Parse, err)
		}

		if similarity < threshold {
			continue
		}
		if !f.Matches(meta, updatedAt) {
			continue
		}

		out = append(out, storage.VectorMatch{ID: id, Distance: similarity, Metadata: meta})
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func limitOrDefault(topK int) int {
	if topK <= 0 {
		return 10
	}
	return topK
}

func (v *Vector) DeleteByIDs(ctx context.Context, ids []string) error {
	_, err := v.conn.Instance.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE workspace = $1 AND id = ANY($2)`, v.table),
		v.workspace, pq.Array(ids),
	)
	if err != nil {
		return kgerr.New("Vector.DeleteByIDs", kgerr.StorageTransient, err)
	}
	return nil
}

func (v *Vector) DeleteByDocIDs(ctx context.Context, docIDs []string) error {
	_, err := v.conn.Instance.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE workspace = $1 AND metadata->>'full_doc_id' = ANY($2)`, v.table),
		v.workspace, pq.Array(docIDs),
	)
	if err != nil {
		return kgerr.New("Vector.DeleteByDocIDs", kgerr.StorageTransient, err)
	}
	return nil
}

func (v *Vector) DeleteEntity(ctx context.Context, name string) error {
	_, err := v.conn.Instance.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE workspace = $1 AND metadata->>'entity_name' = $2`, v.table),
		v.workspace, name,
	)
	if err != nil {
		return kgerr.New("Vector.DeleteEntity", kgerr.StorageTransient, err)
	}
	return nil
}

func (v *Vector) DeleteRelation(ctx context.Context, src, tgt string) error {
	_, err := v.conn.Instance.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE workspace = $1
		AND ((metadata->>'src_name' = $2 AND metadata->>'tgt_name' = $3)
		  OR (metadata->>'src_name' = $3 AND metadata->>'tgt_name' = $2))`, v.table),
		v.workspace, src, tgt,
	)
	if err != nil {
		return kgerr.New("Vector.DeleteRelation", kgerr.StorageTransient, err)
	}
	return nil
}

var _ storage.Vector = (*Vector)(nil)
