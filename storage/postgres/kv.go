package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/siherrmann/kgrag/internal/kgerr"
	"github.com/siherrmann/kgrag/model"
	"github.com/siherrmann/kgrag/storage"
)

// KV is the Postgres-backed storage.KV for one namespace ("full_docs",
// "text_chunks", or "llm_response_cache"), ported from the teacher's
// DocumentsDBHandler/ChunksDBHandler CRUD shape but generalized to a
// single jsonb "doc" column instead of one column per struct field, since
// the three KV namespaces have unrelated row shapes.
type KV struct {
	conn      *Conn
	workspace model.Workspace
	table     string
}

// NewKV creates (if absent) the backing table for table and returns a KV
// handler scoped to workspace. table must be a code-controlled constant,
// never derived from user input.
func NewKV(ctx context.Context, conn *Conn, workspace model.Workspace, table string) (*KV, error) {
	stmt := fmt.Sprintf(schemaSQL, "kv_"+table)
	if _, err := conn.Instance.ExecContext(ctx, stmt); err != nil {
		return nil, kgerr.New("postgres.NewKV", kgerr.StorageFatal, err)
	}
	conn.Logger.Info("checked/created kv table", "table", table)
	return &KV{conn: conn, workspace: workspace, table: "kv_" + table}, nil
}

func (k *KV) GetByID(ctx context.Context, id string) (map[string]any, bool, error) {
	row := k.conn.Instance.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE workspace = $1 AND id = $2`, k.table),
		k.workspace, id,
	)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, kgerr.New("KV.GetByID", kgerr.StorageTransient, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, kgerr.New("KV.GetByID", kgerr.Parse, err)
	}
	return doc, true, nil
}

func (k *KV) GetByIDs(ctx context.Context, ids []string) (map[string]map[string]any, error) {
	rows, err := k.conn.Instance.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, doc FROM %s WHERE workspace = $1 AND id = ANY($2)`, k.table),
		k.workspace, pq.Array(ids),
	)
	if err != nil {
		return nil, kgerr.New("KV.GetByIDs", kgerr.StorageTransient, err)
	}
	defer rows.Close()

	out := map[string]map[string]any{}
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, kgerr.New("KV.GetByIDs", kgerr.StorageTransient, err)
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, kgerr.New("KV.GetByIDs", kgerr.Parse, err)
		}
		out[id] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, kgerr.New("KV.GetByIDs", kgerr.StorageTransient, err)
	}
	return out, nil
}

func (k *KV) FilterKeys(ctx context.Context, ids []string) ([]string, error) {
	rows, err := k.conn.Instance.QueryContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE workspace = $1 AND id = ANY($2)`, k.table),
		k.workspace, pq.Array(ids),
	)
	if err != nil {
		return nil, kgerr.New("KV.FilterKeys", kgerr.StorageTransient, err)
	}
	defer rows.Close()

	present := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, kgerr.New("KV.FilterKeys", kgerr.StorageTransient, err)
		}
		present[id] = true
	}

	var missing []string
	for _, id := range ids {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (k *KV) Upsert(ctx context.Context, rowsByID map[string]map[string]any) error {
	tx, err := k.conn.Instance.BeginTx(ctx, nil)
	if err != nil {
		return kgerr.New("KV.Upsert", kgerr.StorageTransient, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt := fmt.Sprintf(`
		INSERT INTO %s (workspace, id, doc, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (workspace, id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`, k.table)

	for id, doc := range rowsByID {
		raw, err := json.Marshal(doc)
		if err != nil {
			return kgerr.New("KV.Upsert", kgerr.Parse, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, k.workspace, id, raw); err != nil {
			return kgerr.New("KV.Upsert", kgerr.StorageTransient, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return kgerr.New("KV.Upsert", kgerr.StorageTransient, err)
	}
	return nil
}

func (k *KV) DeleteByDocIDs(ctx context.Context, docIDs []string) error {
	_, err := k.conn.Instance.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE workspace = $1 AND (id = ANY($2) OR doc->>'full_doc_id' = ANY($2))`, k.table),
		k.workspace, pq.Array(docIDs),
	)
	if err != nil {
		return kgerr.New("KV.DeleteByDocIDs", kgerr.StorageTransient, err)
	}
	return nil
}

func (k *KV) GetChunkIDsByDocIDs(ctx context.Context, docIDs []string) ([]string, error) {
	rows, err := k.conn.Instance.QueryContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE workspace = $1 AND doc->>'full_doc_id' = ANY($2)`, k.table),
		k.workspace, pq.Array(docIDs),
	)
	if err != nil {
		return nil, kgerr.New("KV.GetChunkIDsByDocIDs", kgerr.StorageTransient, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, kgerr.New("KV.GetChunkIDsByDocIDs", kgerr.StorageTransient, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IndexDoneCallback is a no-op for Postgres: every Upsert is already
// transactionally durable, unlike backends that batch index builds.
func (k *KV) IndexDoneCallback(context.Context) error { return nil }

var _ storage.KV = (*KV)(nil)
