package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"
	"github.com/siherrmann/kgrag/internal/kgerr"
	"github.com/siherrmann/kgrag/model"
	"github.com/siherrmann/kgrag/storage"
)

// DocStatus is the Postgres-backed storage.DocStatus, ported from the
// teacher's DocumentsDBHandler row-per-document CRUD pattern onto the
// doc_status table defined in docstatus_schema.sql.
type DocStatus struct {
	conn      *Conn
	workspace model.Workspace
}

// NewDocStatus creates (if absent) the doc_status table and returns a
// handler with no workspace set; WithWorkspace returns a handler scoped to
// a workspace.
func NewDocStatus(ctx context.Context, conn *Conn) (*DocStatus, error) {
	if _, err := conn.Instance.ExecContext(ctx, docStatusSchemaSQL); err != nil {
		return nil, kgerr.New("postgres.NewDocStatus", kgerr.StorageFatal, err)
	}
	conn.Logger.Info("checked/created doc_status table")
	return &DocStatus{conn: conn}, nil
}

// WithWorkspace returns a handler scoped to workspace, sharing conn.
func (d *DocStatus) WithWorkspace(workspace model.Workspace) *DocStatus {
	return &DocStatus{conn: d.conn, workspace: workspace}
}

func (d *DocStatus) FilterKeys(ctx context.Context, ids []string) ([]string, error) {
	rows, err := d.conn.Instance.QueryContext(ctx,
		`SELECT id FROM doc_status WHERE workspace = $1 AND id = ANY($2)`,
		d.workspace, pq.Array(ids),
	)
	if err != nil {
		return nil, kgerr.New("DocStatus.FilterKeys", kgerr.StorageTransient, err)
	}
	defer rows.Close()

	present := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, kgerr.New("DocStatus.FilterKeys", kgerr.StorageTransient, err)
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

func (d *DocStatus) scanRows(rows *sql.Rows) ([]*model.DocStatus, error) {
	defer rows.Close()
	var out []*model.DocStatus
	for rows.Next() {
		s := &model.DocStatus{}
		var rawMeta []byte
		if err := rows.Scan(&s.ID, &s.Status, &s.ContentSummary, &s.ContentLength, &s.ChunksCount, &rawMeta, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, kgerr.New("DocStatus.scanRows", kgerr.StorageTransient, err)
		}
		if err := json.Unmarshal(rawMeta, &s.Metadata); err != nil {
			return nil, kgerr.New("DocStatus.scanRows", kgerr.Parse, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (d *DocStatus) GetDocsByStatus(ctx context.Context, statuses ...model.DocStatusValue) ([]*model.DocStatus, error) {
	strs := make([]string, len(statuses))
	for i, s := range statuses {
		strs[i] = string(s)
	}
	rows, err := d.conn.Instance.QueryContext(ctx, `
		SELECT id, status, content_summary, content_length, chunks_count, metadata, created_at, updated_at
		FROM doc_status WHERE workspace = $1 AND status = ANY($2)
		ORDER BY updated_at DESC`,
		d.workspace, pq.Array(strs),
	)
	if err != nil {
		return nil, kgerr.New("DocStatus.GetDocsByStatus", kgerr.StorageTransient, err)
	}
	return d.scanRows(rows)
}

func (d *DocStatus) GetStatusCounts(ctx context.Context) (map[model.DocStatusValue]int, error) {
	rows, err := d.conn.Instance.QueryContext(ctx,
		`SELECT status, count(*) FROM doc_status WHERE workspace = $1 GROUP BY status`,
		d.workspace,
	)
	if err != nil {
		return nil, kgerr.New("DocStatus.GetStatusCounts", kgerr.StorageTransient, err)
	}
	defer rows.Close()

	counts := map[model.DocStatusValue]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, kgerr.New("DocStatus.GetStatusCounts", kgerr.StorageTransient, err)
		}
		counts[model.DocStatusValue(status)] = n
	}
	return counts, rows.Err()
}

func (d *DocStatus) Upsert(ctx context.Context, rows []*model.DocStatus) error {
	tx, err := d.conn.Instance.BeginTx(ctx, nil)
	if err != nil {
		return kgerr.New("DocStatus.Upsert", kgerr.StorageTransient, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt := `
		INSERT INTO doc_status (workspace, id, status, content_summary, content_length, chunks_count, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (workspace, id) DO UPDATE SET
			status = EXCLUDED.status, content_summary = EXCLUDED.content_summary,
			content_length = EXCLUDED.content_length, chunks_count = EXCLUDED.chunks_count,
			metadata = EXCLUDED.metadata, updated_at = now()`

	for _, doc := range rows {
		meta, err := json.Marshal(doc.Metadata)
		if err != nil {
			return kgerr.New("DocStatus.Upsert", kgerr.Parse, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, d.workspace, doc.ID, string(doc.Status), doc.ContentSummary, doc.ContentLength, doc.ChunksCount, meta); err != nil {
			return kgerr.New("DocStatus.Upsert", kgerr.StorageTransient, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return kgerr.New("DocStatus.Upsert", kgerr.StorageTransient, err)
	}
	return nil
}

var _ storage.DocStatus = (*DocStatus)(nil)
