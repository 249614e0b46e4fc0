package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/lib/pq"
	"github.com/siherrmann/kgrag/internal/kgerr"
	"github.com/siherrmann/kgrag/model"
	"github.com/siherrmann/kgrag/storage"
)

const sourceSep = "<SEP>"

// Graph is the Postgres-backed storage.Graph, ported from the teacher's
// EntitiesDBHandler/EdgesDBHandler CRUD pattern (stored rows scanned into
// model structs, never pointer-linked) onto the two-table node/edge shape
// of graph_schema.sql.
type Graph struct {
	conn      *Conn
	workspace model.Workspace
}

// NewGraph creates (if absent) the graph_nodes/graph_edges tables and
// returns a Graph handler with no workspace set; WithWorkspace returns a
// handler scoped to a workspace.
func NewGraph(ctx context.Context, conn *Conn) (*Graph, error) {
	if _, err := conn.Instance.ExecContext(ctx, graphSchemaSQL); err != nil {
		return nil, kgerr.New("postgres.NewGraph", kgerr.StorageFatal, err)
	}
	conn.Logger.Info("checked/created graph tables")
	return &Graph{conn: conn}, nil
}

// WithWorkspace returns a handler scoped to workspace, sharing conn.
func (g *Graph) WithWorkspace(workspace model.Workspace) *Graph {
	return &Graph{conn: g.conn, workspace: workspace}
}

func edgeNames(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

func (g *Graph) HasNode(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := g.conn.Instance.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM graph_nodes WHERE workspace = $1 AND name = $2)`,
		g.workspace, name,
	).Scan(&exists)
	if err != nil {
		return false, kgerr.New("Graph.HasNode", kgerr.StorageTransient, err)
	}
	return exists, nil
}

func (g *Graph) HasEdge(ctx context.Context, src, tgt string) (bool, error) {
	a, b := edgeNames(src, tgt)
	var exists bool
	err := g.conn.Instance.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM graph_edges WHERE workspace = $1 AND src_name = $2 AND tgt_name = $3)`,
		g.workspace, a, b,
	).Scan(&exists)
	if err != nil {
		return false, kgerr.New("Graph.HasEdge", kgerr.StorageTransient, err)
	}
	return exists, nil
}

func (g *Graph) scanEntity(row *sql.Row) (*model.Entity, error) {
	e := &model.Entity{}
	var rawMeta []byte
	err := row.Scan(&e.Name, &e.EntityType, &e.Description, &e.SourceID, &rawMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, kgerr.New("Graph.scanEntity", kgerr.StorageTransient, err)
	}
	if err := json.Unmarshal(rawMeta, &e.Metadata); err != nil {
		return nil, kgerr.New("Graph.scanEntity", kgerr.Parse, err)
	}
	return e, nil
}

func (g *Graph) GetNode(ctx context.Context, name string) (*model.Entity, error) {
	row := g.conn.Instance.QueryRowContext(ctx,
		`SELECT name, entity_type, description, source_id, metadata FROM graph_nodes WHERE workspace = $1 AND name = $2`,
		g.workspace, name,
	)
	return g.scanEntity(row)
}

func (g *Graph) GetEdge(ctx context.Context, src, tgt string) (*model.Relationship, error) {
	a, b := edgeNames(src, tgt)
	row := g.conn.Instance.QueryRowContext(ctx, `
		SELECT src_name, tgt_name, weight, description, keywords, source_id, metadata
		FROM graph_edges WHERE workspace = $1 AND src_name = $2 AND tgt_name = $3`,
		g.workspace, a, b,
	)

	r := &model.Relationship{}
	var rawMeta []byte
	err := row.Scan(&r.SrcName, &r.TgtName, &r.Weight, &r.Description, &r.Keywords, &r.SourceID, &rawMeta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, kgerr.New("Graph.GetEdge", kgerr.StorageTransient, err)
	}
	if err := json.Unmarshal(rawMeta, &r.Metadata); err != nil {
		return nil, kgerr.New("Graph.GetEdge", kgerr.Parse, err)
	}
	return r, nil
}

func (g *Graph) NodeDegree(ctx context.Context, name string) (int, error) {
	var n int
	err := g.conn.Instance.QueryRowContext(ctx,
		`SELECT count(*) FROM graph_edges WHERE workspace = $1 AND (src_name = $2 OR tgt_name = $2)`,
		g.workspace, name,
	).Scan(&n)
	if err != nil {
		return 0, kgerr.New("Graph.NodeDegree", kgerr.StorageTransient, err)
	}
	return n, nil
}

func (g *Graph) EdgeDegree(ctx context.Context, src, tgt string) (int, error) {
	srcDeg, err := g.NodeDegree(ctx, src)
	if err != nil {
		return 0, err
	}
	tgtDeg, err := g.NodeDegree(ctx, tgt)
	if err != nil {
		return 0, err
	}
	return srcDeg + tgtDeg, nil
}

func (g *Graph) GetNodeEdges(ctx context.Context, name string) ([]*model.Relationship, error) {
	rows, err := g.conn.Instance.QueryContext(ctx, `
		SELECT src_name, tgt_name, weight, description, keywords, source_id, metadata
		FROM graph_edges WHERE workspace = $1 AND (src_name = $2 OR tgt_name = $2)`,
		g.workspace, name,
	)
	if err != nil {
		return nil, kgerr.New("Graph.GetNodeEdges", kgerr.StorageTransient, err)
	}
	defer rows.Close()

	var out []*model.Relationship
	for rows.Next() {
		r := &model.Relationship{}
		var rawMeta []byte
		if err := rows.Scan(&r.SrcName, &r.TgtName, &r.Weight, &r.Description, &r.Keywords, &r.SourceID, &rawMeta); err != nil {
			return nil, kgerr.New("Graph.GetNodeEdges", kgerr.StorageTransient, err)
		}
		if err := json.Unmarshal(rawMeta, &r.Metadata); err != nil {
			return nil, kgerr.New("Graph.GetNodeEdges", kgerr.Parse, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (g *Graph) UpsertNode(ctx context.Context, e *model.Entity) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return kgerr.New("Graph.UpsertNode", kgerr.Parse, err)
	}
	_, err = g.conn.Instance.ExecContext(ctx, `
		INSERT INTO graph_nodes (workspace, name, entity_type, description, source_id, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (workspace, name) DO UPDATE SET
			entity_type = EXCLUDED.entity_type, description = EXCLUDED.description,
			source_id = EXCLUDED.source_id, metadata = EXCLUDED.metadata, updated_at = now()`,
		g.workspace, e.Name, e.EntityType, e.Description, e.SourceID, meta,
	)
	if err != nil {
		return kgerr.New("Graph.UpsertNode", kgerr.StorageTransient, err)
	}
	return nil
}

func (g *Graph) UpsertEdge(ctx context.Context, r *model.Relationship) error {
	a, b := edgeNames(r.SrcName, r.TgtName)
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return kgerr.New("Graph.UpsertEdge", kgerr.Parse, err)
	}
	_, err = g.conn.Instance.ExecContext(ctx, `
		INSERT INTO graph_edges (workspace, src_name, tgt_name, weight, description, keywords, source_id, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (workspace, src_name, tgt_name) DO UPDATE SET
			weight = EXCLUDED.weight, description = EXCLUDED.description, keywords = EXCLUDED.keywords,
			source_id = EXCLUDED.source_id, metadata = EXCLUDED.metadata, updated_at = now()`,
		g.workspace, a, b, r.Weight, r.Description, r.Keywords, r.SourceID, meta,
	)
	if err != nil {
		return kgerr.New("Graph.UpsertEdge", kgerr.StorageTransient, err)
	}
	return nil
}

func (g *Graph) DeleteNode(ctx context.Context, name string) error {
	tx, err := g.conn.Instance.BeginTx(ctx, nil)
	if err != nil {
		return kgerr.New("Graph.DeleteNode", kgerr.StorageTransient, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_edges WHERE workspace = $1 AND (src_name = $2 OR tgt_name = $2)`, g.workspace, name); err != nil {
		return kgerr.New("Graph.DeleteNode", kgerr.StorageTransient, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM graph_nodes WHERE workspace = $1 AND name = $2`, g.workspace, name); err != nil {
		return kgerr.New("Graph.DeleteNode", kgerr.StorageTransient, err)
	}
	if err := tx.Commit(); err != nil {
		return kgerr.New("Graph.DeleteNode", kgerr.StorageTransient, err)
	}
	return nil
}

// DeleteByChunkIDs strips chunkIDs out of every node/edge's SourceID,
// deleting rows whose SourceID becomes empty, and reports what it removed
// so the pipeline coordinator can cascade into the vector stores.
func (g *Graph) DeleteByChunkIDs(ctx context.Context, chunkIDs []string) ([]string, [][2]string, error) {
	remove := map[string]bool{}
	for _, id := range chunkIDs {
		remove[id] = true
	}

	tx, err := g.conn.Instance.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, kgerr.New("Graph.DeleteByChunkIDs", kgerr.StorageTransient, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var removedEntities []string
	var removedPairs [][2]string
	nodeRows, err := tx.QueryContext(ctx, `SELECT name, source_id FROM graph_nodes WHERE workspace = $1`, g.workspace)
	if err != nil {
		return nil, nil, kgerr.New("Graph.DeleteByChunkIDs", kgerr.StorageTransient, err)
	}
	type nodeUpdate struct{ name, sourceID string }
	var toUpdate []nodeUpdate
	var toDelete []string
	for nodeRows.Next() {
		var name, sourceID string
		if err := nodeRows.Scan(&name, &sourceID); err != nil {
			nodeRows.Close()
			return nil, nil, kgerr.New("Graph.DeleteByChunkIDs", kgerr.StorageTransient, err)
		}
		remaining := stripSourceIDs(sourceID, remove)
		if remaining == "" {
			toDelete = append(toDelete, name)
		} else if remaining != sourceID {
			toUpdate = append(toUpdate, nodeUpdate{name, remaining})
		}
	}
	nodeRows.Close()

	for _, n := range toUpdate {
		if _, err := tx.ExecContext(ctx, `UPDATE graph_nodes SET source_id = $1 WHERE workspace = $2 AND name = $3`, n.sourceID, g.workspace, n.name); err != nil {
			return nil, nil, kgerr.New("Graph.DeleteByChunkIDs", kgerr.StorageTransient, err)
		}
	}
	for _, name := range toDelete {
		dropped, err := tx.QueryContext(ctx, `DELETE FROM graph_edges WHERE workspace = $1 AND (src_name = $2 OR tgt_name = $2) RETURNING src_name, tgt_name`, g.workspace, name)
		if err != nil {
			return nil, nil, kgerr.New("Graph.DeleteByChunkIDs", kgerr.StorageTransient, err)
		}
		for dropped.Next() {
			var pair [2]string
			if err := dropped.Scan(&pair[0], &pair[1]); err != nil {
				dropped.Close()
				return nil, nil, kgerr.New("Graph.DeleteByChunkIDs", kgerr.StorageTransient, err)
			}
			removedPairs = append(removedPairs, pair)
		}
		dropped.Close()
		if _, err := tx.ExecContext(ctx, `DELETE FROM graph_nodes WHERE workspace = $1 AND name = $2`, g.workspace, name); err != nil {
			return nil, nil, kgerr.New("Graph.DeleteByChunkIDs", kgerr.StorageTransient, err)
		}
		removedEntities = append(removedEntities, name)
	}

	edgeRows, err := tx.QueryContext(ctx, `SELECT src_name, tgt_name, source_id FROM graph_edges WHERE workspace = $1`, g.workspace)
	if err != nil {
		return nil, nil, kgerr.New("Graph.DeleteByChunkIDs", kgerr.StorageTransient, err)
	}
	type edgeUpdate struct{ src, tgt, sourceID string }
	var edgeUpdates []edgeUpdate
	var edgeDeletes [][2]string
	for edgeRows.Next() {
		var src, tgt, sourceID string
		if err := edgeRows.Scan(&src, &tgt, &sourceID); err != nil {
			edgeRows.Close()
			return nil, nil, kgerr.New("Graph.DeleteByChunkIDs", kgerr.StorageTransient, err)
		}
		remaining := stripSourceIDs(sourceID, remove)
		if remaining == "" {
			edgeDeletes = append(edgeDeletes, [2]string{src, tgt})
		} else if remaining != sourceID {
			edgeUpdates = append(edgeUpdates, edgeUpdate{src, tgt, remaining})
		}
	}
	edgeRows.Close()

	for _, u := range edgeUpdates {
		if _, err := tx.ExecContext(ctx, `UPDATE graph_edges SET source_id = $1 WHERE workspace = $2 AND src_name = $3 AND tgt_name = $4`, u.sourceID, g.workspace, u.src, u.tgt); err != nil {
			return nil, nil, kgerr.New("Graph.DeleteByChunkIDs", kgerr.StorageTransient, err)
		}
	}
	for _, pair := range edgeDeletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM graph_edges WHERE workspace = $1 AND src_name = $2 AND tgt_name = $3`, g.workspace, pair[0], pair[1]); err != nil {
			return nil, nil, kgerr.New("Graph.DeleteByChunkIDs", kgerr.StorageTransient, err)
		}
		removedPairs = append(removedPairs, pair)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, kgerr.New("Graph.DeleteByChunkIDs", kgerr.StorageTransient, err)
	}
	return removedEntities, removedPairs, nil
}

func stripSourceIDs(sourceID string, remove map[string]bool) string {
	if sourceID == "" {
		return ""
	}
	parts := strings.Split(sourceID, sourceSep)
	var kept []string
	for _, p := range parts {
		if !remove[p] {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sourceSep)
}

func (g *Graph) GetTypes(ctx context.Context) ([]string, error) {
	rows, err := g.conn.Instance.QueryContext(ctx,
		`SELECT DISTINCT entity_type FROM graph_nodes WHERE workspace = $1 ORDER BY entity_type`, g.workspace)
	if err != nil {
		return nil, kgerr.New("Graph.GetTypes", kgerr.StorageTransient, err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, kgerr.New("Graph.GetTypes", kgerr.StorageTransient, err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

func (g *Graph) GetNodesFromTypes(ctx context.Context, types []string) ([]*model.Entity, error) {
	rows, err := g.conn.Instance.QueryContext(ctx, `
		SELECT name, entity_type, description, source_id, metadata
		FROM graph_nodes WHERE workspace = $1 AND entity_type = ANY($2)`,
		g.workspace, pq.Array(types),
	)
	if err != nil {
		return nil, kgerr.New("Graph.GetNodesFromTypes", kgerr.StorageTransient, err)
	}
	defer rows.Close()

	var out []*model.Entity
	for rows.Next() {
		e := &model.Entity{}
		var rawMeta []byte
		if err := rows.Scan(&e.Name, &e.EntityType, &e.Description, &e.SourceID, &rawMeta); err != nil {
			return nil, kgerr.New("Graph.GetNodesFromTypes", kgerr.StorageTransient, err)
		}
		if err := json.Unmarshal(rawMeta, &e.Metadata); err != nil {
			return nil, kgerr.New("Graph.GetNodesFromTypes", kgerr.Parse, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetNeighborsWithinKHops performs a BFS expansion over graph_edges,
// ported from the teacher's core/graph.BFS (visited-set + queue) but
// hopping between entity names instead of chunk ids.
func (g *Graph) GetNeighborsWithinKHops(ctx context.Context, name string, k int) ([]*model.Entity, error) {
	visited := map[string]bool{name: true}
	frontier := []string{name}
	var names []string

	for hop := 0; hop < k && len(frontier) > 0; hop++ {
		rows, err := g.conn.Instance.QueryContext(ctx, `
			SELECT src_name, tgt_name FROM graph_edges
			WHERE workspace = $1 AND (src_name = ANY($2) OR tgt_name = ANY($2))`,
			g.workspace, pq.Array(frontier),
		)
		if err != nil {
			return nil, kgerr.New("Graph.GetNeighborsWithinKHops", kgerr.StorageTransient, err)
		}

		var next []string
		for rows.Next() {
			var src, tgt string
			if err := rows.Scan(&src, &tgt); err != nil {
				rows.Close()
				return nil, kgerr.New("Graph.GetNeighborsWithinKHops", kgerr.StorageTransient, err)
			}
			for _, n := range []string{src, tgt} {
				if !visited[n] {
					visited[n] = true
					next = append(next, n)
					names = append(names, n)
				}
			}
		}
		rows.Close()
		frontier = next
	}

	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)
	return g.getNodesByName(ctx, names)
}

func (g *Graph) getNodesByName(ctx context.Context, names []string) ([]*model.Entity, error) {
	rows, err := g.conn.Instance.QueryContext(ctx, `
		SELECT name, entity_type, description, source_id, metadata
		FROM graph_nodes WHERE workspace = $1 AND name = ANY($2)`,
		g.workspace, pq.Array(names),
	)
	if err != nil {
		return nil, kgerr.New("Graph.getNodesByName", kgerr.StorageTransient, err)
	}
	defer rows.Close()

	var out []*model.Entity
	for rows.Next() {
		e := &model.Entity{}
		var rawMeta []byte
		if err := rows.Scan(&e.Name, &e.EntityType, &e.Description, &e.SourceID, &rawMeta); err != nil {
			return nil, kgerr.New("Graph.getNodesByName", kgerr.StorageTransient, err)
		}
		if err := json.Unmarshal(rawMeta, &e.Metadata); err != nil {
			return nil, kgerr.New("Graph.getNodesByName", kgerr.Parse, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (g *Graph) IndexDoneCallback(context.Context) error { return nil }

var _ storage.Graph = (*Graph)(nil)
