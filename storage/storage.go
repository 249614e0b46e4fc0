// Package storage defines the four pluggable capabilities every backend
// must provide — KV, vector, graph, and doc-status — each scoped to one
// workspace. Concrete backends (storage/postgres, storage/storagetest)
// implement these interfaces; the rest of kgrag only ever depends on them,
// the way the teacher's core/retrieval package depended on
// *database.ChunksDBHandler-shaped methods rather than *sql.DB directly.
package storage

import (
	"context"

	"github.com/siherrmann/kgrag/filter"
	"github.com/siherrmann/kgrag/model"
)

// KV stores arbitrary JSON-ish rows keyed by content-addressed id:
// full documents, text chunks, and cached LLM responses.
type KV interface {
	GetByID(ctx context.Context, id string) (map[string]any, bool, error)
	GetByIDs(ctx context.Context, ids []string) (map[string]map[string]any, error)
	FilterKeys(ctx context.Context, ids []string) ([]string, error)
	Upsert(ctx context.Context, rows map[string]map[string]any) error
	DeleteByDocIDs(ctx context.Context, docIDs []string) error
	// GetChunkIDsByDocIDs is meaningful only for the text-chunks namespace.
	GetChunkIDsByDocIDs(ctx context.Context, docIDs []string) ([]string, error)
	IndexDoneCallback(ctx context.Context) error
}

// VectorUpsert is one row to index.
type VectorUpsert struct {
	ID       string
	Content  string
	Vector   []float32
	Metadata model.Metadata
}

// VectorMatch is one hit from a Vector.Query call. Distance is cosine
// similarity: higher means closer.
type VectorMatch struct {
	ID       string
	Distance float64
	Metadata model.Metadata
}

// Vector indexes embeddings for approximate nearest-neighbor search.
type Vector interface {
	Upsert(ctx context.Context, rows []VectorUpsert) error
	// Query returns the topK nearest rows passing f, excluding any row
	// whose cosine similarity falls below threshold.
	Query(ctx context.Context, queryVector []float32, topK int, threshold float64, f *filter.Filter) ([]VectorMatch, error)
	DeleteByIDs(ctx context.Context, ids []string) error
	DeleteByDocIDs(ctx context.Context, docIDs []string) error
	DeleteEntity(ctx context.Context, name string) error
	DeleteRelation(ctx context.Context, src, tgt string) error
}

// Graph stores entity nodes and relationship edges, keyed by entity name.
type Graph interface {
	HasNode(ctx context.Context, name string) (bool, error)
	HasEdge(ctx context.Context, src, tgt string) (bool, error)
	GetNode(ctx context.Context, name string) (*model.Entity, error)
	GetEdge(ctx context.Context, src, tgt string) (*model.Relationship, error)
	NodeDegree(ctx context.Context, name string) (int, error)
	EdgeDegree(ctx context.Context, src, tgt string) (int, error)
	GetNodeEdges(ctx context.Context, name string) ([]*model.Relationship, error)
	UpsertNode(ctx context.Context, e *model.Entity) error
	UpsertEdge(ctx context.Context, r *model.Relationship) error
	DeleteNode(ctx context.Context, name string) error
	// DeleteByChunkIDs removes every entity/relationship whose SourceID
	// becomes empty once chunkIDs are stripped out, reporting what it
	// removed so the caller can cascade the deletion into the vector
	// stores.
	DeleteByChunkIDs(ctx context.Context, chunkIDs []string) (removedEntities []string, removedPairs [][2]string, err error)
	GetTypes(ctx context.Context) ([]string, error)
	GetNodesFromTypes(ctx context.Context, types []string) ([]*model.Entity, error)
	GetNeighborsWithinKHops(ctx context.Context, name string, k int) ([]*model.Entity, error)
	IndexDoneCallback(ctx context.Context) error
}

// DocStatus tracks every document's place in the ingestion state machine.
type DocStatus interface {
	FilterKeys(ctx context.Context, ids []string) ([]string, error)
	GetDocsByStatus(ctx context.Context, statuses ...model.DocStatusValue) ([]*model.DocStatus, error)
	GetStatusCounts(ctx context.Context) (map[model.DocStatusValue]int, error)
	Upsert(ctx context.Context, rows []*model.DocStatus) error
}
