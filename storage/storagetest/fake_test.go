package storagetest

import (
	"context"
	"testing"

	"github.com/siherrmann/kgrag/model"
	"github.com/siherrmann/kgrag/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVUpsertAndFilterKeys(t *testing.T) {
	kv := NewKV()
	ctx := context.Background()

	require.NoError(t, kv.Upsert(ctx, map[string]map[string]any{
		"doc-1": {"content": "hello", "full_doc_id": "doc-1"},
	}))

	missing, err := kv.FilterKeys(ctx, []string{"doc-1", "doc-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-2"}, missing)

	row, ok, err := kv.GetByID(ctx, "doc-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", row["content"])
}

func TestVectorQueryOrdersByCosine(t *testing.T) {
	v := NewVector()
	ctx := context.Background()

	require.NoError(t, v.Upsert(ctx, []storage.VectorUpsert{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
		{ID: "c", Vector: []float32{0.9, 0.1}},
	}))

	matches, err := v.Query(ctx, []float32{1, 0}, 2, 0, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].ID)
	assert.Equal(t, "c", matches[1].ID)
}

func TestGraphDeleteByChunkIDsCascades(t *testing.T) {
	g := NewGraph()
	ctx := context.Background()

	require.NoError(t, g.UpsertNode(ctx, &model.Entity{Name: "Alice", SourceID: "chunk-1"}))
	require.NoError(t, g.UpsertNode(ctx, &model.Entity{Name: "Bob", SourceID: "chunk-1<SEP>chunk-2"}))
	require.NoError(t, g.UpsertEdge(ctx, &model.Relationship{SrcName: "Alice", TgtName: "Bob", SourceID: "chunk-1"}))

	removedEntities, removedPairs, err := g.DeleteByChunkIDs(ctx, []string{"chunk-1"})
	require.NoError(t, err)

	assert.Contains(t, removedEntities, "Alice")
	assert.NotContains(t, removedEntities, "Bob")
	assert.Len(t, removedPairs, 1)

	bob, err := g.GetNode(ctx, "Bob")
	require.NoError(t, err)
	assert.Equal(t, "chunk-2", bob.SourceID)
}

func TestGraphNeighborsWithinKHops(t *testing.T) {
	g := NewGraph()
	ctx := context.Background()

	require.NoError(t, g.UpsertEdge(ctx, &model.Relationship{SrcName: "A", TgtName: "B"}))
	require.NoError(t, g.UpsertEdge(ctx, &model.Relationship{SrcName: "B", TgtName: "C"}))
	require.NoError(t, g.UpsertNode(ctx, &model.Entity{Name: "A"}))
	require.NoError(t, g.UpsertNode(ctx, &model.Entity{Name: "B"}))
	require.NoError(t, g.UpsertNode(ctx, &model.Entity{Name: "C"}))

	within1, err := g.GetNeighborsWithinKHops(ctx, "A", 1)
	require.NoError(t, err)
	assert.Len(t, within1, 1)
	assert.Equal(t, "B", within1[0].Name)

	within2, err := g.GetNeighborsWithinKHops(ctx, "A", 2)
	require.NoError(t, err)
	assert.Len(t, within2, 2)
}

func TestDocStatusGetDocsByStatus(t *testing.T) {
	ds := NewDocStatus()
	ctx := context.Background()

	require.NoError(t, ds.Upsert(ctx, []*model.DocStatus{
		{ID: "doc-1", Status: model.DocPending},
		{ID: "doc-2", Status: model.DocProcessed},
	}))

	pending, err := ds.GetDocsByStatus(ctx, model.DocPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "doc-1", pending[0].ID)

	counts, err := ds.GetStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.DocPending])
	assert.Equal(t, 1, counts[model.DocProcessed])
}
