package retrieval

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"testing"

	"github.com/siherrmann/kgrag/extract"
	"github.com/siherrmann/kgrag/model"
	"github.com/siherrmann/kgrag/pipeline"
	"github.com/siherrmann/kgrag/storage"
	"github.com/siherrmann/kgrag/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wordTokenizer struct{}

func (wordTokenizer) Encode(text, _ string) ([]int, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	words := strings.Fields(text)
	tokens := make([]int, len(words))
	for i := range words {
		tokens[i] = i
	}
	return tokens, nil
}

func (wordTokenizer) Decode(tokens []int, _ string) (string, error) {
	return strconv.Itoa(len(tokens)), nil
}

// lookupEmbed returns a fixed vector for an exact-match key, or a zero
// vector otherwise, so cosine ranking in tests is fully deterministic.
func lookupEmbed(vectors map[string][]float32) pipeline.EmbedFunc {
	return func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			if v, ok := vectors[t]; ok {
				out[i] = v
			} else {
				out[i] = []float32{0, 0, 0}
			}
		}
		return out, nil
	}
}

func newTestStores() pipeline.Stores {
	return pipeline.Stores{
		FullDocs:      storagetest.NewKV(),
		TextChunks:    storagetest.NewKV(),
		ResponseCache: storagetest.NewKV(),
		ChunkVec:      storagetest.NewVector(),
		EntityVec:     storagetest.NewVector(),
		EntityNameVec: storagetest.NewVector(),
		RelationVec:   storagetest.NewVector(),
		Graph:         storagetest.NewGraph(),
		DocStatus:     storagetest.NewDocStatus(),
	}
}

func TestNaiveStrategyReturnsClosestChunk(t *testing.T) {
	stores := newTestStores()
	ctx := context.Background()

	require.NoError(t, stores.TextChunks.Upsert(ctx, map[string]map[string]any{
		"chunk-1": {"content": "cats are great pets", "full_doc_id": "doc-1", "chunk_order_index": 0, "tokens": 5},
		"chunk-2": {"content": "stock markets crashed today", "full_doc_id": "doc-1", "chunk_order_index": 1, "tokens": 4},
	}))
	require.NoError(t, stores.ChunkVec.Upsert(ctx, []storage.VectorUpsert{
		{ID: "chunk-1", Content: "cats are great pets", Vector: []float32{1, 0, 0}, Metadata: model.Metadata{"text_field": "_all"}},
		{ID: "chunk-2", Content: "stock markets crashed today", Vector: []float32{0, 1, 0}, Metadata: model.Metadata{"text_field": "_all"}},
	}))

	embed := lookupEmbed(map[string][]float32{"tell me about cats": {1, 0, 0}})
	e := New(stores, wordTokenizer{}, embed, nil, &Config{Model: "m"})

	result, err := e.Query(ctx, Query{Mode: ModeNaive, Text: "tell me about cats", TopK: 1, OnlyNeedContext: true})
	require.NoError(t, err)
	assert.Contains(t, result.Answer, "cats are great pets")
	assert.NotContains(t, result.Answer, "stock markets")
}

func TestNaiveStrategyRespectsTargetFields(t *testing.T) {
	stores := newTestStores()
	ctx := context.Background()

	require.NoError(t, stores.TextChunks.Upsert(ctx, map[string]map[string]any{
		"chunk-title": {"content": "Annual Report", "full_doc_id": "doc-1", "chunk_order_index": 0, "tokens": 2},
		"chunk-body":  {"content": "Annual Report details follow", "full_doc_id": "doc-1", "chunk_order_index": 0, "tokens": 4},
	}))
	require.NoError(t, stores.ChunkVec.Upsert(ctx, []storage.VectorUpsert{
		{ID: "chunk-title", Content: "Annual Report", Vector: []float32{1, 0, 0}, Metadata: model.Metadata{"text_field": "title"}},
		{ID: "chunk-body", Content: "Annual Report details follow", Vector: []float32{1, 0, 0}, Metadata: model.Metadata{"text_field": "body"}},
	}))

	embed := lookupEmbed(map[string][]float32{"report": {1, 0, 0}})
	e := New(stores, wordTokenizer{}, embed, nil, &Config{Model: "m"})

	result, err := e.Query(ctx, Query{Mode: ModeNaive, Text: "report", TopK: 5, TargetFields: []string{"title"}, OnlyNeedContext: true})
	require.NoError(t, err)
	assert.Contains(t, result.Answer, "Annual Report")
	assert.NotContains(t, result.Answer, "details follow")
}

func TestHybridStrategyGathersLocalAndGlobalContext(t *testing.T) {
	stores := newTestStores()
	ctx := context.Background()

	require.NoError(t, stores.Graph.UpsertNode(ctx, &model.Entity{Name: "ALICE", EntityType: "PERSON", Description: "a researcher", SourceID: "chunk-1"}))
	require.NoError(t, stores.Graph.UpsertNode(ctx, &model.Entity{Name: "ACME", EntityType: "ORG", Description: "a company", SourceID: "chunk-1"}))
	require.NoError(t, stores.Graph.UpsertEdge(ctx, &model.Relationship{SrcName: "ALICE", TgtName: "ACME", Description: "works at", Keywords: "employment", Weight: 1, SourceID: "chunk-1"}))

	require.NoError(t, stores.TextChunks.Upsert(ctx, map[string]map[string]any{
		"chunk-1": {"content": "Alice works at Acme.", "full_doc_id": "doc-1", "chunk_order_index": 0, "tokens": 4,
			"metadata": map[string]any{"text_field": "_all"}},
	}))

	require.NoError(t, stores.EntityNameVec.Upsert(ctx, []storage.VectorUpsert{
		{ID: "ent-name-alice", Content: "ALICE", Vector: []float32{1, 0}, Metadata: model.Metadata{"entity_name": "ALICE"}},
	}))
	require.NoError(t, stores.RelationVec.Upsert(ctx, []storage.VectorUpsert{
		{ID: "rel-alice-acme", Content: "employment ALICE ACME works at", Vector: []float32{0, 1}, Metadata: model.Metadata{"src_name": "ALICE", "tgt_name": "ACME"}},
	}))

	embed := lookupEmbed(map[string][]float32{"alice": {1, 0}, "employment": {0, 1}})
	llm := staticJSONLLM(`{"low_level_keywords":["alice"],"high_level_keywords":["employment"]}`)
	e := New(stores, wordTokenizer{}, embed, llm, &Config{Model: "m"})

	result, err := e.Query(ctx, Query{Mode: ModeLight, Text: "who does alice work for?", TopK: 5, OnlyNeedContext: true})
	require.NoError(t, err)
	assert.Contains(t, result.Answer, "ALICE")
	assert.Contains(t, result.Answer, "Alice works at Acme.")
}

func TestMiniStrategySelectsCandidateEntitiesAndChunks(t *testing.T) {
	stores := newTestStores()
	ctx := context.Background()

	require.NoError(t, stores.Graph.UpsertNode(ctx, &model.Entity{Name: "BOB", EntityType: "PERSON", Description: "an engineer", SourceID: "chunk-1"}))
	require.NoError(t, stores.Graph.UpsertNode(ctx, &model.Entity{Name: "WIDGETCO", EntityType: "ORG", Description: "a manufacturer", SourceID: "chunk-1"}))
	require.NoError(t, stores.Graph.UpsertEdge(ctx, &model.Relationship{SrcName: "BOB", TgtName: "WIDGETCO", Description: "builds widgets", Keywords: "engineering", Weight: 2, SourceID: "chunk-1"}))

	require.NoError(t, stores.TextChunks.Upsert(ctx, map[string]map[string]any{
		"chunk-1": {"content": "Bob builds widgets at WidgetCo.", "full_doc_id": "doc-1", "chunk_order_index": 0, "tokens": 5,
			"metadata": map[string]any{"text_field": "_all"}},
	}))
	require.NoError(t, stores.ChunkVec.Upsert(ctx, []storage.VectorUpsert{
		{ID: "chunk-1", Content: "Bob builds widgets at WidgetCo.", Vector: []float32{1, 0}, Metadata: model.Metadata{"text_field": "_all"}},
	}))
	require.NoError(t, stores.EntityNameVec.Upsert(ctx, []storage.VectorUpsert{
		{ID: "ent-name-bob", Content: "BOB", Vector: []float32{1, 0}, Metadata: model.Metadata{"entity_name": "BOB"}},
	}))
	require.NoError(t, stores.RelationVec.Upsert(ctx, []storage.VectorUpsert{
		{ID: "rel-bob-widgetco", Content: "engineering BOB WIDGETCO builds widgets", Vector: []float32{1, 0}, Metadata: model.Metadata{"src_name": "BOB", "tgt_name": "WIDGETCO"}},
	}))

	embed := lookupEmbed(map[string][]float32{
		"BOB": {1, 0}, "bob": {1, 0}, "who built the widgets?": {1, 0},
	})
	llm := staticJSONLLM(`{"answer_type_keywords":["ORG"],"entities_from_query":["bob"]}`)
	e := New(stores, wordTokenizer{}, embed, llm, &Config{Model: "m"})

	result, err := e.Query(ctx, Query{Mode: ModeMini, Text: "who built the widgets?", TopK: 10, OnlyNeedContext: true})
	require.NoError(t, err)
	assert.Contains(t, result.Answer, "BOB")
	assert.Contains(t, result.Answer, "Bob builds widgets")
}

func staticJSONLLM(reply string) extract.LLM {
	return func(_ context.Context, _ string, _ []extract.Message, _ string) (string, error) {
		var probe map[string]any
		_ = json.Unmarshal([]byte(reply), &probe)
		return reply, nil
	}
}
