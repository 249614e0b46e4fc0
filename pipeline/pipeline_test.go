package pipeline

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/siherrmann/kgrag/extract"
	"github.com/siherrmann/kgrag/ingest"
	"github.com/siherrmann/kgrag/model"
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
	words := make([]string, len(tokens))
	for i, t := range tokens {
		words[i] = "w" + strconv.Itoa(t)
	}
	return strings.Join(words, " "), nil
}

func fakeEmbed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 0}
	}
	return out, nil
}

func noopLLM(_ context.Context, _ string, _ []extract.Message, _ string) (string, error) {
	return "<|COMPLETE|>", nil
}

func newTestStores() Stores {
	return Stores{
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

func TestEnqueueMarksPending(t *testing.T) {
	stores := newTestStores()
	p := New(stores, wordTokenizer{}, fakeEmbed, noopLLM, &Config{Model: "m", MaxTokens: 4, OverlapTokens: 1}, nil)

	docs := []ingest.PlannedDocument{{ID: "doc-1", Content: "one two three four five"}}
	require.NoError(t, p.Enqueue(context.Background(), docs, false))

	statuses, err := stores.DocStatus.GetDocsByStatus(context.Background(), model.DocPending)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "doc-1", statuses[0].ID)
}

func TestEnqueueSkipsKnownDocsWithoutOverwrite(t *testing.T) {
	stores := newTestStores()
	p := New(stores, wordTokenizer{}, fakeEmbed, noopLLM, &Config{Model: "m", MaxTokens: 4}, nil)

	docs := []ingest.PlannedDocument{{ID: "doc-1", Content: "x"}}
	require.NoError(t, p.Enqueue(context.Background(), docs, false))
	require.NoError(t, p.Enqueue(context.Background(), docs, false))

	counts, err := stores.DocStatus.GetStatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.DocPending])
}

func TestProcessTransitionsToProcessed(t *testing.T) {
	stores := newTestStores()
	p := New(stores, wordTokenizer{}, fakeEmbed, noopLLM, &Config{Model: "m", MaxTokens: 3, OverlapTokens: 0, MaxParallelInsert: 2}, nil)

	docs := []ingest.PlannedDocument{{ID: "doc-1", Content: "one two three four five six"}}
	require.NoError(t, p.Enqueue(context.Background(), docs, false))
	require.NoError(t, p.Process(context.Background(), 0))

	statuses, err := stores.DocStatus.GetDocsByStatus(context.Background(), model.DocProcessed)
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Greater(t, statuses[0].ChunksCount, 0)

	chunkIDs, err := stores.TextChunks.GetChunkIDsByDocIDs(context.Background(), []string{"doc-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, chunkIDs)
}

func TestCascadeDeleteRemovesChunksAndVectors(t *testing.T) {
	stores := newTestStores()
	p := New(stores, wordTokenizer{}, fakeEmbed, noopLLM, &Config{Model: "m", MaxTokens: 3}, nil)

	docs := []ingest.PlannedDocument{{ID: "doc-1", Content: "one two three four"}}
	require.NoError(t, p.Enqueue(context.Background(), docs, false))
	require.NoError(t, p.Process(context.Background(), 0))

	require.NoError(t, p.CascadeDelete(context.Background(), []string{"doc-1"}))

	chunkIDs, err := stores.TextChunks.GetChunkIDsByDocIDs(context.Background(), []string{"doc-1"})
	require.NoError(t, err)
	assert.Empty(t, chunkIDs)

	matches, err := stores.ChunkVec.Query(context.Background(), []float32{4, 0}, 10, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, matches, "chunk vector rows must be removed alongside their text_chunks rows")
}

func TestExtractionReusesCachedLLMResponseForIdenticalChunks(t *testing.T) {
	stores := newTestStores()
	var calls int32
	countingLLM := func(_ context.Context, _ string, _ []extract.Message, _ string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "<|COMPLETE|>", nil
	}
	p := New(stores, wordTokenizer{}, fakeEmbed, countingLLM, &Config{Model: "m", MaxTokens: 10, MaxParallelInsert: 1}, nil)

	docs := []ingest.PlannedDocument{
		{ID: "doc-1", Content: "same repeated content"},
		{ID: "doc-2", Content: "same repeated content"},
	}
	require.NoError(t, p.Enqueue(context.Background(), docs, false))
	require.NoError(t, p.Process(context.Background(), 0))

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls),
		"identical (prompt, mode) extraction calls must hit the shared llm_response_cache after the first invocation")
}

func TestEnqueueRejectsDuplicateIDs(t *testing.T) {
	stores := newTestStores()
	p := New(stores, wordTokenizer{}, fakeEmbed, noopLLM, &Config{Model: "m", MaxTokens: 4}, nil)

	docs := []ingest.PlannedDocument{{ID: "doc-1", Content: "a"}, {ID: "doc-1", Content: "b"}}
	err := p.Enqueue(context.Background(), docs, false)
	assert.Error(t, err)
}
