package extract

import (
	"context"
	"testing"

	"github.com/siherrmann/kgrag/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticLLM(responses ...string) LLM {
	i := 0
	return func(_ context.Context, _ string, _ []Message, _ string) (string, error) {
		if i >= len(responses) {
			return "no", nil
		}
		r := responses[i]
		i++
		return r, nil
	}
}

func TestExtractChunkParsesEntitiesAndRelationships(t *testing.T) {
	resp := `("entity"<|>ALICE<|>PERSON<|>a researcher)##
("entity"<|>ACME CORP<|>ORGANIZATION<|>a company)##
("relationship"<|>ALICE<|>ACME CORP<|>works at<|>employment<|>2.0)
<|COMPLETE|>`

	llm := staticLLM(resp)
	chunk := &model.Chunk{ID: "chunk-1", Content: "Alice works at Acme Corp."}

	result, err := ExtractChunk(context.Background(), llm, Config{MaxGleaning: 1}, chunk)
	require.NoError(t, err)
	require.Len(t, result.Entities, 2)
	require.Len(t, result.Relationships, 1)

	assert.Equal(t, `"ALICE"`, result.Entities[0].Name)
	assert.Equal(t, "chunk-1", result.Entities[0].SourceID)
	assert.Equal(t, 2.0, result.Relationships[0].Weight)
}

func TestExtractChunkGleaningStopsOnNo(t *testing.T) {
	round1 := `("entity"<|>BOB<|>PERSON<|>a person)##`
	llm := staticLLM(round1, "no")

	chunk := &model.Chunk{ID: "chunk-2", Content: "Bob."}
	result, err := ExtractChunk(context.Background(), llm, Config{MaxGleaning: 3}, chunk)
	require.NoError(t, err)
	require.Len(t, result.Entities, 1)
	assert.Equal(t, `"BOB"`, result.Entities[0].Name)
}

func TestExtractChunkDedupesWithinRounds(t *testing.T) {
	round1 := `("entity"<|>CARL<|>PERSON<|>x)##`
	round2Continue := "yes"
	round2 := `("entity"<|>CARL<|>PERSON<|>x)##("entity"<|>DANA<|>PERSON<|>y)##`

	llm := staticLLM(round1, round2Continue, round2)
	chunk := &model.Chunk{ID: "chunk-3", Content: "Carl and Dana."}

	result, err := ExtractChunk(context.Background(), llm, Config{MaxGleaning: 2}, chunk)
	require.NoError(t, err)
	assert.Len(t, result.Entities, 2)
}

func TestExtractChunkStopsEarlyOnLLMFailure(t *testing.T) {
	calls := 0
	llm := func(_ context.Context, _ string, _ []Message, _ string) (string, error) {
		calls++
		return "", assert.AnError
	}

	chunk := &model.Chunk{ID: "chunk-4", Content: "irrelevant"}
	_, err := ExtractChunk(context.Background(), llm, Config{MaxGleaning: 1}, chunk)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
