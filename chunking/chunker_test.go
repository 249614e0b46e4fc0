package chunking

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordTokenizer treats each whitespace-separated word as one token, so
// tests can reason about windows in terms of plain word counts.
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

func TestSplitValidatesBounds(t *testing.T) {
	tok := wordTokenizer{}

	_, err := Split(context.Background(), tok, "m", "a b c", 0, 0)
	assert.Error(t, err)

	_, err = Split(context.Background(), tok, "m", "a b c", 4, 4)
	assert.Error(t, err)

	_, err = Split(context.Background(), tok, "m", "a b c", 4, 5)
	assert.Error(t, err)
}

func TestSplitEmptyText(t *testing.T) {
	chunks, err := Split(context.Background(), wordTokenizer{}, "m", "   ", 4, 1)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSplitProducesOverlappingWindows(t *testing.T) {
	text := strings.Join(strings.Fields("one two three four five six seven eight nine ten"), " ")

	chunks, err := Split(context.Background(), wordTokenizer{}, "m", text, 4, 1)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkOrderIndex)
		assert.LessOrEqual(t, c.Tokens, 4)
	}

	// stride of 3 over 10 tokens: windows start at 0,3,6, and the window at
	// 6 already reaches the last token, so no window starts at 9
	assert.Len(t, chunks, 3)
	assert.Equal(t, 4, chunks[0].Tokens)
	assert.Equal(t, 4, chunks[2].Tokens)
}

func TestSplitSingleWindowWhenShort(t *testing.T) {
	chunks, err := Split(context.Background(), wordTokenizer{}, "m", "a b c", 10, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 3, chunks[0].Tokens)
}
