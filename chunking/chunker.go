// Package chunking splits text into token-bounded, overlapping windows
// using an external tokenizer, the way the teacher's pipeline package
// split text into bounded pieces (SentenceChunker, ParagraphChunker) but
// windowed over token ids instead of sentence/paragraph boundaries.
package chunking

import (
	"context"
	"fmt"
	"strings"
)

// Tokenizer is the external tokenizer collaborator. Encode/Decode must be
// stable for a given model name: the same text always encodes to the same
// token ids, and decoding those ids reproduces the original text.
type Tokenizer interface {
	Encode(text, model string) ([]int, error)
	Decode(tokens []int, model string) (string, error)
}

// Chunk is one token-bounded window of the input text.
type Chunk struct {
	Tokens          int
	Content         string
	ChunkOrderIndex int
}

// Split windows text into overlapping chunks of at most maxTokens tokens,
// each consecutive pair overlapping by overlapTokens tokens. The stride
// (maxTokens-overlapTokens) must be positive. Each window is decoded and
// trimmed of surrounding whitespace; windowing stops at the first window
// that reaches the last token.
func Split(ctx context.Context, tok Tokenizer, model, text string, maxTokens, overlapTokens int) ([]Chunk, error) {
	if maxTokens <= 0 {
		return nil, fmt.Errorf("chunking: maxTokens must be positive, got %d", maxTokens)
	}
	if overlapTokens < 0 || overlapTokens >= maxTokens {
		return nil, fmt.Errorf("chunking: overlapTokens must be in [0, maxTokens), got %d", overlapTokens)
	}
	stride := maxTokens - overlapTokens

	tokens, err := tok.Encode(text, model)
	if err != nil {
		return nil, fmt.Errorf("chunking: encode: %w", err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	var chunks []Chunk
	idx := 0
	for start := 0; start < len(tokens); start += stride {
		end := start + maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}

		window := tokens[start:end]
		content, err := tok.Decode(window, model)
		if err != nil {
			return nil, fmt.Errorf("chunking: decode window %d: %w", idx, err)
		}
		content = strings.TrimSpace(content)

		chunks = append(chunks, Chunk{
			Tokens:          len(window),
			Content:         content,
			ChunkOrderIndex: idx,
		})
		idx++

		if end == len(tokens) {
			break
		}
	}

	return chunks, nil
}
