package ingest

import (
	"context"
	"sort"
	"strings"

	"github.com/siherrmann/kgrag/chunking"
	"github.com/siherrmann/kgrag/ids"
	"github.com/siherrmann/kgrag/model"
)

// ChunkConfig controls field-aware chunking.
type ChunkConfig struct {
	Model              string
	MaxTokens          int
	OverlapTokens      int
	CombinedChunks     bool // when true, also emit a "_all" chunk population; the zero value emits none
}

// chunkMetadata copies doc.Metadata for one chunk's row, stamping
// full_doc_id so DeleteByDocIDs can find every chunk/vector row belonging
// to doc on cascade delete or overwrite, and dropping _original_data,
// which Plan stashes only for Chunk's own field-splitting pass and has no
// business surviving into a persisted chunk/vector row.
func chunkMetadata(doc PlannedDocument) model.Metadata {
	meta := model.Metadata{}
	for k, v := range doc.Metadata {
		if k == "_original_data" {
			continue
		}
		meta[k] = v
	}
	meta["full_doc_id"] = doc.ID
	return meta
}

// Chunk produces chunks for doc per the field-aware chunking rules: when
// doc.Metadata carries "_original_data" (stamped by Plan for field-split
// input), every text field (a string, or a list whose elements are all
// strings, joined by newlines) is chunked independently with a
// "chunk-<field>-" id prefix and metadata.text_field = <field>, plus (when
// cfg.CombinedChunks is set) a combined "chunk-all-" population over the
// newline-join of all text fields; fields holding any other value are not
// chunked. Otherwise, or when no text field yields a chunk, the whole
// document content is chunked once with the bare "chunk-" prefix and
// text_field = "_all".
func Chunk(ctx context.Context, tok chunking.Tokenizer, cfg *ChunkConfig, doc PlannedDocument) ([]*model.Chunk, error) {
	original, ok := doc.Metadata["_original_data"].(map[string]any)
	if !ok {
		return chunkWhole(ctx, tok, cfg, doc)
	}

	fieldNames := make([]string, 0, len(original))
	for k := range original {
		fieldNames = append(fieldNames, k)
	}
	sort.Strings(fieldNames)

	var out []*model.Chunk
	var combinedParts []string

	for _, field := range fieldNames {
		switch v := original[field].(type) {
		case string, []string:
		case []any:
			allStrings := true
			for _, item := range v {
				if _, ok := item.(string); !ok {
					allStrings = false
				}
			}
			if !allStrings {
				continue
			}
		default:
			continue
		}
		text := joinTextValue(original[field])
		if strings.TrimSpace(text) == "" {
			continue
		}
		combinedParts = append(combinedParts, text)

		chunks, err := chunking.Split(ctx, tok, cfg.Model, text, cfg.MaxTokens, cfg.OverlapTokens)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			meta := chunkMetadata(doc)
			meta["text_field"] = field
			out = append(out, &model.Chunk{
				ID:              ids.ChunkID(field, doc.ID, c.Content),
				FullDocID:       doc.ID,
				ChunkOrderIndex: c.ChunkOrderIndex,
				Tokens:          c.Tokens,
				Content:         c.Content,
				Metadata:        meta,
			})
		}
	}

	combined := cfg.CombinedChunks
	if combined && len(combinedParts) > 0 {
		text := strings.Join(combinedParts, "\n")
		chunks, err := chunking.Split(ctx, tok, cfg.Model, text, cfg.MaxTokens, cfg.OverlapTokens)
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			meta := chunkMetadata(doc)
			meta["text_field"] = "_all"
			out = append(out, &model.Chunk{
				ID:              ids.ChunkID("all", doc.ID, c.Content),
				FullDocID:       doc.ID,
				ChunkOrderIndex: c.ChunkOrderIndex,
				Tokens:          c.Tokens,
				Content:         c.Content,
				Metadata:        meta,
			})
		}
	}

	if len(out) == 0 {
		return chunkWhole(ctx, tok, cfg, doc)
	}
	return out, nil
}

func chunkWhole(ctx context.Context, tok chunking.Tokenizer, cfg *ChunkConfig, doc PlannedDocument) ([]*model.Chunk, error) {
	chunks, err := chunking.Split(ctx, tok, cfg.Model, doc.Content, cfg.MaxTokens, cfg.OverlapTokens)
	if err != nil {
		return nil, err
	}

	out := make([]*model.Chunk, 0, len(chunks))
	for _, c := range chunks {
		meta := chunkMetadata(doc)
		meta["text_field"] = "_all"
		out = append(out, &model.Chunk{
			ID:              ids.ChunkID("", doc.ID, c.Content),
			FullDocID:       doc.ID,
			ChunkOrderIndex: c.ChunkOrderIndex,
			Tokens:          c.Tokens,
			Content:         c.Content,
			Metadata:        meta,
		})
	}
	return out, nil
}
