// Package extract turns a chunk's text into candidate entities and
// relationships via an LLM-prompted, delimiter-parsed gleaning loop, and
// merges those candidates into the graph store. This replaces the
// teacher's hugot-based NER extractors (pipeline.DefaultEntityExtractorBasic,
// pipeline.DefaultRelationExtractor) with the LLM-prompted extraction the
// pack's MiniRAG/LightRAG lineage uses, while keeping the teacher's
// tolerant "log and continue on per-row failure" merge discipline from
// Grapher.ProcessAndInsertDocument.
package extract

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/siherrmann/kgrag/model"
)

// Message is one turn of an LLM conversation, threaded through gleaning
// rounds so the model sees what it already emitted.
type Message struct {
	Role    string // "user" | "assistant"
	Content string
}

// LLM is the extraction collaborator. Implementations call out to a real
// model; callers own retries and timeouts via ctx.
type LLM func(ctx context.Context, prompt string, history []Message, systemPrompt string) (string, error)

// Config controls one extraction run.
type Config struct {
	TupleDelim      string
	RecordDelim     string
	CompletionDelim string
	EntityTypes     []string
	MaxGleaning     int
	SystemPrompt    string
}

// ChunkExtraction is the set of entities/relationships found in one chunk.
type ChunkExtraction struct {
	Entities      []*model.Entity
	Relationships []*model.Relationship
}

func defaultConfig(cfg Config) Config {
	if cfg.TupleDelim == "" {
		cfg.TupleDelim = "<|>"
	}
	if cfg.RecordDelim == "" {
		cfg.RecordDelim = "##"
	}
	if cfg.CompletionDelim == "" {
		cfg.CompletionDelim = "<|COMPLETE|>"
	}
	if cfg.MaxGleaning <= 0 {
		cfg.MaxGleaning = 1
	}
	return cfg
}

func extractionPrompt(cfg Config, chunkContent string) string {
	types := strings.Join(cfg.EntityTypes, ", ")
	return fmt.Sprintf(`Extract entities and relationships from the text below.
Entity types: %s
Emit one record per line using the format:
("entity"%s NAME%s TYPE%s DESCRIPTION)%s
("relationship"%s SRC%s TGT%s DESCRIPTION%s KEYWORDS%s WEIGHT)%s
End your output with %s

Text:
%s`, types, cfg.TupleDelim, cfg.TupleDelim, cfg.TupleDelim, cfg.RecordDelim,
		cfg.TupleDelim, cfg.TupleDelim, cfg.TupleDelim, cfg.TupleDelim, cfg.TupleDelim, cfg.RecordDelim,
		cfg.CompletionDelim, chunkContent)
}

// ExtractChunk runs up to cfg.MaxGleaning gleaning rounds against llm,
// parsing delimited entity/relationship records out of each response and
// stopping early when the model answers "no" to the continuation prompt.
// An error from the first extraction call is returned; an error from any
// later gleaning or continuation call ends gleaning early and keeps the
// records parsed so far.
func ExtractChunk(ctx context.Context, llm LLM, cfg Config, chunk *model.Chunk) (*ChunkExtraction, error) {
	cfg = defaultConfig(cfg)

	result := &ChunkExtraction{}
	seenEntities := map[string]bool{}
	seenPairs := map[string]bool{}

	history := []Message{}
	prompt := extractionPrompt(cfg, chunk.Content)

	for round := 0; round < cfg.MaxGleaning; round++ {
		resp, err := llm(ctx, prompt, history, cfg.SystemPrompt)
		if err != nil {
			if round == 0 {
				return nil, fmt.Errorf("extract: chunk %s: %w", chunk.ID, err)
			}
			break
		}

		history = append(history, Message{Role: "user", Content: prompt}, Message{Role: "assistant", Content: resp})
		parseRecords(resp, cfg, chunk.ID, result, seenEntities, seenPairs)

		if round == cfg.MaxGleaning-1 {
			break
		}

		continuePrompt := "Were any entities or relationships missed above? Answer strictly yes or no."
		answer, err := llm(ctx, continuePrompt, history, cfg.SystemPrompt)
		if err != nil {
			break
		}
		history = append(history, Message{Role: "user", Content: continuePrompt}, Message{Role: "assistant", Content: answer})

		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "yes") {
			break
		}
		prompt = "Continue extraction; emit only records not already listed above."
	}

	return result, nil
}

func parseRecords(resp string, cfg Config, chunkID string, result *ChunkExtraction, seenEntities, seenPairs map[string]bool) {
	resp = strings.TrimSuffix(strings.TrimSpace(resp), cfg.CompletionDelim)
	records := strings.Split(resp, cfg.RecordDelim)

	for _, rec := range records {
		rec = strings.TrimSpace(rec)
		rec = strings.TrimPrefix(rec, "(")
		rec = strings.TrimSuffix(rec, ")")
		if rec == "" {
			continue
		}

		fields := splitAndTrim(rec, cfg.TupleDelim)
		if len(fields) == 0 {
			continue
		}

		kind := strings.Trim(strings.ToLower(fields[0]), `"'`)
		switch kind {
		case "entity":
			if len(fields) < 4 {
				continue
			}
			name := canonicalEntityName(fields[1])
			if name == `""` {
				continue
			}
			key := name
			if seenEntities[key] {
				continue
			}
			seenEntities[key] = true
			result.Entities = append(result.Entities, &model.Entity{
				Name:        name,
				EntityType:  strings.ToUpper(strings.TrimSpace(fields[2])),
				Description: strings.TrimSpace(fields[3]),
				SourceID:    chunkID,
			})
		case "relationship":
			if len(fields) < 5 {
				continue
			}
			src := canonicalEntityName(fields[1])
			tgt := canonicalEntityName(fields[2])
			if src == `""` || tgt == `""` || src == tgt {
				continue
			}
			weight := 1.0
			if len(fields) >= 6 {
				if w, err := strconv.ParseFloat(strings.TrimSpace(fields[5]), 64); err == nil {
					weight = w
				}
			}
			pairKey := pairKey(src, tgt)
			if seenPairs[pairKey] {
				continue
			}
			seenPairs[pairKey] = true
			keywords := ""
			if len(fields) >= 5 {
				keywords = strings.TrimSpace(fields[4])
			}
			result.Relationships = append(result.Relationships, &model.Relationship{
				SrcName:     src,
				TgtName:     tgt,
				Weight:      weight,
				Description: strings.TrimSpace(fields[3]),
				Keywords:    keywords,
				SourceID:    chunkID,
			})
		}
	}
}

func splitAndTrim(s, delim string) []string {
	parts := strings.Split(s, delim)
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// canonicalEntityName uppercases and quotes a raw entity name the same way
// the original implementation's entity_name = f'"{entity_name.upper()}"'
// does, so graph node keys, ids.EntityID hashes, and vector-row identity
// metadata all agree on one canonical form.
func canonicalEntityName(raw string) string {
	name := strings.ToUpper(strings.TrimSpace(raw))
	name = strings.Trim(name, `"`)
	return `"` + name + `"`
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}
