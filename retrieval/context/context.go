// Package rcontext renders the entity/relationship/chunk rows a retrieval
// strategy gathers into the three CSV-in-fence sections the answer-synthesis
// prompt expects, ported from the teacher's context-assembly helpers in
// core/retrieval/strategy.go (entity/relation/text-unit section lists joined
// into one fenced string) generalized to a single shared builder used by all
// three strategies.
package rcontext

import (
	"encoding/csv"
	"strconv"
	"strings"

	"github.com/siherrmann/kgrag/chunking"
	"github.com/siherrmann/kgrag/model"
)

// EntityRow is one row of the Entities CSV section.
type EntityRow struct {
	Name        string
	Type        string
	Description string
	Rank        int
}

// RelationshipRow is one row of the Relationships CSV section.
type RelationshipRow struct {
	Src, Tgt    string
	Description string
	Keywords    string
	Weight      float64
	Rank        int
}

// TokenBudgets bounds each CSV section independently.
type TokenBudgets struct {
	TextUnit      int
	LocalContext  int
	GlobalContext int
	NodeContext   int
}

// ProvenanceEntity is one structured entity row returned alongside the
// rendered context when a caller asked for provenance.
type ProvenanceEntity struct {
	EntityName  string
	Score       float64
	Description string
}

// ProvenanceChunk is one structured chunk row returned alongside the
// rendered context when a caller asked for provenance.
type ProvenanceChunk struct {
	ChunkID         string
	FullDocID       string
	ChunkOrderIndex int
	Tokens          int
	Content         string
}

// Provenance is the structured companion to a rendered context string.
type Provenance struct {
	Entities []ProvenanceEntity
	Chunks   []ProvenanceChunk
}

// Assembled is the rendered context plus its deduplicated source list and
// optional structured provenance.
type Assembled struct {
	Context    string
	Sources    []string
	Provenance *Provenance
}

func listOfListToCSV(rows [][]string) string {
	var b strings.Builder
	w := csv.NewWriter(&b)
	for _, r := range rows {
		_ = w.Write(r)
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

// TruncateListByTokenSize keeps rows, in order, until the cumulative token
// count of their joined content would exceed maxTokens, then drops the
// remainder. Each row is tokenized independently; the cumulative count is
// the running sum of per-row token counts.
func TruncateListByTokenSize(tok chunking.Tokenizer, modelName string, rows []string, maxTokens int) []string {
	if maxTokens <= 0 {
		return nil
	}
	kept := make([]string, 0, len(rows))
	total := 0
	for _, r := range rows {
		toks, err := tok.Encode(r, modelName)
		if err != nil {
			continue
		}
		if total+len(toks) > maxTokens {
			break
		}
		total += len(toks)
		kept = append(kept, r)
	}
	return kept
}

// Build renders the Entities/Relationships/Sources CSV sections, dedupes
// source lines by content string, and returns the assembled context. Entity
// and relationship rows are each independently truncated by their own
// budget before rendering; chunk content is truncated by the TextUnit
// budget the same way, with one tokenizer call per chunk, so chunks are
// kept in order until the first one that would exceed the budget.
func Build(tok chunking.Tokenizer, modelName string, entities []EntityRow, rels []RelationshipRow, chunks []*model.Chunk, budgets TokenBudgets, includeProvenance bool) (*Assembled, error) {
	entLines := make([]string, len(entities))
	for i, e := range entities {
		entLines[i] = listOfListToCSV([][]string{{
			strconv.Itoa(i), e.Name, e.Type, e.Description, strconv.Itoa(e.Rank),
		}})
	}
	entLines = TruncateListByTokenSize(tok, modelName, entLines, budgets.NodeContext)

	relLines := make([]string, len(rels))
	for i, r := range rels {
		relLines[i] = listOfListToCSV([][]string{{
			strconv.Itoa(i), r.Src, r.Tgt, r.Description, r.Keywords,
			strconv.FormatFloat(r.Weight, 'f', -1, 64), strconv.Itoa(r.Rank),
		}})
	}
	relLines = TruncateListByTokenSize(tok, modelName, relLines, budgets.GlobalContext)

	seen := map[string]bool{}
	var sources []string
	chunkLines := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c == nil || seen[c.Content] {
			continue
		}
		seen[c.Content] = true
		sources = append(sources, c.Content)
	}
	chunkLines = append(chunkLines, sources...)
	chunkLines = TruncateListByTokenSize(tok, modelName, chunkLines, budgets.TextUnit)
	keptSources := map[string]bool{}
	for _, s := range chunkLines {
		keptSources[s] = true
	}

	entRows := [][]string{{"id", "entity", "type", "description", "rank"}}
	for i, e := range entities {
		if i < len(entLines) {
			entRows = append(entRows, []string{strconv.Itoa(i), e.Name, e.Type, e.Description, strconv.Itoa(e.Rank)})
		}
	}
	relRows := [][]string{{"id", "source", "target", "description", "keywords", "weight", "rank"}}
	for i, r := range rels {
		if i < len(relLines) {
			relRows = append(relRows, []string{
				strconv.Itoa(i), r.Src, r.Tgt, r.Description, r.Keywords,
				strconv.FormatFloat(r.Weight, 'f', -1, 64), strconv.Itoa(r.Rank),
			})
		}
	}
	srcRows := [][]string{{"id", "content"}}
	finalSources := make([]string, 0, len(chunkLines))
	for _, s := range sources {
		if keptSources[s] {
			finalSources = append(finalSources, s)
			srcRows = append(srcRows, []string{strconv.Itoa(len(finalSources) - 1), s})
		}
	}

	var b strings.Builder
	b.WriteString("-----Entities-----\n```csv\n")
	b.WriteString(listOfListToCSV(entRows))
	b.WriteString("\n```\n-----Relationships-----\n```csv\n")
	b.WriteString(listOfListToCSV(relRows))
	b.WriteString("\n```\n-----Sources-----\n```csv\n")
	b.WriteString(listOfListToCSV(srcRows))
	b.WriteString("\n```\n")

	assembled := &Assembled{Context: b.String(), Sources: finalSources}

	if includeProvenance {
		prov := &Provenance{}
		for i, e := range entities {
			if i < len(entLines) {
				prov.Entities = append(prov.Entities, ProvenanceEntity{EntityName: e.Name, Score: float64(e.Rank), Description: e.Description})
			}
		}
		for _, c := range chunks {
			if c != nil && keptSources[c.Content] {
				prov.Chunks = append(prov.Chunks, ProvenanceChunk{
					ChunkID:         c.ID,
					FullDocID:       c.FullDocID,
					ChunkOrderIndex: c.ChunkOrderIndex,
					Tokens:          c.Tokens,
					Content:         c.Content,
				})
			}
		}
		assembled.Provenance = prov
	}

	return assembled, nil
}
