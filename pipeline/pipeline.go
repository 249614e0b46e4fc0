// Package pipeline coordinates ingestion end to end: enqueueing planned
// documents, chunking and indexing them, running entity/relationship
// extraction, and tracking every document through a PENDING → PROCESSING →
// {PROCESSED, FAILED} state machine. It generalizes the teacher's
// Grapher.ProcessAndInsertDocument orchestration (insert doc → chunk →
// insert chunks → extract → insert entities/edges, tolerating per-row
// extraction failures) onto that richer state machine.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/siherrmann/kgrag/chunking"
	"github.com/siherrmann/kgrag/extract"
	"github.com/siherrmann/kgrag/ids"
	"github.com/siherrmann/kgrag/ingest"
	"github.com/siherrmann/kgrag/internal/concurrency"
	"github.com/siherrmann/kgrag/model"
	"github.com/siherrmann/kgrag/storage"
	"golang.org/x/sync/errgroup"
)

// Stores collects every storage handle one Pipeline needs, scoped to a
// single workspace by the caller.
type Stores struct {
	FullDocs, TextChunks, ResponseCache             storage.KV
	ChunkVec, EntityVec, EntityNameVec, RelationVec storage.Vector
	Graph                                            storage.Graph
	DocStatus                                       storage.DocStatus
}

// EmbedFunc batches embedding calls; implementations own their own
// internal concurrency bound (embedding_func_max_async).
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Config controls chunking, parallelism, and extraction.
type Config struct {
	Model             string
	MaxTokens         int
	OverlapTokens     int
	CombinedChunks    bool
	MaxParallelInsert int // default 2
	ExtractConfig     extract.Config

	// DisableLLMCache turns off llm_response_cache reuse for extraction
	// calls. Caching is on by default (enable_llm_cache defaults true).
	DisableLLMCache bool
}

func (c *Config) chunkConfig() *ingest.ChunkConfig {
	return &ingest.ChunkConfig{
		Model:          c.Model,
		MaxTokens:      c.MaxTokens,
		OverlapTokens:  c.OverlapTokens,
		CombinedChunks: c.CombinedChunks,
	}
}

// Pipeline is the ingestion coordinator.
type Pipeline struct {
	stores     Stores
	tok        chunking.Tokenizer
	embed      EmbedFunc
	llm        extract.LLM
	cfg        *Config
	log        *slog.Logger
	insertGate *concurrency.Gate
}

// New builds a Pipeline. cfg.MaxParallelInsert <= 0 defaults to 2.
func New(stores Stores, tok chunking.Tokenizer, embed EmbedFunc, llm extract.LLM, cfg *Config, log *slog.Logger) *Pipeline {
	if cfg == nil {
		cfg = &Config{}
	}
	n := cfg.MaxParallelInsert
	if n <= 0 {
		n = 2
	}
	if log == nil {
		log = slog.Default()
	}
	if !cfg.DisableLLMCache && stores.ResponseCache != nil {
		llm = extract.CachingLLM(stores.ResponseCache, "extract", llm)
	}
	return &Pipeline{
		stores:     stores,
		tok:        tok,
		embed:      embed,
		llm:        llm,
		cfg:        cfg,
		log:        log,
		insertGate: concurrency.NewGate(n),
	}
}

func summarize(content string) string {
	const maxLen = 100
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen]
}

// Enqueue validates docs, performs the overwrite-triggers-cascade-delete
// branch, filters out already-known ids otherwise, and upserts the
// remainder into doc-status as PENDING.
func (p *Pipeline) Enqueue(ctx context.Context, docs []ingest.PlannedDocument, overwrite bool) error {
	seen := map[string]bool{}
	docIDs := make([]string, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("pipeline: document missing id")
		}
		if seen[d.ID] {
			return fmt.Errorf("pipeline: duplicate document id %q", d.ID)
		}
		seen[d.ID] = true
		docIDs = append(docIDs, d.ID)
	}

	if overwrite {
		if err := p.CascadeDelete(ctx, docIDs); err != nil {
			p.log.Error("cascade delete before overwrite", "error", err)
		}
	} else {
		missing, err := p.stores.DocStatus.FilterKeys(ctx, docIDs)
		if err != nil {
			return fmt.Errorf("pipeline: filter known doc ids: %w", err)
		}
		missingSet := map[string]bool{}
		for _, id := range missing {
			missingSet[id] = true
		}
		filtered := docs[:0]
		for _, d := range docs {
			if missingSet[d.ID] {
				filtered = append(filtered, d)
			}
		}
		docs = filtered
	}

	if len(docs) == 0 {
		return nil
	}

	rows := make([]*model.DocStatus, 0, len(docs))
	fullDocRows := map[string]map[string]any{}
	for _, d := range docs {
		rows = append(rows, &model.DocStatus{
			ID:             d.ID,
			Status:         model.DocPending,
			ContentSummary: summarize(d.Content),
			ContentLength:  len(d.Content),
			Metadata:       d.Metadata,
		})
		fullDocRows[d.ID] = map[string]any{
			"content":  d.Content,
			"metadata": map[string]any(d.Metadata),
		}
	}

	if err := p.stores.FullDocs.Upsert(ctx, fullDocRows); err != nil {
		return fmt.Errorf("pipeline: upsert full docs: %w", err)
	}
	return p.stores.DocStatus.Upsert(ctx, rows)
}

// CascadeDelete resolves every chunk belonging to docIDs, asks the graph
// to strip those chunk ids out of every node/edge's source_id (deleting
// rows whose source_id becomes empty), and deletes the derived vector and
// KV rows in parallel. Failures are logged and do not abort the caller.
func (p *Pipeline) CascadeDelete(ctx context.Context, docIDs []string) error {
	if len(docIDs) == 0 {
		return nil
	}

	chunkIDs, err := p.stores.TextChunks.GetChunkIDsByDocIDs(ctx, docIDs)
	if err != nil {
		return fmt.Errorf("pipeline: resolve chunk ids: %w", err)
	}

	removedEntities, removedPairs, err := p.stores.Graph.DeleteByChunkIDs(ctx, chunkIDs)
	if err != nil {
		p.log.Error("graph cascade delete", "error", err)
	}

	entIDs := make([]string, len(removedEntities))
	nameIDs := make([]string, len(removedEntities))
	for i, e := range removedEntities {
		entIDs[i] = ids.EntityID(e)
		nameIDs[i] = ids.EntityNameID(e)
	}
	relIDs := make([]string, len(removedPairs))
	for i, pair := range removedPairs {
		relIDs[i] = ids.RelationID(pair[0], pair[1])
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.stores.EntityVec.DeleteByIDs(gctx, entIDs); err != nil {
			p.log.Error("delete entity vectors", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := p.stores.EntityNameVec.DeleteByIDs(gctx, nameIDs); err != nil {
			p.log.Error("delete entity name vectors", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := p.stores.RelationVec.DeleteByIDs(gctx, relIDs); err != nil {
			p.log.Error("delete relationship vectors", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := p.stores.ChunkVec.DeleteByDocIDs(gctx, docIDs); err != nil {
			p.log.Error("delete chunk vectors", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := p.stores.TextChunks.DeleteByDocIDs(gctx, docIDs); err != nil {
			p.log.Error("delete text chunks", "error", err)
		}
		return nil
	})
	_ = g.Wait()

	return nil
}

// Process batches over non-PROCESSED documents, producing chunks,
// upserting them, running extraction, and transitioning each document to
// PROCESSED or FAILED. Within one document, chunk upserts complete before
// extraction starts, and extraction completes before the PROCESSED
// transition; across documents within the batch size, no ordering is
// guaranteed.
func (p *Pipeline) Process(ctx context.Context, batchSize int) error {
	pending, err := p.stores.DocStatus.GetDocsByStatus(ctx, model.DocPending, model.DocProcessing, model.DocFailed)
	if err != nil {
		return fmt.Errorf("pipeline: list pending docs: %w", err)
	}
	if batchSize <= 0 || batchSize > len(pending) {
		batchSize = len(pending)
	}
	batch := pending[:batchSize]

	runID := uuid.NewString()
	p.log.Info("process batch starting", "run_id", runID, "documents", len(batch))

	return concurrency.ForEach(ctx, p.insertGate, batch, func(ctx context.Context, doc *model.DocStatus) error {
		if err := p.processOne(ctx, doc); err != nil {
			p.log.Error("process document failed", "run_id", runID, "document_id", doc.ID, "error", err)
			doc.Status = model.DocFailed
			_ = p.stores.DocStatus.Upsert(ctx, []*model.DocStatus{doc})
		}
		return nil
	})
}

func (p *Pipeline) processOne(ctx context.Context, doc *model.DocStatus) error {
	doc.Status = model.DocProcessing
	if err := p.stores.DocStatus.Upsert(ctx, []*model.DocStatus{doc}); err != nil {
		return err
	}

	row, ok, err := p.stores.FullDocs.GetByID(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("fetch full doc: %w", err)
	}
	if !ok {
		return fmt.Errorf("full doc %q not found", doc.ID)
	}
	content, _ := row["content"].(string)
	meta := model.Metadata{}
	if m, ok := row["metadata"].(map[string]any); ok {
		meta = model.Metadata(m)
	}

	planned := ingest.PlannedDocument{ID: doc.ID, Content: content, Metadata: meta}
	chunks, err := ingest.Chunk(ctx, p.tok, p.cfg.chunkConfig(), planned)
	if err != nil {
		return fmt.Errorf("chunk document: %w", err)
	}

	chunkMeta := make(map[string]model.Metadata, len(chunks))
	contents := make([]string, len(chunks))
	for i, c := range chunks {
		contents[i] = c.Content
		chunkMeta[c.ID] = c.Metadata
	}

	var vectors [][]float32
	if len(contents) > 0 {
		vectors, err = p.embed(ctx, contents)
		if err != nil {
			return fmt.Errorf("embed chunks: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows := make([]storage.VectorUpsert, len(chunks))
		for i, c := range chunks {
			var v []float32
			if i < len(vectors) {
				v = vectors[i]
			}
			rows[i] = storage.VectorUpsert{ID: c.ID, Content: c.Content, Vector: v, Metadata: c.Metadata}
		}
		return p.stores.ChunkVec.Upsert(gctx, rows)
	})
	g.Go(func() error {
		return p.stores.FullDocs.Upsert(gctx, map[string]map[string]any{
			doc.ID: {"content": content, "metadata": map[string]any(meta)},
		})
	})
	g.Go(func() error {
		rows := make(map[string]map[string]any, len(chunks))
		for _, c := range chunks {
			rows[c.ID] = map[string]any{
				"full_doc_id":       c.FullDocID,
				"content":           c.Content,
				"chunk_order_index": c.ChunkOrderIndex,
				"tokens":            c.Tokens,
				"metadata":          map[string]any(c.Metadata),
			}
		}
		return p.stores.TextChunks.Upsert(gctx, rows)
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("upsert chunk rows: %w", err)
	}

	extractions := map[string]*extract.ChunkExtraction{}
	for _, c := range chunks {
		ex, err := extract.ExtractChunk(ctx, p.llm, p.cfg.ExtractConfig, c)
		if err != nil {
			p.log.Error("extract chunk", "chunk_id", c.ID, "error", err)
			continue
		}
		extractions[c.ID] = ex
	}

	merger := &extract.Merger{Graph: p.stores.Graph, Embed: p.embed, Log: p.log}
	entities, rels, err := merger.MergeAndUpsert(ctx, extractions)
	if err != nil {
		return fmt.Errorf("merge extractions: %w", err)
	}
	if err := merger.IndexVectors(ctx, p.stores.EntityVec, p.stores.EntityNameVec, p.stores.RelationVec, entities, rels, chunkMeta); err != nil {
		return fmt.Errorf("index entity/relationship vectors: %w", err)
	}

	doc.Status = model.DocProcessed
	doc.ChunksCount = len(chunks)
	doc.UpdatedAt = time.Now()
	return p.stores.DocStatus.Upsert(ctx, []*model.DocStatus{doc})
}

// Finalize calls IndexDoneCallback on every storage that exposes one.
func (p *Pipeline) Finalize(ctx context.Context) error {
	callbacks := []func(context.Context) error{
		p.stores.FullDocs.IndexDoneCallback,
		p.stores.TextChunks.IndexDoneCallback,
		p.stores.Graph.IndexDoneCallback,
	}
	if p.stores.ResponseCache != nil {
		callbacks = append(callbacks, p.stores.ResponseCache.IndexDoneCallback)
	}

	for _, cb := range callbacks {
		if err := cb(ctx); err != nil {
			return err
		}
	}
	return nil
}
