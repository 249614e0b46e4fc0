// Package kgrag provides a unified entrypoint wiring the storage, ingest,
// extract, pipeline, and retrieval packages together, the way the
// teacher's Grapher struct wired its *DBHandler types and
// core/pipeline.Pipeline/core/retrieval.Engine into one constructor.
package kgrag

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/siherrmann/kgrag/chunking"
	"github.com/siherrmann/kgrag/extract"
	"github.com/siherrmann/kgrag/ingest"
	"github.com/siherrmann/kgrag/internal/kgerr"
	"github.com/siherrmann/kgrag/internal/logging"
	"github.com/siherrmann/kgrag/model"
	"github.com/siherrmann/kgrag/pipeline"
	"github.com/siherrmann/kgrag/retrieval"
	"github.com/siherrmann/kgrag/storage/postgres"
)

// KV/vector namespace names, shared between the Postgres backend and the
// in-memory test fakes so callers can swap one for the other.
const (
	tableFullDocs      = "full_docs"
	tableTextChunks    = "text_chunks"
	tableResponseCache = "llm_response_cache"
	indexChunks        = "chunks"
	indexEntities      = "entities"
	indexEntitiesName  = "entities_name"
	indexRelationships = "relationships"
)

// Config controls how a KG connects to its backing Postgres database and
// configures the ingestion pipeline and retrieval engine built on top of
// it.
type Config struct {
	DSN          string
	Workspace    model.Workspace
	EmbeddingDim int

	Embed pipeline.EmbedFunc
	LLM   extract.LLM

	Pipeline  pipeline.Config
	Retrieval retrieval.Config
}

// KG is the unified interface to kgrag's storage, ingestion, and
// retrieval surface, the direct analogue of the teacher's Grapher.
type KG struct {
	conn     *postgres.Conn
	Stores   pipeline.Stores
	Pipeline *pipeline.Pipeline
	Engine   *retrieval.Engine
	log      *slog.Logger
}

// New opens a Postgres connection, bootstraps every storage table/index
// for cfg.Workspace, and builds the Pipeline and Engine over them. tok is
// the tokenizer used for chunk sizing and context-budget truncation;
// cfg.Embed and cfg.LLM are the embedding and LLM collaborators every
// extraction/retrieval call uses.
func New(ctx context.Context, tok chunking.Tokenizer, cfg *Config) (*KG, error) {
	if cfg == nil {
		return nil, kgerr.New("kgrag.New", kgerr.Validation, fmt.Errorf("config is required"))
	}
	if cfg.EmbeddingDim <= 0 {
		return nil, kgerr.New("kgrag.New", kgerr.Validation, fmt.Errorf("embedding dimension must be positive"))
	}

	opts := logging.PrettyHandlerOptions{SlogOpts: slog.HandlerOptions{Level: slog.LevelInfo}}
	logger := slog.New(logging.NewPrettyHandler(os.Stdout, opts))

	conn, err := postgres.Open(cfg.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("kgrag: open database: %w", err)
	}
	if err := conn.Init(ctx); err != nil {
		return nil, fmt.Errorf("kgrag: init database extensions: %w", err)
	}

	stores, err := buildStores(ctx, conn, cfg.Workspace, cfg.EmbeddingDim)
	if err != nil {
		return nil, err
	}

	pcfg := cfg.Pipeline
	p := pipeline.New(stores, tok, cfg.Embed, cfg.LLM, &pcfg, logger)

	rcfg := cfg.Retrieval
	engine := retrieval.New(stores, tok, cfg.Embed, cfg.LLM, &rcfg)

	return &KG{conn: conn, Stores: stores, Pipeline: p, Engine: engine, log: logger}, nil
}

func buildStores(ctx context.Context, conn *postgres.Conn, ws model.Workspace, dim int) (pipeline.Stores, error) {
	fullDocs, err := postgres.NewKV(ctx, conn, ws, tableFullDocs)
	if err != nil {
		return pipeline.Stores{}, fmt.Errorf("kgrag: full_docs table: %w", err)
	}
	textChunks, err := postgres.NewKV(ctx, conn, ws, tableTextChunks)
	if err != nil {
		return pipeline.Stores{}, fmt.Errorf("kgrag: text_chunks table: %w", err)
	}
	responseCache, err := postgres.NewKV(ctx, conn, ws, tableResponseCache)
	if err != nil {
		return pipeline.Stores{}, fmt.Errorf("kgrag: response cache table: %w", err)
	}
	chunkVec, err := postgres.NewVector(ctx, conn, ws, indexChunks, dim)
	if err != nil {
		return pipeline.Stores{}, fmt.Errorf("kgrag: chunks vector index: %w", err)
	}
	entityVec, err := postgres.NewVector(ctx, conn, ws, indexEntities, dim)
	if err != nil {
		return pipeline.Stores{}, fmt.Errorf("kgrag: entities vector index: %w", err)
	}
	entityNameVec, err := postgres.NewVector(ctx, conn, ws, indexEntitiesName, dim)
	if err != nil {
		return pipeline.Stores{}, fmt.Errorf("kgrag: entities_name vector index: %w", err)
	}
	relationVec, err := postgres.NewVector(ctx, conn, ws, indexRelationships, dim)
	if err != nil {
		return pipeline.Stores{}, fmt.Errorf("kgrag: relationships vector index: %w", err)
	}
	graph, err := postgres.NewGraph(ctx, conn)
	if err != nil {
		return pipeline.Stores{}, fmt.Errorf("kgrag: graph tables: %w", err)
	}
	docStatus, err := postgres.NewDocStatus(ctx, conn)
	if err != nil {
		return pipeline.Stores{}, fmt.Errorf("kgrag: doc_status table: %w", err)
	}

	return pipeline.Stores{
		FullDocs:      fullDocs,
		TextChunks:    textChunks,
		ResponseCache: responseCache,
		ChunkVec:      chunkVec,
		EntityVec:     entityVec,
		EntityNameVec: entityNameVec,
		RelationVec:   relationVec,
		Graph:         graph.WithWorkspace(ws),
		DocStatus:     docStatus.WithWorkspace(ws),
	}, nil
}

// Close releases the underlying database connection.
func (g *KG) Close() error {
	if g.conn != nil && g.conn.Instance != nil {
		return g.conn.Instance.Close()
	}
	return nil
}

// Ingest plans items against schema/textFields and enqueues the resulting
// documents for processing, the planning-and-enqueue half of what the
// teacher's ProcessAndInsertDocument did inline before chunking.
func (g *KG) Ingest(ctx context.Context, items []ingest.Item, schema *ingest.Schema, textFields []string, overwrite bool) error {
	planned, err := ingest.Plan(items, schema, textFields)
	if err != nil {
		return fmt.Errorf("kgrag: plan documents: %w", err)
	}
	return g.Pipeline.Enqueue(ctx, planned, overwrite)
}

// Process runs one batch of chunking, extraction, and indexing over
// whatever documents Ingest left pending, up to batchSize documents (0
// means "all pending").
func (g *KG) Process(ctx context.Context, batchSize int) error {
	return g.Pipeline.Process(ctx, batchSize)
}

// Query answers q against the stores Ingest/Process have filled.
func (g *KG) Query(ctx context.Context, q retrieval.Query) (*retrieval.Result, error) {
	return g.Engine.Query(ctx, q)
}
