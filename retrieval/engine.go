// Package retrieval answers free-text queries over the stores a Pipeline
// fills in, dispatching to one of three strategies the way the teacher's
// core/retrieval.Engine dispatched to VectorOnlyStrategy/ContextualStrategy/
// MultiHopStrategy, generalized onto the naive/hybrid("light")/mini modes.
package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/siherrmann/kgrag/chunking"
	"github.com/siherrmann/kgrag/extract"
	"github.com/siherrmann/kgrag/filter"
	rcontext "github.com/siherrmann/kgrag/retrieval/context"
	"github.com/siherrmann/kgrag/pipeline"
)

// Mode selects a retrieval strategy.
type Mode string

const (
	ModeNaive Mode = "naive"
	ModeLight Mode = "light"
	ModeMini  Mode = "mini"
)

// Query carries every knob a caller can set for one retrieval call.
type Query struct {
	Mode            Mode
	Text            string
	TopK            int
	OnlyNeedContext bool
	ResponseType    string

	MaxTokenForTextUnit      int
	MaxTokenForLocalContext  int
	MaxTokenForGlobalContext int
	MaxTokenForNodeContext   int

	MetadataFilter map[string]any
	TargetFields   []string
	StartTime      *time.Time
	EndTime        *time.Time

	IncludeProvenance bool
}

// Result is the answer (or raw context, when OnlyNeedContext) plus the
// sources and optional structured provenance that produced it.
type Result struct {
	Answer     string
	Sources    []string
	Provenance *rcontext.Provenance
}

// Config holds retrieval-wide defaults not carried per query.
type Config struct {
	Model                     string
	CosineBetterThanThreshold float64 // default 0.2
	MaxChunksPerCandidate     int     // mini-mode default 3
	EntityTypes               []string

	// DisableLLMCache turns off llm_response_cache reuse for keyword
	// extraction and answer synthesis. Caching is on by default.
	DisableLLMCache bool
}

func (c *Config) maxChunksPerCandidate() int {
	if c == nil || c.MaxChunksPerCandidate <= 0 {
		return 3
	}
	return c.MaxChunksPerCandidate
}

func (c *Config) llmCacheDisabled() bool {
	return c != nil && c.DisableLLMCache
}

func (c *Config) cosineBetterThanThreshold() float64 {
	if c == nil || c.CosineBetterThanThreshold == 0 {
		return 0.2
	}
	return c.CosineBetterThanThreshold
}

// Engine is the query-time counterpart to pipeline.Pipeline: same stores,
// same tokenizer/embed/llm collaborators, different operation.
type Engine struct {
	stores pipeline.Stores
	tok    chunking.Tokenizer
	embed  pipeline.EmbedFunc
	llm    extract.LLM
	cfg    *Config
}

// New builds a query Engine over the stores a Pipeline already filled.
func New(stores pipeline.Stores, tok chunking.Tokenizer, embed pipeline.EmbedFunc, llm extract.LLM, cfg *Config) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Engine{stores: stores, tok: tok, embed: embed, llm: llm, cfg: cfg}
}

// cachedLLM wraps e.llm so repeat calls sharing (prompt, mode) are served
// from the shared llm_response_cache store instead of re-invoking the
// collaborator, per the shared-cache semantics every query mode observes.
func (e *Engine) cachedLLM(mode Mode) extract.LLM {
	if e.llm == nil || e.cfg.llmCacheDisabled() || e.stores.ResponseCache == nil {
		return e.llm
	}
	return extract.CachingLLM(e.stores.ResponseCache, string(mode), e.llm)
}

// strategy is implemented by naiveStrategy/lightStrategy/miniStrategy,
// each a struct so future strategies can carry their own per-call state
// without widening this interface.
type strategy interface {
	run(ctx context.Context, e *Engine, q Query) (*rcontext.Assembled, error)
}

func targetFieldsFilter(q Query) (*filter.Filter, error) {
	base := &filter.Filter{Metadata: q.MetadataFilter, StartTime: q.StartTime, EndTime: q.EndTime}

	var fieldFilter *filter.Filter
	switch len(q.TargetFields) {
	case 0:
		fieldFilter = &filter.Filter{Metadata: map[string]any{"text_field": "_all"}}
	case 1:
		fieldFilter = &filter.Filter{Metadata: map[string]any{"text_field": q.TargetFields[0]}}
	default:
		anyOf := make([]any, len(q.TargetFields))
		for i, f := range q.TargetFields {
			anyOf[i] = f
		}
		fieldFilter = &filter.Filter{Metadata: map[string]any{"text_field": anyOf}}
	}

	merged, err := base.And(fieldFilter)
	if err != nil {
		return nil, fmt.Errorf("retrieval: target_fields conflicts with metadata_filter: %w", err)
	}
	return merged, nil
}

// Query dispatches q to the strategy named by q.Mode, merges target-field
// targeting into the metadata filter, assembles context, and — unless
// OnlyNeedContext — synthesizes an answer via the LLM collaborator.
func (e *Engine) Query(ctx context.Context, q Query) (*Result, error) {
	if q.TopK <= 0 {
		q.TopK = 40
	}
	if q.Mode == "" {
		q.Mode = ModeNaive
	}

	var strat strategy
	switch q.Mode {
	case ModeNaive, "":
		strat = naiveStrategy{}
	case ModeLight:
		strat = lightStrategy{}
	case ModeMini:
		strat = miniStrategy{}
	default:
		return nil, fmt.Errorf("retrieval: unknown mode %q", q.Mode)
	}

	assembled, err := strat.run(ctx, e, q)
	if err != nil {
		return nil, err
	}

	result := &Result{Sources: assembled.Sources}
	if q.IncludeProvenance {
		result.Provenance = assembled.Provenance
	}

	if q.OnlyNeedContext {
		result.Answer = assembled.Context
		return result, nil
	}

	if e.llm == nil {
		result.Answer = assembled.Context
		return result, nil
	}

	prompt := answerPrompt(q, assembled.Context)
	answer, err := e.cachedLLM(q.Mode)(ctx, prompt, nil, "")
	if err != nil {
		return nil, fmt.Errorf("retrieval: synthesize answer: %w", err)
	}
	result.Answer = answer
	return result, nil
}

func answerPrompt(q Query, context string) string {
	responseType := q.ResponseType
	if responseType == "" {
		responseType = "multiple paragraphs"
	}
	return fmt.Sprintf(
		"Given the context below, answer the question in the format: %s.\n\n---Context---\n%s\n\n---Question---\n%s",
		responseType, context, q.Text,
	)
}
