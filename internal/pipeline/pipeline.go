package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"cap/internal/cache"
	"cap/internal/llm"
	"cap/internal/plan"
	"cap/internal/shape"
	"cap/internal/triplestore"
)

// MaxQueryLength bounds accepted natural language questions.
const MaxQueryLength = 1000

// Triplestore executes SPARQL against the knowledge graph.
type Triplestore interface {
	Execute(ctx context.Context, query string) (*triplestore.Response, error)
	TestConnection(ctx context.Context) error
}

// LanguageModel generates SPARQL and streams contextualized answers.
type LanguageModel interface {
	GenerateComplete(ctx context.Context, prompt, systemPrompt string, temperature float64) (string, error)
	ContextualizeAnswer(ctx context.Context, userQuery, sparqlQuery, sparqlResults string) (<-chan llm.Chunk, error)
	NLToSPARQLPrompt() string
	Model() string
	HealthCheck(ctx context.Context) bool
}

// Cache stores generated SPARQL keyed by normalized question.
type Cache interface {
	Lookup(ctx context.Context, normalized string) (*cache.Entry, error)
	Store(ctx context.Context, normalized string, entry cache.Entry) error
	Popular(ctx context.Context, limit int) ([]cache.PopularQuery, error)
	CollectStats(ctx context.Context) (cache.Stats, error)
	HealthCheck(ctx context.Context) error
}

// Request is one natural language question, with optional extra context
// prepended to the generation prompt.
type Request struct {
	Query   string `json:"query"`
	Context string `json:"context,omitempty"`
}

// Validate rejects empty and oversized questions.
func (r Request) Validate() error {
	q := strings.TrimSpace(r.Query)
	if q == "" {
		return fmt.Errorf("query must not be empty")
	}
	if utf8.RuneCountInString(r.Query) > MaxQueryLength {
		return fmt.Errorf("query exceeds %d characters", MaxQueryLength)
	}
	return nil
}

// Effective returns the prompt text sent to the model: the optional
// context, then the question.
func (r Request) Effective() string {
	if strings.TrimSpace(r.Context) == "" {
		return r.Query
	}
	return r.Context + "\n\n" + r.Query
}

// Pipeline wires the query flow together.
type Pipeline struct {
	store    Triplestore
	model    LanguageModel
	cache    Cache
	stall    time.Duration
	maxItems int
	log      *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStallWindow overrides the heartbeat stall window.
func WithStallWindow(d time.Duration) Option {
	return func(p *Pipeline) { p.stall = d }
}

// WithMaxItems overrides how many result rows are shown to the model.
func WithMaxItems(n int) Option {
	return func(p *Pipeline) { p.maxItems = n }
}

// New creates a pipeline. The logger may be nil.
func New(store Triplestore, model LanguageModel, c Cache, log *zap.Logger, opts ...Option) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{
		store:    store,
		model:    model,
		cache:    c,
		stall:    DefaultStallWindow,
		maxItems: shape.DefaultMaxItems,
		log:      log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stream runs the full flow for one question, pushing each frame through
// emit in order. It returns an error only when the client is gone or
// emit fails; domain failures are reported in-band as frames.
func (p *Pipeline) Stream(ctx context.Context, req Request, emit func(string) error) error {
	if err := emit(FrameProcessing); err != nil {
		return err
	}

	normalized := cache.Normalize(req.Effective())
	payload, cached := p.lookupPayload(ctx, normalized)
	fromCache := cached != nil

	if payload.Empty() {
		fromCache = false
		cached = nil
		if err := emit(FrameGenerating); err != nil {
			return err
		}
		raw, err := p.model.GenerateComplete(ctx, req.Effective(), p.model.NLToSPARQLPrompt(), 0.0)
		if err != nil {
			p.log.Error("sparql generation failed", zap.Error(err))
			return emitNoData(emit)
		}
		payload = plan.ParseResponse(raw)
	}

	if payload.Empty() {
		p.log.Warn("no usable sparql for question", zap.String("query", req.Query))
		return emitNoData(emit)
	}

	if err := emit(FrameExecuting); err != nil {
		return err
	}

	resp, queryText, err := p.execute(ctx, payload)
	if err != nil {
		p.log.Error("sparql execution failed", zap.Error(err))
		return emitNoData(emit)
	}

	if resp.RowCount() == 0 {
		if err := emit(FrameNoResults); err != nil {
			return err
		}
	} else if !fromCache || payload.Legacy {
		// A hit on a legacy delimited entry is re-stored in canonical
		// form now that it executed successfully.
		original := req.Query
		if cached != nil && cached.OriginalQuery != "" {
			original = cached.OriginalQuery
		}
		entry := cache.Entry{
			SPARQLQuery:   payload.CacheForm(),
			OriginalQuery: original,
		}
		if err := p.cache.Store(ctx, normalized, entry); err != nil {
			p.log.Warn("cache store failed", zap.Error(err))
		}
	}

	if err := emit(FrameProcessingResults); err != nil {
		return err
	}

	shaped := shape.Convert(resp, queryText)
	results := shaped.FormatForLLM(p.maxItems)

	upstream, err := p.model.ContextualizeAnswer(ctx, req.Query, queryText, results)
	if err != nil {
		p.log.Error("answer generation failed", zap.Error(err))
		if err := emit(ErrorFrame(fmt.Sprintf("Error generating answer: %v", err))); err != nil {
			return err
		}
		return emit(FrameDone)
	}

	mux := NewMultiplexer(p.stall, p.log)
	if err := mux.Pump(ctx, upstream, emit); err != nil {
		// Cancelled or emit failed; the terminal frame has no reader.
		return err
	}
	return emit(FrameDone)
}

// lookupPayload consults the cache, treating corrupt entries and lookup
// failures as misses. The entry is returned alongside the payload so a
// legacy hit can be re-stored with its original question intact.
func (p *Pipeline) lookupPayload(ctx context.Context, normalized string) (plan.Payload, *cache.Entry) {
	entry, err := p.cache.Lookup(ctx, normalized)
	if err != nil {
		p.log.Warn("cache lookup failed", zap.Error(err))
		return plan.Payload{}, nil
	}
	if entry == nil {
		return plan.Payload{}, nil
	}
	payload := plan.ParseCached(entry.SPARQLQuery)
	if payload.Empty() {
		p.log.Warn("discarding corrupt cache entry", zap.String("key", normalized))
		return plan.Payload{}, nil
	}
	return payload, entry
}

// execute dispatches a payload to the triplestore. Sequential plans run
// through the injection executor; the query text returned is what the
// contextualization prompt shows as the executed SPARQL.
func (p *Pipeline) execute(ctx context.Context, payload plan.Payload) (*triplestore.Response, string, error) {
	switch payload.Kind {
	case plan.KindSequential:
		exec := plan.NewExecutor(p.store, p.log)
		resp, _, err := exec.Run(ctx, payload.Steps)
		if err != nil {
			return nil, "", err
		}
		texts := make([]string, len(payload.Steps))
		for i, s := range payload.Steps {
			texts[i] = s.Query
		}
		return resp, strings.Join(texts, "\n\n"), nil
	default:
		resp, err := p.store.Execute(ctx, payload.Query)
		if err != nil {
			return nil, "", err
		}
		return resp, payload.Query, nil
	}
}

// Model returns the configured language model id.
func (p *Pipeline) Model() string {
	return p.model.Model()
}

// Popular proxies the cache popularity report.
func (p *Pipeline) Popular(ctx context.Context, limit int) ([]cache.PopularQuery, error) {
	return p.cache.Popular(ctx, limit)
}

// CacheStats proxies the cache occupancy report.
func (p *Pipeline) CacheStats(ctx context.Context) (cache.Stats, error) {
	return p.cache.CollectStats(ctx)
}

// Health reports per-dependency component status.
func (p *Pipeline) Health(ctx context.Context) map[string]string {
	status := make(map[string]string, 3)

	if err := p.store.TestConnection(ctx); err != nil {
		status["triplestore"] = "unhealthy: " + err.Error()
	} else {
		status["triplestore"] = "healthy"
	}

	if p.model.HealthCheck(ctx) {
		status["llm"] = "healthy"
	} else {
		status["llm"] = "unhealthy"
	}

	if err := p.cache.HealthCheck(ctx); err != nil {
		status["cache"] = "unhealthy: " + err.Error()
	} else {
		status["cache"] = "healthy"
	}

	return status
}

// RawQuery executes caller-provided SPARQL directly, bypassing the
// language model.
func (p *Pipeline) RawQuery(ctx context.Context, query string) (*triplestore.Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	return p.store.Execute(ctx, query)
}

func emitNoData(emit func(string) error) error {
	if err := emit(FrameNoData); err != nil {
		return err
	}
	return emit(FrameDone)
}
