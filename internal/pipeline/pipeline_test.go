package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"cap/internal/cache"
	"cap/internal/llm"
	"cap/internal/triplestore"
)

type fakeStore struct {
	responses map[string]*triplestore.Response
	fallback  *triplestore.Response
	err       error
	queries   []string
}

func (f *fakeStore) Execute(ctx context.Context, query string) (*triplestore.Response, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.responses[query]; ok {
		return r, nil
	}
	return f.fallback, nil
}

func (f *fakeStore) TestConnection(ctx context.Context) error { return nil }

type fakeModel struct {
	generated   string
	generateErr error
	answer      []string
	answerErr   error
	prompts     []string
}

func (f *fakeModel) GenerateComplete(ctx context.Context, prompt, systemPrompt string, temperature float64) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.generated, f.generateErr
}

func (f *fakeModel) ContextualizeAnswer(ctx context.Context, userQuery, sparqlQuery, sparqlResults string) (<-chan llm.Chunk, error) {
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	ch := make(chan llm.Chunk, len(f.answer))
	for _, t := range f.answer {
		ch <- llm.Chunk{Text: t}
	}
	close(ch)
	return ch, nil
}

func (f *fakeModel) NLToSPARQLPrompt() string             { return "system" }
func (f *fakeModel) Model() string                        { return "test-model" }
func (f *fakeModel) HealthCheck(ctx context.Context) bool { return true }

type fakeCache struct {
	entries map[string]*cache.Entry
	stored  map[string]cache.Entry
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries: make(map[string]*cache.Entry),
		stored:  make(map[string]cache.Entry),
	}
}

func (f *fakeCache) Lookup(ctx context.Context, normalized string) (*cache.Entry, error) {
	return f.entries[normalized], nil
}

func (f *fakeCache) Store(ctx context.Context, normalized string, entry cache.Entry) error {
	f.stored[normalized] = entry
	return nil
}

func (f *fakeCache) Popular(ctx context.Context, limit int) ([]cache.PopularQuery, error) {
	return nil, nil
}

func (f *fakeCache) CollectStats(ctx context.Context) (cache.Stats, error) {
	return cache.Stats{}, nil
}

func (f *fakeCache) HealthCheck(ctx context.Context) error { return nil }

func oneRow(vars []string, row map[string]triplestore.Cell) *triplestore.Response {
	return &triplestore.Response{
		Head:    triplestore.Head{Vars: vars},
		Results: &triplestore.Tabular{Bindings: []map[string]triplestore.Cell{row}},
	}
}

func runStream(t *testing.T, p *Pipeline, req Request) []string {
	t.Helper()
	var frames []string
	err := p.Stream(context.Background(), req, func(f string) error {
		frames = append(frames, f)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	return frames
}

func TestStreamGeneratesAndCaches(t *testing.T) {
	store := &fakeStore{fallback: oneRow([]string{"n"},
		map[string]triplestore.Cell{"n": {Type: triplestore.CellLiteral, Value: "42"}})}
	model := &fakeModel{
		generated: "SELECT (COUNT(?b) AS ?n) WHERE { ?b a blockchain:Block }",
		answer:    []string{"There are 42 blocks."},
	}
	c := newFakeCache()
	p := New(store, model, c, nil)

	frames := runStream(t, p, Request{Query: "How many blocks?"})

	want := []string{
		FrameProcessing,
		FrameGenerating,
		FrameExecuting,
		FrameProcessingResults,
		"There are 42 blocks.\n",
		FrameDone,
	}
	if len(frames) != len(want) {
		t.Fatalf("frames = %q", frames)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("frames[%d] = %q, want %q", i, frames[i], want[i])
		}
	}

	entry, ok := c.stored["how many blocks?"]
	if !ok {
		t.Fatal("successful query was not cached")
	}
	if entry.SPARQLQuery != model.generated {
		t.Errorf("cached sparql = %q", entry.SPARQLQuery)
	}
	if entry.OriginalQuery != "How many blocks?" {
		t.Errorf("cached original = %q", entry.OriginalQuery)
	}
}

func TestStreamCacheHitSkipsGeneration(t *testing.T) {
	store := &fakeStore{fallback: oneRow([]string{"n"},
		map[string]triplestore.Cell{"n": {Type: triplestore.CellLiteral, Value: "7"}})}
	model := &fakeModel{answer: []string{"Seven."}}
	c := newFakeCache()
	c.entries["how many pools?"] = &cache.Entry{
		SPARQLQuery:   "SELECT (COUNT(?p) AS ?n) WHERE { ?p a cardano:StakePool }",
		OriginalQuery: "How many pools?",
	}
	p := New(store, model, c, nil)

	frames := runStream(t, p, Request{Query: "How many pools?"})

	for _, f := range frames {
		if f == FrameGenerating {
			t.Error("cache hit must not emit the generating frame")
		}
	}
	if len(model.prompts) != 0 {
		t.Errorf("model was invoked %d times on a cache hit", len(model.prompts))
	}
	if len(c.stored) != 0 {
		t.Errorf("cache hit must not rewrite the entry: %v", c.stored)
	}
}

func TestStreamNoUsableSPARQL(t *testing.T) {
	store := &fakeStore{}
	model := &fakeModel{generated: "I cannot help with that."}
	p := New(store, model, newFakeCache(), nil)

	frames := runStream(t, p, Request{Query: "What is love?"})

	want := []string{FrameProcessing, FrameGenerating, FrameNoData, FrameDone}
	if len(frames) != len(want) {
		t.Fatalf("frames = %q", frames)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("frames[%d] = %q, want %q", i, frames[i], want[i])
		}
	}
	if len(store.queries) != 0 {
		t.Errorf("nothing should execute without sparql: %v", store.queries)
	}
}

func TestStreamExecutionFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("endpoint down")}
	model := &fakeModel{generated: "SELECT ?s WHERE { ?s ?p ?o }"}
	c := newFakeCache()
	p := New(store, model, c, nil)

	frames := runStream(t, p, Request{Query: "How many blocks?"})

	last := frames[len(frames)-1]
	if last != FrameDone {
		t.Errorf("last frame = %q, want done", last)
	}
	if frames[len(frames)-2] != FrameNoData {
		t.Errorf("frame before done = %q, want no-data", frames[len(frames)-2])
	}
	if len(c.stored) != 0 {
		t.Errorf("failed query must not be cached: %v", c.stored)
	}
}

func TestStreamEmptyResultsSkipCacheWrite(t *testing.T) {
	store := &fakeStore{fallback: &triplestore.Response{
		Head:    triplestore.Head{Vars: []string{"s"}},
		Results: &triplestore.Tabular{},
	}}
	model := &fakeModel{
		generated: "SELECT ?s WHERE { ?s ?p ?o }",
		answer:    []string{"I found nothing."},
	}
	c := newFakeCache()
	p := New(store, model, c, nil)

	frames := runStream(t, p, Request{Query: "Anything?"})

	found := false
	for _, f := range frames {
		if f == FrameNoResults {
			found = true
		}
	}
	if !found {
		t.Errorf("missing no-results frame: %q", frames)
	}
	if len(c.stored) != 0 {
		t.Errorf("empty result must not be cached: %v", c.stored)
	}
}

func TestStreamLegacyCacheEntryRewrittenCanonical(t *testing.T) {
	store := &fakeStore{fallback: oneRow([]string{"n"},
		map[string]triplestore.Cell{"n": {Type: triplestore.CellLiteral, Value: "3"}})}
	model := &fakeModel{answer: []string{"Three."}}
	c := newFakeCache()
	c.entries["q"] = &cache.Entry{
		SPARQLQuery:   "---query 1 count---\nSELECT (COUNT(?b) AS ?n) WHERE { ?b a blockchain:Block }",
		OriginalQuery: "Q?",
	}
	p := New(store, model, c, nil)

	runStream(t, p, Request{Query: "q"})

	// Legacy entries execute as plans; the executed query carries no
	// separator text.
	if len(store.queries) != 1 || strings.Contains(store.queries[0], "---") {
		t.Errorf("executed queries = %v", store.queries)
	}

	// The successful execution re-stores the entry canonically.
	entry, ok := c.stored["q"]
	if !ok {
		t.Fatal("legacy entry was not re-stored after execution")
	}
	if !strings.HasPrefix(entry.SPARQLQuery, "[{") || strings.Contains(entry.SPARQLQuery, "---") {
		t.Errorf("re-stored form = %q, want JSON step list", entry.SPARQLQuery)
	}
	if entry.OriginalQuery != "Q?" {
		t.Errorf("re-stored original = %q, want the entry's own question kept", entry.OriginalQuery)
	}
}

func TestStreamContextualizeFailure(t *testing.T) {
	store := &fakeStore{fallback: oneRow([]string{"n"},
		map[string]triplestore.Cell{"n": {Type: triplestore.CellLiteral, Value: "1"}})}
	model := &fakeModel{
		generated: "SELECT ?s WHERE { ?s ?p ?o }",
		answerErr: errors.New("model offline"),
	}
	p := New(store, model, newFakeCache(), nil)

	frames := runStream(t, p, Request{Query: "q"})

	last := frames[len(frames)-1]
	if last != FrameDone {
		t.Errorf("last frame = %q, want done", last)
	}
	prev := frames[len(frames)-2]
	if !strings.HasPrefix(prev, "Error: Error generating answer:") {
		t.Errorf("frame before done = %q", prev)
	}
}

func TestStreamKeysCacheOnEffectiveQuery(t *testing.T) {
	store := &fakeStore{fallback: oneRow([]string{"n"},
		map[string]triplestore.Cell{"n": {Type: triplestore.CellLiteral, Value: "7"}})}
	model := &fakeModel{
		generated: "SELECT (COUNT(?b) AS ?n) WHERE { ?b a blockchain:Block }",
		answer:    []string{"Seven."},
	}
	c := newFakeCache()
	p := New(store, model, c, nil)

	runStream(t, p, Request{Query: "How many blocks?", Context: "Focus on epoch 500."})

	if _, ok := c.stored["focus on epoch 500.\n\nhow many blocks?"]; !ok {
		t.Errorf("stored keys = %v, want key derived from context and query", keysOf(c.stored))
	}
	if entry := c.stored["focus on epoch 500.\n\nhow many blocks?"]; entry.OriginalQuery != "How many blocks?" {
		t.Errorf("cached original = %q", entry.OriginalQuery)
	}
}

func keysOf(m map[string]cache.Entry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestRequestValidate(t *testing.T) {
	if err := (Request{Query: "ok"}).Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}
	if err := (Request{Query: "   "}).Validate(); err == nil {
		t.Error("blank query accepted")
	}
	if err := (Request{Query: strings.Repeat("x", MaxQueryLength+1)}).Validate(); err == nil {
		t.Error("oversized query accepted")
	}
	// The limit counts characters, not bytes.
	if err := (Request{Query: strings.Repeat("é", MaxQueryLength)}).Validate(); err != nil {
		t.Errorf("multi-byte query within the limit rejected: %v", err)
	}
	if err := (Request{Query: strings.Repeat("é", MaxQueryLength+1)}).Validate(); err == nil {
		t.Error("oversized multi-byte query accepted")
	}
}

func TestRequestEffective(t *testing.T) {
	r := Request{Query: "How many blocks?", Context: "Focus on epoch 500."}
	if got := r.Effective(); got != "Focus on epoch 500.\n\nHow many blocks?" {
		t.Errorf("Effective = %q", got)
	}
	if got := (Request{Query: "q"}).Effective(); got != "q" {
		t.Errorf("Effective without context = %q", got)
	}
}
