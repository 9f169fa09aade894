package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateComplete(t *testing.T) {
	var got generateRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "SELECT ?s WHERE { ?s ?p ?o }", Done: true})
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL, Model: "test-model"}, nil)
	out, err := c.GenerateComplete(context.Background(), "how many blocks", "system prompt", 0.0)
	if err != nil {
		t.Fatalf("GenerateComplete: %v", err)
	}
	if out != "SELECT ?s WHERE { ?s ?p ?o }" {
		t.Errorf("response = %q", out)
	}

	if got.Model != "test-model" || got.Stream {
		t.Errorf("request = %+v", got)
	}
	if got.System != "system prompt" {
		t.Errorf("system = %q", got.System)
	}
	if got.Options.Temperature != 0.0 {
		t.Errorf("temperature = %v", got.Options.Temperature)
	}
}

func TestGenerateCompleteServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL}, nil)
	_, err := c.GenerateComplete(context.Background(), "q", "", 0.0)
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Errorf("err = %v", err)
	}
}

func TestGenerateStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, part := range []string{"The ", "answer ", "is 42."} {
			fmt.Fprintf(w, `{"response":%q,"done":false}`+"\n", part)
			flusher.Flush()
		}
		fmt.Fprintln(w, `{"response":"","done":true}`)
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL}, nil)
	ch, err := c.GenerateStream(context.Background(), "q", "", 0.3)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	var parts []string
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("chunk error: %v", chunk.Err)
		}
		parts = append(parts, chunk.Text)
	}
	if got := strings.Join(parts, ""); got != "The answer is 42." {
		t.Errorf("streamed = %q", got)
	}
}

func TestGenerateStreamCancellation(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprintln(w, `{"response":"first","done":false}`)
		flusher.Flush()
		<-release
	}))
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(Config{BaseURL: ts.URL}, nil)
	ch, err := c.GenerateStream(ctx, "q", "", 0.3)
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}

	if chunk := <-ch; chunk.Text != "first" {
		t.Fatalf("chunk = %+v", chunk)
	}
	cancel()

	// The channel must close promptly once the context is cancelled.
	for range ch {
	}
}

func TestContextualizeAnswerPrompt(t *testing.T) {
	var prompt string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		json.NewDecoder(r.Body).Decode(&req)
		prompt = req.Prompt
		fmt.Fprintln(w, `{"response":"done","done":true}`)
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL}, nil)
	ch, err := c.ContextualizeAnswer(context.Background(),
		"How many blocks?", "SELECT (COUNT(?b) AS ?n) WHERE { }", "  n: 42")
	if err != nil {
		t.Fatalf("ContextualizeAnswer: %v", err)
	}
	for range ch {
	}

	for _, want := range []string{
		"User Question: How many blocks?",
		"SPARQL Query Executed:",
		"Query Results:",
		"  n: 42",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := NewClient(Config{BaseURL: ts.URL}, nil)
	if !c.HealthCheck(context.Background()) {
		t.Error("HealthCheck = false for healthy server")
	}

	ts.Close()
	if c.HealthCheck(context.Background()) {
		t.Error("HealthCheck = true for closed server")
	}
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Config{}, nil)
	if c.Model() != "cap-nl-sparql" {
		t.Errorf("default model = %q", c.Model())
	}
	if c.cfg.BaseURL != "http://localhost:11434" {
		t.Errorf("default base url = %q", c.cfg.BaseURL)
	}
}
