// Package llm provides the Ollama client used for NL-to-SPARQL generation
// and for streaming contextualized answers.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Chunk is one fragment of a streamed model response. Err is set on the
// terminal chunk when the stream failed; the channel is closed after it.
type Chunk struct {
	Text string
	Err  error
}

// Config holds the Ollama connection settings.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration

	// NLToSPARQLPrompt is the system prompt for the NL-to-SPARQL model.
	NLToSPARQLPrompt string
}

// Client talks to an Ollama server.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

// NewClient creates an Ollama client. The logger may be nil.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "cap-nl-sparql"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// Model returns the configured model id.
func (c *Client) Model() string { return c.cfg.Model }

// NLToSPARQLPrompt returns the system prompt used for SPARQL generation.
func (c *Client) NLToSPARQLPrompt() string { return c.cfg.NLToSPARQLPrompt }

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	System  string          `json:"system,omitempty"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// GenerateComplete returns the full (non-streamed) completion.
func (c *Client) GenerateComplete(ctx context.Context, prompt, systemPrompt string, temperature float64) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   c.cfg.Model,
		Prompt:  prompt,
		Stream:  false,
		System:  systemPrompt,
		Options: generateOptions{Temperature: temperature},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama generate failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama generate returned status %d: %s", resp.StatusCode, string(msg))
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode generate response: %w", err)
	}
	return out.Response, nil
}

// GenerateStream starts a streamed completion. The returned channel is
// closed when the stream ends; a failed stream delivers a final Chunk
// with Err set. Chunks stop promptly once ctx is cancelled.
func (c *Client) GenerateStream(ctx context.Context, prompt, systemPrompt string, temperature float64) (<-chan Chunk, error) {
	body, err := json.Marshal(generateRequest{
		Model:   c.cfg.Model,
		Prompt:  prompt,
		Stream:  true,
		System:  systemPrompt,
		Options: generateOptions{Temperature: temperature},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// Streaming responses must not be bounded by the client timeout, only
	// by ctx; use a transport-sharing client without a deadline.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama stream failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("ollama stream returned status %d: %s", resp.StatusCode, string(msg))
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var part generateResponse
			if err := json.Unmarshal(line, &part); err != nil {
				c.log.Warn("failed to decode stream line", zap.ByteString("line", line))
				continue
			}
			if part.Response != "" {
				select {
				case ch <- Chunk{Text: part.Response}:
				case <-ctx.Done():
					return
				}
			}
			if part.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case ch <- Chunk{Err: fmt.Errorf("ollama stream read failed: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// ContextualizeAnswer streams a natural-language answer grounded in the
// executed SPARQL query and its shaped results.
func (c *Client) ContextualizeAnswer(ctx context.Context, userQuery, sparqlQuery, sparqlResults string) (<-chan Chunk, error) {
	prompt := fmt.Sprintf(`User Question: %s

SPARQL Query Executed:
%s

Query Results:
%s

Based on the above information, provide a clear and helpful answer to the user's question.`,
		userQuery, sparqlQuery, sparqlResults)

	// Slightly higher temperature than generation for natural phrasing.
	return c.GenerateStream(ctx, prompt, "", 0.3)
}

// HealthCheck reports whether the Ollama server answers its tag listing.
func (c *Client) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("ollama health check failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}
