// Package triplestore talks to a Virtuoso SPARQL endpoint over HTTP and
// decodes SPARQL 1.1 JSON results into tagged cells.
package triplestore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultPrefixes is prepended to graph CRUD statements. Query-side
// prefixes are expected to come from the language model itself.
const DefaultPrefixes = `PREFIX cardano: <http://www.mobr.ai/ontologies/cardano#>
PREFIX rdf: <http://www.w3.org/1999/02/22-rdf-syntax-ns#>
PREFIX rdfs: <http://www.w3.org/2000/01/rdf-schema#>
PREFIX xsd: <http://www.w3.org/2001/XMLSchema#>
PREFIX owl: <http://www.w3.org/2002/07/owl#>
PREFIX blockchain: <http://www.mobr.ai/ontologies/blockchain#>
`

const (
	crudMaxRetries = 3
	crudRetryDelay = 500 * time.Millisecond
)

// Config holds the Virtuoso connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Endpoint string // SPARQL endpoint path, e.g. "/sparql"
	Timeout  time.Duration
}

// BaseURL returns the server root.
func (c Config) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.Host, c.Port)
}

// SPARQLEndpoint returns the full query endpoint URL.
func (c Config) SPARQLEndpoint() string {
	return c.BaseURL() + c.Endpoint
}

// CRUDEndpoint returns the SPARQL Graph CRUD endpoint URL.
func (c Config) CRUDEndpoint() string {
	return c.BaseURL() + "/sparql-graph-crud"
}

// Client executes SPARQL queries and graph operations against Virtuoso.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

// NewClient creates a Virtuoso client. The logger may be nil.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "/sparql"
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

// Execute runs a SPARQL query and decodes the JSON results.
func (c *Client) Execute(ctx context.Context, query string) (*Response, error) {
	endpoint := fmt.Sprintf("%s?%s", c.cfg.SPARQLEndpoint(), url.Values{"query": {query}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create query request: %w", err)
	}
	req.Header.Set("Accept", "application/sparql-results+json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Error("SPARQL query failed", zap.Error(err), zap.String("query", truncate(query, 200)))
		return nil, fmt.Errorf("sparql query failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Error("SPARQL query returned error status",
			zap.Int("status", resp.StatusCode),
			zap.String("query", truncate(query, 200)))
		return nil, fmt.Errorf("sparql query returned status %d: %s", resp.StatusCode, string(body))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode sparql results: %w", err)
	}
	return &out, nil
}

// CheckGraphExists reports whether the named graph holds any triples.
func (c *Client) CheckGraphExists(ctx context.Context, graphURI string) (bool, error) {
	query := fmt.Sprintf("ASK WHERE { GRAPH <%s> { ?s ?p ?o } }", graphURI)
	resp, err := c.Execute(ctx, query)
	if err != nil {
		c.log.Warn("graph existence check failed, assuming missing",
			zap.String("graph", graphURI), zap.Error(err))
		return false, err
	}
	return resp.Boolean != nil && *resp.Boolean, nil
}

// CreateGraph uploads Turtle data as a new named graph. Creation is a
// no-op when the graph already exists. Transient server errors are
// retried with linear backoff.
func (c *Client) CreateGraph(ctx context.Context, graphURI, turtleData string, additionalPrefixes map[string]string) error {
	exists, err := c.CheckGraphExists(ctx, graphURI)
	if err == nil && exists {
		c.log.Warn("graph already exists, skipping creation", zap.String("graph", graphURI))
		return nil
	}

	content := buildTurtlePrefixes(additionalPrefixes) + turtleData
	endpoint := fmt.Sprintf("%s?%s", c.cfg.CRUDEndpoint(), url.Values{"graph-uri": {graphURI}}.Encode())

	var lastErr error
	for attempt := 0; attempt < crudMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(crudRetryDelay * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(content))
		if err != nil {
			return fmt.Errorf("failed to create graph request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-turtle")
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusNoContent:
			c.log.Debug("graph created", zap.String("graph", graphURI))
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("graph create returned status %d", resp.StatusCode)
			continue
		default:
			return fmt.Errorf("graph create failed with status %d", resp.StatusCode)
		}
	}
	return fmt.Errorf("graph create failed after %d attempts: %w", crudMaxRetries, lastErr)
}

// GraphCount returns the number of triples in a graph, or 0 on failure.
func (c *Client) GraphCount(ctx context.Context, graphURI string) int {
	query := fmt.Sprintf("SELECT (COUNT(*) AS ?count) WHERE { GRAPH <%s> { ?s ?p ?o } }", graphURI)
	resp, err := c.Execute(ctx, query)
	if err != nil {
		c.log.Error("graph count failed", zap.String("graph", graphURI), zap.Error(err))
		return 0
	}
	row := resp.FirstRow()
	if row == nil {
		return 0
	}
	var n int
	fmt.Sscanf(row["count"].Value, "%d", &n)
	return n
}

// TestConnection runs a trivial query to verify the endpoint is reachable.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.Execute(ctx, "SELECT ?g WHERE { GRAPH ?g { ?s ?p ?o } } LIMIT 1")
	if err != nil {
		c.log.Error("virtuoso connection test failed", zap.Error(err))
		return fmt.Errorf("virtuoso connection test: %w", err)
	}
	return nil
}

func buildTurtlePrefixes(additional map[string]string) string {
	if len(additional) == 0 {
		return ""
	}
	var sb strings.Builder
	for prefix, uri := range additional {
		fmt.Fprintf(&sb, "@prefix %s: <%s> .\n", prefix, uri)
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
