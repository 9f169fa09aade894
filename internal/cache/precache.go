package cache

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
)

// Mapping is one natural language question paired with its SPARQL.
type Mapping struct {
	Question string
	SPARQL   string
}

// PrecacheStats summarizes a precache run.
type PrecacheStats struct {
	Total   int      `json:"total_queries"`
	Cached  int      `json:"cached_successfully"`
	Failed  int      `json:"failed"`
	Skipped int      `json:"skipped_duplicates"`
	Errors  []string `json:"errors,omitempty"`
}

// PrecacheFile loads question-to-SPARQL mappings from a file and seeds
// the cache with them. Existing entries are left untouched.
//
// File format, one pair per block:
//
//	MESSAGE user <natural language question>
//	MESSAGE assistant <sparql query, optionally wrapped in """>
func (s *Store) PrecacheFile(ctx context.Context, path string) (PrecacheStats, error) {
	var stats PrecacheStats

	f, err := os.Open(path)
	if err != nil {
		return stats, fmt.Errorf("open precache file: %w", err)
	}
	defer f.Close()

	mappings, err := ParseMappings(f)
	if err != nil {
		return stats, fmt.Errorf("parse precache file: %w", err)
	}
	stats.Total = len(mappings)
	s.log.Info("parsed precache mappings", zap.String("path", path), zap.Int("count", len(mappings)))

	for _, m := range mappings {
		normalized := Normalize(m.Question)

		exists, err := s.Exists(ctx, normalized)
		if err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, fmt.Sprintf("%q: %v", m.Question, err))
			continue
		}
		if exists {
			stats.Skipped++
			continue
		}

		entry := Entry{
			SPARQLQuery:   m.SPARQL,
			Precached:     true,
			OriginalQuery: m.Question,
		}
		if err := s.Store(ctx, normalized, entry); err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, fmt.Sprintf("%q: %v", m.Question, err))
			continue
		}
		stats.Cached++
	}

	s.log.Info("precache completed",
		zap.Int("cached", stats.Cached),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

// ParseMappings reads MESSAGE user / MESSAGE assistant blocks into
// question-SPARQL pairs. Triple-quote delimiters around the SPARQL body
// are stripped; blank lines are ignored.
func ParseMappings(r io.Reader) ([]Mapping, error) {
	var (
		mappings    []Mapping
		question    string
		sparqlLines []string
		inSPARQL    bool
	)

	flush := func() {
		if question == "" || len(sparqlLines) == 0 {
			return
		}
		sparql := strings.TrimSpace(strings.Join(sparqlLines, "\n"))
		sparql = strings.TrimPrefix(sparql, `"""`)
		sparql = strings.TrimSuffix(sparql, `"""`)
		sparql = strings.TrimSpace(sparql)
		if sparql != "" {
			mappings = append(mappings, Mapping{Question: question, SPARQL: sparql})
		}
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "MESSAGE user"):
			flush()
			question = strings.TrimSpace(strings.TrimPrefix(line, "MESSAGE user"))
			sparqlLines = nil
			inSPARQL = false
		case strings.HasPrefix(line, "MESSAGE assistant"):
			inSPARQL = true
			rest := strings.TrimSpace(strings.TrimPrefix(line, "MESSAGE assistant"))
			if rest != "" && rest != `"""` {
				sparqlLines = append(sparqlLines, rest)
			}
		case inSPARQL:
			if line == `"""` {
				continue
			}
			sparqlLines = append(sparqlLines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()

	return mappings, nil
}
