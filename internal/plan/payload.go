// Package plan models SPARQL payloads produced by the language model:
// either a single query or an ordered sequence of steps linked through
// INJECT(...) markers, plus the machinery to resolve and execute them.
package plan

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Step is one query of a sequential plan. The JSON field names are the
// cache wire format and must not change.
type Step struct {
	Query        string   `json:"query"`
	InjectParams []string `json:"inject_params"`
}

// Kind classifies a payload.
type Kind int

const (
	KindEmpty Kind = iota
	KindSingle
	KindSequential
)

// Payload is the normalized form of a language-model response or cache
// entry: a single SPARQL query, a sequential plan, or nothing usable.
type Payload struct {
	Kind  Kind
	Query string // set for KindSingle
	Steps []Step // set for KindSequential

	// Legacy marks a payload read from the old delimited cache text.
	// Such entries are re-stored in canonical form after their next
	// successful execution.
	Legacy bool
}

// Empty reports whether the payload carries no executable SPARQL.
func (p Payload) Empty() bool { return p.Kind == KindEmpty }

// CacheForm returns the canonical serialization written to the cache:
// the raw query for a single payload, a JSON step list for a sequential
// one. Legacy delimited text is never produced.
func (p Payload) CacheForm() string {
	switch p.Kind {
	case KindSingle:
		return p.Query
	case KindSequential:
		data, err := json.Marshal(p.Steps)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return ""
	}
}

// Single wraps a SPARQL string as a single-query payload.
func Single(query string) Payload {
	query = strings.TrimSpace(query)
	if query == "" {
		return Payload{}
	}
	return Payload{Kind: KindSingle, Query: query}
}

// Sequential wraps a step list, scanning each step for inject markers
// when none were recorded.
func Sequential(steps []Step) Payload {
	if len(steps) == 0 {
		return Payload{}
	}
	for i := range steps {
		if steps[i].InjectParams == nil {
			steps[i].InjectParams = ScanInjectMarkers(steps[i].Query)
		}
	}
	return Payload{Kind: KindSequential, Steps: steps}
}

// markerScanRe finds flat INJECT(...) occurrences when recording a
// step's markers. Nested parentheses are handled at substitution time.
var markerScanRe = regexp.MustCompile(`INJECT\([^)]+\)`)

// ScanInjectMarkers returns every INJECT(...) occurrence in a query body.
func ScanInjectMarkers(query string) []string {
	return markerScanRe.FindAllString(query, -1)
}

var legacySeparatorRe = regexp.MustCompile(`---query \d+[^-]*---`)

// ParseCached normalizes a cache entry. Canonical entries are either a
// JSON step list or a plain SPARQL string; the two legacy delimited
// forms are accepted on read but never written back.
func ParseCached(cached string) Payload {
	cached = strings.TrimSpace(cached)
	if cached == "" {
		return Payload{}
	}

	var steps []Step
	if err := json.Unmarshal([]byte(cached), &steps); err == nil && len(steps) > 0 {
		return Sequential(steps)
	}

	if strings.Contains(cached, "---split") || strings.Contains(cached, "---query") {
		p := Sequential(parseLegacySequential(cached))
		if !p.Empty() {
			p.Legacy = true
		}
		return p
	}

	return Single(cached)
}

// parseLegacySequential splits the old "---query N ...---" separator
// format into steps, recording each step's INJECT markers.
func parseLegacySequential(text string) []Step {
	parts := legacySeparatorRe.Split(text, -1)
	var steps []Step
	for i, part := range parts {
		if i == 0 {
			// Text before the first separator is preamble, not a step.
			continue
		}
		part = strings.TrimSpace(part)
		if part == "" || strings.HasPrefix(part, "---") {
			continue
		}
		steps = append(steps, Step{
			Query:        part,
			InjectParams: ScanInjectMarkers(part),
		})
	}
	return steps
}
