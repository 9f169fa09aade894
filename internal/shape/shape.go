// Package shape converts triplestore responses into the compact textual
// form fed to the language model during contextualization. It knows one
// blockchain-specific trick: variables that carry ADA amounts (stored as
// lovelace in the graph) are annotated with their ADA equivalent.
package shape

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"cap/internal/triplestore"
)

// ADACurrencyURI marks queries whose values are denominated in lovelace.
const ADACurrencyURI = "http://www.mobr.ai/ontologies/cardano#cnt/ada"

// LovelacePerADA is the lovelace-to-ADA conversion factor.
const LovelacePerADA = 1_000_000

// DefaultMaxItems caps how many rows are rendered for the model.
const DefaultMaxItems = 10000

// Result type tags.
const (
	TypeBoolean  = "boolean"
	TypeEmpty    = "empty"
	TypeSingle   = "single"
	TypeMultiple = "multiple"
)

// Field is one column of a shaped row, already rendered for display.
// Fields keep the projection order of the response head.
type Field struct {
	Name    string
	Display string
}

// Record is one shaped result row.
type Record []Field

// Shaped is the normalized key/value form of a triplestore response.
type Shaped struct {
	ResultType string
	Boolean    bool
	Count      int
	Records    []Record
}

// Convert shapes a response. The originating SPARQL text is used to
// detect which variables hold ADA amounts.
func Convert(resp *triplestore.Response, sparqlQuery string) Shaped {
	if resp == nil {
		return Shaped{ResultType: TypeEmpty}
	}
	if resp.Boolean != nil {
		return Shaped{ResultType: TypeBoolean, Boolean: *resp.Boolean, Count: 1}
	}
	if resp.Results == nil || len(resp.Results.Bindings) == 0 {
		return Shaped{ResultType: TypeEmpty}
	}

	adaVars := detectADAVariables(sparqlQuery)
	cols := resp.Columns()

	records := make([]Record, 0, len(resp.Results.Bindings))
	for _, row := range resp.Results.Bindings {
		rec := make(Record, 0, len(cols))
		for _, name := range cols {
			cell, ok := row[name]
			if !ok {
				continue
			}
			rec = append(rec, Field{Name: name, Display: renderCell(name, cell, adaVars)})
		}
		records = append(records, rec)
	}

	typ := TypeMultiple
	if len(records) == 1 {
		typ = TypeSingle
	}
	return Shaped{ResultType: typ, Count: len(records), Records: records}
}

// FormatForLLM renders the shaped result as a plain text block. At most
// maxItems rows are included; truncation is annotated so the model knows
// the list is partial.
func (s Shaped) FormatForLLM(maxItems int) string {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}

	switch s.ResultType {
	case TypeBoolean:
		return fmt.Sprintf("Query Result: %t", s.Boolean)
	case TypeEmpty:
		return "No results found for this query."
	case TypeSingle:
		var lines []string
		for _, f := range s.Records[0] {
			lines = append(lines, fmt.Sprintf("  %s: %s", f.Name, f.Display))
		}
		return strings.Join(lines, "\n")
	case TypeMultiple:
		display := s.Records
		truncated := false
		if len(display) > maxItems {
			display = display[:maxItems]
			truncated = true
		}
		lines := []string{fmt.Sprintf("%d records:", s.Count)}
		for i, rec := range display {
			lines = append(lines, fmt.Sprintf("%d:", i+1))
			for _, f := range rec {
				lines = append(lines, fmt.Sprintf("  %s: %s", f.Name, f.Display))
			}
		}
		if truncated {
			lines = append(lines, fmt.Sprintf("\n... and %d more results", s.Count-maxItems))
		}
		return strings.Join(lines, "\n")
	}
	return ""
}

func renderCell(name string, cell triplestore.Cell, adaVars map[string]struct{}) string {
	switch cell.Type {
	case triplestore.CellURI:
		return fmt.Sprintf("<%s>", cell.Value)
	case triplestore.CellBlank:
		return "_:" + cell.Value
	}

	if _, ok := adaVars[name]; ok {
		if formatted, ok := formatLovelace(cell.Value); ok {
			return formatted
		}
	}

	if cell.Datatype != "" {
		dt := strings.ToLower(cell.Datatype)
		if strings.Contains(dt, "boolean") {
			v := strings.ToLower(cell.Value)
			return strconv.FormatBool(v == "true" || v == "1" || v == "yes")
		}
	}

	// Large integers (amounts, counters) stay verbatim strings; parsing
	// them into machine numbers risks precision loss.
	return cell.Value
}

// adaValuePropertyRe matches the ontology properties that carry lovelace
// amounts, capturing the bound variable.
var adaValuePropertyRe = regexp.MustCompile(`(?:hasTokenStateValue|hasTotalSupply|hasMaxSupply)\s+\?(\w+)`)

// Aggregate and alias patterns used to propagate ADA-ness from a source
// variable to its derived variable.
var (
	aggregateRe = regexp.MustCompile(`(?i)(?:SUM|AVG|MIN|MAX|COUNT)\s*\(\s*(?:xsd:\w+\s*\(\s*)?\?(\w+)\s*\)?\s*\)\s+AS\s+\?(\w+)`)
	aliasRe     = regexp.MustCompile(`(?i)\(\s*\?(\w+)\s+AS\s+\?(\w+)\s*\)`)
)

// detectADAVariables returns the variables of a query that represent ADA
// amounts: base variables bound near the ADA currency URI through the
// value-carrying properties, propagated through aggregations and aliases
// until a fixed point.
func detectADAVariables(sparqlQuery string) map[string]struct{} {
	adaVars := make(map[string]struct{})
	if sparqlQuery == "" || !strings.Contains(sparqlQuery, ADACurrencyURI) {
		return adaVars
	}

	lines := strings.Split(sparqlQuery, "\n")
	for i, line := range lines {
		if !strings.Contains(line, ADACurrencyURI) {
			continue
		}
		lo, hi := i-3, i+4
		if lo < 0 {
			lo = 0
		}
		if hi > len(lines) {
			hi = len(lines)
		}
		context := strings.Join(lines[lo:hi], "\n")
		for _, m := range adaValuePropertyRe.FindAllStringSubmatch(context, -1) {
			adaVars[m[1]] = struct{}{}
		}
	}

	// Propagate through multi-level aggregations, bounded to avoid
	// pathological inputs.
	for iter := 0; iter < 10; iter++ {
		before := len(adaVars)
		for _, m := range aggregateRe.FindAllStringSubmatch(sparqlQuery, -1) {
			if _, ok := adaVars[m[1]]; ok {
				adaVars[m[2]] = struct{}{}
			}
		}
		for _, m := range aliasRe.FindAllStringSubmatch(sparqlQuery, -1) {
			if _, ok := adaVars[m[1]]; ok {
				adaVars[m[2]] = struct{}{}
			}
		}
		if len(adaVars) == before {
			break
		}
	}
	return adaVars
}

// formatLovelace renders a lovelace amount with its ADA equivalent,
// adding a billions/millions approximation for large amounts. Amounts
// are handled as big integers; lovelace supply figures overflow int64's
// comfort zone in aggregate queries.
func formatLovelace(raw string) (string, bool) {
	intPart := raw
	if idx := strings.IndexByte(intPart, '.'); idx >= 0 {
		intPart = intPart[:idx]
	}
	lovelace, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return "", false
	}

	ada := new(big.Int).Quo(lovelace, big.NewInt(LovelacePerADA))
	adaStr := ada.String()

	var approx string
	billion := big.NewInt(1_000_000_000)
	million := big.NewInt(1_000_000)
	switch {
	case ada.CmpAbs(billion) >= 0:
		f, _ := new(big.Float).Quo(new(big.Float).SetInt(ada), new(big.Float).SetInt(billion)).Float64()
		approx = fmt.Sprintf("%.2f billions ADA", f)
	case ada.CmpAbs(million) >= 0:
		f, _ := new(big.Float).Quo(new(big.Float).SetInt(ada), new(big.Float).SetInt(million)).Float64()
		approx = fmt.Sprintf("%.2f millions ADA", f)
	}

	if approx != "" {
		return fmt.Sprintf("%s lovelace (%s ADA or approximately %s)", intPart, adaStr, approx), true
	}
	return fmt.Sprintf("%s lovelace (%s ADA)", intPart, adaStr), true
}
