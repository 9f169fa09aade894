package triplestore

import "sort"

// Cell type tags, following the SPARQL 1.1 Query Results JSON "type" field.
const (
	CellURI          = "uri"
	CellLiteral      = "literal"
	CellTypedLiteral = "typed-literal" // Virtuoso emits this for datatyped literals
	CellBlank        = "bnode"
)

// Cell is a single bound value inside a result row.
type Cell struct {
	Type     string `json:"type"`
	Value    string `json:"value"`
	Datatype string `json:"datatype,omitempty"`
	Lang     string `json:"xml:lang,omitempty"`
}

// IsURI reports whether the cell holds a resource reference.
func (c Cell) IsURI() bool { return c.Type == CellURI }

// Head carries the projected variable names in SELECT order.
type Head struct {
	Vars []string `json:"vars"`
}

// Tabular holds the rows of a SELECT/CONSTRUCT response.
type Tabular struct {
	Bindings []map[string]Cell `json:"bindings"`
}

// Response is the decoded result of a SPARQL query. Exactly one of
// Results (tabular) or Boolean (ASK) is set; an empty SELECT still has
// a non-nil Results with zero bindings.
type Response struct {
	Head    Head     `json:"head"`
	Results *Tabular `json:"results,omitempty"`
	Boolean *bool    `json:"boolean,omitempty"`
}

// IsBoolean reports whether the response came from an ASK query.
func (r *Response) IsBoolean() bool { return r != nil && r.Boolean != nil }

// RowCount returns the number of result rows. A boolean response counts
// as a single result.
func (r *Response) RowCount() int {
	if r == nil {
		return 0
	}
	if r.Boolean != nil {
		return 1
	}
	if r.Results == nil {
		return 0
	}
	return len(r.Results.Bindings)
}

// FirstRow returns the first binding row, or nil when the response is
// boolean or empty.
func (r *Response) FirstRow() map[string]Cell {
	if r == nil || r.Results == nil || len(r.Results.Bindings) == 0 {
		return nil
	}
	return r.Results.Bindings[0]
}

// Columns returns the variable names in projection order. When the head
// is missing (some endpoints omit it for CONSTRUCT) the first row's keys
// are used, sorted for determinism.
func (r *Response) Columns() []string {
	if r == nil {
		return nil
	}
	if len(r.Head.Vars) > 0 {
		return r.Head.Vars
	}
	row := r.FirstRow()
	if row == nil {
		return nil
	}
	cols := make([]string, 0, len(row))
	for name := range row {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}
