package plan

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"cap/internal/triplestore"

	"go.uber.org/zap"
)

// Triplestore is the query capability the executor needs.
type Triplestore interface {
	Execute(ctx context.Context, query string) (*triplestore.Response, error)
}

// markerSubstRe matches an INJECT/INJECT_FROM_PREVIOUS marker with a
// balanced parenthesized expression of nesting depth at most one, for
// replacement in the query body.
var markerSubstRe = regexp.MustCompile(`INJECT(?:_FROM_PREVIOUS)?\((?:[^()]+|\([^()]*\))+\)`)

// Executor runs a sequential plan, threading bindings from each step's
// first result row into the injection expressions of later steps.
type Executor struct {
	store Triplestore
	log   *zap.Logger
}

// NewExecutor creates a sequential plan executor. The logger may be nil.
func NewExecutor(store Triplestore, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{store: store, log: log}
}

// Run executes the steps strictly in order. Step i+1 is dispatched only
// after step i's response has been merged into the bindings. The last
// executed step's response is returned together with the final bindings.
// A transport or protocol failure aborts the plan.
func (e *Executor) Run(ctx context.Context, steps []Step) (*triplestore.Response, Bindings, error) {
	bindings := make(Bindings)
	var final *triplestore.Response

	for i, step := range steps {
		query := step.Query
		e.log.Info("executing plan step",
			zap.Int("step", i+1), zap.Int("total", len(steps)))

		for _, marker := range step.InjectParams {
			value := EvaluateInjection(marker, bindings, e.log)
			replacement := formatInjected(value, e.log)

			loc := markerSubstRe.FindStringIndex(query)
			if loc == nil {
				e.log.Warn("no INJECT pattern found for marker",
					zap.Int("step", i+1), zap.String("marker", marker))
				continue
			}
			e.log.Info("substituting injection marker",
				zap.String("marker", query[loc[0]:loc[1]]),
				zap.String("replacement", replacement))
			query = query[:loc[0]] + replacement + query[loc[1]:]
		}

		resp, err := e.store.Execute(ctx, query)
		if err != nil {
			return nil, bindings, fmt.Errorf("plan step %d failed: %w", i+1, err)
		}

		switch {
		case resp.FirstRow() != nil:
			mergeFirstRow(bindings, resp, e.log)
			e.log.Info("plan step returned rows",
				zap.Int("step", i+1), zap.Int("rows", resp.RowCount()))
		case resp.IsBoolean():
			bindings["boolean"] = *resp.Boolean
			e.log.Info("plan step returned boolean",
				zap.Int("step", i+1), zap.Bool("value", *resp.Boolean))
		default:
			e.log.Warn("plan step returned no results", zap.Int("step", i+1))
		}

		final = resp
	}

	return final, bindings, nil
}

// mergeFirstRow copies every column of the first result row into the
// bindings, overwriting on name collision. Numeric literals are stored
// as int64 when whole, float64 otherwise, everything else as text.
func mergeFirstRow(bindings Bindings, resp *triplestore.Response, log *zap.Logger) {
	row := resp.FirstRow()
	for _, name := range resp.Columns() {
		cell, ok := row[name]
		if !ok {
			continue
		}
		if n, err := strconv.ParseFloat(cell.Value, 64); err == nil {
			if n == math.Trunc(n) && !math.IsInf(n, 0) {
				bindings[name] = int64(n)
			} else {
				bindings[name] = n
			}
			log.Debug("stored numeric binding", zap.String("var", name), zap.String("value", cell.Value))
		} else {
			bindings[name] = cell.Value
			log.Debug("stored text binding", zap.String("var", name), zap.String("value", cell.Value))
		}
	}
}

// formatInjected renders an evaluated injection value as SPARQL text.
// Numeric values become integers clamped to at least 1, so a computed
// LIMIT or OFFSET can never underflow into a malformed or silently
// empty clause.
func formatInjected(value any, log *zap.Logger) string {
	switch v := value.(type) {
	case int64:
		if v < 1 {
			log.Warn("clamping injected value to 1", zap.Int64("value", v))
			v = 1
		}
		return strconv.FormatInt(v, 10)
	case float64:
		n := int64(math.Round(v))
		if n < 1 {
			log.Warn("clamping injected value to 1", zap.Float64("value", v))
			n = 1
		}
		return strconv.FormatInt(n, 10)
	case bool:
		// Booleans coerce numerically so a LIMIT or OFFSET clause stays
		// well formed; false clamps up like any other sub-1 value.
		if !v {
			log.Warn("clamping injected value to 1", zap.Bool("value", v))
		}
		return "1"
	case string:
		return v
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}
