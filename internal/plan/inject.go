package plan

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Bindings maps variable names captured from earlier plan steps to their
// values. Values are int64, float64, string, or bool.
type Bindings map[string]any

// allowedFuncs is the closed function set permitted inside injection
// expressions. Anything else is rejected before evaluation.
var allowedFuncs = map[string]struct{}{
	"int": {}, "float": {}, "round": {}, "abs": {},
	"min": {}, "max": {}, "ceil": {}, "floor": {},
}

var (
	injectWrapRe   = regexp.MustCompile(`^INJECT(?:_FROM_PREVIOUS)?\((.+)\)$`)
	evaluateWrapRe = regexp.MustCompile(`^evaluate\((.+)\)$`)
	identifierRe   = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*\b`)
)

// EvaluateInjection resolves an INJECT(...) expression against the
// current bindings. The expression grammar is closed: literals, bound
// identifiers, the eight allowed functions, the four arithmetic
// operators, unary minus, comparisons, and parentheses. Any reference
// to an unbound identifier, any parse error, and any evaluation error
// yields the safe default 1 — a LIMIT 0 would silently drop results,
// while LIMIT 1 at worst returns a diagnostic miss.
func EvaluateInjection(marker string, bindings Bindings, log *zap.Logger) any {
	if log == nil {
		log = zap.NewNop()
	}
	expr := unwrapExpression(marker)

	if missing := missingIdentifiers(expr, bindings); len(missing) > 0 {
		log.Error("injection references unbound variables",
			zap.Strings("missing", missing),
			zap.String("expression", expr))
		return int64(1)
	}

	result, err := evalExpression(expr, bindings)
	if err != nil {
		log.Error("injection evaluation failed",
			zap.String("expression", expr), zap.Error(err))
		return int64(1)
	}

	switch v := result.(type) {
	case float64:
		n := int64(math.Round(v))
		if n < 1 {
			n = 1
		}
		return n
	case int64:
		if v < 1 {
			return int64(1)
		}
		return v
	default:
		return result
	}
}

// unwrapExpression strips the INJECT / INJECT_FROM_PREVIOUS and
// evaluate(...) wrappers. Either nesting order is accepted, each layer
// at most once.
func unwrapExpression(expr string) string {
	expr = strings.TrimSpace(expr)
	strippedInject, strippedEvaluate := false, false
	for {
		if !strippedInject {
			if m := injectWrapRe.FindStringSubmatch(expr); m != nil {
				expr = strings.TrimSpace(m[1])
				strippedInject = true
				continue
			}
		}
		if !strippedEvaluate {
			if m := evaluateWrapRe.FindStringSubmatch(expr); m != nil {
				expr = strings.TrimSpace(m[1])
				strippedEvaluate = true
				continue
			}
		}
		return expr
	}
}

// missingIdentifiers returns identifiers that are neither bound nor in
// the allowed function set.
func missingIdentifiers(expr string, bindings Bindings) []string {
	var missing []string
	for _, ident := range identifierRe.FindAllString(expr, -1) {
		if _, ok := allowedFuncs[ident]; ok {
			continue
		}
		if _, ok := bindings[ident]; ok {
			continue
		}
		missing = append(missing, ident)
	}
	return missing
}

// ---- closed-grammar expression interpreter ----
//
// expr  := cmp
// cmp   := add (("<"|">"|"<="|">="|"=="|"!=") add)?
// add   := mul (("+"|"-") mul)*
// mul   := unary (("*"|"/") unary)*
// unary := "-" unary | primary
// primary := NUMBER | 'string' | IDENT | IDENT "(" expr ("," expr)* ")" | "(" expr ")"

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokString
	tokOp
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

type exprParser struct {
	tokens   []token
	pos      int
	bindings Bindings
}

func evalExpression(expr string, bindings Bindings) (any, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &exprParser{tokens: tokens, bindings: bindings}
	v, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing token %q", p.peek().text)
	}
	return v, nil
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expr) {
		ch := expr[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch >= '0' && ch <= '9' || ch == '.':
			j := i
			for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9' || expr[j] == '.') {
				j++
			}
			n, err := strconv.ParseFloat(expr[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", expr[i:j])
			}
			tokens = append(tokens, token{kind: tokNumber, text: expr[i:j], num: n})
			i = j
		case ch == '_' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z':
			j := i
			for j < len(expr) && (expr[j] == '_' ||
				expr[j] >= 'a' && expr[j] <= 'z' ||
				expr[j] >= 'A' && expr[j] <= 'Z' ||
				expr[j] >= '0' && expr[j] <= '9') {
				j++
			}
			tokens = append(tokens, token{kind: tokIdent, text: expr[i:j]})
			i = j
		case ch == '\'':
			j := i + 1
			for j < len(expr) && expr[j] != '\'' {
				j++
			}
			if j >= len(expr) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			tokens = append(tokens, token{kind: tokString, text: expr[i+1 : j]})
			i = j + 1
		case ch == '<' || ch == '>' || ch == '=' || ch == '!':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{kind: tokOp, text: expr[i : i+2]})
				i += 2
			} else if ch == '<' || ch == '>' {
				tokens = append(tokens, token{kind: tokOp, text: string(ch)})
				i++
			} else {
				return nil, fmt.Errorf("unexpected character %q", ch)
			}
		case ch == '+' || ch == '-' || ch == '*' || ch == '/' || ch == '(' || ch == ')' || ch == ',':
			tokens = append(tokens, token{kind: tokOp, text: string(ch)})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q", ch)
		}
	}
	tokens = append(tokens, token{kind: tokEOF})
	return tokens, nil
}

func (p *exprParser) peek() token { return p.tokens[p.pos] }

func (p *exprParser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.next()
			return op, true
		}
	}
	return "", false
}

func (p *exprParser) parseComparison() (any, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("<", ">", "<=", ">=", "==", "!=")
	if !ok {
		return left, nil
	}
	right, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	return compare(op, left, right)
}

func (p *exprParser) parseAdditive() (any, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left, err = arith(op, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *exprParser) parseMultiplicative() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left, err = arith(op, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *exprParser) parseUnary() (any, error) {
	if _, ok := p.acceptOp("-"); ok {
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		n, err := asNumber(v)
		if err != nil {
			return nil, err
		}
		return -n, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (any, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return t.num, nil
	case tokString:
		return t.text, nil
	case tokIdent:
		if _, ok := p.acceptOp("("); ok {
			return p.parseCall(t.text)
		}
		v, ok := p.bindings[t.text]
		if !ok {
			return nil, fmt.Errorf("unbound identifier %q", t.text)
		}
		return normalizeBinding(v), nil
	case tokOp:
		if t.text == "(" {
			v, err := p.parseComparison()
			if err != nil {
				return nil, err
			}
			if _, ok := p.acceptOp(")"); !ok {
				return nil, fmt.Errorf("missing closing parenthesis")
			}
			return v, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}

func (p *exprParser) parseCall(name string) (any, error) {
	if _, ok := allowedFuncs[name]; !ok {
		return nil, fmt.Errorf("function %q is not allowed", name)
	}
	var args []float64
	if _, ok := p.acceptOp(")"); !ok {
		for {
			v, err := p.parseComparison()
			if err != nil {
				return nil, err
			}
			n, err := asNumber(v)
			if err != nil {
				return nil, err
			}
			args = append(args, n)
			if _, ok := p.acceptOp(","); ok {
				continue
			}
			if _, ok := p.acceptOp(")"); ok {
				break
			}
			return nil, fmt.Errorf("malformed argument list for %q", name)
		}
	}
	return applyFunc(name, args)
}

func applyFunc(name string, args []float64) (any, error) {
	unary := func() (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("%s expects one argument, got %d", name, len(args))
		}
		return args[0], nil
	}
	switch name {
	case "int":
		v, err := unary()
		return math.Trunc(v), err
	case "float":
		return unary()
	case "round":
		v, err := unary()
		return math.Round(v), err
	case "abs":
		v, err := unary()
		return math.Abs(v), err
	case "ceil":
		v, err := unary()
		return math.Ceil(v), err
	case "floor":
		v, err := unary()
		return math.Floor(v), err
	case "min", "max":
		if len(args) == 0 {
			return nil, fmt.Errorf("%s expects at least one argument", name)
		}
		out := args[0]
		for _, a := range args[1:] {
			if name == "min" && a < out || name == "max" && a > out {
				out = a
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown function %q", name)
}

func arith(op string, left, right any) (any, error) {
	l, err := asNumber(left)
	if err != nil {
		return nil, err
	}
	r, err := asNumber(right)
	if err != nil {
		return nil, err
	}
	switch op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return l / r, nil
	}
	return nil, fmt.Errorf("unknown operator %q", op)
}

func compare(op string, left, right any) (any, error) {
	if ls, lok := left.(string); lok {
		rs, rok := right.(string)
		if !rok {
			return nil, fmt.Errorf("cannot compare string with non-string")
		}
		switch op {
		case "<":
			return ls < rs, nil
		case ">":
			return ls > rs, nil
		case "<=":
			return ls <= rs, nil
		case ">=":
			return ls >= rs, nil
		case "==":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		}
	}
	l, err := asNumber(left)
	if err != nil {
		return nil, err
	}
	r, err := asNumber(right)
	if err != nil {
		return nil, err
	}
	switch op {
	case "<":
		return l < r, nil
	case ">":
		return l > r, nil
	case "<=":
		return l <= r, nil
	case ">=":
		return l >= r, nil
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	}
	return nil, fmt.Errorf("unknown comparison %q", op)
}

func asNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
}

func normalizeBinding(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64, string, bool:
		return n
	default:
		return fmt.Sprintf("%v", v)
	}
}
