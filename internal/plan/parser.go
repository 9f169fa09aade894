package plan

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fenceOpenRe  = regexp.MustCompile("(?i)```(?:sparql|json)?\\s*")
	// Keywords are matched case-sensitively and on word boundaries so
	// prose like "I selected nothing" is not mistaken for a query.
	sparqlFormRe = regexp.MustCompile(`(?s)((?:PREFIX[^\n]+\n)*\s*(?:SELECT|ASK|CONSTRUCT|DESCRIBE)\b.*)`)

	explainPrefixRe = regexp.MustCompile(`(?i)here is the sparql query:?\s*`)
	explainQueryRe  = regexp.MustCompile(`(?i)the query is:?\s*`)
	explainTailRe   = regexp.MustCompile(`(?im)this query will:?\s*.*$`)
)

// sparqlKeywords marks lines that belong to the query body when
// filtering explanatory prose out of a model response.
var sparqlKeywords = []string{
	"PREFIX", "SELECT", "ASK", "CONSTRUCT", "DESCRIBE",
	"WHERE", "FROM", "ORDER", "LIMIT", "OFFSET", "GROUP", "HAVING", "FILTER",
}

// ParseResponse classifies a raw language-model response as a sequential
// plan, a single query, or nothing usable. Code fences are stripped
// first; a JSON array of steps wins over a bare query.
func ParseResponse(raw string) Payload {
	stripped := strings.TrimSpace(fenceOpenRe.ReplaceAllString(raw, ""))
	if stripped == "" {
		return Payload{}
	}

	if steps := tryParseStepList(stripped); len(steps) > 0 {
		return Sequential(steps)
	}

	if query := CleanSPARQL(stripped); query != "" {
		return Single(query)
	}
	return Payload{}
}

// tryParseStepList attempts to read the response as a JSON array of
// plan steps. The array may be embedded in surrounding prose.
func tryParseStepList(text string) []Step {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil
	}

	var steps []Step
	if err := json.Unmarshal([]byte(text[start:end+1]), &steps); err != nil {
		return nil
	}
	// Reject arrays that decoded but carry no query bodies (e.g. a JSON
	// array of strings inside prose).
	for _, s := range steps {
		if strings.TrimSpace(s.Query) == "" {
			return nil
		}
	}
	return steps
}

// CleanSPARQL extracts the SPARQL query from a model response, dropping
// code fences, explanatory text, and anything outside the query body.
// Returns "" when no top-level SPARQL form is present.
func CleanSPARQL(text string) string {
	text = fenceOpenRe.ReplaceAllString(text, "")

	m := sparqlFormRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	text = m[1]

	text = explainPrefixRe.ReplaceAllString(text, "")
	text = explainQueryRe.ReplaceAllString(text, "")
	text = explainTailRe.ReplaceAllString(text, "")

	var out []string
	inQuery := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		upper := strings.ToUpper(line)
		for _, kw := range sparqlKeywords {
			if strings.Contains(upper, kw) {
				inQuery = true
				break
			}
		}
		if inQuery {
			out = append(out, line)
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
