package plan

import (
	"strings"
	"testing"
)

func TestParseResponseSingleQuery(t *testing.T) {
	raw := "```sparql\nPREFIX blockchain: <http://www.mobr.ai/ontologies/blockchain#>\nSELECT ?block WHERE { ?block a blockchain:Block } LIMIT 10\n```"

	p := ParseResponse(raw)
	if p.Kind != KindSingle {
		t.Fatalf("Kind = %v, want KindSingle", p.Kind)
	}
	if !strings.HasPrefix(p.Query, "PREFIX blockchain:") {
		t.Errorf("query lost its prefix: %q", p.Query)
	}
	if !strings.Contains(p.Query, "LIMIT 10") {
		t.Errorf("query lost its limit clause: %q", p.Query)
	}
}

func TestParseResponseSequentialPlan(t *testing.T) {
	raw := `Here is the plan:
[
  {"query": "SELECT (COUNT(?tx) AS ?total) WHERE { ?tx a blockchain:Transaction }", "inject_params": []},
  {"query": "SELECT ?tx WHERE { ?tx a blockchain:Transaction } LIMIT INJECT(total/2)", "inject_params": ["INJECT(total/2)"]}
]`

	p := ParseResponse(raw)
	if p.Kind != KindSequential {
		t.Fatalf("Kind = %v, want KindSequential", p.Kind)
	}
	if len(p.Steps) != 2 {
		t.Fatalf("len(Steps) = %d, want 2", len(p.Steps))
	}
	if got := p.Steps[1].InjectParams; len(got) != 1 || got[0] != "INJECT(total/2)" {
		t.Errorf("step 2 markers = %v", got)
	}
}

func TestParseResponseStripsExplanation(t *testing.T) {
	raw := `Here is the SPARQL query:

SELECT ?epoch WHERE { ?epoch a cardano:Epoch }

This query will: find all epochs.`

	p := ParseResponse(raw)
	if p.Kind != KindSingle {
		t.Fatalf("Kind = %v, want KindSingle", p.Kind)
	}
	if strings.Contains(p.Query, "This query will") {
		t.Errorf("explanation leaked into query: %q", p.Query)
	}
}

func TestParseResponseNothingUsable(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"I cannot answer that question.",
		"I can describe the process if you like.",
		"I selected nothing relevant.",
		"I SELECTED the wrong ontology for this.",
	} {
		if p := ParseResponse(raw); !p.Empty() {
			t.Errorf("ParseResponse(%q) = %+v, want empty", raw, p)
		}
	}
}

func TestParseResponseRejectsEmptyStepBodies(t *testing.T) {
	raw := `["not", "a", "plan"]`
	p := ParseResponse(raw)
	if p.Kind == KindSequential {
		t.Fatalf("string array must not decode as a plan: %+v", p)
	}
}

func TestParseCachedCanonicalJSON(t *testing.T) {
	cached := `[{"query":"SELECT ?s WHERE { ?s ?p ?o }","inject_params":[]}]`

	p := ParseCached(cached)
	if p.Kind != KindSequential {
		t.Fatalf("Kind = %v, want KindSequential", p.Kind)
	}
	if len(p.Steps) != 1 {
		t.Fatalf("len(Steps) = %d, want 1", len(p.Steps))
	}
	if p.Legacy {
		t.Error("canonical entry flagged as legacy")
	}
}

func TestParseCachedLegacySeparators(t *testing.T) {
	cached := `---query 1 count transactions---
SELECT (COUNT(?tx) AS ?total) WHERE { ?tx a blockchain:Transaction }
---query 2 fetch half---
SELECT ?tx WHERE { ?tx a blockchain:Transaction } LIMIT INJECT(total/2)`

	p := ParseCached(cached)
	if p.Kind != KindSequential {
		t.Fatalf("Kind = %v, want KindSequential", p.Kind)
	}
	if len(p.Steps) != 2 {
		t.Fatalf("len(Steps) = %d, want 2", len(p.Steps))
	}
	if got := p.Steps[1].InjectParams; len(got) != 1 || got[0] != "INJECT(total/2)" {
		t.Errorf("legacy step markers = %v", got)
	}

	// Legacy form is read-only: the canonical rewrite is JSON.
	if !p.Legacy {
		t.Error("legacy entry not flagged for canonical re-store")
	}
	if form := p.CacheForm(); !strings.HasPrefix(form, "[{") {
		t.Errorf("CacheForm() = %q, want JSON step list", form)
	}
}

func TestParseCachedPlainQuery(t *testing.T) {
	p := ParseCached("SELECT ?s WHERE { ?s ?p ?o }")
	if p.Kind != KindSingle {
		t.Fatalf("Kind = %v, want KindSingle", p.Kind)
	}
	if p.CacheForm() != "SELECT ?s WHERE { ?s ?p ?o }" {
		t.Errorf("CacheForm() = %q", p.CacheForm())
	}
}

func TestCleanSPARQLKeepsQueryShape(t *testing.T) {
	in := "PREFIX cardano: <http://www.mobr.ai/ontologies/cardano#>\nSELECT ?e WHERE {\n?e a cardano:Epoch\n}\nLIMIT 5"
	got := CleanSPARQL(in)
	for _, want := range []string{"PREFIX cardano:", "SELECT ?e", "LIMIT 5"} {
		if !strings.Contains(got, want) {
			t.Errorf("CleanSPARQL dropped %q:\n%s", want, got)
		}
	}
}

func TestScanInjectMarkers(t *testing.T) {
	markers := ScanInjectMarkers("SELECT ?x LIMIT INJECT(total/2) OFFSET INJECT(total/4)")
	if len(markers) != 2 {
		t.Fatalf("len(markers) = %d, want 2", len(markers))
	}
	if markers[0] != "INJECT(total/2)" || markers[1] != "INJECT(total/4)" {
		t.Errorf("markers = %v", markers)
	}
}
