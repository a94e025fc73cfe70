package framework

import (
	"strings"
	"testing"
)

const sampleSpec = `
name: populism-v2
version: "2.1"
description: Populist rhetoric scoring
dimensions:
  - name: people_centrism
    description: Appeals to "the people" as a unified moral actor
    min: 0
    max: 1
    salience: 0.9
  - name: anti_elitism
    description: Framing of elites as corrupt or self-serving
    min: 0
    max: 1
    salience: 0.8
prompts:
  analysis: |
    Score the document on each dimension. Respond with JSON only.
    Document: {{.Document}}
  evidence: |
    Extract verbatim quotes supporting each score. JSON only.
  verification: |
    Check that each quote appears verbatim in the document. JSON only.
  synthesis: |
    Summarize the corpus-level findings. JSON only.
`

func TestParseValidSpec(t *testing.T) {
	f, err := Parse([]byte(sampleSpec))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Name != "populism-v2" {
		t.Fatalf("name = %q", f.Name)
	}
	if len(f.Dimensions) != 2 {
		t.Fatalf("dimensions = %d", len(f.Dimensions))
	}
	if len(f.Hash) != 64 {
		t.Fatalf("expected hash on load, got %q", f.Hash)
	}
	d, ok := f.Dimension("anti_elitism")
	if !ok || d.Salience != 0.8 {
		t.Fatalf("dimension lookup failed: %+v ok=%v", d, ok)
	}
}

func TestParseRejectsBadSpecs(t *testing.T) {
	cases := map[string]string{
		"no name":       "dimensions:\n  - name: d\n    min: 0\n    max: 1\n",
		"no dimensions": "name: empty\n",
		"bad range":     "name: f\ndimensions:\n  - name: d\n    min: 1\n    max: 1\n",
		"duplicate":     "name: f\ndimensions:\n  - name: d\n    min: 0\n    max: 1\n  - name: d\n    min: 0\n    max: 1\n",
	}
	for label, spec := range cases {
		if _, err := Parse([]byte(spec)); err == nil {
			t.Fatalf("%s: expected error", label)
		}
	}
}

func TestClamp(t *testing.T) {
	d := Dimension{Name: "d", Min: 0, Max: 1}
	if got := d.Clamp(1.4); got != 1 {
		t.Fatalf("Clamp(1.4) = %v", got)
	}
	if got := d.Clamp(-0.2); got != 0 {
		t.Fatalf("Clamp(-0.2) = %v", got)
	}
	if got := d.Clamp(0.5); got != 0.5 {
		t.Fatalf("Clamp(0.5) = %v", got)
	}
}

func TestPromptHashTracksTemplate(t *testing.T) {
	f, err := Parse([]byte(sampleSpec))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	h1, err := f.PromptHash("analysis")
	if err != nil {
		t.Fatalf("PromptHash: %v", err)
	}
	h2, err := f.PromptHash("evidence")
	if err != nil {
		t.Fatalf("PromptHash: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("different templates must hash differently")
	}

	changed := strings.Replace(sampleSpec, "Score the document", "Rate the document", 1)
	f2, err := Parse([]byte(changed))
	if err != nil {
		t.Fatalf("Parse changed: %v", err)
	}
	h3, err := f2.PromptHash("analysis")
	if err != nil {
		t.Fatalf("PromptHash: %v", err)
	}
	if h1 == h3 {
		t.Fatalf("template edit must change the prompt hash")
	}
	if f.Hash == f2.Hash {
		t.Fatalf("spec edit must change the framework hash")
	}
}

func TestPromptForUnknownPhase(t *testing.T) {
	f, err := Parse([]byte(sampleSpec))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := f.PromptFor("bogus"); err == nil {
		t.Fatalf("expected error for unknown phase")
	}
}
