package core

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/discernus/discernus/internal/corpus"
	"github.com/discernus/discernus/internal/framework"
)

// promptData is the context available to framework prompt templates.
type promptData struct {
	Framework *framework.Framework
	Document  *corpus.Document
	Documents []corpus.Document

	// Prior phase outputs, populated as the pipeline advances.
	Analysis     *AnalysisResult
	Evidence     *EvidenceResult
	Verification *VerificationResult
	Scores       map[string]map[string]float64
	Analyses     map[string]AnalysisResult
	Quotes       []VerifiedQuote
}

// renderPrompt executes the framework's template for a phase against the
// assembled context.
func renderPrompt(f *framework.Framework, phase string, data promptData) (string, error) {
	tpl, err := f.PromptFor(phase)
	if err != nil {
		return "", err
	}
	t, err := template.New(phase).Option("missingkey=zero").Parse(tpl)
	if err != nil {
		return "", fmt.Errorf("parse %s prompt: %w", phase, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", phase, err)
	}
	return buf.String(), nil
}

// extractJSON strips markdown code fences that some models wrap around JSON
// output.
func extractJSON(s string) string {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if i := strings.LastIndex(trimmed, "```"); i >= 0 {
			trimmed = trimmed[:i]
		}
		return strings.TrimSpace(trimmed)
	}
	// Fall back to the outermost braces when the model added prose around
	// the object.
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}
	return trimmed
}
