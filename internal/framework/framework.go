package framework

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/discernus/discernus/internal/artifact"
)

// Dimension is one scored axis of a framework (e.g. "people_centrism").
type Dimension struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Min         float64  `yaml:"min"`
	Max         float64  `yaml:"max"`
	Salience    float64  `yaml:"salience"`
	Markers     []string `yaml:"markers,omitempty"`
}

// Clamp forces a score into the dimension's declared range.
func (d Dimension) Clamp(score float64) float64 {
	if score < d.Min {
		return d.Min
	}
	if score > d.Max {
		return d.Max
	}
	return score
}

// Prompts holds the per-phase prompt templates. Templates use Go
// text/template syntax with .Document, .Framework and .Prior* fields.
type Prompts struct {
	Analysis     string `yaml:"analysis"`
	Evidence     string `yaml:"evidence"`
	Verification string `yaml:"verification"`
	Synthesis    string `yaml:"synthesis"`
}

// Framework is an analytical framework specification: what to measure and
// how to ask a model about it.
type Framework struct {
	Name        string      `yaml:"name"`
	Version     string      `yaml:"version"`
	Description string      `yaml:"description"`
	Dimensions  []Dimension `yaml:"dimensions"`
	Prompts     Prompts     `yaml:"prompts"`

	// Hash is the SHA-256 of the raw spec bytes, filled on load.
	Hash string `yaml:"-"`
}

// Dimension returns the named dimension, if declared.
func (f *Framework) Dimension(name string) (Dimension, bool) {
	for _, d := range f.Dimensions {
		if d.Name == name {
			return d, true
		}
	}
	return Dimension{}, false
}

// PromptFor returns the template for a phase.
func (f *Framework) PromptFor(phase string) (string, error) {
	var tpl string
	switch phase {
	case "analysis":
		tpl = f.Prompts.Analysis
	case "evidence":
		tpl = f.Prompts.Evidence
	case "verification":
		tpl = f.Prompts.Verification
	case "synthesis":
		tpl = f.Prompts.Synthesis
	default:
		return "", fmt.Errorf("unknown phase %q", phase)
	}
	if strings.TrimSpace(tpl) == "" {
		return "", fmt.Errorf("framework %q has no %s prompt", f.Name, phase)
	}
	return tpl, nil
}

// PromptHash hashes the phase's template for cache keying.
func (f *Framework) PromptHash(phase string) (string, error) {
	tpl, err := f.PromptFor(phase)
	if err != nil {
		return "", err
	}
	return artifact.HashBytes([]byte(tpl)), nil
}

// Parse decodes and validates a framework spec.
func Parse(raw []byte) (*Framework, error) {
	var f Framework
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse framework: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	f.Hash = artifact.HashBytes(raw)
	return &f, nil
}

// Load reads a framework spec from disk.
func Load(path string) (*Framework, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read framework: %w", err)
	}
	return Parse(raw)
}

func (f *Framework) validate() error {
	if strings.TrimSpace(f.Name) == "" {
		return fmt.Errorf("framework name required")
	}
	if len(f.Dimensions) == 0 {
		return fmt.Errorf("framework %q declares no dimensions", f.Name)
	}
	seen := make(map[string]bool, len(f.Dimensions))
	for i, d := range f.Dimensions {
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("framework %q dimension %d has no name", f.Name, i)
		}
		if seen[d.Name] {
			return fmt.Errorf("framework %q duplicates dimension %q", f.Name, d.Name)
		}
		seen[d.Name] = true
		if d.Max <= d.Min {
			return fmt.Errorf("dimension %q has invalid range [%v,%v]", d.Name, d.Min, d.Max)
		}
	}
	return nil
}
