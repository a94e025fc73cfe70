package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/discernus/discernus/internal/artifact"
)

// Document is one corpus entry: an id, provenance fields and the text body.
type Document struct {
	ID      string            `yaml:"id"`
	Title   string            `yaml:"title,omitempty"`
	Source  string            `yaml:"source,omitempty"`
	Date    string            `yaml:"date,omitempty"`
	Speaker string            `yaml:"speaker,omitempty"`
	File    string            `yaml:"file,omitempty"`
	Text    string            `yaml:"text,omitempty"`
	Extra   map[string]string `yaml:"extra,omitempty"`

	// Hash is the SHA-256 of the document text, filled on load.
	Hash string `yaml:"-"`
}

// Corpus is a named set of documents plus the manifest hash.
type Corpus struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Documents   []Document `yaml:"documents"`

	Hash string `yaml:"-"`
}

// Document returns the document with the given id.
func (c *Corpus) Document(id string) (Document, bool) {
	for _, d := range c.Documents {
		if d.ID == id {
			return d, true
		}
	}
	return Document{}, false
}

// Load reads a corpus manifest. Documents may inline their text or point at
// a file relative to the manifest.
func Load(path string) (*Corpus, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus manifest: %w", err)
	}
	var c Corpus
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse corpus manifest: %w", err)
	}
	if strings.TrimSpace(c.Name) == "" {
		return nil, fmt.Errorf("corpus name required")
	}
	if len(c.Documents) == 0 {
		return nil, fmt.Errorf("corpus %q has no documents", c.Name)
	}

	base := filepath.Dir(path)
	seen := make(map[string]bool, len(c.Documents))
	for i := range c.Documents {
		d := &c.Documents[i]
		if strings.TrimSpace(d.ID) == "" {
			return nil, fmt.Errorf("corpus %q document %d has no id", c.Name, i)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("corpus %q duplicates document id %q", c.Name, d.ID)
		}
		seen[d.ID] = true
		if d.Text == "" && d.File != "" {
			body, err := os.ReadFile(filepath.Join(base, d.File))
			if err != nil {
				return nil, fmt.Errorf("read document %q: %w", d.ID, err)
			}
			d.Text = string(body)
		}
		if strings.TrimSpace(d.Text) == "" {
			return nil, fmt.Errorf("document %q has no text", d.ID)
		}
		d.Hash = artifact.HashBytes([]byte(d.Text))
	}
	c.Hash = artifact.HashBytes(raw)
	return &c, nil
}

// Save writes a corpus manifest, used by the ingest command.
func Save(path string, c *Corpus) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode corpus manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create corpus dir: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write corpus manifest: %w", err)
	}
	return nil
}
