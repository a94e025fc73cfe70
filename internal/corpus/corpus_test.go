package corpus

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadInlineAndFileDocuments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "speech.txt", "My fellow citizens, the elites have failed you.")
	manifest := writeFile(t, dir, "corpus.yaml", `
name: campaign-2024
documents:
  - id: speech-1
    title: Rally speech
    file: speech.txt
  - id: speech-2
    text: We the people deserve better.
`)

	c, err := Load(manifest)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Name != "campaign-2024" || len(c.Documents) != 2 {
		t.Fatalf("unexpected corpus: %+v", c)
	}
	d1, ok := c.Document("speech-1")
	if !ok {
		t.Fatalf("missing speech-1")
	}
	if d1.Text == "" || len(d1.Hash) != 64 {
		t.Fatalf("file document not loaded: %+v", d1)
	}
	d2, _ := c.Document("speech-2")
	if d1.Hash == d2.Hash {
		t.Fatalf("distinct documents must hash differently")
	}
	if len(c.Hash) != 64 {
		t.Fatalf("corpus hash missing")
	}
}

func TestLoadRejectsBadManifests(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"no name":      "documents:\n  - id: d\n    text: x\n",
		"no documents": "name: empty\n",
		"no id":        "name: c\ndocuments:\n  - text: x\n",
		"duplicate id": "name: c\ndocuments:\n  - id: d\n    text: x\n  - id: d\n    text: y\n",
		"no text":      "name: c\ndocuments:\n  - id: d\n",
	}
	for label, body := range cases {
		path := writeFile(t, dir, "bad.yaml", body)
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", label)
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := &Corpus{
		Name: "saved",
		Documents: []Document{
			{ID: "d1", Text: "document body", Source: "https://example.org/a"},
		},
	}
	path := filepath.Join(dir, "out", "corpus.yaml")
	if err := Save(path, c); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	d, ok := loaded.Document("d1")
	if !ok || d.Text != "document body" || d.Source != "https://example.org/a" {
		t.Fatalf("round trip mismatch: %+v", d)
	}
}
