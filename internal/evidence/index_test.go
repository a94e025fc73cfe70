package evidence

import (
	"context"
	"testing"
)

type stubEmbedder struct {
	vecs map[string][]float32
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := s.vecs[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func sampleQuotes() []Quote {
	return []Quote{
		{ID: "q1", DocID: "doc-1", Dimension: "anti_elitism", Text: "the corrupt elites have betrayed ordinary workers"},
		{ID: "q2", DocID: "doc-1", Dimension: "people_centrism", Text: "the people of this nation deserve a voice"},
		{ID: "q3", DocID: "doc-2", Dimension: "anti_elitism", Text: "bankers and bureaucrats line their own pockets"},
	}
}

func TestBM25Search(t *testing.T) {
	x, err := NewIndex(nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if err := x.Add(context.Background(), sampleQuotes()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if x.Len() != 3 {
		t.Fatalf("Len = %d", x.Len())
	}

	hits, err := x.BM25Search("corrupt elites", 5)
	if err != nil {
		t.Fatalf("BM25Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatalf("expected hits")
	}
	if hits[0].QuoteID != "q1" {
		t.Fatalf("expected q1 first, got %s", hits[0].QuoteID)
	}
	if hits[0].Rank != 1 || hits[0].DocID != "doc-1" {
		t.Fatalf("unexpected hit: %+v", hits[0])
	}
}

func TestVectorSearch(t *testing.T) {
	emb := &stubEmbedder{vecs: map[string][]float32{
		"the corrupt elites have betrayed ordinary workers": {1, 0, 0},
		"the people of this nation deserve a voice":         {0, 1, 0},
		"bankers and bureaucrats line their own pockets":    {0.9, 0.1, 0},
	}}
	x, err := NewIndex(emb)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if err := x.Add(context.Background(), sampleQuotes()); err != nil {
		t.Fatalf("Add: %v", err)
	}

	hits := x.VectorSearch([]float32{1, 0, 0}, 2)
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].QuoteID != "q1" || hits[1].QuoteID != "q3" {
		t.Fatalf("unexpected order: %s, %s", hits[0].QuoteID, hits[1].QuoteID)
	}
}

func TestFuseRRF(t *testing.T) {
	a := []Hit{{QuoteID: "q1", Rank: 1}, {QuoteID: "q2", Rank: 2}}
	b := []Hit{{QuoteID: "q2", Rank: 1}, {QuoteID: "q3", Rank: 2}}
	fused := FuseRRF(a, b, 3)
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused hits, got %d", len(fused))
	}
	// q2 appears in both lists so it fuses highest.
	if fused[0].QuoteID != "q2" {
		t.Fatalf("expected q2 first, got %s", fused[0].QuoteID)
	}
	for i, h := range fused {
		if h.Rank != i+1 {
			t.Fatalf("rank not reassigned: %+v", h)
		}
	}
}

func TestHybridSearchWithoutEmbedder(t *testing.T) {
	x, err := NewIndex(nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	if err := x.Add(context.Background(), sampleQuotes()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	hits, err := x.Search(context.Background(), "people voice", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 || hits[0].QuoteID != "q2" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestVerifyQuote(t *testing.T) {
	doc := "My fellow citizens,\n  the corrupt elites\thave betrayed ordinary workers everywhere."
	if !VerifyQuote("the corrupt elites have betrayed ordinary workers", doc) {
		t.Fatalf("verbatim quote should verify across whitespace differences")
	}
	if VerifyQuote("the honest elites have helped workers", doc) {
		t.Fatalf("fabricated quote must not verify")
	}
}
