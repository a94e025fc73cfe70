package evidence

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
)

// Quote is one extracted evidence quote tied to a document and dimension.
type Quote struct {
	ID        string  `json:"id"`
	DocID     string  `json:"doc_id"`
	Dimension string  `json:"dimension"`
	Text      string  `json:"text"`
	Salience  float64 `json:"salience"`
}

// Hit is one retrieval result.
type Hit struct {
	QuoteID   string  `json:"quote_id"`
	DocID     string  `json:"doc_id"`
	Dimension string  `json:"dimension"`
	Snippet   string  `json:"snippet"`
	Score     float64 `json:"score"`
	Rank      int     `json:"rank"`
}

// Embedder produces vectors for texts. Satisfied by provider.Router.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type embedVec struct {
	id  string
	vec []float32
}

const rrfK = 60 // reciprocal-rank-fusion constant

// Index is a hybrid BM25 + vector index over evidence quotes. BM25 runs on
// an in-memory bleve index; vectors are held in memory, sized for a single
// run's quote set.
type Index struct {
	embedder Embedder

	mu      sync.RWMutex
	bleve   bleve.Index
	quotes  map[string]Quote
	vectors []embedVec
}

// NewIndex builds an empty index. A nil embedder disables vector search
// (BM25-only retrieval).
func NewIndex(embedder Embedder) (*Index, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create bleve index: %w", err)
	}
	return &Index{
		embedder: embedder,
		bleve:    idx,
		quotes:   make(map[string]Quote),
	}, nil
}

// Add indexes a batch of quotes, embedding them when an embedder is set.
func (x *Index) Add(ctx context.Context, quotes []Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	var vecs [][]float32
	if x.embedder != nil {
		texts := make([]string, len(quotes))
		for i, q := range quotes {
			texts[i] = q.Text
		}
		var err error
		vecs, err = x.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed quotes: %w", err)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	for i, q := range quotes {
		if q.ID == "" {
			return fmt.Errorf("quote %d has no id", i)
		}
		x.quotes[q.ID] = q
		if err := x.bleve.Index(q.ID, q); err != nil {
			return fmt.Errorf("index quote %s: %w", q.ID, err)
		}
		if vecs != nil && i < len(vecs) {
			x.vectors = append(x.vectors, embedVec{id: q.ID, vec: vecs[i]})
		}
	}
	return nil
}

// Len returns the number of indexed quotes.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.quotes)
}

// Quote returns an indexed quote by id.
func (x *Index) Quote(id string) (Quote, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	q, ok := x.quotes[id]
	return q, ok
}

// BM25Search runs a keyword query over the quotes.
func (x *Index) BM25Search(q string, k int) ([]Hit, error) {
	query := bleve.NewQueryStringQuery(q)
	searchReq := bleve.NewSearchRequestOptions(query, k*3, 0, false)
	res, err := x.bleve.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []Hit
	for i, hit := range res.Hits {
		quote := x.quotes[hit.ID]
		out = append(out, Hit{
			QuoteID: hit.ID, DocID: quote.DocID, Dimension: quote.Dimension,
			Snippet: snippet(quote.Text),
			Score:   hit.Score, Rank: i + 1,
		})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

// VectorSearch ranks quotes by cosine similarity against a query vector.
func (x *Index) VectorSearch(q []float32, k int) []Hit {
	x.mu.RLock()
	defer x.mu.RUnlock()
	type scored struct {
		id    string
		score float64
	}
	var scoreds []scored
	for _, v := range x.vectors {
		scoreds = append(scoreds, scored{id: v.id, score: cosine(q, v.vec)})
	}
	sort.Slice(scoreds, func(i, j int) bool { return scoreds[i].score > scoreds[j].score })
	var out []Hit
	for i, sc := range scoreds {
		quote := x.quotes[sc.id]
		out = append(out, Hit{
			QuoteID: sc.id, DocID: quote.DocID, Dimension: quote.Dimension,
			Snippet: snippet(quote.Text), Score: sc.score, Rank: i + 1,
		})
		if len(out) >= k {
			break
		}
	}
	return out
}

// Search runs hybrid retrieval: BM25 and vector results fused by RRF.
// Without an embedder it degrades to BM25 only.
func (x *Index) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	bm, err := x.BM25Search(query, k)
	if err != nil {
		return nil, err
	}
	if x.embedder == nil {
		return bm, nil
	}
	vecs, err := x.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 {
		return bm, nil
	}
	vs := x.VectorSearch(vecs[0], k)
	return FuseRRF(bm, vs, k), nil
}

// VerifyQuote reports whether a quote appears verbatim in the document text,
// after whitespace normalization.
func VerifyQuote(quote, document string) bool {
	return strings.Contains(normalizeWS(document), normalizeWS(quote))
}

func normalizeWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FuseRRF merges two ranked lists with reciprocal-rank fusion.
func FuseRRF(a, b []Hit, k int) []Hit {
	type agg struct {
		item  Hit
		score float64
	}
	m := map[string]*agg{}
	add := func(list []Hit) {
		for _, h := range list {
			x, ok := m[h.QuoteID]
			if !ok {
				m[h.QuoteID] = &agg{item: h}
				x = m[h.QuoteID]
			}
			x.score += 1.0 / float64(rrfK+h.Rank)
		}
	}
	add(a)
	add(b)
	items := make([]agg, 0, len(m))
	for _, v := range m {
		items = append(items, *v)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].score > items[j].score })
	n := k
	if len(items) < n {
		n = len(items)
	}
	out := make([]Hit, 0, n)
	for i := 0; i < n; i++ {
		h := items[i].item
		h.Score = items[i].score
		h.Rank = i + 1
		out = append(out, h)
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func snippet(s string) string {
	if len(s) <= 300 {
		return s
	}
	return s[:300] + "…"
}
