// Package fetch retrieves web documents for corpus ingestion. Pages are
// rendered headlessly so client-side content is captured, then reduced to
// readable article text.
package fetch

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"

	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/internal/artifact"
	"github.com/discernus/discernus/internal/corpus"
)

// Result is one fetched page reduced to article text.
type Result struct {
	URL      string
	Title    string
	Byline   string
	Text     string
	HTMLHash string
	Status   int
	RenderMS int
}

// Fetcher renders pages headlessly and extracts readable text.
type Fetcher struct {
	Timeout   time.Duration
	MaxChars  int
	UserAgent string
}

// New builds a Fetcher from ingest configuration.
func New(cfg config.IngestConfig) *Fetcher {
	cfg = cfg.Normalize()
	return &Fetcher{Timeout: cfg.Timeout, MaxChars: cfg.MaxChars, UserAgent: cfg.UserAgent}
}

// Fetch retrieves one URL. Render failures report status 599 rather than an
// error so batch ingestion can continue past dead links.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Result, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Result{}, errors.New("invalid url")
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	t0 := time.Now()

	html, err := f.fetchHTML(ctx, rawURL)
	if err != nil {
		return Result{URL: rawURL, Status: 599, RenderMS: int(time.Since(t0) / time.Millisecond)}, nil
	}

	article, err := readability.FromReader(strings.NewReader(html), parseURL(rawURL))
	if err != nil {
		return Result{URL: rawURL, Status: 200, RenderMS: int(time.Since(t0) / time.Millisecond)}, nil
	}
	text := article.TextContent
	if len(text) > f.MaxChars {
		text = text[:f.MaxChars]
	}

	return Result{
		URL:      rawURL,
		Title:    strings.TrimSpace(article.Title),
		Byline:   strings.TrimSpace(article.Byline),
		Text:     strings.TrimSpace(text),
		HTMLHash: artifact.HashBytes([]byte(html)),
		Status:   200,
		RenderMS: int(time.Since(t0) / time.Millisecond),
	}, nil
}

// Document converts a fetched page into a corpus document.
func (r Result) Document(id string) corpus.Document {
	extra := map[string]string{"url": r.URL, "html_hash": r.HTMLHash}
	if r.Byline != "" {
		extra["byline"] = r.Byline
	}
	return corpus.Document{
		ID:     id,
		Title:  r.Title,
		Source: r.URL,
		Text:   r.Text,
		Extra:  extra,
	}
}

func (f *Fetcher) fetchHTML(ctx context.Context, rawURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(f.UserAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

func parseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
