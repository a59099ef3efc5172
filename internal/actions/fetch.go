package actions

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/helpers"
)

// Article is the readable text of a fetched source.
type Article struct {
	URL   string
	Title string
	Text  string
}

// Fetcher retrieves lookup sources.
type Fetcher interface {
	Fetch(ctx context.Context, link string) (Article, error)
}

// ReadabilityFetcher downloads a page and extracts its main text.
type ReadabilityFetcher struct {
	Client   *http.Client
	MaxBytes int64
	MaxChars int
}

// NewReadabilityFetcher returns a fetcher with sane limits.
func NewReadabilityFetcher(timeout time.Duration) *ReadabilityFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ReadabilityFetcher{
		Client:   &http.Client{Timeout: timeout},
		MaxBytes: 2 << 20,
		MaxChars: 6000,
	}
}

func (f *ReadabilityFetcher) Fetch(ctx context.Context, link string) (Article, error) {
	parsed, err := url.Parse(link)
	if err != nil {
		return Article{}, fmt.Errorf("parse %s: %w", link, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return Article{}, err
	}
	req.Header.Set("User-Agent", "dealflow-lookup/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := f.Client.Do(req)
	if err != nil {
		return Article{}, fmt.Errorf("fetch %s: %w", link, err)
	}
	body, err := helpers.ReadAllAndClose(resp.Body, f.MaxBytes)
	if err != nil {
		return Article{}, fmt.Errorf("read %s: %w", link, err)
	}
	if resp.StatusCode >= 400 {
		return Article{}, fmt.Errorf("fetch %s: status %d", link, resp.StatusCode)
	}
	article, err := readability.FromReader(bytes.NewReader(body), parsed)
	if err != nil {
		return Article{}, fmt.Errorf("extract %s: %w", link, err)
	}
	text := strings.TrimSpace(article.TextContent)
	return Article{
		URL:   link,
		Title: strings.TrimSpace(article.Title),
		Text:  helpers.TruncateRunes(text, f.MaxChars),
	}, nil
}
