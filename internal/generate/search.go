package generate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

// SearchResult is one organic result from a web search.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher finds reference material for a keyword.
type Searcher interface {
	Search(ctx context.Context, keyword string, maxResults int) ([]SearchResult, error)
}

const searchUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// DuckDuckGoSearcher scrapes the HTML endpoint, which needs no API key.
type DuckDuckGoSearcher struct {
	baseURL    string
	httpClient *http.Client
}

func NewDuckDuckGoSearcher() *DuckDuckGoSearcher {
	return &DuckDuckGoSearcher{
		baseURL:    "https://html.duckduckgo.com/html/",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetBaseURL overrides the SERP endpoint (used by tests).
func (s *DuckDuckGoSearcher) SetBaseURL(u string) { s.baseURL = u }

func (s *DuckDuckGoSearcher) Search(ctx context.Context, keyword string, maxResults int) ([]SearchResult, error) {
	if maxResults <= 0 {
		maxResults = 5
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"?q="+url.QueryEscape(keyword), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", keyword, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	results, err := parseSERP(resp.Body, maxResults)
	if err != nil {
		return nil, fmt.Errorf("parsing search results for %q: %w", keyword, err)
	}
	return results, nil
}

// parseSERP walks the result page for result__a title links and
// result__snippet blocks.
func parseSERP(r io.Reader, maxResults int) ([]SearchResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= maxResults {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			class := attr(n, "class")
			switch {
			case strings.Contains(class, "result__a"):
				results = append(results, SearchResult{
					Title: strings.TrimSpace(nodeText(n)),
					URL:   cleanResultURL(attr(n, "href")),
				})
				return
			case strings.Contains(class, "result__snippet"):
				if len(results) > 0 && results[len(results)-1].Snippet == "" {
					results[len(results)-1].Snippet = strings.TrimSpace(nodeText(n))
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	filtered := results[:0]
	for _, res := range results {
		if res.Title != "" {
			filtered = append(filtered, res)
		}
	}
	return filtered, nil
}

// cleanResultURL unwraps the uddg redirect parameter when present.
func cleanResultURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		if unescaped, err := url.QueryUnescape(target); err == nil {
			return unescaped
		}
	}
	return href
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(nodeText(c))
	}
	return sb.String()
}

// SearchAll runs one search per keyword concurrently and returns the
// per-keyword results. A failed keyword fails the batch.
func SearchAll(ctx context.Context, s Searcher, keywords []string, maxResults int) (map[string][]SearchResult, error) {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	results := make([]([]SearchResult), len(keywords))
	for i, keyword := range keywords {
		g.Go(func() error {
			res, err := s.Search(gCtx, keyword, maxResults)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byKeyword := make(map[string][]SearchResult, len(keywords))
	for i, keyword := range keywords {
		byKeyword[keyword] = results[i]
	}
	return byKeyword, nil
}
