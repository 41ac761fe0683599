package search

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

const duckDuckGoEndpoint = "https://html.duckduckgo.com/html/"

// DuckDuckGo scrapes the DuckDuckGo HTML endpoint. It needs no API key.
type DuckDuckGo struct {
	count    int
	endpoint string
	client   *http.Client
}

func NewDuckDuckGo(count int) *DuckDuckGo {
	if count <= 0 {
		count = 8
	}
	return &DuckDuckGo{
		count:    count,
		endpoint: duckDuckGoEndpoint,
		client:   &http.Client{Timeout: searchTimeout},
	}
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

func (d *DuckDuckGo) Search(ctx context.Context, query string) ([]Result, error) {
	searchURL := fmt.Sprintf("%s?q=%s", d.endpoint, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, unavailable(d.Name(), err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, unavailable(d.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, unavailable(d.Name(), fmt.Errorf("duckduckgo returned %d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable(d.Name(), err)
	}
	return extractDDGResults(string(body), d.count), nil
}

var (
	ddgLinkRe    = regexp.MustCompile(`<a[^>]*class="[^"]*result__a[^"]*"[^>]*href="([^"]+)"[^>]*>([\s\S]*?)</a>`)
	ddgSnippetRe = regexp.MustCompile(`<a class="result__snippet[^"]*".*?>([\s\S]*?)</a>`)
	htmlTagRe    = regexp.MustCompile(`<[^>]+>`)
)

func stripTags(s string) string {
	return strings.TrimSpace(html.UnescapeString(htmlTagRe.ReplaceAllString(s, "")))
}

func extractDDGResults(page string, count int) []Result {
	links := ddgLinkRe.FindAllStringSubmatch(page, count+5)
	if len(links) == 0 {
		return nil
	}
	snippets := ddgSnippetRe.FindAllStringSubmatch(page, count+5)

	var results []Result
	for i := 0; i < len(links) && i < count; i++ {
		rawURL := html.UnescapeString(links[i][1])
		// Result links go through a redirect; the target is in uddg=.
		if strings.Contains(rawURL, "uddg=") {
			if u, err := url.Parse(rawURL); err == nil {
				if target := u.Query().Get("uddg"); target != "" {
					rawURL = target
				}
			}
		}
		r := Result{Title: stripTags(links[i][2]), URL: rawURL}
		if i < len(snippets) {
			r.Snippet = stripTags(snippets[i][1])
		}
		results = append(results, r)
	}
	return results
}
