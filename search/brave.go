package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/textutil"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search API.
type Brave struct {
	apiKey   string
	count    int
	endpoint string
	client   *http.Client
}

func NewBrave(apiKey string, count int) *Brave {
	if count <= 0 {
		count = 8
	}
	return &Brave{
		apiKey:   apiKey,
		count:    count,
		endpoint: braveEndpoint,
		client:   &http.Client{Timeout: searchTimeout},
	}
}

func (b *Brave) Name() string { return "brave" }

func (b *Brave) Search(ctx context.Context, query string) ([]Result, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("count", fmt.Sprintf("%d", b.count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "create request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, unavailable(b.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable(b.Name(), err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unavailable(b.Name(), errors.New("brave API returned %d: %s", resp.StatusCode, textutil.Truncate(string(body), 200)))
	}

	var braveResp struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &braveResp); err != nil {
		return nil, unavailable(b.Name(), errors.Wrapf(err, "parse response"))
	}

	results := make([]Result, 0, len(braveResp.Web.Results))
	for _, r := range braveResp.Web.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: stripTags(r.Description)})
	}
	return results, nil
}
