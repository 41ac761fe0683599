package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/hybridshell/config"
)

const ddgPage = `
<div class="result">
  <a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc%2F&amp;rut=abc">The <b>Go</b> Documentation</a>
  <a class="result__snippet" href="x">Learn <b>Go</b> &amp; more.</a>
</div>
<div class="result">
  <a rel="nofollow" class="result__a" href="https://example.com/b">Second</a>
  <a class="result__snippet" href="y">Another snippet</a>
</div>`

func TestExtractDDGResults(t *testing.T) {
	got := extractDDGResults(ddgPage, 5)
	require.Len(t, got, 2)
	assert.Equal(t, Result{Title: "The Go Documentation", URL: "https://go.dev/doc/", Snippet: "Learn Go & more."}, got[0])
	assert.Equal(t, "example.com", got[1].Domain())

	assert.Len(t, extractDDGResults(ddgPage, 1), 1)
	assert.Nil(t, extractDDGResults("<html></html>", 5))
}

func TestDuckDuckGoAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "golang docs", r.URL.Query().Get("q"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		w.Write([]byte(ddgPage))
	}))
	defer srv.Close()

	d := NewDuckDuckGo(8)
	d.endpoint = srv.URL
	got, err := d.Search(context.Background(), "golang docs")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestBraveAgainstServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"web":{"results":[{"title":"Go","url":"https://go.dev","description":"The <strong>Go</strong> site"}]}}`))
	}))
	defer srv.Close()

	b := NewBrave("k", 3)
	b.endpoint = srv.URL
	got, err := b.Search(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, []Result{{Title: "Go", URL: "https://go.dev", Snippet: "The Go site"}}, got)

	b.apiKey = "wrong"
	_, err = b.Search(context.Background(), "go")
	assert.ErrorIs(t, err, ErrUnavailable)
}

type countingSearcher struct {
	calls atomic.Int32
	err   error
}

func (c *countingSearcher) Name() string { return "counting" }

func (c *countingSearcher) Search(ctx context.Context, query string) ([]Result, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return []Result{{Title: query}}, nil
}

func TestCachedMemoisesSuccessOnly(t *testing.T) {
	inner := &countingSearcher{}
	c := NewCached(inner, 4, time.Hour)
	for i := 0; i < 3; i++ {
		_, err := c.Search(context.Background(), "Go  Release")
		require.NoError(t, err)
	}
	_, err := c.Search(context.Background(), "go release")
	require.NoError(t, err)
	assert.EqualValues(t, 1, inner.calls.Load())

	failing := &countingSearcher{err: errors.New("down")}
	fc := NewCached(failing, 4, time.Hour)
	_, err = fc.Search(context.Background(), "q")
	assert.Error(t, err)
	_, err = fc.Search(context.Background(), "q")
	assert.Error(t, err)
	assert.EqualValues(t, 2, failing.calls.Load())
}

func TestFormatAndDedupe(t *testing.T) {
	results := Dedupe([]Result{
		{Title: "A", URL: "https://www.a.com/x", Snippet: "first"},
		{Title: "A again", URL: "https://www.a.com/x"},
		{Title: "B", URL: "https://b.org"},
	})
	require.Len(t, results, 2)

	out := Format(results)
	assert.Contains(t, out, "1. A\n   Domain: a.com\n   Summary: first\n   Link: https://www.a.com/x")
	assert.Contains(t, out, "2. B")
	assert.Equal(t, "No search results.", Format(nil))
}

func TestParseToolResults(t *testing.T) {
	got := parseToolResults(`[{"title":"T","url":"https://t.io","description":"d"}]`)
	assert.Equal(t, []Result{{Title: "T", URL: "https://t.io", Snippet: "d"}}, got)

	got = parseToolResults("plain answer")
	require.Len(t, got, 1)
	assert.Equal(t, "plain answer", got[0].Snippet)
	assert.Nil(t, parseToolResults("  "))
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := config.Default().Search
	s, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "duckduckgo", s.Name())
	_, ok := s.(*Cached)
	assert.True(t, ok)

	cfg.Backend = "brave"
	t.Setenv("BRAVE_API_KEY", "")
	_, err = New(cfg, nil)
	assert.Error(t, err)

	cfg.Backend = "mcp"
	cfg.CacheSize = 0
	cfg.MCP = config.MCPServer{Command: "search-server", Tool: "web_search"}
	s, err = New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "mcp:web_search", s.Name())
}

func TestDisabledReportsUnavailable(t *testing.T) {
	cause := errors.New("missing key")
	d := Disabled{Backend: "brave", Err: cause}
	results, err := d.Search(context.Background(), "go release")
	assert.Empty(t, results)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "brave", d.Name())
}
