// Package search is the web search collaborator used by the Search persona.
package search

import (
	"context"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/m4xw311/hybridshell/config"
	"github.com/m4xw311/hybridshell/errors"
)

// ErrUnavailable marks a search backend that could not produce results.
var ErrUnavailable = errors.Sentinel("search unavailable")

const (
	searchTimeout = 30 * time.Second
	userAgent     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_7_2) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// Domain returns the host part of the result URL.
func (r Result) Domain() string {
	u, err := url.Parse(r.URL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// Searcher runs a query and returns an ordered list of results.
type Searcher interface {
	Name() string
	Search(ctx context.Context, query string) ([]Result, error)
}

// New builds the configured backend wrapped in a TTL cache.
func New(cfg config.SearchConfig, log *zap.Logger) (Searcher, error) {
	var s Searcher
	switch cfg.Backend {
	case "brave":
		key := os.Getenv("BRAVE_API_KEY")
		if key == "" {
			return nil, errors.New("search backend 'brave' requires the BRAVE_API_KEY environment variable")
		}
		s = NewBrave(key, cfg.MaxResults)
	case "duckduckgo", "":
		s = NewDuckDuckGo(cfg.MaxResults)
	case "mcp":
		s = NewMCP(cfg.MCP.Command, cfg.MCP.Args, cfg.MCP.Tool, cfg.MaxResults, log)
	default:
		return nil, errors.New("unknown search backend %q", cfg.Backend)
	}
	if cfg.CacheSize > 0 && cfg.CacheTTL > 0 {
		s = NewCached(s, cfg.CacheSize, cfg.CacheTTL)
	}
	return s, nil
}

func unavailable(backend string, err error) error {
	return errors.Wrapf(errors.Join(ErrUnavailable, err), "%s search failed", backend)
}

// Disabled stands in for a backend that could not be built. Every search
// fails with ErrUnavailable so callers state that results are missing.
type Disabled struct {
	Backend string
	Err     error
}

func (d Disabled) Name() string { return d.Backend }

func (d Disabled) Search(ctx context.Context, query string) ([]Result, error) {
	return nil, unavailable(d.Backend, d.Err)
}
