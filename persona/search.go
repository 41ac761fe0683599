package persona

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/llm"
	"github.com/m4xw311/hybridshell/logging"
	"github.com/m4xw311/hybridshell/memory"
	"github.com/m4xw311/hybridshell/search"
	"github.com/m4xw311/hybridshell/session"
	"github.com/m4xw311/hybridshell/textutil"
)

const searchInstructions = "You are persona search_service. Summarize web search results concisely, " +
	"respond in the user's language (default English), and close with a 'Sources' section. " +
	"Only use facts present in the results."

// maxQueries bounds concurrent searches per request.
const maxQueries = 3

// Search answers from web search results.
type Search struct {
	llm      llm.Client
	searcher search.Searcher
	now      func() time.Time
	log      *zap.Logger
}

type SearchOption func(*Search)

func WithSearchLogger(l *zap.Logger) SearchOption {
	return func(s *Search) { s.log = logging.OrNop(l) }
}

// WithClock overrides the time shown to the model.
func WithClock(now func() time.Time) SearchOption { return func(s *Search) { s.now = now } }

func NewSearch(client llm.Client, searcher search.Searcher, opts ...SearchOption) *Search {
	s := &Search{llm: client, searcher: searcher, now: time.Now, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Search) Descriptor() Descriptor {
	return Descriptor{ID: SearchID, Capabilities: CapRespond | CapSearch, Priority: 10}
}

func (s *Search) Handle(ctx context.Context, req session.Request, in Input) (*Response, error) {
	resp, msgs := s.prepare(ctx, req, in)
	if msgs == nil {
		return resp, nil
	}
	text, err := s.llm.Complete(ctx, msgs, llm.Options{Temperature: llm.Float(0.3)})
	if err != nil {
		return nil, err
	}
	resp.Text = strings.TrimSpace(text)
	resp.Memories = append(resp.Memories, s.record(req, resp, in.Dir))
	return resp, nil
}

func (s *Search) HandleStream(ctx context.Context, req session.Request, in Input) (*Response, *llm.Stream, error) {
	resp, msgs := s.prepare(ctx, req, in)
	if msgs == nil {
		// Degraded answers are static.
		text := resp.Text
		resp.Text = ""
		return resp, llm.NewStream(ctx, func(ctx context.Context, emit llm.EmitFunc) error {
			emit(text)
			return nil
		}), nil
	}
	return resp, s.llm.Stream(ctx, msgs, llm.Options{Temperature: llm.Float(0.3)}), nil
}

func (s *Search) Remember(req session.Request, resp *Response, dir string) []memory.Record {
	if resp.Degraded || len(resp.Segments) == 0 {
		return nil
	}
	return []memory.Record{s.record(req, resp, dir)}
}

// prepare runs the searches. A nil message list means resp is already the
// final, degraded answer.
func (s *Search) prepare(ctx context.Context, req session.Request, in Input) (*Response, []llm.Message) {
	queries := queriesFor(req.RawText, in.Query)
	results, err := s.searchAll(ctx, queries)
	resp := &Response{PersonaID: SearchID}
	if err != nil {
		s.log.Warn("search unavailable", zap.Strings("queries", queries), zap.Error(err))
		resp.Degraded = true
		resp.Text = fmt.Sprintf("Search results are unavailable right now, so I can't answer this from the web.\n(%v)", err)
		return resp, nil
	}
	if len(results) == 0 {
		resp.Text = fmt.Sprintf("The search for %q returned no results.", queries[0])
		return resp, nil
	}

	formatted := search.Format(results)
	resp.Segments = append(resp.Segments, Segment{Kind: SegmentSearchResults, Title: queries[0], Text: formatted})
	content := fmt.Sprintf("Original request: %s\nSearch query: %s\nCurrent time: %s\n\nSearch results:\n%s\n\n"+
		"Provide bulleted highlights, key insights, and end with a sources list.",
		req.RawText, strings.Join(queries, "; "), s.now().Format("02 January 2006 15:04 MST"), formatted)
	msgs := []llm.Message{llm.System(searchInstructions)}
	if notes := memoryNotes(in.Relevant); len(notes) > 0 {
		msgs = append(msgs, llm.System("Relevant memory:\n- "+strings.Join(notes, "\n- ")))
	}
	return resp, append(msgs, llm.User(content))
}

// searchAll fans the queries out and merges the results in query order. It
// fails only when every query failed.
func (s *Search) searchAll(ctx context.Context, queries []string) ([]search.Result, error) {
	perQuery := make([][]search.Result, len(queries))
	errs := make([]error, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxQueries)
	for i, q := range queries {
		g.Go(func() error {
			perQuery[i], errs[i] = s.searcher.Search(gctx, q)
			return nil
		})
	}
	_ = g.Wait()

	var merged []search.Result
	failed := 0
	for i := range queries {
		if errs[i] != nil {
			failed++
			continue
		}
		merged = append(merged, perQuery[i]...)
	}
	if failed == len(queries) {
		return nil, errors.Join(errs...)
	}
	return search.Dedupe(merged), nil
}

func (s *Search) record(req session.Request, resp *Response, dir string) memory.Record {
	var results string
	for _, seg := range resp.Segments {
		if seg.Kind == SegmentSearchResults {
			results = seg.Text
		}
	}
	content := fmt.Sprintf("Search: %s\nSummary: %s\nResults:\n%s", req.RawText, textutil.Truncate(resp.Text, 600), textutil.Truncate(results, 800))
	return memory.NewRecord(memory.SourceSearch, content, dir)
}

// queriesFor returns the router's suggested query followed by the raw text
// when they differ.
func queriesFor(raw, suggested string) []string {
	raw, suggested = strings.TrimSpace(raw), strings.TrimSpace(suggested)
	if suggested == "" || strings.EqualFold(suggested, raw) {
		return []string{raw}
	}
	return []string{suggested, raw}
}
