// Package contextstore holds the short-term conversation window of a session
// and queries long-term memory on behalf of personas.
package contextstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/m4xw311/hybridshell/logging"
	"github.com/m4xw311/hybridshell/memory"
	"github.com/m4xw311/hybridshell/session"
)

// DefaultRetrieveTimeout bounds a single memory query.
const DefaultRetrieveTimeout = 3 * time.Second

// Store is the Context Store. The conversation window is bounded: once it
// holds more than the configured number of turns the oldest are evicted.
type Store struct {
	mu      sync.RWMutex
	turns   []session.Turn
	max     int
	memory  memory.Store
	timeout time.Duration
	log     *zap.Logger
}

type Option func(*Store)

// WithMemory attaches a long-term memory collaborator. Without one,
// RetrieveRelevant always returns nothing.
func WithMemory(m memory.Store) Option { return func(s *Store) { s.memory = m } }

func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.log = logging.OrNop(l) } }

// WithRetrieveTimeout overrides DefaultRetrieveTimeout.
func WithRetrieveTimeout(d time.Duration) Option { return func(s *Store) { s.timeout = d } }

func New(windowSize int, opts ...Option) *Store {
	if windowSize < 1 {
		windowSize = 1
	}
	s := &Store{
		max:     windowSize,
		timeout: DefaultRetrieveTimeout,
		log:     zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AppendTurn adds a turn, evicting the oldest ones past the window bound.
func (s *Store) AppendTurn(t session.Turn) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, t)
	if over := len(s.turns) - s.max; over > 0 {
		s.turns = append([]session.Turn(nil), s.turns[over:]...)
	}
}

// Recent returns the last n turns in chronological order.
func (s *Store) Recent(n int) []session.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	if n > len(s.turns) {
		n = len(s.turns)
	}
	out := make([]session.Turn, n)
	copy(out, s.turns[len(s.turns)-n:])
	return out
}

// Len returns the number of turns in the window.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Reset empties the window.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
}

// RetrieveRelevant returns up to k memory records ranked by descending
// relevance, ties broken by recency. It never fails: when memory is
// unavailable the result is empty and the failure is logged.
func (s *Store) RetrieveRelevant(ctx context.Context, query string, k int) []memory.Match {
	if s.memory == nil || k <= 0 || query == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	matches, err := s.memory.Query(ctx, query, k)
	if err != nil {
		s.log.Warn("memory retrieval failed, continuing without it", zap.Error(err))
		return nil
	}
	return matches
}

// Remember writes a record to long-term memory on a best-effort basis.
func (s *Store) Remember(ctx context.Context, rec memory.Record) {
	if s.memory == nil || rec.Content == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.memory.Upsert(ctx, rec); err != nil {
		s.log.Warn("memory write failed", zap.String("source", string(rec.Metadata.Source)), zap.Error(err))
	}
}

// Snapshot is the read-only context handed to a persona.
type Snapshot struct {
	Recent   []session.Turn
	Relevant []memory.Match
}

// Snapshot fetches the recent window and relevant memory concurrently.
func (s *Store) Snapshot(ctx context.Context, query string, n, k int) Snapshot {
	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap.Recent = s.Recent(n)
		return nil
	})
	g.Go(func() error {
		snap.Relevant = s.RetrieveRelevant(gctx, query, k)
		return nil
	})
	_ = g.Wait()
	return snap
}
