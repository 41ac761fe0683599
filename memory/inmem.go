package memory

import (
	"context"
	"sort"
	"sync"
)

// MemStore keeps records in process. It backs tests and runs where the
// on-disk store cannot be opened.
type MemStore struct {
	mu       sync.RWMutex
	opts     Options
	embedder HashEmbedder
	records  map[string]Record
}

func NewMemStore(opts Options) *MemStore {
	opts = opts.withDefaults()
	return &MemStore{
		opts:     opts,
		embedder: HashEmbedder{Dimension: opts.Dimension},
		records:  make(map[string]Record),
	}
}

func (s *MemStore) Upsert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(rec.Embedding) == 0 {
		rec.Embedding = s.embedder.Embed(rec.Content)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	s.trimLocked()
	return nil
}

func (s *MemStore) Query(ctx context.Context, text string, k int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	recs := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.RUnlock()
	return rank(s.embedder.Embed(text), recs, k), nil
}

func (s *MemStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *MemStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]Record)
	return nil
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) trimLocked() {
	excess := len(s.records) - s.opts.MaxItems
	if s.opts.MaxItems <= 0 || excess <= 0 {
		return
	}
	recs := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Metadata.Timestamp.Before(recs[j].Metadata.Timestamp)
	})
	for _, r := range recs[:excess] {
		delete(s.records, r.ID)
	}
}
