// Package memory is the long-term memory collaborator: records of past
// conversations, agent commands and searches, retrievable by similarity.
package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/m4xw311/hybridshell/errors"
)

// ErrUnavailable marks a memory backend that cannot serve requests. Callers
// degrade to running without retrieved context.
var ErrUnavailable = errors.Sentinel("memory unavailable")

// Source tags where a record came from.
type Source string

const (
	SourceConversation Source = "conversation"
	SourceShell        Source = "shell"
	SourceSearch       Source = "search"
)

type Metadata struct {
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	CWD       string    `json:"cwd,omitempty"`
}

// Record is one MemoryRecord. Embedding is filled in by the store on Upsert
// when empty.
type Record struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
	Metadata  Metadata  `json:"metadata"`
}

// NewRecord stamps content with a fresh id and the current time.
func NewRecord(source Source, content, cwd string) Record {
	return Record{
		ID:      uuid.NewString(),
		Content: content,
		Metadata: Metadata{
			Source:    source,
			Timestamp: time.Now(),
			CWD:       cwd,
		},
	}
}

// Match is a record with its similarity to a query.
type Match struct {
	Record
	Score float64
}

// Store is the retrieval contract the Context Store consumes.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	// Query returns at most k records ranked by descending score, ties
	// broken by recency.
	Query(ctx context.Context, text string, k int) ([]Match, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// Options shared by the store implementations.
type Options struct {
	Dimension int
	// MaxItems caps the number of stored records; the oldest are trimmed
	// first. Zero means unbounded.
	MaxItems int
}

func (o Options) withDefaults() Options {
	if o.Dimension <= 0 {
		o.Dimension = DefaultDimension
	}
	return o
}

// rank scores every record against the query embedding and keeps the top k.
func rank(query []float32, recs []Record, k int) []Match {
	matches := make([]Match, 0, len(recs))
	for _, r := range recs {
		matches = append(matches, Match{Record: r, Score: Cosine(query, r.Embedding)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Metadata.Timestamp.After(matches[j].Metadata.Timestamp)
	})
	if k >= 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
