package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHashEmbedderIsNormalisedAndDeterministic(t *testing.T) {
	e := HashEmbedder{Dimension: 64}
	a := e.Embed("list the files here")
	b := e.Embed("list the files here")
	require.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, Cosine(a, a), 1e-6)

	zero := e.Embed("   ")
	assert.Equal(t, 0.0, Cosine(zero, a))
}

func TestCosineMismatchedLength(t *testing.T) {
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 0}))
}

func stores(t *testing.T, opts Options) map[string]Store {
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "mem", "memory.db"), opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"mem":    NewMemStore(opts),
		"sqlite": sqlite,
	}
}

func TestQueryRanksBySimilarity(t *testing.T) {
	for name, s := range stores(t, Options{Dimension: 128}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Upsert(ctx, NewRecord(SourceShell, "git status showed a clean tree", "/repo")))
			require.NoError(t, s.Upsert(ctx, NewRecord(SourceSearch, "weather in paris is sunny", "")))
			require.NoError(t, s.Upsert(ctx, NewRecord(SourceConversation, "user asked about git branches", "")))

			got, err := s.Query(ctx, "git status", 2)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "git status showed a clean tree", got[0].Content)
			assert.GreaterOrEqual(t, got[0].Score, got[1].Score)
			assert.Equal(t, SourceShell, got[0].Metadata.Source)
			assert.Equal(t, "/repo", got[0].Metadata.CWD)
		})
	}
}

func TestQueryTiesBrokenByRecency(t *testing.T) {
	for name, s := range stores(t, Options{}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now()
			for i := 0; i < 3; i++ {
				rec := NewRecord(SourceConversation, "same text", "")
				rec.ID = fmt.Sprintf("r%d", i)
				rec.Metadata.Timestamp = base.Add(time.Duration(i) * time.Second)
				require.NoError(t, s.Upsert(ctx, rec))
			}
			got, err := s.Query(ctx, "same text", 3)
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, []string{"r2", "r1", "r0"}, []string{got[0].ID, got[1].ID, got[2].ID})
		})
	}
}

func TestMaxItemsTrimsOldest(t *testing.T) {
	for name, s := range stores(t, Options{MaxItems: 2}) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now()
			for i := 0; i < 4; i++ {
				rec := NewRecord(SourceConversation, fmt.Sprintf("item %d", i), "")
				rec.Metadata.Timestamp = base.Add(time.Duration(i) * time.Second)
				require.NoError(t, s.Upsert(ctx, rec))
			}
			n, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			got, err := s.Query(ctx, "item", 10)
			require.NoError(t, err)
			var contents []string
			for _, m := range got {
				contents = append(contents, m.Content)
			}
			assert.ElementsMatch(t, []string{"item 2", "item 3"}, contents)

			require.NoError(t, s.Clear(ctx))
			n, err = s.Count(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}
