package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/m4xw311/hybridshell/errors"
	"github.com/m4xw311/hybridshell/logging"
)

// SQLiteStore persists records in a SQLite database. Similarity is computed
// in process; the store is bounded by MaxItems so a full scan stays cheap.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	opts     Options
	embedder HashEmbedder
	log      *zap.Logger
}

// OpenSQLite opens (or creates) the database at path and initializes the schema.
func OpenSQLite(path string, opts Options, log *zap.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(errors.Join(ErrUnavailable, err), "could not create memory directory")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrapf(errors.Join(ErrUnavailable, err), "open sqlite")
	}
	db.SetMaxOpenConns(1)

	opts = opts.withDefaults()
	s := &SQLiteStore{
		db:       db,
		path:     path,
		opts:     opts,
		embedder: HashEmbedder{Dimension: opts.Dimension},
		log:      logging.OrNop(log),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrapf(errors.Join(ErrUnavailable, err), "migrate")
	}

	s.log.Debug("memory store opened", zap.String("path", path))
	return s, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding TEXT NOT NULL DEFAULT '[]',
			source TEXT NOT NULL,
			cwd TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_records_source ON records(source)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrapf(err, "exec %q", stmt[:min(len(stmt), 60)])
		}
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	if len(rec.Embedding) == 0 {
		rec.Embedding = s.embedder.Embed(rec.Content)
	}
	if rec.Metadata.Timestamp.IsZero() {
		rec.Metadata.Timestamp = time.Now()
	}
	embJSON, err := json.Marshal(rec.Embedding)
	if err != nil {
		return errors.Wrapf(err, "marshal embedding")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO records (id, content, embedding, source, cwd, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Content, string(embJSON), string(rec.Metadata.Source), rec.Metadata.CWD,
		rec.Metadata.Timestamp.UnixNano())
	if err != nil {
		return errors.Wrapf(errors.Join(ErrUnavailable, err), "upsert record")
	}

	if s.opts.MaxItems > 0 {
		// Keep the newest MaxItems rows.
		_, err = tx.ExecContext(ctx, `DELETE FROM records WHERE id IN (
			SELECT id FROM records ORDER BY created_at DESC LIMIT -1 OFFSET ?)`, s.opts.MaxItems)
		if err != nil {
			return errors.Wrapf(errors.Join(ErrUnavailable, err), "trim records")
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Query(ctx context.Context, text string, k int) ([]Match, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, embedding, source, cwd, created_at FROM records`)
	if err != nil {
		return nil, errors.Wrapf(errors.Join(ErrUnavailable, err), "query records")
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			r       Record
			embJSON string
			source  string
			created int64
		)
		if err := rows.Scan(&r.ID, &r.Content, &embJSON, &source, &r.Metadata.CWD, &created); err != nil {
			return nil, errors.Wrapf(err, "scan record")
		}
		if err := json.Unmarshal([]byte(embJSON), &r.Embedding); err != nil {
			s.log.Warn("skipping record with malformed embedding", zap.String("id", r.ID), zap.Error(err))
			continue
		}
		r.Metadata.Source = Source(source)
		r.Metadata.Timestamp = time.Unix(0, created)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(errors.Join(ErrUnavailable, err), "iterate records")
	}
	return rank(s.embedder.Embed(text), recs, k), nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, errors.Wrapf(errors.Join(ErrUnavailable, err), "count records")
	}
	return n, nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return errors.Wrapf(errors.Join(ErrUnavailable, err), "clear records")
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
