package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-node Store. Timestamps are unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens the database at path; ":memory:" gives a private
// in-process database.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite dir: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// One writer at a time; for :memory: this also keeps a single database.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			blob_key TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			size_bytes INTEGER NOT NULL DEFAULT 0,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS documents_state_updated_idx ON documents(state, updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate documents: %w", err)
		}
	}
	return nil
}

func sqlitePlaceholder(int) string { return "?" }

func sqliteStamp(p string) string { return "MAX(" + p + ", updated_at + 1)" }

func scanSQLite(row rowScanner) (Document, error) {
	var d Document
	var id, state string
	var created, updated int64
	err := row.Scan(&id, &d.Source, &state, &d.RetryCount, &d.BlobKey, &d.ContentType,
		&d.SizeBytes, &d.ChunkCount, &d.LastError, &created, &updated)
	if err != nil {
		return Document{}, err
	}
	if d.ID, err = uuid.Parse(id); err != nil {
		return Document{}, fmt.Errorf("corrupt document id %q: %w", id, err)
	}
	d.State = State(state)
	d.CreatedAt = time.UnixMilli(created).UTC()
	d.UpdatedAt = time.UnixMilli(updated).UTC()
	return d, nil
}

func (s *SQLiteStore) Create(ctx context.Context, doc Document) (Document, bool, error) {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := time.Now().UnixMilli()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO documents(id, source, state, blob_key, content_type, size_bytes, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(source) DO NOTHING
		RETURNING `+documentColumns,
		doc.ID.String(), doc.Source, string(StateReceived), doc.BlobKey, doc.ContentType, doc.SizeBytes, now, now)
	created, err := scanSQLite(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, fmt.Errorf("failed to insert document: %w", err)
	}
	existing, err := s.GetBySource(ctx, doc.Source)
	if err != nil {
		return Document{}, false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=?`, id.String())
	d, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return d, nil
}

func (s *SQLiteStore) GetBySource(ctx context.Context, source string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE source=?`, source)
	d, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get document by source: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, id uuid.UUID, from, to State, opts ...TransitionOption) (Document, error) {
	if err := ValidateTransition(from, to); err != nil {
		return Document{}, err
	}
	o := buildOptions(opts)

	// SET placeholders precede WHERE placeholders in the statement.
	set, args := setClause(from, to, time.Now().UnixMilli(), o, sqlitePlaceholder, sqliteStamp, nil)
	args = append(args, id.String(), string(from))
	where := "id = ? AND state = ?"
	if o.ifUpdated != nil {
		args = append(args, o.ifUpdated.UnixMilli())
		where += " AND updated_at = ?"
	}

	row := s.db.QueryRowContext(ctx, `UPDATE documents SET `+set+` WHERE `+where+` RETURNING `+documentColumns, args...)
	d, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, resolveMiss(ctx, s, id, from, to)
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to transition document %s: %w", id, err)
	}
	return d, nil
}

func (s *SQLiteStore) ListStale(ctx context.Context, states []State, olderThan time.Time, limit int) ([]Document, error) {
	if len(states) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	args := make([]any, 0, len(states)+2)
	for _, st := range states {
		args = append(args, string(st))
	}
	args = append(args, olderThan.UnixMilli(), limit)
	marks := strings.TrimSuffix(strings.Repeat("?,", len(states)), ",")

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE state IN (`+marks+`) AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id uuid.UUID, expect State) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=? AND state=?`, id.String(), string(expect))
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s is no longer %s", ErrConflict, id, expect)
	}
	return nil
}

func (s *SQLiteStore) Counts(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, count(*) FROM documents GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	defer rows.Close()
	return scanCounts(rows)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
