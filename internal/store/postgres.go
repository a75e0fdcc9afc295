package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

const documentColumns = `id, source, state, retry_count, blob_key, content_type, size_bytes, chunk_count, last_error, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	// Advisory lock so a gateway and several workers starting together do
	// not race on DDL.
	const lockID = 727311001

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
	}()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			state TEXT NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			blob_key TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			size_bytes BIGINT NOT NULL DEFAULT 0,
			chunk_count INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS documents_source_key ON documents(source);`,
		`CREATE INDEX IF NOT EXISTS documents_state_updated_idx ON documents(state, updated_at);`,
	}
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate documents: %w", err)
		}
	}
	return nil
}

func pgNow() time.Time {
	// TIMESTAMPTZ keeps microseconds; truncating keeps IfUpdatedAt comparable.
	return time.Now().UTC().Truncate(time.Microsecond)
}

func pgPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

func pgStamp(p string) string {
	return "GREATEST(" + p + "::timestamptz, updated_at + interval '1 microsecond')"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgres(row rowScanner) (Document, error) {
	var d Document
	var state string
	err := row.Scan(&d.ID, &d.Source, &state, &d.RetryCount, &d.BlobKey, &d.ContentType,
		&d.SizeBytes, &d.ChunkCount, &d.LastError, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Document{}, err
	}
	d.State = State(state)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

func (s *PostgresStore) Create(ctx context.Context, doc Document) (Document, bool, error) {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := pgNow()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO documents(id, source, state, blob_key, content_type, size_bytes, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$7)
		ON CONFLICT (source) DO NOTHING
		RETURNING `+documentColumns,
		doc.ID, doc.Source, string(StateReceived), doc.BlobKey, doc.ContentType, doc.SizeBytes, now)
	created, err := scanPostgres(row)
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

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id)
	d, err := scanPostgres(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return d, nil
}

func (s *PostgresStore) GetBySource(ctx context.Context, source string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE source=$1`, source)
	d, err := scanPostgres(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to get document by source: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) Transition(ctx context.Context, id uuid.UUID, from, to State, opts ...TransitionOption) (Document, error) {
	if err := ValidateTransition(from, to); err != nil {
		return Document{}, err
	}
	o := buildOptions(opts)

	args := []any{id, string(from)}
	where := "id = $1 AND state = $2"
	if o.ifUpdated != nil {
		args = append(args, o.ifUpdated.UTC())
		where += " AND updated_at = $3"
	}
	set, args := setClause(from, to, pgNow(), o, pgPlaceholder, pgStamp, args)

	row := s.db.QueryRowContext(ctx, `UPDATE documents SET `+set+` WHERE `+where+` RETURNING `+documentColumns, args...)
	d, err := scanPostgres(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, resolveMiss(ctx, s, id, from, to)
	}
	if err != nil {
		return Document{}, fmt.Errorf("failed to transition document %s: %w", id, err)
	}
	return d, nil
}

func (s *PostgresStore) ListStale(ctx context.Context, states []State, olderThan time.Time, limit int) ([]Document, error) {
	if len(states) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE state = ANY($1) AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`, pq.Array(stateStrings(states)), olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanPostgres(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID, expect State) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1 AND state=$2`, id, string(expect))
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

func (s *PostgresStore) Counts(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, count(*) FROM documents GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	defer rows.Close()
	return scanCounts(rows)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanCounts(rows *sql.Rows) (map[State]int, error) {
	out := make(map[State]int, len(AllStates))
	for _, st := range AllStates {
		out[st] = 0
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[State(state)] = n
	}
	return out, rows.Err()
}
