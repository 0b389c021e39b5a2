package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/reelhouse/catalog-cli/internal/db"
	"github.com/reelhouse/catalog-cli/internal/model"
	"github.com/reelhouse/catalog-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS content_records (
	id                 TEXT PRIMARY KEY,
	content_type       TEXT NOT NULL,
	title              TEXT NOT NULL,
	alternative_titles TEXT[] NOT NULL DEFAULT '{}',
	doc                JSONB NOT NULL,
	unified_score      DOUBLE PRECISION,
	version            BIGINT NOT NULL DEFAULT 1,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS content_external_ids (
	provider    TEXT NOT NULL,
	external_id TEXT NOT NULL,
	content_id  TEXT NOT NULL REFERENCES content_records(id) ON DELETE CASCADE,
	PRIMARY KEY (provider, external_id)
);

CREATE TABLE IF NOT EXISTS ingest_dlq (
	id             TEXT PRIMARY KEY,
	provider       TEXT NOT NULL,
	external_id    TEXT NOT NULL DEFAULT '',
	source         JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_content_records_type ON content_records(content_type);
CREATE INDEX IF NOT EXISTS idx_content_records_title_trgm ON content_records USING gin (title gin_trgm_ops);
CREATE INDEX IF NOT EXISTS idx_content_external_ids_content ON content_external_ids(content_id);
CREATE INDEX IF NOT EXISTS idx_ingest_dlq_error_type ON ingest_dlq(error_type);
CREATE INDEX IF NOT EXISTS idx_ingest_dlq_next_retry ON ingest_dlq(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Record, error) {
	r, err := scanPgRecord(s.pool.QueryRow(ctx, `SELECT doc, version FROM content_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", id)
	}
	return r, nil
}

func (s *PostgresStore) FindByExternalID(ctx context.Context, provider, externalID string) (*model.Record, error) {
	r, err := scanPgRecord(s.pool.QueryRow(ctx,
		`SELECT c.doc, c.version FROM content_records c
		 JOIN content_external_ids x ON x.content_id = c.id
		 WHERE x.provider = $1 AND x.external_id = $2`,
		provider, externalID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find by external id %s:%s", provider, externalID)
	}
	return r, nil
}

// FindByTitle orders exact title-family matches first so a limit never
// drops them. A NULL limit returns every row.
func (s *PostgresStore) FindByTitle(ctx context.Context, q TitleQuery) ([]model.Record, error) {
	var limit any
	if q.Limit > 0 {
		limit = q.Limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT doc, version FROM content_records
		 WHERE content_type = $1
		   AND (title ~* $2 OR EXISTS (SELECT 1 FROM unnest(alternative_titles) alt WHERE alt ~* $2))
		 ORDER BY (lower(title) = lower($3)
		           OR EXISTS (SELECT 1 FROM unnest(alternative_titles) alt WHERE lower(alt) = lower($3))) DESC,
		          id
		 LIMIT $4`,
		string(q.Type), q.pattern(), strings.TrimSpace(q.Text), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find by title")
	}
	return collectPgRecords(rows, "postgres: find by title")
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]model.Record, error) {
	query := `SELECT doc, version FROM content_records WHERE id > $1`
	args := []any{filter.AfterID}
	argIdx := 2

	if filter.Type != "" {
		query += fmt.Sprintf(` AND content_type = $%d`, argIdx)
		args = append(args, string(filter.Type))
		argIdx++
	}

	query += fmt.Sprintf(` ORDER BY id LIMIT $%d`, argIdx)
	args = append(args, filter.limit())

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	return collectPgRecords(rows, "postgres: list records")
}

func (s *PostgresStore) Create(ctx context.Context, r *model.Record) error {
	if err := validateRecord(r); err != nil {
		return err
	}
	stamp(r)
	r.Version = 1

	doc, err := json.Marshal(r)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO content_records (id, content_type, title, alternative_titles, doc, unified_score, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, string(r.Type), r.Title, altTitles(r), doc, r.UnifiedScore, r.Version, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		r.Version = 0
		return eris.Wrapf(err, "postgres: insert record %s", r.ID)
	}
	if err := upsertPgExternalIDs(ctx, tx, r); err != nil {
		r.Version = 0
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		r.Version = 0
		return eris.Wrap(err, "postgres: commit create")
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, r *model.Record) error {
	if err := validateRecord(r); err != nil {
		return err
	}
	stamp(r)

	next := *r
	next.Version = r.Version + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin update")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE content_records
		 SET title = $1, alternative_titles = $2, doc = $3, unified_score = $4, version = version + 1, updated_at = $5
		 WHERE id = $6 AND version = $7`,
		r.Title, altTitles(r), doc, r.UnifiedScore, r.UpdatedAt, r.ID, r.Version,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record %s", r.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrVersionConflict, "postgres: update record %s at version %d", r.ID, r.Version)
	}
	if err := upsertPgExternalIDs(ctx, tx, r); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit update")
	}
	r.Version = next.Version
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM content_records WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete record %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: delete record %s", id)
	}
	return nil
}

func upsertPgExternalIDs(ctx context.Context, tx pgx.Tx, r *model.Record) error {
	for provider, extID := range externalIDs(r) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO content_external_ids (provider, external_id, content_id) VALUES ($1, $2, $3)
			 ON CONFLICT (provider, external_id) DO UPDATE SET content_id = EXCLUDED.content_id`,
			provider, extID, r.ID,
		); err != nil {
			return eris.Wrapf(err, "postgres: upsert external id %s:%s", provider, extID)
		}
	}
	return nil
}

func scanPgRecord(row pgx.Row) (*model.Record, error) {
	var doc []byte
	var version int64
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}
	var r model.Record
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal record")
	}
	r.Version = version
	return &r, nil
}

func collectPgRecords(rows pgx.Rows, action string) ([]model.Record, error) {
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, action)
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), action)
}

func altTitles(r *model.Record) []string {
	if r.AlternativeTitles == nil {
		return []string{}
	}
	return r.AlternativeTitles
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	sourceJSON, err := json.Marshal(entry.Source)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq source")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO ingest_dlq
		 (id, provider, external_id, source, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   source = $4, error = $5, error_type = $6, retry_count = $7,
		   next_retry_at = $9, last_failed_at = $11`,
		entry.ID, entry.Source.Provider, entry.Source.ExternalID, sourceJSON,
		entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

// DequeueDLQ returns entries that are due for a retry and still have retries
// left, oldest retry time first.
func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return s.queryDLQ(ctx, filter, true)
}

// ListDLQ returns every entry matching filter regardless of retry state.
func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return s.queryDLQ(ctx, filter, false)
}

func (s *PostgresStore) queryDLQ(ctx context.Context, filter resilience.DLQFilter, dueOnly bool) ([]resilience.DLQEntry, error) {
	query := `SELECT id, source, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM ingest_dlq WHERE TRUE`
	args := []any{}
	argIdx := 1

	if dueOnly {
		query += ` AND next_retry_at <= now() AND retry_count < max_retries`
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	if filter.Provider != "" {
		query += fmt.Sprintf(` AND provider = $%d`, argIdx)
		args = append(args, filter.Provider)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var sourceJSON []byte
		if err := rows.Scan(&e.ID, &sourceJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if err := json.Unmarshal(sourceJSON, &e.Source); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq source")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: query dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_dlq
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq_entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ingest_dlq WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ingest_dlq`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

var _ Store = (*PostgresStore)(nil)
