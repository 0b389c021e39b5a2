package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/reelhouse/catalog-cli/internal/model"
	"github.com/reelhouse/catalog-cli/internal/resilience"
)

// sqliteTime is a fixed-width UTC layout so stored timestamps compare
// correctly as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Single connection: SQLite has one writer, and pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS content_records (
	id            TEXT PRIMARY KEY,
	content_type  TEXT NOT NULL,
	title         TEXT NOT NULL,
	search_text   TEXT NOT NULL,
	doc           TEXT NOT NULL,
	unified_score REAL,
	version       INTEGER NOT NULL DEFAULT 1,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
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
	source         TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	last_failed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_content_records_type ON content_records(content_type);
CREATE INDEX IF NOT EXISTS idx_content_external_ids_content ON content_external_ids(content_id);
CREATE INDEX IF NOT EXISTS idx_ingest_dlq_error_type ON ingest_dlq(error_type);
CREATE INDEX IF NOT EXISTS idx_ingest_dlq_next_retry ON ingest_dlq(next_retry_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT doc, version FROM content_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) FindByExternalID(ctx context.Context, provider, externalID string) (*model.Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT c.doc, c.version FROM content_records c
		 JOIN content_external_ids x ON x.content_id = c.id
		 WHERE x.provider = ? AND x.external_id = ?`,
		provider, externalID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find by external id %s:%s", provider, externalID)
	}
	return r, nil
}

// FindByTitle narrows rows with instr over the lowercased title family and
// confirms each hit with the case-insensitive pattern.
func (s *SQLiteStore) FindByTitle(ctx context.Context, q TitleQuery) ([]model.Record, error) {
	re, err := regexp.Compile("(?i)" + q.pattern())
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: compile title pattern")
	}

	needle := strings.ToLower(strings.TrimSpace(q.Text))
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc, version FROM content_records
		 WHERE content_type = ? AND instr(search_text, ?) > 0
		 ORDER BY id`,
		string(q.Type), needle,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find by title")
	}
	recs, err := collectRecords(rows, "sqlite: find by title")
	if err != nil {
		return nil, err
	}

	var exact, partial []model.Record
	for i := range recs {
		switch {
		case !titleMatches(re, &recs[i]):
		case q.exact(&recs[i]):
			exact = append(exact, recs[i])
		default:
			partial = append(partial, recs[i])
		}
	}
	out := append(exact, partial...)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]model.Record, error) {
	query := `SELECT doc, version FROM content_records WHERE id > ?`
	args := []any{filter.AfterID}
	if filter.Type != "" {
		query += ` AND content_type = ?`
		args = append(args, string(filter.Type))
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	return collectRecords(rows, "sqlite: list records")
}

func (s *SQLiteStore) Create(ctx context.Context, r *model.Record) error {
	if err := validateRecord(r); err != nil {
		return err
	}
	stamp(r)
	r.Version = 1

	doc, err := json.Marshal(r)
	if err != nil {
		r.Version = 0
		return eris.Wrap(err, "sqlite: marshal record")
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO content_records (id, content_type, title, search_text, doc, unified_score, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, string(r.Type), r.Title, searchText(r), string(doc), r.UnifiedScore, r.Version,
			r.CreatedAt.UTC().Format(sqliteTime), r.UpdatedAt.UTC().Format(sqliteTime),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert record %s", r.ID)
		}
		return upsertExternalIDs(ctx, tx, r)
	})
	if err != nil {
		r.Version = 0
	}
	return err
}

func (s *SQLiteStore) Update(ctx context.Context, r *model.Record) error {
	if err := validateRecord(r); err != nil {
		return err
	}
	stamp(r)

	next := *r
	next.Version = r.Version + 1
	doc, err := json.Marshal(&next)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record")
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE content_records
			 SET title = ?, search_text = ?, doc = ?, unified_score = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND version = ?`,
			r.Title, searchText(r), string(doc), r.UnifiedScore, r.UpdatedAt.UTC().Format(sqliteTime), r.ID, r.Version,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update record %s", r.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			return eris.Wrapf(ErrVersionConflict, "sqlite: update record %s at version %d", r.ID, r.Version)
		}
		return upsertExternalIDs(ctx, tx, r)
	})
	if err != nil {
		return err
	}
	r.Version = next.Version
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM content_external_ids WHERE content_id = ?`, id); err != nil {
			return eris.Wrapf(err, "sqlite: delete external ids %s", id)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM content_records WHERE id = ?`, id)
		if err != nil {
			return eris.Wrapf(err, "sqlite: delete record %s", id)
		}
		if err := checkRowsAffected(res, "record", id); err != nil {
			return eris.Wrap(ErrNotFound, err.Error())
		}
		return nil
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func upsertExternalIDs(ctx context.Context, tx *sql.Tx, r *model.Record) error {
	for provider, extID := range externalIDs(r) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO content_external_ids (provider, external_id, content_id) VALUES (?, ?, ?)
			 ON CONFLICT (provider, external_id) DO UPDATE SET content_id = excluded.content_id`,
			provider, extID, r.ID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert external id %s:%s", provider, extID)
		}
	}
	return nil
}

// Dead letter queue methods

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	sourceJSON, err := json.Marshal(entry.Source)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq source")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingest_dlq
		 (id, provider, external_id, source, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   source = excluded.source, error = excluded.error, error_type = excluded.error_type,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.Source.Provider, entry.Source.ExternalID, string(sourceJSON),
		entry.Error, entry.ErrorType, entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UTC().Format(sqliteTime),
		entry.CreatedAt.UTC().Format(sqliteTime),
		entry.LastFailedAt.UTC().Format(sqliteTime),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return s.queryDLQ(ctx, filter, true)
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return s.queryDLQ(ctx, filter, false)
}

func (s *SQLiteStore) queryDLQ(ctx context.Context, filter resilience.DLQFilter, dueOnly bool) ([]resilience.DLQEntry, error) {
	query := `SELECT id, source, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM ingest_dlq WHERE 1 = 1`
	var args []any

	if dueOnly {
		query += ` AND next_retry_at <= ? AND retry_count < max_retries`
		args = append(args, time.Now().UTC().Format(sqliteTime))
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	if filter.Provider != "" {
		query += ` AND provider = ?`
		args = append(args, filter.Provider)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY next_retry_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query dlq")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var sourceJSON, nextRetry, created, lastFailed string
		if err := rows.Scan(&e.ID, &sourceJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &nextRetry, &created, &lastFailed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		if err := json.Unmarshal([]byte(sourceJSON), &e.Source); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq source")
		}
		e.NextRetryAt = parseSQLiteTime(nextRetry)
		e.CreatedAt = parseSQLiteTime(created)
		e.LastFailedAt = parseSQLiteTime(lastFailed)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: query dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_dlq
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC().Format(sqliteTime), lastErr, time.Now().UTC().Format(sqliteTime), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM ingest_dlq WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingest_dlq`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*model.Record, error) {
	var doc string
	var version int64
	if err := row.Scan(&doc, &version); err != nil {
		return nil, err
	}
	var r model.Record
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal record")
	}
	r.Version = version
	return &r, nil
}

func collectRecords(rows *sql.Rows, action string) ([]model.Record, error) {
	defer rows.Close() //nolint:errcheck
	var out []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, action)
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), action)
}

func searchText(r *model.Record) string {
	return strings.ToLower(strings.Join(r.TitleFamily(), "\n"))
}

func parseSQLiteTime(s string) time.Time {
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ Store = (*SQLiteStore)(nil)
