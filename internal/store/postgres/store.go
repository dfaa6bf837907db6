// Package postgres implements the work queue on Postgres for multi-host crawls.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/catalog-harvester/internal/crawler"
	"github.com/JakeFAU/catalog-harvester/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements crawler.Store on Postgres. Claims use FOR UPDATE SKIP LOCKED
// so several harvester processes can share one queue.
type Store struct {
	pool pool
	opts store.Options
}

// Open connects to Postgres and creates the schema if missing.
func Open(ctx context.Context, cfg Config, opts store.Options) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: p, opts: opts.WithDefaults()}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, opts store.Options) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p, opts: opts.WithDefaults()}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS queue_entries (
	url           TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	claimed_by    TEXT NOT NULL DEFAULT '',
	claimed_at    TIMESTAMPTZ,
	last_error    TEXT NOT NULL DEFAULT '',
	discovered_at TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_claim ON queue_entries (status, attempts, discovered_at);
CREATE TABLE IF NOT EXISTS records (
	url            TEXT PRIMARY KEY,
	title          TEXT NOT NULL,
	authors        JSONB NOT NULL DEFAULT '[]',
	rating         DOUBLE PRECISION,
	price_amount   DOUBLE PRECISION,
	price_currency TEXT NOT NULL DEFAULT '',
	genres         JSONB NOT NULL DEFAULT '[]',
	description    TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL DEFAULT '',
	scraped_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS reviews (
	book_url     TEXT NOT NULL REFERENCES records(url) ON DELETE CASCADE,
	position     INTEGER NOT NULL,
	review_id    TEXT NOT NULL,
	author       TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	rating       DOUBLE PRECISION,
	published_at TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (book_url, position)
);`

// EnsureSchema creates the queue and record tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) now() time.Time { return s.opts.Clock.Now().UTC() }

const entryColumns = `url, status, attempts, claimed_by, claimed_at, last_error, discovered_at, updated_at`

func scanEntry(row pgx.Row) (crawler.QueueEntry, error) {
	var (
		e      crawler.QueueEntry
		status string
	)
	if err := row.Scan(&e.URL, &status, &e.Attempts, &e.ClaimedBy, &e.ClaimedAt,
		&e.LastError, &e.DiscoveredAt, &e.UpdatedAt); err != nil {
		return crawler.QueueEntry{}, err
	}
	e.Status = crawler.Status(status)
	return e, nil
}

// Enqueue inserts url as Pending; existing rows are left untouched.
func (s *Store) Enqueue(ctx context.Context, url string) (crawler.EnqueueResult, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx, `
INSERT INTO queue_entries (url, status, discovered_at, updated_at)
VALUES ($1, $2, $3, $3)
ON CONFLICT (url) DO NOTHING`, url, string(crawler.StatusPending), now)
	if err != nil {
		return crawler.AlreadyExists, fmt.Errorf("enqueue %s: %w", url, err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.AlreadyExists, nil
	}
	return crawler.Inserted, nil
}

const claimSQL = `
WITH candidates AS (
	SELECT url FROM queue_entries
	WHERE attempts < $1
	  AND (status = 'pending' OR (status = 'failed' AND updated_at <= $2))
	ORDER BY (status = 'pending') DESC, attempts, discovered_at, url
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE queue_entries q
SET status = 'claimed', claimed_by = $4, claimed_at = $5, attempts = q.attempts + 1, updated_at = $5
FROM candidates c
WHERE q.url = c.url
RETURNING q.url, q.status, q.attempts, q.claimed_by, q.claimed_at, q.last_error, q.discovered_at, q.updated_at`

// ClaimBatch claims up to n entries in one statement.
func (s *Store) ClaimBatch(ctx context.Context, n int, workerID string) ([]crawler.QueueEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	now := s.now()
	rows, err := s.pool.Query(ctx, claimSQL,
		s.opts.MaxAttempts, now.Add(-s.opts.FailedCooldown), n, workerID, now)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var claimed []crawler.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed entry: %w", err)
		}
		claimed = append(claimed, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	return claimed, nil
}

const releaseHeldSQL = `
UPDATE queue_entries
SET status = $1, claimed_by = '', claimed_at = NULL, last_error = $2, updated_at = $3
WHERE url = $4 AND status = 'claimed' AND claimed_by = $5 AND attempts = $6`

// Complete writes record and marks the entry Done in one transaction.
func (s *Store) Complete(ctx context.Context, entry crawler.QueueEntry, record crawler.Record) (err error) {
	record.URL = entry.URL
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, releaseHeldSQL, string(crawler.StatusDone), "", s.now(),
		entry.URL, entry.ClaimedBy, entry.Attempts)
	if err != nil {
		return fmt.Errorf("complete %s: %w", entry.URL, err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotClaimed
	}
	if err = writeRecord(ctx, tx, record); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

// Fail records cause and moves the entry to Pending or Failed.
func (s *Store) Fail(ctx context.Context, entry crawler.QueueEntry, cause error, retryable bool) error {
	status := s.opts.FailureStatus(entry.Attempts, retryable)
	tag, err := s.pool.Exec(ctx, releaseHeldSQL, string(status), store.TruncateError(cause), s.now(),
		entry.URL, entry.ClaimedBy, entry.Attempts)
	if err != nil {
		return fmt.Errorf("fail %s: %w", entry.URL, err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotClaimed
	}
	return nil
}

// ReleaseStaleClaims frees claims taken before olderThan. Entries without
// attempts left go to Failed.
func (s *Store) ReleaseStaleClaims(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE queue_entries
SET status = CASE WHEN attempts < $1 THEN 'pending' ELSE 'failed' END,
    claimed_by = '', claimed_at = NULL, last_error = $2, updated_at = $3
WHERE status = 'claimed' AND claimed_at < $4`,
		s.opts.MaxAttempts, store.ErrLeaseExpired, s.now(), olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountByStatus tallies entries per status.
func (s *Store) CountByStatus(ctx context.Context) (crawler.StatusCounts, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM queue_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := crawler.StatusCounts{}
	for _, st := range crawler.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[crawler.Status(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	return counts, nil
}

// GetEntry returns the queue entry for url.
func (s *Store) GetEntry(ctx context.Context, url string) (crawler.QueueEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM queue_entries WHERE url = $1`, url))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.QueueEntry{}, crawler.ErrEntryNotFound
	}
	if err != nil {
		return crawler.QueueEntry{}, fmt.Errorf("get entry %s: %w", url, err)
	}
	return e, nil
}

const recordColumns = `url, title, authors, rating, price_amount, price_currency, genres, description, source, scraped_at`

func scanRecord(row pgx.Row) (crawler.Record, error) {
	var (
		rec              crawler.Record
		authors, genres  []byte
		amount           *float64
		currency, source string
	)
	if err := row.Scan(&rec.URL, &rec.Title, &authors, &rec.Rating, &amount, &currency,
		&genres, &rec.Description, &source, &rec.ScrapedAt); err != nil {
		return crawler.Record{}, err
	}
	if err := decodeList(authors, &rec.Authors); err != nil {
		return crawler.Record{}, fmt.Errorf("decode authors: %w", err)
	}
	if err := decodeList(genres, &rec.Genres); err != nil {
		return crawler.Record{}, fmt.Errorf("decode genres: %w", err)
	}
	if amount != nil {
		rec.Price = &crawler.Price{Amount: *amount, Currency: currency}
	}
	rec.Source = crawler.RecordSource(source)
	return rec, nil
}

func decodeList(raw []byte, out *[]string) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

const reviewColumns = `book_url, review_id, author, body, rating, published_at`

func scanReview(row pgx.Row) (crawler.Review, error) {
	var rv crawler.Review
	err := row.Scan(&rv.BookURL, &rv.ID, &rv.Author, &rv.Text, &rv.Rating, &rv.PublishedAt)
	return rv, err
}

func (s *Store) reviews(ctx context.Context, where string, args ...any) (map[string][]crawler.Review, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+reviewColumns+` FROM reviews `+where+` ORDER BY book_url, position`, args...)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]crawler.Review)
	for rows.Next() {
		rv, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		out[rv.BookURL] = append(out[rv.BookURL], rv)
	}
	return out, rows.Err()
}

// GetRecord returns the record stored for url with its reviews.
func (s *Store) GetRecord(ctx context.Context, url string) (crawler.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM records WHERE url = $1`, url))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Record{}, crawler.ErrRecordNotFound
	}
	if err != nil {
		return crawler.Record{}, fmt.Errorf("get record %s: %w", url, err)
	}
	byBook, err := s.reviews(ctx, `WHERE book_url = $1`, url)
	if err != nil {
		return crawler.Record{}, err
	}
	rec.Reviews = byBook[url]
	return rec, nil
}

// ListRecords returns all records ordered by URL.
func (s *Store) ListRecords(ctx context.Context) ([]crawler.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM records ORDER BY url`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	var out []crawler.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	byBook, err := s.reviews(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Reviews = byBook[out[i].URL]
	}
	return out, nil
}

// SaveRecord upserts a record outside of the claim flow and marks its entry Done.
// A currently claimed entry is left to its worker.
func (s *Store) SaveRecord(ctx context.Context, record crawler.Record) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save record: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := s.now()
	tag, err := tx.Exec(ctx, `
INSERT INTO queue_entries (url, status, discovered_at, updated_at)
VALUES ($1, 'done', $2, $2)
ON CONFLICT (url) DO UPDATE
SET status = 'done', last_error = '', updated_at = EXCLUDED.updated_at
WHERE queue_entries.status <> 'claimed'`, record.URL, now)
	if err != nil {
		return fmt.Errorf("save record %s: %w", record.URL, err)
	}
	if tag.RowsAffected() == 0 {
		return crawler.ErrNotClaimed
	}
	if err = writeRecord(ctx, tx, record); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save record: %w", err)
	}
	return nil
}

// ResetAll drops every record and requeues every entry.
func (s *Store) ResetAll(ctx context.Context) (n int, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin reset: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if _, err = tx.Exec(ctx, `DELETE FROM records`); err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	tag, err := tx.Exec(ctx, `
UPDATE queue_entries
SET status = 'pending', attempts = 0, claimed_by = '', claimed_at = NULL, last_error = '', updated_at = $1`,
		s.now())
	if err != nil {
		return 0, fmt.Errorf("reset queue: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reset: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func writeRecord(ctx context.Context, tx pgx.Tx, record crawler.Record) error {
	authors, err := json.Marshal(nonNil(record.Authors))
	if err != nil {
		return fmt.Errorf("marshal authors: %w", err)
	}
	genres, err := json.Marshal(nonNil(record.Genres))
	if err != nil {
		return fmt.Errorf("marshal genres: %w", err)
	}
	var (
		amount   *float64
		currency string
	)
	if record.Price != nil {
		a := record.Price.Amount
		amount = &a
		currency = record.Price.Currency
	}
	_, err = tx.Exec(ctx, `
INSERT INTO records (`+recordColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (url) DO UPDATE SET
	title = EXCLUDED.title, authors = EXCLUDED.authors, rating = EXCLUDED.rating,
	price_amount = EXCLUDED.price_amount, price_currency = EXCLUDED.price_currency,
	genres = EXCLUDED.genres, description = EXCLUDED.description,
	source = EXCLUDED.source, scraped_at = EXCLUDED.scraped_at`,
		record.URL, record.Title, authors, record.Rating, amount, currency,
		genres, record.Description, string(record.Source), record.ScrapedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert record %s: %w", record.URL, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM reviews WHERE book_url = $1`, record.URL); err != nil {
		return fmt.Errorf("clear reviews %s: %w", record.URL, err)
	}
	for i, rv := range record.Reviews {
		_, err := tx.Exec(ctx, `
INSERT INTO reviews (book_url, position, review_id, author, body, rating, published_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			record.URL, i, rv.ID, rv.Author, rv.Text, rv.Rating, rv.PublishedAt)
		if err != nil {
			return fmt.Errorf("insert review %s: %w", rv.ID, err)
		}
	}
	return nil
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
