// Package postgres provides the Postgres-backed snapshot store.
//
// Expected schema:
//
//	CREATE TABLE books (
//		novel_id   BIGINT PRIMARY KEY,
//		title      TEXT NOT NULL,
//		author     TEXT NOT NULL DEFAULT '',
//		category   TEXT NOT NULL DEFAULT '',
//		status     TEXT NOT NULL DEFAULT '',
//		first_seen TIMESTAMPTZ NOT NULL,
//		updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE rankings (
//		rank_id TEXT PRIMARY KEY,
//		name    TEXT NOT NULL,
//		channel TEXT NOT NULL DEFAULT '',
//		page_id TEXT NOT NULL,
//		hourly  BOOLEAN NOT NULL DEFAULT FALSE
//	);
//	CREATE TABLE book_snapshots (
//		novel_id       BIGINT NOT NULL,
//		bucket_ts      TIMESTAMPTZ NOT NULL,
//		captured_at    TIMESTAMPTZ NOT NULL,
//		collections    BIGINT,
//		chapter_clicks BIGINT,
//		PRIMARY KEY (novel_id, bucket_ts)
//	);
//	CREATE TABLE ranking_snapshots (
//		rank_id     TEXT NOT NULL,
//		novel_id    BIGINT NOT NULL,
//		bucket_ts   TIMESTAMPTZ NOT NULL,
//		captured_at TIMESTAMPTZ NOT NULL,
//		position    INT NOT NULL,
//		delta       INT NOT NULL DEFAULT 0,
//		PRIMARY KEY (rank_id, novel_id, bucket_ts)
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bookpulse/bookpulse/internal/tracker"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// dbPool is the subset of pgxpool.Pool the store uses; pgxmock implements it.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements tracker.SnapshotStore on Postgres. All snapshot writes
// are atomic upserts keyed by (entity, capture bucket), so concurrent
// workers writing different entities need no coordination.
type Store struct {
	pool dbPool
}

// New connects a Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertBook inserts the book on first sighting; later sightings correct
// mutable fields but keep first_seen.
func (s *Store) UpsertBook(ctx context.Context, book tracker.Book) error {
	query := `
INSERT INTO books (novel_id, title, author, category, status, first_seen, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (novel_id) DO UPDATE SET
	title      = COALESCE(NULLIF(EXCLUDED.title, ''), books.title),
	author     = COALESCE(NULLIF(EXCLUDED.author, ''), books.author),
	category   = COALESCE(NULLIF(EXCLUDED.category, ''), books.category),
	status     = COALESCE(NULLIF(EXCLUDED.status, ''), books.status),
	updated_at = EXCLUDED.updated_at`
	args := []any{
		book.NovelID, book.Title, book.Author, book.Category, book.Status,
		book.FirstSeen, book.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return &tracker.StoreError{Op: "upsert book", Err: err}
	}
	return nil
}

// UpsertRanking registers or refreshes a ranking definition.
func (s *Store) UpsertRanking(ctx context.Context, ranking tracker.Ranking) error {
	query := `
INSERT INTO rankings (rank_id, name, channel, page_id, hourly)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (rank_id) DO UPDATE SET
	name    = EXCLUDED.name,
	channel = EXCLUDED.channel,
	page_id = EXCLUDED.page_id,
	hourly  = EXCLUDED.hourly`
	args := []any{ranking.RankID, ranking.Name, ranking.Channel, ranking.PageID, ranking.Hourly}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return &tracker.StoreError{Op: "upsert ranking", Err: err}
	}
	return nil
}

// UpsertBookSnapshot writes one observation; a re-crawl inside the same
// capture bucket replaces the earlier row.
func (s *Store) UpsertBookSnapshot(ctx context.Context, snap tracker.BookSnapshot) error {
	query := `
INSERT INTO book_snapshots (novel_id, bucket_ts, captured_at, collections, chapter_clicks)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (novel_id, bucket_ts) DO UPDATE SET
	captured_at    = EXCLUDED.captured_at,
	collections    = EXCLUDED.collections,
	chapter_clicks = EXCLUDED.chapter_clicks`
	args := []any{
		snap.NovelID, tracker.BucketTime(snap.CapturedAt), snap.CapturedAt,
		snap.Collections, snap.ChapterClicks,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return &tracker.StoreError{Op: "upsert book snapshot", Err: err}
	}
	return nil
}

// UpsertRankingSnapshot writes one ranking entry keyed by
// (rank, book, capture bucket).
func (s *Store) UpsertRankingSnapshot(ctx context.Context, snap tracker.RankingSnapshot) error {
	query := `
INSERT INTO ranking_snapshots (rank_id, novel_id, bucket_ts, captured_at, position, delta)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (rank_id, novel_id, bucket_ts) DO UPDATE SET
	captured_at = EXCLUDED.captured_at,
	position    = EXCLUDED.position,
	delta       = EXCLUDED.delta`
	args := []any{
		snap.RankID, snap.NovelID, tracker.BucketTime(snap.CapturedAt),
		snap.CapturedAt, snap.Position, snap.Delta,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return &tracker.StoreError{Op: "upsert ranking snapshot", Err: err}
	}
	return nil
}

// GetBook fetches a book by external id.
func (s *Store) GetBook(ctx context.Context, novelID int64) (tracker.Book, error) {
	query := `
SELECT novel_id, title, author, category, status, first_seen, updated_at
FROM books WHERE novel_id = $1`
	var book tracker.Book
	err := s.pool.QueryRow(ctx, query, novelID).Scan(
		&book.NovelID, &book.Title, &book.Author, &book.Category,
		&book.Status, &book.FirstSeen, &book.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.Book{}, fmt.Errorf("book %d: %w", novelID, tracker.ErrNotFound)
	}
	if err != nil {
		return tracker.Book{}, &tracker.StoreError{Op: "get book", Err: err}
	}
	return book, nil
}

// GetRanking fetches a ranking by id.
func (s *Store) GetRanking(ctx context.Context, rankID string) (tracker.Ranking, error) {
	query := `
SELECT rank_id, name, channel, page_id, hourly
FROM rankings WHERE rank_id = $1`
	var ranking tracker.Ranking
	err := s.pool.QueryRow(ctx, query, rankID).Scan(
		&ranking.RankID, &ranking.Name, &ranking.Channel,
		&ranking.PageID, &ranking.Hourly,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.Ranking{}, fmt.Errorf("ranking %q: %w", rankID, tracker.ErrNotFound)
	}
	if err != nil {
		return tracker.Ranking{}, &tracker.StoreError{Op: "get ranking", Err: err}
	}
	return ranking, nil
}

// QueryBookSnapshots returns snapshots captured in [from, to), ordered by
// capture time ascending.
func (s *Store) QueryBookSnapshots(ctx context.Context, novelID int64, from, to time.Time) ([]tracker.BookSnapshot, error) {
	query := `
SELECT novel_id, captured_at, collections, chapter_clicks
FROM book_snapshots
WHERE novel_id = $1 AND captured_at >= $2 AND captured_at < $3
ORDER BY captured_at ASC`
	rows, err := s.pool.Query(ctx, query, novelID, from, to)
	if err != nil {
		return nil, &tracker.StoreError{Op: "query book snapshots", Err: err}
	}
	defer rows.Close()

	var out []tracker.BookSnapshot
	for rows.Next() {
		var snap tracker.BookSnapshot
		if err := rows.Scan(&snap.NovelID, &snap.CapturedAt, &snap.Collections, &snap.ChapterClicks); err != nil {
			return nil, &tracker.StoreError{Op: "scan book snapshot", Err: err}
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, &tracker.StoreError{Op: "iterate book snapshots", Err: err}
	}
	return out, nil
}

// LatestRankingSnapshots returns the most recent capture bucket's entries
// for a ranking, ordered by position.
func (s *Store) LatestRankingSnapshots(ctx context.Context, rankID string) ([]tracker.RankingSnapshot, error) {
	query := `
SELECT rank_id, novel_id, captured_at, position, delta
FROM ranking_snapshots
WHERE rank_id = $1
  AND bucket_ts = (SELECT MAX(bucket_ts) FROM ranking_snapshots WHERE rank_id = $1)
ORDER BY position ASC`
	rows, err := s.pool.Query(ctx, query, rankID)
	if err != nil {
		return nil, &tracker.StoreError{Op: "query ranking snapshots", Err: err}
	}
	defer rows.Close()

	var out []tracker.RankingSnapshot
	for rows.Next() {
		var snap tracker.RankingSnapshot
		if err := rows.Scan(&snap.RankID, &snap.NovelID, &snap.CapturedAt, &snap.Position, &snap.Delta); err != nil {
			return nil, &tracker.StoreError{Op: "scan ranking snapshot", Err: err}
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, &tracker.StoreError{Op: "iterate ranking snapshots", Err: err}
	}
	return out, nil
}
