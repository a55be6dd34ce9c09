// Package memory provides an in-memory snapshot store for development and
// testing. Upsert keys mirror the Postgres schema: one row per (entity,
// capture bucket), last write wins inside a bucket.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bookpulse/bookpulse/internal/tracker"
)

type rankingKey struct {
	rankID  string
	novelID int64
	bucket  time.Time
}

// Store implements tracker.SnapshotStore in process memory.
type Store struct {
	mu        sync.RWMutex
	books     map[int64]tracker.Book
	rankings  map[string]tracker.Ranking
	bookSnaps map[int64]map[time.Time]tracker.BookSnapshot
	rankSnaps map[rankingKey]tracker.RankingSnapshot
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		books:     make(map[int64]tracker.Book),
		rankings:  make(map[string]tracker.Ranking),
		bookSnaps: make(map[int64]map[time.Time]tracker.BookSnapshot),
		rankSnaps: make(map[rankingKey]tracker.RankingSnapshot),
	}
}

// UpsertBook creates the book on first sighting and corrects mutable
// fields on later ones. FirstSeen is never moved.
func (s *Store) UpsertBook(_ context.Context, book tracker.Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.books[book.NovelID]
	if !ok {
		s.books[book.NovelID] = book
		return nil
	}
	if book.Title != "" {
		existing.Title = book.Title
	}
	if book.Author != "" {
		existing.Author = book.Author
	}
	if book.Category != "" {
		existing.Category = book.Category
	}
	if book.Status != "" {
		existing.Status = book.Status
	}
	existing.UpdatedAt = book.UpdatedAt
	s.books[book.NovelID] = existing
	return nil
}

// UpsertRanking registers or refreshes a ranking definition.
func (s *Store) UpsertRanking(_ context.Context, ranking tracker.Ranking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rankings[ranking.RankID] = ranking
	return nil
}

// UpsertBookSnapshot writes one observation, replacing any earlier
// observation in the same capture bucket.
func (s *Store) UpsertBookSnapshot(_ context.Context, snap tracker.BookSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buckets, ok := s.bookSnaps[snap.NovelID]
	if !ok {
		buckets = make(map[time.Time]tracker.BookSnapshot)
		s.bookSnaps[snap.NovelID] = buckets
	}
	buckets[tracker.BucketTime(snap.CapturedAt)] = snap
	return nil
}

// UpsertRankingSnapshot writes one ranking entry, keyed by
// (rank, book, capture bucket).
func (s *Store) UpsertRankingSnapshot(_ context.Context, snap tracker.RankingSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rankingKey{
		rankID:  snap.RankID,
		novelID: snap.NovelID,
		bucket:  tracker.BucketTime(snap.CapturedAt),
	}
	s.rankSnaps[key] = snap
	return nil
}

// GetBook fetches a book by external id.
func (s *Store) GetBook(_ context.Context, novelID int64) (tracker.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	book, ok := s.books[novelID]
	if !ok {
		return tracker.Book{}, fmt.Errorf("book %d: %w", novelID, tracker.ErrNotFound)
	}
	return book, nil
}

// GetRanking fetches a ranking by id.
func (s *Store) GetRanking(_ context.Context, rankID string) (tracker.Ranking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ranking, ok := s.rankings[rankID]
	if !ok {
		return tracker.Ranking{}, fmt.Errorf("ranking %q: %w", rankID, tracker.ErrNotFound)
	}
	return ranking, nil
}

// QueryBookSnapshots returns snapshots captured in [from, to), ordered by
// capture time ascending.
func (s *Store) QueryBookSnapshots(_ context.Context, novelID int64, from, to time.Time) ([]tracker.BookSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []tracker.BookSnapshot
	for _, snap := range s.bookSnaps[novelID] {
		if snap.CapturedAt.Before(from) || !snap.CapturedAt.Before(to) {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	return out, nil
}

// LatestRankingSnapshots returns the most recent capture bucket's entries
// for a ranking, ordered by position.
func (s *Store) LatestRankingSnapshots(_ context.Context, rankID string) ([]tracker.RankingSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	for key := range s.rankSnaps {
		if key.rankID == rankID && key.bucket.After(latest) {
			latest = key.bucket
		}
	}
	if latest.IsZero() {
		return nil, nil
	}
	var out []tracker.RankingSnapshot
	for key, snap := range s.rankSnaps {
		if key.rankID == rankID && key.bucket.Equal(latest) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Position < out[j].Position
	})
	return out, nil
}
