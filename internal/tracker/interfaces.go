package tracker

import (
	"context"
	"net/http"
	"time"
)

// Fetcher retrieves one URL and returns the body plus metadata. The
// implementation owns politeness (delay, timeout, retries).
type Fetcher interface {
	Fetch(ctx context.Context, url string, headers http.Header) (FetchResult, error)
}

// TargetResolver maps requested page ids onto resolved crawl targets.
type TargetResolver interface {
	Resolve(pageID string) ([]CrawlTarget, error)
}

// SnapshotStore persists books, rankings and their snapshots. Upserts are
// keyed by (entity, capture bucket): writing into an existing bucket
// replaces the prior values for that bucket.
type SnapshotStore interface {
	UpsertBook(ctx context.Context, book Book) error
	UpsertRanking(ctx context.Context, ranking Ranking) error
	UpsertBookSnapshot(ctx context.Context, snap BookSnapshot) error
	UpsertRankingSnapshot(ctx context.Context, snap RankingSnapshot) error
	GetBook(ctx context.Context, novelID int64) (Book, error)
	GetRanking(ctx context.Context, rankID string) (Ranking, error)
	QueryBookSnapshots(ctx context.Context, novelID int64, from, to time.Time) ([]BookSnapshot, error)
	LatestRankingSnapshots(ctx context.Context, rankID string) ([]RankingSnapshot, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for archive deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run ids (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
