// Package tracker defines core types shared across subsystems.
package tracker

import (
	"time"
)

// CaptureBucket is the ingestion bucket width: a re-crawl inside the same
// bucket overwrites the earlier observation instead of appending a new one.
const CaptureBucket = time.Hour

// BucketTime truncates a capture timestamp to its ingestion bucket.
func BucketTime(t time.Time) time.Time {
	return t.UTC().Truncate(CaptureBucket)
}

// ListingStrategy selects how a listing page body is interpreted.
type ListingStrategy string

// Listing strategies form a closed set; targets carry one as a tag.
const (
	// StrategyJiazi is the hourly ranking page with metrics embedded per
	// entry, so no detail fetch is needed.
	StrategyJiazi ListingStrategy = "jiazi"
	// StrategyChannel is a paginated channel listing whose entries need a
	// per-book detail fetch for metrics.
	StrategyChannel ListingStrategy = "channel"
)

// Book is a novel observed on the source site, keyed by its external id.
type Book struct {
	NovelID   int64     `json:"novel_id"`
	Title     string    `json:"title"`
	Author    string    `json:"author,omitempty"`
	Category  string    `json:"category,omitempty"`
	Status    string    `json:"status,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BookSnapshot is one observation of a book's popularity counters.
// Metric fields are pointers because a lenient parse may leave them absent.
type BookSnapshot struct {
	NovelID       int64     `json:"novel_id"`
	Collections   *int64    `json:"collections,omitempty"`
	ChapterClicks *int64    `json:"chapter_clicks,omitempty"`
	CapturedAt    time.Time `json:"captured_at"`
}

// Ranking is a long-lived ranking list (hourly jiazi or a channel board).
type Ranking struct {
	RankID  string `json:"rank_id"`
	Name    string `json:"name"`
	Channel string `json:"channel"`
	PageID  string `json:"page_id"`
	Hourly  bool   `json:"hourly"`
}

// RankingSnapshot places one book on one ranking at a capture time.
type RankingSnapshot struct {
	RankID     string    `json:"rank_id"`
	NovelID    int64     `json:"novel_id"`
	Position   int       `json:"position"`
	Delta      int       `json:"delta"`
	CapturedAt time.Time `json:"captured_at"`
}

// CrawlTarget is one resolved unit of crawl work. Read-only during a run.
type CrawlTarget struct {
	PageID      string
	Channel     string
	URLTemplate string // contains a {page} placeholder for paginated targets
	MaxPages    int
	Strategy    ListingStrategy
	RankID      string
	RankName    string
	Hourly      bool
}

// NeedsDetail reports whether entries from this target require a detail
// page fetch to fill in metrics.
func (t CrawlTarget) NeedsDetail() bool {
	return t.Strategy == StrategyChannel
}

// RankingEntry is one parsed row of a listing page.
type RankingEntry struct {
	NovelID       int64
	Position      int
	Delta         int
	Title         string
	Collections   *int64
	ChapterClicks *int64
}

// BookDetail is the parsed form of a book detail page.
type BookDetail struct {
	NovelID       int64
	Title         string
	Author        string
	Category      string
	Status        string
	Collections   *int64
	ChapterClicks *int64
}

// Stage identifies where in the per-target pipeline an item was when it
// succeeded or failed.
type Stage string

// Pipeline stages, in order.
const (
	StagePending    Stage = "pending"
	StageResolving  Stage = "resolving"
	StageFetching   Stage = "fetching"
	StageExtracting Stage = "extracting"
	StageEnriching  Stage = "enriching_detail"
	StagePersisting Stage = "persisting"
	StageDone       Stage = "done"
)

// Failure describes one failed item inside an otherwise continuing run.
type Failure struct {
	PageID  string `json:"page_id"`
	NovelID int64  `json:"novel_id,omitempty"`
	Stage   Stage  `json:"stage"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail,omitempty"`
}

// CrawlRunResult is the aggregate outcome of one orchestrator invocation.
// It is reported and logged, never persisted.
type CrawlRunResult struct {
	RunID            string    `json:"run_id"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	PagesFetched     int       `json:"pages_fetched"`
	BooksProcessed   int       `json:"books_processed"`
	BooksSucceeded   int       `json:"books_succeeded"`
	BooksFailed      int       `json:"books_failed"`
	TargetsSucceeded int       `json:"targets_succeeded"`
	TargetsFailed    int       `json:"targets_failed"`
	Failures         []Failure `json:"failures,omitempty"`
}

// Granularity is a trend bucket width.
type Granularity string

// Supported trend bucket widths.
const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityWeek  Granularity = "week"
	GranularityMonth Granularity = "month"
)

// Metric names an aggregatable popularity counter.
type Metric string

// Metrics exposed by the trend engine.
const (
	MetricCollections   Metric = "collections"
	MetricChapterClicks Metric = "chapter_clicks"
)

// TrendPoint is one bucket of an aggregated series. Value is nil for
// buckets with no snapshot; callers decide fill policy.
type TrendPoint struct {
	BucketStart time.Time `json:"bucket_start"`
	Value       *int64    `json:"value"`
}

// FetchResult is what the fetch client returns on success.
type FetchResult struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}
