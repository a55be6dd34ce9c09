// Package run implements the crawl orchestrator: one invocation drives
// fetch, extract, optional detail enrichment and persistence across the
// requested targets.
package run

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bookpulse/bookpulse/internal/extract"
	"github.com/bookpulse/bookpulse/internal/telemetry"
	"github.com/bookpulse/bookpulse/internal/tracker"
)

// Config controls orchestrator behavior.
type Config struct {
	// Concurrency bounds parallel targets; DetailConcurrency bounds
	// parallel detail fetches within one target. Both small on purpose:
	// the fetch client's limiter is the real backpressure.
	Concurrency       int
	DetailConcurrency int
	// StoreRetries bounds re-attempts of a failed snapshot write before it
	// becomes an item failure.
	StoreRetries int
	// DetailURLTemplate renders a book's detail page URL; {id} is the
	// novel id. Empty disables detail enrichment.
	DetailURLTemplate  string
	ArchivePrefix      string
	ArchiveContentType string
}

// Orchestrator executes crawl runs.
type Orchestrator struct {
	resolver  tracker.TargetResolver
	fetcher   tracker.Fetcher
	extractor *extract.Extractor
	store     tracker.SnapshotStore
	archive   tracker.BlobStore // nil disables raw page archiving
	hasher    tracker.Hasher
	clock     tracker.Clock
	idGen     tracker.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Orchestrator.
func New(
	resolver tracker.TargetResolver,
	fetcher tracker.Fetcher,
	extractor *extract.Extractor,
	store tracker.SnapshotStore,
	archive tracker.BlobStore,
	hasher tracker.Hasher,
	clock tracker.Clock,
	idGen tracker.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.DetailConcurrency <= 0 {
		cfg.DetailConcurrency = 4
	}
	if cfg.StoreRetries < 0 {
		cfg.StoreRetries = 0
	}
	if cfg.ArchiveContentType == "" {
		cfg.ArchiveContentType = "text/html; charset=utf-8"
	}
	return &Orchestrator{
		resolver:  resolver,
		fetcher:   fetcher,
		extractor: extractor,
		store:     store,
		archive:   archive,
		hasher:    hasher,
		clock:     clock,
		idGen:     idGen,
		cfg:       cfg,
		logger:    logger,
	}
}

// targetOutcome accumulates per-target stats merged into the run result.
type targetOutcome struct {
	pagesFetched   int
	booksProcessed int
	booksSucceeded int
	booksFailed    int
	failures       []tracker.Failure
	succeeded      bool
}

// RunCrawl executes one crawl run over the requested page ids. Individual
// page or book failures are recorded and siblings continue; the run only
// errors when nothing resolves or no target succeeds.
func (o *Orchestrator) RunCrawl(ctx context.Context, pageIDs []string) (tracker.CrawlRunResult, error) {
	runID, err := o.idGen.NewID()
	if err != nil {
		return tracker.CrawlRunResult{}, fmt.Errorf("generate run id: %w", err)
	}
	result := tracker.CrawlRunResult{
		RunID:     runID,
		StartedAt: o.clock.Now(),
	}
	logger := o.logger.With(zap.String("run_id", runID))

	var targets []tracker.CrawlTarget
	for _, pageID := range pageIDs {
		resolved, err := o.resolver.Resolve(pageID)
		if err != nil {
			result.Failures = append(result.Failures, tracker.Failure{
				PageID: pageID,
				Stage:  tracker.StageResolving,
				Kind:   failureKind(err),
				Detail: err.Error(),
			})
			telemetry.IncItemFailure(string(tracker.StageResolving))
			logger.Warn("page id did not resolve", zap.String("page_id", pageID), zap.Error(err))
			continue
		}
		targets = append(targets, resolved...)
	}
	if len(targets) == 0 {
		result.FinishedAt = o.clock.Now()
		telemetry.IncRun("failed")
		return result, fmt.Errorf("no targets resolved for %v: %w", pageIDs, tracker.ErrConfigNotFound)
	}

	outcomes := o.runTargets(ctx, logger, targets)

	for i, outcome := range outcomes {
		result.PagesFetched += outcome.pagesFetched
		result.BooksProcessed += outcome.booksProcessed
		result.BooksSucceeded += outcome.booksSucceeded
		result.BooksFailed += outcome.booksFailed
		result.Failures = append(result.Failures, outcome.failures...)
		if outcome.succeeded {
			result.TargetsSucceeded++
		} else {
			result.TargetsFailed++
			logger.Warn("target failed", zap.String("page_id", targets[i].PageID))
		}
	}
	result.FinishedAt = o.clock.Now()

	if result.TargetsSucceeded == 0 {
		telemetry.IncRun("failed")
		return result, fmt.Errorf("run %s: no targets succeeded", runID)
	}
	telemetry.IncRun("succeeded")
	logger.Info("crawl run finished",
		zap.Int("pages_fetched", result.PagesFetched),
		zap.Int("books_processed", result.BooksProcessed),
		zap.Int("books_failed", result.BooksFailed),
		zap.Int("targets_failed", result.TargetsFailed),
	)
	return result, nil
}

// runTargets fans targets out over a bounded worker pool and collects
// outcomes positionally.
func (o *Orchestrator) runTargets(ctx context.Context, logger *zap.Logger, targets []tracker.CrawlTarget) []targetOutcome {
	outcomes := make([]targetOutcome, len(targets))
	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, target tracker.CrawlTarget) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i] = o.processTarget(ctx, logger, target)
		}(i, target)
	}
	wg.Wait()
	return outcomes
}

// processTarget walks one target through the pipeline stages:
// Fetching -> Extracting -> (EnrichingDetail) -> Persisting.
func (o *Orchestrator) processTarget(ctx context.Context, logger *zap.Logger, target tracker.CrawlTarget) targetOutcome {
	logger = logger.With(zap.String("page_id", target.PageID))
	outcome := targetOutcome{}

	entries := o.fetchListing(ctx, logger, target, &outcome)
	if len(entries) == 0 {
		// A fully fetched but empty board is still a successful target.
		outcome.succeeded = outcome.pagesFetched > 0
		return outcome
	}

	capturedAt := o.clock.Now()
	o.persistRanking(ctx, logger, target, &outcome)
	o.processEntries(ctx, logger, target, entries, capturedAt, &outcome)

	outcome.succeeded = outcome.booksSucceeded > 0
	return outcome
}

// fetchListing paginates sequentially: page N+1 is only fetched after page
// N extracted, because the empty-page end-of-list rule depends on it.
func (o *Orchestrator) fetchListing(
	ctx context.Context,
	logger *zap.Logger,
	target tracker.CrawlTarget,
	outcome *targetOutcome,
) []tracker.RankingEntry {
	var entries []tracker.RankingEntry
	seen := make(map[int64]struct{})

	for page := 1; page <= target.MaxPages; page++ {
		if ctx.Err() != nil {
			o.recordFailure(outcome, tracker.Failure{
				PageID: target.PageID,
				Stage:  tracker.StageFetching,
				Kind:   "canceled",
				Detail: ctx.Err().Error(),
			})
			break
		}

		url, ok := renderPageURL(target.URLTemplate, page)
		if !ok {
			// No pagination placeholder: single-page target.
			if page > 1 {
				break
			}
			url = target.URLTemplate
		}

		res, err := o.fetcher.Fetch(ctx, url, nil)
		if err != nil {
			o.recordFailure(outcome, tracker.Failure{
				PageID: target.PageID,
				Stage:  tracker.StageFetching,
				Kind:   failureKind(err),
				Detail: err.Error(),
			})
			logger.Warn("listing fetch failed", zap.String("url", url), zap.Error(err))
			break
		}
		outcome.pagesFetched++
		o.archivePage(ctx, logger, target, page, res.Body)

		pageEntries, err := o.extractor.ParseListing(res.Body, target)
		if err != nil {
			o.recordFailure(outcome, tracker.Failure{
				PageID: target.PageID,
				Stage:  tracker.StageExtracting,
				Kind:   failureKind(err),
				Detail: err.Error(),
			})
			logger.Warn("listing parse failed", zap.String("url", url), zap.Error(err))
			break
		}

		fresh := 0
		for _, entry := range pageEntries {
			if _, dup := seen[entry.NovelID]; dup {
				continue
			}
			seen[entry.NovelID] = struct{}{}
			if target.Strategy == tracker.StrategyChannel {
				// Channel pages number entries per page; the board
				// position is the running index across all pages.
				entry.Position = len(entries) + 1
			}
			entries = append(entries, entry)
			fresh++
		}
		if fresh == 0 {
			break // end-of-list signal
		}
	}
	return entries
}

// archivePage stores the raw listing body when an archive is configured.
// Archive failures are logged, never fatal.
func (o *Orchestrator) archivePage(ctx context.Context, logger *zap.Logger, target tracker.CrawlTarget, page int, body []byte) {
	if o.archive == nil {
		return
	}
	hash, err := o.hasher.Hash(body)
	if err != nil {
		logger.Warn("hash listing body failed", zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s/p%d-%s.html", strings.Trim(o.cfg.ArchivePrefix, "/"), target.PageID, page, hash)
	if _, err := o.archive.PutObject(ctx, path, o.cfg.ArchiveContentType, body); err != nil {
		logger.Warn("archive listing body failed", zap.String("path", path), zap.Error(err))
	}
}

// persistRanking registers the ranking definition for this target.
func (o *Orchestrator) persistRanking(ctx context.Context, logger *zap.Logger, target tracker.CrawlTarget, outcome *targetOutcome) {
	ranking := tracker.Ranking{
		RankID:  target.RankID,
		Name:    target.RankName,
		Channel: target.Channel,
		PageID:  target.PageID,
		Hourly:  target.Hourly,
	}
	err := o.persistWithRetry(ctx, func(ctx context.Context) error {
		return o.store.UpsertRanking(ctx, ranking)
	})
	if err != nil {
		o.recordFailure(outcome, tracker.Failure{
			PageID: target.PageID,
			Stage:  tracker.StagePersisting,
			Kind:   failureKind(err),
			Detail: err.Error(),
		})
		logger.Warn("ranking upsert failed", zap.String("rank_id", target.RankID), zap.Error(err))
		return
	}
	telemetry.IncSnapshotUpsert("ranking")
}

// processEntries enriches and persists entries with bounded parallelism.
// Each entry is handled start-to-finish by one goroutine, so writes to
// the same book inside one run stay serialized.
func (o *Orchestrator) processEntries(
	ctx context.Context,
	logger *zap.Logger,
	target tracker.CrawlTarget,
	entries []tracker.RankingEntry,
	capturedAt time.Time,
	outcome *targetOutcome,
) {
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, o.cfg.DetailConcurrency)

	for _, entry := range entries {
		wg.Add(1)
		sem <- struct{}{}
		go func(entry tracker.RankingEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			failure := o.processEntry(ctx, logger, target, entry, capturedAt)

			mu.Lock()
			defer mu.Unlock()
			outcome.booksProcessed++
			if failure != nil {
				outcome.booksFailed++
				o.recordFailure(outcome, *failure)
			} else {
				outcome.booksSucceeded++
			}
		}(entry)
	}
	wg.Wait()
}

// processEntry turns one listing entry into persisted Book, BookSnapshot
// and RankingSnapshot rows. A nil return means full success.
func (o *Orchestrator) processEntry(
	ctx context.Context,
	logger *zap.Logger,
	target tracker.CrawlTarget,
	entry tracker.RankingEntry,
	capturedAt time.Time,
) *tracker.Failure {
	book := tracker.Book{
		NovelID:   entry.NovelID,
		Title:     entry.Title,
		FirstSeen: capturedAt,
		UpdatedAt: capturedAt,
	}
	snap := tracker.BookSnapshot{
		NovelID:       entry.NovelID,
		Collections:   entry.Collections,
		ChapterClicks: entry.ChapterClicks,
		CapturedAt:    capturedAt,
	}

	if target.NeedsDetail() && o.cfg.DetailURLTemplate != "" {
		detail, failure := o.enrichDetail(ctx, logger, target, entry)
		if failure != nil {
			return failure
		}
		book.Title = detail.Title
		book.Author = detail.Author
		book.Category = detail.Category
		book.Status = detail.Status
		snap.Collections = detail.Collections
		snap.ChapterClicks = detail.ChapterClicks
	}

	// Everything extracted before a cancellation still gets persisted.
	persistCtx := context.WithoutCancel(ctx)
	writes := []struct {
		kind string
		op   func(context.Context) error
	}{
		{"book", func(ctx context.Context) error { return o.store.UpsertBook(ctx, book) }},
		{"book_snapshot", func(ctx context.Context) error { return o.store.UpsertBookSnapshot(ctx, snap) }},
		{"ranking_snapshot", func(ctx context.Context) error {
			return o.store.UpsertRankingSnapshot(ctx, tracker.RankingSnapshot{
				RankID:     target.RankID,
				NovelID:    entry.NovelID,
				Position:   entry.Position,
				Delta:      entry.Delta,
				CapturedAt: capturedAt,
			})
		}},
	}
	for _, write := range writes {
		if err := o.persistWithRetry(persistCtx, write.op); err != nil {
			logger.Warn("snapshot write failed",
				zap.Int64("novel_id", entry.NovelID), zap.String("kind", write.kind), zap.Error(err))
			return &tracker.Failure{
				PageID:  target.PageID,
				NovelID: entry.NovelID,
				Stage:   tracker.StagePersisting,
				Kind:    failureKind(err),
				Detail:  err.Error(),
			}
		}
		telemetry.IncSnapshotUpsert(write.kind)
	}
	return nil
}

// enrichDetail fetches and parses the book's detail page. Both failure
// modes are per-book, never target-level.
func (o *Orchestrator) enrichDetail(
	ctx context.Context,
	logger *zap.Logger,
	target tracker.CrawlTarget,
	entry tracker.RankingEntry,
) (tracker.BookDetail, *tracker.Failure) {
	url := strings.ReplaceAll(o.cfg.DetailURLTemplate, "{id}", strconv.FormatInt(entry.NovelID, 10))
	res, err := o.fetcher.Fetch(ctx, url, nil)
	if err != nil {
		logger.Warn("detail fetch failed", zap.Int64("novel_id", entry.NovelID), zap.Error(err))
		return tracker.BookDetail{}, &tracker.Failure{
			PageID:  target.PageID,
			NovelID: entry.NovelID,
			Stage:   tracker.StageEnriching,
			Kind:    failureKind(err),
			Detail:  err.Error(),
		}
	}
	detail, err := o.extractor.ParseDetail(res.Body, entry.NovelID)
	if err != nil {
		logger.Warn("detail parse failed", zap.Int64("novel_id", entry.NovelID), zap.Error(err))
		return tracker.BookDetail{}, &tracker.Failure{
			PageID:  target.PageID,
			NovelID: entry.NovelID,
			Stage:   tracker.StageEnriching,
			Kind:    failureKind(err),
			Detail:  err.Error(),
		}
	}
	return detail, nil
}

// persistWithRetry re-attempts transient store failures a bounded number
// of times before giving up.
func (o *Orchestrator) persistWithRetry(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.StoreRetries; attempt++ {
		if err := op(ctx); err != nil {
			lastErr = err
			var se *tracker.StoreError
			if !errors.As(err, &se) {
				return err
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (o *Orchestrator) recordFailure(outcome *targetOutcome, failure tracker.Failure) {
	outcome.failures = append(outcome.failures, failure)
	telemetry.IncItemFailure(string(failure.Stage))
}

func renderPageURL(template string, page int) (string, bool) {
	if !strings.Contains(template, "{page}") {
		return "", false
	}
	return strings.ReplaceAll(template, "{page}", strconv.Itoa(page)), true
}

func failureKind(err error) string {
	var fe *tracker.FetchError
	if errors.As(err, &fe) {
		return "fetch_" + string(fe.Kind)
	}
	var pe *tracker.ParseError
	if errors.As(err, &pe) {
		return "parse"
	}
	var se *tracker.StoreError
	if errors.As(err, &se) {
		return "store"
	}
	if errors.Is(err, tracker.ErrConfigNotFound) {
		return "config_not_found"
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "other"
}
