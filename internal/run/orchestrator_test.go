package run_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	archivememory "github.com/bookpulse/bookpulse/internal/archive/memory"
	"github.com/bookpulse/bookpulse/internal/extract"
	"github.com/bookpulse/bookpulse/internal/hash/sha256"
	"github.com/bookpulse/bookpulse/internal/run"
	storememory "github.com/bookpulse/bookpulse/internal/store/memory"
	"github.com/bookpulse/bookpulse/internal/tracker"
)

const jiaziBody = `
<html><body><table class="rank-list">
  <tr class="rank-item">
    <td class="pos">1</td><td class="delta">+2</td>
    <td class="title"><a href="/book?novelid=101">凤行九天</a></td>
    <td class="collections">2.3万</td><td class="clicks">120,456</td>
  </tr>
  <tr class="rank-item">
    <td class="pos">2</td><td class="delta">--</td>
    <td class="title"><a href="/book?novelid=102">春山如黛</a></td>
    <td class="collections">18w</td><td class="clicks">900</td>
  </tr>
  <tr class="rank-item">
    <td class="pos">3</td><td class="delta">-1</td>
    <td class="title"><a href="/book">broken</a></td>
    <td class="collections">10</td><td class="clicks">10</td>
  </tr>
</table></body></html>`

const channelPage1 = `
<html><body><ul class="channel-list">
  <li class="book-item"><a href="/book?novelid=201">南风不竞</a></li>
  <li class="book-item"><a href="/book?novelid=202">长夜未央</a></li>
</ul></body></html>`

const channelPageEmpty = `<html><body><ul class="channel-list"></ul></body></html>`

func detailBody(title string, collections string) string {
	return fmt.Sprintf(`
<html><body><div class="book-detail">
  <h1 class="book-title">%s</h1>
  <span class="author">作者</span>
  <span class="category">言情</span>
  <span class="status">连载中</span>
  <span class="collections">%s</span>
  <span class="clicks">5000</span>
</div></body></html>`, title, collections)
}

type fakeResolver struct {
	targets map[string][]tracker.CrawlTarget
}

func (r *fakeResolver) Resolve(pageID string) ([]tracker.CrawlTarget, error) {
	targets, ok := r.targets[pageID]
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", pageID, tracker.ErrConfigNotFound)
	}
	return targets, nil
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	requested []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ http.Header) (tracker.FetchResult, error) {
	f.mu.Lock()
	f.requested = append(f.requested, url)
	f.mu.Unlock()

	if err, ok := f.errs[url]; ok {
		return tracker.FetchResult{}, err
	}
	body, ok := f.responses[url]
	if !ok {
		return tracker.FetchResult{}, &tracker.FetchError{
			Kind: tracker.FetchKindHTTPStatus, Status: 404, URL: url,
		}
	}
	return tracker.FetchResult{URL: url, StatusCode: 200, Body: []byte(body)}, nil
}

func (f *fakeFetcher) requestedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requested))
	copy(out, f.requested)
	return out
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fixedIDGen struct{}

func (fixedIDGen) NewID() (string, error) { return "run-0001", nil }

// flakyStore fails the first failures book snapshot writes with a
// StoreError, then behaves like the wrapped store.
type flakyStore struct {
	*storememory.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) UpsertBookSnapshot(ctx context.Context, snap tracker.BookSnapshot) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return &tracker.StoreError{Op: "upsert book snapshot", Err: errors.New("deadlock detected")}
	}
	s.mu.Unlock()
	return s.Store.UpsertBookSnapshot(ctx, snap)
}

func jiaziTarget() tracker.CrawlTarget {
	return tracker.CrawlTarget{
		PageID:      "jiazi",
		URLTemplate: "https://x.test/jiazi",
		MaxPages:    1,
		Strategy:    tracker.StrategyJiazi,
		RankID:      "jiazi",
		RankName:    "夹子",
		Hourly:      true,
	}
}

func channelTarget() tracker.CrawlTarget {
	return tracker.CrawlTarget{
		PageID:      "yq",
		Channel:     "言情",
		URLTemplate: "https://x.test/yq?page={page}",
		MaxPages:    3,
		Strategy:    tracker.StrategyChannel,
		RankID:      "yq",
		RankName:    "言情频道",
	}
}

func newOrchestrator(
	resolver tracker.TargetResolver,
	fetcher tracker.Fetcher,
	store tracker.SnapshotStore,
	archive tracker.BlobStore,
	cfg run.Config,
) *run.Orchestrator {
	return run.New(
		resolver,
		fetcher,
		extract.New(nil),
		store,
		archive,
		sha256.New(),
		fixedClock{now: time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)},
		fixedIDGen{},
		cfg,
		nil,
	)
}

func TestRunCrawlJiazi(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{targets: map[string][]tracker.CrawlTarget{
		"jiazi": {jiaziTarget()},
	}}
	fetcher := &fakeFetcher{responses: map[string]string{
		"https://x.test/jiazi": jiaziBody,
	}}
	store := storememory.New()

	o := newOrchestrator(resolver, fetcher, store, nil, run.Config{})
	result, err := o.RunCrawl(context.Background(), []string{"jiazi"})
	require.NoError(t, err)

	assert.Equal(t, "run-0001", result.RunID)
	assert.Equal(t, 1, result.PagesFetched)
	assert.Equal(t, 2, result.BooksProcessed, "the broken row drops at extraction")
	assert.Equal(t, 2, result.BooksSucceeded)
	assert.Zero(t, result.BooksFailed)
	assert.Equal(t, 1, result.TargetsSucceeded)
	assert.Zero(t, result.TargetsFailed)

	ctx := context.Background()
	book, err := store.GetBook(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, "凤行九天", book.Title)

	ranking, err := store.GetRanking(ctx, "jiazi")
	require.NoError(t, err)
	assert.True(t, ranking.Hourly)

	snaps, err := store.LatestRankingSnapshots(ctx, "jiazi")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(101), snaps[0].NovelID)
	assert.Equal(t, 2, snaps[0].Delta)
}

func TestRunCrawlUnknownPageIsRecordedNotFatal(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{targets: map[string][]tracker.CrawlTarget{
		"jiazi": {jiaziTarget()},
	}}
	fetcher := &fakeFetcher{responses: map[string]string{
		"https://x.test/jiazi": jiaziBody,
	}}

	o := newOrchestrator(resolver, fetcher, storememory.New(), nil, run.Config{})
	result, err := o.RunCrawl(context.Background(), []string{"jiazi", "ghost"})
	require.NoError(t, err, "one bad page id must not sink the run")

	assert.Equal(t, 1, result.TargetsSucceeded)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "ghost", result.Failures[0].PageID)
	assert.Equal(t, tracker.StageResolving, result.Failures[0].Stage)
	assert.Equal(t, "config_not_found", result.Failures[0].Kind)
}

func TestRunCrawlNothingResolvesFails(t *testing.T) {
	t.Parallel()

	o := newOrchestrator(&fakeResolver{}, &fakeFetcher{}, storememory.New(), nil, run.Config{})
	result, err := o.RunCrawl(context.Background(), []string{"ghost"})
	require.True(t, errors.Is(err, tracker.ErrConfigNotFound))
	assert.Len(t, result.Failures, 1)
}

func TestRunCrawlAllTargetsFailedFails(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{targets: map[string][]tracker.CrawlTarget{
		"jiazi": {jiaziTarget()},
	}}
	fetcher := &fakeFetcher{errs: map[string]error{
		"https://x.test/jiazi": &tracker.FetchError{Kind: tracker.FetchKindTimeout, URL: "https://x.test/jiazi"},
	}}

	o := newOrchestrator(resolver, fetcher, storememory.New(), nil, run.Config{})
	result, err := o.RunCrawl(context.Background(), []string{"jiazi"})
	require.Error(t, err)
	assert.Equal(t, 1, result.TargetsFailed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, tracker.StageFetching, result.Failures[0].Stage)
	assert.Equal(t, "fetch_timeout", result.Failures[0].Kind)
}

func TestRunCrawlChannelPaginationAndDetail(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{targets: map[string][]tracker.CrawlTarget{
		"yq": {channelTarget()},
	}}
	fetcher := &fakeFetcher{responses: map[string]string{
		"https://x.test/yq?page=1":   channelPage1,
		"https://x.test/yq?page=2":   channelPageEmpty,
		"https://x.test/book?id=201": detailBody("南风不竞", "4.2万"),
		"https://x.test/book?id=202": detailBody("长夜未央", "1200"),
	}}
	store := storememory.New()

	o := newOrchestrator(resolver, fetcher, store, nil, run.Config{
		DetailURLTemplate: "https://x.test/book?id={id}",
	})
	result, err := o.RunCrawl(context.Background(), []string{"yq"})
	require.NoError(t, err)

	assert.Equal(t, 2, result.PagesFetched, "the empty page stops pagination before max_pages")
	assert.Equal(t, 2, result.BooksSucceeded)

	urls := fetcher.requestedURLs()
	assert.NotContains(t, urls, "https://x.test/yq?page=3")

	book, err := store.GetBook(context.Background(), 201)
	require.NoError(t, err)
	assert.Equal(t, "南风不竞", book.Title)
	assert.Equal(t, "作者", book.Author, "detail enrichment fills author")

	snaps, err := store.QueryBookSnapshots(context.Background(), 201,
		time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.NotNil(t, snaps[0].Collections)
	assert.Equal(t, int64(42000), *snaps[0].Collections)
}

func TestRunCrawlPaginationRespectsMaxPages(t *testing.T) {
	t.Parallel()

	target := channelTarget()
	target.MaxPages = 2

	resolver := &fakeResolver{targets: map[string][]tracker.CrawlTarget{
		"yq": {target},
	}}
	fetcher := &fakeFetcher{responses: map[string]string{
		"https://x.test/yq?page=1": channelPage1,
		"https://x.test/yq?page=2": `<html><body><ul class="channel-list">
			<li class="book-item"><a href="/book?novelid=203">第三册</a></li>
		</ul></body></html>`,
		// Page 3 exists but sits past the configured bound.
		"https://x.test/yq?page=3": channelPage1,
	}}

	o := newOrchestrator(resolver, fetcher, storememory.New(), nil, run.Config{})
	result, err := o.RunCrawl(context.Background(), []string{"yq"})
	require.NoError(t, err)

	assert.Equal(t, 2, result.PagesFetched)
	assert.Equal(t, 3, result.BooksProcessed)
	assert.NotContains(t, fetcher.requestedURLs(), "https://x.test/yq?page=3")
}

func TestRunCrawlChannelPositionsSpanPages(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{targets: map[string][]tracker.CrawlTarget{
		"yq": {channelTarget()},
	}}
	fetcher := &fakeFetcher{responses: map[string]string{
		"https://x.test/yq?page=1": channelPage1,
		"https://x.test/yq?page=2": `<html><body><ul class="channel-list">
			<li class="book-item"><a href="/book?novelid=203">第三册</a></li>
			<li class="book-item"><a href="/book?novelid=204">第四册</a></li>
		</ul></body></html>`,
		"https://x.test/yq?page=3": channelPageEmpty,
	}}
	store := storememory.New()

	o := newOrchestrator(resolver, fetcher, store, nil, run.Config{})
	_, err := o.RunCrawl(context.Background(), []string{"yq"})
	require.NoError(t, err)

	snaps, err := store.LatestRankingSnapshots(context.Background(), "yq")
	require.NoError(t, err)
	require.Len(t, snaps, 4)
	for i, snap := range snaps {
		assert.Equal(t, i+1, snap.Position, "board positions keep counting across pages")
	}
	assert.Equal(t, int64(201), snaps[0].NovelID)
	assert.Equal(t, int64(203), snaps[2].NovelID, "page two leads where page one left off")
	assert.Equal(t, int64(204), snaps[3].NovelID)
}

func TestRunCrawlDetailFailureIsPerBook(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{targets: map[string][]tracker.CrawlTarget{
		"yq": {channelTarget()},
	}}
	fetcher := &fakeFetcher{responses: map[string]string{
		"https://x.test/yq?page=1":   channelPage1,
		"https://x.test/yq?page=2":   channelPageEmpty,
		"https://x.test/book?id=201": detailBody("南风不竞", "4.2万"),
		// 202's detail page is missing: the fake returns a 404.
	}}
	store := storememory.New()

	o := newOrchestrator(resolver, fetcher, store, nil, run.Config{
		DetailURLTemplate: "https://x.test/book?id={id}",
	})
	result, err := o.RunCrawl(context.Background(), []string{"yq"})
	require.NoError(t, err)

	assert.Equal(t, 1, result.BooksSucceeded)
	assert.Equal(t, 1, result.BooksFailed)

	var found bool
	for _, failure := range result.Failures {
		if failure.NovelID == 202 {
			found = true
			assert.Equal(t, tracker.StageEnriching, failure.Stage)
		}
	}
	assert.True(t, found, "the failed book appears in the failure list")

	_, err = store.GetBook(context.Background(), 201)
	require.NoError(t, err, "the sibling book still persists")
}

func TestRunCrawlRetriesTransientStoreFailures(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{targets: map[string][]tracker.CrawlTarget{
		"jiazi": {jiaziTarget()},
	}}
	fetcher := &fakeFetcher{responses: map[string]string{
		"https://x.test/jiazi": jiaziBody,
	}}
	store := &flakyStore{Store: storememory.New(), failures: 2}

	o := newOrchestrator(resolver, fetcher, store, nil, run.Config{StoreRetries: 2})
	result, err := o.RunCrawl(context.Background(), []string{"jiazi"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.BooksSucceeded)
	assert.Zero(t, result.BooksFailed)
}

func TestRunCrawlArchivesListingPages(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{targets: map[string][]tracker.CrawlTarget{
		"jiazi": {jiaziTarget()},
	}}
	fetcher := &fakeFetcher{responses: map[string]string{
		"https://x.test/jiazi": jiaziBody,
	}}
	archive := archivememory.New()

	o := newOrchestrator(resolver, fetcher, storememory.New(), archive, run.Config{
		ArchivePrefix: "pages",
	})
	_, err := o.RunCrawl(context.Background(), []string{"jiazi"})
	require.NoError(t, err)

	hasher := sha256.New()
	hash, err := hasher.Hash([]byte(jiaziBody))
	require.NoError(t, err)

	stored, ok := archive.Get(fmt.Sprintf("pages/jiazi/p1-%s.html", hash))
	require.True(t, ok, "the raw listing body lands in the archive")
	assert.Equal(t, []byte(jiaziBody), stored)
}
