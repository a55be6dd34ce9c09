package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookpulse/bookpulse/internal/api"
	"github.com/bookpulse/bookpulse/internal/config"
	"github.com/bookpulse/bookpulse/internal/sched"
	"github.com/bookpulse/bookpulse/internal/store/memory"
	"github.com/bookpulse/bookpulse/internal/tracker"
	"github.com/bookpulse/bookpulse/internal/trend"
)

type stubRunner struct {
	result tracker.CrawlRunResult
}

func (r *stubRunner) RunCrawl(context.Context, []string) (tracker.CrawlRunResult, error) {
	return r.result, nil
}

func int64p(v int64) *int64 { return &v }

func newTestServer(t *testing.T, cfg config.Config) (*httptest.Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	trends := trend.New(store, time.UTC, nil)
	scheduler := sched.New(&stubRunner{
		result: tracker.CrawlRunResult{RunID: "run-0001"},
	}, nil, sched.Config{}, nil)

	server := api.NewServer(store, trends, scheduler, cfg, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, config.Config{})

	var payload map[string]string
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &payload))
	assert.Equal(t, "ok", payload["status"])

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/readyz", nil))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, config.Config{})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetBook(t *testing.T) {
	t.Parallel()
	ts, store := newTestServer(t, config.Config{})

	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertBook(context.Background(), tracker.Book{
		NovelID: 101, Title: "凤行九天", FirstSeen: now, UpdatedAt: now,
	}))

	var book tracker.Book
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/books/101", &book))
	assert.Equal(t, "凤行九天", book.Title)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/books/404", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/books/abc", nil))
}

func TestGetBookTrend(t *testing.T) {
	t.Parallel()
	ts, store := newTestServer(t, config.Config{})

	captured := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertBookSnapshot(context.Background(), tracker.BookSnapshot{
		NovelID: 101, Collections: int64p(23000), CapturedAt: captured,
	}))

	var payload struct {
		NovelID     int64                `json:"novel_id"`
		Metric      string               `json:"metric"`
		Granularity string               `json:"granularity"`
		Points      []tracker.TrendPoint `json:"points"`
	}
	url := ts.URL + "/v1/books/101/trend?from=2026-08-01&to=2026-08-03"
	require.Equal(t, http.StatusOK, getJSON(t, url, &payload))

	assert.Equal(t, "collections", payload.Metric, "metric defaults to collections")
	assert.Equal(t, "day", payload.Granularity, "granularity defaults to day")
	require.Len(t, payload.Points, 2)
	require.NotNil(t, payload.Points[0].Value)
	assert.Equal(t, int64(23000), *payload.Points[0].Value)
	assert.Nil(t, payload.Points[1].Value)
}

func TestGetBookTrendBadRange(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, config.Config{})

	cases := []string{
		"/v1/books/101/trend?from=2026-08-03&to=2026-08-01",
		"/v1/books/101/trend?from=2026-08-01&to=2026-08-03&granularity=fortnight",
		"/v1/books/101/trend?from=not-a-date&to=2026-08-03",
		"/v1/books/101/trend?to=2026-08-03",
	}
	for _, path := range cases {
		assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+path, nil), path)
	}
}

func TestGetRankingAndBooks(t *testing.T) {
	t.Parallel()
	ts, store := newTestServer(t, config.Config{})
	ctx := context.Background()

	require.NoError(t, store.UpsertRanking(ctx, tracker.Ranking{
		RankID: "jiazi", Name: "夹子", PageID: "jiazi", Hourly: true,
	}))
	captured := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.UpsertRankingSnapshot(ctx, tracker.RankingSnapshot{
		RankID: "jiazi", NovelID: 101, Position: 1, CapturedAt: captured,
	}))

	var ranking tracker.Ranking
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/rankings/jiazi", &ranking))
	assert.True(t, ranking.Hourly)

	var payload struct {
		RankID  string                    `json:"rank_id"`
		Entries []tracker.RankingSnapshot `json:"entries"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/rankings/jiazi/books", &payload))
	require.Len(t, payload.Entries, 1)
	assert.Equal(t, int64(101), payload.Entries[0].NovelID)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/rankings/missing", nil))
}

func TestTriggerRun(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, config.Config{})

	body := bytes.NewBufferString(`{"page_ids":["jiazi"]}`)
	resp, err := http.Post(ts.URL+"/v1/crawl/runs", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		var status struct {
			Status string `json:"status"`
		}
		getJSON(t, ts.URL+"/v1/crawl/status", &status)
		return status.Status == "idle"
	}, time.Second, 5*time.Millisecond)

	var status struct {
		Status  string                  `json:"status"`
		LastRun *tracker.CrawlRunResult `json:"last_run"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/crawl/status", &status))
	require.NotNil(t, status.LastRun)
	assert.Equal(t, "run-0001", status.LastRun.RunID)
}

func TestTriggerRunValidation(t *testing.T) {
	t.Parallel()
	ts, _ := newTestServer(t, config.Config{})

	resp, err := http.Post(ts.URL+"/v1/crawl/runs", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v1/crawl/runs", "application/json", bytes.NewBufferString(`not json`))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	ts, _ := newTestServer(t, cfg)

	resp, err := http.Get(ts.URL + "/v1/crawl/status")
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v1/crawl/status", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusOK, getJSON(t, fmt.Sprintf("%s/v1/crawl/status?api_key=%s", ts.URL, "secret"), nil))

	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health stays open without a key")
}
