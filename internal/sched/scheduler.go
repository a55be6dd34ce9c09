// Package sched serializes crawl runs and reports the latest outcome.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bookpulse/bookpulse/internal/tracker"
)

// ErrRunInProgress is returned when a trigger arrives while a run is active.
var ErrRunInProgress = errors.New("crawl run already in progress")

// Runner executes one crawl run; implemented by the orchestrator.
type Runner interface {
	RunCrawl(ctx context.Context, pageIDs []string) (tracker.CrawlRunResult, error)
}

// Status is the scheduler's externally visible state.
type Status string

// Scheduler states.
const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
)

// Config controls scheduling behavior.
type Config struct {
	// Interval between periodic runs; zero disables the ticker.
	Interval time.Duration
	// PageIDs crawled by periodic runs.
	PageIDs []string
	// Topic run completion events are published to; empty disables publishing.
	Topic string
}

// Scheduler runs crawls one at a time: a trigger during an active run is
// rejected rather than queued, matching the hourly-cadence usage.
type Scheduler struct {
	runner    Runner
	publisher tracker.Publisher
	cfg       Config
	logger    *zap.Logger

	mu         sync.Mutex
	baseCtx    context.Context
	running    bool
	lastResult *tracker.CrawlRunResult
	lastErr    string
}

// New constructs a Scheduler. publisher may be nil.
func New(runner Runner, publisher tracker.Publisher, cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:    runner,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		baseCtx:   context.Background(),
	}
}

// Start wires the base context for background runs and, when an interval
// is configured, blocks driving periodic crawls until ctx finishes.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if s.cfg.Interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Trigger(s.cfg.PageIDs); err != nil {
				s.logger.Warn("periodic crawl skipped", zap.Error(err))
			}
		}
	}
}

// Trigger starts an asynchronous run for pageIDs. Returns
// ErrRunInProgress when a run is already active.
func (s *Scheduler) Trigger(pageIDs []string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunInProgress
	}
	s.running = true
	ctx := s.baseCtx
	s.mu.Unlock()

	go s.execute(ctx, pageIDs)
	return nil
}

// TriggerAt schedules a one-shot run for a future time. The reservation
// is best effort: if another run is active when the timer fires, the
// deferred run is skipped and logged.
func (s *Scheduler) TriggerAt(at time.Time, pageIDs []string) error {
	delay := time.Until(at)
	if delay < 0 {
		return s.Trigger(pageIDs)
	}
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := s.Trigger(pageIDs); err != nil {
			s.logger.Warn("deferred crawl skipped", zap.Time("at", at), zap.Error(err))
		}
	}()
	return nil
}

// RunNow executes a run synchronously. It holds the same single-run lock
// as Trigger.
func (s *Scheduler) RunNow(ctx context.Context, pageIDs []string) (tracker.CrawlRunResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return tracker.CrawlRunResult{}, ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()

	return s.run(ctx, pageIDs)
}

// Status reports the current state and the last completed run, if any.
func (s *Scheduler) Status() (Status, *tracker.CrawlRunResult, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := StatusIdle
	if s.running {
		status = StatusRunning
	}
	return status, s.lastResult, s.lastErr
}

func (s *Scheduler) execute(ctx context.Context, pageIDs []string) {
	if _, err := s.run(ctx, pageIDs); err != nil {
		s.logger.Error("crawl run failed", zap.Error(err))
	}
}

func (s *Scheduler) run(ctx context.Context, pageIDs []string) (tracker.CrawlRunResult, error) {
	result, err := s.runner.RunCrawl(ctx, pageIDs)

	s.mu.Lock()
	s.running = false
	s.lastResult = &result
	s.lastErr = ""
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()

	s.publish(ctx, result, err)
	return result, err
}

// publish pushes a run summary event; failures are logged, never fatal.
func (s *Scheduler) publish(ctx context.Context, result tracker.CrawlRunResult, runErr error) {
	if s.publisher == nil || s.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"run_id":          result.RunID,
		"started_at":      result.StartedAt.Format(time.RFC3339),
		"finished_at":     result.FinishedAt.Format(time.RFC3339),
		"pages_fetched":   result.PagesFetched,
		"books_processed": result.BooksProcessed,
		"books_failed":    result.BooksFailed,
		"failures":        len(result.Failures),
	}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	// Publish even when the triggering context was canceled.
	if _, err := s.publisher.Publish(context.WithoutCancel(ctx), s.cfg.Topic, payload); err != nil {
		s.logger.Warn("run event publish failed", zap.String("run_id", result.RunID), zap.Error(err))
	}
}
