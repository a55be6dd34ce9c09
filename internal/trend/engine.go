// Package trend derives bucketed time series from snapshot history.
package trend

import (
	"context"
	"fmt"
	"time"

	"github.com/bookpulse/bookpulse/internal/tracker"
)

// Policy selects how multiple snapshots inside one bucket collapse to a
// single value.
type Policy string

// Bucket aggregation policies. Collection counts are monotonic gauges, so
// max-in-bucket and last-in-bucket usually agree; the policy is explicit
// per metric rather than guessed globally.
const (
	PolicyLast Policy = "last"
	PolicyMax  Policy = "max"
)

// ParsePolicy converts a config string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyLast, PolicyMax:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown trend policy %q", s)
	}
}

// Engine computes trend series over the snapshot store.
type Engine struct {
	store    tracker.SnapshotStore
	loc      *time.Location
	policies map[tracker.Metric]Policy
}

// New builds an Engine. loc is the reference timezone for day/week/month
// boundaries; nil means UTC. Metrics without a policy default to last.
func New(store tracker.SnapshotStore, loc *time.Location, policies map[tracker.Metric]Policy) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if policies == nil {
		policies = map[tracker.Metric]Policy{}
	}
	return &Engine{store: store, loc: loc, policies: policies}
}

// BookTrend partitions [from, to) into contiguous buckets of the given
// granularity and reports one point per bucket, in ascending order.
// Buckets with no snapshot carry a nil value; nothing is interpolated.
func (e *Engine) BookTrend(
	ctx context.Context,
	novelID int64,
	metric tracker.Metric,
	granularity tracker.Granularity,
	from, to time.Time,
) ([]tracker.TrendPoint, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("from %v >= to %v: %w", from, to, tracker.ErrInvalidRange)
	}
	if !validGranularity(granularity) {
		return nil, fmt.Errorf("granularity %q: %w", granularity, tracker.ErrInvalidRange)
	}
	if metric != tracker.MetricCollections && metric != tracker.MetricChapterClicks {
		return nil, fmt.Errorf("metric %q: %w", metric, tracker.ErrInvalidRange)
	}

	snaps, err := e.store.QueryBookSnapshots(ctx, novelID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}

	values := e.collapse(snaps, metric, granularity)

	var points []tracker.TrendPoint
	for start := e.bucketStart(from, granularity); start.Before(to); start = e.nextBucket(start, granularity) {
		point := tracker.TrendPoint{BucketStart: start}
		if v, ok := values[start.Unix()]; ok {
			value := v.value
			point.Value = &value
		}
		points = append(points, point)
	}
	return points, nil
}

type bucketValue struct {
	value      int64
	capturedAt time.Time
}

// collapse folds snapshots into per-bucket values under the metric's
// policy. The store may hand back unordered rows, so "last" tracks the
// capture time explicitly.
func (e *Engine) collapse(
	snaps []tracker.BookSnapshot,
	metric tracker.Metric,
	granularity tracker.Granularity,
) map[int64]bucketValue {
	policy := e.policies[metric]
	if policy == "" {
		policy = PolicyLast
	}

	values := make(map[int64]bucketValue)
	for _, snap := range snaps {
		observed := metricValue(snap, metric)
		if observed == nil {
			continue
		}
		key := e.bucketStart(snap.CapturedAt, granularity).Unix()
		current, exists := values[key]
		switch {
		case !exists:
			values[key] = bucketValue{value: *observed, capturedAt: snap.CapturedAt}
		case policy == PolicyMax && *observed > current.value:
			values[key] = bucketValue{value: *observed, capturedAt: snap.CapturedAt}
		case policy == PolicyLast && snap.CapturedAt.After(current.capturedAt):
			values[key] = bucketValue{value: *observed, capturedAt: snap.CapturedAt}
		}
	}
	return values
}

func metricValue(snap tracker.BookSnapshot, metric tracker.Metric) *int64 {
	switch metric {
	case tracker.MetricCollections:
		return snap.Collections
	case tracker.MetricChapterClicks:
		return snap.ChapterClicks
	default:
		return nil
	}
}

func validGranularity(g tracker.Granularity) bool {
	switch g {
	case tracker.GranularityHour, tracker.GranularityDay, tracker.GranularityWeek, tracker.GranularityMonth:
		return true
	}
	return false
}

// bucketStart truncates t to its bucket boundary in the reference
// timezone: wall-clock hour, calendar day, ISO week (Monday) or calendar
// month.
func (e *Engine) bucketStart(t time.Time, g tracker.Granularity) time.Time {
	lt := t.In(e.loc)
	switch g {
	case tracker.GranularityHour:
		return time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, e.loc)
	case tracker.GranularityDay:
		return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, e.loc)
	case tracker.GranularityWeek:
		day := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, e.loc)
		sinceMonday := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -sinceMonday)
	case tracker.GranularityMonth:
		return time.Date(lt.Year(), lt.Month(), 1, 0, 0, 0, 0, e.loc)
	}
	return lt
}

func (e *Engine) nextBucket(start time.Time, g tracker.Granularity) time.Time {
	switch g {
	case tracker.GranularityHour:
		return start.Add(time.Hour)
	case tracker.GranularityDay:
		return start.AddDate(0, 0, 1)
	case tracker.GranularityWeek:
		return start.AddDate(0, 0, 7)
	case tracker.GranularityMonth:
		return start.AddDate(0, 1, 0)
	}
	return start.Add(time.Hour)
}
