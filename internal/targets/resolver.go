// Package targets resolves page ids into crawl targets.
package targets

import (
	"fmt"
	"sort"

	"github.com/bookpulse/bookpulse/internal/config"
	"github.com/bookpulse/bookpulse/internal/tracker"
)

// PageAll requests every registered target.
const PageAll = "all"

// Resolver maps page ids onto resolved crawl targets. It snapshots its
// declarative source at construction and is read-only afterward.
type Resolver struct {
	byID  map[string]tracker.CrawlTarget
	order []string
}

// NewResolver builds a Resolver from declared target configuration.
func NewResolver(declared map[string]config.TargetConfig) *Resolver {
	byID := make(map[string]tracker.CrawlTarget, len(declared))
	order := make([]string, 0, len(declared))
	for pageID, tc := range declared {
		byID[pageID] = materialize(pageID, tc)
		order = append(order, pageID)
	}
	sort.Strings(order)
	return &Resolver{byID: byID, order: order}
}

// Resolve returns the ordered targets for one page id, or for every
// registered page when pageID is "all". Unknown ids fail with
// tracker.ErrConfigNotFound.
func (r *Resolver) Resolve(pageID string) ([]tracker.CrawlTarget, error) {
	if pageID == PageAll {
		out := make([]tracker.CrawlTarget, 0, len(r.order))
		for _, id := range r.order {
			out = append(out, r.byID[id])
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("resolve %q: %w", pageID, tracker.ErrConfigNotFound)
		}
		return out, nil
	}
	target, ok := r.byID[pageID]
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", pageID, tracker.ErrConfigNotFound)
	}
	return []tracker.CrawlTarget{target}, nil
}

// PageIDs returns every registered page id in resolution order.
func (r *Resolver) PageIDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func materialize(pageID string, tc config.TargetConfig) tracker.CrawlTarget {
	target := tracker.CrawlTarget{
		PageID:      pageID,
		Channel:     tc.Channel,
		URLTemplate: tc.URL,
		MaxPages:    tc.MaxPages,
		Strategy:    tracker.ListingStrategy(tc.Strategy),
		RankID:      tc.RankID,
		RankName:    tc.RankName,
		Hourly:      tc.Hourly,
	}
	if target.MaxPages == 0 {
		target.MaxPages = 1
	}
	if target.RankID == "" {
		target.RankID = pageID
	}
	if target.RankName == "" {
		target.RankName = pageID
	}
	if target.Strategy == tracker.StrategyJiazi {
		// The jiazi board refreshes hourly by definition.
		target.Hourly = true
	}
	return target
}
