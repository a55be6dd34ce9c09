// Package extract turns raw page payloads into structured records.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/bookpulse/bookpulse/internal/tracker"
)

// Extractor parses listing and detail pages. Malformed individual entries
// are dropped with a warning; only a structurally unusable payload raises
// a ParseError.
type Extractor struct {
	logger *zap.Logger
}

// New builds an Extractor.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

// ParseListing dispatches on the target's strategy tag and returns the
// ranking entries found in body.
func (e *Extractor) ParseListing(body []byte, target tracker.CrawlTarget) ([]tracker.RankingEntry, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &tracker.ParseError{Reason: fmt.Sprintf("listing %s: %v", target.PageID, err)}
	}
	switch target.Strategy {
	case tracker.StrategyJiazi:
		return e.parseJiazi(doc, target)
	case tracker.StrategyChannel:
		return e.parseChannel(doc, target)
	default:
		return nil, &tracker.ParseError{Reason: fmt.Sprintf("unknown listing strategy %q", target.Strategy)}
	}
}

// parseJiazi reads the hourly ranking table. Every row embeds its metrics,
// so books from this page need no detail fetch.
func (e *Extractor) parseJiazi(doc *goquery.Document, target tracker.CrawlTarget) ([]tracker.RankingEntry, error) {
	rows := doc.Find("table.rank-list tr.rank-item")
	if rows.Length() == 0 {
		if doc.Find("table.rank-list").Length() == 0 {
			return nil, &tracker.ParseError{Reason: fmt.Sprintf("listing %s: no ranking table", target.PageID)}
		}
		return nil, nil // empty board is a valid end-of-list signal
	}

	entries := make([]tracker.RankingEntry, 0, rows.Length())
	rows.Each(func(i int, row *goquery.Selection) {
		entry, ok := e.parseJiaziRow(row, target.PageID, i)
		if !ok {
			return
		}
		entries = append(entries, entry)
	})
	return entries, nil
}

func (e *Extractor) parseJiaziRow(row *goquery.Selection, pageID string, index int) (tracker.RankingEntry, bool) {
	novelID, ok := novelIDFromLink(row.Find("td.title a").First())
	if !ok {
		e.logger.Warn("listing row without book link dropped",
			zap.String("page_id", pageID), zap.Int("row", index))
		return tracker.RankingEntry{}, false
	}

	position, ok := ParseCount(row.Find("td.pos").First().Text())
	if !ok {
		e.logger.Warn("listing row with unparseable position dropped",
			zap.String("page_id", pageID), zap.Int64("novel_id", novelID))
		return tracker.RankingEntry{}, false
	}
	delta, ok := ParseDelta(row.Find("td.delta").First().Text())
	if !ok {
		delta = 0
	}

	collections, collectionsOK := ParseCount(row.Find("td.collections").First().Text())
	clicks, clicksOK := ParseCount(row.Find("td.clicks").First().Text())
	if !collectionsOK && !clicksOK {
		// A jiazi row exists to carry metrics; a row with neither counter
		// parseable is treated as malformed, not as a metric-less book.
		e.logger.Warn("listing row with non-numeric metrics dropped",
			zap.String("page_id", pageID), zap.Int64("novel_id", novelID))
		return tracker.RankingEntry{}, false
	}

	entry := tracker.RankingEntry{
		NovelID:  novelID,
		Position: int(position),
		Delta:    delta,
		Title:    strings.TrimSpace(row.Find("td.title a").First().Text()),
	}
	if collectionsOK {
		entry.Collections = &collections
	}
	if clicksOK {
		entry.ChapterClicks = &clicks
	}
	return entry, true
}

// parseChannel reads a paginated channel listing. Entries carry only the
// book reference; metrics come from the detail page.
func (e *Extractor) parseChannel(doc *goquery.Document, target tracker.CrawlTarget) ([]tracker.RankingEntry, error) {
	list := doc.Find("ul.channel-list")
	if list.Length() == 0 {
		return nil, &tracker.ParseError{Reason: fmt.Sprintf("listing %s: no channel list", target.PageID)}
	}

	var entries []tracker.RankingEntry
	list.Find("li.book-item").Each(func(i int, item *goquery.Selection) {
		link := item.Find("a").First()
		novelID, ok := novelIDFromLink(link)
		if !ok {
			e.logger.Warn("channel item without book link dropped",
				zap.String("page_id", target.PageID), zap.Int("item", i))
			return
		}
		entries = append(entries, tracker.RankingEntry{
			NovelID:  novelID,
			Position: len(entries) + 1,
			Title:    strings.TrimSpace(link.Text()),
		})
	})
	return entries, nil
}

// ParseDetail extracts book fields from a detail page. A payload missing
// the detail container or title (removed/blocked book) is a ParseError.
func (e *Extractor) ParseDetail(body []byte, novelID int64) (tracker.BookDetail, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return tracker.BookDetail{}, &tracker.ParseError{NovelID: novelID, Reason: err.Error()}
	}

	container := doc.Find("div.book-detail").First()
	if container.Length() == 0 {
		return tracker.BookDetail{}, &tracker.ParseError{NovelID: novelID, Reason: "no detail container"}
	}
	title := strings.TrimSpace(container.Find("h1.book-title").First().Text())
	if title == "" {
		return tracker.BookDetail{}, &tracker.ParseError{NovelID: novelID, Reason: "missing title"}
	}

	detail := tracker.BookDetail{
		NovelID:  novelID,
		Title:    title,
		Author:   strings.TrimSpace(container.Find("span.author").First().Text()),
		Category: strings.TrimSpace(container.Find("span.category").First().Text()),
		Status:   strings.TrimSpace(container.Find("span.status").First().Text()),
	}
	if collections, ok := ParseCount(container.Find("span.collections").First().Text()); ok {
		detail.Collections = &collections
	} else {
		e.logger.Debug("detail without parseable collections", zap.Int64("novel_id", novelID))
	}
	if clicks, ok := ParseCount(container.Find("span.clicks").First().Text()); ok {
		detail.ChapterClicks = &clicks
	}
	return detail, nil
}

// novelIDFromLink pulls the novelid query parameter out of a book link.
// The id is structurally required, so failure drops the entry.
func novelIDFromLink(link *goquery.Selection) (int64, bool) {
	href, exists := link.Attr("href")
	if !exists {
		return 0, false
	}
	u, err := url.Parse(href)
	if err != nil {
		return 0, false
	}
	raw := u.Query().Get("novelid")
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
