package lightspeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"catalog-sync-service/internal/clients"
)

const (
	DefaultPageSize         = 500
	DefaultFallbackPageSize = 100
	DefaultFetchConcurrency = 6
)

// PageFunc fetches one page of a list resource
type PageFunc func(ctx context.Context, resource string, query url.Values) (*Page, error)

// FetcherConfig controls paging
type FetcherConfig struct {
	PageSize         int
	FallbackPageSize int
	Concurrency      int
}

// Fetcher retrieves every record of a paginated resource
type Fetcher struct {
	cfg     FetcherConfig
	getPage PageFunc
	logger  *logrus.Entry
}

func NewFetcher(cfg FetcherConfig, getPage PageFunc, logger *logrus.Entry) *Fetcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.FallbackPageSize <= 0 {
		cfg.FallbackPageSize = DefaultFallbackPageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultFetchConcurrency
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Fetcher{cfg: cfg, getPage: getPage, logger: logger.WithField("component", "fetcher")}
}

var limitRejectedPattern = regexp.MustCompile(`(?i)\blimit\b|parameter|out of range|too large|exceed|maximum`)

// limitRejected reports whether the first page failure looks like the page size was refused
func limitRejected(err error) bool {
	var reqErr *clients.RequestError
	if errors.As(err, &reqErr) && reqErr.RateLimited {
		return false
	}
	return limitRejectedPattern.MatchString(err.Error())
}

// FetchAll returns every record in offset order. Any page failure fails the whole fetch, and so
// does a record total that differs from the count the first page announced.
func (f *Fetcher) FetchAll(ctx context.Context, resource string, base url.Values) ([]json.RawMessage, error) {
	pageSize := f.cfg.PageSize
	first, err := f.getPage(ctx, resource, withPaging(base, pageSize, 0))
	if err != nil {
		if f.cfg.FallbackPageSize >= pageSize || !limitRejected(err) {
			return nil, err
		}
		f.logger.WithError(err).WithFields(logrus.Fields{
			"resource":  resource,
			"page_size": f.cfg.FallbackPageSize,
		}).Warn("Page size rejected, retrying with fallback")
		pageSize = f.cfg.FallbackPageSize
		first, err = f.getPage(ctx, resource, withPaging(base, pageSize, 0))
		if err != nil {
			return nil, err
		}
	}

	total := len(first.Items)
	if first.HasCount {
		total = first.Count
	}

	var offsets []int
	for off := pageSize; off < total; off += pageSize {
		offsets = append(offsets, off)
	}

	records := make([]json.RawMessage, 0, max(total, len(first.Items)))
	records = append(records, first.Items...)

	for start := 0; start < len(offsets); start += f.cfg.Concurrency {
		batch := offsets[start:min(start+f.cfg.Concurrency, len(offsets))]
		pages := make([][]json.RawMessage, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		for i, off := range batch {
			g.Go(func() error {
				page, err := f.getPage(gctx, resource, withPaging(base, pageSize, off))
				if err != nil {
					return err
				}
				pages[i] = page.Items
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, items := range pages {
			records = append(records, items...)
		}
	}

	if first.HasCount && len(records) != total {
		f.logger.WithFields(logrus.Fields{
			"resource": resource,
			"expected": total,
			"records":  len(records),
		}).Warn("Listing changed while paging")
		return nil, &clients.RequestError{
			Operation: "list " + resource,
			Message:   fmt.Sprintf("incomplete listing: got %d of %d records", len(records), total),
		}
	}

	f.logger.WithFields(logrus.Fields{
		"resource": resource,
		"records":  len(records),
		"pages":    len(offsets) + 1,
	}).Debug("Fetched resource")
	return records, nil
}

func withPaging(base url.Values, limit, offset int) url.Values {
	q := url.Values{}
	for k, v := range base {
		q[k] = append([]string(nil), v...)
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	return q
}
