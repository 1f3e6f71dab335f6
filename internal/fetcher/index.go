package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/edinet-harvest/internal/retry"
	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// DateLayout is the calendar date format of the index API and of run ranges.
const DateLayout = "2006-01-02"

// ParseRange parses an inclusive YYYY-MM-DD range. Unparsable bounds and a
// start after the end are both reported as ErrInvalidRange.
func ParseRange(start, end string) (time.Time, time.Time, error) {
	s, err := time.Parse(DateLayout, start)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start date %q", types.ErrInvalidRange, start)
	}
	e, err := time.Parse(DateLayout, end)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end date %q", types.ErrInvalidRange, end)
	}
	if s.After(e) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start %s is after end %s", types.ErrInvalidRange, start, end)
	}
	return s, e, nil
}

// Dates enumerates every calendar day in [start, end].
func Dates(start, end time.Time) []time.Time {
	var out []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// IndexFetcher retrieves the document index for a date range.
type IndexFetcher struct {
	client Lister
	opts   Options
}

// NewIndexFetcher wires an index fetcher.
func NewIndexFetcher(client Lister, opts Options) *IndexFetcher {
	return &IndexFetcher{client: client, opts: opts.withDefaults()}
}

// Fetch requests the index of every date in [start, end] concurrently and
// merges the descriptors in completion order. A date whose retries are
// exhausted contributes nothing; only an invalid range is returned as an error.
func (f *IndexFetcher) Fetch(ctx context.Context, start, end time.Time) ([]types.DocumentDescriptor, error) {
	if start.After(end) {
		return nil, fmt.Errorf("%w: start %s is after end %s",
			types.ErrInvalidRange, start.Format(DateLayout), end.Format(DateLayout))
	}

	dates := Dates(start, end)
	policy := f.opts.policy(retry.IndexJitterFloor)
	log := f.opts.Logger

	var (
		mu     sync.Mutex
		merged []types.DocumentDescriptor
		done   int
		failed int
		g      errgroup.Group
	)

	for _, date := range dates {
		g.Go(func() error {
			day := date.Format(DateLayout)
			op := admitted(f.opts.Limiter, func(ctx context.Context) ([]types.DocumentDescriptor, error) {
				return f.client.ListDocuments(ctx, date)
			})
			docs, err := retry.Do(ctx, f.opts.Executor, OpIndex, policy, op)
			f.opts.Metrics.RecordIndexRequest(err)

			mu.Lock()
			defer mu.Unlock()
			done++
			if err != nil {
				failed++
				log.Warn("index fetch failed, date contributes nothing", "date", day, "error", err)
			} else {
				merged = append(merged, docs...)
			}
			log.Debug("index progress", "date", day, "documents", len(docs), "completed", done, "total", len(dates))
			return nil
		})
	}
	// per-date failures are absorbed above; Wait is the barrier
	_ = g.Wait()

	log.Info("document index fetched",
		"dates", len(dates),
		"failed_dates", failed,
		"documents", len(merged))
	return merged, nil
}
