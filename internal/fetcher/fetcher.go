// Package fetcher retrieves the document index and document payloads.
//
// Both fetchers fan out one goroutine per unit of work (date or document).
// The only coordination between goroutines is the shared rate limiter; each
// remote call is wrapped in the retry executor. A unit whose retries are
// exhausted contributes nothing and never aborts its siblings.
package fetcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/edinet-harvest/internal/metrics"
	"github.com/ChuLiYu/edinet-harvest/internal/ratelimit"
	"github.com/ChuLiYu/edinet-harvest/internal/retry"
	"github.com/ChuLiYu/edinet-harvest/pkg/types"
)

// Operation names reported to the retry observer and in logs.
const (
	OpIndex   = "index"
	OpContent = "content"
)

// Lister returns the document index of one date.
type Lister interface {
	ListDocuments(ctx context.Context, date time.Time) ([]types.DocumentDescriptor, error)
}

// Downloader returns the archive of one document.
type Downloader interface {
	DocumentContent(ctx context.Context, docID string, f types.Format) ([]byte, error)
}

// Options are the collaborators shared by both fetchers.
type Options struct {
	Limiter    *ratelimit.Limiter
	Executor   *retry.Executor
	Metrics    *metrics.Collector // may be nil
	Logger     *slog.Logger
	MaxRetries int
	RetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Executor == nil {
		o.Executor = retry.New(retry.WithLogger(o.Logger), retry.WithObserver(o.Metrics.RecordRetry))
	}
	return o
}

func (o Options) policy(floor float64) retry.Policy {
	return retry.Policy{
		MaxRetries:  o.MaxRetries,
		BaseDelay:   o.RetryDelay,
		JitterFloor: floor,
	}
}

// admitted wraps op so that every attempt, including retries, pays the shared
// rate limit first. A limiter refusal is not retried.
func admitted[T any](l *ratelimit.Limiter, op func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		if l != nil {
			if err := l.Acquire(ctx); err != nil {
				var zero T
				return zero, retry.Permanent(err)
			}
		}
		return op(ctx)
	}
}
