// Package ratelimit provides the admission gate shared by every remote call.
//
// A single Limiter is constructed per run and handed to both the index and the
// content fetchers, so all concurrent requests draw from one budget of R
// operations per second. Admission is delegated to golang.org/x/time/rate with
// a burst of one, which spaces grants at least 1/R apart across all callers.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits operations at a steady rate. Safe for concurrent use.
type Limiter struct {
	lim *rate.Limiter
	r   float64
}

// New returns a limiter admitting perSecond operations per second.
func New(perSecond float64) (*Limiter, error) {
	if perSecond <= 0 {
		return nil, fmt.Errorf("ratelimit: rate must be positive, got %v", perSecond)
	}
	return &Limiter{
		lim: rate.NewLimiter(rate.Limit(perSecond), 1),
		r:   perSecond,
	}, nil
}

// Acquire blocks until one slot is available and consumes it.
// It returns early only if ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := l.lim.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit: wait: %w", err)
	}
	return nil
}

// Rate returns the configured operations per second.
func (l *Limiter) Rate() float64 { return l.r }

// Interval is the minimum spacing between two grants.
func (l *Limiter) Interval() time.Duration {
	return time.Duration(float64(time.Second) / l.r)
}
