package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPositiveRate(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
	_, err = New(-1)
	assert.Error(t, err)

	l, err := New(4)
	require.NoError(t, err)
	assert.Equal(t, 4.0, l.Rate())
	assert.Equal(t, 250*time.Millisecond, l.Interval())
}

// TestSharedBudgetAcrossCallers issues N concurrent acquisitions with zero delay
// and checks no 1-second window holds more than R grants.
func TestSharedBudgetAcrossCallers(t *testing.T) {
	const (
		perSecond = 20
		callers   = 30
		slack     = 30 * time.Millisecond
	)
	l, err := New(perSecond)
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		grants []time.Time
		wg     sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Acquire(context.Background()))
			mu.Lock()
			grants = append(grants, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, grants, callers)
	sort.Slice(grants, func(i, j int) bool { return grants[i].Before(grants[j]) })

	// grant i and grant i+R must be at least one second apart
	for i := 0; i+perSecond < len(grants); i++ {
		gap := grants[i+perSecond].Sub(grants[i])
		assert.GreaterOrEqual(t, gap, time.Second-slack, "window starting at grant %d exceeded the rate", i)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	l, err := New(0.5) // one grant every two seconds
	require.NoError(t, err)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Acquire(ctx), "second grant cannot arrive before the deadline")
}
