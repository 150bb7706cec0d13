package guard

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterSpacesConcurrentCallers(t *testing.T) {
	const (
		callers = 6
		perSec  = 20.0
	)
	l := NewLimiter(perSec)
	interval := l.Interval()
	require.Equal(t, 50*time.Millisecond, interval)

	var mu sync.Mutex
	var stamps []time.Time
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Acquire(context.Background()))
			mu.Lock()
			stamps = append(stamps, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
	// slots are handed out at fixed offsets from the first admission, which
	// happens no earlier than start
	for i := 1; i < len(stamps); i++ {
		assert.GreaterOrEqual(t, stamps[i].Sub(start), time.Duration(i)*interval-time.Millisecond,
			"slot %d handed out early", i)
	}
}

func TestLimiterAcquireHonorsContext(t *testing.T) {
	l := NewLimiter(0.5)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, l.Acquire(ctx))
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
}
