package cache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(t *testing.T) (*Cache, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)}
	return New(zap.NewNop(), WithClock(clk.Now), WithLocation(time.UTC)), clk
}

func TestTTL_Tiers(t *testing.T) {
	today := time.Date(2026, 5, 10, 23, 59, 0, 0, time.UTC)
	day := func(offset int) time.Time {
		return time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
	}

	tests := []struct {
		name   string
		offset int
		want   time.Duration
	}{
		{"yesterday", -1, 2 * time.Minute},
		{"today", 0, 2 * time.Minute},
		{"tomorrow", 1, 5 * time.Minute},
		{"in two days", 2, 15 * time.Minute},
		{"in a week", 7, 15 * time.Minute},
		{"in eight days", 8, 60 * time.Minute},
		{"in a month", 31, 60 * time.Minute},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TTL(day(tc.offset), today))
		})
	}
}

func TestTTL_NonIncreasingTowardsToday(t *testing.T) {
	today := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	prev := time.Duration(0)
	for offset := -3; offset < 40; offset++ {
		got := TTL(today.AddDate(0, 0, offset), today)
		assert.GreaterOrEqual(t, got, prev, "offset %d", offset)
		prev = got
	}
}

func TestTTL_IgnoresTimeOfDay(t *testing.T) {
	lateToday := time.Date(2026, 5, 10, 23, 0, 0, 0, time.UTC)
	earlyTomorrow := time.Date(2026, 5, 11, 0, 30, 0, 0, time.UTC)
	assert.Equal(t, 5*time.Minute, TTL(earlyTomorrow, lateToday))
}

func TestPutGet_RoundTripAndExpiry(t *testing.T) {
	c, clk := newTestCache(t)
	k := Key{Origin: "FRPLY", Destination: "FRLLE", Day: "2026-05-11"}

	e := c.Put(k, json.RawMessage(`{"ratio":1}`))
	assert.Equal(t, 5*time.Minute, e.ExpiresAt.Sub(e.CachedAt))

	got, ok := c.Get(k)
	require.True(t, ok)
	assert.JSONEq(t, `{"ratio":1}`, string(got.Payload))

	clk.Advance(5 * time.Minute)
	_, ok = c.Get(k)
	assert.True(t, ok, "entry is live up to and including expiresAt")

	clk.Advance(time.Second)
	_, ok = c.Get(k)
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry must be evicted on read")
}

func TestPut_UnparseableDayGetsShortestTier(t *testing.T) {
	c, _ := newTestCache(t)
	e := c.Put(Key{Origin: "A", Destination: "B", Day: "not-a-day"}, nil)
	assert.Equal(t, 2*time.Minute, e.ExpiresAt.Sub(e.CachedAt))
}

func TestInvalidate(t *testing.T) {
	c, _ := newTestCache(t)
	a1 := Key{"A", "B", "2026-05-20"}
	a2 := Key{"A", "B", "2026-05-21"}
	b1 := Key{"B", "A", "2026-05-20"}
	for _, k := range []Key{a1, a2, b1} {
		c.Put(k, json.RawMessage(`{}`))
	}

	c.Invalidate(a1)
	_, ok := c.Get(a1)
	assert.False(t, ok)

	assert.Equal(t, 1, c.InvalidatePrefix("A", "B"))
	_, ok = c.Get(b1)
	assert.True(t, ok, "reverse route must survive")

	assert.Equal(t, 1, c.InvalidateAll())
	assert.Equal(t, 0, c.Len())
}

func TestSweep_RemovesOnlyExpired(t *testing.T) {
	c, clk := newTestCache(t)
	for i := 0; i < 200; i++ {
		c.Put(NewKey("A", "B", time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i%3)), nil)
		c.Put(Key{Origin: "X", Destination: "Y", Day: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i).Format(DayLayout)}, nil)
	}
	before := c.Len()

	clk.Advance(20 * time.Minute)
	removed := c.Sweep()

	assert.Equal(t, 3, removed, "today, tomorrow and day+2 entries are past their tier")
	assert.Equal(t, before-3, c.Len())
}

func TestStats_SortedAndClamped(t *testing.T) {
	c, clk := newTestCache(t)
	c.Put(Key{"A", "B", "2026-05-30"}, nil)
	c.Put(Key{"A", "B", "2026-05-10"}, nil)
	clk.Advance(3 * time.Minute)

	st := c.Stats()
	require.Len(t, st, 2)
	assert.Equal(t, "2026-05-10", st[0].Day)
	assert.Equal(t, time.Duration(0), st[0].ExpiresIn)
	assert.Equal(t, 57*time.Minute, st[1].ExpiresIn)
}

func TestRun_StopsOnCancel(t *testing.T) {
	c := New(zap.NewNop(), WithSweepInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c, _ := newTestCache(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := Key{"A", "B", time.Date(2026, 5, 10+i%5, 0, 0, 0, 0, time.UTC).Format(DayLayout)}
			for j := 0; j < 100; j++ {
				c.Put(k, nil)
				c.Get(k)
				c.Sweep()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, c.Len())
}
