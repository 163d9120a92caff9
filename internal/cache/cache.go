// Package cache is the in-memory availability cache. Entries are keyed by
// route and travel day, and expire sooner the closer the day is.
package cache

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DayLayout = "2006-01-02"

// sweepChunk bounds how many keys one locked section of a sweep may evict.
const sweepChunk = 64

type Key struct {
	Origin      string
	Destination string
	Day         string // YYYY-MM-DD
}

func NewKey(origin, destination string, day time.Time) Key {
	return Key{Origin: origin, Destination: destination, Day: day.Format(DayLayout)}
}

func (k Key) String() string { return k.Origin + "_" + k.Destination + "_" + k.Day }

type Entry struct {
	Payload   json.RawMessage
	CachedAt  time.Time
	ExpiresAt time.Time
}

// EntryStat is the diagnostic view of one entry.
type EntryStat struct {
	Origin      string        `json:"origin"`
	Destination string        `json:"destination"`
	Day         string        `json:"date"`
	CachedAt    time.Time     `json:"cachedAt"`
	ExpiresIn   time.Duration `json:"expiresIn"`
}

// TTL returns the lifetime of an entry for day, seen from today. Both are
// reduced to calendar days.
func TTL(day, today time.Time) time.Duration {
	switch d := daysBetween(today, day); {
	case d <= 0:
		return 2 * time.Minute
	case d == 1:
		return 5 * time.Minute
	case d <= 7:
		return 15 * time.Minute
	default:
		return 60 * time.Minute
	}
}

func daysBetween(from, to time.Time) int {
	f := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	t := time.Date(to.Year(), to.Month(), to.Day(), 0, 0, 0, 0, time.UTC)
	return int(t.Sub(f).Hours() / 24)
}

type Cache struct {
	mu      sync.RWMutex
	entries map[Key]Entry

	loc           *time.Location
	now           func() time.Time
	sweepInterval time.Duration
	log           *zap.Logger
}

type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithLocation sets the zone in which "today" and travel days are compared.
func WithLocation(loc *time.Location) Option { return func(c *Cache) { c.loc = loc } }

func WithSweepInterval(d time.Duration) Option { return func(c *Cache) { c.sweepInterval = d } }

func New(log *zap.Logger, opts ...Option) *Cache {
	c := &Cache{
		entries:       make(map[Key]Entry),
		loc:           time.Local,
		now:           time.Now,
		sweepInterval: 10 * time.Minute,
		log:           log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) Get(k Key) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[k]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if c.now().After(e.ExpiresAt) {
		c.mu.Lock()
		// only evict if nobody replaced it meanwhile
		if cur, ok := c.entries[k]; ok && cur.ExpiresAt.Equal(e.ExpiresAt) {
			delete(c.entries, k)
		}
		c.mu.Unlock()
		return Entry{}, false
	}
	return e, true
}

// Put stores payload under k with a TTL derived from k.Day. A key whose day
// does not parse gets the shortest tier.
func (c *Cache) Put(k Key, payload json.RawMessage) Entry {
	now := c.now()
	ttl := 2 * time.Minute
	if day, err := time.ParseInLocation(DayLayout, k.Day, c.loc); err == nil {
		ttl = TTL(day, now.In(c.loc))
	}
	e := Entry{Payload: payload, CachedAt: now, ExpiresAt: now.Add(ttl)}
	c.mu.Lock()
	c.entries[k] = e
	c.mu.Unlock()
	return e
}

func (c *Cache) Invalidate(k Key) {
	c.mu.Lock()
	delete(c.entries, k)
	c.mu.Unlock()
}

func (c *Cache) InvalidateAll() int {
	c.mu.Lock()
	n := len(c.entries)
	c.entries = make(map[Key]Entry)
	c.mu.Unlock()
	return n
}

// InvalidatePrefix drops every day cached for one route.
func (c *Cache) InvalidatePrefix(origin, destination string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if k.Origin == origin && k.Destination == destination {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats lists live entries ordered by day then route.
func (c *Cache) Stats() []EntryStat {
	now := c.now()
	c.mu.RLock()
	out := make([]EntryStat, 0, len(c.entries))
	for k, e := range c.entries {
		left := e.ExpiresAt.Sub(now)
		if left < 0 {
			left = 0
		}
		out = append(out, EntryStat{
			Origin:      k.Origin,
			Destination: k.Destination,
			Day:         k.Day,
			CachedAt:    e.CachedAt,
			ExpiresIn:   left,
		})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day < out[j].Day
		}
		return out[i].Origin+out[i].Destination < out[j].Origin+out[j].Destination
	})
	return out
}

// Sweep evicts expired entries. Keys are snapshotted first and evicted in
// small locked chunks so readers and writers interleave with a long scan.
func (c *Cache) Sweep() int {
	c.mu.RLock()
	keys := make([]Key, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	removed := 0
	for start := 0; start < len(keys); start += sweepChunk {
		end := min(start+sweepChunk, len(keys))
		now := c.now()
		c.mu.Lock()
		for _, k := range keys[start:end] {
			if e, ok := c.entries[k]; ok && now.After(e.ExpiresAt) {
				delete(c.entries, k)
				removed++
			}
		}
		c.mu.Unlock()
	}
	return removed
}

// Run sweeps on a fixed interval until ctx is done.
func (c *Cache) Run(ctx context.Context) error {
	t := time.NewTicker(c.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n := c.Sweep(); n > 0 {
				c.log.Info("cache sweep", zap.Int("removed", n), zap.Int("remaining", c.Len()))
			}
		}
	}
}
