// Package fetch answers availability queries from the cache and fans cache
// misses out through the anonymous session with bounded concurrency.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/example/maxwatch/internal/cache"
	"github.com/example/maxwatch/internal/internaltypes"
	"github.com/example/maxwatch/internal/remote"
)

const (
	PathStations  = "/api/public/refdata/freeplaces-stations"
	PathProposals = "/api/public/refdata/search-freeplaces-proposals"

	DefaultConcurrency = 6
	DefaultBatchDelay  = 200 * time.Millisecond
)

// emptyDay stands in for a day whose fetch failed.
var emptyDay = json.RawMessage(`{"proposals":[],"ratio":0}`)

// Performer runs a request inside the anonymous session.
type Performer interface {
	Perform(ctx context.Context, req remote.Request) (remote.Response, error)
}

type Options struct {
	Concurrency int
	// BatchDelay is the minimum spacing between the starts of two batches.
	BatchDelay time.Duration
	// Location decides what "today" is.
	Location *time.Location
	Now      func() time.Time
}

type Orchestrator struct {
	perf  Performer
	cache *cache.Cache
	opts  Options
	log   *zap.Logger
}

func New(perf Performer, c *cache.Cache, opts Options, log *zap.Logger) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.BatchDelay < 0 {
		opts.BatchDelay = 0
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{perf: perf, cache: c, opts: opts, log: log}
}

type Query struct {
	Origin      string
	Destination string
	Date        time.Time
	Force       bool
}

type DayResult struct {
	Date     string          `json:"date"`
	Data     json.RawMessage `json:"data"`
	Cached   bool            `json:"cached"`
	CachedAt time.Time       `json:"cachedAt"`
}

// Day returns the proposals for one travel day, from the cache unless
// Force is set.
func (o *Orchestrator) Day(ctx context.Context, q Query) (DayResult, error) {
	if err := validRoute(q.Origin, q.Destination); err != nil {
		return DayResult{}, err
	}
	if q.Date.IsZero() {
		return DayResult{}, fmt.Errorf("%w: date required", internaltypes.ErrValidation)
	}
	day := q.Date.In(o.opts.Location)
	key := cache.NewKey(q.Origin, q.Destination, day)

	if !q.Force {
		if e, ok := o.cache.Get(key); ok {
			o.log.Debug("cache hit", zap.String("key", key.String()))
			return DayResult{Date: key.Day, Data: e.Payload, Cached: true, CachedAt: e.CachedAt}, nil
		}
	}

	e, err := o.fetchDay(ctx, key, day)
	if err != nil {
		return DayResult{}, err
	}
	return DayResult{Date: key.Day, Data: e.Payload, CachedAt: e.CachedAt}, nil
}

func (o *Orchestrator) fetchDay(ctx context.Context, key cache.Key, day time.Time) (cache.Entry, error) {
	resp, err := o.perf.Perform(ctx, remote.Request{
		Method: http.MethodGet,
		Path:   PathProposals,
		Query: url.Values{
			"origin":            {key.Origin},
			"destination":       {key.Destination},
			"departureDateTime": {departureParam(day)},
		},
	})
	if err != nil {
		return cache.Entry{}, err
	}
	if !resp.OK() {
		return cache.Entry{}, fmt.Errorf("proposals %s: remote status %d", key, resp.Status)
	}
	if !json.Valid(resp.Body) {
		return cache.Entry{}, fmt.Errorf("proposals %s: invalid JSON body", key)
	}
	return o.cache.Put(key, json.RawMessage(resp.Body)), nil
}

// departureParam is 01:00 UTC on the travel day, the form the search
// endpoint expects.
func departureParam(day time.Time) string {
	return time.Date(day.Year(), day.Month(), day.Day(), 1, 0, 0, 0, time.UTC).Format("2006-01-02T15:04:05.000Z")
}

type MonthQuery struct {
	Origin      string
	Destination string
	Year        int
	Month       int
	Force       bool
}

type DayError struct {
	Date  string `json:"date"`
	Error string `json:"error"`
}

type Summary struct {
	TotalDays            int `json:"totalDays"`
	DaysWithAvailability int `json:"daysWithAvailability"`
	TotalTrains          int `json:"totalTrains"`
	Errors               int `json:"errors"`
}

type CacheInfo struct {
	FromCache    int `json:"fromCache"`
	Fetched      int `json:"fetched"`
	CacheHitRate int `json:"cacheHitRate"`
}

type MonthResult struct {
	Results   map[string]json.RawMessage `json:"results"`
	Summary   Summary                    `json:"summary"`
	CacheInfo CacheInfo                  `json:"cacheInfo"`
	Errors    []DayError                 `json:"errors,omitempty"`
}

// Month covers every remaining day of the month, starting today for the
// current month. Misses are fetched in batches of Concurrency; a failed day
// is recorded and reported empty without stopping later batches.
func (o *Orchestrator) Month(ctx context.Context, q MonthQuery) (MonthResult, error) {
	if err := validRoute(q.Origin, q.Destination); err != nil {
		return MonthResult{}, err
	}
	if q.Month < 1 || q.Month > 12 {
		return MonthResult{}, fmt.Errorf("%w: month must be 1..12", internaltypes.ErrValidation)
	}
	if q.Year < 1 {
		return MonthResult{}, fmt.Errorf("%w: year required", internaltypes.ErrValidation)
	}

	res := MonthResult{Results: make(map[string]json.RawMessage)}
	var misses []time.Time
	for _, day := range o.monthDays(q.Year, time.Month(q.Month)) {
		key := cache.NewKey(q.Origin, q.Destination, day)
		if !q.Force {
			if e, ok := o.cache.Get(key); ok {
				res.Results[key.Day] = e.Payload
				res.CacheInfo.FromCache++
				continue
			}
		}
		misses = append(misses, day)
	}

	limit := rate.Inf
	if o.opts.BatchDelay > 0 {
		limit = rate.Every(o.opts.BatchDelay)
	}
	pace := rate.NewLimiter(limit, 1)

	var mu sync.Mutex
	for start := 0; start < len(misses); start += o.opts.Concurrency {
		if err := pace.Wait(ctx); err != nil {
			return MonthResult{}, err
		}
		end := min(start+o.opts.Concurrency, len(misses))

		var g errgroup.Group
		for _, day := range misses[start:end] {
			g.Go(func() error {
				key := cache.NewKey(q.Origin, q.Destination, day)
				e, err := o.fetchDay(ctx, key, day)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					o.log.Warn("day fetch failed", zap.String("key", key.String()), zap.Error(err))
					res.Errors = append(res.Errors, DayError{Date: key.Day, Error: err.Error()})
					res.Results[key.Day] = emptyDay
					return nil
				}
				res.Results[key.Day] = e.Payload
				res.CacheInfo.Fetched++
				return nil
			})
		}
		_ = g.Wait()
	}

	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].Date < res.Errors[j].Date })
	res.Summary = summarize(res.Results)
	res.Summary.Errors = len(res.Errors)
	if res.Summary.TotalDays > 0 {
		res.CacheInfo.CacheHitRate = (res.CacheInfo.FromCache*100 + res.Summary.TotalDays/2) / res.Summary.TotalDays
	}

	o.log.Info("month search",
		zap.String("route", q.Origin+"->"+q.Destination),
		zap.Int("year", q.Year), zap.Int("month", q.Month),
		zap.Int("days", res.Summary.TotalDays), zap.Int("available", res.Summary.DaysWithAvailability),
		zap.Int("cache_hits", res.CacheInfo.FromCache), zap.Int("fetched", res.CacheInfo.Fetched),
		zap.Int("errors", res.Summary.Errors))
	return res, nil
}

// monthDays lists the month's days from max(first of month, today) on.
func (o *Orchestrator) monthDays(year int, month time.Month) []time.Time {
	loc := o.opts.Location
	now := o.opts.Now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)

	var days []time.Time
	for d := first; d.Month() == month; d = d.AddDate(0, 0, 1) {
		if d.Before(today) {
			continue
		}
		days = append(days, d)
	}
	return days
}

type dayPayload struct {
	Proposals []json.RawMessage `json:"proposals"`
	Ratio     float64           `json:"ratio"`
}

func summarize(results map[string]json.RawMessage) Summary {
	s := Summary{TotalDays: len(results)}
	for _, raw := range results {
		var p dayPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			continue
		}
		if p.Ratio > 0 {
			s.DaysWithAvailability++
		}
		s.TotalTrains += len(p.Proposals)
	}
	return s
}

// Stations looks up stations by label. Results are not cached.
func (o *Orchestrator) Stations(ctx context.Context, label string) (json.RawMessage, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, fmt.Errorf("%w: label required", internaltypes.ErrValidation)
	}
	resp, err := o.perf.Perform(ctx, remote.Request{
		Method: http.MethodGet,
		Path:   PathStations,
		Query:  url.Values{"label": {label}},
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("stations: remote status %d", resp.Status)
	}
	return json.RawMessage(resp.Body), nil
}

func validRoute(origin, destination string) error {
	if strings.TrimSpace(origin) == "" || strings.TrimSpace(destination) == "" {
		return fmt.Errorf("%w: origin and destination required", internaltypes.ErrValidation)
	}
	return nil
}
