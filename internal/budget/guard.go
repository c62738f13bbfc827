package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/metrics"
)

// ErrQuotaExceeded is returned when a source's daily or per-minute
// request ceiling is already exhausted. The request is denied, never
// queued.
var ErrQuotaExceeded = errors.New("budget: source quota exceeded")

// SourceError wraps an underlying adapter failure. The quota for the
// attempt is already spent when this is returned.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("budget: source %s failed: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// SourceLimits configure one source's budget. Zero ceilings mean
// unlimited; a zero TTL disables caching for that source.
type SourceLimits struct {
	DailyLimit   int
	MinuteLimit  int
	CacheTTL     time.Duration
	IndicatorTTL time.Duration
}

// Result is a successful acquisition. Cached marks a TTL-cache hit that
// consumed no quota.
type Result struct {
	Sample fetcher.Sample
	Cached bool
}

// Usage is a point-in-time snapshot of a source's spent quota.
type Usage struct {
	DayUsed     int
	DailyLimit  int
	MinuteUsed  int
	MinuteLimit int
}

type windowCounters struct {
	dayStart    time.Time
	dayUsed     int
	minuteStart time.Time
	minuteUsed  int
}

type sampleEntry struct {
	sample fetcher.Sample
}

type indicatorEntry struct {
	value     decimal.Decimal
	fetchedAt time.Time
}

// Guard owns all budget state for every source: rolling daily and
// per-minute counters plus the TTL caches. Counter and cache mutations
// happen only behind its mutex, and concurrent cache misses for the same
// (source, pair) key coalesce into a single outbound fetch.
type Guard struct {
	mu        sync.Mutex
	limits    map[string]SourceLimits
	counters  map[string]*windowCounters
	samples   map[string]sampleEntry
	indicator map[string]indicatorEntry

	flight  singleflight.Group
	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New constructs a Guard with per-source limits keyed by source name.
func New(limits map[string]SourceLimits, logger zerolog.Logger, m *metrics.Metrics) *Guard {
	lims := make(map[string]SourceLimits, len(limits))
	for name, l := range limits {
		lims[name] = l
	}
	return &Guard{
		limits:    lims,
		counters:  make(map[string]*windowCounters),
		samples:   make(map[string]sampleEntry),
		indicator: make(map[string]indicatorEntry),
		now:       time.Now,
		logger:    logger.With().Str("component", "budget_guard").Logger(),
		metrics:   m,
	}
}

// WithClock overrides the wall clock. Test hook.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Acquire returns a rate sample for (source, pair): a cache hit when the
// cached sample is still within the source TTL, otherwise one coalesced
// live fetch. Quota is spent on live fetch attempts only, including
// failed ones; a cache hit never spends.
func (g *Guard) Acquire(ctx context.Context, src fetcher.RateSource, pair fetcher.Pair) (Result, error) {
	key := src.Name() + "|" + pair.String()

	if sample, ok := g.cachedSample(key, src.Name()); ok {
		g.metrics.IncCacheHit(src.Name())
		return Result{Sample: sample, Cached: true}, nil
	}

	ch := g.flight.DoChan(key, func() (interface{}, error) {
		// Another coalesced caller may have populated the cache while
		// this call waited its turn.
		if sample, ok := g.cachedSample(key, src.Name()); ok {
			return Result{Sample: sample, Cached: true}, nil
		}
		// A cancelled cycle must not count a fetch that was never issued.
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		// Once issued, the fetch runs detached from the issuing caller:
		// if that caller stops waiting, the remaining coalesced waiters
		// still get the sample. Adapters carry their own timeouts.
		sample, err := g.liveFetch(context.WithoutCancel(ctx), src, pair)
		if err != nil {
			return Result{}, err
		}
		g.storeSample(key, sample)
		return Result{Sample: sample}, nil
	})

	select {
	case <-ctx.Done():
		// The in-flight fetch, if any, completes on behalf of the other
		// waiters; this caller just stops waiting.
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	}
}

// AcquireIndicator fetches a provider-precomputed indicator value under
// the same quota pool as the source's rate fetches.
func (g *Guard) AcquireIndicator(ctx context.Context, src fetcher.IndicatorSource, pair fetcher.Pair, kind, interval string) (decimal.Decimal, error) {
	key := "ind|" + src.Name() + "|" + pair.String() + "|" + kind + "|" + interval

	if value, ok := g.cachedIndicator(key, src.Name()); ok {
		g.metrics.IncCacheHit(src.Name())
		return value, nil
	}

	ch := g.flight.DoChan(key, func() (interface{}, error) {
		if value, ok := g.cachedIndicator(key, src.Name()); ok {
			return value, nil
		}
		if err := ctx.Err(); err != nil {
			return decimal.Decimal{}, err
		}
		if err := g.spend(src.Name()); err != nil {
			return decimal.Decimal{}, err
		}
		value, err := src.FetchIndicator(context.WithoutCancel(ctx), pair, kind, interval)
		if err != nil {
			g.metrics.IncSourceFetch(src.Name(), "error")
			return decimal.Decimal{}, &SourceError{Source: src.Name(), Err: err}
		}
		g.metrics.IncSourceFetch(src.Name(), "ok")
		g.storeIndicator(key, value)
		return value, nil
	})

	select {
	case <-ctx.Done():
		return decimal.Decimal{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return decimal.Decimal{}, res.Err
		}
		return res.Val.(decimal.Decimal), nil
	}
}

// Snapshot reports the spent quota for a source as of now.
func (g *Guard) Snapshot(source string) Usage {
	g.mu.Lock()
	defer g.mu.Unlock()

	lim := g.limits[source]
	c := g.countersLocked(source)
	g.rollWindowsLocked(c)

	return Usage{
		DayUsed:     c.dayUsed,
		DailyLimit:  lim.DailyLimit,
		MinuteUsed:  c.minuteUsed,
		MinuteLimit: lim.MinuteLimit,
	}
}

func (g *Guard) liveFetch(ctx context.Context, src fetcher.RateSource, pair fetcher.Pair) (fetcher.Sample, error) {
	if err := g.spend(src.Name()); err != nil {
		return fetcher.Sample{}, err
	}

	// From here on the attempt is spent, success or not.
	sample, err := src.Fetch(ctx, pair)
	if err != nil {
		g.metrics.IncSourceFetch(src.Name(), "error")
		g.logger.Warn().Str("source", src.Name()).Stringer("pair", pair).Err(err).Msg("source fetch failed")
		return fetcher.Sample{}, &SourceError{Source: src.Name(), Err: err}
	}

	g.metrics.IncSourceFetch(src.Name(), "ok")
	return sample, nil
}

func (g *Guard) spend(source string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	lim := g.limits[source]
	c := g.countersLocked(source)
	g.rollWindowsLocked(c)

	if lim.DailyLimit > 0 && c.dayUsed >= lim.DailyLimit {
		g.metrics.IncQuotaDenied(source, "daily")
		return fmt.Errorf("%w: %s daily ceiling %d reached", ErrQuotaExceeded, source, lim.DailyLimit)
	}
	if lim.MinuteLimit > 0 && c.minuteUsed >= lim.MinuteLimit {
		g.metrics.IncQuotaDenied(source, "minute")
		return fmt.Errorf("%w: %s per-minute ceiling %d reached", ErrQuotaExceeded, source, lim.MinuteLimit)
	}

	c.dayUsed++
	c.minuteUsed++
	return nil
}

func (g *Guard) countersLocked(source string) *windowCounters {
	c, ok := g.counters[source]
	if !ok {
		c = &windowCounters{}
		g.counters[source] = c
	}
	return c
}

func (g *Guard) rollWindowsLocked(c *windowCounters) {
	now := g.now().UTC()

	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if !c.dayStart.Equal(day) {
		c.dayStart = day
		c.dayUsed = 0
	}

	minute := now.Truncate(time.Minute)
	if !c.minuteStart.Equal(minute) {
		c.minuteStart = minute
		c.minuteUsed = 0
	}
}

func (g *Guard) cachedSample(key, source string) (fetcher.Sample, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ttl := g.limits[source].CacheTTL
	if ttl <= 0 {
		return fetcher.Sample{}, false
	}
	entry, ok := g.samples[key]
	if !ok {
		return fetcher.Sample{}, false
	}
	if g.now().UTC().Sub(entry.sample.FetchedAt) >= ttl {
		return fetcher.Sample{}, false
	}
	return entry.sample, true
}

func (g *Guard) storeSample(key string, sample fetcher.Sample) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.samples[key] = sampleEntry{sample: sample}
}

func (g *Guard) cachedIndicator(key, source string) (decimal.Decimal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	lim := g.limits[source]
	ttl := lim.IndicatorTTL
	if ttl <= 0 {
		ttl = lim.CacheTTL
	}
	if ttl <= 0 {
		return decimal.Decimal{}, false
	}
	entry, ok := g.indicator[key]
	if !ok {
		return decimal.Decimal{}, false
	}
	if g.now().UTC().Sub(entry.fetchedAt) >= ttl {
		return decimal.Decimal{}, false
	}
	return entry.value, true
}

func (g *Guard) storeIndicator(key string, value decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.indicator[key] = indicatorEntry{value: value, fetchedAt: g.now().UTC()}
}
