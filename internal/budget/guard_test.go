package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/fetcher"
)

type fakeSource struct {
	name    string
	rate    decimal.Decimal
	err     error
	delay   time.Duration
	fetches atomic.Int64
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, pair fetcher.Pair) (fetcher.Sample, error) {
	f.fetches.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return fetcher.Sample{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return fetcher.Sample{}, f.err
	}
	return fetcher.Sample{
		Pair:      pair,
		Source:    f.name,
		Rate:      f.rate,
		FetchedAt: time.Now().UTC(),
	}, nil
}

type fakeIndicatorSource struct {
	fakeSource
	value   decimal.Decimal
	indErr  error
	indHits atomic.Int64
}

func (f *fakeIndicatorSource) FetchIndicator(ctx context.Context, pair fetcher.Pair, kind, interval string) (decimal.Decimal, error) {
	f.indHits.Add(1)
	if f.indErr != nil {
		return decimal.Decimal{}, f.indErr
	}
	return f.value, nil
}

func testPair() fetcher.Pair {
	return fetcher.Pair{Base: "USD", Quote: "COP"}
}

func TestAcquireSpendsAndCaches(t *testing.T) {
	src := &fakeSource{name: "thirdparty", rate: decimal.NewFromInt(4100)}
	guard := New(map[string]SourceLimits{
		"thirdparty": {DailyLimit: 25, MinuteLimit: 5, CacheTTL: 900 * time.Second},
	}, zerolog.Nop(), nil)

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	guard.WithClock(func() time.Time { return now })

	res, err := guard.Acquire(context.Background(), src, testPair())
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if res.Cached {
		t.Fatal("first acquisition must be a live fetch")
	}

	// Second call within TTL: cache hit, no spend, no fetch.
	res, err = guard.Acquire(context.Background(), src, testPair())
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if !res.Cached {
		t.Fatal("within TTL the sample must come from cache")
	}
	if got := src.fetches.Load(); got != 1 {
		t.Fatalf("fetch count = %d, want 1", got)
	}

	usage := guard.Snapshot("thirdparty")
	if usage.DayUsed != 1 || usage.MinuteUsed != 1 {
		t.Fatalf("cache hit must not spend quota: %+v", usage)
	}

	// Past TTL the next acquisition fetches again.
	now = now.Add(901 * time.Second)
	res, err = guard.Acquire(context.Background(), src, testPair())
	if err != nil {
		t.Fatalf("post-TTL Acquire failed: %v", err)
	}
	if res.Cached {
		t.Fatal("expired entry must not be served")
	}
	if got := src.fetches.Load(); got != 2 {
		t.Fatalf("fetch count = %d, want 2", got)
	}
}

func TestAcquireDailyCeiling(t *testing.T) {
	src := &fakeSource{name: "thirdparty", rate: decimal.NewFromInt(1)}
	guard := New(map[string]SourceLimits{
		"thirdparty": {DailyLimit: 2},
	}, zerolog.Nop(), nil)

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	guard.WithClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if _, err := guard.Acquire(context.Background(), src, testPair()); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		now = now.Add(time.Minute)
	}

	_, err := guard.Acquire(context.Background(), src, testPair())
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("al agotar la cuota diaria debe denegar, got %v", err)
	}

	// Quota windows are UTC wall-clock: the next day resets the counter.
	now = time.Date(2026, 8, 29, 0, 0, 1, 0, time.UTC)
	if _, err := guard.Acquire(context.Background(), src, testPair()); err != nil {
		t.Fatalf("new UTC day must reset the daily window: %v", err)
	}
}

func TestAcquireMinuteCeiling(t *testing.T) {
	src := &fakeSource{name: "thirdparty", rate: decimal.NewFromInt(1)}
	guard := New(map[string]SourceLimits{
		"thirdparty": {DailyLimit: 100, MinuteLimit: 1},
	}, zerolog.Nop(), nil)

	now := time.Date(2026, 8, 28, 12, 0, 30, 0, time.UTC)
	guard.WithClock(func() time.Time { return now })

	if _, err := guard.Acquire(context.Background(), src, testPair()); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	other := fetcher.Pair{Base: "USD", Quote: "VES"}
	_, err := guard.Acquire(context.Background(), src, other)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("minute ceiling must deny, got %v", err)
	}

	now = now.Add(31 * time.Second) // crosses into 12:01
	if _, err := guard.Acquire(context.Background(), src, other); err != nil {
		t.Fatalf("new minute window must allow: %v", err)
	}
}

func TestFailedFetchSpendsButDoesNotCache(t *testing.T) {
	src := &fakeSource{name: "market", err: fmt.Errorf("%w: boom", fetcher.ErrTimeout)}
	guard := New(map[string]SourceLimits{
		"market": {DailyLimit: 10, CacheTTL: time.Hour},
	}, zerolog.Nop(), nil)

	_, err := guard.Acquire(context.Background(), src, testPair())
	var srcErr *SourceError
	if !errors.As(err, &srcErr) {
		t.Fatalf("want SourceError, got %v", err)
	}
	if srcErr.Source != "market" {
		t.Fatalf("source = %q", srcErr.Source)
	}
	if !errors.Is(err, fetcher.ErrTimeout) {
		t.Fatalf("la causa original debe seguir siendo visible: %v", err)
	}

	usage := guard.Snapshot("market")
	if usage.DayUsed != 1 {
		t.Fatalf("failed attempt must spend quota: %+v", usage)
	}

	// The failure is not cached: the next call fetches again.
	src.err = nil
	src.rate = decimal.NewFromInt(4)
	res, err := guard.Acquire(context.Background(), src, testPair())
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if res.Cached {
		t.Fatal("failure must not populate the cache")
	}
}

func TestConcurrentAcquiresCoalesce(t *testing.T) {
	src := &fakeSource{name: "market", rate: decimal.NewFromInt(4100), delay: 50 * time.Millisecond}
	guard := New(map[string]SourceLimits{
		"market": {DailyLimit: 100, CacheTTL: time.Hour},
	}, zerolog.Nop(), nil)

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = guard.Acquire(context.Background(), src, testPair())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}
	if got := src.fetches.Load(); got != 1 {
		t.Fatalf("coalesced fetch count = %d, want 1", got)
	}
	if usage := guard.Snapshot("market"); usage.DayUsed != 1 {
		t.Fatalf("coalesced callers must spend one attempt: %+v", usage)
	}
}

type gatedSource struct {
	fakeSource
	startOnce sync.Once
	started   chan struct{}
}

func (g *gatedSource) Fetch(ctx context.Context, pair fetcher.Pair) (fetcher.Sample, error) {
	g.startOnce.Do(func() { close(g.started) })
	return g.fakeSource.Fetch(ctx, pair)
}

func TestIssuerCancelDoesNotFailCoalescedWaiters(t *testing.T) {
	src := &gatedSource{
		fakeSource: fakeSource{name: "market", rate: decimal.NewFromInt(4100), delay: 60 * time.Millisecond},
		started:    make(chan struct{}),
	}
	guard := New(map[string]SourceLimits{
		"market": {DailyLimit: 10, CacheTTL: time.Hour},
	}, zerolog.Nop(), nil)

	issuerCtx, cancel := context.WithCancel(context.Background())
	issuerErr := make(chan error, 1)
	go func() {
		_, err := guard.Acquire(issuerCtx, src, testPair())
		issuerErr <- err
	}()

	// Join a second caller once the fetch is in flight, then cancel the
	// issuer mid-fetch.
	<-src.started
	var got Result
	waiterErr := make(chan error, 1)
	go func() {
		var err error
		got, err = guard.Acquire(context.Background(), src, testPair())
		waiterErr <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-issuerErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("issuer must stop waiting with context.Canceled, got %v", err)
	}
	if err := <-waiterErr; err != nil {
		t.Fatalf("el waiter con contexto vivo debe recibir la muestra: %v", err)
	}
	if !got.Sample.Rate.Equal(decimal.NewFromInt(4100)) {
		t.Fatalf("rate = %s", got.Sample.Rate)
	}
	if n := src.fetches.Load(); n != 1 {
		t.Fatalf("fetch count = %d, want 1", n)
	}
	if usage := guard.Snapshot("market"); usage.DayUsed != 1 {
		t.Fatalf("the spent attempt serves the surviving waiter: %+v", usage)
	}
}

func TestAcquireCancelledBeforeIssueSpendsNothing(t *testing.T) {
	src := &fakeSource{name: "market", rate: decimal.NewFromInt(1)}
	guard := New(map[string]SourceLimits{
		"market": {DailyLimit: 10},
	}, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := guard.Acquire(ctx, src, testPair())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if usage := guard.Snapshot("market"); usage.DayUsed != 0 {
		t.Fatalf("cancelled before issue must not spend: %+v", usage)
	}
}

func TestAcquireIndicatorSharesQuotaPool(t *testing.T) {
	src := &fakeIndicatorSource{
		fakeSource: fakeSource{name: "thirdparty", rate: decimal.NewFromInt(4100)},
		value:      decimal.NewFromFloat(67.25),
	}
	guard := New(map[string]SourceLimits{
		"thirdparty": {DailyLimit: 2, CacheTTL: time.Hour, IndicatorTTL: time.Hour},
	}, zerolog.Nop(), nil)

	if _, err := guard.Acquire(context.Background(), src, testPair()); err != nil {
		t.Fatalf("rate acquire failed: %v", err)
	}

	value, err := guard.AcquireIndicator(context.Background(), src, testPair(), "RSI", "daily")
	if err != nil {
		t.Fatalf("indicator acquire failed: %v", err)
	}
	if !value.Equal(decimal.NewFromFloat(67.25)) {
		t.Fatalf("value = %s", value)
	}

	// Both calls drew from the same pool; the ceiling is now reached.
	_, err = guard.AcquireIndicator(context.Background(), src, testPair(), "SMA", "daily")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("shared pool must be exhausted, got %v", err)
	}

	// Cached indicator value still serves without spending.
	value, err = guard.AcquireIndicator(context.Background(), src, testPair(), "RSI", "daily")
	if err != nil {
		t.Fatalf("cached indicator acquire failed: %v", err)
	}
	if got := src.indHits.Load(); got != 1 {
		t.Fatalf("indicator fetch count = %d, want 1", got)
	}
	if !value.Equal(decimal.NewFromFloat(67.25)) {
		t.Fatalf("cached value = %s", value)
	}
}

func TestUnknownSourceIsUnlimited(t *testing.T) {
	src := &fakeSource{name: "reference", rate: decimal.NewFromInt(4000)}
	guard := New(map[string]SourceLimits{}, zerolog.Nop(), nil)

	for i := 0; i < 50; i++ {
		if _, err := guard.Acquire(context.Background(), src, testPair()); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}
	if got := src.fetches.Load(); got != 50 {
		t.Fatalf("fetch count = %d, want 50 (no cache without TTL)", got)
	}
}
