package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/alerting"
	"fx-rate-alerts/internal/budget"
	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/recon"
	"fx-rate-alerts/internal/storage"
)

type pairAwareSource struct {
	name  string
	rates map[string]decimal.Decimal
	hits  atomic.Int64
}

func (s *pairAwareSource) Name() string { return s.name }

func (s *pairAwareSource) Fetch(ctx context.Context, pair fetcher.Pair) (fetcher.Sample, error) {
	s.hits.Add(1)
	rate, ok := s.rates[pair.String()]
	if !ok {
		return fetcher.Sample{}, fetcher.ErrNotSupportedPair
	}
	return fetcher.Sample{
		Pair:      pair,
		Source:    s.name,
		Rate:      rate,
		FetchedAt: time.Now().UTC(),
	}, nil
}

type recordingAlertStore struct {
	mu     sync.Mutex
	alerts []storage.AlertRow
}

func (r *recordingAlertStore) InsertAlertDedup(ctx context.Context, alert storage.AlertRow) (storage.AlertRow, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return alert, false, nil
}

func (r *recordingAlertStore) ListRecentAlerts(ctx context.Context, limit int) ([]storage.AlertRow, error) {
	return nil, nil
}

func (r *recordingAlertStore) MarkAlertRead(ctx context.Context, id string) error { return nil }

func (r *recordingAlertStore) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	return nil
}

type stubLocker struct {
	acquired bool
	unlocked atomic.Int64
}

func (l *stubLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.unlocked.Add(1) }, true, nil
}

func newTestEngine(sources []fetcher.RateSource, threshold int64) *recon.Engine {
	guard := budget.New(map[string]budget.SourceLimits{}, zerolog.Nop(), nil)
	return recon.New(guard, sources, nil, decimal.NewFromInt(threshold), zerolog.Nop())
}

func TestProcessBucketRunsAllPairs(t *testing.T) {
	reference := &pairAwareSource{name: fetcher.SourceReference, rates: map[string]decimal.Decimal{
		"USD/COP": decimal.NewFromInt(4000),
		"USD/VES": decimal.NewFromInt(50),
	}}
	market := &pairAwareSource{name: fetcher.SourceMarket, rates: map[string]decimal.Decimal{
		"USD/COP": decimal.NewFromInt(4020), // 0.5%, normal
		"USD/VES": decimal.NewFromInt(55),   // 10%, anomalous
	}}

	store := &recordingAlertStore{}
	dispatcher := alerting.NewDispatcher(store, nil, decimal.NewFromInt(2),
		alerting.SeverityTiers{SeverePct: decimal.NewFromInt(5), CriticalPct: decimal.NewFromInt(10)},
		alerting.RetryPolicy{}, zerolog.Nop(), nil)

	svc := New(Options{
		Engine:     newTestEngine([]fetcher.RateSource{reference, market}, 2),
		Dispatcher: dispatcher,
		Pairs: []fetcher.Pair{
			{Base: "USD", Quote: "COP"},
			{Base: "USD", Quote: "VES"},
		},
	}, zerolog.Nop(), nil)

	bucket := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	if err := svc.ProcessBucket(context.Background(), bucket); err != nil {
		t.Fatalf("ProcessBucket failed: %v", err)
	}

	if got := reference.hits.Load(); got != 2 {
		t.Fatalf("reference fetches = %d, want one per pair", got)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 (solo USD/VES es anómalo)", len(store.alerts))
	}
	if store.alerts[0].Pair != "USD/VES" {
		t.Fatalf("alert pair = %q", store.alerts[0].Pair)
	}
	if !store.alerts[0].BucketTS.Equal(bucket) {
		t.Fatalf("alert bucket = %s", store.alerts[0].BucketTS)
	}
}

func TestProcessBucketSkipsWhenLockHeldElsewhere(t *testing.T) {
	reference := &pairAwareSource{name: fetcher.SourceReference, rates: map[string]decimal.Decimal{
		"USD/COP": decimal.NewFromInt(4000),
	}}

	svc := New(Options{
		Engine:  newTestEngine([]fetcher.RateSource{reference}, 2),
		Pairs:   []fetcher.Pair{{Base: "USD", Quote: "COP"}},
		Locker:  &stubLocker{acquired: false},
		LockKey: 42,
	}, zerolog.Nop(), nil)

	if err := svc.ProcessBucket(context.Background(), time.Now()); err != nil {
		t.Fatalf("ProcessBucket failed: %v", err)
	}
	if got := reference.hits.Load(); got != 0 {
		t.Fatalf("fetches = %d, want 0 when another instance holds the lock", got)
	}
}

func TestProcessBucketReleasesLock(t *testing.T) {
	reference := &pairAwareSource{name: fetcher.SourceReference, rates: map[string]decimal.Decimal{
		"USD/COP": decimal.NewFromInt(4000),
	}}
	locker := &stubLocker{acquired: true}

	svc := New(Options{
		Engine:  newTestEngine([]fetcher.RateSource{reference}, 2),
		Pairs:   []fetcher.Pair{{Base: "USD", Quote: "COP"}},
		Locker:  locker,
		LockKey: 42,
	}, zerolog.Nop(), nil)

	if err := svc.ProcessBucket(context.Background(), time.Now()); err != nil {
		t.Fatalf("ProcessBucket failed: %v", err)
	}
	if got := locker.unlocked.Load(); got != 1 {
		t.Fatalf("unlock calls = %d, want 1", got)
	}
}

func TestProcessBucketAbsorbsPairFailure(t *testing.T) {
	failing := &pairAwareSource{name: fetcher.SourceReference, rates: map[string]decimal.Decimal{}}
	svc := New(Options{
		Engine: newTestEngine([]fetcher.RateSource{failing}, 2),
		Pairs: []fetcher.Pair{
			{Base: "USD", Quote: "COP"},
			{Base: "USD", Quote: "VES"},
		},
	}, zerolog.Nop(), nil)

	// Every cycle ends with insufficient data, which is non-fatal.
	if err := svc.ProcessBucket(context.Background(), time.Now()); err != nil {
		t.Fatalf("pair-level failures must not fail the bucket: %v", err)
	}
}
