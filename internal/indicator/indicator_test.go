package indicator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/budget"
	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/storage"
)

// seriesHistory serves a fixed chronological price series the way the
// repository does: newest first, capped at limit.
type seriesHistory struct {
	pair   string
	source string
	prices []decimal.Decimal
}

func (h *seriesHistory) AppendSample(ctx context.Context, row storage.PriceRow) error { return nil }

func (h *seriesHistory) ListRecentByPairSource(ctx context.Context, pair, source string, limit int) ([]storage.PriceRow, error) {
	if pair != h.pair || source != h.source {
		return nil, nil
	}
	var out []storage.PriceRow
	for i := len(h.prices) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, storage.PriceRow{
			Pair:      pair,
			Source:    source,
			Rate:      h.prices[i],
			FetchedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour),
		})
	}
	return out, nil
}

func (h *seriesHistory) ListSamplesBetween(ctx context.Context, pair string, from, to time.Time) ([]storage.PriceRow, error) {
	return nil, nil
}

func (h *seriesHistory) ListRecentSamples(ctx context.Context, limit int) ([]storage.PriceRow, error) {
	return nil, nil
}

func (h *seriesHistory) CountSamples(ctx context.Context) (int64, error) {
	return int64(len(h.prices)), nil
}

var _ storage.PriceHistoryStore = (*seriesHistory)(nil)

type stubProvider struct {
	value decimal.Decimal
	err   error
	calls int
}

func (p *stubProvider) Name() string { return fetcher.SourceThirdParty }

func (p *stubProvider) Fetch(ctx context.Context, pair fetcher.Pair) (fetcher.Sample, error) {
	return fetcher.Sample{}, errors.New("not used")
}

func (p *stubProvider) FetchIndicator(ctx context.Context, pair fetcher.Pair, kind, interval string) (decimal.Decimal, error) {
	p.calls++
	if p.err != nil {
		return decimal.Decimal{}, p.err
	}
	return p.value, nil
}

func testPair() fetcher.Pair {
	return fetcher.Pair{Base: "USD", Quote: "COP"}
}

func decimals(values ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.NewFromFloat(v)
	}
	return out
}

func TestComputeRSIKnownSeries(t *testing.T) {
	// Classic Wilder example series over a 14 period window.
	prices := decimals(
		44.34, 44.09, 44.15, 43.61, 44.33, 44.83, 45.10, 45.42,
		45.84, 46.08, 45.89, 46.03, 45.61, 46.28, 46.28,
	)
	history := &seriesHistory{pair: "USD/COP", source: fetcher.SourceMarket, prices: prices}
	calc := New(history, nil, nil, Options{}, zerolog.Nop())

	snap, err := calc.Compute(context.Background(), testPair(), "rsi", 14)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if snap.Origin != OriginLocal {
		t.Fatalf("origin = %q", snap.Origin)
	}
	// Published reference value for this series is ~70.46.
	if snap.Value.LessThan(decimal.NewFromFloat(70.0)) || snap.Value.GreaterThan(decimal.NewFromFloat(71.0)) {
		t.Fatalf("RSI = %s, want about 70.46", snap.Value)
	}
}

func TestComputeRSIAllGains(t *testing.T) {
	prices := decimals(1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15)
	history := &seriesHistory{pair: "USD/COP", source: fetcher.SourceMarket, prices: prices}
	calc := New(history, nil, nil, Options{}, zerolog.Nop())

	snap, err := calc.Compute(context.Background(), testPair(), KindRSI, 14)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !snap.Value.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("sin pérdidas el RSI debe ser 100, got %s", snap.Value)
	}
}

func TestComputeSMA(t *testing.T) {
	history := &seriesHistory{pair: "USD/COP", source: fetcher.SourceMarket, prices: decimals(10, 20, 30)}
	calc := New(history, nil, nil, Options{}, zerolog.Nop())

	snap, err := calc.Compute(context.Background(), testPair(), KindSMA, 3)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !snap.Value.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("SMA = %s, want 20", snap.Value)
	}
}

func TestComputeInsufficientHistory(t *testing.T) {
	// RSI(14) needs 15 samples; only 10 are stored.
	history := &seriesHistory{pair: "USD/COP", source: fetcher.SourceMarket,
		prices: decimals(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)}
	calc := New(history, nil, nil, Options{}, zerolog.Nop())

	_, err := calc.Compute(context.Background(), testPair(), KindRSI, 14)
	if !errors.Is(err, ErrInsufficientHistory) {
		t.Fatalf("want ErrInsufficientHistory, got %v", err)
	}
}

func TestComputeUnknownKind(t *testing.T) {
	history := &seriesHistory{pair: "USD/COP", source: fetcher.SourceMarket, prices: decimals(1, 2, 3)}
	calc := New(history, nil, nil, Options{}, zerolog.Nop())

	if _, err := calc.Compute(context.Background(), testPair(), "MACD", 3); err == nil {
		t.Fatal("unsupported kind must fail")
	}
}

func TestComputePrefersProvider(t *testing.T) {
	provider := &stubProvider{value: decimal.NewFromFloat(67.25)}
	guard := budget.New(map[string]budget.SourceLimits{}, zerolog.Nop(), nil)
	calc := New(nil, guard, provider, Options{PreferProvider: true}, zerolog.Nop())

	snap, err := calc.Compute(context.Background(), testPair(), KindRSI, 14)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if snap.Origin != fetcher.SourceThirdParty {
		t.Fatalf("origin = %q, want provider", snap.Origin)
	}
	if !snap.Value.Equal(decimal.NewFromFloat(67.25)) {
		t.Fatalf("value = %s", snap.Value)
	}
}

func TestComputeProviderDeniedFallsBackLocal(t *testing.T) {
	provider := &stubProvider{value: decimal.NewFromFloat(50)}
	// Zero daily budget: every provider acquisition is denied.
	guard := budget.New(map[string]budget.SourceLimits{
		fetcher.SourceThirdParty: {DailyLimit: 1},
	}, zerolog.Nop(), nil)

	// Exhaust the provider quota first.
	if _, err := guard.AcquireIndicator(context.Background(), provider, testPair(), "RSI", "daily"); err != nil {
		t.Fatalf("seed acquisition failed: %v", err)
	}

	history := &seriesHistory{pair: "USD/COP", source: fetcher.SourceMarket,
		prices: decimals(10, 20, 30)}
	calc := New(history, guard, provider, Options{PreferProvider: true}, zerolog.Nop())

	snap, err := calc.Compute(context.Background(), testPair(), KindSMA, 3)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if snap.Origin != OriginLocal {
		t.Fatalf("denegada la cuota debe calcular localmente, origin = %q", snap.Origin)
	}
	if !snap.Value.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("value = %s", snap.Value)
	}
}

func TestComputeRejectsBadWindow(t *testing.T) {
	calc := New(&seriesHistory{}, nil, nil, Options{}, zerolog.Nop())
	if _, err := calc.Compute(context.Background(), testPair(), KindRSI, 0); err == nil {
		t.Fatal("window 0 must be rejected")
	}
}
