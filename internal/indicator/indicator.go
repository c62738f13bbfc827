package indicator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/budget"
	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/storage"
)

// ErrInsufficientHistory means the stored series is too short for the
// requested window. Not retried automatically.
var ErrInsufficientHistory = errors.New("indicator: insufficient history for window")

// Supported indicator kinds.
const (
	KindRSI = "RSI"
	KindSMA = "SMA"
)

// OriginLocal marks a snapshot computed from the stored price series.
const OriginLocal = "local"

// Snapshot is a derived indicator value. Disposable and recomputable;
// never a source of truth.
type Snapshot struct {
	Pair       fetcher.Pair
	Kind       string
	Window     int
	Value      decimal.Decimal
	Origin     string
	ComputedAt time.Time
}

// Options configure the calculator.
type Options struct {
	// SeriesSource is the price_history source the local computation
	// reads, normally the market source.
	SeriesSource string
	// PreferProvider delegates to the data provider's precomputed value
	// when it is configured and within budget, falling back to the local
	// computation on denial or failure.
	PreferProvider bool
	// ProviderInterval is the series interval requested from the
	// provider, e.g. "daily".
	ProviderInterval string
}

// Calculator derives rolling technical indicators from the stored price
// series, optionally delegating to the provider through the budget
// guard.
type Calculator struct {
	history  storage.PriceHistoryStore
	guard    *budget.Guard
	provider fetcher.IndicatorSource
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time
}

// New constructs a Calculator. provider may be nil when delegation is
// disabled.
func New(history storage.PriceHistoryStore, guard *budget.Guard, provider fetcher.IndicatorSource, opts Options, logger zerolog.Logger) *Calculator {
	if opts.SeriesSource == "" {
		opts.SeriesSource = fetcher.SourceMarket
	}
	if opts.ProviderInterval == "" {
		opts.ProviderInterval = "daily"
	}
	return &Calculator{
		history:  history,
		guard:    guard,
		provider: provider,
		opts:     opts,
		logger:   logger.With().Str("component", "indicator_calculator").Logger(),
		now:      time.Now,
	}
}

// WithClock overrides the wall clock. Test hook.
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Compute derives the indicator over the most recent window of stored
// samples, or fetches the provider's precomputed value when preferred.
func (c *Calculator) Compute(ctx context.Context, pair fetcher.Pair, kind string, window int) (Snapshot, error) {
	kind = strings.ToUpper(kind)
	if window <= 0 {
		return Snapshot{}, fmt.Errorf("indicator window must be positive, got %d", window)
	}

	if c.opts.PreferProvider && c.provider != nil && c.guard != nil {
		value, err := c.guard.AcquireIndicator(ctx, c.provider, pair, kind, c.opts.ProviderInterval)
		if err == nil {
			return Snapshot{
				Pair:       pair,
				Kind:       kind,
				Window:     window,
				Value:      value,
				Origin:     c.provider.Name(),
				ComputedAt: c.now().UTC(),
			}, nil
		}
		c.logger.Warn().Stringer("pair", pair).Str("kind", kind).Err(err).Msg("provider indicator unavailable, computing locally")
	}

	return c.computeLocal(ctx, pair, kind, window)
}

func (c *Calculator) computeLocal(ctx context.Context, pair fetcher.Pair, kind string, window int) (Snapshot, error) {
	if c.history == nil {
		return Snapshot{}, errors.New("indicator: no price history store configured")
	}

	// RSI over n periods needs n+1 prices; SMA needs n.
	need := window
	if kind == KindRSI {
		need = window + 1
	}

	rows, err := c.history.ListRecentByPairSource(ctx, pair.String(), c.opts.SeriesSource, need)
	if err != nil {
		return Snapshot{}, err
	}
	if len(rows) < need {
		return Snapshot{}, fmt.Errorf("%w: have %d samples of %s/%s, need %d",
			ErrInsufficientHistory, len(rows), pair, c.opts.SeriesSource, need)
	}

	// Rows arrive newest first; the math wants chronological order.
	prices := make([]decimal.Decimal, len(rows))
	for i, row := range rows {
		prices[len(rows)-1-i] = row.Rate
	}

	var value decimal.Decimal
	switch kind {
	case KindRSI:
		value = rsi(prices, window)
	case KindSMA:
		value = sma(prices, window)
	default:
		return Snapshot{}, fmt.Errorf("indicator kind %q not supported", kind)
	}

	return Snapshot{
		Pair:       pair,
		Kind:       kind,
		Window:     window,
		Value:      value,
		Origin:     OriginLocal,
		ComputedAt: c.now().UTC(),
	}, nil
}
