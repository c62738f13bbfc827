package recon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/budget"
	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/storage"
)

// ErrInsufficientData means no usable sample was collected for the
// cycle. Not retried within the cycle; the next scheduled cycle retries
// naturally.
var ErrInsufficientData = errors.New("recon: insufficient data for reconciliation")

// Classification values.
const (
	ClassNormal    = "normal"
	ClassAnomalous = "anomalous"
)

var dec100 = decimal.NewFromInt(100)

// Result is the outcome of one reconciliation cycle for a pair.
type Result struct {
	Pair            fetcher.Pair
	Samples         []fetcher.Sample
	Reference       decimal.Decimal
	ReferenceSource string
	Deviations      map[string]decimal.Decimal
	MaxDeviation    decimal.Decimal
	Classification  string
	Degraded        bool
	SourceErrors    map[string]string
	ComputedAt      time.Time
}

// Anomalous reports whether the result crossed the threshold.
func (r Result) Anomalous() bool { return r.Classification == ClassAnomalous }

// Engine orchestrates fetching from all sources for a pair through the
// budget guard, computes pairwise deviations and classifies the result.
type Engine struct {
	guard     *budget.Guard
	sources   []fetcher.RateSource
	history   storage.PriceHistoryStore
	threshold decimal.Decimal
	logger    zerolog.Logger
	now       func() time.Time
}

// New constructs the engine. history may be nil when persistence is
// disabled; threshold is the anomaly deviation percentage.
func New(guard *budget.Guard, sources []fetcher.RateSource, history storage.PriceHistoryStore, threshold decimal.Decimal, logger zerolog.Logger) *Engine {
	return &Engine{
		guard:     guard,
		sources:   sources,
		history:   history,
		threshold: threshold,
		logger:    logger.With().Str("component", "recon_engine").Logger(),
		now:       time.Now,
	}
}

// WithClock overrides the wall clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Reconcile runs one cycle for the pair. Source denials and failures are
// recorded but non-fatal; the cycle proceeds with whatever subset of
// samples succeeded, needing at least one.
func (e *Engine) Reconcile(ctx context.Context, pair fetcher.Pair) (Result, error) {
	var (
		mu       sync.Mutex
		samples  []fetcher.Sample
		srcErrs  = make(map[string]string)
		wg       sync.WaitGroup
	)

	// Distinct sources draw from independent quota pools, so their
	// acquisitions run concurrently. Samples land in completion order.
	for _, src := range e.sources {
		wg.Add(1)
		go func(src fetcher.RateSource) {
			defer wg.Done()

			res, err := e.guard.Acquire(ctx, src, pair)
			if err != nil {
				mu.Lock()
				srcErrs[src.Name()] = err.Error()
				mu.Unlock()
				e.logger.Warn().Stringer("pair", pair).Str("source", src.Name()).Err(err).Msg("source acquisition failed")
				return
			}

			mu.Lock()
			samples = append(samples, res.Sample)
			mu.Unlock()

			// Cached samples already have a row for their fetch timestamp.
			if e.history != nil && !res.Cached {
				e.appendSample(ctx, res.Sample)
			}
		}(src)
	}
	wg.Wait()

	if len(samples) == 0 {
		return Result{}, fmt.Errorf("%w: %s: all %d sources failed", ErrInsufficientData, pair, len(e.sources))
	}

	reference, refSource, degraded := selectReference(samples)

	deviations := make(map[string]decimal.Decimal, len(samples))
	maxDeviation := decimal.Zero
	for _, sample := range samples {
		if sample.Source == refSource {
			continue
		}
		dev := sample.Rate.Sub(reference).Abs().Div(reference).Mul(dec100)
		deviations[sample.Source] = dev
		if dev.GreaterThan(maxDeviation) {
			maxDeviation = dev
		}
	}

	classification := ClassNormal
	if !e.threshold.IsZero() && len(deviations) > 0 && maxDeviation.GreaterThanOrEqual(e.threshold) {
		classification = ClassAnomalous
	}

	return Result{
		Pair:            pair,
		Samples:         samples,
		Reference:       reference,
		ReferenceSource: refSource,
		Deviations:      deviations,
		MaxDeviation:    maxDeviation,
		Classification:  classification,
		Degraded:        degraded,
		SourceErrors:    srcErrs,
		ComputedAt:      e.now().UTC(),
	}, nil
}

func (e *Engine) appendSample(ctx context.Context, sample fetcher.Sample) {
	row := storage.PriceRow{
		Pair:      sample.Pair.String(),
		Source:    sample.Source,
		Rate:      sample.Rate,
		FetchedAt: sample.FetchedAt,
		Context:   sample.Context,
	}
	if err := e.history.AppendSample(ctx, row); err != nil {
		e.logger.Error().Str("pair", row.Pair).Str("source", row.Source).Err(err).Msg("failed to append price sample")
	}
}

// selectReference picks the ground-truth value for deviation scoring:
// the official reference sample when present, else the market sample
// (degraded confidence), else the median of whatever arrived.
func selectReference(samples []fetcher.Sample) (decimal.Decimal, string, bool) {
	for _, s := range samples {
		if s.Source == fetcher.SourceReference {
			return s.Rate, s.Source, false
		}
	}
	for _, s := range samples {
		if s.Source == fetcher.SourceMarket {
			return s.Rate, s.Source, true
		}
	}

	rates := make([]decimal.Decimal, len(samples))
	for i, s := range samples {
		rates[i] = s.Rate
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].LessThan(rates[j]) })

	mid := len(rates) / 2
	median := rates[mid]
	if len(rates)%2 == 0 {
		median = rates[mid-1].Add(rates[mid]).Div(decimal.NewFromInt(2))
	}
	return median, "median", true
}
