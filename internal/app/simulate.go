package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/budget"
	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/recon"
)

// SimulateAlert simula un ciclo completo con tasas fijas para verificar
// la tubería de alertas sin tocar las APIs externas.
func (a *App) SimulateAlert(ctx context.Context, rawPair string, reference, market decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting no está habilitado")
	}
	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no hay canal de notificación configurado")
	}

	pair, err := fetcher.ParsePair(rawPair)
	if err != nil {
		return err
	}

	sources := []fetcher.RateSource{
		&staticSource{name: fetcher.SourceReference, rate: reference},
		&staticSource{name: fetcher.SourceMarket, rate: market},
	}

	// Unlimited budgets; the static sources never reach the network.
	guard := budget.New(map[string]budget.SourceLimits{}, a.Logger, nil)
	threshold := decimal.NewFromFloat(a.Config.Reconciliation.ThresholdPct)
	engine := recon.New(guard, sources, nil, threshold, a.Logger)
	dispatcher := a.newDispatcher(nil, threshold, nil)

	result, err := engine.Reconcile(ctx, pair)
	if err != nil {
		return err
	}

	a.Logger.Info().
		Str("pair", pair.String()).
		Str("classification", result.Classification).
		Str("max_deviation_pct", result.MaxDeviation.StringFixed(2)).
		Msg("simulated reconciliation")

	if !result.Anomalous() {
		a.Logger.Info().Msg("deviation below threshold; no alert dispatched")
		return nil
	}

	bucket := time.Now().UTC().Truncate(a.Config.Scheduler.Interval)
	_, suppressed, err := dispatcher.Dispatch(ctx, result, bucket)
	if err != nil {
		return err
	}
	if suppressed {
		a.Logger.Info().Msg("alert suppressed by deduplication")
	}
	return nil
}

type staticSource struct {
	name string
	rate decimal.Decimal
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Fetch(ctx context.Context, pair fetcher.Pair) (fetcher.Sample, error) {
	return fetcher.Sample{
		Pair:      pair,
		Source:    s.name,
		Rate:      s.rate,
		FetchedAt: time.Now().UTC(),
	}, nil
}

var _ fetcher.RateSource = (*staticSource)(nil)
