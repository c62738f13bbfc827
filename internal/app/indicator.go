package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/indicator"
)

// Indicator computes an indicator value on demand and prints it.
func (a *App) Indicator(ctx context.Context, opts IndicatorOptions) error {
	pair, err := fetcher.ParsePair(opts.Pair)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot compute indicators")
	}
	if closeStore != nil {
		defer closeStore()
	}

	_, provider := a.newSources()
	guard := a.newGuard(nil)

	indCfg := a.Config.Indicators
	calc := indicator.New(store, guard, provider, indicator.Options{
		SeriesSource:     indCfg.SeriesSource,
		PreferProvider:   indCfg.PreferProvider,
		ProviderInterval: indCfg.ProviderInterval,
	}, a.Logger)

	snapshot, err := calc.Compute(ctx, pair, opts.Kind, opts.Window)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "%s %s(%d) = %s (origin: %s, computed %s)\n",
		snapshot.Pair.String(),
		snapshot.Kind,
		snapshot.Window,
		snapshot.Value.StringFixed(2),
		snapshot.Origin,
		snapshot.ComputedAt.UTC().Format("2006-01-02T15:04:05Z"),
	)
	return nil
}
