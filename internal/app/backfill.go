package app

import (
	"context"
	"errors"
	"time"

	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/storage"
)

// Backfill reconstructs the daily reference-rate series for one pair
// over a date range. Only the reference source publishes historical
// values; market and provider rates cannot be backfilled.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	pair, err := fetcher.ParsePair(opts.Pair)
	if err != nil {
		return err
	}

	from := opts.From.UTC().Truncate(24 * time.Hour)
	to := opts.To.UTC().Truncate(24 * time.Hour)
	if from.After(to) {
		return errors.New("el rango de backfill está vacío; revise --from/--to")
	}

	var history storage.PriceHistoryStore
	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: nothing will be written")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn not configured; cannot backfill")
		}
		if closeStore != nil {
			defer closeStore()
		}
		history = store
	}

	srcCfg := a.Config.Sources.Reference
	reference := fetcher.NewReference(fetcher.ReferenceOptions{
		BaseURL:   srcCfg.BaseURL,
		Timeout:   srcCfg.RequestTimeout,
		UserAgent: srcCfg.UserAgent,
	}, a.Logger)

	processed := 0
	failed := 0
	for day := from; !day.After(to); day = day.Add(24 * time.Hour) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sample, err := reference.FetchAt(ctx, pair, day)
		if err != nil {
			failed++
			a.Logger.Error().Err(err).Time("day", day).Msg("backfill fetch failed")
			continue
		}

		if history != nil {
			row := storage.PriceRow{
				Pair:      sample.Pair.String(),
				Source:    sample.Source,
				Rate:      sample.Rate,
				FetchedAt: sample.FetchedAt,
				Context:   sample.Context,
			}
			if err := history.AppendSample(ctx, row); err != nil {
				failed++
				a.Logger.Error().Err(err).Time("day", day).Msg("backfill persist failed")
				continue
			}
		}
		processed++
	}

	a.Logger.Info().Int("processed", processed).Int("failed", failed).Msg("backfill finished")
	if failed > 0 {
		return errors.New("some days failed to backfill; see logs")
	}
	return nil
}
