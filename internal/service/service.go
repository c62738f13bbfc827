package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fx-rate-alerts/internal/alerting"
	"fx-rate-alerts/internal/fetcher"
	"fx-rate-alerts/internal/indicator"
	"fx-rate-alerts/internal/metrics"
	"fx-rate-alerts/internal/recon"
	"fx-rate-alerts/internal/scheduler"
	"fx-rate-alerts/internal/storage"
)

// Options assemble the service from its collaborators. Dispatcher and
// calculator may be nil when alerting or indicators are disabled.
type Options struct {
	Scheduler     *scheduler.Scheduler
	Engine        *recon.Engine
	Dispatcher    *alerting.Dispatcher
	Calculator    *indicator.Calculator
	Pairs         []fetcher.Pair
	IndicatorKind string
	IndicatorWin  int
	Locker        storage.AdvisoryLocker
	LockKey       int64
}

// Service runs one reconciliation cycle per pair on every scheduled
// bucket. Cycles for different pairs run concurrently; no cycle failure
// is fatal to the process.
type Service struct {
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New constructs the monitoring service.
func New(opts Options, logger zerolog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		opts:    opts,
		logger:  logger.With().Str("component", "service").Logger(),
		metrics: m,
	}
}

// Run begins the aligned sampling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.opts.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.opts.Scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket executes the cycles for a single time bucket.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, pair := range s.opts.Pairs {
		pair := pair
		group.Go(func() error {
			s.processPair(groupCtx, pair, bucket)
			// Pair failures are absorbed; a poisoned pair must not stop
			// the others or the scheduler.
			return nil
		})
	}
	return group.Wait()
}

func (s *Service) processPair(ctx context.Context, pair fetcher.Pair, bucket time.Time) {
	started := time.Now()
	defer func() {
		s.metrics.ObserveCycle(pair.String(), time.Since(started).Seconds())
	}()

	result, err := s.opts.Engine.Reconcile(ctx, pair)
	if err != nil {
		if errors.Is(err, recon.ErrInsufficientData) {
			s.metrics.IncCycle(pair.String(), "insufficient_data")
			s.logger.Warn().Stringer("pair", pair).Time("bucket", bucket).Err(err).Msg("cycle ended without result")
			return
		}
		s.metrics.IncCycle(pair.String(), "error")
		s.logger.Error().Stringer("pair", pair).Time("bucket", bucket).Err(err).Msg("reconciliation failed")
		return
	}

	s.metrics.IncCycle(pair.String(), result.Classification)
	s.logger.Info().Stringer("pair", pair).
		Time("bucket", bucket).
		Str("classification", result.Classification).
		Str("reference_source", result.ReferenceSource).
		Str("max_deviation_pct", result.MaxDeviation.String()).
		Bool("degraded", result.Degraded).
		Int("samples", len(result.Samples)).
		Msg("cycle reconciled")

	if s.opts.Dispatcher != nil && result.Anomalous() {
		if _, suppressed, dispatchErr := s.opts.Dispatcher.Dispatch(ctx, result, bucket); dispatchErr != nil {
			s.logger.Error().Stringer("pair", pair).Err(dispatchErr).Msg("alert dispatch failed")
		} else if suppressed {
			s.logger.Debug().Stringer("pair", pair).Time("bucket", bucket).Msg("anomaly suppressed by dedup bucket")
		}
	}

	if s.opts.Calculator != nil {
		s.refreshIndicator(ctx, pair)
	}
}

func (s *Service) refreshIndicator(ctx context.Context, pair fetcher.Pair) {
	snap, err := s.opts.Calculator.Compute(ctx, pair, s.opts.IndicatorKind, s.opts.IndicatorWin)
	if err != nil {
		if errors.Is(err, indicator.ErrInsufficientHistory) {
			s.logger.Debug().Stringer("pair", pair).Err(err).Msg("indicator skipped")
			return
		}
		s.logger.Warn().Stringer("pair", pair).Err(err).Msg("indicator computation failed")
		return
	}
	s.logger.Info().Stringer("pair", pair).
		Str("kind", snap.Kind).
		Int("window", snap.Window).
		Str("value", snap.Value.StringFixed(2)).
		Str("origin", snap.Origin).
		Msg("indicator refreshed")
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
