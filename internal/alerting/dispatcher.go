package alerting

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-rate-alerts/internal/metrics"
	"fx-rate-alerts/internal/recon"
	"fx-rate-alerts/internal/storage"
)

// Severity tiers, from lowest to highest.
const (
	SeverityWarning  = "warning"
	SeveritySevere   = "severe"
	SeverityCritical = "critical"
)

// SeverityTiers define the deviation magnitudes that escalate an alert
// beyond warning.
type SeverityTiers struct {
	SeverePct   decimal.Decimal
	CriticalPct decimal.Decimal
}

// RetryPolicy bounds delivery retries.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Dispatcher turns anomalous reconciliation results into persisted,
// deduplicated, delivered alerts. Persistence always wins: a delivery
// failure never rolls an alert back.
type Dispatcher struct {
	store     storage.AlertStore
	notifier  Notifier
	threshold decimal.Decimal
	tiers     SeverityTiers
	retry     RetryPolicy
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewDispatcher constructs a Dispatcher. store and notifier may each be
// nil (persistence or delivery disabled).
func NewDispatcher(store storage.AlertStore, notifier Notifier, threshold decimal.Decimal, tiers SeverityTiers, retry RetryPolicy, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 5
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = 2 * time.Second
	}
	if retry.MaxBackoff <= 0 {
		retry.MaxBackoff = time.Minute
	}
	return &Dispatcher{
		store:     store,
		notifier:  notifier,
		threshold: threshold,
		tiers:     tiers,
		retry:     retry,
		logger:    logger.With().Str("component", "alert_dispatcher").Logger(),
		metrics:   m,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// WithClock overrides the wall clock. Test hook.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// WithSleep overrides the backoff sleep. Test hook.
func (d *Dispatcher) WithSleep(sleep func(ctx context.Context, dur time.Duration) error) *Dispatcher {
	d.sleep = sleep
	return d
}

// Dispatch persists and forwards an alert for an anomalous result.
// suppressed=true means nothing was persisted or sent: either the result
// was not anomalous, or an unread alert already covers the same
// (pair, classification, bucket) key.
func (d *Dispatcher) Dispatch(ctx context.Context, res recon.Result, bucket time.Time) (storage.AlertRow, bool, error) {
	if !res.Anomalous() {
		return storage.AlertRow{}, true, nil
	}

	severity := d.classifySeverity(res.MaxDeviation)

	note := Notification{
		Pair:            res.Pair.String(),
		Bucket:          bucket,
		Reference:       res.Reference,
		ReferenceSource: res.ReferenceSource,
		Deviations:      res.Deviations,
		MaxDeviation:    res.MaxDeviation,
		Threshold:       d.threshold,
		Severity:        severity,
		Degraded:        res.Degraded,
	}

	alert := storage.AlertRow{
		ID:             uuid.NewString(),
		Pair:           res.Pair.String(),
		Severity:       severity,
		Classification: res.Classification,
		BucketTS:       bucket.UTC(),
		Message:        renderMessage(note),
		DeviationPct:   res.MaxDeviation,
		ThresholdPct:   d.threshold,
		Degraded:       res.Degraded,
	}

	if d.store != nil {
		persisted, suppressed, err := d.store.InsertAlertDedup(ctx, alert)
		if err != nil {
			return storage.AlertRow{}, false, err
		}
		if suppressed {
			d.metrics.IncSuppressed()
			d.logger.Debug().Str("pair", alert.Pair).Time("bucket", bucket).Msg("duplicate detection suppressed")
			return storage.AlertRow{}, true, nil
		}
		alert = persisted
	}

	d.metrics.IncAlert(alert.Pair, alert.Severity)
	d.logger.Info().Str("pair", alert.Pair).
		Str("severity", alert.Severity).
		Str("max_deviation_pct", res.MaxDeviation.String()).
		Bool("degraded", res.Degraded).
		Msg("alert persisted")

	if d.notifier != nil {
		// Delivery is independent of persistence; its failure only shows
		// up in logs and metrics.
		d.deliver(ctx, note)
	}

	return alert, false, nil
}

func (d *Dispatcher) classifySeverity(maxDeviation decimal.Decimal) string {
	switch {
	case !d.tiers.CriticalPct.IsZero() && maxDeviation.GreaterThanOrEqual(d.tiers.CriticalPct):
		return SeverityCritical
	case !d.tiers.SeverePct.IsZero() && maxDeviation.GreaterThanOrEqual(d.tiers.SeverePct):
		return SeveritySevere
	default:
		return SeverityWarning
	}
}

// deliver walks the bounded attempt state machine:
// pending -> retrying -> delivered | abandoned.
func (d *Dispatcher) deliver(ctx context.Context, note Notification) {
	backoff := d.retry.InitialBackoff

	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		err := d.notifier.Notify(ctx, note)
		if err == nil {
			d.metrics.IncDeliveryAttempt("delivered")
			return
		}

		d.metrics.IncDeliveryAttempt("failed")
		d.logger.Warn().Str("pair", note.Pair).
			Int("attempt", attempt).
			Int("max_attempts", d.retry.MaxAttempts).
			Err(err).
			Msg("alert delivery failed")

		if attempt == d.retry.MaxAttempts {
			break
		}

		if sleepErr := d.sleep(ctx, backoff); sleepErr != nil {
			d.metrics.IncDeliveryAttempt("abandoned")
			d.logger.Warn().Str("pair", note.Pair).Msg("alert delivery abandoned: context cancelled")
			return
		}

		backoff *= 2
		if backoff > d.retry.MaxBackoff {
			backoff = d.retry.MaxBackoff
		}
	}

	d.metrics.IncDeliveryAttempt("abandoned")
	d.logger.Error().Str("pair", note.Pair).
		Int("attempts", d.retry.MaxAttempts).
		Msg("alert delivery abandoned after max attempts; alert remains persisted")
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
