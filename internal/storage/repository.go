package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	appendSampleSQL = `INSERT INTO price_history (
        pair,
        source,
        rate,
        fetched_at,
        context
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (pair, source, fetched_at) DO NOTHING;`

	listRecentByPairSourceSQL = `SELECT
        id, pair, source, rate, fetched_at, context, created_at
    FROM price_history
    WHERE pair = $1
      AND source = $2
    ORDER BY fetched_at DESC
    LIMIT $3;`

	listSamplesBetweenSQL = `SELECT
        id, pair, source, rate, fetched_at, context, created_at
    FROM price_history
    WHERE pair = $1
      AND fetched_at >= $2
      AND fetched_at < $3
    ORDER BY fetched_at;`

	listRecentSamplesSQL = `SELECT
        id, pair, source, rate, fetched_at, context, created_at
    FROM price_history
    ORDER BY fetched_at DESC
    LIMIT $1;`

	countSamplesSQL = `SELECT COUNT(*) FROM price_history;`

	insertAlertSQL = `INSERT INTO alerts (
        id,
        pair,
        severity,
        classification,
        bucket_ts,
        message,
        deviation_pct,
        threshold_pct,
        degraded
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (pair, classification, bucket_ts) WHERE NOT is_read DO NOTHING
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id, pair, severity, classification, bucket_ts, message,
        deviation_pct, threshold_pct, degraded, is_read, created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	markAlertReadSQL = `UPDATE alerts SET is_read = TRUE WHERE id = $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	getConfigValueSQL = `SELECT value FROM app_config WHERE key = $1;`

	setConfigValueSQL = `INSERT INTO app_config (key, value)
    VALUES ($1, $2)
    ON CONFLICT (key) DO UPDATE
    SET value = EXCLUDED.value, updated_at = now();`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// PriceHistoryStore defines persistence for the append-only price series.
type PriceHistoryStore interface {
	AppendSample(ctx context.Context, row PriceRow) error
	ListRecentByPairSource(ctx context.Context, pair, source string, limit int) ([]PriceRow, error)
	ListSamplesBetween(ctx context.Context, pair string, from, to time.Time) ([]PriceRow, error)
	ListRecentSamples(ctx context.Context, limit int) ([]PriceRow, error)
	CountSamples(ctx context.Context) (int64, error)
}

// AlertStore defines persistence for anomaly alerts.
type AlertStore interface {
	// InsertAlertDedup persists the alert unless an unread alert with the
	// same (pair, classification, bucket) already exists, in which case it
	// reports suppressed=true.
	InsertAlertDedup(ctx context.Context, alert AlertRow) (AlertRow, bool, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRow, error)
	MarkAlertRead(ctx context.Context, id string) error
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AppConfigStore exposes key-value runtime overrides.
type AppConfigStore interface {
	GetConfigValue(ctx context.Context, key string) (string, bool, error)
	SetConfigValue(ctx context.Context, key, value string) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to price history, alerts and app config.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// AppendSample appends one observation. Re-appending the same
// (pair, source, fetched_at) is a no-op, which lets cached samples pass
// through the pipeline without duplicating rows.
func (s *Store) AppendSample(ctx context.Context, row PriceRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var payload interface{}
	if len(row.Context) > 0 {
		payload = []byte(row.Context)
	}

	_, execErr := pool.Exec(ctx, appendSampleSQL,
		row.Pair,
		row.Source,
		row.Rate.String(),
		row.FetchedAt,
		payload,
	)
	if execErr != nil {
		return fmt.Errorf("append sample: %w", execErr)
	}
	return nil
}

// ListRecentByPairSource returns the newest samples for one series,
// newest first.
func (s *Store) ListRecentByPairSource(ctx context.Context, pair, source string, limit int) ([]PriceRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentByPairSourceSQL, pair, source, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent by pair/source: %w", queryErr)
	}
	defer rows.Close()

	return collectPriceRows(rows, limit)
}

// ListSamplesBetween lists one pair's samples within a time window,
// oldest first, across all sources.
func (s *Store) ListSamplesBetween(ctx context.Context, pair string, from, to time.Time) ([]PriceRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, pair, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	return collectPriceRows(rows, 0)
}

// ListRecentSamples lists the newest samples across all pairs.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]PriceRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	return collectPriceRows(rows, limit)
}

// CountSamples counts stored observations.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// InsertAlertDedup persists an alert, reporting suppression when an
// unread alert already covers the same dedup key.
func (s *Store) InsertAlertDedup(ctx context.Context, alert AlertRow) (AlertRow, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRow{}, false, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.ID,
		alert.Pair,
		alert.Severity,
		alert.Classification,
		alert.BucketTS,
		alert.Message,
		alert.DeviationPct.String(),
		alert.ThresholdPct.String(),
		alert.Degraded,
	)

	if scanErr := row.Scan(&alert.ID, &alert.CreatedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return AlertRow{}, true, nil
		}
		return AlertRow{}, false, fmt.Errorf("insert alert: %w", scanErr)
	}
	return alert, false, nil
}

// ListRecentAlerts lists the newest alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRow, 0, limit)
	for rows.Next() {
		var rec AlertRow
		var deviationStr, thresholdStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.Pair,
			&rec.Severity,
			&rec.Classification,
			&rec.BucketTS,
			&rec.Message,
			&deviationStr,
			&thresholdStr,
			&rec.Degraded,
			&rec.IsRead,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.DeviationPct, convErr = decimal.NewFromString(deviationStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse deviation pct: %w", convErr)
		}
		rec.ThresholdPct, convErr = decimal.NewFromString(thresholdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse threshold pct: %w", convErr)
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// MarkAlertRead acknowledges an alert. The only mutation alerts receive.
func (s *Store) MarkAlertRead(ctx context.Context, id string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, markAlertReadSQL, id)
	if execErr != nil {
		return fmt.Errorf("mark alert read: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// GetConfigValue reads a runtime override from app_config.
func (s *Store) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", false, err
	}
	var value string
	if scanErr := pool.QueryRow(ctx, getConfigValueSQL, key).Scan(&value); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get config value: %w", scanErr)
	}
	return value, true, nil
}

// SetConfigValue upserts a runtime override.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, setConfigValueSQL, key, value); execErr != nil {
		return fmt.Errorf("set config value: %w", execErr)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func collectPriceRows(rows pgx.Rows, sizeHint int) ([]PriceRow, error) {
	out := make([]PriceRow, 0, sizeHint)
	for rows.Next() {
		row, err := scanPriceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanPriceRow(rows pgx.Rows) (PriceRow, error) {
	var (
		row     PriceRow
		rateStr string
		payload []byte
	)

	if err := rows.Scan(
		&row.ID,
		&row.Pair,
		&row.Source,
		&rateStr,
		&row.FetchedAt,
		&payload,
		&row.CreatedAt,
	); err != nil {
		return PriceRow{}, err
	}

	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return PriceRow{}, fmt.Errorf("parse rate: %w", err)
	}
	row.Rate = rate

	if len(payload) > 0 {
		row.Context = json.RawMessage(payload)
	}

	return row, nil
}
