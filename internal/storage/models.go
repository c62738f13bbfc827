package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// PriceRow is one persisted rate observation in price_history.
// Rows are append-only; retention is handled outside the core.
type PriceRow struct {
	ID        int64
	Pair      string
	Source    string
	Rate      decimal.Decimal
	FetchedAt time.Time
	Context   json.RawMessage
	CreatedAt time.Time
}

// AlertRow is a persisted anomaly alert. The only mutation it ever
// receives is the read acknowledgement flag.
type AlertRow struct {
	ID             string
	Pair           string
	Severity       string
	Classification string
	BucketTS       time.Time
	Message        string
	DeviationPct   decimal.Decimal
	ThresholdPct   decimal.Decimal
	Degraded       bool
	IsRead         bool
	CreatedAt      time.Time
}
