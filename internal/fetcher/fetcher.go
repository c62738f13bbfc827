package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Fetch failure taxonomy shared by every adapter. Callers match with
// errors.Is; adapters wrap these with request context.
var (
	ErrNotSupportedPair  = errors.New("currency pair not supported by source")
	ErrUnauthorized      = errors.New("source rejected credentials")
	ErrRateLimited       = errors.New("source rate limit hit")
	ErrTimeout           = errors.New("source request timed out")
	ErrMalformedResponse = errors.New("source returned malformed response")
)

// Pair is an ordered (base, quote) currency pair, e.g. USD/COP.
type Pair struct {
	Base  string
	Quote string
}

// ParsePair parses "USD/COP" style notation.
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 {
		return Pair{}, fmt.Errorf("invalid pair %q: want BASE/QUOTE", s)
	}
	base := strings.ToUpper(strings.TrimSpace(parts[0]))
	quote := strings.ToUpper(strings.TrimSpace(parts[1]))
	if base == "" || quote == "" {
		return Pair{}, fmt.Errorf("invalid pair %q: empty code", s)
	}
	return Pair{Base: base, Quote: quote}, nil
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Sample is a single observed rate for a pair from one source.
// Immutable once produced.
type Sample struct {
	Pair      Pair
	Source    string
	Rate      decimal.Decimal
	FetchedAt time.Time
	Context   json.RawMessage
}

// RateSource fetches one rate sample for a currency pair.
// Adapters are only ever reached through the budget guard.
type RateSource interface {
	Name() string
	Fetch(ctx context.Context, pair Pair) (Sample, error)
}

// IndicatorSource exposes provider-precomputed technical indicators.
type IndicatorSource interface {
	RateSource
	FetchIndicator(ctx context.Context, pair Pair, kind, interval string) (decimal.Decimal, error)
}
