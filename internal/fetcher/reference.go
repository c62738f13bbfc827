package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SourceReference is the canonical name of the official reference source.
const SourceReference = "reference"

// ReferenceOptions parameterise the official rate fetcher.
type ReferenceOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Reference fetches the authoritative daily reference rate (TRM-style)
// from an official rates API. The rate updates at most once per day; the
// sample context carries the official validity date so consumers never
// mistake it for an intraday quote.
type Reference struct {
	opts   ReferenceOptions
	logger zerolog.Logger
	client *http.Client
}

// NewReference builds the official reference rate fetcher.
func NewReference(opts ReferenceOptions, logger zerolog.Logger) *Reference {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Reference{
		opts:   opts,
		logger: logger.With().Str("component", "reference_fetcher").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Name implements RateSource.
func (r *Reference) Name() string { return SourceReference }

// Fetch retrieves the latest official rate for the pair.
func (r *Reference) Fetch(ctx context.Context, pair Pair) (Sample, error) {
	return r.fetchAt(ctx, pair, "latest", time.Time{})
}

// FetchAt retrieves the official rate in effect on a past date. Used by
// the backfill command to reconstruct the historical reference series.
func (r *Reference) FetchAt(ctx context.Context, pair Pair, day time.Time) (Sample, error) {
	day = day.UTC().Truncate(24 * time.Hour)
	return r.fetchAt(ctx, pair, day.Format("2006-01-02"), day)
}

func (r *Reference) fetchAt(ctx context.Context, pair Pair, datePath string, asOf time.Time) (Sample, error) {
	if r.opts.BaseURL == "" {
		return Sample{}, errors.New("reference base url not configured")
	}

	endpoint := fmt.Sprintf("%s/%s?base=%s&symbols=%s",
		strings.TrimRight(r.opts.BaseURL, "/"),
		url.PathEscape(datePath),
		url.QueryEscape(pair.Base),
		url.QueryEscape(pair.Quote),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Sample{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(r.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Sample{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Sample{}, err
	}

	if err := classifyHTTPStatus(resp.StatusCode, payload); err != nil {
		return Sample{}, fmt.Errorf("reference api: %w", err)
	}

	var body struct {
		Date  string                     `json:"date"`
		Base  string                     `json:"base"`
		Rates map[string]json.RawMessage `json:"rates"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	raw, ok := body.Rates[pair.Quote]
	if !ok {
		return Sample{}, fmt.Errorf("%w: %s", ErrNotSupportedPair, pair)
	}

	rate, err := decodeRate(raw)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: rate for %s: %v", ErrMalformedResponse, pair, err)
	}
	if rate.IsZero() {
		return Sample{}, fmt.Errorf("%w: zero rate for %s", ErrMalformedResponse, pair)
	}

	ctxPayload, _ := json.Marshal(map[string]string{
		"official_date": body.Date,
	})

	// Historical samples carry the official date they belong to, not the
	// wall clock, so a backfilled series stays queryable by range.
	fetchedAt := time.Now().UTC()
	if !asOf.IsZero() {
		fetchedAt = asOf
		if d, err := time.Parse("2006-01-02", body.Date); err == nil {
			fetchedAt = d.UTC()
		}
	}

	return Sample{
		Pair:      pair,
		Source:    SourceReference,
		Rate:      rate,
		FetchedAt: fetchedAt,
		Context:   ctxPayload,
	}, nil
}

// decodeRate tolerates both numeric and string-encoded rates.
func decodeRate(raw json.RawMessage) (decimal.Decimal, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	return decimal.NewFromString(s)
}

var _ RateSource = (*Reference)(nil)
