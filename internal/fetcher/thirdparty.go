package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SourceThirdParty is the canonical name of the external data provider.
const SourceThirdParty = "thirdparty"

// ThirdPartyOptions parameterise the financial-data provider client.
type ThirdPartyOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
}

// ThirdParty fetches realtime rates and precomputed indicators from an
// Alpha-Vantage style financial data API. The free tier is severely
// limited, so every call must go through the budget guard.
type ThirdParty struct {
	opts    ThirdPartyOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewThirdParty constructs the provider client.
func NewThirdParty(opts ThirdPartyOptions, logger zerolog.Logger) *ThirdParty {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ThirdParty{
		opts:    opts,
		logger:  logger.With().Str("component", "thirdparty_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Name implements RateSource.
func (t *ThirdParty) Name() string { return SourceThirdParty }

// Fetch retrieves the provider's realtime exchange rate for the pair.
func (t *ThirdParty) Fetch(ctx context.Context, pair Pair) (Sample, error) {
	params := url.Values{}
	params.Set("function", "CURRENCY_EXCHANGE_RATE")
	params.Set("from_currency", pair.Base)
	params.Set("to_currency", pair.Quote)

	payload, err := t.query(ctx, params)
	if err != nil {
		return Sample{}, err
	}

	var body struct {
		Realtime struct {
			Rate string `json:"5. Exchange Rate"`
		} `json:"Realtime Currency Exchange Rate"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if body.Realtime.Rate == "" {
		return Sample{}, fmt.Errorf("%w: no exchange rate for %s", ErrNotSupportedPair, pair)
	}

	rate, err := decimal.NewFromString(body.Realtime.Rate)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: rate %q", ErrMalformedResponse, body.Realtime.Rate)
	}
	if rate.IsZero() {
		return Sample{}, fmt.Errorf("%w: zero rate for %s", ErrMalformedResponse, pair)
	}

	return Sample{
		Pair:      pair,
		Source:    SourceThirdParty,
		Rate:      rate,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// FetchIndicator retrieves a provider-precomputed indicator value, e.g.
// the latest daily RSI for the pair.
func (t *ThirdParty) FetchIndicator(ctx context.Context, pair Pair, kind, interval string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("function", strings.ToUpper(kind))
	params.Set("symbol", pair.Base+pair.Quote)
	params.Set("interval", interval)
	params.Set("series_type", "close")

	payload, err := t.query(ctx, params)
	if err != nil {
		return decimal.Decimal{}, err
	}

	analysisKey := "Technical Analysis: " + strings.ToUpper(kind)
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	analysisRaw, ok := body[analysisKey]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: missing %q section", ErrMalformedResponse, analysisKey)
	}

	var series map[string]map[string]string
	if err := json.Unmarshal(analysisRaw, &series); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(series) == 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: empty indicator series", ErrMalformedResponse)
	}

	// Keys are ISO dates; the lexicographically greatest is the latest.
	dates := make([]string, 0, len(series))
	for d := range series {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	latest := series[dates[len(dates)-1]]

	raw, ok := latest[strings.ToUpper(kind)]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: no %s value in latest entry", ErrMalformedResponse, kind)
	}

	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: indicator value %q", ErrMalformedResponse, raw)
	}
	return value, nil
}

func (t *ThirdParty) query(ctx context.Context, params url.Values) ([]byte, error) {
	if t.baseURL == "" {
		return nil, errors.New("thirdparty base url not configured")
	}
	if t.opts.APIKey == "" {
		return nil, fmt.Errorf("%w: api key not configured", ErrUnauthorized)
	}
	params.Set("apikey", t.opts.APIKey)

	endpoint := t.baseURL + "/query?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(t.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if err := classifyHTTPStatus(resp.StatusCode, payload); err != nil {
		return nil, fmt.Errorf("thirdparty api: %w", err)
	}

	// The provider reports throttling and bad input inside a 200 body.
	var soft struct {
		Note         string `json:"Note"`
		Information  string `json:"Information"`
		ErrorMessage string `json:"Error Message"`
	}
	if err := json.Unmarshal(payload, &soft); err == nil {
		switch {
		case soft.Note != "":
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, soft.Note)
		case soft.Information != "":
			return nil, fmt.Errorf("%w: %s", ErrRateLimited, soft.Information)
		case soft.ErrorMessage != "":
			return nil, fmt.Errorf("%w: %s", ErrMalformedResponse, soft.ErrorMessage)
		}
	}

	return payload, nil
}

var (
	_ RateSource      = (*ThirdParty)(nil)
	_ IndicatorSource = (*ThirdParty)(nil)
)
