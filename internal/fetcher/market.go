package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SourceMarket is the canonical name of the live P2P market source.
const SourceMarket = "market"

const marketSearchPath = "/bapi/c2c/v2/friendly/c2c/adv/search"

// MarketOptions parameterise the P2P venue fetcher.
type MarketOptions struct {
	BaseURL    string
	Timeout    time.Duration
	UserAgent  string
	AdvertRows int
	TradeType  string
	// AssetMap translates a pair base into the venue trading asset,
	// e.g. USD -> USDT on venues that only list stablecoins.
	AssetMap map[string]string
}

// Market fetches the live tradable rate from a P2P adverts venue. The
// quoted rate is the median price of the top adverts, which is far less
// sensitive to a single outlier ad than the best price.
type Market struct {
	opts    MarketOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewMarket constructs a market fetcher.
func NewMarket(opts MarketOptions, logger zerolog.Logger) *Market {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.AdvertRows <= 0 {
		opts.AdvertRows = 10
	}
	if opts.TradeType == "" {
		opts.TradeType = "SELL"
	}

	return &Market{
		opts:    opts,
		logger:  logger.With().Str("component", "market_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Name implements RateSource.
func (m *Market) Name() string { return SourceMarket }

// Fetch retrieves the current P2P rate for the pair.
func (m *Market) Fetch(ctx context.Context, pair Pair) (Sample, error) {
	if m.baseURL == "" {
		return Sample{}, errors.New("market base url not configured")
	}

	asset := pair.Base
	if mapped, ok := m.opts.AssetMap[pair.Base]; ok {
		asset = mapped
	}

	reqPayload := advertSearchRequest{
		Asset:     asset,
		Fiat:      pair.Quote,
		TradeType: m.opts.TradeType,
		Page:      1,
		Rows:      m.opts.AdvertRows,
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return Sample{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+marketSearchPath, bytes.NewReader(body))
	if err != nil {
		return Sample{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return Sample{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Sample{}, err
	}

	if err := classifyHTTPStatus(resp.StatusCode, payload); err != nil {
		return Sample{}, fmt.Errorf("market api: %w", err)
	}

	var searchRes advertSearchResponse
	if err := json.Unmarshal(payload, &searchRes); err != nil {
		return Sample{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if len(searchRes.Data) == 0 {
		return Sample{}, fmt.Errorf("%w: no adverts for %s", ErrNotSupportedPair, pair)
	}

	prices := make([]decimal.Decimal, 0, len(searchRes.Data))
	for _, entry := range searchRes.Data {
		price, parseErr := decimal.NewFromString(entry.Adv.Price)
		if parseErr != nil {
			return Sample{}, fmt.Errorf("%w: advert price %q", ErrMalformedResponse, entry.Adv.Price)
		}
		prices = append(prices, price)
	}

	rate := medianPrice(prices)
	if rate.IsZero() {
		return Sample{}, fmt.Errorf("%w: zero median price for %s", ErrMalformedResponse, pair)
	}

	ctxPayload, _ := json.Marshal(map[string]any{
		"asset":      asset,
		"trade_type": m.opts.TradeType,
		"adverts":    len(prices),
	})

	return Sample{
		Pair:      pair,
		Source:    SourceMarket,
		Rate:      rate,
		FetchedAt: time.Now().UTC(),
		Context:   ctxPayload,
	}, nil
}

func medianPrice(prices []decimal.Decimal) decimal.Decimal {
	if len(prices) == 0 {
		return decimal.Zero
	}
	sorted := make([]decimal.Decimal, len(prices))
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).Div(decimal.NewFromInt(2))
}

type advertSearchRequest struct {
	Asset     string `json:"asset"`
	Fiat      string `json:"fiat"`
	TradeType string `json:"tradeType"`
	Page      int    `json:"page"`
	Rows      int    `json:"rows"`
}

type advertSearchResponse struct {
	Data []struct {
		Adv struct {
			Price            string `json:"price"`
			TradableQuantity string `json:"tradableQuantity"`
		} `json:"adv"`
	} `json:"data"`
}

var _ RateSource = (*Market)(nil)
