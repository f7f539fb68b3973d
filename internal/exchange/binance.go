package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	futuresBaseURL        = "https://fapi.binance.com"
	futuresTestnetBaseURL = "https://testnet.binancefuture.com"

	defaultHTTPTimeout = 15 * time.Second
	maxKlineLimit      = 1500
)

// BinanceMarketData serves the unauthenticated futures market-data endpoints.
// It backs the indicator refresh path and the paper gateway's price feed.
type BinanceMarketData struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewBinanceMarketData creates a market-data client against the live or
// testnet futures endpoints.
func NewBinanceMarketData(testnet bool, logger zerolog.Logger) *BinanceMarketData {
	baseURL := futuresBaseURL
	if testnet {
		baseURL = futuresTestnetBaseURL
	}

	return &BinanceMarketData{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
		logger: logger.With().Str("component", "BinanceMarketData").Logger(),
	}
}

// GetKlines fetches up to limit bars for symbol+interval, oldest first
func (c *BinanceMarketData) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	if limit <= 0 || limit > maxKlineLimit {
		limit = maxKlineLimit
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))

	body, err := c.get(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing klines response: %w", err)
	}

	candles := make([]Candle, 0, len(raw))
	for i, r := range raw {
		candle, err := ParseKline(r)
		if err != nil {
			return nil, fmt.Errorf("kline %d for %s: %w", i, symbol, err)
		}
		candles = append(candles, candle)
	}

	// The exchange returns bars oldest first already; sort defends against
	// out-of-order pages after retries.
	sort.Slice(candles, func(i, j int) bool { return candles[i].OpenTime < candles[j].OpenTime })

	return candles, nil
}

// CurrentPrice returns the latest mark price for a symbol
func (c *BinanceMarketData) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.get(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Symbol    string  `json:"symbol"`
		MarkPrice float64 `json:"markPrice,string"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("parsing mark price response: %w", err)
	}
	if resp.MarkPrice <= 0 {
		return 0, fmt.Errorf("invalid mark price %.8f for %s", resp.MarkPrice, symbol)
	}

	return resp.MarkPrice, nil
}

// GetSymbols returns all tradable perpetual symbols quoted in quoteAsset
func (c *BinanceMarketData) GetSymbols(ctx context.Context, quoteAsset string) ([]string, error) {
	body, err := c.get(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Symbols []struct {
			Symbol       string `json:"symbol"`
			Status       string `json:"status"`
			QuoteAsset   string `json:"quoteAsset"`
			ContractType string `json:"contractType"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing exchange info: %w", err)
	}

	symbols := make([]string, 0, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.Status != "TRADING" || s.ContractType != "PERPETUAL" {
			continue
		}
		if quoteAsset != "" && s.QuoteAsset != quoteAsset {
			continue
		}
		symbols = append(symbols, s.Symbol)
	}
	sort.Strings(symbols)

	return symbols, nil
}

func (c *BinanceMarketData) get(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	reqURL := c.baseURL + endpoint
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", endpoint, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("GET %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(fmt.Errorf("reading %s response: %w", endpoint, err))
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("GET %s returned status %d: %s", endpoint, resp.StatusCode, string(body))
		if statusRetryable(resp.StatusCode) {
			c.logger.Warn().Int("status", resp.StatusCode).Str("endpoint", endpoint).Msg("retryable exchange response")
			return nil, Transient(err)
		}
		return nil, err
	}

	return body, nil
}
