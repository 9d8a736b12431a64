package bybitapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"

	"fundingwatch/config"
	"fundingwatch/logger"
	"fundingwatch/metrics"
	"fundingwatch/models"
	"fundingwatch/ratelimit"
)

const instrumentsPageLimit = 1000

// Client wraps the exchange SDK behind the engine's rate limiters. Every
// outbound call passes Acquire first, so REST pressure stays under the
// documented per-window budget regardless of caller concurrency.
type Client struct {
	http    *bybit.Client
	public  *ratelimit.SlidingWindow
	private *ratelimit.SlidingWindow
	// Kline fan-out during a volatility refresh is additionally smoothed
	// with a token bucket so one refresh cannot monopolize the window.
	klineBurst *rate.Limiter
	log        *logger.Entry
}

// NewClient builds the REST client. The SDK handles signing; credentials may
// be empty for public-only use.
func NewClient(cfg *config.Config, log *logger.Log) *Client {
	if log == nil {
		log = logger.GetLogger()
	}

	httpClient := &http.Client{Timeout: cfg.Bybit.Timeout.Std()}
	sdk := bybit.NewBybitHttpClient(cfg.Bybit.APIKey, cfg.Bybit.APISecret,
		bybit.WithBaseURL(cfg.Bybit.BaseURL()))
	sdk.HTTPClient = httpClient

	burst := cfg.RateLimit.KlineBurst
	if burst <= 0 {
		burst = 5
	}

	c := &Client{
		http:       sdk,
		public:     ratelimit.NewSlidingWindow(cfg.RateLimit.Public.MaxCalls, cfg.RateLimit.Public.Window(), log),
		private:    ratelimit.NewSlidingWindow(cfg.RateLimit.Private.MaxCalls, cfg.RateLimit.Private.Window(), log),
		klineBurst: rate.NewLimiter(rate.Limit(burst), burst),
		log:        log.WithComponent("bybit_client"),
	}

	c.log.WithFields(logger.Fields{
		"base_url":       cfg.Bybit.BaseURL(),
		"timeout":        cfg.Bybit.Timeout.Std(),
		"public_budget":  cfg.RateLimit.Public.MaxCalls,
		"private_budget": cfg.RateLimit.Private.MaxCalls,
	}).Info("bybit rest client initialized")

	return c
}

// marketResult runs one public market call: admission, SDK invocation,
// latency accounting, and re-encoding of the untyped Result for the typed
// decoders.
func (c *Client) marketResult(ctx context.Context, op string,
	call func(ctx context.Context) (*bybit.ServerResponse, error)) ([]byte, error) {

	if err := c.public.Acquire(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := call(ctx)
	duration := time.Since(start)
	if err == nil && resp.RetCode != 0 {
		err = fmt.Errorf("%s rejected by exchange: retCode=%d retMsg=%s", op, resp.RetCode, resp.RetMsg)
	}
	metrics.RecordAPICall(duration, err)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", op, err)
	}
	logger.LogPerformanceEntry(c.log, "bybit_client", op, duration, nil)

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s result: %w", op, err)
	}
	return payload, nil
}

// perpSymbols pages through instruments-info for one category.
func (c *Client) perpSymbols(ctx context.Context, category models.SymbolCategory) ([]string, error) {
	var symbols []string
	cursor := ""
	for {
		params := map[string]interface{}{
			"category": string(category),
			"limit":    instrumentsPageLimit,
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		payload, err := c.marketResult(ctx, "instruments_info", func(ctx context.Context) (*bybit.ServerResponse, error) {
			return c.http.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
		})
		if err != nil {
			return nil, err
		}

		page, next, err := decodeInstruments(payload)
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, page...)
		if next == "" {
			break
		}
		cursor = next
	}
	sort.Strings(symbols)
	return symbols, nil
}

// PerpUniverse discovers every tradeable perpetual across both categories.
func (c *Client) PerpUniverse(ctx context.Context) (models.PerpUniverse, error) {
	u := models.PerpUniverse{Categories: make(map[string]models.SymbolCategory)}

	linear, err := c.perpSymbols(ctx, models.CategoryLinear)
	if err != nil {
		return u, fmt.Errorf("linear universe: %w", err)
	}
	inverse, err := c.perpSymbols(ctx, models.CategoryInverse)
	if err != nil {
		return u, fmt.Errorf("inverse universe: %w", err)
	}

	u.Linear = linear
	u.Inverse = inverse
	for _, s := range linear {
		u.Categories[s] = models.CategoryLinear
	}
	for _, s := range inverse {
		u.Categories[s] = models.CategoryInverse
	}
	u.Total = len(u.Categories)

	c.log.WithFields(logger.Fields{
		"linear":  len(linear),
		"inverse": len(inverse),
		"total":   u.Total,
	}).Info("perpetual universe discovered")

	return u, nil
}

// FundingMap fetches the full ticker table for one category and returns it
// keyed by symbol.
func (c *Client) FundingMap(ctx context.Context, category models.SymbolCategory) (map[string]models.FundingEntry, error) {
	params := map[string]interface{}{"category": string(category)}

	payload, err := c.marketResult(ctx, "market_tickers", func(ctx context.Context) (*bybit.ServerResponse, error) {
		return c.http.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	})
	if err != nil {
		return nil, err
	}

	entries, dropped, err := decodeTickers(payload, category)
	if err != nil {
		return nil, err
	}
	if dropped > 0 {
		c.log.WithFields(logger.Fields{
			"category": category,
			"dropped":  dropped,
		}).Warn("ticker rows dropped during decode")
	}
	return entries, nil
}

// Klines fetches up to limit bars for one symbol, newest first.
func (c *Client) Klines(ctx context.Context, category models.SymbolCategory, symbol, interval string, limit int) ([]Kline, error) {
	if err := c.klineBurst.Wait(ctx); err != nil {
		return nil, err
	}

	params := map[string]interface{}{
		"category": string(category),
		"symbol":   symbol,
		"interval": interval,
		"limit":    limit,
	}

	payload, err := c.marketResult(ctx, "market_kline", func(ctx context.Context) (*bybit.ServerResponse, error) {
		return c.http.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
	})
	if err != nil {
		return nil, err
	}
	return decodeKlines(payload)
}

// OpenPositions fetches the currently held positions for one category.
// Used at startup to reconcile position mode after a restart; live updates
// come from the private stream.
func (c *Client) OpenPositions(ctx context.Context, category models.SymbolCategory) ([]models.PositionEvent, error) {
	var all []models.PositionEvent
	cursor := ""
	for {
		if err := c.private.Acquire(ctx); err != nil {
			return nil, err
		}

		params := map[string]interface{}{"category": string(category)}
		// Linear position queries require a settle coin scope.
		if category == models.CategoryLinear {
			params["settleCoin"] = "USDT"
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		start := time.Now()
		resp, err := c.http.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
		duration := time.Since(start)
		if err == nil && resp.RetCode != 0 {
			err = fmt.Errorf("position list rejected: retCode=%d retMsg=%s", resp.RetCode, resp.RetMsg)
		}
		metrics.RecordAPICall(duration, err)
		if err != nil {
			return nil, err
		}

		payload, err := json.Marshal(resp.Result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal position list: %w", err)
		}
		events, next, dropped, err := decodePositions(payload, category)
		if err != nil {
			return nil, err
		}
		if dropped > 0 {
			c.log.WithField("dropped", dropped).Warn("position rows dropped during decode")
		}
		all = append(all, events...)
		if next == "" {
			break
		}
		cursor = next
	}
	return all, nil
}

// VolatilityPct fetches a kline window and reduces it to the range
// volatility percentage. ok is false when the window is unusable.
func (c *Client) VolatilityPct(ctx context.Context, category models.SymbolCategory, symbol, interval string, bars int) (float64, bool, error) {
	klines, err := c.Klines(ctx, category, symbol, interval, bars)
	if err != nil {
		return 0, false, err
	}
	vol, ok := RangeVolatilityPct(klines)
	return vol, ok, nil
}
