package bybitapi

import (
	"encoding/json"
	"fmt"
	"strconv"

	"fundingwatch/models"
)

// Wire structs for the v5 market endpoints. Bybit encodes every number as a
// string; parsing converts them once at the boundary so the rest of the
// engine works with float64.

type instrumentsResult struct {
	Category       string           `json:"category"`
	NextPageCursor string           `json:"nextPageCursor"`
	List           []instrumentInfo `json:"list"`
}

type instrumentInfo struct {
	Symbol       string `json:"symbol"`
	ContractType string `json:"contractType"`
	Status       string `json:"status"`
	QuoteCoin    string `json:"quoteCoin"`
}

type tickersResult struct {
	Category string       `json:"category"`
	List     []tickerInfo `json:"list"`
}

type tickerInfo struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
	Turnover24h     string `json:"turnover24h"`
	Volume24h       string `json:"volume24h"`
}

type klineResult struct {
	Category string     `json:"category"`
	Symbol   string     `json:"symbol"`
	List     [][]string `json:"list"`
}

// Kline is one OHLCV bar. Bybit returns bars newest first; parsing keeps
// that order.
type Kline struct {
	StartMs int64
	Open    float64
	High    float64
	Low     float64
	Close   float64
	Volume  float64
}

func parseFloat(raw string) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// perpetualContract reports whether the instrument is a tradeable perpetual.
// Delivery futures share the instruments endpoint and must be excluded.
func perpetualContract(info instrumentInfo) bool {
	if info.Status != "Trading" {
		return false
	}
	switch info.ContractType {
	case "LinearPerpetual", "InversePerpetual":
		return true
	}
	return false
}

// decodeInstruments extracts the perpetual symbols of one instruments-info
// page and the cursor for the next one.
func decodeInstruments(payload []byte) (symbols []string, cursor string, err error) {
	var res instrumentsResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, "", fmt.Errorf("failed to decode instruments response: %w", err)
	}
	for _, info := range res.List {
		if perpetualContract(info) {
			symbols = append(symbols, info.Symbol)
		}
	}
	return symbols, res.NextPageCursor, nil
}

// decodeTickers converts one tickers response into funding entries. Rows
// without a parseable funding rate are dropped and counted; malformed quote
// or volume fields degrade to zero rather than dropping the row.
func decodeTickers(payload []byte, category models.SymbolCategory) (map[string]models.FundingEntry, int, error) {
	var res tickersResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, 0, fmt.Errorf("failed to decode tickers response: %w", err)
	}

	entries := make(map[string]models.FundingEntry, len(res.List))
	dropped := 0
	for _, row := range res.List {
		if row.Symbol == "" {
			dropped++
			continue
		}
		funding, ok := parseFloat(row.FundingRate)
		if !ok {
			dropped++
			continue
		}

		e := models.FundingEntry{Symbol: row.Symbol, FundingRate: funding}
		// Linear turnover is quoted in USDT; inverse contracts report
		// their quote turnover in coin terms, so volume24h is closer.
		if category == models.CategoryInverse {
			e.Volume24h, _ = parseFloat(row.Volume24h)
		} else {
			e.Volume24h, _ = parseFloat(row.Turnover24h)
		}
		e.Bid1, _ = parseFloat(row.Bid1Price)
		e.Ask1, _ = parseFloat(row.Ask1Price)
		if ts, err := strconv.ParseInt(row.NextFundingTime, 10, 64); err == nil {
			e.NextFundingTime = ts
		}
		entries[row.Symbol] = e
	}
	return entries, dropped, nil
}

// decodeKlines parses the bar list. Rows with fewer than 6 fields or
// unparseable prices are skipped.
func decodeKlines(payload []byte) ([]Kline, error) {
	var res klineResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("failed to decode kline response: %w", err)
	}

	bars := make([]Kline, 0, len(res.List))
	for _, row := range res.List {
		if len(row) < 6 {
			continue
		}
		start, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		open, ok1 := parseFloat(row[1])
		high, ok2 := parseFloat(row[2])
		low, ok3 := parseFloat(row[3])
		closeP, ok4 := parseFloat(row[4])
		if !ok1 || !ok2 || !ok3 || !ok4 {
			continue
		}
		vol, _ := parseFloat(row[5])
		bars = append(bars, Kline{
			StartMs: start,
			Open:    open,
			High:    high,
			Low:     low,
			Close:   closeP,
			Volume:  vol,
		})
	}
	return bars, nil
}

type positionListResult struct {
	Category       string        `json:"category"`
	NextPageCursor string        `json:"nextPageCursor"`
	List           []positionRow `json:"list"`
}

type positionRow struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Size   string `json:"size"`
}

// decodePositions converts a position-list page into events. Rows without a
// parseable size are dropped and counted.
func decodePositions(payload []byte, category models.SymbolCategory) ([]models.PositionEvent, string, int, error) {
	var res positionListResult
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, "", 0, fmt.Errorf("failed to decode position list: %w", err)
	}

	events := make([]models.PositionEvent, 0, len(res.List))
	dropped := 0
	for _, row := range res.List {
		if row.Symbol == "" {
			dropped++
			continue
		}
		size, ok := parseFloat(row.Size)
		if !ok {
			dropped++
			continue
		}
		events = append(events, models.PositionEvent{
			Symbol:   row.Symbol,
			Side:     row.Side,
			Size:     size,
			Category: category,
		})
	}
	return events, res.NextPageCursor, dropped, nil
}

// RangeVolatilityPct computes the high-low range of the bar window as a
// percentage of the range midpoint. Fewer than 2 bars or a non-positive
// midpoint yield (0, false).
func RangeVolatilityPct(bars []Kline) (float64, bool) {
	if len(bars) < 2 {
		return 0, false
	}
	high := bars[0].High
	low := bars[0].Low
	for _, b := range bars[1:] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	mid := (high + low) / 2
	if mid <= 0 || low <= 0 || high < low {
		return 0, false
	}
	return (high - low) / mid * 100, true
}
