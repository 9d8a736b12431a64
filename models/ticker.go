package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// StreamFrame mirrors the envelope of one Bybit v5 websocket frame.
type StreamFrame struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`

	// Control-frame fields (subscribe/auth acks, pong).
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
	ReqID   string `json:"req_id"`
}

// tickerPayload is the wire shape of a tickers.* data object. Bybit encodes
// all numbers as strings; snapshot frames carry every field, delta frames only
// the changed ones.
type tickerPayload struct {
	Symbol          string `json:"symbol"`
	LastPrice       string `json:"lastPrice"`
	MarkPrice       string `json:"markPrice"`
	Bid1Price       string `json:"bid1Price"`
	Ask1Price       string `json:"ask1Price"`
	Volume24h       string `json:"volume24h"`
	FundingRate     string `json:"fundingRate"`
	NextFundingTime string `json:"nextFundingTime"`
}

func parseRequired(field, value string) (float64, error) {
	if value == "" {
		return 0, fmt.Errorf("ticker payload missing %s", field)
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("ticker payload has invalid %s %q", field, value)
	}
	return v, nil
}

func parseOptional(field, value string) (*float64, error) {
	if value == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("ticker payload has invalid %s %q", field, value)
	}
	return &v, nil
}

func parseOptionalInt(field, value string) (*int64, error) {
	if value == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ticker payload has invalid %s %q", field, value)
	}
	return &v, nil
}

// TickFromPayload decodes a full ticker snapshot. Symbol, last price and both
// best quotes are required; anything else defaults to zero when absent.
func TickFromPayload(data json.RawMessage, ts time.Time) (RealtimeTick, error) {
	var p tickerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return RealtimeTick{}, fmt.Errorf("decode ticker payload: %w", err)
	}
	if p.Symbol == "" {
		return RealtimeTick{}, fmt.Errorf("ticker payload missing symbol")
	}

	last, err := parseRequired("lastPrice", p.LastPrice)
	if err != nil {
		return RealtimeTick{}, err
	}
	bid, err := parseRequired("bid1Price", p.Bid1Price)
	if err != nil {
		return RealtimeTick{}, err
	}
	ask, err := parseRequired("ask1Price", p.Ask1Price)
	if err != nil {
		return RealtimeTick{}, err
	}

	tick := RealtimeTick{
		Symbol:    p.Symbol,
		LastPrice: last,
		Bid1:      bid,
		Ask1:      ask,
		Timestamp: ts,
	}

	if v, err := parseOptional("markPrice", p.MarkPrice); err != nil {
		return RealtimeTick{}, err
	} else if v != nil {
		tick.MarkPrice = *v
	}
	if v, err := parseOptional("volume24h", p.Volume24h); err != nil {
		return RealtimeTick{}, err
	} else if v != nil {
		tick.Volume24h = *v
	}
	if v, err := parseOptional("fundingRate", p.FundingRate); err != nil {
		return RealtimeTick{}, err
	} else if v != nil {
		tick.FundingRate = *v
	}
	if v, err := parseOptionalInt("nextFundingTime", p.NextFundingTime); err != nil {
		return RealtimeTick{}, err
	} else if v != nil {
		tick.NextFundingTime = *v
	}

	return tick, nil
}

// DeltaFromPayload decodes a partial ticker update. Every present field must
// parse; an update carrying no fields at all is rejected.
func DeltaFromPayload(data json.RawMessage) (string, TickDelta, error) {
	var p tickerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", TickDelta{}, fmt.Errorf("decode ticker delta: %w", err)
	}
	if p.Symbol == "" {
		return "", TickDelta{}, fmt.Errorf("ticker delta missing symbol")
	}

	var d TickDelta
	var err error
	if d.LastPrice, err = parseOptional("lastPrice", p.LastPrice); err != nil {
		return "", TickDelta{}, err
	}
	if d.MarkPrice, err = parseOptional("markPrice", p.MarkPrice); err != nil {
		return "", TickDelta{}, err
	}
	if d.Bid1, err = parseOptional("bid1Price", p.Bid1Price); err != nil {
		return "", TickDelta{}, err
	}
	if d.Ask1, err = parseOptional("ask1Price", p.Ask1Price); err != nil {
		return "", TickDelta{}, err
	}
	if d.Volume24h, err = parseOptional("volume24h", p.Volume24h); err != nil {
		return "", TickDelta{}, err
	}
	if d.FundingRate, err = parseOptional("fundingRate", p.FundingRate); err != nil {
		return "", TickDelta{}, err
	}
	if d.NextFundingTime, err = parseOptionalInt("nextFundingTime", p.NextFundingTime); err != nil {
		return "", TickDelta{}, err
	}

	if d.Empty() {
		return "", TickDelta{}, fmt.Errorf("ticker delta for %s carries no fields", p.Symbol)
	}
	return p.Symbol, d, nil
}

// SnapshotFromTick builds a funding snapshot out of streamed ticker fields.
// Used when a candidate symbol is promoted into the watchlist without waiting
// for the next REST refresh. The caller supplies the formatted time-remaining
// label and the spread it computed from the tick's quotes.
func SnapshotFromTick(tick RealtimeTick, timeRemaining string, spreadPct float64) FundingSnapshot {
	return FundingSnapshot{
		Symbol:        tick.Symbol,
		FundingRate:   tick.FundingRate,
		Volume24h:     tick.Volume24h,
		TimeRemaining: timeRemaining,
		SpreadPct:     spreadPct,
	}
}

// positionPayload is the wire shape of one private position update entry.
type positionPayload struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Size     string `json:"size"`
	Category string `json:"category"`
}

// PositionEventsFromPayload decodes a private position frame. Entries with a
// malformed size are skipped and reported through the returned error count so
// one bad row never hides the rest of the batch.
func PositionEventsFromPayload(data json.RawMessage) ([]PositionEvent, int, error) {
	var rows []positionPayload
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, 0, fmt.Errorf("decode position payload: %w", err)
	}

	events := make([]PositionEvent, 0, len(rows))
	dropped := 0
	for _, row := range rows {
		if row.Symbol == "" {
			dropped++
			continue
		}
		size, err := strconv.ParseFloat(row.Size, 64)
		if err != nil {
			dropped++
			continue
		}
		ev := PositionEvent{Symbol: row.Symbol, Side: row.Side, Size: size}
		if cat, err := ParseCategory(row.Category); err == nil {
			ev.Category = cat
		}
		events = append(events, ev)
	}
	return events, dropped, nil
}
