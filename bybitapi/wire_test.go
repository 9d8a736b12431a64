package bybitapi

import (
	"math"
	"testing"
	"time"

	"fundingwatch/models"
)

func TestDecodeInstruments(t *testing.T) {
	payload := []byte(`{
		"category": "linear",
		"nextPageCursor": "abc123",
		"list": [
			{"symbol": "BTCUSDT", "contractType": "LinearPerpetual", "status": "Trading", "quoteCoin": "USDT"},
			{"symbol": "ETHUSDT", "contractType": "LinearPerpetual", "status": "Trading", "quoteCoin": "USDT"},
			{"symbol": "BTC-26DEC25", "contractType": "LinearFutures", "status": "Trading", "quoteCoin": "USDT"},
			{"symbol": "OLDUSDT", "contractType": "LinearPerpetual", "status": "Closed", "quoteCoin": "USDT"}
		]
	}`)

	symbols, cursor, err := decodeInstruments(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if cursor != "abc123" {
		t.Fatalf("cursor not carried: %q", cursor)
	}
	if len(symbols) != 2 || symbols[0] != "BTCUSDT" || symbols[1] != "ETHUSDT" {
		t.Fatalf("delivery futures and closed contracts must be excluded: %v", symbols)
	}
}

func TestDecodeTickers(t *testing.T) {
	payload := []byte(`{
		"category": "linear",
		"list": [
			{"symbol": "BTCUSDT", "lastPrice": "60000", "bid1Price": "59999", "ask1Price": "60001",
			 "fundingRate": "0.0001", "nextFundingTime": "1700000000000",
			 "turnover24h": "500000000", "volume24h": "8000"},
			{"symbol": "BADUSDT", "fundingRate": "not-a-number"},
			{"symbol": "", "fundingRate": "0.0001"}
		]
	}`)

	entries, dropped, err := decodeTickers(payload, models.CategoryLinear)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if dropped != 2 {
		t.Fatalf("expected 2 dropped rows, got %d", dropped)
	}

	e, ok := entries["BTCUSDT"]
	if !ok {
		t.Fatalf("BTCUSDT missing")
	}
	if e.FundingRate != 0.0001 || e.Bid1 != 59999 || e.Ask1 != 60001 {
		t.Fatalf("fields mangled: %+v", e)
	}
	if e.Volume24h != 500000000 {
		t.Fatalf("linear volume must come from turnover24h: %+v", e)
	}
	if e.NextFundingTime != 1700000000000 {
		t.Fatalf("next funding time not parsed: %+v", e)
	}
}

func TestDecodeTickersInverseVolume(t *testing.T) {
	payload := []byte(`{
		"category": "inverse",
		"list": [
			{"symbol": "BTCUSD", "fundingRate": "0.0001", "turnover24h": "9999", "volume24h": "123456"}
		]
	}`)
	entries, _, err := decodeTickers(payload, models.CategoryInverse)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if entries["BTCUSD"].Volume24h != 123456 {
		t.Fatalf("inverse volume must come from volume24h: %+v", entries["BTCUSD"])
	}
}

func TestDecodeKlines(t *testing.T) {
	payload := []byte(`{
		"category": "linear",
		"symbol": "BTCUSDT",
		"list": [
			["1700000600000", "60100", "60500", "60000", "60400", "10", "601000"],
			["1700000300000", "60000", "60200", "59900", "60100", "12", "721200"],
			["bogus", "1", "2", "3", "4", "5"],
			["1700000000000", "59800"]
		]
	}`)

	bars, err := decodeKlines(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("malformed rows must be skipped, got %d bars", len(bars))
	}
	if bars[0].StartMs != 1700000600000 || bars[0].Close != 60400 {
		t.Fatalf("newest-first order not preserved: %+v", bars[0])
	}
}

func TestDecodePositions(t *testing.T) {
	payload := []byte(`{
		"category": "linear",
		"nextPageCursor": "p2",
		"list": [
			{"symbol": "BTCUSDT", "side": "Buy", "size": "1.5"},
			{"symbol": "ETHUSDT", "side": "Sell", "size": "0"},
			{"symbol": "BADUSDT", "side": "Buy", "size": "x"}
		]
	}`)

	events, cursor, dropped, err := decodePositions(payload, models.CategoryLinear)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if cursor != "p2" || dropped != 1 {
		t.Fatalf("cursor/dropped wrong: %q %d", cursor, dropped)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %+v", events)
	}
	if events[0].Symbol != "BTCUSDT" || events[0].Size != 1.5 || events[0].Category != models.CategoryLinear {
		t.Fatalf("event fields wrong: %+v", events[0])
	}
	// Size zero rows survive decoding; closes are meaningful events.
	if events[1].Size != 0 {
		t.Fatalf("zero-size row must decode: %+v", events[1])
	}
}

func TestRangeVolatilityPct(t *testing.T) {
	bars := []Kline{
		{High: 105, Low: 101, Close: 104},
		{High: 103, Low: 99, Close: 101},
	}
	vol, ok := RangeVolatilityPct(bars)
	if !ok {
		t.Fatalf("expected a volatility value")
	}
	want := (105.0 - 99.0) / ((105.0 + 99.0) / 2) * 100
	if math.Abs(vol-want) > 1e-9 {
		t.Fatalf("got %v, want %v", vol, want)
	}

	if _, ok := RangeVolatilityPct(bars[:1]); ok {
		t.Fatalf("a single bar is not enough")
	}
	if _, ok := RangeVolatilityPct(nil); ok {
		t.Fatalf("empty window must not produce a value")
	}
	if _, ok := RangeVolatilityPct([]Kline{{High: 1, Low: 0}, {High: 1, Low: 0}}); ok {
		t.Fatalf("a non-positive low must not produce a value")
	}
}

func TestWSSignature(t *testing.T) {
	// Deterministic: same secret and expiry always sign identically, and
	// the digest is 64 hex characters.
	sig := WSSignature("secret", 1700000060000)
	if len(sig) != 64 {
		t.Fatalf("unexpected signature length %d", len(sig))
	}
	if sig != WSSignature("secret", 1700000060000) {
		t.Fatalf("signature must be deterministic")
	}
	if sig == WSSignature("other", 1700000060000) {
		t.Fatalf("secret must influence the signature")
	}
	if sig == WSSignature("secret", 1700000060001) {
		t.Fatalf("expiry must influence the signature")
	}
}

func TestWSAuthArgs(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	args := WSAuthArgs("key", "secret", now)
	if len(args) != 3 {
		t.Fatalf("auth args must be [key, expires, signature]: %v", args)
	}
	if args[0] != "key" {
		t.Fatalf("api key missing: %v", args)
	}
	expires, ok := args[1].(int64)
	if !ok || expires != now.Add(wsAuthWindow).UnixMilli() {
		t.Fatalf("expiry wrong: %v", args[1])
	}
	if args[2] != WSSignature("secret", expires) {
		t.Fatalf("signature does not match the stamped expiry")
	}
}
