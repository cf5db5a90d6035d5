package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestOrderBookSnapshotNormalize(t *testing.T) {
	snap := OrderBookSnapshot{
		Symbol: "BTCUSDT",
		Bids: []PriceLevel{
			{Price: 99.0, Size: 1},
			{Price: 101.0, Size: 2},
			{Price: 100.0, Size: 3},
		},
		Asks: []PriceLevel{
			{Price: 103.0, Size: 1},
			{Price: 102.0, Size: 2},
		},
		Timestamp: time.Unix(0, 0),
	}
	snap.Normalize()

	for i := 1; i < len(snap.Bids); i++ {
		if snap.Bids[i-1].Price < snap.Bids[i].Price {
			t.Fatalf("bids not descending: %+v", snap.Bids)
		}
	}
	for i := 1; i < len(snap.Asks); i++ {
		if snap.Asks[i-1].Price > snap.Asks[i].Price {
			t.Fatalf("asks not ascending: %+v", snap.Asks)
		}
	}

	bid, ok := snap.BestBid()
	if !ok || bid.Price != 101.0 {
		t.Fatalf("best bid = %+v, want 101", bid)
	}
	ask, ok := snap.BestAsk()
	if !ok || ask.Price != 102.0 {
		t.Fatalf("best ask = %+v, want 102", ask)
	}
}

func TestBestLevelsEmptyBook(t *testing.T) {
	var snap OrderBookSnapshot
	if _, ok := snap.BestBid(); ok {
		t.Fatal("expected no best bid on empty book")
	}
	if _, ok := snap.BestAsk(); ok {
		t.Fatal("expected no best ask on empty book")
	}
}

func TestVolumeBucketImbalance(t *testing.T) {
	cases := []struct {
		name string
		b    VolumeBucket
		want float64
	}{
		{"buy heavy", VolumeBucket{BuyVolume: 70, SellVolume: 30}, 40},
		{"sell heavy", VolumeBucket{BuyVolume: 10, SellVolume: 90}, 80},
		{"balanced", VolumeBucket{BuyVolume: 50, SellVolume: 50}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.b.Imbalance(); got != tc.want {
				t.Fatalf("imbalance = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEnvelopeTradeDecoding(t *testing.T) {
	raw := []byte(`{"e":"trade","s":"BTCUSDT","d":{"id":7,"p":"100.5","q":"0.25","t":1700000000000,"m":false}}`)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.EventType != "trade" || env.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected envelope header: %+v", env)
	}

	var ev TradeEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		t.Fatalf("unmarshal trade: %v", err)
	}
	if ev.ID != 7 || ev.Price != 100.5 || ev.Quantity != 0.25 || ev.AggressorFlag {
		t.Fatalf("unexpected trade payload: %+v", ev)
	}
}

func TestEventKindString(t *testing.T) {
	cases := map[EventKind]string{
		EventTrade:        "trade",
		EventBookSnapshot: "book",
		EventTicker:       "ticker",
		EventUnknown:      "unknown",
		EventKind(42):     "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("EventKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
