package models

import (
	"sort"
	"time"
)

// Side is the aggressor side assigned to a classified trade.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideNeutral Side = "neutral"
)

// EventKind is the closed set of inbound event types the engine understands.
// Anything else maps to EventUnknown and is counted rather than dropped
// silently.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventTrade
	EventBookSnapshot
	EventTicker
)

func (k EventKind) String() string {
	switch k {
	case EventTrade:
		return "trade"
	case EventBookSnapshot:
		return "book"
	case EventTicker:
		return "ticker"
	default:
		return "unknown"
	}
}

// Trade is a single execution. AggressorSide is assigned exactly once by the
// tick-rule classifier; after that the value is immutable.
type Trade struct {
	ID            int64     `json:"id"`
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	Size          float64   `json:"size"`
	Timestamp     time.Time `json:"timestamp"`
	AggressorSide Side      `json:"aggressor_side"`
}

// PriceLevel is a single resting order book level.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBookSnapshot is the full visible book at a point in time. Snapshots
// are replaced wholesale per update; bids descend, asks ascend.
type OrderBookSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// Normalize sorts bids descending and asks ascending by price. Venue feeds
// mostly arrive ordered already, so the sort is a cheap pass-through in the
// common case.
func (s *OrderBookSnapshot) Normalize() {
	sort.Slice(s.Bids, func(i, j int) bool { return s.Bids[i].Price > s.Bids[j].Price })
	sort.Slice(s.Asks, func(i, j int) bool { return s.Asks[i].Price < s.Asks[j].Price })
}

// BestBid returns the top bid level, if any.
func (s *OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (s *OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// TickerUpdate is a low-priority summary update, coalesced by the router.
type TickerUpdate struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	ChangePercent float64   `json:"change_percent"`
	Volume        float64   `json:"volume"`
	Timestamp     time.Time `json:"timestamp"`
}

// PricePoint is one sample of a price history series, used by the
// divergence detector.
type PricePoint struct {
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}
