package models

import (
	"encoding/json"
	"time"
)

// RawMessage wraps an inbound event envelope exactly as read off the wire,
// tagged with receive metadata before parsing.
type RawMessage struct {
	Symbol    string
	Kind      EventKind
	Data      []byte
	Timestamp time.Time
}

// Envelope is the structured event frame the venue sends on its stream.
// EventType selects the payload shape; Symbol may be empty for non
// instrument-scoped events.
type Envelope struct {
	EventType string          `json:"e"`
	Symbol    string          `json:"s,omitempty"`
	Data      json.RawMessage `json:"d,omitempty"`
}

// TradeEvent is the trade payload inside an Envelope.
type TradeEvent struct {
	ID            int64   `json:"id"`
	Price         float64 `json:"p,string"`
	Quantity      float64 `json:"q,string"`
	Timestamp     int64   `json:"t"`
	AggressorFlag bool    `json:"m"` // true when the buyer is the maker
}

// BookEvent is the full depth snapshot payload inside an Envelope. Levels
// are [price, size] string pairs as sent by the venue.
type BookEvent struct {
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Timestamp int64      `json:"t"`
}

// TickerEvent is the summary ticker payload inside an Envelope.
type TickerEvent struct {
	Symbol        string  `json:"s"`
	Price         float64 `json:"c,string"`
	ChangePercent float64 `json:"P,string"`
	Volume        float64 `json:"v,string"`
	Timestamp     int64   `json:"t"`
}

// SubscribeRequest is the outbound control frame naming a topic list. The
// correlation ID ties acknowledgements back to the request.
type SubscribeRequest struct {
	Method string   `json:"method"` // "SUBSCRIBE" or "UNSUBSCRIBE"
	Topics []string `json:"params"`
	ID     string   `json:"id"`
}
