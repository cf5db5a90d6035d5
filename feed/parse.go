// Package feed converts venue wire payloads into engine models and
// bootstraps order book state over REST.
package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"flowlens/models"
)

// ParseTrade decodes a trade payload. The symbol comes from the envelope,
// already normalized by the router.
func ParseTrade(symbol string, data []byte) (models.Trade, error) {
	var ev models.TradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.Trade{}, fmt.Errorf("failed to parse trade payload: %w", err)
	}
	if ev.Price <= 0 || ev.Quantity <= 0 {
		return models.Trade{}, fmt.Errorf("trade with non-positive price or size: p=%v q=%v", ev.Price, ev.Quantity)
	}
	return models.Trade{
		ID:        ev.ID,
		Symbol:    symbol,
		Price:     ev.Price,
		Size:      ev.Quantity,
		Timestamp: time.UnixMilli(ev.Timestamp),
	}, nil
}

// ParseBook decodes a depth snapshot payload. Levels with zero size are
// dropped; venues use them to signal removal.
func ParseBook(symbol string, data []byte) (models.OrderBookSnapshot, error) {
	var ev models.BookEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("failed to parse book payload: %w", err)
	}

	bids, err := parseLevels(ev.Bids)
	if err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("bad bid level: %w", err)
	}
	asks, err := parseLevels(ev.Asks)
	if err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("bad ask level: %w", err)
	}

	snap := models.OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.UnixMilli(ev.Timestamp),
	}
	snap.Normalize()
	return snap, nil
}

// ParseTicker decodes a summary ticker payload.
func ParseTicker(symbol string, data []byte) (models.TickerUpdate, error) {
	var ev models.TickerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return models.TickerUpdate{}, fmt.Errorf("failed to parse ticker payload: %w", err)
	}
	return models.TickerUpdate{
		Symbol:        symbol,
		Price:         ev.Price,
		ChangePercent: ev.ChangePercent,
		Volume:        ev.Volume,
		Timestamp:     time.UnixMilli(ev.Timestamp),
	}, nil
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level needs [price, size], got %d fields", len(pair))
		}
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", pair[0], err)
		}
		size, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			return nil, fmt.Errorf("size %q: %w", pair[1], err)
		}
		if size == 0 {
			continue
		}
		levels = append(levels, models.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}
