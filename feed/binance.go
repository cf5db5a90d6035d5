package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"

	"flowlens/logger"
	"flowlens/models"
)

const defaultDepthLimit = 100

// Bootstrapper primes per-symbol book state over REST so the imbalance
// calculator has a previous snapshot before the first stream update lands.
type Bootstrapper struct {
	client *binance.Client
	limit  int
	log    *logger.Log
}

// NewBootstrapper builds a read-only REST client. Depth endpoints need no
// credentials.
func NewBootstrapper() *Bootstrapper {
	return &Bootstrapper{
		client: binance.NewClient("", ""),
		limit:  defaultDepthLimit,
		log:    logger.GetLogger(),
	}
}

// DepthSnapshot fetches the current visible book for one symbol.
func (b *Bootstrapper) DepthSnapshot(ctx context.Context, symbol string) (models.OrderBookSnapshot, error) {
	start := time.Now()
	res, err := b.client.NewDepthService().Symbol(symbol).Limit(b.limit).Do(ctx)
	if err != nil {
		return models.OrderBookSnapshot{}, fmt.Errorf("depth snapshot for %s: %w", symbol, err)
	}

	snap := models.OrderBookSnapshot{
		Symbol:    symbol,
		Bids:      make([]models.PriceLevel, 0, len(res.Bids)),
		Asks:      make([]models.PriceLevel, 0, len(res.Asks)),
		Timestamp: time.Now(),
	}
	for _, lvl := range res.Bids {
		price, qty, err := lvl.Parse()
		if err != nil {
			return models.OrderBookSnapshot{}, fmt.Errorf("bad bid level for %s: %w", symbol, err)
		}
		if qty == 0 {
			continue
		}
		snap.Bids = append(snap.Bids, models.PriceLevel{Price: price, Size: qty})
	}
	for _, lvl := range res.Asks {
		price, qty, err := lvl.Parse()
		if err != nil {
			return models.OrderBookSnapshot{}, fmt.Errorf("bad ask level for %s: %w", symbol, err)
		}
		if qty == 0 {
			continue
		}
		snap.Asks = append(snap.Asks, models.PriceLevel{Price: price, Size: qty})
	}
	snap.Normalize()

	logger.LogPerformanceEntry(
		b.log.WithComponent("feed"), "feed", "depth_snapshot", time.Since(start),
		logger.Fields{"symbol": symbol, "bids": len(snap.Bids), "asks": len(snap.Asks)},
	)
	return snap, nil
}
