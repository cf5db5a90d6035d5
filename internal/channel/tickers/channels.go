package tickers

import (
	"context"
	"sync"

	"flowlens/logger"
	"flowlens/models"
)

type ChannelStats struct {
	Sent    int64
	Dropped int64
}

// Channels carries coalesced ticker updates to the engine processing loop.
type Channels struct {
	Tickers chan models.TickerUpdate

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Tickers: make(chan models.TickerUpdate, bufferSize),
		log:     log,
	}

	log.WithComponent("ticker_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("ticker channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Tickers)
	c.log.WithComponent("ticker_channels").Info("ticker channels closed")
}

func (c *Channels) IncrementSent() {
	c.statsMutex.Lock()
	c.stats.Sent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementDropped() {
	c.statsMutex.Lock()
	c.stats.Dropped++
	c.statsMutex.Unlock()
}

func (c *Channels) Send(ctx context.Context, msg models.TickerUpdate) bool {
	select {
	case c.Tickers <- msg:
		c.IncrementSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementDropped()
		logger.IncrementDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
