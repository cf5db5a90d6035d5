package trades

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

// Channels carries classified-pending trades from the router to the engine
// processing loop. Sends never block: a full buffer drops the message and
// counts the drop.
type Channels struct {
	Trades chan models.Trade

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Trades: make(chan models.Trade, bufferSize),
		log:    log,
	}

	log.WithComponent("trade_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("trade channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Trades)
	c.log.WithComponent("trade_channels").Info("trade channels closed")
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

func (c *Channels) Send(ctx context.Context, msg models.Trade) bool {
	select {
	case c.Trades <- msg:
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
