package books

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

// Channels carries depth snapshots from the router to the engine
// processing loop. Snapshots supersede each other, so dropping one under
// pressure loses freshness, not correctness.
type Channels struct {
	Books chan models.OrderBookSnapshot

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Books: make(chan models.OrderBookSnapshot, bufferSize),
		log:   log,
	}

	log.WithComponent("book_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("book channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Books)
	c.log.WithComponent("book_channels").Info("book channels closed")
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

func (c *Channels) Send(ctx context.Context, msg models.OrderBookSnapshot) bool {
	select {
	case c.Books <- msg:
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
