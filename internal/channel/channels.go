package channel

import (
	"flowlens/internal/channel/books"
	"flowlens/internal/channel/tickers"
	"flowlens/internal/channel/trades"
)

type Channels struct {
	Trades  *trades.Channels
	Books   *books.Channels
	Tickers *tickers.Channels
}

func NewChannels(tradeBuffer, bookBuffer, tickerBuffer int) *Channels {
	return &Channels{
		Trades:  trades.NewChannels(tradeBuffer),
		Books:   books.NewChannels(bookBuffer),
		Tickers: tickers.NewChannels(tickerBuffer),
	}
}

func (c *Channels) Close() {
	if c.Trades != nil {
		c.Trades.Close()
	}
	if c.Books != nil {
		c.Books.Close()
	}
	if c.Tickers != nil {
		c.Tickers.Close()
	}
}
