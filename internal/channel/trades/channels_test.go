package trades

import (
	"context"
	"testing"

	"flowlens/models"
)

func TestChannelsStats(t *testing.T) {
	ch := NewChannels(2)
	ch.IncrementSent()
	ch.IncrementDropped()
	stats := ch.GetStats()
	if stats.Sent != 1 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendDropsWhenFull(t *testing.T) {
	ch := NewChannels(1)
	ctx := context.Background()

	if !ch.Send(ctx, models.Trade{Symbol: "BTCUSDT"}) {
		t.Fatal("first send should succeed")
	}
	if ch.Send(ctx, models.Trade{Symbol: "BTCUSDT"}) {
		t.Fatal("second send should drop on full buffer")
	}

	stats := ch.GetStats()
	if stats.Sent != 1 || stats.Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestChannelsStartAndClose(t *testing.T) {
	ch := NewChannels(1)
	ch.Close()
}
