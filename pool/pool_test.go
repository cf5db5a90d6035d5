package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"flowlens/config"
	"flowlens/stream"
)

func poolConfig(shardSize int) *config.Config {
	return &config.Config{
		Stream: config.StreamConfig{
			URL:              "ws://example.test/stream",
			HandshakeTimeout: config.Duration(time.Second),
			Backoff: config.BackoffConfig{
				BaseDelay:   config.Duration(time.Millisecond),
				MaxDelay:    config.Duration(4 * time.Millisecond),
				MaxAttempts: 3,
			},
			Heartbeat: config.HeartbeatConfig{
				Interval:   config.Duration(time.Hour),
				StaleAfter: config.Duration(2 * time.Hour),
			},
		},
		Pool: config.PoolConfig{ShardSize: shardSize},
	}
}

type nullSocket struct {
	closec chan struct{}
	once   sync.Once
}

func (s *nullSocket) ReadMessage() (int, []byte, error) {
	<-s.closec
	return 0, nil, errors.New("socket closed")
}

func (s *nullSocket) WriteMessage(int, []byte) error            { return nil }
func (s *nullSocket) WriteControl(int, []byte, time.Time) error { return nil }

func (s *nullSocket) Close() error {
	s.once.Do(func() { close(s.closec) })
	return nil
}

type nullDialer struct{}

func (nullDialer) Dial(context.Context, string) (stream.Socket, error) {
	return &nullSocket{closec: make(chan struct{})}, nil
}

func startPool(t *testing.T, shardSize int) *Pool {
	t.Helper()
	p := NewPool(poolConfig(shardSize), []string{"trade", "depth"}, nullDialer{}, nil, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(p.Stop)
	return p
}

func TestShardingAcrossConnections(t *testing.T) {
	p := startPool(t, 10)

	syms := make([]string, 25)
	for i := range syms {
		syms[i] = fmt.Sprintf("SYM%02dUSDT", i)
	}
	if err := p.Subscribe(syms); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// 25 symbols at shard size 10 need exactly 3 connections.
	if n := p.ConnectionCount(); n != 3 {
		t.Fatalf("connections = %d, want 3", n)
	}
}

func TestStableAssignment(t *testing.T) {
	p := startPool(t, 2)

	if err := p.Subscribe([]string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	first, ok := p.ShardOf("BTCUSDT")
	if !ok {
		t.Fatal("BTCUSDT not assigned")
	}

	// A second subscription does not move the symbol or open a shard.
	before := p.ConnectionCount()
	if err := p.Subscribe([]string{"BTCUSDT"}); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if p.ConnectionCount() != before {
		t.Fatalf("connections changed on duplicate subscribe")
	}
	if again, _ := p.ShardOf("BTCUSDT"); again != first {
		t.Fatalf("assignment moved: %s -> %s", first, again)
	}
}

func TestRefcountedUnsubscribe(t *testing.T) {
	p := startPool(t, 10)

	if err := p.Subscribe([]string{"BTCUSDT"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := p.Subscribe([]string{"BTCUSDT"}); err != nil {
		t.Fatalf("subscribe again: %v", err)
	}

	// First unsubscribe drops a reference, not the symbol.
	p.Unsubscribe([]string{"BTCUSDT"})
	if _, ok := p.ShardOf("BTCUSDT"); !ok {
		t.Fatal("symbol dropped while references remain")
	}

	p.Unsubscribe([]string{"BTCUSDT"})
	if _, ok := p.ShardOf("BTCUSDT"); ok {
		t.Fatal("symbol retained after last reference")
	}
}

func TestEmptyShardTeardown(t *testing.T) {
	p := startPool(t, 2)

	if err := p.Subscribe([]string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if n := p.ConnectionCount(); n != 2 {
		t.Fatalf("connections = %d, want 2", n)
	}

	// Emptying the second shard tears it down; the first survives.
	p.Unsubscribe([]string{"SOLUSDT"})
	if n := p.ConnectionCount(); n != 1 {
		t.Fatalf("connections after teardown = %d, want 1", n)
	}
	if _, ok := p.ShardOf("BTCUSDT"); !ok {
		t.Fatal("unrelated symbol lost its shard")
	}
}

func TestSubscribeNormalizesSpelling(t *testing.T) {
	p := startPool(t, 10)

	if err := p.Subscribe([]string{"btc-usdt"}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, ok := p.ShardOf("BTCUSDT"); !ok {
		t.Fatal("normalized symbol not assigned")
	}
	// Both spellings address the same subscription.
	p.Unsubscribe([]string{"BTCUSDT"})
	if p.ConnectionCount() != 0 {
		t.Fatalf("connections = %d, want 0", p.ConnectionCount())
	}
}

func TestSubscribeRequiresStart(t *testing.T) {
	p := NewPool(poolConfig(10), []string{"trade"}, nullDialer{}, nil, nil)
	if err := p.Subscribe([]string{"BTCUSDT"}); err == nil {
		t.Fatal("expected error before start")
	}
}
