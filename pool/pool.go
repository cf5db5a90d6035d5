// Package pool shards instrument subscriptions across a fleet of stream
// connections so no single socket carries more than a fixed number of
// symbols.
package pool

import (
	"context"
	"fmt"
	"sync"

	"flowlens/config"
	"flowlens/internal/symbols"
	"flowlens/logger"
	"flowlens/models"
	"flowlens/stream"
)

type shard struct {
	name    string
	conn    *stream.Conn
	symbols map[string]struct{}
}

// Pool owns the connection fleet. Each shard holds at most ShardSize
// symbols; a symbol's shard assignment is stable for as long as the symbol
// stays subscribed, so reconnects replay onto the same connection.
type Pool struct {
	config  *config.Config
	events  []string
	dialer  stream.Dialer
	onMsg   stream.MessageHandler
	onState stream.StateHandler
	log     *logger.Log

	mu         sync.Mutex
	ctx        context.Context
	running    bool
	shards     []*shard
	nextShard  int
	assignment map[string]*shard
	refs       map[string]int
}

// NewPool builds a pool subscribing each symbol to the given event streams
// (e.g. trade, depth, ticker). A nil dialer selects the production
// websocket dialer.
func NewPool(cfg *config.Config, events []string, dialer stream.Dialer, onMsg stream.MessageHandler, onState stream.StateHandler) *Pool {
	return &Pool{
		config:     cfg,
		events:     events,
		dialer:     dialer,
		onMsg:      onMsg,
		onState:    onState,
		log:        logger.GetLogger(),
		assignment: make(map[string]*shard),
		refs:       make(map[string]int),
	}
}

func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pool already running")
	}
	p.running = true
	p.ctx = ctx
	p.log.WithComponent("pool").WithFields(logger.Fields{
		"shard_size": p.config.Pool.ShardSize,
	}).Info("pool started")
	return nil
}

// Stop closes every connection. Subscriptions are forgotten.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	shards := p.shards
	p.shards = nil
	p.assignment = make(map[string]*shard)
	p.refs = make(map[string]int)
	p.mu.Unlock()

	for _, s := range shards {
		s.conn.Close()
	}
	p.log.WithComponent("pool").Info("pool stopped")
}

// Subscribe attaches symbols to shards, opening new connections as
// existing shards fill. Subscribing an already-attached symbol bumps its
// refcount instead of consuming another slot.
func (p *Pool) Subscribe(syms []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return fmt.Errorf("pool not running")
	}

	for _, raw := range syms {
		sym := symbols.Normalize(raw)
		if sym == "" {
			continue
		}
		if p.refs[sym] > 0 {
			p.refs[sym]++
			continue
		}

		s, err := p.placeLocked(sym)
		if err != nil {
			return err
		}
		p.refs[sym] = 1
		p.assignment[sym] = s
		s.symbols[sym] = struct{}{}
		s.conn.Subscribe(p.topicsFor(sym))
	}
	return nil
}

// Unsubscribe drops one reference per symbol. When the last reference
// goes, the symbol's topics are unsubscribed and an emptied shard is torn
// down entirely.
func (p *Pool) Unsubscribe(syms []string) {
	p.mu.Lock()
	var closing []*shard
	for _, raw := range syms {
		sym := symbols.Normalize(raw)
		if p.refs[sym] == 0 {
			continue
		}
		p.refs[sym]--
		if p.refs[sym] > 0 {
			continue
		}
		delete(p.refs, sym)

		s := p.assignment[sym]
		delete(p.assignment, sym)
		delete(s.symbols, sym)
		s.conn.Unsubscribe(p.topicsFor(sym))

		if len(s.symbols) == 0 {
			p.detachLocked(s)
			closing = append(closing, s)
		}
	}
	p.mu.Unlock()

	for _, s := range closing {
		p.log.WithComponent("pool").WithFields(logger.Fields{"shard": s.name}).Info("tearing down empty shard")
		s.conn.Close()
	}
}

// placeLocked finds a shard with a free slot or opens a new one.
func (p *Pool) placeLocked(sym string) (*shard, error) {
	for _, s := range p.shards {
		if len(s.symbols) < p.config.Pool.ShardSize {
			return s, nil
		}
	}

	name := fmt.Sprintf("shard-%d", p.nextShard)
	p.nextShard++
	s := &shard{
		name:    name,
		conn:    stream.NewConn(name, p.config.Stream, p.dialer, p.onMsg, p.onState),
		symbols: make(map[string]struct{}),
	}
	if err := s.conn.Connect(p.ctx); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	p.shards = append(p.shards, s)
	p.log.WithComponent("pool").WithFields(logger.Fields{
		"shard":  name,
		"shards": len(p.shards),
	}).Info("opened new shard")
	return s, nil
}

func (p *Pool) detachLocked(victim *shard) {
	for i, s := range p.shards {
		if s == victim {
			p.shards = append(p.shards[:i], p.shards[i+1:]...)
			return
		}
	}
}

func (p *Pool) topicsFor(sym string) []string {
	topics := make([]string, 0, len(p.events))
	for _, e := range p.events {
		topics = append(topics, symbols.Topic(sym, e))
	}
	return topics
}

// ConnectionCount reports how many shards are open.
func (p *Pool) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.shards)
}

// ShardOf reports which shard a symbol is assigned to.
func (p *Pool) ShardOf(sym string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.assignment[symbols.Normalize(sym)]
	if !ok {
		return "", false
	}
	return s.name, true
}

// States snapshots the lifecycle state of every open connection.
func (p *Pool) States() []models.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.ConnectionState, 0, len(p.shards))
	for _, s := range p.shards {
		out = append(out, s.conn.State())
	}
	return out
}
