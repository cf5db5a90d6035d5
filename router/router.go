// Package router fans inbound stream envelopes out to registered handlers.
// Trade and depth events deliver immediately; ticker-class events coalesce
// per key over a short flush window, last write wins.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"flowlens/config"
	"flowlens/internal/symbols"
	"flowlens/logger"
	"flowlens/models"
)

// Handler receives routed messages. It runs on the routing goroutine for
// trades and books and on the flusher for tickers, so it must not block.
type Handler func(msg models.RawMessage)

// Subscription is the handle returned by Subscribe. Removal is by handle
// only; function values have no usable identity for lookup.
type Subscription struct {
	router *Router
	topic  string
	id     uint64
}

// Unsubscribe detaches the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.router.remove(s.topic, s.id)
}

// Router matches envelopes to handlers by topic. A topic is either a bare
// event name ("trade") or a symbol-scoped key in either casing
// ("btcusdt@trade", "BTCUSDT@trade").
type Router struct {
	config *config.Config
	ctx    context.Context
	wg     *sync.WaitGroup
	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64

	pendingMu sync.Mutex
	pending   map[string]models.RawMessage

	running    bool
	runMu      sync.Mutex
	log        *logger.Log
	unknowns   int64
	routed     int64
	coalesced  int64
	flushCount int64
}

func NewRouter(cfg *config.Config) *Router {
	return &Router{
		config:  cfg,
		wg:      &sync.WaitGroup{},
		subs:    make(map[string]map[uint64]Handler),
		pending: make(map[string]models.RawMessage),
		log:     logger.GetLogger(),
	}
}

// Start launches the ticker flusher.
func (r *Router) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.ctx = ctx

	r.wg.Add(1)
	go r.flusher()

	r.log.WithComponent("router").WithFields(logger.Fields{
		"flush_interval": r.config.Router.FlushInterval.Std().String(),
	}).Info("router started")
	return nil
}

// Stop drains any coalesced tickers and waits for the flusher to exit.
func (r *Router) Stop() {
	r.runMu.Lock()
	if !r.running {
		r.runMu.Unlock()
		return
	}
	r.running = false
	r.runMu.Unlock()

	r.wg.Wait()
	r.flush()
	r.log.WithComponent("router").Info("router stopped")
}

// Subscribe registers a handler for a topic and returns its handle.
func (r *Router) Subscribe(topic string, h Handler) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	if r.subs[topic] == nil {
		r.subs[topic] = make(map[uint64]Handler)
	}
	r.subs[topic][id] = h
	return &Subscription{router: r, topic: topic, id: id}
}

func (r *Router) remove(topic string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handlers := r.subs[topic]
	if handlers == nil {
		return
	}
	delete(handlers, id)
	if len(handlers) == 0 {
		delete(r.subs, topic)
	}
}

// Route parses one inbound frame and dispatches it. Unrecognized event
// types are counted, never silently discarded.
func (r *Router) Route(data []byte, receivedAt time.Time) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		atomic.AddInt64(&r.unknowns, 1)
		r.log.WithComponent("router").WithError(err).Debug("unparseable frame")
		return
	}

	kind := kindFor(env.EventType)
	if kind == models.EventUnknown {
		atomic.AddInt64(&r.unknowns, 1)
		r.log.WithComponent("router").WithFields(logger.Fields{
			"event_type": env.EventType,
		}).Debug("unknown event type")
		return
	}

	msg := models.RawMessage{
		Symbol:    symbols.Normalize(env.Symbol),
		Kind:      kind,
		Data:      env.Data,
		Timestamp: receivedAt,
	}

	if kind == models.EventTicker {
		key := symbols.Topic(env.Symbol, env.EventType)
		r.pendingMu.Lock()
		r.pending[key] = msg
		r.pendingMu.Unlock()
		atomic.AddInt64(&r.coalesced, 1)
		return
	}

	r.deliver(env.Symbol, env.EventType, msg)
}

// deliver fans one message out to every matching topic variant.
func (r *Router) deliver(sym, event string, msg models.RawMessage) {
	variants := symbols.Variants(sym, event)

	r.mu.RLock()
	var handlers []Handler
	for _, topic := range variants {
		for _, h := range r.subs[topic] {
			handlers = append(handlers, h)
		}
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
	atomic.AddInt64(&r.routed, 1)
}

func (r *Router) flusher() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Router.FlushInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runMu.Lock()
			running := r.running
			r.runMu.Unlock()
			if !running {
				return
			}
			r.flush()
		}
	}
}

// flush delivers the latest coalesced update per key and clears the map.
func (r *Router) flush() {
	r.pendingMu.Lock()
	if len(r.pending) == 0 {
		r.pendingMu.Unlock()
		return
	}
	batch := r.pending
	r.pending = make(map[string]models.RawMessage)
	r.pendingMu.Unlock()

	for key, msg := range batch {
		sym, event := symbols.Split(key)
		r.deliver(sym, event, msg)
	}
	atomic.AddInt64(&r.flushCount, 1)
}

// Stats reports routed, coalesced and unknown event counts.
func (r *Router) Stats() (routed, coalesced, unknown int64) {
	return atomic.LoadInt64(&r.routed), atomic.LoadInt64(&r.coalesced), atomic.LoadInt64(&r.unknowns)
}

func kindFor(eventType string) models.EventKind {
	switch eventType {
	case "trade", "aggTrade":
		return models.EventTrade
	case "depth", "book", "depthUpdate":
		return models.EventBookSnapshot
	case "ticker", "24hrTicker", "miniTicker":
		return models.EventTicker
	default:
		return models.EventUnknown
	}
}
