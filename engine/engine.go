// Package engine composes the connection pool, router, channels, and
// per-symbol analytics into the consumer-facing API: watch instruments,
// read the latest metrics synchronously, or register push handlers.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flowlens/analytics"
	"flowlens/config"
	"flowlens/dispatch"
	"flowlens/feed"
	"flowlens/internal/channel"
	"flowlens/internal/symbols"
	"flowlens/logger"
	"flowlens/models"
	"flowlens/pool"
	"flowlens/router"
	"flowlens/stream"
)

// Divergence scoring runs off the hot path on the dispatcher; one score
// per symbol per second is plenty for a lookback measured in trades.
const divergenceInterval = time.Second

// DepthBootstrapper primes book state over REST before stream updates
// arrive. feed.Bootstrapper is the production implementation.
type DepthBootstrapper interface {
	DepthSnapshot(ctx context.Context, symbol string) (models.OrderBookSnapshot, error)
}

type (
	ToxicityHandler   func(models.ToxicityResult)
	OFIHandler        func(models.OFIResult)
	OFIEventHandler   func(models.OFIEvent)
	DeltaHandler      func(models.VolumeDelta)
	DivergenceHandler func(models.DivergenceSignal)
	ConnStateHandler  func(models.ConnectionState)
)

// Handle cancels one registered push handler.
type Handle struct {
	cancel func()
}

func (h *Handle) Cancel() { h.cancel() }

// Engine owns all per-symbol analytics state. That state is mutated only
// on the processing goroutine; getters read a separate result cache, so
// they never contend with the hot path.
type Engine struct {
	config    *config.Config
	dialer    stream.Dialer
	bootstrap DepthBootstrapper
	log       *logger.Log

	channels   *channel.Channels
	router     *router.Router
	pool       *pool.Pool
	dispatcher *dispatch.Dispatcher

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool

	// processing-goroutine state
	classifiers map[string]*analytics.TickRuleClassifier
	vpins       map[string]*analytics.VPINEstimator
	ofis        map[string]*analytics.OFICalculator
	deltas      map[string]*analytics.DeltaTracker
	prices      map[string][]models.PricePoint
	lastScored  map[string]time.Time
	resets      chan string

	resultsMu   sync.RWMutex
	toxicity    map[string]models.ToxicityResult
	ofiLatest   map[string]models.OFIResult
	deltaLatest map[string]models.VolumeDelta
	divergences map[string]models.DivergenceSignal
	tickers     map[string]models.TickerUpdate

	cbMu          sync.RWMutex
	nextCb        uint64
	toxicityCbs   map[uint64]ToxicityHandler
	ofiCbs        map[uint64]OFIHandler
	ofiEventCbs   map[uint64]OFIEventHandler
	deltaCbs      map[uint64]DeltaHandler
	divergenceCbs map[uint64]DivergenceHandler
	stateCbs      map[uint64]ConnStateHandler
}

// NewEngine builds an engine. A nil dialer selects the production
// websocket dialer; a nil bootstrapper skips REST book priming.
func NewEngine(cfg *config.Config, dialer stream.Dialer, bootstrap DepthBootstrapper) *Engine {
	return &Engine{
		config:    cfg,
		dialer:    dialer,
		bootstrap: bootstrap,
		log:       logger.GetLogger(),
		wg:        &sync.WaitGroup{},

		classifiers: make(map[string]*analytics.TickRuleClassifier),
		vpins:       make(map[string]*analytics.VPINEstimator),
		ofis:        make(map[string]*analytics.OFICalculator),
		deltas:      make(map[string]*analytics.DeltaTracker),
		prices:      make(map[string][]models.PricePoint),
		lastScored:  make(map[string]time.Time),
		resets:      make(chan string, 64),

		toxicity:    make(map[string]models.ToxicityResult),
		ofiLatest:   make(map[string]models.OFIResult),
		deltaLatest: make(map[string]models.VolumeDelta),
		divergences: make(map[string]models.DivergenceSignal),
		tickers:     make(map[string]models.TickerUpdate),

		toxicityCbs:   make(map[uint64]ToxicityHandler),
		ofiCbs:        make(map[uint64]OFIHandler),
		ofiEventCbs:   make(map[uint64]OFIEventHandler),
		deltaCbs:      make(map[uint64]DeltaHandler),
		divergenceCbs: make(map[uint64]DivergenceHandler),
		stateCbs:      make(map[uint64]ConnStateHandler),
	}
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	log := e.log.WithComponent("engine").WithFields(logger.Fields{"operation": "start"})

	e.channels = channel.NewChannels(
		e.config.Channels.TradeBuffer,
		e.config.Channels.BookBuffer,
		e.config.Channels.TickerBuffer,
	)

	e.router = router.NewRouter(e.config)
	if err := e.router.Start(e.ctx); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}
	e.router.Subscribe("trade", e.onRawTrade)
	e.router.Subscribe("depth", e.onRawBook)
	e.router.Subscribe("ticker", e.onRawTicker)

	e.pool = pool.NewPool(e.config, []string{"trade", "depth", "ticker"}, e.dialer, e.onFrame, e.onConnState)
	if err := e.pool.Start(e.ctx); err != nil {
		return fmt.Errorf("failed to start pool: %w", err)
	}

	e.dispatcher = dispatch.NewDispatcher(e.config)
	if err := e.dispatcher.Start(e.ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	e.wg.Add(1)
	go e.process()

	log.Info("engine started successfully")
	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	log := e.log.WithComponent("engine")
	log.Info("stopping engine")

	e.pool.Stop()
	e.router.Stop()
	e.cancel()
	e.dispatcher.Stop()
	e.wg.Wait()
	e.channels.Close()

	log.Info("engine stopped")
}

// Watch subscribes instruments across the pool and, when a bootstrapper is
// wired, primes their books over REST off the hot path.
func (e *Engine) Watch(syms []string) error {
	if err := e.pool.Subscribe(syms); err != nil {
		return err
	}
	if e.bootstrap == nil {
		return nil
	}
	for _, raw := range syms {
		sym := symbols.Normalize(raw)
		if _, err := e.dispatcher.Submit(func(ctx context.Context) error {
			snap, err := e.bootstrap.DepthSnapshot(ctx, sym)
			if err != nil {
				return err
			}
			e.channels.Books.Send(e.ctx, snap)
			return nil
		}); err != nil {
			e.log.WithComponent("engine").WithError(err).WithFields(logger.Fields{
				"symbol": sym,
			}).Warn("book bootstrap not scheduled")
		}
	}
	return nil
}

// Unwatch drops one subscription reference per symbol. When the last
// reference goes, per-symbol analytics state is discarded: a later rewatch
// starts from a clean classifier rather than a stale tick.
func (e *Engine) Unwatch(syms []string) {
	e.pool.Unsubscribe(syms)
	for _, raw := range syms {
		sym := symbols.Normalize(raw)
		if _, still := e.pool.ShardOf(sym); !still {
			select {
			case e.resets <- sym:
			default:
			}
		}
	}
}

func (e *Engine) onFrame(data []byte, receivedAt time.Time) {
	e.router.Route(data, receivedAt)
}

func (e *Engine) onRawTrade(msg models.RawMessage) {
	logger.IncrementTradeRead(len(msg.Data))
	trade, err := feed.ParseTrade(msg.Symbol, msg.Data)
	if err != nil {
		e.log.WithComponent("engine").WithError(err).Debug("dropping bad trade payload")
		return
	}
	e.channels.Trades.Send(e.ctx, trade)
}

func (e *Engine) onRawBook(msg models.RawMessage) {
	logger.IncrementBookRead(len(msg.Data))
	snap, err := feed.ParseBook(msg.Symbol, msg.Data)
	if err != nil {
		e.log.WithComponent("engine").WithError(err).Debug("dropping bad book payload")
		return
	}
	e.channels.Books.Send(e.ctx, snap)
}

func (e *Engine) onRawTicker(msg models.RawMessage) {
	logger.IncrementTickerRead(len(msg.Data))
	tick, err := feed.ParseTicker(msg.Symbol, msg.Data)
	if err != nil {
		e.log.WithComponent("engine").WithError(err).Debug("dropping bad ticker payload")
		return
	}
	e.channels.Tickers.Send(e.ctx, tick)
}

func (e *Engine) onConnState(state models.ConnectionState) {
	e.cbMu.RLock()
	handlers := make([]ConnStateHandler, 0, len(e.stateCbs))
	for _, h := range e.stateCbs {
		handlers = append(handlers, h)
	}
	e.cbMu.RUnlock()
	for _, h := range handlers {
		h(state)
	}
}

// process is the single goroutine allowed to touch per-symbol analytics
// state.
func (e *Engine) process() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case sym := <-e.resets:
			e.dropSymbolState(sym)
		case trade := <-e.channels.Trades.Trades:
			e.handleTrade(trade)
		case snap := <-e.channels.Books.Books:
			e.handleBook(snap)
		case tick := <-e.channels.Tickers.Tickers:
			e.handleTicker(tick)
		}
	}
}

func (e *Engine) dropSymbolState(sym string) {
	delete(e.classifiers, sym)
	delete(e.vpins, sym)
	delete(e.ofis, sym)
	delete(e.deltas, sym)
	delete(e.prices, sym)
	delete(e.lastScored, sym)

	e.resultsMu.Lock()
	delete(e.toxicity, sym)
	delete(e.ofiLatest, sym)
	delete(e.deltaLatest, sym)
	delete(e.divergences, sym)
	delete(e.tickers, sym)
	e.resultsMu.Unlock()
}

func (e *Engine) handleTrade(trade models.Trade) {
	sym := trade.Symbol

	classifier := e.classifiers[sym]
	if classifier == nil {
		classifier = analytics.NewTickRuleClassifier()
		e.classifiers[sym] = classifier
	}
	trade = classifier.Classify(trade)

	vpin := e.vpins[sym]
	if vpin == nil {
		vpin = analytics.NewVPINEstimator(sym, e.config.Analytics.VPIN)
		e.vpins[sym] = vpin
	}
	if res := vpin.AddTrade(trade); res != nil {
		e.resultsMu.Lock()
		e.toxicity[sym] = *res
		e.resultsMu.Unlock()
		e.notifyToxicity(*res)
	}

	delta := e.deltas[sym]
	if delta == nil {
		delta = analytics.NewDeltaTracker(sym, e.config.Analytics.Delta)
		e.deltas[sym] = delta
	}
	dres := delta.AddTrade(trade)
	e.resultsMu.Lock()
	e.deltaLatest[sym] = dres
	e.resultsMu.Unlock()
	e.notifyDelta(dres)

	history := append(e.prices[sym], models.PricePoint{Price: trade.Price, Timestamp: trade.Timestamp})
	if max := 4 * e.config.Analytics.Delta.DivergenceLookback; len(history) > max {
		history = history[len(history)-max:]
	}
	e.prices[sym] = history

	e.maybeScoreDivergence(sym, delta)
}

// maybeScoreDivergence hands divergence scoring to the dispatcher on
// detached copies, at most once per symbol per interval. A full queue just
// means the next trade retries.
func (e *Engine) maybeScoreDivergence(sym string, delta *analytics.DeltaTracker) {
	lookback := e.config.Analytics.Delta.DivergenceLookback
	if len(e.prices[sym]) < lookback {
		return
	}
	if time.Since(e.lastScored[sym]) < divergenceInterval {
		return
	}
	e.lastScored[sym] = time.Now()

	prices := make([]models.PricePoint, len(e.prices[sym]))
	copy(prices, e.prices[sym])
	series := delta.CumulativeSeries()

	if _, err := e.dispatcher.Submit(func(context.Context) error {
		sig := analytics.DivergenceOver(sym, prices, series, lookback)
		e.resultsMu.Lock()
		e.divergences[sym] = sig
		e.resultsMu.Unlock()
		e.notifyDivergence(sig)
		return nil
	}); err != nil {
		e.log.WithComponent("engine").WithError(err).Debug("divergence scoring not scheduled")
	}
}

func (e *Engine) handleBook(snap models.OrderBookSnapshot) {
	sym := snap.Symbol

	ofi := e.ofis[sym]
	if ofi == nil {
		ofi = analytics.NewOFICalculator(sym, e.config.Analytics.OFI)
		e.ofis[sym] = ofi
	}

	res := ofi.Calculate(snap)
	e.resultsMu.Lock()
	e.ofiLatest[sym] = res
	e.resultsMu.Unlock()
	e.notifyOFI(res)

	if ev := ofi.DetectSignificantEvent(); ev != nil {
		e.notifyOFIEvent(*ev)
	}
}

func (e *Engine) handleTicker(tick models.TickerUpdate) {
	e.resultsMu.Lock()
	e.tickers[tick.Symbol] = tick
	e.resultsMu.Unlock()
}

// Toxicity returns the latest VPIN reading for a symbol.
func (e *Engine) Toxicity(sym string) (models.ToxicityResult, bool) {
	e.resultsMu.RLock()
	defer e.resultsMu.RUnlock()
	res, ok := e.toxicity[symbols.Normalize(sym)]
	return res, ok
}

// OFI returns the latest order-flow imbalance reading for a symbol.
func (e *Engine) OFI(sym string) (models.OFIResult, bool) {
	e.resultsMu.RLock()
	defer e.resultsMu.RUnlock()
	res, ok := e.ofiLatest[symbols.Normalize(sym)]
	return res, ok
}

// VolumeDelta returns the latest trailing-window delta for a symbol.
func (e *Engine) VolumeDelta(sym string) (models.VolumeDelta, bool) {
	e.resultsMu.RLock()
	defer e.resultsMu.RUnlock()
	res, ok := e.deltaLatest[symbols.Normalize(sym)]
	return res, ok
}

// Divergence returns the latest price/flow divergence score for a symbol.
func (e *Engine) Divergence(sym string) (models.DivergenceSignal, bool) {
	e.resultsMu.RLock()
	defer e.resultsMu.RUnlock()
	res, ok := e.divergences[symbols.Normalize(sym)]
	return res, ok
}

// Ticker returns the last coalesced ticker update for a symbol.
func (e *Engine) Ticker(sym string) (models.TickerUpdate, bool) {
	e.resultsMu.RLock()
	defer e.resultsMu.RUnlock()
	res, ok := e.tickers[symbols.Normalize(sym)]
	return res, ok
}

// ConnectionStates snapshots every pooled connection.
func (e *Engine) ConnectionStates() []models.ConnectionState {
	return e.pool.States()
}

func (e *Engine) OnToxicity(h ToxicityHandler) *Handle {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	id := e.register()
	e.toxicityCbs[id] = h
	return &Handle{cancel: func() {
		e.cbMu.Lock()
		delete(e.toxicityCbs, id)
		e.cbMu.Unlock()
	}}
}

func (e *Engine) OnOFI(h OFIHandler) *Handle {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	id := e.register()
	e.ofiCbs[id] = h
	return &Handle{cancel: func() {
		e.cbMu.Lock()
		delete(e.ofiCbs, id)
		e.cbMu.Unlock()
	}}
}

func (e *Engine) OnOFIEvent(h OFIEventHandler) *Handle {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	id := e.register()
	e.ofiEventCbs[id] = h
	return &Handle{cancel: func() {
		e.cbMu.Lock()
		delete(e.ofiEventCbs, id)
		e.cbMu.Unlock()
	}}
}

func (e *Engine) OnVolumeDelta(h DeltaHandler) *Handle {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	id := e.register()
	e.deltaCbs[id] = h
	return &Handle{cancel: func() {
		e.cbMu.Lock()
		delete(e.deltaCbs, id)
		e.cbMu.Unlock()
	}}
}

func (e *Engine) OnDivergence(h DivergenceHandler) *Handle {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	id := e.register()
	e.divergenceCbs[id] = h
	return &Handle{cancel: func() {
		e.cbMu.Lock()
		delete(e.divergenceCbs, id)
		e.cbMu.Unlock()
	}}
}

func (e *Engine) OnConnectionState(h ConnStateHandler) *Handle {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	id := e.register()
	e.stateCbs[id] = h
	return &Handle{cancel: func() {
		e.cbMu.Lock()
		delete(e.stateCbs, id)
		e.cbMu.Unlock()
	}}
}

// register must run under cbMu.
func (e *Engine) register() uint64 {
	e.nextCb++
	return e.nextCb
}

func (e *Engine) notifyToxicity(res models.ToxicityResult) {
	e.cbMu.RLock()
	handlers := make([]ToxicityHandler, 0, len(e.toxicityCbs))
	for _, h := range e.toxicityCbs {
		handlers = append(handlers, h)
	}
	e.cbMu.RUnlock()
	for _, h := range handlers {
		h(res)
	}
}

func (e *Engine) notifyOFI(res models.OFIResult) {
	e.cbMu.RLock()
	handlers := make([]OFIHandler, 0, len(e.ofiCbs))
	for _, h := range e.ofiCbs {
		handlers = append(handlers, h)
	}
	e.cbMu.RUnlock()
	for _, h := range handlers {
		h(res)
	}
}

func (e *Engine) notifyOFIEvent(ev models.OFIEvent) {
	e.cbMu.RLock()
	handlers := make([]OFIEventHandler, 0, len(e.ofiEventCbs))
	for _, h := range e.ofiEventCbs {
		handlers = append(handlers, h)
	}
	e.cbMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (e *Engine) notifyDelta(res models.VolumeDelta) {
	e.cbMu.RLock()
	handlers := make([]DeltaHandler, 0, len(e.deltaCbs))
	for _, h := range e.deltaCbs {
		handlers = append(handlers, h)
	}
	e.cbMu.RUnlock()
	for _, h := range handlers {
		h(res)
	}
}

func (e *Engine) notifyDivergence(sig models.DivergenceSignal) {
	e.cbMu.RLock()
	handlers := make([]DivergenceHandler, 0, len(e.divergenceCbs))
	for _, h := range e.divergenceCbs {
		handlers = append(handlers, h)
	}
	e.cbMu.RUnlock()
	for _, h := range handlers {
		h(sig)
	}
}
