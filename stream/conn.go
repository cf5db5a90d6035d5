// Package stream owns the duplex connection to a venue stream endpoint:
// dialing, reconnect backoff, heartbeat staleness checks, subscription
// replay, and outbound rate limiting.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"flowlens/config"
	"flowlens/logger"
	"flowlens/models"
)

const writeWait = 10 * time.Second

var errStaleConnection = errors.New("no message inside staleness threshold")

// Socket is the subset of a websocket connection the state machine drives.
// gorilla/websocket satisfies it in production; tests substitute fakes.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens sockets. The production implementation wraps
// websocket.DefaultDialer; tests inject fakes to drive failure paths.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

type wsDialer struct {
	handshakeTimeout time.Duration
}

func (d wsDialer) Dial(ctx context.Context, url string) (Socket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	sock, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return sock, nil
}

// NewWebsocketDialer returns the production gorilla-backed dialer.
func NewWebsocketDialer(handshakeTimeout time.Duration) Dialer {
	return wsDialer{handshakeTimeout: handshakeTimeout}
}

// MessageHandler receives every inbound frame exactly as read off the wire.
type MessageHandler func(data []byte, receivedAt time.Time)

// StateHandler is notified on every connection state transition.
type StateHandler func(state models.ConnectionState)

// Conn is one managed stream connection. A single goroutine owns the
// socket lifecycle; Subscribe, Unsubscribe and Send are safe from any
// goroutine and survive reconnects: the active topic set is replayed on
// every new socket because server-side subscription state does not
// outlive a socket replacement.
type Conn struct {
	name    string
	cfg     config.StreamConfig
	dialer  Dialer
	onMsg   MessageHandler
	onState StateHandler
	log     *logger.Log

	// sendLimiter enforces the per-second outbound cap; connLimiter
	// enforces the rolling connection-count window. Over-cap operations
	// defer, they never drop.
	sendLimiter *rate.Limiter
	connLimiter *rate.Limiter
	retry       *backoff.Backoff

	outbound chan []byte
	wg       sync.WaitGroup

	mu            sync.Mutex
	running       bool
	ctx           context.Context
	cancel        context.CancelFunc
	status        models.ConnStatus
	attempts      int
	lastConnected time.Time
	lastErr       error
	latency       time.Duration
	lastMessage   time.Time
	topics        map[string]struct{}
}

// NewConn builds a connection for one pooled slot. Nothing dials until
// Connect is called.
func NewConn(name string, cfg config.StreamConfig, dialer Dialer, onMsg MessageHandler, onState StateHandler) *Conn {
	if dialer == nil {
		dialer = NewWebsocketDialer(cfg.HandshakeTimeout.Std())
	}
	sendLimit := rate.NewLimiter(rate.Inf, 1)
	if cfg.SendRate.MessagesPerSecond > 0 {
		burst := cfg.SendRate.Burst
		if burst <= 0 {
			burst = cfg.SendRate.MessagesPerSecond
		}
		sendLimit = rate.NewLimiter(rate.Limit(cfg.SendRate.MessagesPerSecond), burst)
	}
	connLimit := rate.NewLimiter(rate.Inf, 1)
	if cfg.ConnectLimit.MaxConnections > 0 && cfg.ConnectLimit.Window > 0 {
		interval := cfg.ConnectLimit.Window.Std() / time.Duration(cfg.ConnectLimit.MaxConnections)
		connLimit = rate.NewLimiter(rate.Every(interval), cfg.ConnectLimit.MaxConnections)
	}
	return &Conn{
		name:        name,
		cfg:         cfg,
		dialer:      dialer,
		onMsg:       onMsg,
		onState:     onState,
		log:         logger.GetLogger(),
		sendLimiter: sendLimit,
		connLimiter: connLimit,
		retry: &backoff.Backoff{
			Min:    cfg.Backoff.BaseDelay.Std(),
			Max:    cfg.Backoff.MaxDelay.Std(),
			Factor: 2,
		},
		outbound: make(chan []byte, 256),
		status:   models.ConnDisconnected,
		topics:   make(map[string]struct{}),
	}
}

// Connect starts the connection manager. Calling it while a socket is live
// or connecting is a no-op.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if c.status == models.ConnError {
		c.mu.Unlock()
		return fmt.Errorf("connection %s is in terminal error state", c.name)
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()
	return nil
}

// Close tears the connection down and stops reconnecting.
func (c *Conn) Close() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	c.transition(models.ConnDisconnected, nil)
}

// Subscribe adds topics to the active set and issues a subscribe frame.
func (c *Conn) Subscribe(topics []string) {
	c.mu.Lock()
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	c.mu.Unlock()
	c.sendControl("SUBSCRIBE", topics)
}

// Unsubscribe removes topics from the active set and issues an
// unsubscribe frame.
func (c *Conn) Unsubscribe(topics []string) {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.topics, t)
	}
	c.mu.Unlock()
	c.sendControl("UNSUBSCRIBE", topics)
}

// Topics returns the active topic set, sorted for stable comparison.
func (c *Conn) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Send queues a raw frame for delivery. Frames wait for the outbound rate
// limiter rather than being dropped when the cap is hit.
func (c *Conn) Send(data []byte) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	if ctx == nil {
		// Not connected yet; queue for the first writer.
		c.outbound <- data
		return
	}
	select {
	case c.outbound <- data:
	case <-ctx.Done():
	}
}

// State returns a snapshot of the connection's lifecycle state.
func (c *Conn) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Conn) stateLocked() models.ConnectionState {
	state := models.ConnectionState{
		Name:              c.name,
		Status:            c.status,
		LastConnectedAt:   c.lastConnected,
		ReconnectAttempts: c.attempts,
		LatencyMs:         c.latency.Milliseconds(),
	}
	if c.lastErr != nil {
		state.LastError = c.lastErr.Error()
	}
	return state
}

func (c *Conn) sendControl(method string, topics []string) {
	if len(topics) == 0 {
		return
	}
	req := models.SubscribeRequest{
		Method: method,
		Topics: topics,
		ID:     uuid.NewString(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		c.log.WithComponent("stream").WithError(err).Warn("failed to marshal control frame")
		return
	}
	c.Send(data)
}

// run is the connection manager: dial, serve, back off, repeat, until the
// context ends or the retry budget is exhausted.
func (c *Conn) run() {
	defer c.wg.Done()

	log := c.log.WithComponent("stream").WithFields(logger.Fields{"connection": c.name})

	for {
		if c.ctx.Err() != nil {
			return
		}

		// Rolling connection-count cap: defer the dial, never skip it.
		reservation := c.connLimiter.Reserve()
		if delay := reservation.Delay(); delay > 0 {
			log.WithFields(logger.Fields{"delay_ms": delay.Milliseconds()}).Warn("connection cap reached, deferring dial")
			if !c.sleep(delay) {
				reservation.Cancel()
				return
			}
		}

		c.transition(models.ConnConnecting, nil)

		dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout.Std())
		start := time.Now()
		sock, err := c.dialer.Dial(dialCtx, c.cfg.URL)
		cancel()
		if err != nil {
			log.WithError(err).Warn("dial failed")
			if !c.backoffOrFail(err) {
				return
			}
			continue
		}

		c.opened(time.Since(start))
		log.WithFields(logger.Fields{"latency_ms": c.State().LatencyMs}).Info("connected")

		c.resubscribe()

		err = c.serve(sock)
		if c.ctx.Err() != nil {
			c.transition(models.ConnDisconnected, nil)
			return
		}
		log.WithError(err).Warn("connection lost")
		logger.IncrementReconnect()
		if !c.backoffOrFail(err) {
			return
		}
	}
}

// opened records a successful connect: attempts reset to zero and the
// backoff schedule restarts.
func (c *Conn) opened(latency time.Duration) {
	c.mu.Lock()
	c.attempts = 0
	c.lastConnected = time.Now()
	c.latency = latency
	c.lastErr = nil
	c.lastMessage = time.Now()
	c.retry.Reset()
	c.mu.Unlock()
	c.transition(models.ConnConnected, nil)
}

// resubscribe replays the full topic set onto the fresh socket.
func (c *Conn) resubscribe() {
	topics := c.Topics()
	if len(topics) == 0 {
		return
	}
	c.log.WithComponent("stream").WithFields(logger.Fields{
		"connection": c.name,
		"topics":     len(topics),
	}).Info("replaying subscriptions")
	c.sendControl("SUBSCRIBE", topics)
}

// backoffOrFail schedules the next attempt. It returns false when the
// retry budget is exhausted, leaving the connection in terminal error.
func (c *Conn) backoffOrFail(cause error) bool {
	c.mu.Lock()
	c.attempts++
	attempts := c.attempts
	c.lastErr = cause
	c.mu.Unlock()

	if attempts > c.cfg.Backoff.MaxAttempts {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.transition(models.ConnError, cause)
		c.log.WithComponent("stream").WithFields(logger.Fields{
			"connection": c.name,
			"attempts":   attempts - 1,
		}).WithError(cause).Error("retry budget exhausted, giving up")
		return false
	}

	delay := c.retry.Duration()
	c.transition(models.ConnReconnecting, cause)
	c.log.WithComponent("stream").WithFields(logger.Fields{
		"connection": c.name,
		"attempt":    attempts,
		"delay_ms":   delay.Milliseconds(),
	}).Warn("scheduling reconnect")
	return c.sleep(delay)
}

func (c *Conn) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serve pumps one socket until it fails, goes stale, or the context ends.
// The session context replaces the previous heartbeat and writer wholesale
// on every transition, so timers never accumulate across reconnect cycles.
func (c *Conn) serve(sock Socket) error {
	session, cancel := context.WithCancel(c.ctx)
	defer cancel()

	errc := make(chan error, 2)

	var aux sync.WaitGroup
	aux.Add(2)
	go func() {
		defer aux.Done()
		c.writeLoop(session, sock, errc)
	}()
	go func() {
		defer aux.Done()
		c.heartbeat(session, sock, errc)
	}()

	go func() {
		<-session.Done()
		sock.Close()
	}()

	var readErr error
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		now := time.Now()
		c.mu.Lock()
		c.lastMessage = now
		c.mu.Unlock()
		if c.onMsg != nil {
			c.onMsg(data, now)
		}
	}

	cancel()
	aux.Wait()

	// A heartbeat staleness or write failure is the root cause; the read
	// error is just the socket closing underneath it.
	select {
	case err := <-errc:
		return err
	default:
		return readErr
	}
}

func (c *Conn) writeLoop(session context.Context, sock Socket, errc chan<- error) {
	for {
		select {
		case <-session.Done():
			return
		case data := <-c.outbound:
			if err := c.sendLimiter.Wait(session); err != nil {
				return
			}
			if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
				select {
				case errc <- err:
				default:
				}
				sock.Close()
				return
			}
		}
	}
}

// heartbeat pings on an interval and forces a reconnect when no message
// has arrived inside the staleness threshold, even absent a transport
// error.
func (c *Conn) heartbeat(session context.Context, sock Socket, errc chan<- error) {
	ticker := time.NewTicker(c.cfg.Heartbeat.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-session.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			last := c.lastMessage
			c.mu.Unlock()
			if time.Since(last) > c.cfg.Heartbeat.StaleAfter.Std() {
				c.log.WithComponent("stream").WithFields(logger.Fields{
					"connection": c.name,
					"stale_for":  time.Since(last).String(),
				}).Warn("connection stale, forcing reconnect")
				select {
				case errc <- errStaleConnection:
				default:
				}
				sock.Close()
				return
			}
			sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
	}
}

// transition updates status and notifies the state handler outside the
// lock.
func (c *Conn) transition(status models.ConnStatus, cause error) {
	c.mu.Lock()
	c.status = status
	if cause != nil {
		c.lastErr = cause
	}
	state := c.stateLocked()
	c.mu.Unlock()

	if c.onState != nil {
		c.onState(state)
	}
}
