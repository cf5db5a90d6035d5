package stream

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"flowlens/config"
	"flowlens/models"
)

func streamConfig() config.StreamConfig {
	return config.StreamConfig{
		URL:              "ws://example.test/stream",
		HandshakeTimeout: config.Duration(time.Second),
		Backoff: config.BackoffConfig{
			BaseDelay:   config.Duration(time.Millisecond),
			MaxDelay:    config.Duration(4 * time.Millisecond),
			MaxAttempts: 10,
		},
		Heartbeat: config.HeartbeatConfig{
			Interval:   config.Duration(time.Hour),
			StaleAfter: config.Duration(2 * time.Hour),
		},
	}
}

type fakeSocket struct {
	mu      sync.Mutex
	frames  [][]byte
	inbound chan []byte
	closec  chan struct{}
	once    sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		closec:  make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-s.inbound:
		return 1, msg, nil
	case <-s.closec:
		return 0, nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) WriteMessage(_ int, data []byte) error {
	select {
	case <-s.closec:
		return errors.New("socket closed")
	default:
	}
	s.mu.Lock()
	s.frames = append(s.frames, data)
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) WriteControl(int, []byte, time.Time) error { return nil }

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closec) })
	return nil
}

func (s *fakeSocket) sentFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames))
	copy(out, s.frames)
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	sockc    chan *fakeSocket
}

func newFakeDialer(failures int) *fakeDialer {
	return &fakeDialer{failures: failures, sockc: make(chan *fakeSocket, 16)}
}

func (d *fakeDialer) Dial(context.Context, string) (Socket, error) {
	d.mu.Lock()
	d.dials++
	if d.dials <= d.failures {
		d.mu.Unlock()
		return nil, errors.New("dial refused")
	}
	d.mu.Unlock()

	s := newFakeSocket()
	d.sockc <- s
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func awaitSocket(t *testing.T, d *fakeDialer) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.sockc:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no socket dialed in time")
		return nil
	}
}

func awaitSubscribeFrame(t *testing.T, s *fakeSocket) models.SubscribeRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, frame := range s.sentFrames() {
			var req models.SubscribeRequest
			if err := json.Unmarshal(frame, &req); err == nil && req.Method == "SUBSCRIBE" {
				return req
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no subscribe frame observed in time")
	return models.SubscribeRequest{}
}

// The reconnect schedule doubles from the base delay up to the cap, and a
// successful connect restarts it from the base.
func TestBackoffSchedule(t *testing.T) {
	cfg := streamConfig()
	cfg.Backoff.BaseDelay = config.Duration(100 * time.Millisecond)
	cfg.Backoff.MaxDelay = config.Duration(400 * time.Millisecond)
	c := NewConn("conn-0", cfg, newFakeDialer(0), nil, nil)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}
	for i, w := range want {
		if got := c.retry.Duration(); got != w {
			t.Fatalf("delay %d = %v, want %v", i, got, w)
		}
	}

	c.retry.Reset()
	if got := c.retry.Duration(); got != 100*time.Millisecond {
		t.Fatalf("delay after reset = %v, want 100ms", got)
	}
}

func TestConnectAfterDialFailures(t *testing.T) {
	dialer := newFakeDialer(2)
	c := NewConn("conn-0", streamConfig(), dialer, nil, nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	awaitSocket(t, dialer)

	deadline := time.Now().Add(2 * time.Second)
	for {
		state := c.State()
		if state.Status == models.ConnConnected {
			// A successful connect resets the attempt counter.
			if state.ReconnectAttempts != 0 {
				t.Fatalf("attempts = %d after connect, want 0", state.ReconnectAttempts)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never connected, status=%s", state.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n := dialer.dialCount(); n != 3 {
		t.Fatalf("dials = %d, want 3", n)
	}
}

func TestTerminalErrorAfterRetryBudget(t *testing.T) {
	cfg := streamConfig()
	cfg.Backoff.MaxAttempts = 2

	states := make(chan models.ConnectionState, 64)
	dialer := newFakeDialer(1000)
	c := NewConn("conn-0", cfg, dialer, nil, func(s models.ConnectionState) {
		states <- s
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s.Status == models.ConnError {
				if s.LastError == "" {
					t.Fatal("terminal state carries no error")
				}
				if err := c.Connect(context.Background()); err == nil {
					t.Fatal("expected error connecting a dead connection")
				}
				return
			}
		case <-deadline:
			t.Fatal("connection never reached terminal error")
		}
	}
}

// The active topic set survives forced reconnects: every fresh socket gets
// the full set replayed, and the set itself is unchanged.
func TestResubscribeAfterReconnect(t *testing.T) {
	dialer := newFakeDialer(0)
	c := NewConn("conn-0", streamConfig(), dialer, nil, nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sock := awaitSocket(t, dialer)

	c.Subscribe([]string{"btcusdt@trade", "btcusdt@depth"})
	req := awaitSubscribeFrame(t, sock)
	if len(req.Topics) != 2 {
		t.Fatalf("initial subscribe topics = %v", req.Topics)
	}

	before := c.Topics()
	for i := 0; i < 3; i++ {
		sock.Close()
		sock = awaitSocket(t, dialer)
		req = awaitSubscribeFrame(t, sock)
		if !reflect.DeepEqual(sortedCopy(req.Topics), before) {
			t.Fatalf("reconnect %d replayed %v, want %v", i, req.Topics, before)
		}
	}

	if !reflect.DeepEqual(c.Topics(), before) {
		t.Fatalf("topic set changed across reconnects: %v != %v", c.Topics(), before)
	}
}

func TestUnsubscribeShrinksReplaySet(t *testing.T) {
	dialer := newFakeDialer(0)
	c := NewConn("conn-0", streamConfig(), dialer, nil, nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sock := awaitSocket(t, dialer)

	c.Subscribe([]string{"btcusdt@trade", "ethusdt@trade"})
	awaitSubscribeFrame(t, sock)
	c.Unsubscribe([]string{"ethusdt@trade"})

	sock.Close()
	sock = awaitSocket(t, dialer)
	req := awaitSubscribeFrame(t, sock)
	if !reflect.DeepEqual(req.Topics, []string{"btcusdt@trade"}) {
		t.Fatalf("replayed %v, want [btcusdt@trade]", req.Topics)
	}
}

func TestInboundMessagesReachHandler(t *testing.T) {
	dialer := newFakeDialer(0)
	got := make(chan []byte, 1)
	c := NewConn("conn-0", streamConfig(), dialer, func(data []byte, _ time.Time) {
		got <- data
	}, nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sock := awaitSocket(t, dialer)

	sock.inbound <- []byte(`{"e":"trade"}`)
	select {
	case data := <-got:
		if string(data) != `{"e":"trade"}` {
			t.Fatalf("handler got %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never reached handler")
	}
}

func TestStaleConnectionForcesReconnect(t *testing.T) {
	cfg := streamConfig()
	cfg.Heartbeat.Interval = config.Duration(10 * time.Millisecond)
	cfg.Heartbeat.StaleAfter = config.Duration(25 * time.Millisecond)

	dialer := newFakeDialer(0)
	c := NewConn("conn-0", cfg, dialer, nil, nil)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	awaitSocket(t, dialer)

	// No inbound traffic: the staleness check should tear the socket down
	// and dial a replacement.
	awaitSocket(t, dialer)
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
