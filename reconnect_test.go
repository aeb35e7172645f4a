package kraken

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charleschow/kraken-stream/market"
)

// feedServer is a minimal exchange stand-in: it accepts WebSocket
// connections, records every inbound frame, and can kill the live
// connection to simulate a transport fault.
type feedServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	conns  []*websocket.Conn
	frames []map[string]any
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{}
	upgrader := websocket.Upgrader{}

	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns = append(fs.conns, ws)
		fs.mu.Unlock()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var frame map[string]any
			if json.Unmarshal(data, &frame) == nil {
				fs.mu.Lock()
				fs.frames = append(fs.frames, frame)
				fs.mu.Unlock()
			}
		}
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *feedServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *feedServer) connCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.conns)
}

// killLive closes the most recent connection server-side.
func (fs *feedServer) killLive() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.conns) > 0 {
		fs.conns[len(fs.conns)-1].Close()
	}
}

// subscribeFramesFor returns the subscribe frames naming the symbol.
func (fs *feedServer) subscribeFramesFor(symbol string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, f := range fs.frames {
		if f["method"] != "subscribe" {
			continue
		}
		params, _ := f["params"].(map[string]any)
		symbols, _ := params["symbol"].([]any)
		for _, s := range symbols {
			if s == symbol {
				n++
			}
		}
	}
	return n
}

func fastBackoff() BackoffStrategy {
	return NewExponentialBackoff(ExponentialConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0,
		MaxAttempts:  0,
	})
}

// TestReconnectResubscribes drives the full fault path: connect, subscribe,
// transport failure, reconnect, automatic resubscribe.
func TestReconnectResubscribes(t *testing.T) {
	fs := newFeedServer(t)

	var stateMu sync.Mutex
	var states []ConnectionState
	var reconnects []ReconnectEvent

	c := WithConfig(NewConfig().
		URL(fs.url()).
		Backoff(fastBackoff()).
		OnReconnect(func(ev ReconnectEvent) {
			stateMu.Lock()
			reconnects = append(reconnects, ev)
			stateMu.Unlock()
		}).
		Build())
	c.OnConnectionState(func(s ConnectionState) {
		stateMu.Lock()
		states = append(states, s)
		stateMu.Unlock()
	})

	c.RunAsync()
	t.Cleanup(c.Stop)

	require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)

	_, err := c.Subscribe(market.ChannelTicker, []string{"BTC/USD"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fs.subscribeFramesFor("BTC/USD") == 1
	}, 2*time.Second, 10*time.Millisecond)

	// simulate a transport fault
	fs.killLive()

	// a fresh connection arrives and the subscription is resent
	require.Eventually(t, func() bool {
		return fs.connCount() >= 2 && fs.subscribeFramesFor("BTC/USD") >= 2
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)

	stateMu.Lock()
	defer stateMu.Unlock()

	// Connected -> Reconnecting -> Connected
	var sawReconnecting bool
	for i, s := range states {
		if s == Reconnecting {
			sawReconnecting = true
			require.Less(t, i, len(states)-1)
		}
	}
	assert.True(t, sawReconnecting, "state transitions: %v", states)
	assert.Equal(t, Connected, states[len(states)-1])

	require.NotEmpty(t, reconnects)
	assert.Equal(t, 1, reconnects[0].Attempt)
	assert.Equal(t, "connection lost", reconnects[0].Reason)
	assert.GreaterOrEqual(t, c.GetMetrics().ReconnectAttempts, int64(1))
}

// TestPausedSubscriptionNotResent verifies the reconnect loop skips paused
// subscriptions.
func TestPausedSubscriptionNotResent(t *testing.T) {
	fs := newFeedServer(t)

	c := WithConfig(NewConfig().
		URL(fs.url()).
		Backoff(fastBackoff()).
		Build())
	c.RunAsync()
	t.Cleanup(c.Stop)

	require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)

	active, err := c.Subscribe(market.ChannelTicker, []string{"BTC/USD"})
	require.NoError(t, err)
	paused, err := c.Subscribe(market.ChannelTicker, []string{"ETH/USD"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return fs.subscribeFramesFor("ETH/USD") == 1
	}, 2*time.Second, 10*time.Millisecond)
	paused.Pause()

	fs.killLive()

	require.Eventually(t, func() bool {
		return fs.subscribeFramesFor("BTC/USD") >= 2
	}, 5*time.Second, 10*time.Millisecond)

	// the paused subscription must not have been resent
	assert.Equal(t, 1, fs.subscribeFramesFor("ETH/USD"))
	assert.True(t, active.IsActive())
	assert.True(t, paused.IsPaused())
}

// TestReconnectGivesUpAfterMaxAttempts points the client at a dead
// endpoint with a tiny attempt budget.
func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	var errMu sync.Mutex
	var errs []*Error

	c := WithConfig(NewConfig().
		URL("ws://127.0.0.1:1").
		Backoff(NewExponentialBackoff(ExponentialConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2.0,
			Jitter:       0,
			MaxAttempts:  3,
		})).
		CircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: 100, // keep the breaker out of this scenario
			SuccessThreshold: 1,
			MinOpenTime:      10 * time.Millisecond,
			FailureWindow:    time.Minute,
		}).
		ConnectionTimeouts(ConnectionTimeouts{Dial: 200 * time.Millisecond}).
		Build())
	c.OnError(func(e *Error) {
		errMu.Lock()
		errs = append(errs, e)
		errMu.Unlock()
	})

	c.RunAsync()
	t.Cleanup(c.Stop)

	require.Eventually(t, func() bool {
		errMu.Lock()
		defer errMu.Unlock()
		for _, e := range errs {
			if e.Kind == ErrConnectionFailed && strings.Contains(e.Message, "maximum attempts") {
				return true
			}
		}
		return false
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, Disconnected, c.ConnectionState())
}
