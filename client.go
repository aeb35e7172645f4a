// Package kraken is a client for the Kraken v2 streaming market-data API.
//
// A Client maintains one secure WebSocket session, multiplexes
// subscriptions onto it, keeps local ticker and order-book state, validates
// book integrity against the exchange checksum, evaluates alert strategies,
// and reconnects transparently with exponential backoff behind a circuit
// breaker. Events reach the caller through registered callbacks; the
// client is read-only on private channels.
package kraken

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/charleschow/kraken-stream/internal/book"
	"github.com/charleschow/kraken-stream/internal/codec"
	"github.com/charleschow/kraken-stream/internal/gap"
	"github.com/charleschow/kraken-stream/internal/queue"
	"github.com/charleschow/kraken-stream/internal/telemetry"
	"github.com/charleschow/kraken-stream/internal/transport"
	"github.com/charleschow/kraken-stream/market"
	"github.com/charleschow/kraken-stream/recorder"
)

// ConnectionState is the client's transport lifecycle state.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// dispatchPollInterval bounds how long the dispatcher sleeps on an empty
// queue before rechecking the stop flag.
const dispatchPollInterval = 2 * time.Millisecond

// Client owns the connection, the SPSC queue, the subscription registry,
// the book store, the ticker cache, the strategy engine, and the gap
// tracker. Exactly one reader and one dispatcher goroutine run at any
// instant.
type Client struct {
	cfg     Config
	cb      callbacks
	metrics *telemetry.Registry

	books      *book.Engine
	gaps       *gap.Tracker
	strategies *strategyEngine
	queue      *queue.SPSC[codec.Message]
	rec        *recorder.Store
	limiter    *rate.Limiter

	connMu sync.Mutex
	conn   *transport.Conn

	subsMu    sync.Mutex
	subs      map[int]*Subscription
	nextSubID int

	tickersMu sync.RWMutex
	tickers   map[string]market.Ticker

	backoff BackoffStrategy
	breaker *CircuitBreaker
	resync  singleflight.Group

	state         atomic.Int32
	running       atomic.Bool
	stopRequested atomic.Bool
	stopOnce      sync.Once
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// New returns a client with the default configuration (public endpoint,
// conservative backoff, checksum validation on).
func New() *Client {
	return WithConfig(NewConfig().Build())
}

// WithConfig returns a client using cfg. Zero-valued fields get defaults.
func WithConfig(cfg Config) *Client {
	applyDefaults(&cfg)

	if cfg.LogLevel != "" {
		telemetry.Init(telemetry.ParseLogLevel(cfg.LogLevel))
	}

	c := &Client{
		cfg:        cfg,
		metrics:    telemetry.NewRegistry(),
		books:      book.NewEngine(),
		strategies: newStrategyEngine(),
		queue:      queue.NewSPSC[codec.Message](cfg.QueueCapacity),
		subs:       make(map[int]*Subscription),
		nextSubID:  1,
		tickers:    make(map[string]market.Ticker),
		backoff:    cfg.Backoff,
		breaker:    NewCircuitBreaker(cfg.CircuitBreaker),
		stopCh:     make(chan struct{}),
	}
	c.gaps = gap.NewTracker(cfg.Gap.Enabled, cfg.Gap.Tolerance, c.onGap)

	if cfg.RateLimit.Enabled {
		burst := cfg.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSec), burst)
	}

	if cfg.RecorderPath != "" {
		rec, err := recorder.Open(cfg.RecorderPath)
		if err != nil {
			telemetry.Warnf("kraken: recorder disabled: %v", err)
		} else {
			c.rec = rec
		}
	}

	return c
}

//------------------------------------------------------------------------------
// Lifecycle
//------------------------------------------------------------------------------

// Run starts the pipeline. Online it blocks until Stop; in offline mode it
// starts the dispatcher (when queueing is enabled) and returns immediately
// so messages can be injected through the ReplayEngine.
func (c *Client) Run() error {
	if !c.running.CompareAndSwap(false, true) {
		return newError(ErrInvalidArgument, "client is already running", "")
	}

	if c.cfg.UseQueue {
		c.wg.Add(1)
		go c.dispatcherLoop()
	}

	if c.cfg.OfflineMode {
		return nil
	}

	c.wg.Add(1)
	go c.readerLoop()

	<-c.stopCh
	return nil
}

// RunAsync is the non-blocking variant of Run.
func (c *Client) RunAsync() {
	go func() { _ = c.Run() }()
}

// Stop signals both goroutines, closes the connection so the blocked
// Receive errors out, and joins. Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.stopRequested.Store(true)
		close(c.stopCh)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.connMu.Unlock()

		c.wg.Wait()
		c.running.Store(false)
		c.setState(Disconnected)

		if c.rec != nil {
			c.rec.Close()
		}
	})
}

func (c *Client) IsRunning() bool { return c.running.Load() }

func (c *Client) IsConnected() bool { return c.ConnectionState() == Connected }

func (c *Client) ConnectionState() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Client) setState(s ConnectionState) {
	if ConnectionState(c.state.Swap(int32(s))) != s {
		c.emitConnectionState(s)
	}
}

//------------------------------------------------------------------------------
// Subscriptions
//------------------------------------------------------------------------------

// Subscribe opens a subscription on a public channel. Private channels are
// routed through the authenticated path and ignore the symbol list (they
// are account-scoped).
func (c *Client) Subscribe(ch market.Channel, symbols []string) (*Subscription, error) {
	if ch.IsPrivate() {
		return c.subscribePrivate(ch)
	}
	if err := validateSymbols(symbols); err != nil {
		return nil, err
	}
	return c.register(ch, symbols, 0), nil
}

// SubscribeBook opens a book subscription at the given depth (default 10).
func (c *Client) SubscribeBook(symbols []string, depth int) (*Subscription, error) {
	if err := validateSymbols(symbols); err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 10
	}
	if depth > 1000 {
		return nil, errorf(ErrInvalidArgument, "book depth %d exceeds maximum of 1000", depth)
	}
	return c.register(market.ChannelBook, symbols, depth), nil
}

// SubscribeOrders streams the account's order updates.
func (c *Client) SubscribeOrders() (*Subscription, error) {
	return c.subscribePrivate(market.ChannelOrder)
}

// SubscribeOwnTrades streams fills on the account's own orders.
func (c *Client) SubscribeOwnTrades() (*Subscription, error) {
	return c.subscribePrivate(market.ChannelOwnTrade)
}

// SubscribeBalances streams the account's balance updates.
func (c *Client) SubscribeBalances() (*Subscription, error) {
	return c.subscribePrivate(market.ChannelBalance)
}

func (c *Client) subscribePrivate(ch market.Channel) (*Subscription, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errorf(ErrAuthentication, "channel %s requires api key and secret", ch)
	}
	return c.register(ch, nil, 0), nil
}

func (c *Client) register(ch market.Channel, symbols []string, depth int) *Subscription {
	c.subsMu.Lock()
	id := c.nextSubID
	c.nextSubID++
	sub := newSubscription(id, ch, symbols, depth, c.sendSubscribeFrame, c.sendUnsubscribeFrame)
	c.subs[id] = sub
	c.subsMu.Unlock()

	c.sendSubscribeFrame(ch, symbols, depth)
	return sub
}

// resubscribeAll resends the subscribe frame for every active, non-paused
// subscription, in id order. Called after each successful reconnection.
func (c *Client) resubscribeAll() {
	c.subsMu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]*Subscription, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, c.subs[id])
	}
	c.subsMu.Unlock()

	for _, sub := range subs {
		symbols, depth, active, paused := sub.snapshot()
		if active && !paused {
			c.sendSubscribeFrame(sub.Channel(), symbols, depth)
		}
	}
}

func (c *Client) sendSubscribeFrame(ch market.Channel, symbols []string, depth int) {
	var data []byte
	var err error
	if ch.IsPrivate() {
		data, err = codec.BuildPrivateSubscribe(ch, c.authToken())
	} else {
		data, err = codec.BuildSubscribe(ch, symbols, depth)
	}
	if err != nil {
		c.emitError(errorf(ErrInvalidArgument, "build subscribe frame: %v", err))
		return
	}
	c.safeSend(data)
}

func (c *Client) sendUnsubscribeFrame(ch market.Channel, symbols []string) {
	var data []byte
	var err error
	if ch.IsPrivate() {
		data, err = codec.BuildPrivateUnsubscribe(ch, c.authToken())
	} else {
		data, err = codec.BuildUnsubscribe(ch, symbols)
	}
	if err != nil {
		c.emitError(errorf(ErrInvalidArgument, "build unsubscribe frame: %v", err))
		return
	}
	c.safeSend(data)
}

// safeSend writes one frame on the live connection. Failures surface via
// the error callback rather than the caller; in offline mode there is no
// connection and sends are silently dropped.
func (c *Client) safeSend(data []byte) {
	if c.cfg.OfflineMode {
		return
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil {
		// not connected yet: the subscribe is resent by resubscribeAll on
		// the first successful connection
		return
	}
	if !conn.IsOpen() {
		c.emitError(newError(ErrConnectionClosed, "cannot send: connection not open", ""))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := conn.Send(ctx, data); err != nil {
		if errors.Is(err, transport.ErrRateLimited) {
			c.emitError(newError(ErrRateLimited, "send rate limit exceeded", err.Error()))
			return
		}
		c.emitError(newError(ErrConnectionClosed, "send failed", err.Error()))
	}
}

// authToken derives the websocket auth token from the configured
// credentials: HMAC-SHA512 of the API key under the base64-decoded secret.
func (c *Client) authToken() string {
	secret, err := base64.StdEncoding.DecodeString(c.cfg.APISecret)
	if err != nil {
		secret = []byte(c.cfg.APISecret)
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(c.cfg.APIKey))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

//------------------------------------------------------------------------------
// Strategies
//------------------------------------------------------------------------------

// AddAlert registers a strategy with its callback and returns the alert id.
func (c *Client) AddAlert(s AlertStrategy, cb AlertCallback) int {
	return c.strategies.add(s, cb)
}

func (c *Client) RemoveAlert(id int) { c.strategies.remove(id) }

func (c *Client) EnableAlert(id int) { c.strategies.setEnabled(id, true) }

func (c *Client) DisableAlert(id int) { c.strategies.setEnabled(id, false) }

func (c *Client) IsAlertEnabled(id int) bool { return c.strategies.isEnabled(id) }

func (c *Client) AlertCount() int { return c.strategies.count() }

func (c *Client) GetAlerts() []AlertInfo { return c.strategies.alerts() }

//------------------------------------------------------------------------------
// Reader / dispatcher
//------------------------------------------------------------------------------

func (c *Client) newConn() *transport.Conn {
	return transport.New(transport.Config{
		URL:          c.cfg.URL,
		DialTimeout:  c.cfg.Timeouts.Dial,
		ReadTimeout:  c.cfg.Timeouts.Read,
		WriteTimeout: c.cfg.Timeouts.Write,
		TLS:          c.cfg.Security.TLSConfig(),
		Limiter:      c.limiter,
	})
}

// readerLoop owns the connection lifecycle: dial, read until fault,
// reconnect, repeat. The reconnect state machine runs on this goroutine.
func (c *Client) readerLoop() {
	defer c.wg.Done()

	c.setState(Connecting)
	if !c.dialOnce() {
		if !c.reconnectLoop("initial connection failed") {
			return
		}
	}

	for {
		c.readFrames()
		if c.stopRequested.Load() {
			return
		}
		c.setState(Reconnecting)
		if !c.reconnectLoop("connection lost") {
			return
		}
	}
}

// dialOnce constructs a fresh connection and attempts to connect. On
// success it installs the connection, resets backoff and gap tracking,
// and resubscribes everything active.
func (c *Client) dialOnce() bool {
	conn := c.newConn()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.Dial)
	err := conn.Connect(ctx)
	cancel()

	if err != nil {
		c.breaker.RecordFailure()
		c.emitError(newError(ErrConnectionFailed, "connect failed", err.Error()))
		return false
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.breaker.RecordSuccess()
	c.backoff.Reset()
	c.gaps.ResetAll()
	c.resubscribeAll()
	c.setState(Connected)
	telemetry.Infof("kraken: connected to %s", c.cfg.URL)
	return true
}

// reconnectLoop retries until connected, stopped, or the backoff budget is
// exhausted. Returns true when a connection was established.
func (c *Client) reconnectLoop(reason string) bool {
	c.backoff.Reset()

	for !c.stopRequested.Load() {
		if !c.breaker.CanAttempt() {
			c.emitError(newError(ErrConnectionFailed,
				"circuit breaker is open - connection failures exceeded threshold", ""))
			if !c.sleep(c.breaker.Config().MinOpenTime) {
				return false
			}
			continue
		}

		if c.backoff.ShouldStop() {
			break
		}

		attempt := c.backoff.CurrentAttempt()
		delay := c.backoff.NextDelay()

		if fn := c.cfg.OnReconnect; fn != nil {
			c.invoke("reconnect", func() {
				fn(ReconnectEvent{
					Attempt:     attempt,
					MaxAttempts: c.backoff.MaxAttempts(),
					Delay:       delay,
					Reason:      reason,
				})
			})
		}
		c.metrics.ReconnectAttempts.Inc()
		telemetry.Warnf("kraken: reconnecting (attempt %d) in %s", attempt, delay)

		if delay > 0 && !c.sleep(delay) {
			return false
		}
		if c.stopRequested.Load() {
			return false
		}

		if c.dialOnce() {
			return true
		}
	}

	c.setState(Disconnected)
	c.emitError(newError(ErrConnectionFailed, "failed to reconnect after maximum attempts", ""))
	return false
}

// sleep waits for d or until Stop. False means stop was requested.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

// readFrames pumps the connection until a transport error. Frames are
// parsed here on the reader goroutine and handed to the dispatcher through
// the SPSC queue.
func (c *Client) readFrames() {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return
	}

	for {
		data, err := conn.Receive()
		if err != nil {
			if !c.stopRequested.Load() {
				telemetry.Warnf("kraken: read error: %v", err)
				c.emitError(newError(ErrConnectionClosed, "connection lost", err.Error()))
			}
			conn.Close()
			return
		}

		c.metrics.MessagesReceived.Inc()

		msgs, perr := codec.Parse(data)
		if perr != nil {
			c.metrics.ParseErrors.Inc()
			c.emitError(newError(ErrParse, "failed to parse frame", perr.Error()))
			continue
		}
		for _, m := range msgs {
			c.ingest(m)
		}
	}
}

// ingest hands one parsed message to the dispatcher. With queueing
// disabled (offline replay) dispatch happens inline on the caller.
func (c *Client) ingest(m codec.Message) {
	if !c.cfg.UseQueue {
		c.dispatch(m)
		return
	}
	if !c.queue.TryPush(m) {
		c.metrics.MessagesDropped.Inc()
		c.emitError(newError(ErrQueueOverflow, "dispatch queue full, message dropped", ""))
		return
	}
	c.metrics.QueueDepth.Set(int64(c.queue.Depth()))
}

// dispatcherLoop drains the queue, polling at a bounded interval so the
// stop flag is always observed promptly.
func (c *Client) dispatcherLoop() {
	defer c.wg.Done()

	for {
		m, ok := c.queue.Pop()
		if !ok {
			if c.stopRequested.Load() {
				return
			}
			select {
			case <-c.stopCh:
				return
			case <-time.After(dispatchPollInterval):
			}
			continue
		}
		c.metrics.QueueDepth.Set(int64(c.queue.Depth()))
		c.dispatch(m)
	}
}

// dispatch applies one message to local state and fans it out to user
// callbacks and the strategy engine.
func (c *Client) dispatch(m codec.Message) {
	start := time.Now()

	switch m.Kind {
	case codec.KindTicker:
		t := m.Ticker
		c.tickersMu.Lock()
		c.tickers[t.Symbol] = t
		c.tickersMu.Unlock()
		c.emitTicker(t)
		c.strategies.dispatchTicker(c, t, c.onAlert)

	case codec.KindTrade:
		c.emitTrade(m.Trade)

	case codec.KindBookSnapshot:
		b := c.books.ApplySnapshot(m.Book)
		if c.verifyChecksum(b) {
			c.emitBook(b)
		}

	case codec.KindBookUpdate:
		b, ok := c.books.ApplyUpdate(m.Book.Symbol, m.Book.Bids, m.Book.Asks, m.Book.Checksum)
		if !ok {
			// update before snapshot (or mid-resync): nothing to apply to
			telemetry.Debugf("kraken: book update for %s without snapshot", m.Book.Symbol)
			break
		}
		if c.verifyChecksum(b) {
			c.emitBook(b)
		}

	case codec.KindOHLC:
		c.emitOHLC(m.OHLC)

	case codec.KindOrder:
		c.gaps.Observe("executions", m.Order.Symbol, m.Seq)
		c.emitOrder(m.Order)

	case codec.KindOwnTrade:
		c.gaps.Observe("executions", m.OwnTrade.Symbol, m.Seq)
		c.emitOwnTrade(m.OwnTrade)
		if c.rec != nil {
			if err := c.rec.RecordOwnTrade(m.OwnTrade); err != nil {
				telemetry.Warnf("kraken: record own trade: %v", err)
			}
		}

	case codec.KindBalanceSnapshot:
		c.gaps.Observe("balances", "", m.Seq)
		for _, b := range m.Balances {
			c.emitBalance(b)
		}

	case codec.KindSubscribed:
		if ch, ok := market.ParseChannel(m.Ack.Channel); ok {
			c.emitSubscribed(ch, m.Ack.Symbols)
		}

	case codec.KindStatus:
		telemetry.Infof("kraken: exchange status: system=%s version=%s",
			m.Status.System, m.Status.APIVersion)

	case codec.KindError:
		c.emitError(newError(ErrInvalidArgument, "exchange error", m.ErrMsg))

	case codec.KindUnsubscribed, codec.KindHeartbeat, codec.KindUnknown:
	}

	c.metrics.MessagesProcessed.Inc()
	if c.cfg.Telemetry.Metrics {
		c.metrics.DispatchLatency.Record(time.Since(start))
	}
}

// verifyChecksum recomputes the top-of-book checksum and, on mismatch,
// drops the local book and forces a fresh snapshot by resubscribing the
// symbol. Returns false when the book diverged.
func (c *Client) verifyChecksum(b market.OrderBook) bool {
	if !c.cfg.ValidateChecksums || b.Checksum == 0 {
		return true
	}
	local := c.books.Checksum(b)
	if local == b.Checksum {
		return true
	}

	c.metrics.ChecksumFailures.Inc()
	c.emitError(errorf(ErrChecksumMismatch,
		"book checksum mismatch for %s: local=%d exchange=%d", b.Symbol, local, b.Checksum))
	c.resyncSymbol(b.Symbol)
	return false
}

// resyncSymbol unsubscribes and resubscribes one book symbol so the
// exchange sends a new snapshot. The local book is dropped first, which
// makes further deltas no-ops until the snapshot arrives; concurrent
// resyncs of the same symbol collapse into one flight.
func (c *Client) resyncSymbol(symbol string) {
	c.books.Remove(symbol)

	c.subsMu.Lock()
	var depth int
	found := false
	for _, sub := range c.subs {
		symbols, d, active, paused := sub.snapshot()
		if sub.Channel() == market.ChannelBook && active && !paused && containsSymbol(symbols, symbol) {
			depth = d
			found = true
			break
		}
	}
	c.subsMu.Unlock()

	if !found {
		return
	}

	go c.resync.Do(symbol, func() (any, error) {
		c.sendUnsubscribeFrame(market.ChannelBook, []string{symbol})
		c.sendSubscribeFrame(market.ChannelBook, []string{symbol}, depth)
		return nil, nil
	})
}

// onAlert runs once per fired alert, before the user callback.
func (c *Client) onAlert(a market.Alert) {
	c.metrics.AlertsTriggered.Inc()
	if c.rec != nil {
		if err := c.rec.RecordAlert(a); err != nil {
			telemetry.Warnf("kraken: record alert: %v", err)
		}
	}
}

// onGap is the tracker's callback: count it, then hand it to the user.
func (c *Client) onGap(info market.GapInfo) {
	c.metrics.GapsDetected.Inc()
	if fn := c.cfg.OnGap; fn != nil {
		c.invoke("gap", func() { fn(info) })
	}
}
