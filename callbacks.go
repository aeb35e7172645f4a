package kraken

import (
	"sync"

	"github.com/charleschow/kraken-stream/internal/telemetry"
	"github.com/charleschow/kraken-stream/market"
)

// callbacks is the shared mutable handler table. Replacement during
// operation is allowed: a handler being swapped out finishes its current
// invocation under the read lock before the writer proceeds.
type callbacks struct {
	mu         sync.RWMutex
	ticker     func(market.Ticker)
	trade      func(market.Trade)
	book       func(market.OrderBook)
	ohlc       func(market.OHLC)
	order      func(market.Order)
	ownTrade   func(market.OwnTrade)
	balance    func(market.Balance)
	err        func(*Error)
	connState  func(ConnectionState)
	subscribed func(market.Channel, []string)
}

// OnTicker registers the ticker handler. Registration never requires
// authentication; only private subscriptions do.
func (c *Client) OnTicker(fn func(market.Ticker)) {
	c.cb.mu.Lock()
	c.cb.ticker = fn
	c.cb.mu.Unlock()
}

func (c *Client) OnTrade(fn func(market.Trade)) {
	c.cb.mu.Lock()
	c.cb.trade = fn
	c.cb.mu.Unlock()
}

func (c *Client) OnBook(fn func(market.OrderBook)) {
	c.cb.mu.Lock()
	c.cb.book = fn
	c.cb.mu.Unlock()
}

func (c *Client) OnOHLC(fn func(market.OHLC)) {
	c.cb.mu.Lock()
	c.cb.ohlc = fn
	c.cb.mu.Unlock()
}

func (c *Client) OnOrder(fn func(market.Order)) {
	c.cb.mu.Lock()
	c.cb.order = fn
	c.cb.mu.Unlock()
}

func (c *Client) OnOwnTrade(fn func(market.OwnTrade)) {
	c.cb.mu.Lock()
	c.cb.ownTrade = fn
	c.cb.mu.Unlock()
}

func (c *Client) OnBalance(fn func(market.Balance)) {
	c.cb.mu.Lock()
	c.cb.balance = fn
	c.cb.mu.Unlock()
}

func (c *Client) OnError(fn func(*Error)) {
	c.cb.mu.Lock()
	c.cb.err = fn
	c.cb.mu.Unlock()
}

func (c *Client) OnConnectionState(fn func(ConnectionState)) {
	c.cb.mu.Lock()
	c.cb.connState = fn
	c.cb.mu.Unlock()
}

func (c *Client) OnSubscribed(fn func(market.Channel, []string)) {
	c.cb.mu.Lock()
	c.cb.subscribed = fn
	c.cb.mu.Unlock()
}

// invoke runs one user callback behind the failure barrier: a panic is
// translated into a Callback error event and the pipeline continues.
func (c *Client) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.Warnf("kraken: %s callback panicked: %v", name, r)
			c.emitError(errorf(ErrCallback, "%s callback panicked: %v", name, r))
		}
	}()
	fn()
}

// emitError delivers an error event to the user's error callback. A panic
// from the error callback itself is swallowed.
func (c *Client) emitError(e *Error) {
	c.cb.mu.RLock()
	fn := c.cb.err
	c.cb.mu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			telemetry.Warnf("kraken: error callback panicked: %v", r)
		}
	}()
	fn(e)
}

func (c *Client) emitTicker(t market.Ticker) {
	c.cb.mu.RLock()
	fn := c.cb.ticker
	c.cb.mu.RUnlock()
	if fn != nil {
		c.invoke("ticker", func() { fn(t) })
	}
}

func (c *Client) emitTrade(t market.Trade) {
	c.cb.mu.RLock()
	fn := c.cb.trade
	c.cb.mu.RUnlock()
	if fn != nil {
		c.invoke("trade", func() { fn(t) })
	}
}

func (c *Client) emitBook(b market.OrderBook) {
	c.cb.mu.RLock()
	fn := c.cb.book
	c.cb.mu.RUnlock()
	if fn != nil {
		c.invoke("book", func() { fn(b) })
	}
}

func (c *Client) emitOHLC(o market.OHLC) {
	c.cb.mu.RLock()
	fn := c.cb.ohlc
	c.cb.mu.RUnlock()
	if fn != nil {
		c.invoke("ohlc", func() { fn(o) })
	}
}

func (c *Client) emitOrder(o market.Order) {
	c.cb.mu.RLock()
	fn := c.cb.order
	c.cb.mu.RUnlock()
	if fn != nil {
		c.invoke("order", func() { fn(o) })
	}
}

func (c *Client) emitOwnTrade(t market.OwnTrade) {
	c.cb.mu.RLock()
	fn := c.cb.ownTrade
	c.cb.mu.RUnlock()
	if fn != nil {
		c.invoke("own_trade", func() { fn(t) })
	}
}

func (c *Client) emitBalance(b market.Balance) {
	c.cb.mu.RLock()
	fn := c.cb.balance
	c.cb.mu.RUnlock()
	if fn != nil {
		c.invoke("balance", func() { fn(b) })
	}
}

func (c *Client) emitSubscribed(ch market.Channel, symbols []string) {
	c.cb.mu.RLock()
	fn := c.cb.subscribed
	c.cb.mu.RUnlock()
	if fn != nil {
		c.invoke("subscribed", func() { fn(ch, symbols) })
	}
}

func (c *Client) emitConnectionState(s ConnectionState) {
	c.cb.mu.RLock()
	fn := c.cb.connState
	c.cb.mu.RUnlock()
	if fn != nil {
		c.invoke("connection_state", func() { fn(s) })
	}
}
