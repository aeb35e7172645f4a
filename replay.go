package kraken

import (
	"github.com/charleschow/kraken-stream/internal/codec"
	"github.com/charleschow/kraken-stream/market"
)

// ReplayEngine synthesizes parsed messages and feeds them through the same
// dispatch path the reader uses. It is the offline-mode testing seam: with
// OfflineMode set no reader goroutine runs, and injected messages are the
// only input.
type ReplayEngine struct {
	c *Client
}

// Replay returns the client's injection surface.
func (c *Client) Replay() *ReplayEngine {
	return &ReplayEngine{c: c}
}

func (r *ReplayEngine) InjectTicker(t market.Ticker) {
	r.c.ingest(codec.Message{Kind: codec.KindTicker, Ticker: t})
}

func (r *ReplayEngine) InjectTrade(t market.Trade) {
	r.c.ingest(codec.Message{Kind: codec.KindTrade, Trade: t})
}

func (r *ReplayEngine) InjectBookSnapshot(b market.OrderBook) {
	r.c.ingest(codec.Message{Kind: codec.KindBookSnapshot, Book: b})
}

func (r *ReplayEngine) InjectBookUpdate(b market.OrderBook) {
	r.c.ingest(codec.Message{Kind: codec.KindBookUpdate, Book: b})
}

func (r *ReplayEngine) InjectOHLC(o market.OHLC) {
	r.c.ingest(codec.Message{Kind: codec.KindOHLC, OHLC: o})
}

func (r *ReplayEngine) InjectOrder(o market.Order, seq uint64) {
	r.c.ingest(codec.Message{Kind: codec.KindOrder, Order: o, Seq: seq})
}

func (r *ReplayEngine) InjectOwnTrade(t market.OwnTrade, seq uint64) {
	r.c.ingest(codec.Message{Kind: codec.KindOwnTrade, OwnTrade: t, Seq: seq})
}

func (r *ReplayEngine) InjectBalances(balances []market.Balance, seq uint64) {
	r.c.ingest(codec.Message{Kind: codec.KindBalanceSnapshot, Balances: balances, Seq: seq})
}

// InjectFrame parses a raw JSON frame and dispatches the result, exactly
// as if it had arrived on the wire. Parse failures are surfaced through
// the error callback like live traffic.
func (r *ReplayEngine) InjectFrame(data []byte) {
	r.c.metrics.MessagesReceived.Inc()
	msgs, err := codec.Parse(data)
	if err != nil {
		r.c.metrics.ParseErrors.Inc()
		r.c.emitError(newError(ErrParse, "failed to parse frame", err.Error()))
		return
	}
	for _, m := range msgs {
		r.c.ingest(m)
	}
}
