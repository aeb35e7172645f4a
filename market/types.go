// Package market holds the data types carried on the Kraken v2 streaming
// feed: tickers, trades, order books, OHLC candles, and the private
// account records (orders, own trades, balances).
package market

import "time"

// Side is the taker side of a trade or the side of an order.
type Side int

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide maps the wire strings "buy"/"sell" to a Side.
func ParseSide(s string) Side {
	switch s {
	case "buy":
		return SideBuy
	case "sell":
		return SideSell
	default:
		return SideUnknown
	}
}

// Channel identifies a stream on the exchange feed.
// Order, OwnTrade, and Balance are private and require authentication.
type Channel int

const (
	ChannelTicker Channel = iota
	ChannelTrade
	ChannelBook
	ChannelOHLC
	ChannelOrder
	ChannelOwnTrade
	ChannelBalance
)

// Name returns the wire name of the channel. Order and OwnTrade share the
// "executions" channel on the v2 API.
func (c Channel) Name() string {
	switch c {
	case ChannelTicker:
		return "ticker"
	case ChannelTrade:
		return "trade"
	case ChannelBook:
		return "book"
	case ChannelOHLC:
		return "ohlc"
	case ChannelOrder, ChannelOwnTrade:
		return "executions"
	case ChannelBalance:
		return "balances"
	default:
		return "unknown"
	}
}

func (c Channel) String() string { return c.Name() }

// ParseChannel maps a wire channel name back to a Channel. The shared
// "executions" channel resolves to ChannelOrder.
func ParseChannel(name string) (Channel, bool) {
	switch name {
	case "ticker":
		return ChannelTicker, true
	case "trade":
		return ChannelTrade, true
	case "book":
		return ChannelBook, true
	case "ohlc":
		return ChannelOHLC, true
	case "executions":
		return ChannelOrder, true
	case "balances":
		return ChannelBalance, true
	default:
		return ChannelTicker, false
	}
}

// IsPrivate reports whether subscribing to the channel requires an auth token.
func (c Channel) IsPrivate() bool {
	switch c {
	case ChannelOrder, ChannelOwnTrade, ChannelBalance:
		return true
	default:
		return false
	}
}

// Ticker is a best bid/ask snapshot for one symbol.
type Ticker struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	Volume24h float64
	High      float64
	Low       float64
	Timestamp time.Time
}

// Spread returns ask minus bid.
func (t Ticker) Spread() float64 { return t.Ask - t.Bid }

// Trade is one public trade print.
type Trade struct {
	Symbol    string
	Price     float64
	Quantity  float64
	Side      Side
	Timestamp time.Time
}

// PriceLevel is one rung of an order-book ladder.
type PriceLevel struct {
	Price float64
	Qty   float64
}

// OrderBook is the sorted ladders for one symbol. Bids are descending in
// price, asks ascending. Symbol is fixed for the lifetime of the book.
type OrderBook struct {
	Symbol   string
	Bids     []PriceLevel
	Asks     []PriceLevel
	Checksum uint32
}

// BestBid returns the top bid level, or false when the side is empty.
func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, or false when the side is empty.
func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// OHLC is one candle on an interval.
type OHLC struct {
	Symbol    string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	VWAP      float64
	Interval  int // minutes
	Timestamp time.Time
}

// OrderType is the execution type of an order.
type OrderType int

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "limit"
	case OrderTypeMarket:
		return "market"
	default:
		return "unknown"
	}
}

// OrderStatus is the lifecycle state of an order on the exchange.
type OrderStatus int

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusPending
	OrderStatusOpen
	OrderStatusFilled
	OrderStatusCanceled
	OrderStatusExpired
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPending:
		return "pending"
	case OrderStatusOpen:
		return "open"
	case OrderStatusFilled:
		return "filled"
	case OrderStatusCanceled:
		return "canceled"
	case OrderStatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Order is an account-scoped order update from the executions channel.
type Order struct {
	OrderID   string
	Symbol    string
	Side      Side
	Type      OrderType
	Status    OrderStatus
	Price     float64
	Quantity  float64
	Filled    float64
	Remaining float64
	Timestamp time.Time
}

// FillPercentage returns filled quantity as a percentage of the order size.
func (o Order) FillPercentage() float64 {
	if o.Quantity == 0 {
		return 0
	}
	return o.Filled / o.Quantity * 100
}

// IsFilled reports whether the order is completely filled.
func (o Order) IsFilled() bool { return o.Quantity > 0 && o.Filled >= o.Quantity }

// OwnTrade is a fill on one of the account's own orders.
type OwnTrade struct {
	TradeID     string
	OrderID     string
	Symbol      string
	Side        Side
	Price       float64
	Quantity    float64
	Fee         float64
	FeeCurrency string
	Timestamp   time.Time
}

// Value returns price times quantity.
func (t OwnTrade) Value() float64 { return t.Price * t.Quantity }

// NetValue returns Value minus the fee.
func (t OwnTrade) NetValue() float64 { return t.Value() - t.Fee }

// Balance is one asset balance on the account.
type Balance struct {
	Currency  string
	Available float64
	Reserved  float64
	Total     float64
}

// Alert is produced by an alert strategy when its predicate fires.
type Alert struct {
	StrategyName string
	Symbol       string
	Message      string
	Price        float64
	TriggeredAt  time.Time
}

// GapInfo describes a skip in a monotonic sequence-numbered private feed.
type GapInfo struct {
	Channel    string
	Symbol     string
	LastSeq    uint64
	CurrentSeq uint64
	GapSize    uint64
}
