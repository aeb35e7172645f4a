// Package codec translates between raw Kraken v2 WebSocket frames and the
// tagged messages the dispatch pipeline consumes.
//
// Inbound frames look like:
//
//	{"channel":"ticker","type":"update","data":[{...}]}
//
// plus meta frames for subscribe acks, heartbeats, status, and errors.
// Numeric fields frequently arrive as JSON strings; they are parsed with
// strconv.ParseFloat so decimal handling never depends on process locale.
package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/charleschow/kraken-stream/market"
)

// Kind tags a parsed message.
type Kind int

const (
	KindUnknown Kind = iota
	KindTicker
	KindTrade
	KindBookSnapshot
	KindBookUpdate
	KindOHLC
	KindOrder
	KindOwnTrade
	KindBalanceSnapshot
	KindSubscribed
	KindUnsubscribed
	KindHeartbeat
	KindStatus
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindTicker:
		return "ticker"
	case KindTrade:
		return "trade"
	case KindBookSnapshot:
		return "book_snapshot"
	case KindBookUpdate:
		return "book_update"
	case KindOHLC:
		return "ohlc"
	case KindOrder:
		return "order"
	case KindOwnTrade:
		return "own_trade"
	case KindBalanceSnapshot:
		return "balance_snapshot"
	case KindSubscribed:
		return "subscribed"
	case KindUnsubscribed:
		return "unsubscribed"
	case KindHeartbeat:
		return "heartbeat"
	case KindStatus:
		return "status"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// SubscribeAck is the parsed acknowledgement of a subscribe or unsubscribe
// request.
type SubscribeAck struct {
	Channel string
	Symbols []string
	Depth   int
	Success bool
}

// Status is the parsed content of a status frame.
type Status struct {
	System       string
	APIVersion   string
	ConnectionID uint64
	Version      string
}

// Message is one parsed inbound frame entry. Kind selects which payload
// field is meaningful. A plain struct (rather than an interface) keeps the
// SPSC ring free of per-message allocations.
type Message struct {
	Kind     Kind
	Ticker   market.Ticker
	Trade    market.Trade
	Book     market.OrderBook
	OHLC     market.OHLC
	Order    market.Order
	OwnTrade market.OwnTrade
	Balances []market.Balance
	Ack      SubscribeAck
	Status   Status
	Seq      uint64
	ErrMsg   string
}

//------------------------------------------------------------------------------
// Wire shapes
//------------------------------------------------------------------------------

// flexFloat accepts both "51234.5" and 51234.5 on the wire. String values
// go through strconv.ParseFloat, which is locale-independent by definition.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("numeric string %q: %w", s, err)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type frame struct {
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Seq     uint64          `json:"sequence"`

	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Success *bool           `json:"success"`
	Error   string          `json:"error"`
}

type wireTicker struct {
	Symbol    string    `json:"symbol"`
	Last      flexFloat `json:"last"`
	Bid       flexFloat `json:"bid"`
	Ask       flexFloat `json:"ask"`
	Volume    flexFloat `json:"volume"`
	High      flexFloat `json:"high"`
	Low       flexFloat `json:"low"`
	Timestamp string    `json:"timestamp"`
}

type wireTrade struct {
	Symbol    string    `json:"symbol"`
	Price     flexFloat `json:"price"`
	Qty       flexFloat `json:"qty"`
	Side      string    `json:"side"`
	Timestamp string    `json:"timestamp"`
}

type wireLevel struct {
	Price flexFloat `json:"price"`
	Qty   flexFloat `json:"qty"`
}

type wireBook struct {
	Symbol   string      `json:"symbol"`
	Bids     []wireLevel `json:"bids"`
	Asks     []wireLevel `json:"asks"`
	Checksum uint32      `json:"checksum"`
}

type wireOHLC struct {
	Symbol    string    `json:"symbol"`
	Open      flexFloat `json:"open"`
	High      flexFloat `json:"high"`
	Low       flexFloat `json:"low"`
	Close     flexFloat `json:"close"`
	Volume    flexFloat `json:"volume"`
	VWAP      flexFloat `json:"vwap"`
	Interval  int       `json:"interval"`
	Timestamp string    `json:"interval_begin"`
}

type wireFee struct {
	Asset string    `json:"asset"`
	Qty   flexFloat `json:"qty"`
}

type wireExecution struct {
	OrderID     string    `json:"order_id"`
	ExecID      string    `json:"exec_id"`
	ExecType    string    `json:"exec_type"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	OrderType   string    `json:"order_type"`
	OrderStatus string    `json:"order_status"`
	LimitPrice  flexFloat `json:"limit_price"`
	OrderQty    flexFloat `json:"order_qty"`
	CumQty      flexFloat `json:"cum_qty"`
	LastPrice   flexFloat `json:"last_price"`
	LastQty     flexFloat `json:"last_qty"`
	Fees        []wireFee `json:"fees"`
	Timestamp   string    `json:"timestamp"`
	Seq         uint64    `json:"seq"`
}

type wireBalance struct {
	Asset     string    `json:"asset"`
	Balance   flexFloat `json:"balance"`
	HoldTrade flexFloat `json:"hold_trade"`
}

type wireStatus struct {
	System       string `json:"system"`
	APIVersion   string `json:"api_version"`
	ConnectionID uint64 `json:"connection_id"`
	Version      string `json:"version"`
}

type wireAckResult struct {
	Channel string          `json:"channel"`
	Symbol  json.RawMessage `json:"symbol"`
	Depth   int             `json:"depth"`
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

//------------------------------------------------------------------------------
// Parse
//------------------------------------------------------------------------------

// Parse converts one raw frame into zero or more tagged messages. Kraken
// batches entries in the data array, so one frame can fan out into several
// messages. A non-nil error means the frame could not be understood at all;
// unknown channels come back as a single KindUnknown message instead.
func Parse(data []byte) ([]Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	if f.Error != "" {
		return []Message{{Kind: KindError, ErrMsg: f.Error}}, nil
	}
	if f.Method != "" {
		return parseAck(&f)
	}

	switch f.Channel {
	case "heartbeat":
		return []Message{{Kind: KindHeartbeat}}, nil
	case "status":
		return parseStatus(&f)
	case "ticker":
		return parseTickers(&f)
	case "trade":
		return parseTrades(&f)
	case "book":
		return parseBook(&f)
	case "ohlc":
		return parseOHLC(&f)
	case "executions":
		return parseExecutions(&f)
	case "balances":
		return parseBalances(&f)
	case "":
		return nil, fmt.Errorf("frame has no channel, method, or error field")
	default:
		return []Message{{Kind: KindUnknown}}, nil
	}
}

func parseAck(f *frame) ([]Message, error) {
	kind := KindSubscribed
	switch f.Method {
	case "subscribe":
	case "unsubscribe":
		kind = KindUnsubscribed
	default:
		return []Message{{Kind: KindUnknown}}, nil
	}

	ack := SubscribeAck{Success: f.Success == nil || *f.Success}

	// Server acks carry result; our own outbound requests carry params.
	// Accepting both keeps parse(build(...)) a true round trip.
	raw := f.Result
	if len(raw) == 0 {
		raw = f.Params
	}
	if len(raw) > 0 {
		var res wireAckResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, fmt.Errorf("%s ack: %w", f.Method, err)
		}
		ack.Channel = res.Channel
		ack.Depth = res.Depth
		if len(res.Symbol) > 0 {
			if res.Symbol[0] == '[' {
				if err := json.Unmarshal(res.Symbol, &ack.Symbols); err != nil {
					return nil, fmt.Errorf("%s ack symbols: %w", f.Method, err)
				}
			} else {
				var sym string
				if err := json.Unmarshal(res.Symbol, &sym); err != nil {
					return nil, fmt.Errorf("%s ack symbol: %w", f.Method, err)
				}
				ack.Symbols = []string{sym}
			}
		}
	}

	return []Message{{Kind: kind, Ack: ack}}, nil
}

func parseStatus(f *frame) ([]Message, error) {
	var entries []wireStatus
	if err := json.Unmarshal(f.Data, &entries); err != nil {
		return nil, fmt.Errorf("status data: %w", err)
	}
	if len(entries) == 0 {
		return []Message{{Kind: KindStatus}}, nil
	}
	s := entries[0]
	return []Message{{Kind: KindStatus, Status: Status{
		System:       s.System,
		APIVersion:   s.APIVersion,
		ConnectionID: s.ConnectionID,
		Version:      s.Version,
	}}}, nil
}

func parseTickers(f *frame) ([]Message, error) {
	var entries []wireTicker
	if err := json.Unmarshal(f.Data, &entries); err != nil {
		return nil, fmt.Errorf("ticker data: %w", err)
	}
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		if e.Symbol == "" {
			return nil, fmt.Errorf("ticker entry missing symbol")
		}
		msgs = append(msgs, Message{Kind: KindTicker, Ticker: market.Ticker{
			Symbol:    e.Symbol,
			Last:      float64(e.Last),
			Bid:       float64(e.Bid),
			Ask:       float64(e.Ask),
			Volume24h: float64(e.Volume),
			High:      float64(e.High),
			Low:       float64(e.Low),
			Timestamp: parseTime(e.Timestamp),
		}})
	}
	return msgs, nil
}

func parseTrades(f *frame) ([]Message, error) {
	var entries []wireTrade
	if err := json.Unmarshal(f.Data, &entries); err != nil {
		return nil, fmt.Errorf("trade data: %w", err)
	}
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		if e.Symbol == "" {
			return nil, fmt.Errorf("trade entry missing symbol")
		}
		msgs = append(msgs, Message{Kind: KindTrade, Trade: market.Trade{
			Symbol:    e.Symbol,
			Price:     float64(e.Price),
			Quantity:  float64(e.Qty),
			Side:      market.ParseSide(e.Side),
			Timestamp: parseTime(e.Timestamp),
		}})
	}
	return msgs, nil
}

func parseBook(f *frame) ([]Message, error) {
	var entries []wireBook
	if err := json.Unmarshal(f.Data, &entries); err != nil {
		return nil, fmt.Errorf("book data: %w", err)
	}
	kind := KindBookUpdate
	if f.Type == "snapshot" {
		kind = KindBookSnapshot
	}
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		if e.Symbol == "" {
			return nil, fmt.Errorf("book entry missing symbol")
		}
		book := market.OrderBook{
			Symbol:   e.Symbol,
			Bids:     toLevels(e.Bids),
			Asks:     toLevels(e.Asks),
			Checksum: e.Checksum,
		}
		msgs = append(msgs, Message{Kind: kind, Book: book})
	}
	return msgs, nil
}

func toLevels(in []wireLevel) []market.PriceLevel {
	if len(in) == 0 {
		return nil
	}
	out := make([]market.PriceLevel, len(in))
	for i, l := range in {
		out[i] = market.PriceLevel{Price: float64(l.Price), Qty: float64(l.Qty)}
	}
	return out
}

func parseOHLC(f *frame) ([]Message, error) {
	var entries []wireOHLC
	if err := json.Unmarshal(f.Data, &entries); err != nil {
		return nil, fmt.Errorf("ohlc data: %w", err)
	}
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		if e.Symbol == "" {
			return nil, fmt.Errorf("ohlc entry missing symbol")
		}
		msgs = append(msgs, Message{Kind: KindOHLC, OHLC: market.OHLC{
			Symbol:    e.Symbol,
			Open:      float64(e.Open),
			High:      float64(e.High),
			Low:       float64(e.Low),
			Close:     float64(e.Close),
			Volume:    float64(e.Volume),
			VWAP:      float64(e.VWAP),
			Interval:  e.Interval,
			Timestamp: parseTime(e.Timestamp),
		}})
	}
	return msgs, nil
}

func parseExecutions(f *frame) ([]Message, error) {
	var entries []wireExecution
	if err := json.Unmarshal(f.Data, &entries); err != nil {
		return nil, fmt.Errorf("executions data: %w", err)
	}
	msgs := make([]Message, 0, len(entries))
	for _, e := range entries {
		seq := e.Seq
		if seq == 0 {
			seq = f.Seq
		}
		if e.ExecType == "trade" {
			var fee float64
			feeCurrency := ""
			if len(e.Fees) > 0 {
				fee = float64(e.Fees[0].Qty)
				feeCurrency = e.Fees[0].Asset
			}
			msgs = append(msgs, Message{Kind: KindOwnTrade, Seq: seq, OwnTrade: market.OwnTrade{
				TradeID:     e.ExecID,
				OrderID:     e.OrderID,
				Symbol:      e.Symbol,
				Side:        market.ParseSide(e.Side),
				Price:       float64(e.LastPrice),
				Quantity:    float64(e.LastQty),
				Fee:         fee,
				FeeCurrency: feeCurrency,
				Timestamp:   parseTime(e.Timestamp),
			}})
			continue
		}
		qty := float64(e.OrderQty)
		filled := float64(e.CumQty)
		msgs = append(msgs, Message{Kind: KindOrder, Seq: seq, Order: market.Order{
			OrderID:   e.OrderID,
			Symbol:    e.Symbol,
			Side:      market.ParseSide(e.Side),
			Type:      parseOrderType(e.OrderType),
			Status:    parseOrderStatus(e.OrderStatus),
			Price:     float64(e.LimitPrice),
			Quantity:  qty,
			Filled:    filled,
			Remaining: qty - filled,
			Timestamp: parseTime(e.Timestamp),
		}})
	}
	return msgs, nil
}

func parseBalances(f *frame) ([]Message, error) {
	var entries []wireBalance
	if err := json.Unmarshal(f.Data, &entries); err != nil {
		return nil, fmt.Errorf("balances data: %w", err)
	}
	balances := make([]market.Balance, 0, len(entries))
	for _, e := range entries {
		total := float64(e.Balance)
		reserved := float64(e.HoldTrade)
		balances = append(balances, market.Balance{
			Currency:  e.Asset,
			Available: total - reserved,
			Reserved:  reserved,
			Total:     total,
		})
	}
	return []Message{{Kind: KindBalanceSnapshot, Seq: f.Seq, Balances: balances}}, nil
}

func parseOrderType(s string) market.OrderType {
	switch s {
	case "limit":
		return market.OrderTypeLimit
	case "market":
		return market.OrderTypeMarket
	default:
		return market.OrderTypeUnknown
	}
}

func parseOrderStatus(s string) market.OrderStatus {
	switch s {
	case "pending_new", "pending":
		return market.OrderStatusPending
	case "new", "open", "partially_filled":
		return market.OrderStatusOpen
	case "filled":
		return market.OrderStatusFilled
	case "canceled", "cancelled":
		return market.OrderStatusCanceled
	case "expired":
		return market.OrderStatusExpired
	default:
		return market.OrderStatusUnknown
	}
}

//------------------------------------------------------------------------------
// Build
//------------------------------------------------------------------------------

type request struct {
	Method string        `json:"method"`
	Params requestParams `json:"params"`
}

type requestParams struct {
	Channel string   `json:"channel"`
	Symbol  []string `json:"symbol,omitempty"`
	Depth   int      `json:"depth,omitempty"`
	Token   string   `json:"token,omitempty"`
}

// BuildSubscribe builds a public subscribe frame. Depth is included for the
// book channel only.
func BuildSubscribe(ch market.Channel, symbols []string, depth int) ([]byte, error) {
	p := requestParams{Channel: ch.Name(), Symbol: symbols}
	if ch == market.ChannelBook && depth > 0 {
		p.Depth = depth
	}
	return json.Marshal(request{Method: "subscribe", Params: p})
}

// BuildUnsubscribe builds a public unsubscribe frame.
func BuildUnsubscribe(ch market.Channel, symbols []string) ([]byte, error) {
	return json.Marshal(request{
		Method: "unsubscribe",
		Params: requestParams{Channel: ch.Name(), Symbol: symbols},
	})
}

// BuildPrivateSubscribe builds a subscribe frame for an authenticated
// channel. Private channels are account-scoped, so no symbol list is sent.
func BuildPrivateSubscribe(ch market.Channel, token string) ([]byte, error) {
	return json.Marshal(request{
		Method: "subscribe",
		Params: requestParams{Channel: ch.Name(), Token: token},
	})
}

// BuildPrivateUnsubscribe builds the matching unsubscribe frame.
func BuildPrivateUnsubscribe(ch market.Channel, token string) ([]byte, error) {
	return json.Marshal(request{
		Method: "unsubscribe",
		Params: requestParams{Channel: ch.Name(), Token: token},
	})
}
