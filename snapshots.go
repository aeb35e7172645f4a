package kraken

import (
	"fmt"
	"time"

	"github.com/charleschow/kraken-stream/market"
)

// LatestTicker returns the most recent ticker seen for symbol.
func (c *Client) LatestTicker(symbol string) (market.Ticker, bool) {
	c.tickersMu.RLock()
	defer c.tickersMu.RUnlock()
	t, ok := c.tickers[symbol]
	return t, ok
}

// AllTickers returns a copy of the latest ticker for every symbol seen.
func (c *Client) AllTickers() map[string]market.Ticker {
	c.tickersMu.RLock()
	defer c.tickersMu.RUnlock()
	out := make(map[string]market.Ticker, len(c.tickers))
	for sym, t := range c.tickers {
		out[sym] = t
	}
	return out
}

// LatestBook returns a copy of the current order book for symbol.
func (c *Client) LatestBook(symbol string) (market.OrderBook, bool) {
	return c.books.Get(symbol)
}

// GapCount returns the total number of sequence gaps detected.
func (c *Client) GapCount() uint64 {
	return c.gaps.Count()
}

// MetricsSnapshot is a point-in-time copy of the client's counters.
type MetricsSnapshot struct {
	MessagesReceived  int64
	MessagesProcessed int64
	MessagesDropped   int64
	ParseErrors       int64
	ChecksumFailures  int64
	ReconnectAttempts int64
	AlertsTriggered   int64
	GapsDetected      int64
	QueueDepth        int64

	ConnectionState ConnectionState
	StartTime       time.Time

	DispatchP50 time.Duration
	DispatchP99 time.Duration
	DispatchMax time.Duration
}

// Uptime is the time elapsed since the client was constructed.
func (m MetricsSnapshot) Uptime() time.Duration {
	return time.Since(m.StartTime)
}

// UptimeString formats the uptime as HH:MM:SS.
func (m MetricsSnapshot) UptimeString() string {
	u := m.Uptime()
	h := int(u.Hours())
	mm := int(u.Minutes()) % 60
	ss := int(u.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, mm, ss)
}

// MessagesPerSecond is the average processing rate over the uptime.
func (m MetricsSnapshot) MessagesPerSecond() float64 {
	secs := m.Uptime().Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(m.MessagesProcessed) / secs
}

// GetMetrics reads every counter. Safe to call from any goroutine at any
// point in the client's lifecycle.
func (c *Client) GetMetrics() MetricsSnapshot {
	return MetricsSnapshot{
		MessagesReceived:  c.metrics.MessagesReceived.Value(),
		MessagesProcessed: c.metrics.MessagesProcessed.Value(),
		MessagesDropped:   c.metrics.MessagesDropped.Value(),
		ParseErrors:       c.metrics.ParseErrors.Value(),
		ChecksumFailures:  c.metrics.ChecksumFailures.Value(),
		ReconnectAttempts: c.metrics.ReconnectAttempts.Value(),
		AlertsTriggered:   c.metrics.AlertsTriggered.Value(),
		GapsDetected:      c.metrics.GapsDetected.Value(),
		QueueDepth:        c.metrics.QueueDepth.Value(),
		ConnectionState:   c.ConnectionState(),
		StartTime:         c.metrics.StartTime,
		DispatchP50:       c.metrics.DispatchLatency.P50(),
		DispatchP99:       c.metrics.DispatchLatency.P99(),
		DispatchMax:       c.metrics.DispatchLatency.Max(),
	}
}
