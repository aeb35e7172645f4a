// Package gap watches the monotonic sequence numbers on private channels
// and reports skips to a callback.
package gap

import (
	"sync"
	"sync/atomic"

	"github.com/charleschow/kraken-stream/market"
)

type key struct {
	channel string
	symbol  string
}

// Tracker records the last seen sequence per (channel, symbol) pair.
// Observe is called from the dispatcher; ResetAll from the reconnect loop.
type Tracker struct {
	enabled   bool
	tolerance uint64
	onGap     func(market.GapInfo)

	mu   sync.Mutex
	last map[key]uint64
	gaps atomic.Uint64
}

func NewTracker(enabled bool, tolerance uint64, onGap func(market.GapInfo)) *Tracker {
	return &Tracker{
		enabled:   enabled,
		tolerance: tolerance,
		onGap:     onGap,
		last:      make(map[key]uint64),
	}
}

// Observe feeds one sequence number. Duplicates and out-of-order arrivals
// (seq <= watermark) are ignored; skips beyond the tolerance are counted and
// reported. The first observation for a key only sets the watermark.
func (t *Tracker) Observe(channel, symbol string, seq uint64) {
	if t == nil || !t.enabled || seq == 0 {
		return
	}

	k := key{channel: channel, symbol: symbol}

	t.mu.Lock()
	last, seen := t.last[k]
	if seen && seq <= last {
		t.mu.Unlock()
		return
	}
	t.last[k] = seq
	t.mu.Unlock()

	if !seen || seq <= last+1+t.tolerance {
		return
	}

	size := seq - last - 1
	t.gaps.Add(1)
	if t.onGap != nil {
		t.onGap(market.GapInfo{
			Channel:    channel,
			Symbol:     symbol,
			LastSeq:    last,
			CurrentSeq: seq,
			GapSize:    size,
		})
	}
}

// ResetAll forgets every watermark. Called after each successful
// (re)connection, when the exchange restarts its sequences.
func (t *Tracker) ResetAll() {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.last = make(map[key]uint64)
	t.mu.Unlock()
}

// Count returns the total number of gaps detected since construction.
func (t *Tracker) Count() uint64 {
	if t == nil {
		return 0
	}
	return t.gaps.Load()
}
