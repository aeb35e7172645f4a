package kraken

import (
	"sort"
	"sync"
	"time"

	"github.com/charleschow/kraken-stream/market"
)

// AlertCallback receives an Alert when a strategy fires.
type AlertCallback func(market.Alert)

// AlertInfo identifies one registered alert.
type AlertInfo struct {
	ID   int
	Name string
}

type alertEntry struct {
	strategy AlertStrategy
	callback AlertCallback
	enabled  bool
}

// strategyEngine dispatches ticker events to registered alert strategies.
// Reads dominate: every ticker takes the read path, registration the write
// path.
type strategyEngine struct {
	mu      sync.RWMutex
	nextID  int
	entries map[int]*alertEntry
}

func newStrategyEngine() *strategyEngine {
	return &strategyEngine{nextID: 1, entries: make(map[int]*alertEntry)}
}

func (e *strategyEngine) add(s AlertStrategy, cb AlertCallback) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.entries[id] = &alertEntry{strategy: s, callback: cb, enabled: true}
	return id
}

func (e *strategyEngine) remove(id int) {
	e.mu.Lock()
	delete(e.entries, id)
	e.mu.Unlock()
}

func (e *strategyEngine) setEnabled(id int, enabled bool) {
	e.mu.Lock()
	if entry, ok := e.entries[id]; ok {
		entry.enabled = enabled
	}
	e.mu.Unlock()
}

func (e *strategyEngine) isEnabled(id int) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.entries[id]
	return ok && entry.enabled
}

func (e *strategyEngine) count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

func (e *strategyEngine) alerts() []AlertInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]AlertInfo, 0, len(e.entries))
	for id, entry := range e.entries {
		out = append(out, AlertInfo{ID: id, Name: entry.strategy.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// dispatchTicker feeds one ticker to every enabled strategy watching its
// symbol. Strategy Check calls and user callbacks both run behind the
// panic barrier; fired is invoked per alert so the client can count and
// record it.
func (e *strategyEngine) dispatchTicker(c *Client, t market.Ticker, fired func(market.Alert)) {
	e.mu.RLock()
	ids := make([]int, 0, len(e.entries))
	for id := range e.entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	entries := make([]alertEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, *e.entries[id])
	}
	e.mu.RUnlock()

	for _, entry := range entries {
		if !entry.enabled || !watchesSymbol(entry.strategy, t.Symbol) {
			continue
		}

		triggered := false
		c.invoke("strategy", func() { triggered = entry.strategy.Check(t) })
		if !triggered {
			continue
		}

		alert := market.Alert{
			StrategyName: entry.strategy.Name(),
			Symbol:       t.Symbol,
			Message:      alertMessage(entry.strategy),
			Price:        t.Last,
			TriggeredAt:  time.Now(),
		}
		if fired != nil {
			fired(alert)
		}
		if entry.callback != nil {
			cb := entry.callback
			c.invoke("alert", func() { cb(alert) })
		}
	}
}

func watchesSymbol(s AlertStrategy, symbol string) bool {
	for _, sym := range s.Symbols() {
		if sym == symbol {
			return true
		}
	}
	return false
}

// alertMessage pulls the strategy's last message when it exposes one.
func alertMessage(s AlertStrategy) string {
	if m, ok := s.(interface{ LastMessage() string }); ok {
		return m.LastMessage()
	}
	return s.Name() + " triggered"
}
