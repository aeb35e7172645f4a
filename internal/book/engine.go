// Package book maintains local order books from snapshot and delta frames
// and reproduces the exchange's top-of-book CRC32 checksum.
package book

import (
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/charleschow/kraken-stream/market"
)

// checksumDepth is the number of levels per side the exchange covers with
// its published checksum.
const checksumDepth = 10

// Precision is the decimal formatting used when canonicalizing a symbol's
// levels for the checksum. The exchange defines these per trading pair.
type Precision struct {
	PriceDecimals int
	QtyDecimals   int
}

// DefaultPrecision matches the majority of USD-quoted pairs.
var DefaultPrecision = Precision{PriceDecimals: 1, QtyDecimals: 8}

// Engine holds one order book per subscribed symbol.
// The dispatcher is the only writer; snapshot reads may come from any
// goroutine.
type Engine struct {
	mu         sync.RWMutex
	books      map[string]*market.OrderBook
	precisions map[string]Precision
}

func NewEngine() *Engine {
	return &Engine{
		books:      make(map[string]*market.OrderBook),
		precisions: make(map[string]Precision),
	}
}

// SetPrecision overrides the checksum formatting for one symbol.
func (e *Engine) SetPrecision(symbol string, p Precision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.precisions[symbol] = p
}

func (e *Engine) precision(symbol string) Precision {
	if p, ok := e.precisions[symbol]; ok {
		return p
	}
	return DefaultPrecision
}

// ApplySnapshot replaces the book for snap.Symbol wholesale. Levels are
// sorted (bids descending, asks ascending) and zero-quantity levels dropped.
func (e *Engine) ApplySnapshot(snap market.OrderBook) market.OrderBook {
	b := &market.OrderBook{
		Symbol:   snap.Symbol,
		Bids:     normalize(snap.Bids, true),
		Asks:     normalize(snap.Asks, false),
		Checksum: snap.Checksum,
	}
	e.mu.Lock()
	e.books[snap.Symbol] = b
	e.mu.Unlock()
	return copyBook(b)
}

// ApplyUpdate applies one delta to the symbol's book: qty > 0 inserts or
// updates a level, qty == 0 removes it. Returns the resulting book and
// false when no snapshot has been seen for the symbol yet.
func (e *Engine) ApplyUpdate(symbol string, bids, asks []market.PriceLevel, checksum uint32) (market.OrderBook, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.books[symbol]
	if !ok {
		return market.OrderBook{}, false
	}
	for _, l := range bids {
		b.Bids = applyLevel(b.Bids, l, true)
	}
	for _, l := range asks {
		b.Asks = applyLevel(b.Asks, l, false)
	}
	b.Checksum = checksum
	return copyBook(b), true
}

// Get returns a copy of the current book for symbol.
func (e *Engine) Get(symbol string) (market.OrderBook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[symbol]
	if !ok {
		return market.OrderBook{}, false
	}
	return copyBook(b), true
}

// Remove drops the book for symbol, typically ahead of a forced resync.
func (e *Engine) Remove(symbol string) {
	e.mu.Lock()
	delete(e.books, symbol)
	e.mu.Unlock()
}

// Reset drops all books.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.books = make(map[string]*market.OrderBook)
	e.mu.Unlock()
}

// Verify recomputes the checksum for symbol's current book and compares it
// to the exchange-published value. True when they match or when no expected
// value was published.
func (e *Engine) Verify(symbol string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[symbol]
	if !ok || b.Checksum == 0 {
		return true
	}
	return e.checksumLocked(b) == b.Checksum
}

// Checksum computes the top-of-book CRC32 for an arbitrary book using the
// engine's precision for its symbol.
func (e *Engine) Checksum(b market.OrderBook) uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checksumLocked(&b)
}

// checksumLocked concatenates the canonical digit strings of the top ten
// asks then top ten bids and CRC32s the result, per the exchange rule:
// fixed-precision formatting, decimal point removed, leading zeros stripped.
func (e *Engine) checksumLocked(b *market.OrderBook) uint32 {
	p := e.precision(b.Symbol)
	var sb strings.Builder
	for i := 0; i < len(b.Asks) && i < checksumDepth; i++ {
		sb.WriteString(canonical(b.Asks[i].Price, p.PriceDecimals))
		sb.WriteString(canonical(b.Asks[i].Qty, p.QtyDecimals))
	}
	for i := 0; i < len(b.Bids) && i < checksumDepth; i++ {
		sb.WriteString(canonical(b.Bids[i].Price, p.PriceDecimals))
		sb.WriteString(canonical(b.Bids[i].Qty, p.QtyDecimals))
	}
	return crc32.ChecksumIEEE([]byte(sb.String()))
}

func canonical(v float64, decimals int) string {
	s := strconv.FormatFloat(v, 'f', decimals, 64)
	s = strings.Replace(s, ".", "", 1)
	s = strings.TrimLeft(s, "0")
	if s == "" {
		s = "0"
	}
	return s
}

//------------------------------------------------------------------------------
// Ladder maintenance
//------------------------------------------------------------------------------

// applyLevel inserts, updates, or removes one level while keeping the side
// sorted. Sorted-slice operations are O(N) per level, which is fine at the
// depths in use (<= 1000).
func applyLevel(side []market.PriceLevel, l market.PriceLevel, descending bool) []market.PriceLevel {
	idx := sort.Search(len(side), func(i int) bool {
		if descending {
			return side[i].Price <= l.Price
		}
		return side[i].Price >= l.Price
	})
	exists := idx < len(side) && side[idx].Price == l.Price

	switch {
	case l.Qty == 0 && exists:
		return append(side[:idx], side[idx+1:]...)
	case l.Qty == 0:
		return side
	case exists:
		side[idx].Qty = l.Qty
		return side
	default:
		side = append(side, market.PriceLevel{})
		copy(side[idx+1:], side[idx:])
		side[idx] = l
		return side
	}
}

func normalize(levels []market.PriceLevel, descending bool) []market.PriceLevel {
	out := make([]market.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Qty > 0 {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	return out
}

func copyBook(b *market.OrderBook) market.OrderBook {
	out := market.OrderBook{Symbol: b.Symbol, Checksum: b.Checksum}
	out.Bids = append([]market.PriceLevel(nil), b.Bids...)
	out.Asks = append([]market.PriceLevel(nil), b.Asks...)
	return out
}
