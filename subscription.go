package kraken

import (
	"sync"

	"github.com/charleschow/kraken-stream/market"
)

const maxSymbolLen = 256

// Subscription is the handle for one channel subscription. Mutations are
// serialized by the subscription's own mutex; frames go back to the client
// through narrow send funcs rather than an owning back-reference.
type Subscription struct {
	id      int
	channel market.Channel
	depth   int

	mu      sync.Mutex
	symbols []string
	active  bool
	paused  bool

	sendSub   func(ch market.Channel, symbols []string, depth int)
	sendUnsub func(ch market.Channel, symbols []string)
}

func newSubscription(id int, ch market.Channel, symbols []string, depth int,
	sendSub func(market.Channel, []string, int),
	sendUnsub func(market.Channel, []string)) *Subscription {
	return &Subscription{
		id:        id,
		channel:   ch,
		depth:     depth,
		symbols:   append([]string(nil), symbols...),
		active:    true,
		sendSub:   sendSub,
		sendUnsub: sendUnsub,
	}
}

func (s *Subscription) ID() int                 { return s.id }
func (s *Subscription) Channel() market.Channel { return s.channel }
func (s *Subscription) Depth() int              { return s.depth }

// Symbols returns a copy of the current symbol set, in subscription order.
func (s *Subscription) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.symbols...)
}

func (s *Subscription) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Subscription) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Pause sends an unsubscribe but keeps the subscription alive for Resume.
// No-op unless active and not already paused.
func (s *Subscription) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || s.paused {
		return
	}
	s.paused = true
	s.sendUnsub(s.channel, append([]string(nil), s.symbols...))
}

// Resume re-sends the subscribe frame with the current symbol set.
func (s *Subscription) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active || !s.paused {
		return
	}
	s.paused = false
	s.sendSub(s.channel, append([]string(nil), s.symbols...), s.depth)
}

// Unsubscribe terminates the subscription. Terminal: all later mutations
// are no-ops, and repeated calls are idempotent.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	s.paused = false
	s.sendUnsub(s.channel, append([]string(nil), s.symbols...))
}

// AddSymbols unions new symbols into the set, preserving order and
// skipping duplicates. The subscribe delta is sent only while not paused.
func (s *Subscription) AddSymbols(newSymbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}

	var added []string
	for _, sym := range newSymbols {
		if !containsSymbol(s.symbols, sym) {
			s.symbols = append(s.symbols, sym)
			added = append(added, sym)
		}
	}

	if len(added) > 0 && !s.paused {
		s.sendSub(s.channel, added, s.depth)
	}
}

// RemoveSymbols deletes symbols from the set and, while not paused, sends
// the unsubscribe delta.
func (s *Subscription) RemoveSymbols(remove []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}

	var removed []string
	for _, sym := range remove {
		if containsSymbol(s.symbols, sym) {
			removed = append(removed, sym)
		}
	}
	if len(removed) == 0 {
		return
	}

	kept := s.symbols[:0]
	for _, sym := range s.symbols {
		if !containsSymbol(removed, sym) {
			kept = append(kept, sym)
		}
	}
	s.symbols = kept

	if !s.paused {
		s.sendUnsub(s.channel, removed)
	}
}

// snapshot returns the fields the reconnect loop needs without racing
// concurrent mutation.
func (s *Subscription) snapshot() (symbols []string, depth int, active, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.symbols...), s.depth, s.active, s.paused
}

func containsSymbol(set []string, sym string) bool {
	for _, s := range set {
		if s == sym {
			return true
		}
	}
	return false
}

func validateSymbols(symbols []string) error {
	if len(symbols) == 0 {
		return newError(ErrInvalidArgument, "symbols cannot be empty", "")
	}
	for _, sym := range symbols {
		if len(sym) == 0 || len(sym) > maxSymbolLen {
			return errorf(ErrInvalidArgument, "symbol %q is invalid (empty or longer than %d bytes)", sym, maxSymbolLen)
		}
	}
	return nil
}
