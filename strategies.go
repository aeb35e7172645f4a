package kraken

import (
	"fmt"
	"sync"
	"time"

	"github.com/charleschow/kraken-stream/market"
)

// AlertStrategy is a user-suppliable predicate over the ticker stream.
// Check is invoked from the dispatcher goroutine only; implementations
// need no internal locking unless they are shared further.
type AlertStrategy interface {
	// Check inspects one ticker and reports whether the alert fires.
	Check(t market.Ticker) bool
	// Name labels the strategy in alerts and telemetry.
	Name() string
	// Symbols returns the symbols this strategy wants to see.
	Symbols() []string
	// Reset clears the fired latch so the strategy can trigger again.
	Reset()
}

//------------------------------------------------------------------------------
// PriceAlert
//------------------------------------------------------------------------------

// PriceAlertConfig configures a PriceAlert. A zero threshold is treated as
// unset; at least one of Above/Below must be set.
type PriceAlertConfig struct {
	Symbol    string
	Above     float64
	Below     float64
	Recurring bool
	Cooldown  time.Duration
}

// PriceAlert fires when the last price crosses a threshold. One-shot by
// default: it latches after the first fire until Reset. With Recurring set
// it keeps firing, suppressing repeats within Cooldown.
type PriceAlert struct {
	mu  sync.Mutex
	cfg PriceAlertConfig

	fired       bool
	fireCount   int
	lastFired   time.Time
	prevPrice   float64
	hasPrev     bool
	lastMessage string
}

func NewPriceAlert(cfg PriceAlertConfig) *PriceAlert {
	return &PriceAlert{cfg: cfg}
}

func (a *PriceAlert) Name() string      { return "PriceAlert" }
func (a *PriceAlert) Symbols() []string { return []string{a.cfg.Symbol} }

func (a *PriceAlert) Check(t market.Ticker) bool {
	if t.Symbol != a.cfg.Symbol {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	crossed := (a.cfg.Above > 0 && t.Last >= a.cfg.Above) ||
		(a.cfg.Below > 0 && t.Last <= a.cfg.Below)

	if !crossed {
		a.prevPrice = t.Last
		a.hasPrev = true
		return false
	}
	if !a.cfg.Recurring && a.fired {
		a.prevPrice = t.Last
		a.hasPrev = true
		return false
	}
	if a.cfg.Recurring && a.cfg.Cooldown > 0 && a.fired &&
		time.Since(a.lastFired) < a.cfg.Cooldown {
		return false
	}

	a.lastMessage = a.buildMessage(t.Last)
	a.fired = true
	a.fireCount++
	a.lastFired = time.Now()
	a.prevPrice = t.Last
	a.hasPrev = true
	return true
}

// buildMessage includes the prior price and signed change when one is
// known. Caller holds mu.
func (a *PriceAlert) buildMessage(price float64) string {
	direction := "above"
	threshold := a.cfg.Above
	if a.cfg.Below > 0 && price <= a.cfg.Below {
		direction = "below"
		threshold = a.cfg.Below
	}
	if a.hasPrev {
		change := price - a.prevPrice
		return fmt.Sprintf("Price %s $%.2f: $%.2f (was $%.2f, change %+.2f)",
			direction, threshold, price, a.prevPrice, change)
	}
	return fmt.Sprintf("Price %s $%.2f: $%.2f", direction, threshold, price)
}

func (a *PriceAlert) Reset() {
	a.mu.Lock()
	a.fired = false
	a.lastFired = time.Time{}
	a.mu.Unlock()
}

func (a *PriceAlert) HasFired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fired
}

func (a *PriceAlert) FireCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fireCount
}

func (a *PriceAlert) LastMessage() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastMessage
}

//------------------------------------------------------------------------------
// VolumeSpike
//------------------------------------------------------------------------------

// VolumeSpikeConfig configures a VolumeSpike.
type VolumeSpikeConfig struct {
	Symbols    []string
	Multiplier float64
	Lookback   int
}

// VolumeSpike keeps a bounded ring of the last Lookback volume samples per
// symbol and fires when an incoming volume exceeds Multiplier times the
// ring mean. It stays quiet until at least Lookback/2 samples are banked.
type VolumeSpike struct {
	mu  sync.Mutex
	cfg VolumeSpikeConfig

	watch       map[string]bool
	rings       map[string][]float64
	fireCount   int
	lastMessage string
}

func NewVolumeSpike(cfg VolumeSpikeConfig) *VolumeSpike {
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 10
	}
	watch := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		watch[s] = true
	}
	return &VolumeSpike{
		cfg:   cfg,
		watch: watch,
		rings: make(map[string][]float64),
	}
}

func (a *VolumeSpike) Name() string { return "VolumeSpike" }

func (a *VolumeSpike) Symbols() []string {
	return append([]string(nil), a.cfg.Symbols...)
}

func (a *VolumeSpike) Check(t market.Ticker) bool {
	if !a.watch[t.Symbol] {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	ring := a.rings[t.Symbol]
	fires := false
	if len(ring) >= a.cfg.Lookback/2 {
		var sum float64
		for _, v := range ring {
			sum += v
		}
		mean := sum / float64(len(ring))
		if mean > 0 && t.Volume24h > a.cfg.Multiplier*mean {
			fires = true
			a.fireCount++
			a.lastMessage = fmt.Sprintf("Volume spike on %s: %.2f vs %.2f avg (%.1fx)",
				t.Symbol, t.Volume24h, mean, t.Volume24h/mean)
		}
	}

	ring = append(ring, t.Volume24h)
	if len(ring) > a.cfg.Lookback {
		ring = ring[len(ring)-a.cfg.Lookback:]
	}
	a.rings[t.Symbol] = ring

	return fires
}

func (a *VolumeSpike) Reset() {
	a.mu.Lock()
	a.rings = make(map[string][]float64)
	a.mu.Unlock()
}

func (a *VolumeSpike) HasFired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fireCount > 0
}

func (a *VolumeSpike) FireCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fireCount
}

func (a *VolumeSpike) LastMessage() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastMessage
}

//------------------------------------------------------------------------------
// SpreadAlert
//------------------------------------------------------------------------------

// SpreadAlertConfig configures a SpreadAlert. Zero bounds are unset.
type SpreadAlertConfig struct {
	Symbol    string
	MaxSpread float64
	MinSpread float64
}

// SpreadAlert fires whenever the bid/ask spread leaves the configured
// band: wider than MaxSpread (illiquidity) or tighter than MinSpread.
// It is stateless between ticks and fires on every matching tick.
type SpreadAlert struct {
	mu  sync.Mutex
	cfg SpreadAlertConfig

	fireCount   int
	lastMessage string
}

func NewSpreadAlert(cfg SpreadAlertConfig) *SpreadAlert {
	return &SpreadAlert{cfg: cfg}
}

func (a *SpreadAlert) Name() string      { return "SpreadAlert" }
func (a *SpreadAlert) Symbols() []string { return []string{a.cfg.Symbol} }

func (a *SpreadAlert) Check(t market.Ticker) bool {
	if t.Symbol != a.cfg.Symbol {
		return false
	}

	spread := t.Ask - t.Bid
	wide := a.cfg.MaxSpread > 0 && spread > a.cfg.MaxSpread
	narrow := a.cfg.MinSpread > 0 && spread < a.cfg.MinSpread
	if !wide && !narrow {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.fireCount++
	if wide {
		a.lastMessage = fmt.Sprintf("Spread on %s widened to $%.2f (max $%.2f)",
			t.Symbol, spread, a.cfg.MaxSpread)
	} else {
		a.lastMessage = fmt.Sprintf("Spread on %s narrowed to $%.2f (min $%.2f)",
			t.Symbol, spread, a.cfg.MinSpread)
	}
	return true
}

func (a *SpreadAlert) Reset() {
	a.mu.Lock()
	a.fireCount = 0
	a.mu.Unlock()
}

func (a *SpreadAlert) HasFired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fireCount > 0
}

func (a *SpreadAlert) FireCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fireCount
}

func (a *SpreadAlert) LastMessage() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastMessage
}
