package kraken

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// BackoffStrategy produces the delay sequence for the reconnect loop and
// decides when it should give up.
type BackoffStrategy interface {
	// NextDelay returns the delay to sleep before the next attempt and
	// advances the attempt counter.
	NextDelay() time.Duration
	// ShouldStop is true once the configured attempt budget is exhausted.
	ShouldStop() bool
	// Reset restores the attempt counter to 1.
	Reset()
	// Clone returns an independent strategy with the same configuration,
	// fresh at attempt 1.
	Clone() BackoffStrategy
	CurrentAttempt() int
	MaxAttempts() int
}

// ExponentialConfig configures an ExponentialBackoff.
// MaxAttempts 0 means retry forever.
type ExponentialConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // fraction in [0,1]
	MaxAttempts  int
}

// ExponentialBackoff grows the delay geometrically, clamps it to MaxDelay,
// then applies symmetric jitter. The clamp happens before the jitter, so
// the final value may land slightly above MaxDelay; that is accepted.
type ExponentialBackoff struct {
	mu      sync.Mutex
	cfg     ExponentialConfig
	attempt int // 1-based count of delays returned
}

func NewExponentialBackoff(cfg ExponentialConfig) *ExponentialBackoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	return &ExponentialBackoff{cfg: cfg, attempt: 1}
}

// AggressiveBackoff retries quickly: 100ms initial, 30s cap, 20 attempts.
func AggressiveBackoff() *ExponentialBackoff {
	return NewExponentialBackoff(ExponentialConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
		MaxAttempts:  20,
	})
}

// ConservativeBackoff is the default: 1s initial, 60s cap, 10 attempts.
func ConservativeBackoff() *ExponentialBackoff {
	return NewExponentialBackoff(ExponentialConfig{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.3,
		MaxAttempts:  10,
	})
}

// InfiniteBackoff is ConservativeBackoff that never gives up.
func InfiniteBackoff() *ExponentialBackoff {
	return NewExponentialBackoff(ExponentialConfig{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.3,
		MaxAttempts:  0,
	})
}

func (b *ExponentialBackoff) NextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := float64(b.attempt - 1)
	d := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, n)
	if d > float64(b.cfg.MaxDelay) {
		d = float64(b.cfg.MaxDelay)
	}
	if b.cfg.Jitter > 0 {
		d *= 1 + (rand.Float64()*2-1)*b.cfg.Jitter
	}
	b.attempt++
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (b *ExponentialBackoff) ShouldStop() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.MaxAttempts > 0 && b.attempt > b.cfg.MaxAttempts
}

func (b *ExponentialBackoff) Reset() {
	b.mu.Lock()
	b.attempt = 1
	b.mu.Unlock()
}

func (b *ExponentialBackoff) Clone() BackoffStrategy {
	b.mu.Lock()
	cfg := b.cfg
	b.mu.Unlock()
	return NewExponentialBackoff(cfg)
}

func (b *ExponentialBackoff) CurrentAttempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

func (b *ExponentialBackoff) MaxAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.MaxAttempts
}

// FixedBackoff returns the same delay on every attempt.
type FixedBackoff struct {
	mu          sync.Mutex
	delay       time.Duration
	maxAttempts int
	attempt     int
}

func NewFixedBackoff(delay time.Duration, maxAttempts int) *FixedBackoff {
	return &FixedBackoff{delay: delay, maxAttempts: maxAttempts, attempt: 1}
}

func (b *FixedBackoff) NextDelay() time.Duration {
	b.mu.Lock()
	b.attempt++
	b.mu.Unlock()
	return b.delay
}

func (b *FixedBackoff) ShouldStop() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxAttempts > 0 && b.attempt > b.maxAttempts
}

func (b *FixedBackoff) Reset() {
	b.mu.Lock()
	b.attempt = 1
	b.mu.Unlock()
}

func (b *FixedBackoff) Clone() BackoffStrategy {
	return NewFixedBackoff(b.delay, b.maxAttempts)
}

func (b *FixedBackoff) CurrentAttempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

func (b *FixedBackoff) MaxAttempts() int { return b.maxAttempts }

// NoBackoff retries immediately. Intended for tests.
type NoBackoff struct {
	FixedBackoff
}

func NewNoBackoff(maxAttempts int) *NoBackoff {
	return &NoBackoff{FixedBackoff{maxAttempts: maxAttempts, attempt: 1}}
}

func (b *NoBackoff) Clone() BackoffStrategy {
	return NewNoBackoff(b.maxAttempts)
}
