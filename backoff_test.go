package kraken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffGrowth(t *testing.T) {
	b := NewExponentialBackoff(ExponentialConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       0,
		MaxAttempts:  10,
	})

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		delays = append(delays, b.NextDelay())
	}

	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}, delays)
}

func TestExponentialBackoffMaxDelayCap(t *testing.T) {
	b := NewExponentialBackoff(ExponentialConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     3 * time.Second,
		Multiplier:   2.0,
		Jitter:       0,
		MaxAttempts:  10,
	})

	// 100, 200, 400, 800, 1600, 3000, 3000, ...
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3 * time.Second,
		3 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.NextDelay(), "delay %d", i)
	}
}

func TestExponentialBackoffJitterRange(t *testing.T) {
	b := NewExponentialBackoff(ExponentialConfig{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.3,
		MaxAttempts:  0,
	})

	for i := 0; i < 20; i++ {
		b.Reset()
		d := b.NextDelay()
		assert.GreaterOrEqual(t, d, 700*time.Millisecond)
		assert.LessOrEqual(t, d, 1300*time.Millisecond)
	}
}

func TestExponentialBackoffMaxAttempts(t *testing.T) {
	b := NewExponentialBackoff(ExponentialConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxAttempts:  3,
	})

	require.False(t, b.ShouldStop())
	b.NextDelay()
	require.False(t, b.ShouldStop())
	b.NextDelay()
	require.False(t, b.ShouldStop())
	b.NextDelay()
	require.True(t, b.ShouldStop())
}

func TestExponentialBackoffInfinite(t *testing.T) {
	b := NewExponentialBackoff(ExponentialConfig{
		InitialDelay: time.Millisecond,
		MaxAttempts:  0,
	})
	for i := 0; i < 100; i++ {
		require.False(t, b.ShouldStop())
		b.NextDelay()
	}
	require.False(t, b.ShouldStop())
}

func TestExponentialBackoffReset(t *testing.T) {
	b := NewExponentialBackoff(ExponentialConfig{
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0,
		MaxAttempts:  5,
	})

	b.NextDelay() // 100
	b.NextDelay() // 200
	require.Equal(t, 3, b.CurrentAttempt())

	b.Reset()

	require.Equal(t, 1, b.CurrentAttempt())
	assert.Equal(t, 100*time.Millisecond, b.NextDelay())
}

func TestExponentialBackoffClone(t *testing.T) {
	orig := NewExponentialBackoff(ExponentialConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   1.5,
		Jitter:       0,
		MaxAttempts:  5,
	})

	orig.NextDelay()
	orig.NextDelay()
	require.Equal(t, 3, orig.CurrentAttempt())

	clone := orig.Clone()
	assert.Equal(t, 1, clone.CurrentAttempt())
	assert.Equal(t, 5, clone.MaxAttempts())
	assert.Equal(t, 500*time.Millisecond, clone.NextDelay())

	// clone advancing must not touch the original
	assert.Equal(t, 3, orig.CurrentAttempt())
}

func TestBackoffPresets(t *testing.T) {
	t.Run("aggressive", func(t *testing.T) {
		b := AggressiveBackoff()
		assert.Equal(t, 20, b.MaxAttempts())
		d := b.NextDelay()
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	})

	t.Run("conservative", func(t *testing.T) {
		b := ConservativeBackoff()
		assert.Equal(t, 10, b.MaxAttempts())
		d := b.NextDelay()
		assert.GreaterOrEqual(t, d, 700*time.Millisecond)
		assert.LessOrEqual(t, d, 1300*time.Millisecond)
	})

	t.Run("infinite", func(t *testing.T) {
		b := InfiniteBackoff()
		assert.Equal(t, 0, b.MaxAttempts())
		assert.False(t, b.ShouldStop())
	})
}

func TestFixedBackoff(t *testing.T) {
	b := NewFixedBackoff(500*time.Millisecond, 3)

	assert.Equal(t, 3, b.MaxAttempts())
	for i := 0; i < 3; i++ {
		assert.Equal(t, 500*time.Millisecond, b.NextDelay())
	}
	assert.True(t, b.ShouldStop())
}

func TestNoBackoff(t *testing.T) {
	b := NewNoBackoff(5)
	for i := 0; i < 3; i++ {
		assert.Equal(t, time.Duration(0), b.NextDelay())
	}
	assert.False(t, b.ShouldStop())

	clone := b.Clone()
	assert.Equal(t, 1, clone.CurrentAttempt())
}
