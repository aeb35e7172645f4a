package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSPSCPushPopOrder(t *testing.T) {
	q := NewSPSC[int](8)

	for i := 0; i < 5; i++ {
		require.True(t, q.TryPush(i))
	}
	assert.Equal(t, 5, q.Depth())

	for i := 0; i < 5; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, q.Depth())
}

func TestSPSCFull(t *testing.T) {
	q := NewSPSC[string](2)

	require.True(t, q.TryPush("a"))
	require.True(t, q.TryPush("b"))
	assert.False(t, q.TryPush("c"), "push on a full queue must fail")

	v, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", v)

	// freed slot is reusable
	assert.True(t, q.TryPush("c"))
}

func TestSPSCEmpty(t *testing.T) {
	q := NewSPSC[int](4)

	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestSPSCMinimumCapacity(t *testing.T) {
	q := NewSPSC[int](0)
	assert.Equal(t, 1, q.Cap())
	assert.True(t, q.TryPush(1))
	assert.False(t, q.TryPush(2))
}

func TestSPSCWrapAround(t *testing.T) {
	q := NewSPSC[int](4)

	next := 0
	for round := 0; round < 10; round++ {
		for i := 0; i < 3; i++ {
			require.True(t, q.TryPush(next+i))
		}
		for i := 0; i < 3; i++ {
			v, ok := q.Pop()
			require.True(t, ok)
			assert.Equal(t, next+i, v)
		}
		next += 3
	}
}

// TestSPSCConcurrentTransfer checks the happens-before contract: every
// element pushed by the producer is popped exactly once, in order, by a
// concurrent consumer.
func TestSPSCConcurrentTransfer(t *testing.T) {
	const total = 100000
	q := NewSPSC[int](64)

	done := make(chan []int)
	go func() {
		got := make([]int, 0, total)
		for len(got) < total {
			if v, ok := q.Pop(); ok {
				got = append(got, v)
			}
		}
		done <- got
	}()

	for i := 0; i < total; {
		if q.TryPush(i) {
			i++
		}
	}

	got := <-done
	require.Len(t, got, total)
	for i, v := range got {
		if v != i {
			t.Fatalf("element %d: got %d", i, v)
		}
	}
}
