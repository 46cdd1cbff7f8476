package circuit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func trip(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.Execute(context.Background(), func() error {
			return errors.New("failure")
		})
	}
}

func TestBreakerClosed(t *testing.T) {
	t.Run("should allow requests when closed", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Second})

		err := b.Execute(context.Background(), func() error { return nil })

		assert.NoError(t, err)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should reset failure count on success", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Second})

		trip(b, 2)
		assert.Equal(t, 2, b.Failures())

		b.Execute(context.Background(), func() error { return nil })
		assert.Equal(t, 0, b.Failures())
	})
}

func TestBreakerOpen(t *testing.T) {
	t.Run("should open after max failures", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 3, Timeout: time.Second})

		trip(b, 3)

		assert.Equal(t, StateOpen, b.State())
		err := b.Execute(context.Background(), func() error { return nil })
		assert.Equal(t, ErrCircuitOpen, err)
	})

	t.Run("should half-open after timeout", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, Timeout: 50 * time.Millisecond, HalfOpenMax: 1})

		trip(b, 1)
		time.Sleep(80 * time.Millisecond)

		err := b.Execute(context.Background(), func() error { return nil })
		assert.NoError(t, err)
		assert.Equal(t, StateClosed, b.State())
	})

	t.Run("should re-open on half-open failure", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, Timeout: 50 * time.Millisecond, HalfOpenMax: 2})

		trip(b, 1)
		time.Sleep(80 * time.Millisecond)
		trip(b, 1)

		assert.Equal(t, StateOpen, b.State())
	})
}

func TestBreakerReset(t *testing.T) {
	t.Run("should reset to closed", func(t *testing.T) {
		b := NewBreaker(Config{MaxFailures: 1, Timeout: time.Second})

		trip(b, 1)
		assert.Equal(t, StateOpen, b.State())

		b.Reset()
		assert.Equal(t, StateClosed, b.State())
		assert.Equal(t, 0, b.Failures())
	})
}

func TestBreakerStateChange(t *testing.T) {
	t.Run("should notify on transitions", func(t *testing.T) {
		var mu sync.Mutex
		var seen []State

		b := NewBreaker(Config{
			MaxFailures: 1,
			Timeout:     time.Second,
			OnStateChange: func(from, to State) {
				mu.Lock()
				seen = append(seen, to)
				mu.Unlock()
			},
		})

		trip(b, 1)

		mu.Lock()
		defer mu.Unlock()
		assert.Contains(t, seen, StateOpen)
	})
}

func TestBreakerGroup(t *testing.T) {
	t.Run("should return the same breaker per name", func(t *testing.T) {
		g := NewBreakerGroup(Config{MaxFailures: 3, Timeout: time.Second})

		assert.Same(t, g.Get("indexer-a"), g.Get("indexer-a"))
		assert.NotSame(t, g.Get("indexer-a"), g.Get("indexer-b"))
	})

	t.Run("should report all states", func(t *testing.T) {
		g := NewBreakerGroup(Config{MaxFailures: 1, Timeout: time.Second})

		g.Get("indexer-a")
		g.Get("indexer-b")
		g.Execute(context.Background(), "indexer-a", func() error {
			return errors.New("failure")
		})

		states := g.States()
		assert.Len(t, states, 2)
		assert.Equal(t, StateOpen, states["indexer-a"])
		assert.Equal(t, StateClosed, states["indexer-b"])
	})
}
