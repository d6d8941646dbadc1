package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *manualClock) {
	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	return New(threshold, time.Minute).WithClock(clock.Now), clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("stripe")
	b.RecordFailure("stripe")
	assert.True(t, b.Allow("stripe"), "below threshold")

	b.RecordFailure("stripe")
	assert.False(t, b.Allow("stripe"))
	assert.Equal(t, StateOpen, b.State("stripe"))
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure("stripe")
	b.RecordFailure("stripe")

	clock.Advance(59 * time.Second)
	assert.False(t, b.Allow("stripe"))

	clock.Advance(time.Second)
	assert.True(t, b.Allow("stripe"))
	assert.Equal(t, StateHalfOpen, b.State("stripe"))
	assert.False(t, b.Allow("stripe"), "second request while probing")
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	t.Run("success closes", func(t *testing.T) {
		b, clock := newTestBreaker(1)
		b.RecordFailure("k")
		clock.Advance(time.Minute)
		require.True(t, b.Allow("k"))

		b.RecordSuccess("k")
		assert.Equal(t, StateClosed, b.State("k"))
		assert.True(t, b.Allow("k"))
	})

	t.Run("failure reopens", func(t *testing.T) {
		b, clock := newTestBreaker(3)
		for i := 0; i < 3; i++ {
			b.RecordFailure("k")
		}
		clock.Advance(time.Minute)
		require.True(t, b.Allow("k"))

		b.RecordFailure("k")
		assert.Equal(t, StateOpen, b.State("k"))
		assert.False(t, b.Allow("k"))
	})
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	b.RecordFailure("k")
	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	assert.Equal(t, StateClosed, b.State("k"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("stripe")
	assert.False(t, b.Allow("stripe"))
	assert.True(t, b.Allow("memory"))
	assert.Equal(t, StateClosed, b.State("unknown"))
}

func TestBreaker_OnTransition(t *testing.T) {
	b, clock := newTestBreaker(1)

	var got []string
	b.OnTransition(func(key string, from, to State) {
		got = append(got, key+":"+from.String()+"->"+to.String())
	})

	b.RecordFailure("k")
	clock.Advance(time.Minute)
	b.Allow("k")
	b.RecordSuccess("k")

	assert.Equal(t, []string{
		"k:closed->open",
		"k:open->half_open",
		"k:half_open->closed",
	}, got)
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 30*time.Second, b.cooldown)
	assert.Equal(t, "unknown", State(42).String())
}

func TestBreaker_Concurrent(t *testing.T) {
	b := New(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Allow("k")
				b.RecordFailure("k")
				b.RecordSuccess("k")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, StateClosed, b.State("k"))
}
