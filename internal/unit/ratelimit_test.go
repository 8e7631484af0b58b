package unit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestRateLimitWindow(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	rl := NewRateLimit(3*time.Second, 2)
	rl.now = clk.now

	assert.True(t, rl.Below())
	assert.True(t, rl.Below())
	assert.False(t, rl.Below())
	assert.Equal(t, uint(2), rl.Count())

	// exactly at the window edge is still inside
	clk.t = clk.t.Add(3 * time.Second)
	assert.False(t, rl.Below())

	clk.t = clk.t.Add(time.Millisecond)
	assert.True(t, rl.Below())
	assert.Equal(t, uint(1), rl.Count())
}

func TestRateLimitDisabled(t *testing.T) {
	for _, rl := range []*RateLimit{NewRateLimit(0, 2), NewRateLimit(time.Second, 0)} {
		assert.False(t, rl.Enabled())
		for i := 0; i < 100; i++ {
			assert.True(t, rl.Below())
		}
	}
}

func TestStartLimit(t *testing.T) {
	sl := NewStartLimit(time.Hour, 1)
	assert.True(t, sl.Test())
	assert.False(t, sl.Hit())
	assert.False(t, sl.Test())
	assert.True(t, sl.Hit())
	sl.Reset()
	assert.True(t, sl.Test())
}

func TestStartLimitErrorIsCanceled(t *testing.T) {
	assert.True(t, errors.Is(ErrStartLimitHit, ErrCanceled))
	assert.False(t, errors.Is(ErrCanceled, ErrStartLimitHit))
}
