package clock_test

import (
	"testing"
	"time"

	"playout-server/internal/infra/clock"

	"github.com/stretchr/testify/assert"
)

func TestSystemClockMonotonic(t *testing.T) {
	c := clock.NewSystemClock()
	a := c.Now()
	b := c.Now()
	assert.GreaterOrEqual(t, b, a)
}

func TestMockClockAdvanceFiresTimers(t *testing.T) {
	c := clock.NewMockClock(10000)
	var fired []string

	c.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "first") })
	c.AfterFunc(200*time.Millisecond, func() { fired = append(fired, "second") })

	c.Advance(50 * time.Millisecond)
	assert.Empty(t, fired)

	c.Advance(50 * time.Millisecond)
	assert.Equal(t, []string{"first"}, fired)

	c.Advance(100 * time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, fired)
	assert.Equal(t, int64(10200), c.Now())
}

func TestMockClockFiresInDeadlineOrder(t *testing.T) {
	c := clock.NewMockClock(0)
	var fired []int

	c.AfterFunc(300*time.Millisecond, func() { fired = append(fired, 3) })
	c.AfterFunc(100*time.Millisecond, func() { fired = append(fired, 1) })
	c.AfterFunc(200*time.Millisecond, func() { fired = append(fired, 2) })

	c.Advance(time.Second)
	assert.Equal(t, []int{1, 2, 3}, fired)
}

func TestMockClockStop(t *testing.T) {
	c := clock.NewMockClock(0)
	fired := false
	timer := c.AfterFunc(100*time.Millisecond, func() { fired = true })

	assert.True(t, timer.Stop())
	c.Advance(time.Second)
	assert.False(t, fired)
	assert.False(t, timer.Stop())
}

func TestMockClockTimerChain(t *testing.T) {
	c := clock.NewMockClock(0)
	var fired []string
	c.AfterFunc(100*time.Millisecond, func() {
		fired = append(fired, "outer")
		c.AfterFunc(50*time.Millisecond, func() { fired = append(fired, "inner") })
	})

	c.Advance(100 * time.Millisecond)
	assert.Equal(t, []string{"outer"}, fired)

	c.Advance(50 * time.Millisecond)
	assert.Equal(t, []string{"outer", "inner"}, fired)
}

func TestMockClockNeverMovesBackwards(t *testing.T) {
	c := clock.NewMockClock(5000)
	c.Set(1000)
	assert.Equal(t, int64(5000), c.Now())
}
