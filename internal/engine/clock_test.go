package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClockFiresInDueOrder(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	var order []string
	clock.AfterFunc(2*time.Minute, func() { order = append(order, "second") })
	clock.AfterFunc(time.Minute, func() { order = append(order, "first") })
	clock.AfterFunc(time.Hour, func() { order = append(order, "never") })

	clock.Advance(5 * time.Minute)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, start.Add(5*time.Minute), clock.Now())
}

func TestFakeClockStop(t *testing.T) {
	clock := NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	fired := false
	timer := clock.AfterFunc(time.Minute, func() { fired = true })
	assert.True(t, timer.Stop())

	clock.Advance(time.Hour)
	assert.False(t, fired)
	assert.False(t, timer.Stop(), "stopping twice reports false")
}
