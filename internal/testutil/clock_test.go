package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock(t *testing.T) {
	c := NewFakeClock(time.Time{})
	assert.Equal(t, Epoch, c.Now())

	got := c.Advance(90 * time.Minute)
	assert.Equal(t, Epoch.Add(90*time.Minute), got)
	assert.Equal(t, got, c.Now())

	c.Set(Epoch)
	assert.Equal(t, Epoch, c.Now())
}

func TestTickingClock(t *testing.T) {
	c := NewTickingClock(time.Time{}, time.Second)
	a := c.Now()
	b := c.Now()
	assert.Equal(t, time.Second, b.Sub(a))
}
