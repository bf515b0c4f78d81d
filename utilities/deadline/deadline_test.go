package deadline_test

import (
	"testing"

	"github.com/dargueta/sdspi/utilities/deadline"
	"github.com/stretchr/testify/assert"
)

type manualClock struct {
	now uint32
}

func (c *manualClock) Millis() uint32 {
	return c.now
}

func TestDeadline__NotExpiredImmediately(t *testing.T) {
	for _, start := range []uint32{0, 1000, 0x7FFFFFFF, 0xFFFFFF00, 0xFFFFFFFF} {
		clock := &manualClock{now: start}
		d := deadline.Start(clock, 100)
		assert.Falsef(t, d.Expired(), "deadline started at %#x expired immediately", start)
	}
}

func TestDeadline__ExpiresAfterDuration(t *testing.T) {
	for _, start := range []uint32{0, 1000, 0x7FFFFFFF, 0xFFFFFF00, 0xFFFFFFC0, 0xFFFFFFFF} {
		clock := &manualClock{now: start}
		d := deadline.Start(clock, 100)

		for i := uint32(0); i < 100; i++ {
			clock.now = start + i
			assert.Falsef(t, d.Expired(), "started at %#x, expired after %d ms", start, i)
		}

		clock.now = start + 100
		assert.Truef(t, d.Expired(), "started at %#x, not expired after 100 ms", start)
		clock.now = start + 150
		assert.Truef(t, d.Expired(), "started at %#x, not expired after 150 ms", start)
	}
}

func TestDeadline__CounterWrapsAfterStart(t *testing.T) {
	// End doesn't wrap but the counter does: that's long past the end.
	clock := &manualClock{now: 1000}
	d := deadline.Start(clock, 100)
	clock.now = 5
	assert.True(t, d.Expired())
}

func TestDeadline__Restart(t *testing.T) {
	clock := &manualClock{now: 0xFFFFFFF0}
	d := deadline.Start(clock, 50)
	clock.now += 60
	assert.True(t, d.Expired())

	d.Restart()
	assert.False(t, d.Expired())
	clock.now += 49
	assert.False(t, d.Expired())
	clock.now++
	assert.True(t, d.Expired())
	assert.EqualValues(t, 50, d.Duration())
}

func TestDeadline__ZeroDuration(t *testing.T) {
	clock := &manualClock{now: 42}
	assert.True(t, deadline.Start(clock, 0).Expired())
}
