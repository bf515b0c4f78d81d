package sim

import (
	"sync/atomic"
)

// Pin is a settable digital input.
type Pin struct {
	level atomic.Bool
}

func NewPin(level bool) *Pin {
	p := &Pin{}
	p.level.Store(level)
	return p
}

func (p *Pin) Get() bool {
	return p.level.Load()
}

func (p *Pin) Set(level bool) {
	p.level.Store(level)
}

// Clock is a fake millisecond counter. It only moves when bytes go over the bus
// or somebody calls Delay.
type Clock struct {
	millis atomic.Uint32
}

// NewClock creates a clock reading `start`. Start it close to 2^32 to exercise
// counter wraparound.
func NewClock(start uint32) *Clock {
	c := &Clock{}
	c.millis.Store(start)
	return c
}

func (c *Clock) Millis() uint32 {
	return c.millis.Load()
}

func (c *Clock) Delay(ms uint32) {
	c.millis.Add(ms)
}

// Advance moves the clock forward without anybody waiting.
func (c *Clock) Advance(ms uint32) {
	c.millis.Add(ms)
}
