package hal

import (
	"time"
)

// IdleByte is what the host clocks out when it only wants to read, and what a
// card that isn't driving the line reads back as.
const IdleByte = 0xFF

// Bus is an SPI master wired to a single card slot.
type Bus interface {
	// SetChipSelect drives the slot's chip-select line. `asserted` selects the
	// card (the line itself is active low).
	SetChipSelect(asserted bool)

	// SetClock changes the SCK frequency for subsequent transfers.
	SetClock(hz uint32) error

	// Transfer shifts out `b` and returns the byte shifted in at the same time.
	Transfer(b byte) byte
}

// AsyncBus is a [Bus] that can run a multi-byte transfer in the background,
// typically on a DMA engine.
type AsyncBus interface {
	Bus

	// StartTransfer begins shifting out `tx` while storing the incoming bytes
	// into `rx`. `rx` is either nil or the same length as `tx`, and may alias
	// it. `done` is called exactly once, possibly from another goroutine or an
	// interrupt context, when the transfer has finished.
	StartTransfer(tx, rx []byte, done func())
}

// Pin is a digital input.
type Pin interface {
	Get() bool
}

// Sensor is a Pin with a polarity: it's active when the pin reads ActiveHigh.
type Sensor struct {
	Pin        Pin
	ActiveHigh bool
}

// Active returns true if the sensed condition is present.
func (s *Sensor) Active() bool {
	return s.Pin.Get() == s.ActiveHigh
}

// Clock is a monotonic millisecond counter that is allowed to wrap around, and
// a way to pause for a while.
type Clock interface {
	Millis() uint32
	Delay(ms uint32)
}

// SystemClock implements [Clock] with the Go runtime's monotonic clock.
type SystemClock struct {
	epoch time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{epoch: time.Now()}
}

func (c *SystemClock) Millis() uint32 {
	return uint32(time.Since(c.epoch).Milliseconds())
}

func (c *SystemClock) Delay(ms uint32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}
