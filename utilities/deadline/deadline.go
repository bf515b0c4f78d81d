// Package deadline bounds polling loops against a free-running millisecond
// counter that wraps around every 2^32 ms.
package deadline

// Clock is a monotonic millisecond counter. It is allowed to wrap.
type Clock interface {
	Millis() uint32
}

// Deadline answers "has `duration` ms elapsed since Start or Restart".
type Deadline struct {
	clock    Clock
	start    uint32
	duration uint32
	end      uint32
}

// Start creates a deadline `durationMs` milliseconds from now.
func Start(clock Clock, durationMs uint32) *Deadline {
	d := &Deadline{clock: clock, duration: durationMs}
	d.Restart()
	return d
}

// Restart begins the same duration again from the current time.
func (d *Deadline) Restart() {
	d.start = d.clock.Millis()
	d.end = d.start + d.duration
}

// Duration gives the length of the deadline in milliseconds.
func (d *Deadline) Duration() uint32 {
	return d.duration
}

// Expired returns true once the clock has reached the end time. Durations must
// be well under half the counter's range for the wrapped case to be
// unambiguous.
func (d *Deadline) Expired() bool {
	now := d.clock.Millis()
	if d.end >= d.start {
		// The counter wrapping past zero after start means we're way past the end.
		return now >= d.end || now < d.start
	}
	// end wrapped past zero; the dead zone is [end, start).
	return now >= d.end && now < d.start
}
