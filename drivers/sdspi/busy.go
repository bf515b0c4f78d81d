package sdspi

import "sync/atomic"

const (
	busyLive  = 1 << 0
	busyLatch = 1 << 1
)

// busyFlags holds the live "an operation is running" flag and the latch that
// remembers it until somebody looks. Both live in one word so the latch can be
// read and reset in a single atomic step.
type busyFlags struct {
	bits atomic.Uint32
}

func (b *busyFlags) enter() {
	b.bits.Store(busyLive | busyLatch)
}

func (b *busyFlags) leave() {
	for {
		old := b.bits.Load()
		if b.bits.CompareAndSwap(old, old&^busyLive) {
			return
		}
	}
}

func (b *busyFlags) live() bool {
	return b.bits.Load()&busyLive != 0
}

// observe returns the latch and resets it to the live flag.
func (b *busyFlags) observe() bool {
	for {
		old := b.bits.Load()
		next := old & busyLive
		if next != 0 {
			next |= busyLatch
		}
		if b.bits.CompareAndSwap(old, next) {
			return old&busyLatch != 0
		}
	}
}
