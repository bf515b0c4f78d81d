package hal

import (
	"fmt"
	"time"

	"github.com/dargueta/sdspi/errors"
)

// DefaultDMATimeout bounds how long a DMA transfer may take before the
// transport gives up on the completion signal.
const DefaultDMATimeout = time.Second

// Transport moves bytes over a [Bus] on behalf of the protocol code.
type Transport interface {
	// Exchange shifts one byte out and returns the byte shifted in.
	Exchange(b byte) byte

	// ExchangeBurst shifts out all of `tx`. If `rx` is non-nil it must be the
	// same length as `tx` and receives the incoming bytes; it may alias `tx`.
	ExchangeBurst(tx, rx []byte) error

	// Settle blocks until no burst is running on the bus. Call it before giving
	// up the bus, e.g. dropping chip select or releasing a lock.
	Settle()
}

// NewTransport picks the transfer strategy for `bus`. Asking for DMA on a bus
// that isn't an [AsyncBus] is an error.
func NewTransport(bus Bus, useDMA bool, dmaTimeout time.Duration) (Transport, error) {
	if !useDMA {
		return &SyncTransport{Bus: bus}, nil
	}

	asyncBus, ok := bus.(AsyncBus)
	if !ok {
		return nil, errors.New(
			errors.ResultParamError,
			fmt.Sprintf("DMA requested but %T can't run asynchronous transfers", bus),
		)
	}
	if dmaTimeout <= 0 {
		dmaTimeout = DefaultDMATimeout
	}
	return &DMATransport{Bus: asyncBus, Timeout: dmaTimeout}, nil
}

// SyncTransport clocks bursts one byte at a time on the calling goroutine.
type SyncTransport struct {
	Bus Bus
}

func (t *SyncTransport) Exchange(b byte) byte {
	return t.Bus.Transfer(b)
}

// Settle returns immediately; synchronous bursts are over when they return.
func (t *SyncTransport) Settle() {}

func (t *SyncTransport) ExchangeBurst(tx, rx []byte) error {
	if rx != nil && len(rx) != len(tx) {
		return errors.New(
			errors.ResultParamError,
			fmt.Sprintf("rx is %d bytes, tx is %d", len(rx), len(tx)),
		)
	}

	for i, b := range tx {
		in := t.Bus.Transfer(b)
		if rx != nil {
			rx[i] = in
		}
	}
	return nil
}

// DMATransport hands bursts to the bus and suspends the caller until the bus
// signals completion.
//
// A burst that outlives Timeout is reported as failed but keeps running on the
// bus; the next call on the transport, or Settle, waits for it to finish.
type DMATransport struct {
	Bus AsyncBus
	// Timeout is measured on the wall clock, since a DMA engine runs in real
	// time whatever clock the protocol code is given.
	Timeout time.Duration
	pending chan struct{}
}

func (t *DMATransport) Exchange(b byte) byte {
	t.Settle()
	return t.Bus.Transfer(b)
}

// Settle waits for the completion signal of a burst that timed out.
func (t *DMATransport) Settle() {
	if t.pending != nil {
		<-t.pending
		t.pending = nil
	}
}

func (t *DMATransport) ExchangeBurst(tx, rx []byte) error {
	if rx != nil && len(rx) != len(tx) {
		return errors.New(
			errors.ResultParamError,
			fmt.Sprintf("rx is %d bytes, tx is %d", len(rx), len(tx)),
		)
	}
	t.Settle()
	if len(tx) == 0 {
		return nil
	}

	// One channel per burst; a timed-out one is kept until Settle drains it.
	signal := make(chan struct{}, 1)
	t.Bus.StartTransfer(tx, rx, func() {
		signal <- struct{}{}
	})

	timer := time.NewTimer(t.Timeout)
	defer timer.Stop()

	select {
	case <-signal:
		return nil
	case <-timer.C:
		t.pending = signal
		return errors.New(
			errors.ResultError,
			fmt.Sprintf("DMA transfer of %d bytes didn't complete within %s", len(tx), t.Timeout),
		)
	}
}
