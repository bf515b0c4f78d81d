package hal_test

import (
	"testing"
	"time"

	"github.com/dargueta/sdspi/errors"
	"github.com/dargueta/sdspi/hal"
	"github.com/dargueta/sdspi/hal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoBus returns each byte it's sent, shifted by one transfer.
type echoBus struct {
	last byte
	sent []byte
}

func (b *echoBus) SetChipSelect(asserted bool) {}

func (b *echoBus) SetClock(hz uint32) error {
	return nil
}

func (b *echoBus) Transfer(in byte) byte {
	out := b.last
	b.last = in
	b.sent = append(b.sent, in)
	return out
}

// stuckDMABus starts transfers that never finish.
type stuckDMABus struct {
	echoBus
}

func (b *stuckDMABus) StartTransfer(tx, rx []byte, done func()) {}

// lateDMABus finishes each transfer only when told to.
type lateDMABus struct {
	echoBus
	release chan struct{}
}

func (b *lateDMABus) StartTransfer(tx, rx []byte, done func()) {
	go func() {
		<-b.release
		done()
	}()
}

func TestNewTransport(t *testing.T) {
	transport, err := hal.NewTransport(&echoBus{}, false, 0)
	require.NoError(t, err)
	assert.IsType(t, &hal.SyncTransport{}, transport)

	_, err = hal.NewTransport(&echoBus{}, true, 0)
	assert.Equal(t, errors.ResultParamError, errors.ResultOf(err))

	transport, err = hal.NewTransport(&stuckDMABus{}, true, 0)
	require.NoError(t, err)
	require.IsType(t, &hal.DMATransport{}, transport)
	assert.Equal(t, hal.DefaultDMATimeout, transport.(*hal.DMATransport).Timeout)
}

func TestSyncTransport__Burst(t *testing.T) {
	bus := &echoBus{last: 0x99}
	transport := &hal.SyncTransport{Bus: bus}

	tx := []byte{1, 2, 3, 4}
	rx := make([]byte, 4)
	require.NoError(t, transport.ExchangeBurst(tx, rx))
	assert.Equal(t, []byte{0x99, 1, 2, 3}, rx)
	assert.Equal(t, tx, bus.sent)

	// Transmit only
	require.NoError(t, transport.ExchangeBurst([]byte{5, 6}, nil))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, bus.sent)
}

func TestSyncTransport__InPlace(t *testing.T) {
	bus := &echoBus{last: 0x10}
	transport := &hal.SyncTransport{Bus: bus}

	buffer := []byte{0x20, 0x30, 0x40}
	require.NoError(t, transport.ExchangeBurst(buffer, buffer))
	assert.Equal(t, []byte{0x10, 0x20, 0x30}, buffer)
	assert.Equal(t, []byte{0x20, 0x30, 0x40}, bus.sent)
}

func TestTransport__LengthMismatch(t *testing.T) {
	transports := []hal.Transport{
		&hal.SyncTransport{Bus: &echoBus{}},
		&hal.DMATransport{Bus: &stuckDMABus{}, Timeout: time.Second},
	}

	for _, transport := range transports {
		err := transport.ExchangeBurst(make([]byte, 4), make([]byte, 3))
		assert.Equal(t, errors.ResultParamError, errors.ResultOf(err), "%T", transport)
	}
}

func TestDMATransport__Completes(t *testing.T) {
	card, err := sim.NewMemoryCard(sim.ModelSDHC, 2048)
	require.NoError(t, err)
	card.SetChipSelect(true)

	transport := &hal.DMATransport{Bus: card, Timeout: time.Second}

	// GO_IDLE_STATE and two bytes to clock out the response.
	tx := []byte{0x40, 0, 0, 0, 0, 0x95, 0xFF, 0xFF}
	rx := make([]byte, len(tx))
	require.NoError(t, transport.ExchangeBurst(tx, rx))
	assert.EqualValues(t, 0x01, rx[7])
}

func TestDMATransport__Timeout(t *testing.T) {
	transport := &hal.DMATransport{Bus: &stuckDMABus{}, Timeout: 20 * time.Millisecond}

	start := time.Now()
	err := transport.ExchangeBurst(make([]byte, 16), nil)
	assert.Equal(t, errors.ResultError, errors.ResultOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

// A burst that timed out still owns the bus. Nothing else may go out until it
// finishes.
func TestDMATransport__TimedOutBurstHoldsBus(t *testing.T) {
	bus := &lateDMABus{release: make(chan struct{})}
	transport := &hal.DMATransport{Bus: bus, Timeout: 20 * time.Millisecond}

	err := transport.ExchangeBurst(make([]byte, 16), nil)
	require.Error(t, err)

	settled := make(chan struct{})
	go func() {
		transport.Settle()
		close(settled)
	}()

	select {
	case <-settled:
		t.Fatal("Settle returned while the burst was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(bus.release)
	select {
	case <-settled:
	case <-time.After(time.Second):
		t.Fatal("Settle didn't return after the burst finished")
	}

	// Nothing pending any more, so this goes straight to the bus.
	transport.Exchange(0x42)
	assert.Equal(t, []byte{0x42}, bus.sent)
}

func TestDMATransport__ExchangeWaitsForBurst(t *testing.T) {
	bus := &lateDMABus{release: make(chan struct{})}
	transport := &hal.DMATransport{Bus: bus, Timeout: 10 * time.Millisecond}
	require.Error(t, transport.ExchangeBurst(make([]byte, 4), nil))

	go func() {
		time.Sleep(60 * time.Millisecond)
		close(bus.release)
	}()

	start := time.Now()
	transport.Exchange(0x11)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, []byte{0x11}, bus.sent)
}

func TestDMATransport__EmptyBurst(t *testing.T) {
	transport := &hal.DMATransport{Bus: &stuckDMABus{}, Timeout: time.Millisecond}
	assert.NoError(t, transport.ExchangeBurst(nil, nil))
}

func TestSensor(t *testing.T) {
	pin := sim.NewPin(false)

	activeLow := hal.Sensor{Pin: pin, ActiveHigh: false}
	activeHigh := hal.Sensor{Pin: pin, ActiveHigh: true}
	assert.True(t, activeLow.Active())
	assert.False(t, activeHigh.Active())

	pin.Set(true)
	assert.False(t, activeLow.Active())
	assert.True(t, activeHigh.Active())
}

func TestSystemClock(t *testing.T) {
	clock := hal.NewSystemClock()
	before := clock.Millis()
	clock.Delay(5)
	assert.GreaterOrEqual(t, clock.Millis()-before, uint32(5))
}
