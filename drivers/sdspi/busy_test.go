package sdspi

import (
	"sync"
	"testing"

	"github.com/dargueta/sdspi/hal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusyFlags__Latch(t *testing.T) {
	var flags busyFlags
	assert.False(t, flags.observe(), "fresh flags report busy")

	flags.enter()
	assert.True(t, flags.live())
	flags.leave()
	assert.False(t, flags.live())

	assert.True(t, flags.observe(), "latch lost the operation")
	assert.False(t, flags.observe(), "latch wasn't reset")
}

// While an operation is still running, the latch is reset to "busy" rather than
// cleared.
func TestBusyFlags__ObserveWhileBusy(t *testing.T) {
	var flags busyFlags
	flags.enter()

	assert.True(t, flags.observe())
	assert.True(t, flags.observe())
	flags.leave()
	assert.True(t, flags.observe())
	assert.False(t, flags.observe())
}

func TestBusyFlags__ConcurrentObservers(t *testing.T) {
	var flags busyFlags
	flags.enter()
	flags.leave()

	const observers = 16
	results := make(chan bool, observers)
	var wg sync.WaitGroup
	for i := 0; i < observers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- flags.observe()
		}()
	}
	wg.Wait()
	close(results)

	seen := 0
	for wasBusy := range results {
		if wasBusy {
			seen++
		}
	}
	assert.Equal(t, 1, seen, "exactly one observer should see the latched operation")
}

// busySpy checks the driver's busy flag from inside a bus transfer.
type busySpy struct {
	*sim.Card
	driver      *Driver
	sawBusy     bool
	sawLatch    bool
	transferred int
}

func (s *busySpy) Transfer(b byte) byte {
	if s.transferred == 0 {
		s.sawBusy = s.driver.Busy()
		s.sawLatch = s.driver.WasBusySinceLastCheck()
	}
	s.transferred++
	return s.Card.Transfer(b)
}

func TestDriver__BusyDuringOperation(t *testing.T) {
	card := newTestCard(t, sim.ModelSDHC, 2048)
	spy := &busySpy{Card: card}
	driver := newTestDriver(t, card, func(cfg *Config) { cfg.Bus = spy })
	spy.driver = driver

	assert.False(t, driver.WasBusySinceLastCheck())
	assert.False(t, driver.Busy())

	_, err := driver.Initialize()
	require.NoError(t, err)

	assert.True(t, spy.sawBusy, "driver wasn't busy during Initialize")
	assert.True(t, spy.sawLatch)
	assert.False(t, driver.Busy())
	// The check from inside Initialize reset the latch to "busy" since the
	// operation was still running then.
	assert.True(t, driver.WasBusySinceLastCheck())
	assert.False(t, driver.WasBusySinceLastCheck())

	driver.Status()
	assert.False(t, driver.WasBusySinceLastCheck(), "Status doesn't use the bus")
}
