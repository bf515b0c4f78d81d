package sdspi

import (
	"crypto/rand"
	"sync"
	"testing"

	"github.com/dargueta/sdspi/hal"
	"github.com/dargueta/sdspi/hal/sim"
	"github.com/stretchr/testify/require"
)

func newTestCard(t *testing.T, model sim.Model, sectors uint32) *sim.Card {
	card, err := sim.NewMemoryCard(model, sectors)
	require.NoError(t, err, "failed to create simulated %s card", model)
	return card
}

// newTestDriver creates a driver wired to `card`'s bus, clock, and sensors.
func newTestDriver(t *testing.T, card *sim.Card, configure ...func(*Config)) *Driver {
	cfg := Config{
		Bus:          card,
		Clock:        card.Clock(),
		CardDetect:   &hal.Sensor{Pin: card.CardDetect, ActiveHigh: true},
		WriteProtect: &hal.Sensor{Pin: card.WriteProtect, ActiveHigh: true},
		Mutex:        &sync.Mutex{},
	}
	for _, fn := range configure {
		fn(&cfg)
	}

	driver, err := New(cfg)
	require.NoError(t, err)
	return driver
}

// newReadyDriver creates a card and an initialized driver for it.
func newReadyDriver(
	t *testing.T, model sim.Model, sectors uint32, configure ...func(*Config),
) (*Driver, *sim.Card) {
	card := newTestCard(t, model, sectors)
	driver := newTestDriver(t, card, configure...)

	status, err := driver.Initialize()
	require.NoError(t, err, "failed to initialize %s card", model)
	require.True(t, status.Ready(), "status after initialization: %s", status)
	card.ResetLog()
	return driver, card
}

func withDMA(cfg *Config) {
	cfg.UseDMA = true
}

func randomSectors(t *testing.T, count uint) []byte {
	data := make([]byte, count*512)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

// scriptedBus plays back a fixed sequence of bytes, then idles. The clock moves
// one millisecond every `bytesPerMilli` bytes.
type scriptedBus struct {
	clock         *sim.Clock
	bytesPerMilli int
	script        []byte
	sent          []byte
	transferred   int
}

func newScriptedBus(script ...byte) *scriptedBus {
	return &scriptedBus{clock: sim.NewClock(0), bytesPerMilli: 8, script: script}
}

func (b *scriptedBus) SetChipSelect(asserted bool) {}

func (b *scriptedBus) SetClock(hz uint32) error {
	return nil
}

func (b *scriptedBus) Transfer(in byte) byte {
	b.transferred++
	if b.transferred%b.bytesPerMilli == 0 {
		b.clock.Advance(1)
	}
	b.sent = append(b.sent, in)

	if len(b.script) == 0 {
		return 0xFF
	}
	out := b.script[0]
	b.script = b.script[1:]
	return out
}

func newScriptedDriver(t *testing.T, bus *scriptedBus) *Driver {
	driver, err := New(Config{Bus: bus, Clock: bus.clock})
	require.NoError(t, err)
	return driver
}
