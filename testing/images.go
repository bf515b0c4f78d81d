// Package testing contains fixtures shared by the tests of packages that sit on
// top of the driver.
package testing

import (
	"crypto/rand"
	"sync"
	"testing"

	"github.com/dargueta/sdspi/drivers/sdspi"
	"github.com/dargueta/sdspi/hal"
	"github.com/dargueta/sdspi/hal/sim"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

// CreateRandomImage creates an image with the given number of blocks and bytes
// per block. It is guaranteed to either return a valid slice or fail the test
// and abort.
func CreateRandomImage(bytesPerBlock, totalBlocks uint, t *testing.T) []byte {
	backingData := make([]byte, bytesPerBlock*totalBlocks)

	_, err := rand.Read(backingData)
	require.NoErrorf(
		t,
		err,
		"failed to initialize %d blocks of size %d with random bytes",
		totalBlocks,
		bytesPerBlock,
	)
	return backingData
}

// NewSimulatedCard creates an emulated card whose sectors are backed by
// `image`. Writes through the card land in `image`, so tests can check the
// bytes directly. `image` must be a whole number of sectors, and a multiple of
// 1024 sectors for [sim.ModelSDHC].
func NewSimulatedCard(t *testing.T, model sim.Model, image []byte) *sim.Card {
	require.Zero(t, len(image)%512, "image size %d isn't a whole number of sectors", len(image))

	card, err := sim.NewCard(
		sim.Config{
			Model:   model,
			Sectors: uint32(len(image) / 512),
			Storage: bytesextra.NewReadWriteSeeker(image),
		},
	)
	require.NoError(t, err, "failed to create simulated %s card", model)
	return card
}

// NewSimulatedDriver creates an initialized driver attached to `card`, with
// both sensors wired to the card's pins.
func NewSimulatedDriver(t *testing.T, card *sim.Card) *sdspi.Driver {
	driver, err := sdspi.New(
		sdspi.Config{
			Bus:          card,
			Clock:        card.Clock(),
			CardDetect:   &hal.Sensor{Pin: card.CardDetect, ActiveHigh: true},
			WriteProtect: &hal.Sensor{Pin: card.WriteProtect, ActiveHigh: true},
			Mutex:        &sync.Mutex{},
		},
	)
	require.NoError(t, err)

	status, err := driver.Initialize()
	require.NoError(t, err, "failed to initialize %s card", card.Model())
	require.True(t, status.Ready(), "status after initialization: %s", status)
	return driver
}

// NewRandomDriver is a shortcut for a driver on a card full of random data. It
// returns the image backing the card as well.
func NewRandomDriver(
	t *testing.T, model sim.Model, totalSectors uint,
) (*sdspi.Driver, []byte) {
	image := CreateRandomImage(512, totalSectors, t)
	card := NewSimulatedCard(t, model, image)
	return NewSimulatedDriver(t, card), image
}
