package blockcache_test

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	sd "github.com/dargueta/sdspi"
	c "github.com/dargueta/sdspi/drivers/common"
	"github.com/dargueta/sdspi/drivers/common/blockcache"
	"github.com/dargueta/sdspi/hal/sim"
	sdtest "github.com/dargueta/sdspi/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test block fetch functionality with no trickery such as reading past the end
// of the image.
func TestBlockCache__Fetch__Basic(t *testing.T) {
	rawBlocks := sdtest.CreateRandomImage(128, 64, t)
	cache := sdtest.CreateDefaultCache(128, 64, false, rawBlocks, t)

	currentBlock := make([]byte, 128)
	for i := c.LogicalBlock(0); i < 64; i++ {
		_, err := cache.ReadAt(currentBlock, i)
		if err != nil {
			t.Errorf("failed to read block %d of [0, 64): %s", i, err.Error())
			continue
		}

		start := i * 128
		if !bytes.Equal(currentBlock, rawBlocks[start:start+128]) {
			t.Errorf("block %d read from the cache doesn't match", i)
		}
	}
}

// Trying to read past the end of an image must fail.
func TestBlockCache__Fetch__ReadPastEnd(t *testing.T) {
	cache := sdtest.CreateDefaultCache(512, 16, false, nil, t)
	buffer := make([]byte, 512)

	nRead, err := cache.ReadAt(buffer, 0)
	assert.NoError(t, err, "failed to read first block")
	assert.Equal(t, len(buffer), nRead)

	nRead, err = cache.ReadAt(buffer, 15)
	assert.NoError(t, err, "failed to read last block")
	assert.Equal(t, len(buffer), nRead)

	nRead, err = cache.ReadAt(buffer, 16)
	assert.Error(t, err, "tried reading block 16 of [0, 16) but it didn't fail")
	assert.Equal(t, 0, nRead)

	nRead, err = cache.ReadAt([]byte{}, 16)
	assert.Error(t, err, "tried reading 0 bytes of block 16 of [0, 16) but it didn't fail")
	assert.Equal(t, 0, nRead)

	nRead, err = cache.ReadAt(make([]byte, 8192), 0)
	assert.NoError(t, err, "failed reading entire image into buffer")
	assert.EqualValues(t, cache.Size(), nRead)

	nRead, err = cache.ReadAt(make([]byte, 8193), 0)
	assert.Error(t, err, "should've failed to read entire image + 1 byte into buffer")
	assert.Equal(t, 0, nRead)
}

// Write to a block and then read back that same block. You should always get
// back what you wrote.
func TestBlockCache__Write__Basic(t *testing.T) {
	cache := sdtest.CreateDefaultCache(512, 16, true, nil, t)
	writeBuffer := make([]byte, cache.BytesPerBlock())
	readBuffer := make([]byte, cache.BytesPerBlock())

	for i := 0; i < int(cache.TotalBlocks()); i++ {
		rand.Read(writeBuffer)
		_, err := cache.WriteAt(writeBuffer, c.LogicalBlock(i))
		require.NoError(t, err)
		_, err = cache.ReadAt(readBuffer, c.LogicalBlock(i))
		require.NoError(t, err)

		assert.Equalf(
			t, writeBuffer, readBuffer, "wrote to block %d but read back different data", i)
		assert.True(t, cache.IsDirty(c.LogicalBlock(i)), "block %d isn't dirty", i)
	}
}

// Attempting to write starting past the end of the cache fails.
func TestBlockCache__Write__WriteStartingPastEndFails(t *testing.T) {
	cache := sdtest.CreateDefaultCache(512, 16, true, nil, t)
	writeBuffer := make([]byte, cache.BytesPerBlock())

	n, err := cache.WriteAt(writeBuffer, c.LogicalBlock(16))
	assert.Error(t, err, "writing past the end of the buffer should've failed but it didn't")
	assert.Equal(t, 0, n)
}

// If we write to a block inside the cache but the buffer extends past the end
// of the cache, it fails immediately and no data is modified.
func TestBlockCache__Write__WriteOverlappingPastEndFails(t *testing.T) {
	image := sdtest.CreateRandomImage(512, 16, t)
	original := bytes.Clone(image)
	cache := sdtest.CreateDefaultCache(512, 16, true, image, t)

	writeBuffer := make([]byte, cache.BytesPerBlock()*5)
	rand.Read(writeBuffer)

	n, err := cache.WriteAt(writeBuffer, c.LogicalBlock(12))
	assert.Error(t, err, "writing past the end of the buffer should've failed but it didn't")
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, cache.DirtyBlocks())

	require.NoError(t, cache.Flush())
	assert.Equal(t, original, image, "image was modified but shouldn't've been")
}

// Writing a partial block keeps the rest of the block's existing contents.
func TestBlockCache__Write__PartialBlockKeepsTail(t *testing.T) {
	image := sdtest.CreateRandomImage(512, 4, t)
	original := bytes.Clone(image)
	cache := sdtest.CreateDefaultCache(512, 4, true, image, t)

	patch := bytes.Repeat([]byte{0xA5}, 700)
	n, err := cache.WriteAt(patch, 1)
	require.NoError(t, err)
	assert.Equal(t, 700, n)
	assert.Equal(t, 2, cache.DirtyBlocks())

	require.NoError(t, cache.Flush())
	assert.Equal(t, 0, cache.DirtyBlocks())
	assert.Equal(t, original[:512], image[:512])
	assert.Equal(t, patch, image[512:1212])
	assert.Equal(t, original[1212:], image[1212:])
}

// Nothing reaches the backing storage until Flush.
func TestBlockCache__Flush__WritesBack(t *testing.T) {
	image := sdtest.CreateRandomImage(512, 8, t)
	original := bytes.Clone(image)
	cache := sdtest.CreateDefaultCache(512, 8, true, image, t)

	data := sdtest.CreateRandomImage(512, 2, t)
	_, err := cache.WriteAt(data, 3)
	require.NoError(t, err)
	assert.Equal(t, original, image, "write went through before flush")

	require.NoError(t, cache.Flush())
	assert.Equal(t, data, image[3*512:5*512])
	assert.False(t, cache.IsDirty(3))
	assert.False(t, cache.IsDirty(4))
}

// A block that fails to flush stays dirty, and the other blocks are still
// written.
func TestBlockCache__Flush__FailedBlockStaysDirty(t *testing.T) {
	storage := make([]byte, 4*64)
	failure := errors.New("bad block")

	fetch := func(blockIndex c.LogicalBlock, buffer []byte) error {
		copy(buffer, storage[blockIndex*64:])
		return nil
	}
	flush := func(blockIndex c.LogicalBlock, buffer []byte) error {
		if blockIndex == 2 {
			return failure
		}
		copy(storage[blockIndex*64:], buffer)
		return nil
	}
	cache := blockcache.New(64, 4, fetch, flush)

	_, err := cache.WriteAt(bytes.Repeat([]byte{0x11}, 4*64), 0)
	require.NoError(t, err)

	err = cache.Flush()
	require.Error(t, err)
	assert.ErrorIs(t, err, failure)
	assert.True(t, cache.IsDirty(2))
	assert.Equal(t, 1, cache.DirtyBlocks())
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 2*64), storage[:2*64])
	assert.Equal(t, make([]byte, 64), storage[2*64:3*64])
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 64), storage[3*64:])
}

// Discard drops clean blocks so they're fetched again, but keeps dirty ones.
func TestBlockCache__Discard(t *testing.T) {
	image := sdtest.CreateRandomImage(512, 4, t)
	cache := sdtest.CreateDefaultCache(512, 4, true, image, t)
	buffer := make([]byte, 512)

	_, err := cache.ReadAt(buffer, 0)
	require.NoError(t, err)
	_, err = cache.WriteAt(bytes.Repeat([]byte{0x22}, 512), 1)
	require.NoError(t, err)

	// Change the storage behind the cache's back.
	copy(image[:512], bytes.Repeat([]byte{0x33}, 512))
	cache.Discard()

	_, err = cache.ReadAt(buffer, 0)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x33}, 512), buffer, "clean block wasn't refetched")

	_, err = cache.ReadAt(buffer, 1)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x22}, 512), buffer, "dirty block was dropped")
}

// A cache over a real device reads and writes the card's sectors.
func TestBlockCache__NewForDevice(t *testing.T) {
	image := sdtest.CreateRandomImage(512, 2048, t)
	card := sdtest.NewSimulatedCard(t, sim.ModelSDSC, image)
	driver := sdtest.NewSimulatedDriver(t, card)

	volume, err := c.NewSectorDevice(driver, 1024)
	require.NoError(t, err)
	cache := blockcache.NewForDevice(volume)
	assert.EqualValues(t, 512, cache.BytesPerBlock())
	assert.EqualValues(t, 1024, cache.TotalBlocks())

	buffer := make([]byte, 1024)
	_, err = cache.ReadAt(buffer, 10)
	require.NoError(t, err)
	assert.Equal(t, image[1034*512:1036*512], buffer)

	data := sdtest.CreateRandomImage(512, 3, t)
	_, err = cache.WriteAt(data, 1021)
	require.NoError(t, err)
	require.NoError(t, cache.Flush())
	assert.Equal(t, data, image[2045*512:])

	_, err = cache.ReadAt(buffer, 1023)
	assert.Error(t, err)
}

// Flush failures from the device keep their driver error codes.
func TestBlockCache__NewForDevice__WriteProtected(t *testing.T) {
	image := sdtest.CreateRandomImage(512, 1024, t)
	card := sdtest.NewSimulatedCard(t, sim.ModelSDHC, image)
	driver := sdtest.NewSimulatedDriver(t, card)

	volume, err := c.NewSectorDevice(driver, 0)
	require.NoError(t, err)
	cache := blockcache.NewForDevice(volume)

	_, err = cache.WriteAt(make([]byte, 512), 5)
	require.NoError(t, err)

	card.WriteProtect.Set(true)
	err = cache.Flush()
	assert.ErrorIs(t, err, sd.ErrWriteProtected)
	assert.True(t, cache.IsDirty(5))
}
