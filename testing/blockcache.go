package testing

import (
	"fmt"
	"testing"

	sd "github.com/dargueta/sdspi"
	c "github.com/dargueta/sdspi/drivers/common"
	"github.com/dargueta/sdspi/drivers/common/blockcache"
	"github.com/stretchr/testify/assert"
)

// imageBlock returns the slice of `image` holding block `index`, or fails the
// test if the cache asked for a block outside the image.
func imageBlock(t *testing.T, image []byte, bytesPerBlock uint, index c.LogicalBlock) ([]byte, error) {
	start := uint(index) * bytesPerBlock
	if start+bytesPerBlock > uint(len(image)) {
		message := fmt.Sprintf(
			"cache accessed block %d, past the end of a %d-block image",
			index,
			uint(len(image))/bytesPerBlock,
		)
		t.Error(message)
		return nil, sd.ErrInvalidArgument.WithMessage(message)
	}
	return image[start : start+bytesPerBlock], nil
}

// CreateDefaultCache creates a block cache of `totalBlocks` blocks that loads
// from and flushes to `backingData`. Pass nil for `backingData` to get random
// contents.
//
// The callbacks fail the test on any out-of-bounds access, and on any flush if
// `writable` is false. That means negative conditions have to be tested with
// your own callbacks; see [CreateRandomImage].
func CreateDefaultCache(
	bytesPerBlock,
	totalBlocks uint,
	writable bool,
	backingData []byte,
	t *testing.T,
) *blockcache.BlockCache {
	if backingData == nil {
		backingData = CreateRandomImage(bytesPerBlock, totalBlocks, t)
	}

	fetch := func(index c.LogicalBlock, buffer []byte) error {
		block, err := imageBlock(t, backingData, bytesPerBlock, index)
		if err == nil {
			copy(buffer, block)
		}
		return err
	}

	flush := func(index c.LogicalBlock, buffer []byte) error {
		if !writable {
			message := fmt.Sprintf("cache flushed block %d of a read-only image", index)
			t.Error(message)
			return sd.ErrWriteProtected.WithMessage(message)
		}
		block, err := imageBlock(t, backingData, bytesPerBlock, index)
		if err == nil {
			copy(block, buffer)
		}
		return err
	}

	cache := blockcache.New(bytesPerBlock, totalBlocks, fetch, flush)
	assert.EqualValues(t, bytesPerBlock, cache.BytesPerBlock(), "wrong bytes per block")
	assert.EqualValues(t, totalBlocks, cache.TotalBlocks(), "wrong total blocks")
	assert.EqualValues(t, bytesPerBlock*totalBlocks, cache.Size(), "total size is wrong")
	return cache
}
