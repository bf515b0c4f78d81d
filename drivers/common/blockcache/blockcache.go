// Package blockcache provides a write-back sector cache for a volume, so a
// filesystem can make many small changes to metadata without a bus transaction
// for every one.
//
// All block indexes begin at 0.
package blockcache

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	c "github.com/dargueta/sdspi/drivers/common"
	"github.com/hashicorp/go-multierror"
)

// FetchBlockCallback is a pointer to a function that writes the contents of a
// single block from the underlying storage into `buffer`. `buffer` is guaranteed
// to be the size of exactly one block.
type FetchBlockCallback func(blockIndex c.LogicalBlock, buffer []byte) error

// FlushBlockCallback is a pointer to a function that writes the contents of the
// given buffer to a block in the backing storage. `buffer` is guaranteed to be
// the size of exactly one block.
type FlushBlockCallback func(blockIndex c.LogicalBlock, buffer []byte) error

// BlockCache holds copies of the blocks that have been touched. Blocks are only
// allocated when they're first loaded or written, so a cache can span a whole
// card.
type BlockCache struct {
	loadedBlocks  bitmap.Bitmap
	dirtyBlocks   bitmap.Bitmap
	fetch         FetchBlockCallback
	flush         FlushBlockCallback
	bytesPerBlock uint
	totalBlocks   uint
	blocks        map[c.LogicalBlock][]byte
}

// New creates a new BlockCache.
func New(
	bytesPerBlock uint,
	totalBlocks uint,
	fetchCb FetchBlockCallback,
	flushCb FlushBlockCallback,
) *BlockCache {
	return &BlockCache{
		loadedBlocks:  bitmap.NewSlice(int(totalBlocks)),
		dirtyBlocks:   bitmap.NewSlice(int(totalBlocks)),
		blocks:        make(map[c.LogicalBlock][]byte),
		fetch:         fetchCb,
		flush:         flushCb,
		bytesPerBlock: bytesPerBlock,
		totalBlocks:   totalBlocks,
	}
}

// NewForDevice creates a cache covering every sector of `device`.
func NewForDevice(device *c.SectorDevice) *BlockCache {
	fetch := func(blockIndex c.LogicalBlock, buffer []byte) error {
		return device.ReadInto(blockIndex, buffer)
	}
	flush := func(blockIndex c.LogicalBlock, buffer []byte) error {
		return device.WriteBlocks(blockIndex, buffer)
	}
	return New(512, device.TotalSectors, fetch, flush)
}

// BytesPerBlock returns the size of a single block, in bytes.
func (cache *BlockCache) BytesPerBlock() uint {
	return cache.bytesPerBlock
}

// TotalBlocks returns the size of the cache, in blocks.
func (cache *BlockCache) TotalBlocks() uint {
	return cache.totalBlocks
}

// Size returns the size of the cached region, in bytes.
func (cache *BlockCache) Size() uint {
	return cache.bytesPerBlock * cache.totalBlocks
}

// IsDirty returns true if the block has changes that haven't been flushed.
func (cache *BlockCache) IsDirty(blockIndex c.LogicalBlock) bool {
	return uint(blockIndex) < cache.totalBlocks && cache.dirtyBlocks.Get(int(blockIndex))
}

// DirtyBlocks returns how many blocks have changes that haven't been flushed.
func (cache *BlockCache) DirtyBlocks() int {
	total := 0
	for blockIndex := range cache.blocks {
		if cache.dirtyBlocks.Get(int(blockIndex)) {
			total++
		}
	}
	return total
}

func (cache *BlockCache) sizeToNumBlocks(size uint) uint {
	return (size + cache.bytesPerBlock - 1) / cache.bytesPerBlock
}

// checkBounds verifies that `bufferSize` bytes can be accessed in the cache
// starting from block `start`. If not, it returns an error describing the exact
// conditions. If no error would occur, this returns nil.
func (cache *BlockCache) checkBounds(start c.LogicalBlock, bufferSize uint) error {
	numBlocks := cache.sizeToNumBlocks(bufferSize)

	if uint(start) >= cache.totalBlocks || uint(start)+numBlocks > cache.totalBlocks {
		return fmt.Errorf(
			"can't access %d bytes (%d blocks) from block %d; range not in [0, %d)",
			bufferSize,
			numBlocks,
			start,
			cache.totalBlocks,
		)
	}
	return nil
}

// block returns the cache's storage for one block, allocating it if needed.
func (cache *BlockCache) block(blockIndex c.LogicalBlock) []byte {
	buffer, ok := cache.blocks[blockIndex]
	if !ok {
		buffer = make([]byte, cache.bytesPerBlock)
		cache.blocks[blockIndex] = buffer
	}
	return buffer
}

// loadBlockRange ensures that all blocks in the range [start, start + count) are
// present in the cache, and loads any missing ones from storage.
func (cache *BlockCache) loadBlockRange(start c.LogicalBlock, count uint) error {
	for blockIndex := int(start); uint(blockIndex) < uint(start)+count; blockIndex++ {
		// Skip if the block is in the cache. Since dirty blocks are present by
		// definition, we don't need to check `dirtyBlocks`.
		if cache.loadedBlocks.Get(blockIndex) {
			continue
		}

		buffer := cache.block(c.LogicalBlock(blockIndex))
		err := cache.fetch(c.LogicalBlock(blockIndex), buffer)
		if err != nil {
			delete(cache.blocks, c.LogicalBlock(blockIndex))
			return fmt.Errorf("failed to load block %d from source: %w", blockIndex, err)
		}

		// Mark the block as present and clean.
		cache.loadedBlocks.Set(blockIndex, true)
		cache.dirtyBlocks.Set(blockIndex, false)
	}

	return nil
}

// Flush writes out every dirty block to the underlying storage and marks it as
// clean. A block that fails to flush stays dirty and the remaining blocks are
// still attempted; all failures are returned together.
func (cache *BlockCache) Flush() error {
	var result *multierror.Error

	for blockIndex, buffer := range cache.blocks {
		if !cache.dirtyBlocks.Get(int(blockIndex)) {
			continue
		}

		err := cache.flush(blockIndex, buffer)
		if err != nil {
			result = multierror.Append(
				result,
				fmt.Errorf("failed to flush block %d to storage: %w", blockIndex, err),
			)
			continue
		}
		cache.dirtyBlocks.Set(int(blockIndex), false)
	}

	return result.ErrorOrNil()
}

// Discard drops every clean block from the cache. Dirty blocks are kept so no
// data is lost; Flush first to drop everything.
func (cache *BlockCache) Discard() {
	for blockIndex := range cache.blocks {
		if !cache.dirtyBlocks.Get(int(blockIndex)) {
			cache.loadedBlocks.Set(int(blockIndex), false)
			delete(cache.blocks, blockIndex)
		}
	}
}

// ReadAt fills `buffer` with data beginning at block `start`, loading any missing
// blocks first. `buffer` does not need to be an exact multiple of the size of
// one block.
//
// Attempting to read past the end of the cache will result in an error, and
// `buffer` will be left unmodified.
func (cache *BlockCache) ReadAt(buffer []byte, start c.LogicalBlock) (int, error) {
	bufLen := uint(len(buffer))
	err := cache.checkBounds(start, bufLen)
	if err != nil {
		return 0, err
	}

	numBlocks := cache.sizeToNumBlocks(bufLen)
	err = cache.loadBlockRange(start, numBlocks)
	if err != nil {
		return 0, err
	}

	copied := 0
	for i := uint(0); i < numBlocks; i++ {
		copied += copy(buffer[copied:], cache.blocks[start+c.LogicalBlock(i)])
	}
	return copied, nil
}

// WriteAt copies data into the cache from `buffer`, beginning at block `start`.
// All modified blocks are marked as dirty. A trailing partial block keeps the
// rest of its contents, so it's loaded first if it isn't already cached.
//
// Attempting to write past the end of the cache will result in an error, and
// the cache will be left unmodified.
func (cache *BlockCache) WriteAt(buffer []byte, start c.LogicalBlock) (int, error) {
	bufLen := uint(len(buffer))
	err := cache.checkBounds(start, bufLen)
	if err != nil {
		return 0, err
	}

	totalBlocks := cache.sizeToNumBlocks(bufLen)
	if bufLen%cache.bytesPerBlock != 0 {
		err = cache.loadBlockRange(start+c.LogicalBlock(totalBlocks-1), 1)
		if err != nil {
			return 0, err
		}
	}

	copied := 0
	for i := uint(0); i < totalBlocks; i++ {
		currentBlockIndex := start + c.LogicalBlock(i)
		copied += copy(cache.block(currentBlockIndex), buffer[copied:])

		// Mark all blocks we wrote to as present and dirty.
		cache.loadedBlocks.Set(int(currentBlockIndex), true)
		cache.dirtyBlocks.Set(int(currentBlockIndex), true)
	}
	return copied, nil
}
