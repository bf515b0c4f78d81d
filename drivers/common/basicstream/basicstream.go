// Package basicstream implements a basic file-like abstraction around a
// block-oriented cache.
package basicstream

import (
	"fmt"
	"io"

	sd "github.com/dargueta/sdspi"
	c "github.com/dargueta/sdspi/drivers/common"
	"github.com/dargueta/sdspi/drivers/common/blockcache"
)

// BasicStream is a file-like wrapper around a BlockCache that emulates a
// subset of the functionality provided by an [os.File] instance. Its size is
// fixed to the size of the cache.
type BasicStream struct {
	size     int64
	position int64
	data     *blockcache.BlockCache
	writable bool
}

var _ io.ReadWriteSeeker = (*BasicStream)(nil)
var _ io.ReaderAt = (*BasicStream)(nil)
var _ io.WriterAt = (*BasicStream)(nil)
var _ io.WriterTo = (*BasicStream)(nil)
var _ io.ReaderFrom = (*BasicStream)(nil)
var _ io.Closer = (*BasicStream)(nil)

// New creates a BasicStream covering all of `data`. Writes fail with
// [sd.ErrWriteProtected] unless `writable` is set.
func New(data *blockcache.BlockCache, writable bool) *BasicStream {
	return &BasicStream{
		size:     int64(data.Size()),
		data:     data,
		writable: writable,
	}
}

func (stream *BasicStream) convertLinearAddr(offset int64) (c.LogicalBlock, int64) {
	bytesPerBlock := int64(stream.data.BytesPerBlock())
	return c.LogicalBlock(offset / bytesPerBlock), offset % bytesPerBlock
}

// span loads the whole blocks covering [offset, offset+length).
func (stream *BasicStream) span(offset, length int64) (c.LogicalBlock, []byte, int64, error) {
	bytesPerBlock := int64(stream.data.BytesPerBlock())
	firstBlock, head := stream.convertLinearAddr(offset)
	numBlocks := (head + length + bytesPerBlock - 1) / bytesPerBlock

	blocks := make([]byte, numBlocks*bytesPerBlock)
	_, err := stream.data.ReadAt(blocks, firstBlock)
	if err != nil {
		return 0, nil, 0, err
	}
	return firstBlock, blocks, head, nil
}

// Close writes out all pending changes to the underlying storage. The stream
// should not be used for I/O operations after calling this method.
func (stream *BasicStream) Close() error {
	return stream.Sync()
}

func (stream *BasicStream) Read(buffer []byte) (int, error) {
	totalRead, err := stream.ReadAt(buffer, stream.position)
	stream.position += int64(totalRead)
	return totalRead, err
}

func (stream *BasicStream) ReadAt(buffer []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, sd.ErrInvalidArgument.WithMessage(fmt.Sprintf("negative offset %d", offset))
	}

	bufLen := int64(len(buffer))

	// Clamp the number of bytes to read to whichever is smaller; the length of
	// the buffer or the end of the stream.
	var numBytesToRead int64
	if offset >= stream.size {
		return 0, io.EOF
	} else if offset+bufLen >= stream.size {
		numBytesToRead = stream.size - offset
	} else {
		numBytesToRead = bufLen
	}
	if numBytesToRead == 0 {
		return 0, nil
	}

	_, sourceData, head, err := stream.span(offset, numBytesToRead)
	if err != nil {
		return 0, err
	}
	copy(buffer, sourceData[head:head+numBytesToRead])

	if numBytesToRead < bufLen {
		err = io.EOF
	}
	return int(numBytesToRead), err
}

// ReadFrom copies `r` into the stream at the current position until `r` runs
// out or the stream is full.
func (stream *BasicStream) ReadFrom(r io.Reader) (int64, error) {
	if !stream.writable {
		return 0, sd.ErrWriteProtected
	}

	buffer := make([]byte, stream.data.BytesPerBlock())
	totalBytesRead := int64(0)
	for {
		lastReadSize, readErr := r.Read(buffer)
		if lastReadSize > 0 {
			written, writeErr := stream.Write(buffer[:lastReadSize])
			totalBytesRead += int64(written)
			if writeErr != nil {
				return totalBytesRead, writeErr
			}
		}

		if readErr == io.EOF {
			return totalBytesRead, nil
		} else if readErr != nil {
			return totalBytesRead, readErr
		}
	}
}

// Seek resets the stream pointer to `offset` bytes from the origin specified in
// `whence`. It must be one of [io.SeekStart], [io.SeekCurrent], or [io.SeekEnd].
//
// Seeking past the end is possible, but reads there return no data and writes
// fail.
func (stream *BasicStream) Seek(offset int64, whence int) (int64, error) {
	var absoluteOffset int64

	switch whence {
	case io.SeekStart:
		absoluteOffset = offset
	case io.SeekCurrent:
		absoluteOffset = stream.position + offset
	case io.SeekEnd:
		absoluteOffset = stream.size + offset
	default:
		return stream.position, fmt.Errorf("invalid seek origin: %d", whence)
	}

	if absoluteOffset < 0 {
		return stream.position,
			fmt.Errorf(
				"result of Seek(offset=%d, whence=%d) is negative",
				offset,
				whence,
			)
	}

	stream.position = absoluteOffset
	return absoluteOffset, nil
}

// Size returns the size of the stream, in bytes.
func (stream *BasicStream) Size() int64 {
	return stream.size
}

// Sync writes out all pending changes to the backing storage. After calling this,
// all loaded blocks will be marked clean.
func (stream *BasicStream) Sync() error {
	return stream.data.Flush()
}

// Tell returns the current stream position. It's a more concise way of calling
// `Seek(0, io.SeekCurrent)`.
func (stream *BasicStream) Tell() int64 {
	return stream.position
}

func (stream *BasicStream) Write(buffer []byte) (int, error) {
	totalWritten, err := stream.WriteAt(buffer, stream.position)
	stream.position += int64(totalWritten)
	return totalWritten, err
}

// WriteAt changes the cached copy of the stream. Nothing reaches the card until
// [BasicStream.Sync] or [BasicStream.Close].
func (stream *BasicStream) WriteAt(buffer []byte, offset int64) (int, error) {
	if !stream.writable {
		return 0, sd.ErrWriteProtected
	}
	if offset < 0 {
		return 0, sd.ErrInvalidArgument.WithMessage(fmt.Sprintf("negative offset %d", offset))
	}

	bufLen := int64(len(buffer))
	if offset+bufLen > stream.size {
		return 0, sd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"writing %d bytes at %d runs past the end of the stream (%d bytes)",
				bufLen,
				offset,
				stream.size,
			),
		)
	}
	if bufLen == 0 {
		return 0, nil
	}

	firstBlock, targetSlice, head, err := stream.span(offset, bufLen)
	if err != nil {
		return 0, err
	}

	copy(targetSlice[head:], buffer)
	_, err = stream.data.WriteAt(targetSlice, firstBlock)
	if err != nil {
		return 0, err
	}
	return len(buffer), nil
}

// WriteString writes a string to the stream.
func (stream *BasicStream) WriteString(s string) (int, error) {
	return stream.Write([]byte(s))
}

func (stream *BasicStream) WriteTo(w io.Writer) (int64, error) {
	buffer := make([]byte, stream.data.BytesPerBlock())
	totalWritten := int64(0)

	for {
		blockSize, err := stream.Read(buffer)

		// Always write the data we've read in regardless of whether an error
		// occurred or not.
		if blockSize > 0 {
			written, writeErr := w.Write(buffer[:blockSize])
			totalWritten += int64(written)
			if writeErr != nil {
				return totalWritten, writeErr
			}
		}

		// If we hit EOF, we're done. Any other error is fatal.
		if err == io.EOF {
			return totalWritten, nil
		} else if err != nil {
			return totalWritten, err
		}
	}
}
