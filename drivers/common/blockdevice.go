package common

import (
	"fmt"
	"io"
	"os"

	sd "github.com/dargueta/sdspi"
)

// SectorDevice presents a range of sectors on a [sd.BlockDevice] as a volume,
// and checks every access against its bounds.
//
// The exposed fields are for informational purposes only and should never be
// changed.
type SectorDevice struct {
	// TotalSectors is the number of sectors in the volume.
	TotalSectors uint
	// StartSector is the sector on the device that's sector 0 of the volume. This
	// is useful for skipping over MBRs or other partitions on the same card.
	StartSector uint32
	device      sd.BlockDevice
}

var _ io.ReaderAt = (*SectorDevice)(nil)
var _ io.WriterAt = (*SectorDevice)(nil)

// NewSectorDevice creates a volume running from `startSector` to the end of
// the device. The device must be initialized.
func NewSectorDevice(device sd.BlockDevice, startSector uint32) (*SectorDevice, error) {
	var deviceSectors uint32
	err := device.Ioctl(sd.IoctlSectorCount, &deviceSectors)
	if err != nil {
		return nil, err
	}
	if startSector >= deviceSectors {
		return nil, sd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"volume start %d is past the end of the device (%d sectors)",
				startSector,
				deviceSectors,
			),
		)
	}
	return NewSectorDeviceWithSize(device, uint(deviceSectors-startSector), startSector), nil
}

// NewSectorDeviceWithSize creates a volume of a known size without asking the
// device.
func NewSectorDeviceWithSize(
	device sd.BlockDevice, totalSectors uint, startSector uint32,
) *SectorDevice {
	return &SectorDevice{
		TotalSectors: totalSectors,
		StartSector:  startSector,
		device:       device,
	}
}

// Size returns the size of the volume in bytes.
func (device *SectorDevice) Size() int64 {
	return int64(device.TotalSectors) * sd.SectorSize
}

// Mode gives the permissions the medium currently allows.
func (device *SectorDevice) Mode() os.FileMode {
	if device.device.Status()&sd.StatusWriteProtected != 0 {
		return 0o444
	}
	return 0o666
}

// CheckIOBounds verifies that `dataLength` bytes can be transferred starting at
// `sector`. `dataLength` must be a whole number of sectors.
func (device *SectorDevice) CheckIOBounds(sector LogicalBlock, dataLength uint) error {
	if uint(sector) >= device.TotalSectors {
		return sd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"invalid sector %d: not in range [0, %d)",
				sector,
				device.TotalSectors,
			),
		)
	}

	if dataLength%sd.SectorSize != 0 {
		return sd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"data must be a multiple of the sector size (%d B), got %d (remainder %d)",
				sd.SectorSize,
				dataLength,
				dataLength%sd.SectorSize,
			),
		)
	}

	dataSizeInSectors := dataLength / sd.SectorSize
	if uint(sector)+dataSizeInSectors > device.TotalSectors {
		return sd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"sector %d plus %d sectors of data extends past end of volume",
				sector,
				dataSizeInSectors,
			),
		)
	}

	return nil
}

func (device *SectorDevice) physical(sector LogicalBlock) uint32 {
	return device.StartSector + uint32(sector)
}

// ReadBlocks reads `count` sectors starting at `sector`.
func (device *SectorDevice) ReadBlocks(sector LogicalBlock, count uint) ([]byte, error) {
	buffer := make([]byte, count*sd.SectorSize)
	err := device.ReadInto(sector, buffer)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

// ReadInto fills `buffer` with sectors starting at `sector`. `buffer` must be a
// non-empty multiple of the sector size.
func (device *SectorDevice) ReadInto(sector LogicalBlock, buffer []byte) error {
	err := device.CheckIOBounds(sector, uint(len(buffer)))
	if err != nil {
		return err
	}
	return device.device.Read(buffer, device.physical(sector), uint(len(buffer))/sd.SectorSize)
}

// WriteBlocks writes data to the volume. `data` must be a non-empty multiple of
// the sector size.
func (device *SectorDevice) WriteBlocks(sector LogicalBlock, data []byte) error {
	err := device.CheckIOBounds(sector, uint(len(data)))
	if err != nil {
		return err
	}
	return device.device.Write(data, device.physical(sector), uint(len(data))/sd.SectorSize)
}

// EraseSectors erases the inclusive range [first, last].
func (device *SectorDevice) EraseSectors(first, last LogicalBlock) error {
	if last < first {
		return sd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("erase range end %d is before start %d", last, first),
		)
	}
	err := device.CheckIOBounds(first, uint(last-first+1)*sd.SectorSize)
	if err != nil {
		return err
	}

	return device.device.Ioctl(
		sd.IoctlEraseSectorRange,
		&sd.EraseRange{Start: device.physical(first), End: device.physical(last)},
	)
}

// Sync waits for the medium to finish writing.
func (device *SectorDevice) Sync() error {
	return device.device.Ioctl(sd.IoctlSync, nil)
}

// sectorSpan gives the whole sectors covering `length` bytes at `offset`.
func sectorSpan(offset int64, length int) (first LogicalBlock, count uint) {
	first = LogicalBlock(offset / sd.SectorSize)
	end := (offset + int64(length) + sd.SectorSize - 1) / sd.SectorSize
	return first, uint(end - int64(first))
}

// ReadAt implements [io.ReaderAt]. Reads that stop at the end of the volume
// return [io.EOF].
func (device *SectorDevice) ReadAt(p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, sd.ErrInvalidArgument.WithMessage(fmt.Sprintf("negative offset %d", offset))
	}
	if offset >= device.Size() {
		return 0, io.EOF
	}

	want := p
	var eof error
	if remaining := device.Size() - offset; int64(len(p)) > remaining {
		want = p[:remaining]
		eof = io.EOF
	}
	if len(want) == 0 {
		return 0, nil
	}

	first, count := sectorSpan(offset, len(want))
	data, err := device.ReadBlocks(first, count)
	if err != nil {
		return 0, err
	}

	n := copy(want, data[offset%sd.SectorSize:])
	return n, eof
}

// WriteAt implements [io.WriterAt]. Partial sectors are read, modified, and
// written back.
func (device *SectorDevice) WriteAt(p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, sd.ErrInvalidArgument.WithMessage(fmt.Sprintf("negative offset %d", offset))
	}
	if offset+int64(len(p)) > device.Size() {
		return 0, sd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"writing %d bytes at %d extends past end of volume (%d bytes)",
				len(p),
				offset,
				device.Size(),
			),
		)
	}
	if len(p) == 0 {
		return 0, nil
	}

	first, count := sectorSpan(offset, len(p))
	head := offset % sd.SectorSize

	var data []byte
	if head == 0 && len(p)%sd.SectorSize == 0 {
		data = p
	} else {
		var err error
		data, err = device.ReadBlocks(first, count)
		if err != nil {
			return 0, err
		}
		copy(data[head:], p)
	}

	err := device.WriteBlocks(first, data)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}
