package sdspi

// BlockDevice is the contract a removable-media filesystem layer uses to talk to
// a disk. Sectors are always 512 bytes.
//
// Initialize must be called before anything else. It can be called again at any
// time (e.g. after the card was swapped) and re-derives all state from scratch.
type BlockDevice interface {
	// Initialize brings the medium up and returns the resulting status bits. The
	// error is nil iff [StatusNotInitialized] is clear in the returned status.
	Initialize() (Status, error)

	// Status gives the current status bits without touching the medium.
	Status() Status

	// Read fills `buffer` with `count` sectors starting at `sector`.
	Read(buffer []byte, sector uint32, count uint) error

	// Write writes `count` sectors from `buffer` starting at `sector`.
	Write(buffer []byte, sector uint32, count uint) error

	// Ioctl runs a control operation. The type `arg` must have depends on `op`;
	// see the documentation of each [IoctlOp].
	Ioctl(op IoctlOp, arg any) error
}

// IoctlOp selects a control operation for [BlockDevice.Ioctl].
type IoctlOp uint8

const (
	// IoctlSync waits for the medium to finish any pending internal write. `arg`
	// is ignored.
	IoctlSync IoctlOp = iota
	// IoctlSectorCount stores the capacity in sectors into a *uint32.
	IoctlSectorCount
	// IoctlSectorSize stores the sector size into a *uint16.
	IoctlSectorSize
	// IoctlEraseBlockSize stores the erase block size, in sectors, into a *uint32.
	IoctlEraseBlockSize
	// IoctlEraseSectorRange erases an inclusive range of sectors. `arg` is an
	// *EraseRange or a *[2]uint32 holding the first and last sector.
	IoctlEraseSectorRange
	// IoctlCardType stores the card classification into a *CardType (declared by
	// the driver package).
	IoctlCardType
	// IoctlReadCSD copies the 16-byte card-specific data register into a []byte.
	IoctlReadCSD
	// IoctlReadCID copies the 16-byte card identification register into a []byte.
	IoctlReadCID
	// IoctlReadOCR copies the 4-byte operating conditions register into a []byte.
	IoctlReadOCR
	// IoctlReadSDStatus copies the 64-byte SD status structure into a []byte.
	IoctlReadSDStatus
)

func (op IoctlOp) String() string {
	switch op {
	case IoctlSync:
		return "SYNC"
	case IoctlSectorCount:
		return "SECTOR_COUNT"
	case IoctlSectorSize:
		return "SECTOR_SIZE"
	case IoctlEraseBlockSize:
		return "ERASE_BLOCK_SIZE"
	case IoctlEraseSectorRange:
		return "ERASE_SECTOR_RANGE"
	case IoctlCardType:
		return "CARD_TYPE"
	case IoctlReadCSD:
		return "READ_CSD"
	case IoctlReadCID:
		return "READ_CID"
	case IoctlReadOCR:
		return "READ_OCR"
	case IoctlReadSDStatus:
		return "READ_SD_STATUS"
	default:
		return "UNKNOWN"
	}
}

// EraseRange is an inclusive range of sectors for [IoctlEraseSectorRange].
type EraseRange struct {
	Start uint32
	End   uint32
}
