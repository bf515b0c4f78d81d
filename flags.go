package sdspi

import "strings"

// Status is the bitset a [BlockDevice] reports from Initialize and Status.
type Status uint8

const (
	StatusNotInitialized Status = 1 << iota // 0x01
	StatusNoMedia                           // 0x02
	StatusWriteProtected                    // 0x04
)

// SectorSize is the size of one sector, in bytes. It never varies.
const SectorSize = 512

// Ready returns true if the device can service reads.
func (s Status) Ready() bool {
	return s&(StatusNotInitialized|StatusNoMedia) == 0
}

func (s Status) String() string {
	if s == 0 {
		return "READY"
	}

	var parts []string
	if s&StatusNotInitialized != 0 {
		parts = append(parts, "NOT_INITIALIZED")
	}
	if s&StatusNoMedia != 0 {
		parts = append(parts, "NO_MEDIA")
	}
	if s&StatusWriteProtected != 0 {
		parts = append(parts, "WRITE_PROTECTED")
	}
	return strings.Join(parts, "|")
}
