package sim

import (
	"fmt"
)

// encodeCSDv2 builds a version 2.0 CSD for a high-capacity card. `sectors`
// must be a non-zero multiple of 1024.
func encodeCSDv2(sectors uint32) ([16]byte, error) {
	var csd [16]byte
	if sectors == 0 || sectors%1024 != 0 {
		return csd, fmt.Errorf("high capacity card size must be a multiple of 1024 sectors, got %d", sectors)
	}

	cSize := sectors/1024 - 1
	csd[0] = 0x40 // CSD_STRUCTURE = 1
	csd[1] = 0x0E // TAAC
	csd[2] = 0x00 // NSAC
	csd[3] = 0x32 // TRAN_SPEED: 25 MHz
	csd[4] = 0x5B // CCC[11:4]
	csd[5] = 0x59 // CCC[3:0], READ_BL_LEN = 9
	csd[6] = 0x00
	csd[7] = byte(cSize>>16) & 0x3F
	csd[8] = byte(cSize >> 8)
	csd[9] = byte(cSize)
	csd[10] = 0x7F // ERASE_BLK_EN = 1, SECTOR_SIZE[6:1]
	csd[11] = 0x80 // SECTOR_SIZE[0]
	csd[12] = 0x0A // R2W_FACTOR, WRITE_BL_LEN[3:2]
	csd[13] = 0x40 // WRITE_BL_LEN[1:0]
	csd[14] = 0x00
	csd[15] = 0x01
	return csd, nil
}

// encodeCSDv1 builds a version 1.0 CSD (SD) or a CSD_STRUCTURE 2 register (MMC)
// with 512-byte blocks. The erase fields describe a 32-sector erase unit.
func encodeCSDv1(sectors uint32, mmc bool) ([16]byte, error) {
	var csd [16]byte

	// sectors = (C_SIZE + 1) << (C_SIZE_MULT + 2) with READ_BL_LEN = 9.
	mult := -1
	for m := 0; m < 8; m++ {
		shift := uint(m + 2)
		if sectors%(1<<shift) == 0 && sectors>>shift >= 1 && sectors>>shift <= 4096 {
			mult = m
			break
		}
	}
	if mult < 0 {
		return csd, fmt.Errorf("%d sectors can't be expressed in a version 1 CSD", sectors)
	}
	cSize := sectors>>uint(mult+2) - 1

	if mmc {
		csd[0] = 0x90 // CSD_STRUCTURE = 2, SPEC_VERS = 4
	}
	csd[1] = 0x26
	csd[3] = 0x32
	csd[4] = 0x5F
	csd[5] = 0x59 // READ_BL_LEN = 9
	csd[6] = 0x80 | byte(cSize>>10)&0x03
	csd[7] = byte(cSize >> 2)
	csd[8] = byte(cSize<<6) | 0x2D // C_SIZE[1:0], VDD currents
	csd[9] = 0xB0 | byte(mult>>1)&0x03

	if mmc {
		// ERASE_GRP_SIZE = 15, ERASE_GRP_MULT = 1
		const grpSize, grpMult = 15, 1
		csd[10] = byte(mult&1)<<7 | grpSize<<2 | grpMult>>3
		csd[11] = (grpMult&7)<<5 | 0x1F
	} else {
		// ERASE_BLK_EN = 1, SECTOR_SIZE = 31
		const sectorSize = 31
		csd[10] = byte(mult&1)<<7 | 0x40 | sectorSize>>1
		csd[11] = (sectorSize&1)<<7 | 0x7F
	}
	csd[12] = 0x0A // WRITE_BL_LEN[3:2] = 0b10
	csd[13] = 0x40 // WRITE_BL_LEN[1:0] = 0b01
	csd[15] = 0x01
	return csd, nil
}

var defaultCID = [16]byte{
	0x03, 'S', 'D', 'S', 'I', 'M', 'C', 'D', // MID, OID, PNM
	0x10,                   // PRV 1.0
	0x12, 0x34, 0x56, 0x78, // PSN
	0x01, 0x9A, // MDT: 2025-10
	0x01,
}

// defaultSDStatus has AU_SIZE = 9 (4 MiB allocation units).
func defaultSDStatus() [64]byte {
	var status [64]byte
	status[8] = 0x02
	status[10] = 0x90
	return status
}

// crc16 is the CRC-CCITT (XMODEM) checksum SD cards append to data blocks.
func crc16(data []byte) uint16 {
	crc := uint16(0)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
