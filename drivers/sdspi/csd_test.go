package sdspi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// A real 2 GB SD v1 card: C_SIZE = 3863, C_SIZE_MULT = 7, READ_BL_LEN = 10.
var csdSDv1TwoGig = CSD{
	0x00, 0x2F, 0x00, 0x32, 0x5F, 0x5A, 0x83, 0xC5,
	0xED, 0xB7, 0xFF, 0xBF, 0x16, 0x80, 0x00, 0x9B,
}

// A real 8 GB SDHC card: C_SIZE = 15159.
var csdSDHCEightGig = CSD{
	0x40, 0x0E, 0x00, 0x32, 0x5B, 0x59, 0x00, 0x00,
	0x3B, 0x37, 0x7F, 0x80, 0x0A, 0x40, 0x00, 0x8D,
}

func TestCSD__SDv1(t *testing.T) {
	csd := csdSDv1TwoGig
	assert.Equal(t, 0, csd.Version())
	assert.False(t, csd.IsHighCapacity())
	assert.EqualValues(t, 3863, csd.DeviceSize())
	// (3863 + 1) * 2^(7+2) blocks of 1024 bytes
	assert.EqualValues(t, 3864*512*2, csd.SectorCount())
	assert.True(t, csd.EraseSingleBlockEnabled())
	// SECTOR_SIZE = 127 write blocks of 2^WRITE_BL_LEN = 2^10 bytes
	assert.EqualValues(t, 128*2, csd.EraseBlockSizeSDv1())
}

func TestCSD__SDHC(t *testing.T) {
	csd := csdSDHCEightGig
	assert.Equal(t, 1, csd.Version())
	assert.True(t, csd.IsHighCapacity())
	assert.EqualValues(t, 15159, csd.DeviceSize())
	assert.EqualValues(t, 15160<<10, csd.SectorCount())
	assert.True(t, csd.EraseSingleBlockEnabled())
}

func TestCSD__MMCEraseGroup(t *testing.T) {
	var csd CSD
	csd[0] = 0x90
	// ERASE_GRP_SIZE = 7, ERASE_GRP_MULT = 0b01011
	csd[10] = 7<<2 | 0x01
	csd[11] = 0x03 << 5

	assert.EqualValues(t, 8*12, csd.EraseBlockSizeMMC())
}

func TestCSD__NoSingleBlockErase(t *testing.T) {
	csd := csdSDv1TwoGig
	csd[10] &^= 0x40
	assert.False(t, csd.EraseSingleBlockEnabled())
}

func TestCSD__Fields(t *testing.T) {
	fields := csdSDHCEightGig.Fields()

	byName := map[string]string{}
	for _, field := range fields {
		byName[field.Name] = field.Value
	}
	assert.Equal(t, "1", byName["CSD_STRUCTURE"])
	assert.Equal(t, "15159", byName["C_SIZE"])
	assert.Equal(t, "9", byName["READ_BL_LEN"])
	assert.Equal(t, "9", byName["WRITE_BL_LEN"])
	assert.Equal(t, "15523840", byName["SECTORS"])
	assert.NotContains(t, byName, "C_SIZE_MULT")

	v1Fields := csdSDv1TwoGig.Fields()
	found := false
	for _, field := range v1Fields {
		if field.Name == "C_SIZE_MULT" {
			found = true
			assert.Equal(t, "7", field.Value)
		}
	}
	assert.True(t, found, "v1 CSD should list C_SIZE_MULT")
}

func TestCardType__String(t *testing.T) {
	assert.Equal(t, "NONE", CardTypeNone.String())
	assert.Equal(t, "SD2|BLOCK", (CardTypeSD2 | CardTypeBlock).String())
	assert.Equal(t, "MMC", CardTypeMMC.String())
	assert.True(t, CardTypeSD1.IsSD())
	assert.False(t, CardTypeMMC.IsSD())
	assert.False(t, CardTypeSD2.IsBlockAddressed())
}
