package sdspi

import "fmt"

// CSD is the raw 16-byte card-specific data register, most significant byte
// first.
type CSD [16]byte

// CSDField is one decoded field of a CSD, for display.
type CSDField struct {
	Name  string `csv:"field"`
	Value string `csv:"value"`
}

// Version returns the CSD_STRUCTURE field: 0 for SD v1 (and old MMC), 1 for SD
// v2 high capacity. MMC cards report 2 or 3 here.
func (c *CSD) Version() int {
	return int(c[0] >> 6)
}

// IsHighCapacity returns true if the register uses the SD v2 layout.
func (c *CSD) IsHighCapacity() bool {
	return c.Version() == 1
}

func (c *CSD) readBlockLenExponent() uint {
	return uint(c[5] & 0x0F)
}

func (c *CSD) writeBlockLenExponent() uint {
	return uint(c[12]&0x03)<<2 | uint(c[13]>>6)
}

// DeviceSize returns the raw C_SIZE field.
func (c *CSD) DeviceSize() uint32 {
	if c.IsHighCapacity() {
		return uint32(c[7]&0x3F)<<16 | uint32(c[8])<<8 | uint32(c[9])
	}
	return uint32(c[6]&0x03)<<10 | uint32(c[7])<<2 | uint32(c[8]>>6)
}

// deviceSizeMultiplier returns the raw C_SIZE_MULT field of the v1 layout.
func (c *CSD) deviceSizeMultiplier() uint {
	return uint(c[9]&0x03)<<1 | uint(c[10]>>7)
}

// SectorCount returns the capacity of the card in 512-byte sectors.
func (c *CSD) SectorCount() uint32 {
	if c.IsHighCapacity() {
		return (c.DeviceSize() + 1) << 10
	}

	// (C_SIZE + 1) * 2^(C_SIZE_MULT + 2) blocks of 2^READ_BL_LEN bytes each
	exponent := c.readBlockLenExponent() + c.deviceSizeMultiplier() + 2
	if exponent < 9 {
		return (c.DeviceSize() + 1) >> (9 - exponent)
	}
	return (c.DeviceSize() + 1) << (exponent - 9)
}

// EraseSingleBlockEnabled returns true if the card can erase individual
// sectors rather than only whole erase units. High-capacity cards always can.
func (c *CSD) EraseSingleBlockEnabled() bool {
	return c.Version() != 0 || c[10]&0x40 != 0
}

// EraseBlockSizeSDv1 decodes the erase unit of an SD v1 card, in sectors.
func (c *CSD) EraseBlockSizeSDv1() uint32 {
	// SECTOR_SIZE is in write blocks, which are 2^WRITE_BL_LEN bytes.
	units := uint32(c[10]&0x3F)<<1 | uint32(c[11]>>7) + 1
	exponent := c.writeBlockLenExponent()
	if exponent < 9 {
		return units >> (9 - exponent)
	}
	return units << (exponent - 9)
}

// EraseBlockSizeMMC decodes the erase group of an MMC card, in sectors.
func (c *CSD) EraseBlockSizeMMC() uint32 {
	groupSize := uint32(c[10]&0x7C) >> 2
	groupMultiplier := uint32(c[10]&0x03)<<3 | uint32(c[11]>>5)
	return (groupSize + 1) * (groupMultiplier + 1)
}

// Fields returns the decoded register as a table.
func (c *CSD) Fields() []CSDField {
	fields := []CSDField{
		{"CSD_STRUCTURE", fmt.Sprint(c.Version())},
		{"TAAC", fmt.Sprintf("0x%02X", c[1])},
		{"NSAC", fmt.Sprintf("0x%02X", c[2])},
		{"TRAN_SPEED", fmt.Sprintf("0x%02X", c[3])},
		{"CCC", fmt.Sprintf("0x%03X", uint16(c[4])<<4|uint16(c[5]>>4))},
		{"READ_BL_LEN", fmt.Sprint(c.readBlockLenExponent())},
		{"C_SIZE", fmt.Sprint(c.DeviceSize())},
	}
	if !c.IsHighCapacity() {
		fields = append(fields, CSDField{"C_SIZE_MULT", fmt.Sprint(c.deviceSizeMultiplier())})
	}
	fields = append(
		fields,
		CSDField{"ERASE_BLK_EN", fmt.Sprint(c[10] >> 6 & 1)},
		CSDField{"WRITE_BL_LEN", fmt.Sprint(c.writeBlockLenExponent())},
		CSDField{"PERM_WRITE_PROTECT", fmt.Sprint(c[14] >> 5 & 1)},
		CSDField{"TMP_WRITE_PROTECT", fmt.Sprint(c[14] >> 4 & 1)},
		CSDField{"SECTORS", fmt.Sprint(c.SectorCount())},
	)
	return fields
}
