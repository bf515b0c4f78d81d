package sdspi

import (
	"fmt"

	sd "github.com/dargueta/sdspi"
)

func checkTransferArgs(buffer []byte, count uint) error {
	if count == 0 {
		return sd.ErrInvalidArgument.WithMessage("sector count must be non-zero")
	}
	if uint(len(buffer)) < count*sd.SectorSize {
		return sd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"buffer must be at least %d bytes for %d sectors, got %d",
				count*sd.SectorSize,
				count,
				len(buffer),
			),
		)
	}
	return nil
}

// Read fills `buffer` with `count` sectors starting at `sector`. Several sectors
// are read in one multi-block transfer. The first bad block fails the whole
// call; sectors already read stay in `buffer`.
func (d *Driver) Read(buffer []byte, sector uint32, count uint) error {
	err := checkTransferArgs(buffer, count)
	if err != nil {
		return err
	}

	d.lock()
	defer d.unlock()

	err = d.checkReady()
	if err != nil {
		return err
	}
	defer d.deselect()

	address, err := d.address(sector, count)
	if err != nil {
		return err
	}
	if count == 1 {
		response := d.sendCommand(cmdReadSingleBlock, address)
		if response != 0 {
			return d.commandError(cmdReadSingleBlock, response)
		}
		err = d.receiveDataBlock(buffer[:sd.SectorSize])
		if err != nil {
			d.log.Error("read failed", "sector", sector, "error", err)
		}
		return err
	}

	response := d.sendCommand(cmdReadMultipleBlock, address)
	if response != 0 {
		return d.commandError(cmdReadMultipleBlock, response)
	}

	for i := uint(0); i < count; i++ {
		err = d.receiveDataBlock(buffer[i*sd.SectorSize : (i+1)*sd.SectorSize])
		if err != nil {
			d.log.Error("read failed", "sector", sector+uint32(i), "error", err)
			break
		}
	}

	response = d.sendCommand(cmdStopTransmission, 0)
	if err == nil && response&0x80 != 0 {
		err = d.commandError(cmdStopTransmission, response)
	}
	return err
}

// Write writes `count` sectors from `buffer` starting at `sector`. Several
// sectors are written in one multi-block transfer that always ends with a stop
// token, even if a block in the middle fails.
func (d *Driver) Write(buffer []byte, sector uint32, count uint) error {
	err := checkTransferArgs(buffer, count)
	if err != nil {
		return err
	}

	d.lock()
	defer d.unlock()

	if !d.cardPresent() {
		d.refreshSensors()
		return sd.ErrNoMedia
	}
	if d.writeProtected() {
		d.status |= sd.StatusWriteProtected
		return sd.ErrWriteProtected
	}
	if d.status&sd.StatusNotInitialized != 0 {
		return sd.ErrNotInitialized
	}
	if d.status&sd.StatusWriteProtected != 0 {
		return sd.ErrWriteProtected
	}
	defer d.deselect()

	address, err := d.address(sector, count)
	if err != nil {
		return err
	}
	if count == 1 {
		response := d.sendCommand(cmdWriteBlock, address)
		if response != 0 {
			return d.commandError(cmdWriteBlock, response)
		}
		err = d.sendDataBlock(buffer[:sd.SectorSize], tokenStartBlock)
		if err != nil {
			d.log.Error("write failed", "sector", sector, "error", err)
		}
		return err
	}

	if d.cardType.IsSD() {
		// Lets the card pre-erase. Failure only costs speed.
		d.sendCommand(acmdSetWrBlkEraseCount, uint32(count))
	}

	response := d.sendCommand(cmdWriteMultipleBlock, address)
	if response != 0 {
		return d.commandError(cmdWriteMultipleBlock, response)
	}

	for i := uint(0); i < count; i++ {
		err = d.sendDataBlock(buffer[i*sd.SectorSize:(i+1)*sd.SectorSize], tokenStartMultiWrite)
		if err != nil {
			d.log.Error("write failed", "sector", sector+uint32(i), "error", err)
			break
		}
	}

	stopErr := d.sendDataBlock(nil, tokenStopMultiWrite)
	if err == nil {
		err = stopErr
	}
	return err
}
