package sdspi

import (
	"fmt"

	sd "github.com/dargueta/sdspi"
	"github.com/dargueta/sdspi/hal"
)

// Register sizes, in bytes
const (
	registerSize = 16
	ocrSize      = 4
	sdStatusSize = 64
)

// Ioctl runs a control operation; see [sd.IoctlOp] for what `arg` must be for
// each one. An unknown operation or an argument of the wrong type is a
// parameter error.
func (d *Driver) Ioctl(op sd.IoctlOp, arg any) error {
	switch op {
	case sd.IoctlSync:
		return d.Sync()

	case sd.IoctlSectorCount:
		out, ok := arg.(*uint32)
		if !ok || out == nil {
			return badIoctlArgument(op, arg)
		}
		count, err := d.SectorCount()
		if err == nil {
			*out = count
		}
		return err

	case sd.IoctlSectorSize:
		out, ok := arg.(*uint16)
		if !ok || out == nil {
			return badIoctlArgument(op, arg)
		}
		*out = sd.SectorSize
		return nil

	case sd.IoctlEraseBlockSize:
		out, ok := arg.(*uint32)
		if !ok || out == nil {
			return badIoctlArgument(op, arg)
		}
		size, err := d.EraseBlockSize()
		if err == nil {
			*out = size
		}
		return err

	case sd.IoctlEraseSectorRange:
		switch r := arg.(type) {
		case *sd.EraseRange:
			if r != nil {
				return d.EraseSectors(r.Start, r.End)
			}
		case *[2]uint32:
			if r != nil {
				return d.EraseSectors(r[0], r[1])
			}
		}
		return badIoctlArgument(op, arg)

	case sd.IoctlCardType:
		out, ok := arg.(*CardType)
		if !ok || out == nil {
			return badIoctlArgument(op, arg)
		}
		*out = d.CardType()
		return nil

	case sd.IoctlReadCSD:
		out, ok := arg.([]byte)
		if !ok || len(out) < registerSize {
			return badIoctlArgument(op, arg)
		}
		csd, err := d.ReadCSD()
		if err == nil {
			copy(out, csd[:])
		}
		return err

	case sd.IoctlReadCID:
		out, ok := arg.([]byte)
		if !ok || len(out) < registerSize {
			return badIoctlArgument(op, arg)
		}
		cid, err := d.ReadCID()
		if err == nil {
			copy(out, cid[:])
		}
		return err

	case sd.IoctlReadOCR:
		out, ok := arg.([]byte)
		if !ok || len(out) < ocrSize {
			return badIoctlArgument(op, arg)
		}
		ocr, err := d.ReadOCR()
		if err == nil {
			copy(out, ocr[:])
		}
		return err

	case sd.IoctlReadSDStatus:
		out, ok := arg.([]byte)
		if !ok || len(out) < sdStatusSize {
			return badIoctlArgument(op, arg)
		}
		status, err := d.ReadSDStatus()
		if err == nil {
			copy(out, status[:])
		}
		return err

	default:
		return sd.ErrInvalidArgument.WithMessage(fmt.Sprintf("unsupported ioctl %d", op))
	}
}

func badIoctlArgument(op sd.IoctlOp, arg any) error {
	return sd.ErrInvalidArgument.WithMessage(
		fmt.Sprintf("invalid argument for %s: %T", op, arg),
	)
}

// beginControl takes the lock for a control operation and checks the card is
// usable. If it returns nil, the caller must call endControl.
func (d *Driver) beginControl() error {
	d.lock()
	if err := d.checkReady(); err != nil {
		d.unlock()
		return err
	}
	return nil
}

func (d *Driver) endControl() {
	d.deselect()
	d.unlock()
}

// Sync waits for the card to finish any write it's still programming.
func (d *Driver) Sync() error {
	if err := d.beginControl(); err != nil {
		return err
	}
	defer d.endControl()

	if !d.selectCard() {
		return sd.ErrTimeout.WithMessage("card still busy")
	}
	return nil
}

// SectorCount reads the card's capacity in sectors from its CSD.
func (d *Driver) SectorCount() (uint32, error) {
	if err := d.beginControl(); err != nil {
		return 0, err
	}
	defer d.endControl()

	csd, err := d.readCSD()
	if err != nil {
		return 0, err
	}
	return csd.SectorCount(), nil
}

// EraseBlockSize returns the card's erase unit, in sectors.
func (d *Driver) EraseBlockSize() (uint32, error) {
	if err := d.beginControl(); err != nil {
		return 0, err
	}
	defer d.endControl()

	if d.cardType&CardTypeSD2 != 0 {
		status, err := d.readSDStatus()
		if err != nil {
			return 0, err
		}
		// AU_SIZE
		return 16 << (status[10] >> 4), nil
	}

	csd, err := d.readCSD()
	if err != nil {
		return 0, err
	}
	if d.cardType&CardTypeSD1 != 0 {
		return csd.EraseBlockSizeSDv1(), nil
	}
	return csd.EraseBlockSizeMMC(), nil
}

// EraseSectors erases the inclusive range of sectors [start, end]. Only SD
// cards that can erase individual sectors support this.
func (d *Driver) EraseSectors(start, end uint32) error {
	if end < start {
		return sd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("erase range end %d is before start %d", end, start),
		)
	}

	if err := d.beginControl(); err != nil {
		return err
	}
	defer d.endControl()

	if !d.cardType.IsSD() {
		return sd.ErrNotSupported.WithMessage(fmt.Sprintf("%s cards can't erase sectors", d.cardType))
	}

	startAddress, err := d.address(start, 1)
	if err != nil {
		return err
	}
	endAddress, err := d.address(end, 1)
	if err != nil {
		return err
	}

	csd, err := d.readCSD()
	if err != nil {
		return err
	}
	if !csd.EraseSingleBlockEnabled() {
		return sd.ErrNotSupported.WithMessage("card can only erase whole erase units")
	}

	for _, step := range []struct {
		cmd byte
		arg uint32
	}{
		{cmdEraseBlockStart, startAddress},
		{cmdEraseBlockEnd, endAddress},
		{cmdErase, 0},
	} {
		response := d.sendCommand(step.cmd, step.arg)
		if response != 0 {
			return d.commandError(step.cmd, response)
		}
	}

	if !d.waitReady(eraseTimeout) {
		return sd.ErrTimeout.WithMessage(
			fmt.Sprintf("erasing sectors %d-%d took longer than %d ms", start, end, eraseTimeout),
		)
	}
	d.log.Debug("erased sectors", "start", start, "end", end)
	return nil
}

// ReadCSD returns the card's CSD register.
func (d *Driver) ReadCSD() (CSD, error) {
	if err := d.beginControl(); err != nil {
		return CSD{}, err
	}
	defer d.endControl()
	return d.readCSD()
}

// ReadCID returns the card's identification register.
func (d *Driver) ReadCID() ([registerSize]byte, error) {
	var cid [registerSize]byte
	if err := d.beginControl(); err != nil {
		return cid, err
	}
	defer d.endControl()

	err := d.readRegister(cmdSendCID, cid[:])
	return cid, err
}

// ReadOCR returns the card's operating conditions register.
func (d *Driver) ReadOCR() ([ocrSize]byte, error) {
	if err := d.beginControl(); err != nil {
		return [ocrSize]byte{}, err
	}
	defer d.endControl()
	return d.readOCR()
}

// ReadSDStatus returns the 64-byte SD status. Only SD cards have one.
func (d *Driver) ReadSDStatus() ([sdStatusSize]byte, error) {
	if err := d.beginControl(); err != nil {
		return [sdStatusSize]byte{}, err
	}
	defer d.endControl()

	if !d.cardType.IsSD() {
		return [sdStatusSize]byte{}, sd.ErrNotSupported.WithMessage("MMC cards have no SD status")
	}
	return d.readSDStatus()
}

// readRegister reads a register sent as a data block, e.g. the CSD or CID.
func (d *Driver) readRegister(cmd byte, buffer []byte) error {
	response := d.sendCommand(cmd, 0)
	if response != 0 {
		return d.commandError(cmd, response)
	}
	return d.receiveDataBlock(buffer)
}

func (d *Driver) readCSD() (CSD, error) {
	var csd CSD
	err := d.readRegister(cmdSendCSD, csd[:])
	return csd, err
}

func (d *Driver) readSDStatus() ([sdStatusSize]byte, error) {
	var status [sdStatusSize]byte

	response := d.sendCommand(acmdSDStatus, 0)
	if response != 0 {
		return status, d.commandError(acmdSDStatus, response)
	}

	// The response is R2; skip its second byte.
	d.transport.Exchange(hal.IdleByte)
	err := d.receiveDataBlock(status[:])
	return status, err
}
