package sdspi

import (
	"fmt"

	sd "github.com/dargueta/sdspi"
	"github.com/dargueta/sdspi/hal"
	"github.com/dargueta/sdspi/utilities/deadline"
)

// Data tokens
const (
	tokenStartBlock      = 0xFE // Single block read or write, and each multi-block read
	tokenStartMultiWrite = 0xFC
	tokenStopMultiWrite  = 0xFD
)

const (
	dataResponseMask     = 0x1F
	dataResponseAccepted = 0x05
)

// sendDataBlock sends one data packet headed by `token`. The stop token is sent
// on its own and `buffer` is ignored; otherwise exactly one sector of `buffer`
// goes out and the card must accept it.
func (d *Driver) sendDataBlock(buffer []byte, token byte) error {
	if !d.waitReady(selectTimeout) {
		return sd.ErrTimeout.WithMessage(
			fmt.Sprintf("card busy before sending data token 0x%02X", token),
		)
	}

	d.transport.Exchange(token)
	if token == tokenStopMultiWrite {
		return nil
	}

	err := d.transport.ExchangeBurst(buffer[:sd.SectorSize], nil)
	if err != nil {
		return d.burstFailed(err)
	}

	// Dummy CRC
	d.transport.Exchange(hal.IdleByte)
	d.transport.Exchange(hal.IdleByte)

	response := d.transport.Exchange(hal.IdleByte)
	if response&dataResponseMask != dataResponseAccepted {
		d.log.Error("data block rejected", "response", response)
		return sd.ErrUnexpectedResponse.WithMessage(
			fmt.Sprintf("card rejected data block with response 0x%02X", response),
		)
	}
	return nil
}

// receiveDataBlock waits for a data packet and reads its payload into `buffer`.
// The packet must be exactly len(buffer) bytes long.
func (d *Driver) receiveDataBlock(buffer []byte) error {
	timer := deadline.Start(d.clock, dataTokenTimeout)

	token := byte(hal.IdleByte)
	for {
		token = d.transport.Exchange(hal.IdleByte)
		if token != hal.IdleByte || timer.Expired() {
			break
		}
	}

	if token == hal.IdleByte {
		return sd.ErrTimeout.WithMessage(
			fmt.Sprintf("no data token within %d ms", dataTokenTimeout),
		)
	}
	if token != tokenStartBlock {
		// Anything else is an error token.
		d.log.Error("bad data token", "token", token)
		return sd.ErrUnexpectedResponse.WithMessage(
			fmt.Sprintf("expected data token 0x%02X, got 0x%02X", tokenStartBlock, token),
		)
	}

	for i := range buffer {
		buffer[i] = hal.IdleByte
	}
	if err := d.transport.ExchangeBurst(buffer, buffer); err != nil {
		return d.burstFailed(err)
	}

	// CRC
	d.transport.Exchange(hal.IdleByte)
	d.transport.Exchange(hal.IdleByte)
	return nil
}

// burstFailed handles a data burst that didn't finish. The card is somewhere
// in the middle of a packet, so it has to be initialized again.
func (d *Driver) burstFailed(err error) error {
	d.status |= sd.StatusNotInitialized
	d.log.Error("data burst failed", "error", err)
	return sd.ErrTimeout.Wrap(err)
}
