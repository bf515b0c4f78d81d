package sdspi

import (
	"fmt"

	sd "github.com/dargueta/sdspi"
	"github.com/dargueta/sdspi/hal"
	"github.com/dargueta/sdspi/utilities/deadline"
)

// appCommand marks a command that has to be preceded by APP_CMD.
const appCommand = 0x80

const (
	cmdGoIdleState         = 0
	cmdSendOpCond          = 1
	cmdSendIfCond          = 8
	cmdSendCSD             = 9
	cmdSendCID             = 10
	cmdStopTransmission    = 12
	cmdSetBlockLen         = 16
	cmdReadSingleBlock     = 17
	cmdReadMultipleBlock   = 18
	cmdWriteBlock          = 24
	cmdWriteMultipleBlock  = 25
	cmdEraseBlockStart     = 32
	cmdEraseBlockEnd       = 33
	cmdErase               = 38
	cmdAppCmd              = 55
	cmdReadOCR             = 58
	acmdSDStatus           = appCommand | 13
	acmdSetWrBlkEraseCount = appCommand | 23
	acmdSendOpCond         = appCommand | 41
)

// Timeouts, in milliseconds.
const (
	commandIdleTimeout = 10
	selectTimeout      = 100
	dataTokenTimeout   = 200
	initTimeout        = 1000
	eraseTimeout       = 30000
)

// responsePolls is how many bytes the card gets to start answering a command.
const responsePolls = 10

// r1NoResponse is what sendCommand gives back when the card never answered.
const r1NoResponse = 0xFF

var commandNames = map[byte]string{
	cmdGoIdleState:         "GO_IDLE_STATE",
	cmdSendOpCond:          "SEND_OP_COND",
	cmdSendIfCond:          "SEND_IF_COND",
	cmdSendCSD:             "SEND_CSD",
	cmdSendCID:             "SEND_CID",
	cmdStopTransmission:    "STOP_TRANSMISSION",
	cmdSetBlockLen:         "SET_BLOCKLEN",
	cmdReadSingleBlock:     "READ_SINGLE_BLOCK",
	cmdReadMultipleBlock:   "READ_MULTIPLE_BLOCK",
	cmdWriteBlock:          "WRITE_BLOCK",
	cmdWriteMultipleBlock:  "WRITE_MULTIPLE_BLOCK",
	cmdEraseBlockStart:     "ERASE_WR_BLK_START",
	cmdEraseBlockEnd:       "ERASE_WR_BLK_END",
	cmdErase:               "ERASE",
	cmdAppCmd:              "APP_CMD",
	cmdReadOCR:             "READ_OCR",
	acmdSDStatus:           "SD_STATUS",
	acmdSetWrBlkEraseCount: "SET_WR_BLK_ERASE_COUNT",
	acmdSendOpCond:         "SD_SEND_OP_COND",
}

func commandName(cmd byte) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	if cmd&appCommand != 0 {
		return fmt.Sprintf("ACMD%d", cmd&^appCommand)
	}
	return fmt.Sprintf("CMD%d", cmd)
}

// commandFrame builds the six bytes that go over the wire for a command.
func commandFrame(cmd byte, arg uint32) [6]byte {
	// Only GO_IDLE_STATE and SEND_IF_COND are CRC-checked in SPI mode, and only
	// with these exact arguments. Everything else gets a dummy CRC and the stop
	// bit.
	trailer := byte(0x01)
	switch cmd {
	case cmdGoIdleState:
		trailer = 0x95
	case cmdSendIfCond:
		trailer = 0x87
	}

	return [6]byte{
		0x40 | cmd,
		byte(arg >> 24),
		byte(arg >> 16),
		byte(arg >> 8),
		byte(arg),
		trailer,
	}
}

// sendCommand sends a command and returns its R1 response. A response with the
// high bit set means the card never gave a valid answer.
func (d *Driver) sendCommand(cmd byte, arg uint32) byte {
	// The card is still streaming data when we stop a multi-block read, so the
	// line won't go idle.
	if cmd != cmdStopTransmission && !d.waitReady(commandIdleTimeout) {
		d.log.Warn("bus not idle before command", "command", commandName(cmd))
	}

	if cmd&appCommand != 0 {
		cmd &^= appCommand
		response := d.sendCommand(cmdAppCmd, 0)
		if response > 1 {
			d.log.Debug(
				"APP_CMD rejected",
				"command", commandName(cmd|appCommand),
				"response", response,
			)
			return response
		}
	}

	if cmd != cmdStopTransmission {
		d.deselect()
		if !d.selectCard() {
			d.log.Debug("failed to select card", "command", commandName(cmd))
			return r1NoResponse
		}
	}

	for _, b := range commandFrame(cmd, arg) {
		d.transport.Exchange(b)
	}

	if cmd == cmdStopTransmission {
		// Stuff byte
		d.transport.Exchange(hal.IdleByte)
	}

	response := byte(r1NoResponse)
	for i := 0; i < responsePolls; i++ {
		response = d.transport.Exchange(hal.IdleByte)
		if response&0x80 == 0 {
			break
		}
	}

	d.log.Debug(
		"command",
		"command", commandName(cmd),
		"argument", arg,
		"response", response,
	)
	return response
}

// waitReady clocks the bus until the card releases the line or `timeoutMs`
// passes. It returns true if the card is ready.
func (d *Driver) waitReady(timeoutMs uint32) bool {
	timer := deadline.Start(d.clock, timeoutMs)
	for {
		if d.transport.Exchange(hal.IdleByte) == hal.IdleByte {
			return true
		}
		if timer.Expired() {
			d.log.Debug("timed out waiting for card", "timeout_ms", timeoutMs)
			return false
		}
	}
}

// selectCard asserts chip select and waits for the card to be ready.
func (d *Driver) selectCard() bool {
	d.bus.SetChipSelect(true)
	// Dummy clock to make the card drive its output.
	d.transport.Exchange(hal.IdleByte)
	if d.waitReady(selectTimeout) {
		return true
	}
	d.deselect()
	return false
}

// deselect releases chip select and clocks one byte so the card lets go of MISO.
// A burst still running on the bus is allowed to finish first.
func (d *Driver) deselect() {
	d.transport.Settle()
	d.bus.SetChipSelect(false)
	d.transport.Exchange(hal.IdleByte)
}

// commandError turns a bad response into an error. A card that doesn't answer
// at all has most likely been pulled out or crashed, so the driver goes back to
// uninitialized.
func (d *Driver) commandError(cmd byte, response byte) error {
	if response == r1NoResponse {
		d.status |= sd.StatusNotInitialized
		return sd.ErrTimeout.WithMessage(
			fmt.Sprintf("no response to %s", commandName(cmd)),
		)
	}
	return sd.ErrUnexpectedResponse.WithMessage(
		fmt.Sprintf("%s answered 0x%02X", commandName(cmd), response),
	)
}
