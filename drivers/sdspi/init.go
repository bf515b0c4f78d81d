package sdspi

import (
	"fmt"

	sd "github.com/dargueta/sdspi"
	"github.com/dargueta/sdspi/hal"
	"github.com/dargueta/sdspi/utilities/deadline"
)

const (
	// ifCondArgument asks for 2.7-3.6V with check pattern 0xAA.
	ifCondArgument = 0x1AA
	ifCondVoltage  = 0x01
	ifCondPattern  = 0xAA

	// opCondHCS tells an SD v2 card the host can handle block addressing.
	opCondHCS = 1 << 30
	// ocrCCS is set in the first OCR byte of a block-addressed card.
	ocrCCS = 0x40

	flushBytes = 10
)

// Initialize detects the card, figures out what it is, and gets it ready for
// reads and writes. It can be called again at any time and starts over from
// scratch.
func (d *Driver) Initialize() (sd.Status, error) {
	d.acquire()
	defer d.unlock()

	d.refreshSensors()
	if !d.cardPresent() {
		d.log.Info("no card in slot")
		return d.status, sd.ErrNoMedia
	}

	d.setClock(d.lowSpeedHz)
	defer d.setClock(d.highSpeedHz)

	// With chip select high the card needs at least 74 clocks to power up.
	d.bus.SetChipSelect(false)
	for i := 0; i < flushBytes; i++ {
		d.transport.Exchange(hal.IdleByte)
	}

	// Some cards need a long time to settle after power-up before GO_IDLE_STATE
	// takes; only the answer to the last one counts.
	for i := 0; i < d.idleRetries; i++ {
		d.clock.Delay(1)
		d.sendCommand(cmdGoIdleState, 0)
	}

	cardType, err := d.identifyCard()
	d.cardType = cardType
	d.deselect()

	if cardType != CardTypeNone {
		d.status &^= sd.StatusNotInitialized
		d.log.Info("card initialized", "type", cardType.String())
	} else {
		d.status |= sd.StatusNotInitialized
		d.log.Error("card initialization failed", "error", err)
	}

	d.refreshSensors()
	return d.status, err
}

// identifyCard runs the SPI-mode initialization sequence and classifies the
// card. It returns [CardTypeNone] and the reason if the card can't be used.
func (d *Driver) identifyCard() (CardType, error) {
	response := d.sendCommand(cmdGoIdleState, 0)
	if response != 1 {
		return CardTypeNone, sd.ErrNotInitialized.Wrap(d.commandError(cmdGoIdleState, response))
	}

	timer := deadline.Start(d.clock, initTimeout)

	if d.sendCommand(cmdSendIfCond, ifCondArgument) == 1 {
		return d.identifySDv2(timer)
	}

	// SEND_IF_COND is illegal before SD v2. Whether APP_CMD works tells SD v1
	// apart from MMC.
	cardType := CardTypeSD1
	opCond := byte(acmdSendOpCond)
	if d.sendCommand(acmdSendOpCond, 0) > 1 {
		cardType = CardTypeMMC
		opCond = cmdSendOpCond
	}

	if !d.waitForOpCond(timer, opCond, 0) {
		return CardTypeNone, sd.ErrNotInitialized.Wrap(
			sd.ErrTimeout.WithMessage(fmt.Sprintf("%s card never left idle state", cardType)),
		)
	}

	// Byte-addressed cards can have other block sizes.
	response = d.sendCommand(cmdSetBlockLen, sd.SectorSize)
	if response != 0 {
		return CardTypeNone, sd.ErrNotInitialized.Wrap(d.commandError(cmdSetBlockLen, response))
	}
	return cardType, nil
}

func (d *Driver) identifySDv2(timer *deadline.Deadline) (CardType, error) {
	var r7 [4]byte
	for i := range r7 {
		r7[i] = d.transport.Exchange(hal.IdleByte)
	}
	if r7[2] != ifCondVoltage || r7[3] != ifCondPattern {
		return CardTypeNone, sd.ErrNotInitialized.Wrap(
			sd.ErrUnexpectedResponse.WithMessage(
				fmt.Sprintf("card can't run at 2.7-3.6V: SEND_IF_COND echoed % X", r7),
			),
		)
	}

	if !d.waitForOpCond(timer, acmdSendOpCond, opCondHCS) {
		return CardTypeNone, sd.ErrNotInitialized.Wrap(
			sd.ErrTimeout.WithMessage("SD v2 card never left idle state"),
		)
	}

	ocr, err := d.readOCR()
	if err != nil {
		return CardTypeNone, sd.ErrNotInitialized.Wrap(err)
	}
	if ocr[0]&ocrCCS != 0 {
		return CardTypeSD2 | CardTypeBlock, nil
	}
	return CardTypeSD2, nil
}

// waitForOpCond repeats `cmd` until the card leaves the idle state. It returns
// false if `timer` runs out first.
func (d *Driver) waitForOpCond(timer *deadline.Deadline, cmd byte, arg uint32) bool {
	for !timer.Expired() {
		if d.sendCommand(cmd, arg) == 0 {
			return true
		}
	}
	return false
}

// readOCR reads the operating conditions register. The caller holds the lock.
func (d *Driver) readOCR() ([4]byte, error) {
	var ocr [4]byte
	response := d.sendCommand(cmdReadOCR, 0)
	if response != 0 {
		return ocr, d.commandError(cmdReadOCR, response)
	}
	for i := range ocr {
		ocr[i] = d.transport.Exchange(hal.IdleByte)
	}
	return ocr, nil
}
