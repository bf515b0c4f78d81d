package sim

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/noxer/bytewriter"
	"github.com/xaionaro-go/bytesextra"
)

// Model selects which generation of card to emulate.
type Model int

const (
	// ModelSDHC is an SD v2 high-capacity card. It's block addressed.
	ModelSDHC Model = iota
	// ModelSDSC is an SD v2 standard-capacity card. It's byte addressed.
	ModelSDSC
	// ModelSDv1 is an SD v1.x card. It rejects SEND_IF_COND.
	ModelSDv1
	// ModelMMC is an MMC v3 card. It rejects SEND_IF_COND and APP_CMD.
	ModelMMC
)

func (m Model) String() string {
	switch m {
	case ModelSDHC:
		return "SDHC"
	case ModelSDSC:
		return "SDSC"
	case ModelSDv1:
		return "SDv1"
	case ModelMMC:
		return "MMC"
	default:
		return fmt.Sprintf("Model(%d)", int(m))
	}
}

const (
	sectorSize = 512

	tokenStartBlock      = 0xFE
	tokenStartMultiWrite = 0xFC
	tokenStopMultiWrite  = 0xFD

	r1Idle          = 0x01
	r1EraseSequence = 0x10
	r1IllegalCmd    = 0x04
	r1CRCError      = 0x08
	r1AddressError  = 0x20
	r1ParamError    = 0x40

	dataAccepted = 0xE5 // low 5 bits 0b00101; the top bits are undefined
	dataRejected = 0xED // low 5 bits 0b01101: write error

	errorTokenOutOfRange = 0x08
)

// Config describes the card to emulate. Zero values get sensible defaults.
type Config struct {
	Model Model
	// Sectors is the card's capacity. High-capacity cards need a multiple of
	// 1024. Defaults to 2048.
	Sectors uint32
	// Storage backs the card's sectors. Defaults to a zero-filled buffer.
	Storage io.ReadWriteSeeker
	// InitPolls is how many SEND_OP_COND polls the card answers "still idle"
	// before it's ready. Defaults to 3.
	InitPolls int
	// ResponseLatency is the number of idle bytes before a command response.
	// Defaults to 1; must not exceed 8.
	ResponseLatency int
	// AccessLatency is the number of idle bytes between a read command's
	// response and its data token. Defaults to 4.
	AccessLatency int
	// ProgramBusy is how many busy bytes follow a written block. Defaults to 8.
	ProgramBusy int
	// EraseBusy is how many busy bytes follow ERASE. Defaults to 64.
	EraseBusy int
	// BytesPerMilli sets how many bytes over the bus advance the clock by one
	// millisecond. Defaults to 8.
	BytesPerMilli int
	// BadVoltageEcho makes an SD v2 card answer SEND_IF_COND without echoing the
	// supply voltage, as a card that can't run at 2.7-3.6V would.
	BadVoltageEcho bool
	// Clock is advanced by bus traffic. Defaults to a new clock starting at 0.
	Clock *Clock
}

// Command is one command frame as the card received it.
type Command struct {
	Index    byte
	Argument uint32
	App      bool
	Frame    [6]byte
}

type writeMode int

const (
	writeNone writeMode = iota
	writeSingle
	writeMulti
)

// Card is an emulated SD/MMC card on an SPI bus.
type Card struct {
	cfg   Config
	clock *Clock
	mutex sync.Mutex

	present  bool
	selected bool
	idle     bool
	appCmd   bool
	opPolls  int
	hz       uint32
	hzLog    []uint32
	bytes    int
	frame    [6]byte
	frameLen int

	out  []byte
	busy int

	reading    bool
	readSector uint32

	mode        writeMode
	writeSector uint32
	collecting  bool
	dataBuf     [sectorSize + 2]byte
	dataWriter  io.Writer
	dataLen     int
	preErase    uint32
	eraseStart  uint32
	eraseEnd    uint32

	csd      [16]byte
	cid      [16]byte
	sdStatus [64]byte

	commands     []Command
	dataTokens   int
	stopTokens   int
	erased       [][2]uint32
	failWriteAt  int64
	dropReadData bool

	// CardDetect reads high while the card is inserted.
	CardDetect *Pin
	// WriteProtect reads high while the card's lock switch is engaged.
	WriteProtect *Pin
}

// NewCard creates an inserted, powered-down card.
func NewCard(cfg Config) (*Card, error) {
	if cfg.Sectors == 0 {
		cfg.Sectors = 2048
	}
	if cfg.InitPolls == 0 {
		cfg.InitPolls = 3
	}
	if cfg.ResponseLatency == 0 {
		cfg.ResponseLatency = 1
	}
	if cfg.ResponseLatency > 8 {
		return nil, fmt.Errorf("response latency %d exceeds the 8 bytes cards are allowed", cfg.ResponseLatency)
	}
	if cfg.AccessLatency == 0 {
		cfg.AccessLatency = 4
	}
	if cfg.ProgramBusy == 0 {
		cfg.ProgramBusy = 8
	}
	if cfg.EraseBusy == 0 {
		cfg.EraseBusy = 64
	}
	if cfg.BytesPerMilli == 0 {
		cfg.BytesPerMilli = 8
	}
	if cfg.Clock == nil {
		cfg.Clock = NewClock(0)
	}

	card := &Card{
		cfg:          cfg,
		clock:        cfg.Clock,
		present:      true,
		idle:         true,
		cid:          defaultCID,
		sdStatus:     defaultSDStatus(),
		failWriteAt:  -1,
		CardDetect:   NewPin(true),
		WriteProtect: NewPin(false),
	}

	var err error
	switch cfg.Model {
	case ModelSDHC:
		card.csd, err = encodeCSDv2(cfg.Sectors)
	case ModelSDSC, ModelSDv1:
		card.csd, err = encodeCSDv1(cfg.Sectors, false)
	case ModelMMC:
		card.csd, err = encodeCSDv1(cfg.Sectors, true)
	default:
		err = fmt.Errorf("unknown card model %d", int(cfg.Model))
	}
	if err != nil {
		return nil, err
	}

	if card.cfg.Storage == nil {
		card.cfg.Storage = bytesextra.NewReadWriteSeeker(make([]byte, int(cfg.Sectors)*sectorSize))
	}
	return card, nil
}

// NewMemoryCard creates a card of the given model and size backed by memory.
func NewMemoryCard(model Model, sectors uint32) (*Card, error) {
	return NewCard(Config{Model: model, Sectors: sectors})
}

////////////////////////////////////////////////////////////////////////////////
// hal.AsyncBus

func (c *Card) SetChipSelect(asserted bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.selected = asserted
	if !asserted {
		// Whatever the host didn't read is gone. A card that's programming stays
		// busy, though.
		c.out = nil
		c.frameLen = 0
		c.collecting = false
	}
}

func (c *Card) SetClock(hz uint32) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if hz == 0 {
		return fmt.Errorf("clock frequency must be non-zero")
	}
	if len(c.hzLog) == 0 || c.hzLog[len(c.hzLog)-1] != hz {
		c.hzLog = append(c.hzLog, hz)
	}
	c.hz = hz
	return nil
}

func (c *Card) Transfer(b byte) byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.exchange(b)
}

// StartTransfer runs the transfer on its own goroutine, standing in for a DMA
// engine, and calls `done` from there.
func (c *Card) StartTransfer(tx, rx []byte, done func()) {
	go func() {
		c.mutex.Lock()
		for i, b := range tx {
			in := c.exchange(b)
			if rx != nil {
				rx[i] = in
			}
		}
		c.mutex.Unlock()
		done()
	}()
}

////////////////////////////////////////////////////////////////////////////////
// Test controls

// Clock returns the clock the card advances.
func (c *Card) Clock() *Clock {
	return c.clock
}

// Model returns the model of card being emulated.
func (c *Card) Model() Model {
	return c.cfg.Model
}

// ClockHz returns the bus frequency last set.
func (c *Card) ClockHz() uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.hz
}

// ClockHistory returns every distinct bus frequency set, in order.
func (c *Card) ClockHistory() []uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]uint32(nil), c.hzLog...)
}

// Commands returns a copy of every command frame received so far.
func (c *Card) Commands() []Command {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]Command(nil), c.commands...)
}

// ResetLog forgets all recorded commands and token counts.
func (c *Card) ResetLog() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.commands = nil
	c.dataTokens = 0
	c.stopTokens = 0
	c.erased = nil
}

// DataTokens returns how many write data blocks the card started receiving.
func (c *Card) DataTokens() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.dataTokens
}

// StopTokens returns how many "stop multi-block write" tokens the card saw.
func (c *Card) StopTokens() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.stopTokens
}

// Erased returns the inclusive sector ranges erased so far.
func (c *Card) Erased() [][2]uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([][2]uint32(nil), c.erased...)
}

// PreEraseCount gives the last argument of SET_WR_BLK_ERASE_COUNT.
func (c *Card) PreEraseCount() uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.preErase
}

// FailWriteAt makes the card reject the data block for `sector`. Pass -1 to
// turn it off.
func (c *Card) FailWriteAt(sector int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.failWriteAt = sector
}

// DropReadData makes the card accept read commands but never send the data.
func (c *Card) DropReadData(drop bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.dropReadData = drop
}

// SetCSD replaces the card-specific data register.
func (c *Card) SetCSD(csd [16]byte) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.csd = csd
}

// CSD returns the card-specific data register.
func (c *Card) CSD() [16]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.csd
}

// CID returns the card identification register.
func (c *Card) CID() [16]byte {
	return c.cid
}

// Remove pulls the card out of the slot. It stops answering immediately.
func (c *Card) Remove() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.present = false
	c.CardDetect.Set(false)
}

// Insert puts the card back. It comes back powered down and must be
// initialized again.
func (c *Card) Insert() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.present = true
	c.resetState()
	c.CardDetect.Set(true)
}

// Sector returns a copy of the stored contents of `sector`.
func (c *Card) Sector(sector uint32) ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	buf := make([]byte, sectorSize)
	err := c.readStorage(sector, buf)
	return buf, err
}

// SetSector overwrites the stored contents of `sector`.
func (c *Card) SetSector(sector uint32, data []byte) error {
	if len(data) != sectorSize {
		return fmt.Errorf("sector data must be %d bytes, got %d", sectorSize, len(data))
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.writeStorage(sector, data)
}

////////////////////////////////////////////////////////////////////////////////
// Protocol

func (c *Card) resetState() {
	c.idle = true
	c.appCmd = false
	c.opPolls = 0
	c.out = nil
	c.busy = 0
	c.reading = false
	c.mode = writeNone
	c.collecting = false
	c.frameLen = 0
}

// exchange handles one byte time on the bus. The caller holds the mutex.
func (c *Card) exchange(in byte) byte {
	c.bytes++
	if c.bytes%c.cfg.BytesPerMilli == 0 {
		c.clock.Advance(1)
	}

	// Nobody drives MISO if the card is deselected or missing; the pull-up wins.
	if !c.selected || !c.present {
		return 0xFF
	}

	out := c.nextOutput()
	c.receive(in)
	return out
}

func (c *Card) nextOutput() byte {
	if len(c.out) == 0 && c.busy == 0 && c.reading {
		c.queueReadBlock(c.readSector)
		c.readSector++
	}

	if len(c.out) > 0 {
		b := c.out[0]
		c.out = c.out[1:]
		return b
	}
	if c.busy > 0 {
		c.busy--
		return 0x00
	}
	return 0xFF
}

func (c *Card) receive(in byte) {
	switch {
	case c.collecting:
		c.dataWriter.Write([]byte{in})
		c.dataLen++
		if c.dataLen == len(c.dataBuf) {
			c.finishDataBlock()
		}
	case c.frameLen > 0:
		c.frame[c.frameLen] = in
		c.frameLen++
		if c.frameLen == len(c.frame) {
			c.frameLen = 0
			c.execute()
		}
	case in&0xC0 == 0x40:
		c.frame[0] = in
		c.frameLen = 1
	case c.mode != writeNone && c.busy == 0:
		c.receiveToken(in)
	}
}

func (c *Card) receiveToken(token byte) {
	switch {
	case c.mode == writeSingle && token == tokenStartBlock,
		c.mode == writeMulti && token == tokenStartMultiWrite:
		c.dataTokens++
		c.collecting = true
		c.dataLen = 0
		c.dataWriter = bytewriter.New(c.dataBuf[:])
	case c.mode == writeMulti && token == tokenStopMultiWrite:
		c.stopTokens++
		c.mode = writeNone
		c.out = []byte{0xFF}
		c.busy = c.cfg.ProgramBusy
	}
}

func (c *Card) finishDataBlock() {
	c.collecting = false

	sector := c.writeSector
	if int64(sector) == c.failWriteAt || sector >= c.cfg.Sectors {
		c.out = []byte{dataRejected}
		if c.mode == writeSingle {
			c.mode = writeNone
		}
		return
	}

	if err := c.writeStorage(sector, c.dataBuf[:sectorSize]); err != nil {
		c.out = []byte{dataRejected}
		return
	}

	c.out = []byte{dataAccepted}
	c.busy = c.cfg.ProgramBusy
	if c.mode == writeSingle {
		c.mode = writeNone
	} else {
		c.writeSector++
	}
}

func (c *Card) r1(flags byte) byte {
	if c.idle {
		flags |= r1Idle
	}
	return flags
}

func (c *Card) respond(response ...byte) {
	c.out = make([]byte, 0, c.cfg.ResponseLatency+len(response))
	for i := 0; i < c.cfg.ResponseLatency; i++ {
		c.out = append(c.out, 0xFF)
	}
	c.out = append(c.out, response...)
}

// queueData appends an access delay, the start token, the payload and its CRC.
func (c *Card) queueData(payload []byte) {
	for i := 0; i < c.cfg.AccessLatency; i++ {
		c.out = append(c.out, 0xFF)
	}
	crc := crc16(payload)
	c.out = append(c.out, tokenStartBlock)
	c.out = append(c.out, payload...)
	c.out = append(c.out, byte(crc>>8), byte(crc))
}

func (c *Card) queueReadBlock(sector uint32) {
	if c.dropReadData {
		return
	}
	if sector >= c.cfg.Sectors {
		c.reading = false
		c.out = append(c.out, errorTokenOutOfRange)
		return
	}

	buf := make([]byte, sectorSize)
	if err := c.readStorage(sector, buf); err != nil {
		c.reading = false
		c.out = append(c.out, errorTokenOutOfRange)
		return
	}
	c.queueData(buf)
}

// toSector converts a command's address argument into a sector number.
func (c *Card) toSector(arg uint32) (uint32, bool) {
	sector := arg
	if c.cfg.Model != ModelSDHC {
		if arg%sectorSize != 0 {
			return 0, false
		}
		sector = arg / sectorSize
	}
	return sector, sector < c.cfg.Sectors
}

func (c *Card) isSD() bool {
	return c.cfg.Model != ModelMMC
}

func (c *Card) execute() {
	index := c.frame[0] & 0x3F
	arg := binary.BigEndian.Uint32(c.frame[1:5])
	crc := c.frame[5]
	app := c.appCmd
	c.appCmd = false

	c.commands = append(c.commands, Command{Index: index, Argument: arg, App: app, Frame: c.frame})
	c.out = nil

	switch {
	case index == 0:
		c.resetState()
		if crc != 0x95 {
			c.respond(c.r1(r1CRCError))
			return
		}
		c.respond(c.r1(0))

	case index == 8:
		if !c.isSD() || c.cfg.Model == ModelSDv1 {
			c.respond(c.r1(r1IllegalCmd))
			return
		}
		if crc != 0x87 {
			c.respond(c.r1(r1CRCError))
			return
		}
		voltage := byte(arg>>8) & 0x0F
		if c.cfg.BadVoltageEcho {
			voltage = 0
		}
		c.respond(c.r1(0), 0x00, 0x00, voltage, byte(arg))

	case index == 55:
		if !c.isSD() {
			c.respond(c.r1(r1IllegalCmd))
			return
		}
		c.appCmd = true
		c.respond(c.r1(0))

	case index == 41 && app, index == 1 && !c.isSD():
		// A high-capacity card stays busy forever if the host didn't announce
		// it can address blocks.
		hcsOK := c.cfg.Model != ModelSDHC || arg&(1<<30) != 0
		c.opPolls++
		if c.opPolls > c.cfg.InitPolls && hcsOK {
			c.idle = false
		}
		c.respond(c.r1(0))

	case index == 58:
		ocr0 := byte(0x00)
		if !c.idle {
			ocr0 = 0x80
			if c.cfg.Model == ModelSDHC {
				ocr0 |= 0x40
			}
		}
		c.respond(c.r1(0), ocr0, 0xFF, 0x80, 0x00)

	case c.idle:
		// Everything below needs an initialized card.
		c.respond(c.r1(r1IllegalCmd))

	case index == 16:
		if c.cfg.Model != ModelSDHC && arg != sectorSize {
			c.respond(c.r1(r1ParamError))
			return
		}
		c.respond(c.r1(0))

	case index == 9:
		c.respond(c.r1(0))
		c.queueData(c.csd[:])

	case index == 10:
		c.respond(c.r1(0))
		c.queueData(c.cid[:])

	case index == 13 && app:
		c.respond(c.r1(0), 0x00)
		c.queueData(c.sdStatus[:])

	case index == 23 && app:
		if !c.isSD() {
			c.respond(c.r1(r1IllegalCmd))
			return
		}
		c.preErase = arg
		c.respond(c.r1(0))

	case index == 17, index == 18:
		sector, ok := c.toSector(arg)
		if !ok {
			c.respond(c.r1(r1AddressError))
			return
		}
		c.respond(c.r1(0))
		if index == 17 {
			c.queueReadBlock(sector)
			return
		}
		for i := 0; i < c.cfg.AccessLatency; i++ {
			c.out = append(c.out, 0xFF)
		}
		c.reading = !c.dropReadData
		c.readSector = sector

	case index == 12:
		c.reading = false
		// One stuff byte, then R1, then a short busy period.
		c.out = []byte{0xFF, c.r1(0)}
		c.busy = 2

	case index == 24, index == 25:
		sector, ok := c.toSector(arg)
		if !ok {
			c.respond(c.r1(r1AddressError))
			return
		}
		c.writeSector = sector
		c.mode = writeSingle
		if index == 25 {
			c.mode = writeMulti
		}
		c.respond(c.r1(0))

	case index == 32, index == 33:
		sector, ok := c.toSector(arg)
		if !ok {
			c.respond(c.r1(r1AddressError))
			return
		}
		if index == 32 {
			c.eraseStart = sector
		} else {
			c.eraseEnd = sector
		}
		c.respond(c.r1(0))

	case index == 38:
		if c.eraseEnd < c.eraseStart {
			c.respond(c.r1(r1EraseSequence))
			return
		}
		zeros := make([]byte, sectorSize)
		for s := c.eraseStart; s <= c.eraseEnd; s++ {
			_ = c.writeStorage(s, zeros)
		}
		c.erased = append(c.erased, [2]uint32{c.eraseStart, c.eraseEnd})
		c.respond(c.r1(0))
		c.busy = c.cfg.EraseBusy

	default:
		c.respond(c.r1(r1IllegalCmd))
	}
}

func (c *Card) readStorage(sector uint32, buf []byte) error {
	if sector >= c.cfg.Sectors {
		return fmt.Errorf("sector %d not in range [0, %d)", sector, c.cfg.Sectors)
	}
	_, err := c.cfg.Storage.Seek(int64(sector)*sectorSize, io.SeekStart)
	if err != nil {
		return err
	}
	_, err = io.ReadFull(c.cfg.Storage, buf)
	return err
}

func (c *Card) writeStorage(sector uint32, data []byte) error {
	if sector >= c.cfg.Sectors {
		return fmt.Errorf("sector %d not in range [0, %d)", sector, c.cfg.Sectors)
	}
	_, err := c.cfg.Storage.Seek(int64(sector)*sectorSize, io.SeekStart)
	if err != nil {
		return err
	}
	_, err = c.cfg.Storage.Write(data[:sectorSize])
	return err
}
