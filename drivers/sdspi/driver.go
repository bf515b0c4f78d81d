package sdspi

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	sd "github.com/dargueta/sdspi"
	"github.com/dargueta/sdspi/hal"
)

const (
	DefaultHighSpeedHz = 15000000
	DefaultLowSpeedHz  = 400000
	// DefaultIdleRetries is how many GO_IDLE_STATE commands are sent to let the
	// card settle before the one whose answer counts.
	DefaultIdleRetries = 200
)

// Config describes how a card slot is wired up.
type Config struct {
	// Bus is the SPI master the card hangs off. Required.
	Bus hal.Bus
	// HighSpeedHz is the SCK rate once the card is initialized.
	HighSpeedHz uint32
	// LowSpeedHz is the SCK rate while the card is initializing. Cards must
	// accept 100-400 kHz here.
	LowSpeedHz uint32
	// CardDetect senses whether a card is in the slot. Nil means always present.
	CardDetect *hal.Sensor
	// WriteProtect senses the card's lock switch. Nil means never protected.
	WriteProtect *hal.Sensor
	// Mutex serializes access to the bus. Nil means the caller does it.
	Mutex sync.Locker
	// UseDMA moves data blocks with [hal.AsyncBus.StartTransfer]. Bus must
	// implement [hal.AsyncBus].
	UseDMA bool
	// DMATimeout bounds a single DMA burst. Defaults to [hal.DefaultDMATimeout].
	DMATimeout time.Duration
	// IdleRetries overrides [DefaultIdleRetries]. Negative means none.
	IdleRetries int
	// Clock times every wait. Defaults to the system clock.
	Clock hal.Clock
	// Logger receives protocol diagnostics. Nil discards them.
	Logger *slog.Logger
}

// Driver is a block device backed by one SD/MMC card slot.
type Driver struct {
	bus          hal.Bus
	transport    hal.Transport
	clock        hal.Clock
	mutex        sync.Locker
	log          *slog.Logger
	cardDetect   *hal.Sensor
	writeProtect *hal.Sensor
	highSpeedHz  uint32
	lowSpeedHz   uint32
	idleRetries  int

	activeHz uint32
	status   sd.Status
	cardType CardType
	busy     busyFlags
}

var _ sd.BlockDevice = (*Driver)(nil)

// New creates a driver for an uninitialized card. It doesn't touch the bus.
func New(cfg Config) (*Driver, error) {
	if cfg.Bus == nil {
		return nil, sd.ErrInvalidArgument.WithMessage("a bus is required")
	}

	transport, err := hal.NewTransport(cfg.Bus, cfg.UseDMA, cfg.DMATimeout)
	if err != nil {
		return nil, err
	}

	if cfg.HighSpeedHz == 0 {
		cfg.HighSpeedHz = DefaultHighSpeedHz
	}
	if cfg.LowSpeedHz == 0 {
		cfg.LowSpeedHz = DefaultLowSpeedHz
	}
	if cfg.IdleRetries == 0 {
		cfg.IdleRetries = DefaultIdleRetries
	} else if cfg.IdleRetries < 0 {
		cfg.IdleRetries = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = hal.NewSystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Driver{
		bus:          cfg.Bus,
		transport:    transport,
		clock:        cfg.Clock,
		mutex:        cfg.Mutex,
		log:          cfg.Logger.With("component", "sdspi"),
		cardDetect:   cfg.CardDetect,
		writeProtect: cfg.WriteProtect,
		highSpeedHz:  cfg.HighSpeedHz,
		lowSpeedHz:   cfg.LowSpeedHz,
		idleRetries:  cfg.IdleRetries,
		activeHz:     cfg.LowSpeedHz,
		status:       sd.StatusNotInitialized,
	}, nil
}

// lock takes the bus for a public operation and marks the driver busy.
func (d *Driver) lock() {
	d.acquire()
	// Other devices on a shared bus may have changed the clock.
	d.applyClock()
}

// acquire takes the lock and marks the driver busy without touching the bus.
func (d *Driver) acquire() {
	if d.mutex != nil {
		d.mutex.Lock()
	}
	d.busy.enter()
}

func (d *Driver) unlock() {
	d.transport.Settle()
	d.busy.leave()
	if d.mutex != nil {
		d.mutex.Unlock()
	}
}

func (d *Driver) applyClock() {
	if err := d.bus.SetClock(d.activeHz); err != nil {
		d.log.Warn("failed to set bus clock", "hz", d.activeHz, "error", err)
	}
}

func (d *Driver) setClock(hz uint32) {
	d.activeHz = hz
	d.applyClock()
}

func (d *Driver) cardPresent() bool {
	return d.cardDetect == nil || d.cardDetect.Active()
}

func (d *Driver) writeProtected() bool {
	return d.writeProtect != nil && d.writeProtect.Active()
}

// refreshSensors updates the status bits that come straight from the slot's
// sensors.
func (d *Driver) refreshSensors() {
	if !d.cardPresent() {
		d.status |= sd.StatusNoMedia | sd.StatusNotInitialized
		d.cardType = CardTypeNone
		return
	}

	d.status &^= sd.StatusNoMedia
	if d.writeProtected() {
		d.status |= sd.StatusWriteProtected
	} else {
		d.status &^= sd.StatusWriteProtected
	}
}

// Status reports the status bits without talking to the card. Pulling the card
// out drops the driver back to uninitialized.
func (d *Driver) Status() sd.Status {
	if d.mutex != nil {
		d.mutex.Lock()
		defer d.mutex.Unlock()
	}
	d.refreshSensors()
	return d.status
}

// CardType returns the classification made by the last Initialize.
func (d *Driver) CardType() CardType {
	if d.mutex != nil {
		d.mutex.Lock()
		defer d.mutex.Unlock()
	}
	return d.cardType
}

// ActiveClockHz returns the SCK rate the driver currently runs the bus at.
func (d *Driver) ActiveClockHz() uint32 {
	if d.mutex != nil {
		d.mutex.Lock()
		defer d.mutex.Unlock()
	}
	return d.activeHz
}

// Busy returns true while a public operation is running. It never blocks.
func (d *Driver) Busy() bool {
	return d.busy.live()
}

// WasBusySinceLastCheck returns true if an operation ran at any point since the
// previous call. It never blocks.
func (d *Driver) WasBusySinceLastCheck() bool {
	return d.busy.observe()
}

// checkReady verifies a card is present and initialized. The caller holds the
// lock.
func (d *Driver) checkReady() error {
	if !d.cardPresent() {
		d.refreshSensors()
		return sd.ErrNoMedia
	}
	if d.status&sd.StatusNotInitialized != 0 {
		return sd.ErrNotInitialized
	}
	return nil
}

// maxByteAddressedSector is the last sector a byte-addressed card can reach
// with a 32-bit argument.
const maxByteAddressedSector = math.MaxUint32 / sd.SectorSize

// address converts the first of `count` sectors into a command argument for
// this card. Ranges the argument can't express are a parameter error.
func (d *Driver) address(sector uint32, count uint) (uint32, error) {
	last := uint64(sector) + uint64(count) - 1
	if count == 0 {
		last = uint64(sector)
	}

	limit := uint64(math.MaxUint32)
	if !d.cardType.IsBlockAddressed() {
		limit = maxByteAddressedSector
	}
	if last > limit {
		return 0, sd.ErrInvalidArgument.WithMessage(
			fmt.Sprintf(
				"sectors %d-%d can't be addressed on a %s card (last sector %d)",
				sector,
				last,
				d.cardType,
				limit,
			),
		)
	}

	if d.cardType.IsBlockAddressed() {
		return sector, nil
	}
	return sector * sd.SectorSize, nil
}
