//go:build linux

package linux

import (
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/dargueta/sdspi/hal"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Request numbers from linux/spi/spidev.h.
const (
	spiIOCMessage1       = 0x40206b00 // SPI_IOC_MESSAGE(1)
	spiIOCWrMode         = 0x40016b01
	spiIOCWrBitsPerWord  = 0x40016b03
	spiIOCWrMaxSpeedHz   = 0x40046b04
	spiModeNoChipSelect  = 0x40
	spiMode0             = 0x00
	spiBitsPerWord       = 8
	spiMaxTransferLength = 4096
)

// spiIOCTransfer mirrors struct spi_ioc_transfer.
type spiIOCTransfer struct {
	txBuf          uint64
	rxBuf          uint64
	length         uint32
	speedHz        uint32
	delayUsecs     uint16
	bitsPerWord    uint8
	csChange       uint8
	txNbits        uint8
	rxNbits        uint8
	wordDelayUsecs uint8
	pad            uint8
}

// SPIDevice is an SPI bus exposed through spidev, with the card's chip select on
// a separate GPIO so it can stay asserted across transfers. It implements
// [hal.AsyncBus]; background transfers run on their own goroutine.
type SPIDevice struct {
	file       *os.File
	chipSelect *GPIO
	speedHz    uint32
	mutex      sync.Mutex
	err        error
}

var _ hal.AsyncBus = (*SPIDevice)(nil)

// OpenSPIDevice opens a spidev node such as /dev/spidev0.0 in mode 0 with the
// controller's own chip select disabled.
func OpenSPIDevice(path string, chipSelect *GPIO) (*SPIDevice, error) {
	if chipSelect == nil {
		return nil, errors.New("a chip-select GPIO is required")
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", path)
	}

	device := &SPIDevice{file: file, chipSelect: chipSelect}

	mode := uint8(spiMode0 | spiModeNoChipSelect)
	if err = device.ioctl(spiIOCWrMode, unsafe.Pointer(&mode)); err != nil {
		file.Close()
		return nil, errors.Wrap(err, "can't set SPI mode")
	}
	bits := uint8(spiBitsPerWord)
	if err = device.ioctl(spiIOCWrBitsPerWord, unsafe.Pointer(&bits)); err != nil {
		file.Close()
		return nil, errors.Wrap(err, "can't set SPI word size")
	}

	chipSelect.Set(true)
	return device, nil
}

func (device *SPIDevice) ioctl(request uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, device.file.Fd(), request, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// SetChipSelect drives the chip-select GPIO, which is active low.
func (device *SPIDevice) SetChipSelect(asserted bool) {
	device.chipSelect.Set(!asserted)
}

func (device *SPIDevice) SetClock(hz uint32) error {
	device.mutex.Lock()
	defer device.mutex.Unlock()

	err := device.ioctl(spiIOCWrMaxSpeedHz, unsafe.Pointer(&hz))
	if err != nil {
		return errors.Wrapf(err, "can't set SPI clock to %d Hz", hz)
	}
	device.speedHz = hz
	return nil
}

// Transfer shifts one byte. If the kernel rejects the transfer it returns
// [hal.IdleByte], the same thing a missing card would send; see [SPIDevice.Err].
func (device *SPIDevice) Transfer(b byte) byte {
	buffer := []byte{b}
	if err := device.exchange(buffer, buffer); err != nil {
		return hal.IdleByte
	}
	return buffer[0]
}

func (device *SPIDevice) StartTransfer(tx, rx []byte, done func()) {
	go func() {
		defer done()
		if err := device.exchange(tx, rx); err != nil && rx != nil {
			for i := range rx {
				rx[i] = hal.IdleByte
			}
		}
	}()
}

// exchange runs `tx` through the controller in chunks the driver will accept.
func (device *SPIDevice) exchange(tx, rx []byte) error {
	device.mutex.Lock()
	defer device.mutex.Unlock()

	for offset := 0; offset < len(tx); offset += spiMaxTransferLength {
		end := offset + spiMaxTransferLength
		if end > len(tx) {
			end = len(tx)
		}

		transfer := spiIOCTransfer{
			txBuf:       uint64(uintptr(unsafe.Pointer(&tx[offset]))),
			length:      uint32(end - offset),
			speedHz:     device.speedHz,
			bitsPerWord: spiBitsPerWord,
		}
		if rx != nil {
			transfer.rxBuf = uint64(uintptr(unsafe.Pointer(&rx[offset])))
		}

		err := device.ioctl(spiIOCMessage1, unsafe.Pointer(&transfer))
		runtime.KeepAlive(tx)
		runtime.KeepAlive(rx)
		if err != nil {
			device.err = errors.Wrapf(err, "SPI transfer of %d bytes failed", end-offset)
			return device.err
		}
	}
	return nil
}

// Err returns the last transfer error, since the bus methods can't report one.
func (device *SPIDevice) Err() error {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return device.err
}

func (device *SPIDevice) Close() error {
	device.chipSelect.Set(true)
	return device.file.Close()
}
