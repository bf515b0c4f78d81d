//go:build linux

package linux

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pkg/errors"
)

// DefaultGPIORoot is where the kernel exposes the legacy sysfs GPIO interface.
const DefaultGPIORoot = "/sys/class/gpio"

// GPIOChip opens lines through a sysfs GPIO directory.
type GPIOChip struct {
	Root string
}

// GPIO is one exported sysfs GPIO line. It implements [hal.Pin].
type GPIO struct {
	Number int
	value  *os.File
	mutex  sync.Mutex
	err    error
}

func (chip GPIOChip) root() string {
	if chip.Root == "" {
		return DefaultGPIORoot
	}
	return chip.Root
}

// export makes the line visible in sysfs if it isn't already, and sets its
// direction.
func (chip GPIOChip) export(number int, direction string) (*os.File, error) {
	lineDir := filepath.Join(chip.root(), fmt.Sprintf("gpio%d", number))

	if _, err := os.Stat(lineDir); os.IsNotExist(err) {
		err = os.WriteFile(
			filepath.Join(chip.root(), "export"), []byte(strconv.Itoa(number)), 0o200,
		)
		if err != nil {
			return nil, errors.Wrapf(err, "can't export GPIO %d", number)
		}
	}

	err := os.WriteFile(filepath.Join(lineDir, "direction"), []byte(direction), 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "can't set GPIO %d direction to %q", number, direction)
	}

	value, err := os.OpenFile(filepath.Join(lineDir, "value"), os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open GPIO %d value", number)
	}
	return value, nil
}

// OpenInput exports `number` as an input, e.g. for a card-detect switch.
func (chip GPIOChip) OpenInput(number int) (*GPIO, error) {
	value, err := chip.export(number, "in")
	if err != nil {
		return nil, err
	}
	return &GPIO{Number: number, value: value}, nil
}

// OpenOutput exports `number` as an output driven to `level`.
func (chip GPIOChip) OpenOutput(number int, level bool) (*GPIO, error) {
	direction := "low"
	if level {
		direction = "high"
	}
	value, err := chip.export(number, direction)
	if err != nil {
		return nil, err
	}
	return &GPIO{Number: number, value: value}, nil
}

// Get reads the line. A line that can't be read reads low; see [GPIO.Err].
func (g *GPIO) Get() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	var level [1]byte
	_, err := g.value.ReadAt(level[:], 0)
	if err != nil && err != io.EOF {
		g.err = errors.Wrapf(err, "reading GPIO %d", g.Number)
		return false
	}
	return level[0] == '1'
}

// Set drives an output line.
func (g *GPIO) Set(level bool) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	text := []byte("0")
	if level {
		text[0] = '1'
	}
	_, err := g.value.WriteAt(text, 0)
	if err != nil {
		g.err = errors.Wrapf(err, "writing GPIO %d", g.Number)
	}
}

// Err returns the last error from Get or Set, since neither can report one.
func (g *GPIO) Err() error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.err
}

func (g *GPIO) Close() error {
	return g.value.Close()
}
