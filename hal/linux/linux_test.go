//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeSysfs lays out a GPIO directory the way the kernel does after a line
// is exported.
func newFakeSysfs(t *testing.T, numbers ...int) GPIOChip {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "export"), nil, 0o600))

	for _, number := range numbers {
		lineDir := filepath.Join(root, fmt.Sprintf("gpio%d", number))
		require.NoError(t, os.Mkdir(lineDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(lineDir, "direction"), []byte("in"), 0o600))
		require.NoError(t, os.WriteFile(filepath.Join(lineDir, "value"), []byte("0\n"), 0o600))
	}
	return GPIOChip{Root: root}
}

func TestSPIIOCTransfer__Layout(t *testing.T) {
	assert.EqualValues(t, 32, unsafe.Sizeof(spiIOCTransfer{}))
	// _IOW('k', 0, char[32])
	assert.EqualValues(t, 1<<30|32<<16|'k'<<8, spiIOCMessage1)
}

func TestGPIOChip__DefaultRoot(t *testing.T) {
	assert.Equal(t, DefaultGPIORoot, GPIOChip{}.root())
}

func TestGPIOChip__OpenInput(t *testing.T) {
	chip := newFakeSysfs(t, 4)

	pin, err := chip.OpenInput(4)
	require.NoError(t, err)
	defer pin.Close()

	direction, err := os.ReadFile(filepath.Join(chip.Root, "gpio4", "direction"))
	require.NoError(t, err)
	assert.Equal(t, "in", string(direction))
	assert.False(t, pin.Get())

	require.NoError(
		t, os.WriteFile(filepath.Join(chip.Root, "gpio4", "value"), []byte("1\n"), 0o600),
	)
	assert.True(t, pin.Get())
	assert.NoError(t, pin.Err())
}

func TestGPIOChip__OpenOutput(t *testing.T) {
	chip := newFakeSysfs(t, 7)

	pin, err := chip.OpenOutput(7, true)
	require.NoError(t, err)
	defer pin.Close()

	direction, err := os.ReadFile(filepath.Join(chip.Root, "gpio7", "direction"))
	require.NoError(t, err)
	assert.Equal(t, "high", string(direction))

	pin.Set(false)
	assert.False(t, pin.Get())
	pin.Set(true)
	assert.True(t, pin.Get())
}

// A line that isn't exported yet is requested through the export file.
func TestGPIOChip__ExportsMissingLine(t *testing.T) {
	chip := newFakeSysfs(t)

	_, err := chip.OpenInput(3)
	assert.Error(t, err, "line directory doesn't exist, so opening it must fail")

	requested, err := os.ReadFile(filepath.Join(chip.Root, "export"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(requested))
}

func TestOpenSPIDevice__NeedsChipSelect(t *testing.T) {
	_, err := OpenSPIDevice("/dev/null", nil)
	assert.Error(t, err)
}

func TestOpenSPIDevice__MissingNode(t *testing.T) {
	chip := newFakeSysfs(t, 2)
	cs, err := chip.OpenOutput(2, true)
	require.NoError(t, err)
	defer cs.Close()

	_, err = OpenSPIDevice(filepath.Join(t.TempDir(), "spidev9.9"), cs)
	assert.Error(t, err)
}
