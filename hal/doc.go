// Package hal declares what the SD card driver needs from the platform: an SPI
// bus with a chip-select line, optional card-detect and write-protect inputs,
// and a millisecond clock.
//
// # Transfers
//
// The driver moves single bytes with [Bus.Transfer] and runs of bytes through a
// [Transport]. Two transports exist and are chosen once, at construction:
//
//   - The synchronous transport clocks one byte at a time on the calling
//     goroutine.
//   - The DMA transport hands the whole run to an [AsyncBus] and blocks on a
//     single-slot completion signal until the bus reports the run is done.
//
// The protocol code is identical for both.
package hal
