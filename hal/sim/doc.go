// Package sim is a software SD/MMC card speaking the SPI-mode protocol, wired
// to an emulated SPI bus. It implements [hal.AsyncBus] so a driver can be run
// against it unmodified, with either transfer strategy.
//
// The card keeps a log of every command frame it received and counts data
// tokens, so tests can check exactly what went over the wire. Faults (a card
// that never sends a read token, rejected writes, removal) can be injected at
// any point.
//
// Time is simulated: every byte clocked over the bus advances the card's
// [Clock] by a fraction of a millisecond, so timeouts in the driver expire
// after a realistic number of bytes without the tests sleeping.
package sim
