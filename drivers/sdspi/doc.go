// Package sdspi drives an SD or MMC card over SPI and exposes it as a
// block device of 512-byte sectors.
//
// A Driver owns one card slot. Every public method takes the configured lock for
// its whole duration, so one Driver can be shared between goroutines as long as
// a Mutex is set in its Config. All waits on the card are bounded by deadlines
// measured against the configured clock; nothing blocks forever.
package sdspi
