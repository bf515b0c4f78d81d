// Package linux runs the driver on a Linux host. The bus is a spidev node and
// the card's control lines are sysfs GPIOs.
package linux
