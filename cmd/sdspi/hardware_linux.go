package main

import (
	"fmt"

	"github.com/dargueta/sdspi/drivers/sdspi"
	"github.com/dargueta/sdspi/hal"
	"github.com/dargueta/sdspi/hal/linux"
	"github.com/urfave/cli/v2"
)

// openHardware wires the driver to a spidev node and sysfs GPIOs.
func openHardware(context *cli.Context, cfg *sdspi.Config) (*session, error) {
	if context.Int("cs-gpio") < 0 {
		return nil, fmt.Errorf("--spidev needs --cs-gpio")
	}

	chip := linux.GPIOChip{}
	s := &session{}

	chipSelect, err := chip.OpenOutput(context.Int("cs-gpio"), true)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, chipSelect)

	if number := context.Int("cd-gpio"); number >= 0 {
		pin, err := chip.OpenInput(number)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, pin)
		cfg.CardDetect = &hal.Sensor{Pin: pin, ActiveHigh: false}
	}
	if number := context.Int("wp-gpio"); number >= 0 {
		pin, err := chip.OpenInput(number)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, pin)
		cfg.WriteProtect = &hal.Sensor{Pin: pin, ActiveHigh: true}
	}

	bus, err := linux.OpenSPIDevice(context.Path("spidev"), chipSelect)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, bus)

	cfg.Bus = bus
	cfg.Clock = hal.NewSystemClock()
	return s, nil
}
