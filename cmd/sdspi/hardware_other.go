//go:build !linux

package main

import (
	"fmt"
	"runtime"

	"github.com/dargueta/sdspi/drivers/sdspi"
	"github.com/urfave/cli/v2"
)

func openHardware(context *cli.Context, cfg *sdspi.Config) (*session, error) {
	return nil, fmt.Errorf("--spidev isn't supported on %s", runtime.GOOS)
}
