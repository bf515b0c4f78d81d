package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	err := newApp().Run(os.Args)
	if err != nil {
		log.Fatalf("fatal error: %s", err.Error())
	}
}

func newApp() *cli.App {
	csvFlag := &cli.BoolFlag{Name: "csv", Usage: "Print the table as CSV"}

	return &cli.App{
		Name:  "sdspi",
		Usage: "Talk to an SD or MMC card over SPI",
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:  "image",
				Usage: "Emulate a card whose contents are the image `FILE`",
			},
			&cli.StringFlag{
				Name:  "model",
				Usage: "Card to emulate with --image: sdhc, sdsc, sdv1, or mmc",
				Value: "sdhc",
			},
			&cli.PathFlag{
				Name:  "spidev",
				Usage: "Use the card on the spidev node `PATH`",
			},
			&cli.IntFlag{
				Name:  "cs-gpio",
				Usage: "GPIO wired to the card's chip select",
				Value: -1,
			},
			&cli.IntFlag{
				Name:  "cd-gpio",
				Usage: "GPIO wired to the slot's card-detect switch (active low)",
				Value: -1,
			},
			&cli.IntFlag{
				Name:  "wp-gpio",
				Usage: "GPIO wired to the slot's write-protect switch (active high)",
				Value: -1,
			},
			&cli.BoolFlag{
				Name:  "dma",
				Usage: "Move data blocks with background transfers",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log every command sent to the card",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "info",
				Usage:  "Initialize the card and describe it",
				Flags:  []cli.Flag{csvFlag},
				Action: showInfo,
			},
			{
				Name:  "read",
				Usage: "Copy sectors from the card",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "sector", Usage: "First sector to read"},
					&cli.UintFlag{Name: "count", Usage: "Number of sectors", Value: 1},
					&cli.PathFlag{Name: "out", Usage: "Write to `FILE` instead of stdout"},
				},
				Action: readSectors,
			},
			{
				Name:  "write",
				Usage: "Copy a file onto the card, padding the last sector with zeros",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "sector", Usage: "First sector to write"},
					&cli.PathFlag{Name: "in", Usage: "Read from `FILE`", Required: true},
				},
				Action: writeSectors,
			},
			{
				Name:  "erase",
				Usage: "Erase an inclusive range of sectors",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "start", Usage: "First sector to erase", Required: true},
					&cli.UintFlag{Name: "end", Usage: "Last sector to erase", Required: true},
				},
				Action: eraseSectors,
			},
			{
				Name:  "dump",
				Usage: "Copy bytes from the card, at any offset",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "offset", Usage: "Byte offset to start at"},
					&cli.Int64Flag{Name: "length", Usage: "Number of bytes", Required: true},
				},
				Action: dumpBytes,
			},
			{
				Name:  "patch",
				Usage: "Overwrite bytes on the card, at any offset",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "offset", Usage: "Byte offset to start at"},
					&cli.PathFlag{Name: "in", Usage: "Read from `FILE`", Required: true},
				},
				Action: patchBytes,
			},
			{
				Name:   "csd",
				Usage:  "Decode the card's CSD register",
				Flags:  []cli.Flag{csvFlag},
				Action: showCSD,
			},
		},
	}
}
