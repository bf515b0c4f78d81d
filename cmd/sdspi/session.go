package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/dargueta/sdspi/drivers/sdspi"
	"github.com/dargueta/sdspi/hal"
	"github.com/dargueta/sdspi/hal/sim"
	"github.com/urfave/cli/v2"
)

// session is an initialized driver and whatever has to be closed once the
// command finishes with it.
type session struct {
	driver  *sdspi.Driver
	closers []io.Closer
}

func (s *session) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func parseModel(name string) (sim.Model, error) {
	switch strings.ToLower(name) {
	case "sdhc":
		return sim.ModelSDHC, nil
	case "sdsc":
		return sim.ModelSDSC, nil
	case "sdv1":
		return sim.ModelSDv1, nil
	case "mmc":
		return sim.ModelMMC, nil
	default:
		return 0, fmt.Errorf("unknown card model %q", name)
	}
}

func newLogger(context *cli.Context) *slog.Logger {
	level := slog.LevelWarn
	if context.Bool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(context.App.ErrWriter, &slog.HandlerOptions{Level: level}))
}

// openImage emulates a card backed by an image file. The file must be a whole
// number of sectors.
func openImage(context *cli.Context, cfg *sdspi.Config) (*session, error) {
	model, err := parseModel(context.String("model"))
	if err != nil {
		return nil, err
	}

	path := context.Path("image")
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size()%512 != 0 {
		file.Close()
		return nil, fmt.Errorf("%s is %d bytes, not a whole number of sectors", path, info.Size())
	}

	card, err := sim.NewCard(
		sim.Config{
			Model:   model,
			Sectors: uint32(info.Size() / 512),
			Storage: file,
		},
	)
	if err != nil {
		file.Close()
		return nil, err
	}

	cfg.Bus = card
	cfg.Clock = card.Clock()
	cfg.CardDetect = &hal.Sensor{Pin: card.CardDetect, ActiveHigh: true}
	cfg.WriteProtect = &hal.Sensor{Pin: card.WriteProtect, ActiveHigh: true}
	return &session{closers: []io.Closer{file}}, nil
}

func openSession(context *cli.Context) (*session, error) {
	cfg := sdspi.Config{
		UseDMA: context.Bool("dma"),
		Mutex:  &sync.Mutex{},
		Logger: newLogger(context),
	}

	var s *session
	var err error
	switch {
	case context.IsSet("image") && context.IsSet("spidev"):
		return nil, fmt.Errorf("--image and --spidev can't be used together")
	case context.IsSet("image"):
		s, err = openImage(context, &cfg)
	case context.IsSet("spidev"):
		s, err = openHardware(context, &cfg)
	default:
		return nil, fmt.Errorf("either --image or --spidev is required")
	}
	if err != nil {
		return nil, err
	}

	s.driver, err = sdspi.New(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	status, err := s.driver.Initialize()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("card didn't initialize (status %s): %w", status, err)
	}
	return s, nil
}
