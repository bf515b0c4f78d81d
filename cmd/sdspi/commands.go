package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	sd "github.com/dargueta/sdspi"
	"github.com/dargueta/sdspi/drivers/common"
	"github.com/dargueta/sdspi/drivers/common/basicstream"
	"github.com/dargueta/sdspi/drivers/common/blockcache"
	"github.com/dargueta/sdspi/drivers/sdspi"
	"github.com/gocarina/gocsv"
	"github.com/urfave/cli/v2"
)

// printTable writes name/value rows as CSV or as aligned text.
func printTable(w io.Writer, asCSV bool, rows []sdspi.CSDField) error {
	if asCSV {
		return gocsv.Marshal(&rows, w)
	}

	width := 0
	for _, row := range rows {
		if len(row.Name) > width {
			width = len(row.Name)
		}
	}
	for _, row := range rows {
		_, err := fmt.Fprintf(w, "%-*s  %s\n", width, row.Name, row.Value)
		if err != nil {
			return err
		}
	}
	return nil
}

func showInfo(context *cli.Context) error {
	s, err := openSession(context)
	if err != nil {
		return err
	}
	defer s.Close()

	sectors, err := s.driver.SectorCount()
	if err != nil {
		return err
	}
	eraseBlock, err := s.driver.EraseBlockSize()
	if err != nil {
		return err
	}

	rows := []sdspi.CSDField{
		{Name: "type", Value: s.driver.CardType().String()},
		{Name: "status", Value: s.driver.Status().String()},
		{Name: "sectors", Value: strconv.FormatUint(uint64(sectors), 10)},
		{Name: "bytes", Value: strconv.FormatUint(uint64(sectors)*512, 10)},
		{Name: "erase_block_sectors", Value: strconv.FormatUint(uint64(eraseBlock), 10)},
		{Name: "clock_hz", Value: strconv.FormatUint(uint64(s.driver.ActiveClockHz()), 10)},
	}
	return printTable(context.App.Writer, context.Bool("csv"), rows)
}

func readSectors(context *cli.Context) error {
	count := context.Uint("count")
	if count == 0 {
		return fmt.Errorf("--count must be at least 1")
	}

	s, err := openSession(context)
	if err != nil {
		return err
	}
	defer s.Close()

	buffer := make([]byte, count*512)
	err = s.driver.Read(buffer, uint32(context.Uint("sector")), count)
	if err != nil {
		return err
	}

	if !context.IsSet("out") {
		_, err = context.App.Writer.Write(buffer)
		return err
	}
	return os.WriteFile(context.Path("out"), buffer, 0o644)
}

func writeSectors(context *cli.Context) error {
	data, err := os.ReadFile(context.Path("in"))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("%s is empty", context.Path("in"))
	}
	if tail := len(data) % 512; tail != 0 {
		data = append(data, make([]byte, 512-tail)...)
	}

	s, err := openSession(context)
	if err != nil {
		return err
	}
	defer s.Close()

	err = s.driver.Write(data, uint32(context.Uint("sector")), uint(len(data)/512))
	if err != nil {
		return err
	}
	return s.driver.Sync()
}

func eraseSectors(context *cli.Context) error {
	s, err := openSession(context)
	if err != nil {
		return err
	}
	defer s.Close()

	return s.driver.EraseSectors(uint32(context.Uint("start")), uint32(context.Uint("end")))
}

func showCSD(context *cli.Context) error {
	s, err := openSession(context)
	if err != nil {
		return err
	}
	defer s.Close()

	csd, err := s.driver.ReadCSD()
	if err != nil {
		return err
	}
	return printTable(context.App.Writer, context.Bool("csv"), csd.Fields())
}

// openStream presents the whole card as one byte stream, cached a sector at a
// time.
func openStream(s *session) (*basicstream.BasicStream, error) {
	volume, err := common.NewSectorDevice(s.driver, 0)
	if err != nil {
		return nil, err
	}
	writable := s.driver.Status()&sd.StatusWriteProtected == 0
	return basicstream.New(blockcache.NewForDevice(volume), writable), nil
}

func dumpBytes(context *cli.Context) error {
	s, err := openSession(context)
	if err != nil {
		return err
	}
	defer s.Close()

	stream, err := openStream(s)
	if err != nil {
		return err
	}
	_, err = stream.Seek(context.Int64("offset"), io.SeekStart)
	if err != nil {
		return err
	}

	_, err = io.CopyN(context.App.Writer, stream, context.Int64("length"))
	return err
}

func patchBytes(context *cli.Context) error {
	input, err := os.Open(context.Path("in"))
	if err != nil {
		return err
	}
	defer input.Close()

	s, err := openSession(context)
	if err != nil {
		return err
	}
	defer s.Close()

	stream, err := openStream(s)
	if err != nil {
		return err
	}
	_, err = stream.Seek(context.Int64("offset"), io.SeekStart)
	if err != nil {
		return err
	}

	_, err = stream.ReadFrom(input)
	if err != nil {
		return err
	}
	err = stream.Close()
	if err != nil {
		return err
	}
	return s.driver.Sync()
}
