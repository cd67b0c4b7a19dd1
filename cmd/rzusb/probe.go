package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/ardnew/rzusb/storage/cache"
	"github.com/ardnew/rzusb/storage/fatfs"
)

var (
	partitionFlag = &cli.IntFlag{
		Name:  "partition",
		Usage: "partition table entry to mount (0 for the first FAT volume found)",
	}
	catFlag = &cli.StringSliceFlag{
		Name:  "cat",
		Usage: "print the contents of this file (repeatable)",
	}
)

var probeCommand = &cli.Command{
	Name:      "probe",
	Usage:     "Mount a disk image directly and list its volume",
	ArgsUsage: "<image>",
	Action:    probeAction,
	Flags: []cli.Flag{
		partitionFlag,
		catFlag,
	},
}

func probeAction(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("probe takes exactly one image, got %d arguments", ctx.NArg())
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	path := ctx.Args().First()
	f, blocks, err := openImage(path, true)
	if err != nil {
		return err
	}
	defer f.Close()

	geo := cache.Geometry{
		LineSize:    cfg.Cache.LineSize,
		NumLines:    cfg.Cache.NumLines,
		BlockSize:   sectorSize,
		TotalBlocks: blocks,
	}
	drive, err := fatfs.Mount(ctx.Context, fatfs.NewProbe(), fileDevice{f: f, blocks: blocks}, geo, fatfs.Options{
		Letter:    'A',
		Partition: ctx.Int(partitionFlag.Name),
		ReadOnly:  true,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer drive.Unmount()

	w := ctx.App.Writer
	writeVolume(w, drive.Letter(), drive.Info())
	entries, err := walk(ctx.Context, drive, "/")
	if err != nil {
		return err
	}
	writeListing(w, drive.Letter(), entries)
	for _, name := range ctx.StringSlice(catFlag.Name) {
		data, err := drive.ReadFile(ctx.Context, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\n%s:\n%s\n", name, data)
	}
	writeCacheStats(w, drive.CacheStats())
	return nil
}
