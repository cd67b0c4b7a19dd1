package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ardnew/rzusb/host/hal/sim"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/storage/cache"
	"github.com/ardnew/rzusb/storage/fatfs/fatimg"
)

const sectorSize = fatimg.SectorSize

// openImage opens a disk image file. The file is both the medium of a
// simulated logical unit and a block device for probing.
func openImage(path string, readOnly bool) (*os.File, uint64, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, 0, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	blocks := uint64(fi.Size()) / sectorSize
	if blocks == 0 {
		f.Close()
		return nil, 0, fmt.Errorf("%s: smaller than one %d byte sector: %w", path, sectorSize, pkg.ErrInvalidParameter)
	}
	return f, blocks, nil
}

// imageLUNs opens each path as a logical unit. The returned closer closes
// every file that was opened.
func imageLUNs(paths []string, readOnly bool) ([]*sim.LUN, func(), error) {
	var (
		luns  []*sim.LUN
		files []*os.File
	)
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	for _, path := range paths {
		f, blocks, err := openImage(path, readOnly)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		files = append(files, f)
		luns = append(luns, &sim.LUN{
			Medium:    f,
			Blocks:    blocks,
			BlockSize: sectorSize,
			ReadOnly:  readOnly,
		})
		pkg.LogInfo(pkg.ComponentCLI, "image attached", "path", path, "blocks", blocks)
	}
	return luns, closeAll, nil
}

// memMedium is an in-memory logical unit medium.
type memMedium []byte

func (m memMedium) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m)) {
		return 0, io.EOF
	}
	return copy(p, m[off:]), nil
}

func (m memMedium) WriteAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m)) {
		return 0, io.ErrShortWrite
	}
	return copy(m[off:], p), nil
}

// demoLUN builds a small formatted volume for runs without images.
func demoLUN(readOnly bool) (*sim.LUN, error) {
	im, err := fatimg.New(fatimg.Small)
	if err != nil {
		return nil, err
	}
	if _, err := im.File(fatimg.Root, "README.TXT", "", []byte("rzusb demo volume\r\n")); err != nil {
		return nil, err
	}
	docs, err := im.Mkdir(fatimg.Root, "DOCS")
	if err != nil {
		return nil, err
	}
	if _, err := im.File(docs, "NOTES~1.TXT", "notes about the host stack.txt", []byte("enumeration, pipes, class drivers\r\n")); err != nil {
		return nil, err
	}
	data := im.Bytes()
	return &sim.LUN{
		Medium:    memMedium(data),
		Blocks:    uint64(len(data) / sectorSize),
		BlockSize: sectorSize,
		ReadOnly:  readOnly,
	}, nil
}

// fileDevice reads and writes an image file as a block device.
type fileDevice struct {
	f      *os.File
	blocks uint64
}

var _ cache.Device = fileDevice{}

func (d fileDevice) ReadBlocks(_ context.Context, lba uint64, count int, dst []byte) error {
	if err := d.check(lba, count, len(dst)); err != nil {
		return err
	}
	_, err := d.f.ReadAt(dst[:count*sectorSize], int64(lba)*sectorSize)
	return err
}

func (d fileDevice) WriteBlocks(_ context.Context, lba uint64, count int, src []byte) error {
	if err := d.check(lba, count, len(src)); err != nil {
		return err
	}
	_, err := d.f.WriteAt(src[:count*sectorSize], int64(lba)*sectorSize)
	return err
}

func (d fileDevice) check(lba uint64, count, size int) error {
	if count <= 0 || size < count*sectorSize || lba+uint64(count) > d.blocks {
		return fmt.Errorf("blocks %d+%d of %d: %w", lba, count, d.blocks, pkg.ErrInvalidParameter)
	}
	return nil
}
