package disk

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/rzusb/host/class/msc"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/scsi"
	"github.com/ardnew/rzusb/storage/cache"
)

// Unit is a mass storage device with one or more logical units.
type Unit interface {
	MaxLUN() uint8
	Closed() bool
	TestUnitReady(ctx context.Context, lun uint8) error
	ReadCapacity(ctx context.Context, lun uint8) (scsi.Capacity, error)
	WriteProtected(ctx context.Context, lun uint8) (bool, error)
	Inquiry(ctx context.Context, lun uint8) (scsi.InquiryResponse, error)
	ReadBlocks(ctx context.Context, lun uint8, lba uint32, blocks uint16, dst []byte) error
	WriteBlocks(ctx context.Context, lun uint8, lba uint32, blocks uint16, src []byte) error
}

var _ Unit = (*msc.Driver)(nil)

// maxTransferBlocks is the largest READ (10) or WRITE (10) transfer.
const maxTransferBlocks = 0xFFFF

// blockOp is the shape of [Unit.ReadBlocks] and [Unit.WriteBlocks].
type blockOp func(ctx context.Context, lun uint8, lba uint32, blocks uint16, buf []byte) error

// blockDevice presents one logical unit to the block cache.
type blockDevice struct {
	unit      Unit
	lun       uint8
	blockSize int
	blocks    uint64
	timeout   time.Duration
}

var _ cache.Device = blockDevice{}

func (b blockDevice) ReadBlocks(ctx context.Context, lba uint64, count int, dst []byte) error {
	return b.transfer(ctx, "read", b.unit.ReadBlocks, lba, count, dst)
}

func (b blockDevice) WriteBlocks(ctx context.Context, lba uint64, count int, src []byte) error {
	return b.transfer(ctx, "write", b.unit.WriteBlocks, lba, count, src)
}

// transfer splits a request into commands the 10-byte CDB can carry. Each
// command gets its own timeout.
func (b blockDevice) transfer(ctx context.Context, name string, op blockOp, lba uint64, count int, buf []byte) error {
	if count <= 0 || len(buf) < count*b.blockSize {
		return fmt.Errorf("%s %d blocks into %d bytes: %w", name, count, len(buf), pkg.ErrInvalidParameter)
	}
	end := lba + uint64(count)
	if end > b.blocks || end > 1<<32 {
		return fmt.Errorf("%s lba %d+%d beyond %d blocks: %w", name, lba, count, b.blocks, pkg.ErrInvalidParameter)
	}
	for count > 0 {
		n := min(count, maxTransferBlocks)
		size := n * b.blockSize
		if err := b.command(ctx, op, uint32(lba), uint16(n), buf[:size]); err != nil {
			return err
		}
		lba += uint64(n)
		count -= n
		buf = buf[size:]
	}
	return nil
}

func (b blockDevice) command(ctx context.Context, op blockOp, lba uint32, n uint16, buf []byte) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	return op(ctx, b.lun, lba, n, buf)
}
