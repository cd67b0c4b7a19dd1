package msc

import (
	"context"
	"fmt"

	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/scsi"
)

func (d *Driver) checkLUN(lun uint8) error {
	if lun > d.maxLUN {
		return fmt.Errorf("lun %d: %w", lun, pkg.ErrInvalidParameter)
	}
	return nil
}

// TestUnitReady reports nil when the unit can accept media access commands.
// Use [SenseOf] on the error for the reason it cannot.
func (d *Driver) TestUnitReady(ctx context.Context, lun uint8) error {
	if err := d.checkLUN(lun); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.execute(ctx, lun, scsi.TestUnitReady(), nil, false)
	return err
}

// RequestSense returns the unit's current sense data.
func (d *Driver) RequestSense(ctx context.Context, lun uint8) (scsi.Sense, error) {
	if err := d.checkLUN(lun); err != nil {
		return scsi.Sense{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestSense(ctx, lun)
}

// Inquiry returns the standard INQUIRY data of the unit.
func (d *Driver) Inquiry(ctx context.Context, lun uint8) (scsi.InquiryResponse, error) {
	var inq scsi.InquiryResponse
	if err := d.checkLUN(lun); err != nil {
		return inq, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf [scsi.InquiryStandardSize]byte
	n, err := d.execute(ctx, lun, scsi.Inquiry(), buf[:], true)
	if err != nil {
		return inq, err
	}
	if !scsi.ParseInquiry(buf[:n], &inq) {
		return inq, fmt.Errorf("inquiry: %w", pkg.ErrDescriptorTooShort)
	}
	return inq, nil
}

// ReadCapacity returns the last block address and block length.
func (d *Driver) ReadCapacity(ctx context.Context, lun uint8) (scsi.Capacity, error) {
	var c scsi.Capacity
	if err := d.checkLUN(lun); err != nil {
		return c, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf [scsi.ReadCapacity10Size]byte
	n, err := d.execute(ctx, lun, scsi.ReadCapacity10(), buf[:], true)
	if err != nil {
		return c, err
	}
	if !scsi.ParseCapacity(buf[:n], &c) {
		return c, fmt.Errorf("read capacity: %w", pkg.ErrDescriptorTooShort)
	}
	return c, nil
}

// WriteProtected reports the write-protect bit from MODE SENSE (6).
func (d *Driver) WriteProtected(ctx context.Context, lun uint8) (bool, error) {
	if err := d.checkLUN(lun); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	var buf [scsi.ModeSense6AllocLength]byte
	n, err := d.execute(ctx, lun, scsi.ModeSense6(), buf[:], true)
	if err != nil {
		return false, err
	}
	var h scsi.ModeHeader
	if !scsi.ParseModeHeader(buf[:n], &h) {
		return false, fmt.Errorf("mode sense: %w", pkg.ErrDescriptorTooShort)
	}
	return h.WriteProtected(), nil
}

// ReadBlocks reads blocks starting at lba into dst. dst must hold exactly
// blocks times the block length.
func (d *Driver) ReadBlocks(ctx context.Context, lun uint8, lba uint32, blocks uint16, dst []byte) error {
	if err := d.checkLUN(lun); err != nil {
		return err
	}
	if blocks == 0 || len(dst) == 0 || len(dst)%int(blocks) != 0 {
		return fmt.Errorf("read %d blocks into %d bytes: %w", blocks, len(dst), pkg.ErrInvalidParameter)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.execute(ctx, lun, scsi.Read10(lba, blocks), dst, true)
	if err != nil {
		return fmt.Errorf("read lba %d: %w", lba, err)
	}
	if n != len(dst) {
		return fmt.Errorf("read lba %d: %d of %d bytes: %w", lba, n, len(dst), pkg.ErrUnderrun)
	}
	return nil
}

// WriteBlocks writes src to blocks starting at lba.
func (d *Driver) WriteBlocks(ctx context.Context, lun uint8, lba uint32, blocks uint16, src []byte) error {
	if err := d.checkLUN(lun); err != nil {
		return err
	}
	if blocks == 0 || len(src) == 0 || len(src)%int(blocks) != 0 {
		return fmt.Errorf("write %d blocks from %d bytes: %w", blocks, len(src), pkg.ErrInvalidParameter)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.execute(ctx, lun, scsi.Write10(lba, blocks), src, false); err != nil {
		return fmt.Errorf("write lba %d: %w", lba, err)
	}
	return nil
}
