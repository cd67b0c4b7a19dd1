package msc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/rzusb/host"
	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/scsi"
	"github.com/ardnew/rzusb/usb"
)

// Control commands accepted by [Driver.Control].
const (
	CommandMaxLUN host.Command = iota + 1 // Returns the highest LUN as uint8
	CommandReset                          // Runs reset recovery
)

// Driver is the Bulk-Only Transport mass storage driver for one device.
type Driver struct {
	dev   *host.Device
	iface uint8
	in    *host.Endpoint // Bulk IN (device to host)
	out   *host.Endpoint // Bulk OUT (host to device)

	maxLUN uint8
	closed atomic.Bool

	// mu serializes commands; BOT has one command in flight at a time.
	mu  sync.Mutex
	tag uint32

	cbwBuf   [scsi.CBWSize]byte
	cswBuf   [scsi.CSWSize]byte
	senseBuf [scsi.SenseFixedSize]byte
}

var _ host.Driver = (*Driver)(nil)

// New creates a driver instance. It is the [host.DriverFactory] for
// [host.DriverMassStorage].
func New() host.Driver {
	return &Driver{}
}

// Register installs the driver factory on h.
func Register(h *host.Host) {
	h.RegisterDriver(host.DriverMassStorage, New)
}

// Kind returns [host.DriverMassStorage].
func (d *Driver) Kind() host.DriverKind {
	return host.DriverMassStorage
}

// Open binds the bulk endpoints and queries the number of logical units.
// Devices that stall GET_MAX_LUN have a single unit.
func (d *Driver) Open(ctx context.Context, dev *host.Device) error {
	iface := dev.Interface()
	if iface == nil {
		return fmt.Errorf("mass storage: %w", pkg.ErrNotConfigured)
	}
	in, err := dev.FindEndpoint(hal.TransferBulk, true)
	if err != nil {
		return fmt.Errorf("mass storage: %w", err)
	}
	out, err := dev.FindEndpoint(hal.TransferBulk, false)
	if err != nil {
		return fmt.Errorf("mass storage: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dev = dev
	d.iface = iface.Descriptor.InterfaceNumber
	d.in, d.out = in, out

	lun, err := d.getMaxLUN(ctx)
	if err != nil {
		return fmt.Errorf("get max LUN: %w", err)
	}
	d.maxLUN = lun

	pkg.LogInfo(pkg.ComponentClass, "mass storage opened",
		"device", dev.Address(), "luns", int(lun)+1, "in", in.Address(), "out", out.Address())
	return nil
}

// Close marks the driver closed. Transfers in flight have already been
// cancelled by the host.
func (d *Driver) Close() error {
	d.closed.Store(true)
	return nil
}

// Read is not supported; use [Driver.ReadBlocks].
func (d *Driver) Read(context.Context, []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}

// Write is not supported; use [Driver.WriteBlocks].
func (d *Driver) Write(context.Context, []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}

// Control runs one of the mass storage control commands.
func (d *Driver) Control(ctx context.Context, cmd host.Command, _ any) (any, error) {
	switch cmd {
	case CommandMaxLUN:
		return d.MaxLUN(), nil
	case CommandReset:
		return nil, d.Reset(ctx)
	}
	return nil, pkg.ErrNotSupported
}

// Device returns the device the driver is bound to.
func (d *Driver) Device() *host.Device {
	return d.dev
}

// MaxLUN returns the highest logical unit number.
func (d *Driver) MaxLUN() uint8 {
	return d.maxLUN
}

// Closed reports whether the device has gone away.
func (d *Driver) Closed() bool {
	return d.closed.Load()
}

func (d *Driver) getMaxLUN(ctx context.Context) (uint8, error) {
	setup := hal.SetupPacket{
		RequestType: usb.RequestTypeIn | usb.RequestTypeClass | usb.RequestTypeInterface,
		Request:     scsi.RequestGetMaxLUN,
		Index:       uint16(d.iface),
		Length:      1,
	}
	var b [1]byte
	n, err := d.dev.Control(ctx, setup, b[:])
	switch {
	case errors.Is(err, pkg.ErrStall):
		pkg.LogDebug(pkg.ComponentClass, "GET_MAX_LUN stalled, assuming one unit", "device", d.dev.Address())
		return 0, nil
	case err != nil:
		return 0, err
	case n < 1:
		return 0, nil
	}
	return min(b[0], scsi.MaxLUN), nil
}

// Reset runs reset recovery.
func (d *Driver) Reset(ctx context.Context) error {
	if d.closed.Load() {
		return pkg.ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resetRecovery(ctx)
}

// resetRecovery sends a Bulk-Only Mass Storage Reset and clears the halt
// on both bulk endpoints.
func (d *Driver) resetRecovery(ctx context.Context) error {
	pkg.LogWarn(pkg.ComponentClass, "mass storage reset recovery", "device", d.dev.Address())
	setup := hal.SetupPacket{
		RequestType: usb.RequestTypeOut | usb.RequestTypeClass | usb.RequestTypeInterface,
		Request:     scsi.RequestBulkOnlyMassStorageReset,
		Index:       uint16(d.iface),
	}
	if _, err := d.dev.Control(ctx, setup, nil); err != nil {
		return fmt.Errorf("mass storage reset: %w", err)
	}
	return errors.Join(
		d.dev.ClearHalt(ctx, d.in),
		d.dev.ClearHalt(ctx, d.out),
	)
}
