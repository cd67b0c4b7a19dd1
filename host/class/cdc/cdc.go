package cdc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/rzusb/host"
	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/usb"
	usbcdc "github.com/ardnew/rzusb/usb/cdc"
)

// Control commands accepted by [Driver.Control].
const (
	CommandSetLineCoding   host.Command = iota + 32 // arg is usbcdc.LineCoding
	CommandLineCoding                               // Returns usbcdc.LineCoding read from the device
	CommandSetControlLines                          // arg is uint16 of ControlLine bits
	CommandSendBreak                                // arg is time.Duration
)

// BreakIndefinite holds the break until the next SEND_BREAK.
const BreakIndefinite = time.Duration(-1)

// rxSize is the size of one bulk IN transfer.
const rxSize = 512

// Driver is the CDC ACM serial driver.
type Driver struct {
	dev      *host.Device
	iface    uint8 // communications interface
	dataIf   uint8
	in, out  *host.Endpoint
	notify   *host.Endpoint // nil when the device has none
	closed   atomic.Bool
	stateMu  sync.Mutex
	coding   usbcdc.LineCoding
	lines    uint16
	readMu   sync.Mutex
	rx       [rxSize]byte
	pending  []byte
	writeMu  sync.Mutex
	received atomic.Uint64
	sent     atomic.Uint64
}

var _ host.Driver = (*Driver)(nil)

// New creates a driver instance. It is the [host.DriverFactory] for
// [host.DriverCDC].
func New() host.Driver {
	return &Driver{}
}

// Register installs the driver factory on h.
func Register(h *host.Host) {
	h.RegisterDriver(host.DriverCDC, New)
}

// Kind returns [host.DriverCDC].
func (d *Driver) Kind() host.DriverKind {
	return host.DriverCDC
}

// Open locates the data interface, sets the default line coding and
// raises DTR and RTS.
func (d *Driver) Open(ctx context.Context, dev *host.Device) error {
	comm := dev.Interface()
	if comm == nil {
		return fmt.Errorf("cdc: %w", pkg.ErrNotConfigured)
	}
	d.dev = dev
	d.iface = comm.Descriptor.InterfaceNumber
	if ep, err := dev.FindEndpoint(hal.TransferInterrupt, true); err == nil {
		d.notify = ep
	}

	data := dataInterface(dev.Configuration(), comm)
	if data == nil {
		return fmt.Errorf("cdc data interface: %w", pkg.ErrEndpointNotFound)
	}
	d.dataIf = data.Descriptor.InterfaceNumber
	for i := range data.Endpoints {
		desc := &data.Endpoints[i]
		if desc.TransferType() != hal.TransferBulk {
			continue
		}
		switch {
		case desc.IsIn() && d.in == nil:
			d.in = dev.NewEndpoint(desc)
		case !desc.IsIn() && d.out == nil:
			d.out = dev.NewEndpoint(desc)
		}
	}
	if d.in == nil || d.out == nil {
		return fmt.Errorf("cdc bulk endpoints: %w", pkg.ErrEndpointNotFound)
	}

	if err := d.SetLineCoding(ctx, usbcdc.DefaultLineCoding); err != nil {
		return err
	}
	if err := d.SetControlLines(ctx, usbcdc.ControlLineDTR|usbcdc.ControlLineRTS); err != nil {
		return err
	}

	pkg.LogInfo(pkg.ComponentClass, "cdc opened",
		"device", dev.Address(), "data", d.dataIf, "in", d.in.Address(), "out", d.out.Address())
	return nil
}

// dataInterface returns the interface named by the union descriptor of
// comm, or the first CDC Data interface.
func dataInterface(cfg *usb.Configuration, comm *usb.Interface) *usb.Interface {
	if cfg == nil {
		return nil
	}
	want := -1
	for _, x := range comm.Extra {
		var u usbcdc.UnionDescriptor
		if usbcdc.ParseUnionDescriptor(x, &u) {
			want = int(u.DataInterface)
			break
		}
	}
	var first *usb.Interface
	for i := range cfg.Interfaces {
		iface := &cfg.Interfaces[i]
		if iface.Descriptor.InterfaceClass != usbcdc.ClassCDCData {
			continue
		}
		if int(iface.Descriptor.InterfaceNumber) == want {
			return iface
		}
		if first == nil {
			first = iface
		}
	}
	return first
}

// Close marks the driver closed. Transfers in flight have already been
// cancelled by the host.
func (d *Driver) Close() error {
	d.closed.Store(true)
	return nil
}

// Device returns the device the driver is bound to.
func (d *Driver) Device() *host.Device {
	return d.dev
}

// Read copies received bytes into p. It blocks until the device sends data
// or ctx ends.
func (d *Driver) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	d.readMu.Lock()
	defer d.readMu.Unlock()

	for len(d.pending) == 0 {
		if d.closed.Load() {
			return 0, pkg.ErrClosed
		}
		n, err := d.dev.Transfer(ctx, d.in, d.rx[:d.rxLength()])
		d.pending = d.rx[:n]
		d.received.Add(uint64(n))
		if err != nil && n == 0 {
			return 0, fmt.Errorf("cdc read: %w", err)
		}
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

// rxLength is the size of one IN request. A single packet fills it, so a
// full packet completes the request without waiting for a short one.
func (d *Driver) rxLength() int {
	if mps := int(d.in.MaxPacketSize); mps > 0 && mps < rxSize {
		return mps
	}
	return rxSize
}

// Write sends p over the bulk OUT endpoint.
func (d *Driver) Write(ctx context.Context, p []byte) (int, error) {
	if d.closed.Load() {
		return 0, pkg.ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	n, err := d.dev.Transfer(ctx, d.out, p)
	d.sent.Add(uint64(n))
	if err != nil {
		return n, fmt.Errorf("cdc write: %w", err)
	}
	return n, nil
}

// Stats returns the number of bytes received and sent.
func (d *Driver) Stats() (received, sent uint64) {
	return d.received.Load(), d.sent.Load()
}

// Control runs one of the CDC control commands.
func (d *Driver) Control(ctx context.Context, cmd host.Command, arg any) (any, error) {
	switch cmd {
	case CommandSetLineCoding:
		lc, ok := arg.(usbcdc.LineCoding)
		if !ok {
			return nil, fmt.Errorf("line coding %T: %w", arg, pkg.ErrInvalidParameter)
		}
		return nil, d.SetLineCoding(ctx, lc)
	case CommandLineCoding:
		return d.GetLineCoding(ctx)
	case CommandSetControlLines:
		lines, ok := arg.(uint16)
		if !ok {
			return nil, fmt.Errorf("control lines %T: %w", arg, pkg.ErrInvalidParameter)
		}
		return nil, d.SetControlLines(ctx, lines)
	case CommandSendBreak:
		dur, ok := arg.(time.Duration)
		if !ok {
			return nil, fmt.Errorf("break duration %T: %w", arg, pkg.ErrInvalidParameter)
		}
		return nil, d.SendBreak(ctx, dur)
	}
	return nil, pkg.ErrNotSupported
}

// LineCoding returns the line coding last set by the driver.
func (d *Driver) LineCoding() usbcdc.LineCoding {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.coding
}

// ControlLines returns the control line state last set by the driver.
func (d *Driver) ControlLines() uint16 {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return d.lines
}

// SetLineCoding sets the rate and frame format.
func (d *Driver) SetLineCoding(ctx context.Context, lc usbcdc.LineCoding) error {
	if lc.DTERate == 0 || lc.DataBits == 0 {
		return fmt.Errorf("line coding %v: %w", lc, pkg.ErrInvalidParameter)
	}
	buf := make([]byte, usbcdc.LineCodingSize)
	lc.MarshalTo(buf)
	if _, err := d.classRequest(ctx, usb.RequestTypeOut, usbcdc.RequestSetLineCoding, 0, buf); err != nil {
		return fmt.Errorf("set line coding: %w", err)
	}
	d.stateMu.Lock()
	d.coding = lc
	d.stateMu.Unlock()
	pkg.LogDebug(pkg.ComponentClass, "cdc line coding", "device", d.dev.Address(), "coding", lc)
	return nil
}

// GetLineCoding reads the line coding from the device.
func (d *Driver) GetLineCoding(ctx context.Context) (usbcdc.LineCoding, error) {
	var lc usbcdc.LineCoding
	buf := make([]byte, usbcdc.LineCodingSize)
	n, err := d.classRequest(ctx, usb.RequestTypeIn, usbcdc.RequestGetLineCoding, 0, buf)
	if err != nil {
		return lc, fmt.Errorf("get line coding: %w", err)
	}
	if !usbcdc.ParseLineCoding(buf[:n], &lc) {
		return lc, fmt.Errorf("get line coding: %w", pkg.ErrDescriptorTooShort)
	}
	return lc, nil
}

// SetControlLines sets DTR and RTS from the ControlLine bits of lines.
func (d *Driver) SetControlLines(ctx context.Context, lines uint16) error {
	lines &= usbcdc.ControlLineDTR | usbcdc.ControlLineRTS
	if _, err := d.classRequest(ctx, usb.RequestTypeOut, usbcdc.RequestSetControlLineState, lines, nil); err != nil {
		return fmt.Errorf("set control lines: %w", err)
	}
	d.stateMu.Lock()
	d.lines = lines
	d.stateMu.Unlock()
	return nil
}

// SendBreak holds a break condition for dur, rounded to milliseconds.
// [BreakIndefinite] holds it until the next call; zero ends it.
func (d *Driver) SendBreak(ctx context.Context, dur time.Duration) error {
	var value uint16
	switch {
	case dur == BreakIndefinite:
		value = 0xFFFF
	case dur < 0:
		return fmt.Errorf("break %v: %w", dur, pkg.ErrInvalidParameter)
	default:
		value = uint16(min(dur.Milliseconds(), 0xFFFE))
	}
	if _, err := d.classRequest(ctx, usb.RequestTypeOut, usbcdc.RequestSendBreak, value, nil); err != nil {
		return fmt.Errorf("send break: %w", err)
	}
	return nil
}

func (d *Driver) classRequest(ctx context.Context, dir, request uint8, value uint16, data []byte) (int, error) {
	if d.closed.Load() {
		return 0, pkg.ErrClosed
	}
	setup := hal.SetupPacket{
		RequestType: dir | usb.RequestTypeClass | usb.RequestTypeInterface,
		Request:     request,
		Value:       value,
		Index:       uint16(d.iface),
		Length:      uint16(len(data)),
	}
	return d.dev.Control(ctx, setup, data)
}
