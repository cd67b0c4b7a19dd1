package hid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/rzusb/host"
	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/usb"
	usbhid "github.com/ardnew/rzusb/usb/hid"
)

// maxPollErrors is the number of consecutive failed polls after which a
// driver gives up on its device.
const maxPollErrors = 8

// boot is the part shared by the boot protocol drivers: class requests on
// the bound interface and the interrupt IN polling loop.
type boot struct {
	dev   *host.Device
	iface uint8
	in    *host.Endpoint

	ctx    context.Context // Polling context
	cancel context.CancelFunc
	done   chan struct{}
	closed atomic.Bool

	errMu sync.Mutex
	err   error
}

func (b *boot) open(ctx context.Context, dev *host.Device) error {
	iface := dev.Interface()
	if iface == nil {
		return fmt.Errorf("hid: %w", pkg.ErrNotConfigured)
	}
	in, err := dev.FindEndpoint(hal.TransferInterrupt, true)
	if err != nil {
		return fmt.Errorf("hid: %w", err)
	}
	b.dev = dev
	b.iface = iface.Descriptor.InterfaceNumber
	b.in = in

	if err := b.classRequest(ctx, usbhid.RequestSetProtocol, usbhid.ProtocolBoot, nil); err != nil {
		return fmt.Errorf("set protocol: %w", err)
	}
	// Devices without idle support stall SET_IDLE; they report on change
	// anyway.
	if err := b.classRequest(ctx, usbhid.RequestSetIdle, 0, nil); err != nil && !errors.Is(err, pkg.ErrStall) {
		return fmt.Errorf("set idle: %w", err)
	}
	return nil
}

// start runs the polling loop until ctx ends or the driver closes.
func (b *boot) start(ctx context.Context, handle func([]byte)) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.done = make(chan struct{})
	if b.closed.Load() {
		b.cancel()
	}
	go func() {
		defer close(b.done)
		err := b.poll(b.ctx, handle)
		b.errMu.Lock()
		b.err = err
		b.errMu.Unlock()
	}()
}

func (b *boot) poll(ctx context.Context, handle func([]byte)) error {
	buf := make([]byte, max(b.in.MaxPacketSize, 1))
	var failures int
	for ctx.Err() == nil {
		n, err := b.dev.Transfer(ctx, b.in, buf)
		switch {
		case err == nil:
			failures = 0
			if n > 0 {
				handle(buf[:n])
			}
			continue
		case ctx.Err() != nil, errors.Is(err, pkg.ErrDetached), errors.Is(err, pkg.ErrCancelled),
			errors.Is(err, pkg.ErrClosed):
			return nil
		case errors.Is(err, pkg.ErrStall):
			if err := b.dev.ClearHalt(ctx, b.in); err != nil {
				return err
			}
		}
		failures++
		pkg.LogWarn(pkg.ComponentClass, "hid poll failed", "device", b.dev.Address(), "error", err)
		if failures >= maxPollErrors {
			return fmt.Errorf("hid poll: %w", err)
		}
	}
	return nil
}

// close stops the polling loop without waiting for it. Close may run on
// the goroutine that services transfers, so waiting here could deadlock.
func (b *boot) close() error {
	b.closed.Store(true)
	if b.cancel != nil {
		b.cancel()
	}
	return nil
}

// Done is closed when the polling loop has returned.
func (b *boot) Done() <-chan struct{} {
	return b.done
}

// Err returns the error that ended the polling loop, if any.
func (b *boot) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

// Device returns the device the driver is bound to.
func (b *boot) Device() *host.Device {
	return b.dev
}

func (b *boot) classRequest(ctx context.Context, request uint8, value uint16, data []byte) error {
	setup := hal.SetupPacket{
		RequestType: usb.RequestTypeOut | usb.RequestTypeClass | usb.RequestTypeInterface,
		Request:     request,
		Value:       value,
		Index:       uint16(b.iface),
		Length:      uint16(len(data)),
	}
	_, err := b.dev.Control(ctx, setup, data)
	return err
}
