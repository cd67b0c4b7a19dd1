package cdc_test

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/rzusb/host"
	"github.com/ardnew/rzusb/host/class/cdc"
	"github.com/ardnew/rzusb/host/hal/sim"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/pkg/config"
	usbcdc "github.com/ardnew/rzusb/usb/cdc"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Host.PollTicks = 1
	cfg.Host.ResetTicks = 1
	cfg.Host.SettleTicks = 0
	cfg.Host.AddressRecoveryTicks = 0
	cfg.Host.ControlTimeoutTicks = 1000
	cfg.Host.SuspendTicks = 1000000
	return cfg
}

func startHost(t *testing.T, fn sim.Function) (*sim.Controller, *cdc.Driver) {
	t.Helper()
	c := sim.New(1)
	h, err := host.New(c, testConfig())
	if err != nil {
		t.Fatalf("host.New() error = %v", err)
	}
	cdc.Register(h)

	attached := make(chan *host.Device, 1)
	h.OnAttach(func(d *host.Device) { attached <- d })
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			h.Step()
			runtime.Gosched()
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		if h.IsRunning() {
			_ = h.Stop()
		}
	})

	c.Port(1).Attach(fn)
	select {
	case dev := <-attached:
		drv, ok := dev.Driver().(*cdc.Driver)
		if !ok {
			t.Fatalf("driver = %T, want *cdc.Driver", dev.Driver())
		}
		return c, drv
	case <-time.After(10 * time.Second):
		t.Fatal("device not attached")
	}
	return nil, nil
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDriver_Open(t *testing.T) {
	serial := sim.NewSerial()
	_, drv := startHost(t, serial)

	if diff := cmp.Diff(usbcdc.DefaultLineCoding, serial.LineCoding()); diff != "" {
		t.Errorf("device line coding mismatch (-want +got):\n%s", diff)
	}
	want := uint16(usbcdc.ControlLineDTR | usbcdc.ControlLineRTS)
	if got := serial.ControlLines(); got != want {
		t.Errorf("device control lines = %02b, want %02b", got, want)
	}
	if got := drv.ControlLines(); got != want {
		t.Errorf("ControlLines() = %02b, want %02b", got, want)
	}
}

func TestDriver_LineCoding(t *testing.T) {
	serial := sim.NewSerial()
	_, drv := startHost(t, serial)
	ctx := testContext(t)

	tests := []struct {
		name string
		lc   usbcdc.LineCoding
	}{
		{"9600 8N1", usbcdc.LineCoding{DTERate: 9600, DataBits: 8}},
		{"57600 7E2", usbcdc.LineCoding{
			DTERate: 57600, CharFormat: usbcdc.StopBits2, ParityType: usbcdc.ParityEven, DataBits: 7,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := drv.Control(ctx, cdc.CommandSetLineCoding, tt.lc); err != nil {
				t.Fatalf("Control(CommandSetLineCoding) error = %v", err)
			}
			if diff := cmp.Diff(tt.lc, serial.LineCoding()); diff != "" {
				t.Errorf("device line coding mismatch (-want +got):\n%s", diff)
			}
			got, err := drv.Control(ctx, cdc.CommandLineCoding, nil)
			if err != nil {
				t.Fatalf("Control(CommandLineCoding) error = %v", err)
			}
			if diff := cmp.Diff(tt.lc, got); diff != "" {
				t.Errorf("read back line coding mismatch (-want +got):\n%s", diff)
			}
			if got := drv.LineCoding().String(); got != tt.name {
				t.Errorf("LineCoding() = %q, want %q", got, tt.name)
			}
		})
	}

	if err := drv.SetLineCoding(ctx, usbcdc.LineCoding{DataBits: 8}); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("SetLineCoding(zero rate) error = %v, want %v", err, pkg.ErrInvalidParameter)
	}
}

func TestDriver_ControlLinesAndBreak(t *testing.T) {
	serial := sim.NewSerial()
	_, drv := startHost(t, serial)
	ctx := testContext(t)

	if _, err := drv.Control(ctx, cdc.CommandSetControlLines, uint16(usbcdc.ControlLineDTR)); err != nil {
		t.Fatalf("Control(CommandSetControlLines) error = %v", err)
	}
	if got := serial.ControlLines(); got != usbcdc.ControlLineDTR {
		t.Errorf("device control lines = %02b, want DTR only", got)
	}

	if _, err := drv.Control(ctx, cdc.CommandSendBreak, 250*time.Millisecond); err != nil {
		t.Fatalf("Control(CommandSendBreak) error = %v", err)
	}
	if err := drv.SendBreak(ctx, cdc.BreakIndefinite); err != nil {
		t.Fatalf("SendBreak(indefinite) error = %v", err)
	}
	if got := serial.Breaks(); got != 2 {
		t.Errorf("Breaks() = %d, want 2", got)
	}
	if err := drv.SendBreak(ctx, -time.Second); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("SendBreak(negative) error = %v, want %v", err, pkg.ErrInvalidParameter)
	}

	badArgs := []struct {
		cmd host.Command
		arg any
	}{
		{cdc.CommandSetLineCoding, "115200"},
		{cdc.CommandSetControlLines, 3},
		{cdc.CommandSendBreak, 250},
	}
	for _, tt := range badArgs {
		if _, err := drv.Control(ctx, tt.cmd, tt.arg); !errors.Is(err, pkg.ErrInvalidParameter) {
			t.Errorf("Control(%d, %v) error = %v, want %v", tt.cmd, tt.arg, err, pkg.ErrInvalidParameter)
		}
	}
	if _, err := drv.Control(ctx, host.Command(1), nil); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("Control(1) error = %v, want %v", err, pkg.ErrNotSupported)
	}
}

func TestDriver_Echo(t *testing.T) {
	_, drv := startHost(t, sim.NewSerial())
	ctx := testContext(t)

	msg := bytes.Repeat([]byte("hello, serial "), 10)
	n, err := drv.Write(ctx, msg)
	if err != nil || n != len(msg) {
		t.Fatalf("Write() = %d, %v; want %d, nil", n, err, len(msg))
	}

	// Small reads exercise the buffer kept between calls.
	var got []byte
	buf := make([]byte, 5)
	for len(got) < len(msg) {
		n, err := drv.Read(ctx, buf)
		if err != nil {
			t.Fatalf("Read() after %d bytes error = %v", len(got), err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("echo = %q, want %q", got, msg)
	}

	received, sent := drv.Stats()
	if received != uint64(len(msg)) || sent != uint64(len(msg)) {
		t.Errorf("Stats() = %d, %d; want %d, %d", received, sent, len(msg), len(msg))
	}
}

func TestDriver_EchoFullPackets(t *testing.T) {
	tests := []struct {
		name   string
		length int
	}{
		{"one packet", 64},
		{"two packets", 128},
		{"packet and a byte", 65},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, drv := startHost(t, sim.NewSerial())
			ctx := testContext(t)

			msg := bytes.Repeat([]byte("x"), tt.length)
			if n, err := drv.Write(ctx, msg); err != nil || n != len(msg) {
				t.Fatalf("Write() = %d, %v; want %d, nil", n, err, len(msg))
			}

			// No short packet follows a full one, so each read must finish
			// on the packet itself rather than on its deadline.
			var got []byte
			buf := make([]byte, 128)
			for len(got) < len(msg) {
				rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				n, err := drv.Read(rctx, buf)
				cancel()
				if err != nil {
					t.Fatalf("Read() after %d of %d bytes error = %v", len(got), len(msg), err)
				}
				got = append(got, buf[:n]...)
			}
			if !bytes.Equal(got, msg) {
				t.Errorf("echo = %q, want %q", got, msg)
			}
		})
	}
}

func TestDriver_Detach(t *testing.T) {
	c, drv := startHost(t, sim.NewSerial())
	ctx := testContext(t)

	// Nothing was written, so the read waits until the device goes away.
	done := make(chan error, 1)
	go func() {
		_, err := drv.Read(ctx, make([]byte, 8))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	c.Port(1).Detach()

	select {
	case err := <-done:
		if !errors.Is(err, pkg.ErrDetached) && !errors.Is(err, pkg.ErrClosed) {
			t.Errorf("Read() error = %v, want %v", err, pkg.ErrDetached)
		}
	case <-ctx.Done():
		t.Fatal("Read() did not return after detach")
	}

	if _, err := drv.Write(ctx, []byte("x")); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("Write() after detach error = %v, want %v", err, pkg.ErrClosed)
	}
}
