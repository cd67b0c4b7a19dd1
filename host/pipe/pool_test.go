package pipe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/host/hal/sim"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/usb"
)

func newTestPool(t *testing.T, fn sim.Function, retries int) (*sim.Controller, *Pool) {
	t.Helper()
	c := sim.New(1)
	c.Port(1).Attach(fn)
	if err := c.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.ResetPort(1); err != nil {
		t.Fatal(err)
	}
	p, err := NewPool(c, retries)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	return c, p
}

// run services the pool until done is closed.
func run(t *testing.T, p *Pool, done <-chan struct{}) {
	t.Helper()
	for range 1000 {
		select {
		case <-done:
			return
		default:
		}
		p.Service()
		p.Tick()
	}
	t.Fatal("transfer did not complete")
}

func ep0(mps uint16) *Endpoint {
	return &Endpoint{Type: hal.TransferControl, MaxPacketSize: mps, Speed: hal.SpeedFull}
}

func bulk(number uint8, in bool) *Endpoint {
	return &Endpoint{Number: number, In: in, Type: hal.TransferBulk, MaxPacketSize: 64, Speed: hal.SpeedFull}
}

func TestPool_Acquire(t *testing.T) {
	_, p := newTestPool(t, sim.NewSerial(), 0)

	l, err := p.Acquire(ep0(8))
	if err != nil || l.Pipe() != hal.DCP {
		t.Fatalf("Acquire(control) = %v, %v; want DCP", l, err)
	}
	if _, err := p.Acquire(ep0(8)); !errors.Is(err, pkg.ErrNoPipe) {
		t.Errorf("second Acquire(control) error = %v, want %v", err, pkg.ErrNoPipe)
	}
	l.Release()

	var got []hal.PipeNumber
	for range 5 {
		l, err := p.Acquire(bulk(1, true))
		if err != nil {
			t.Fatalf("Acquire(bulk) error = %v", err)
		}
		got = append(got, l.Pipe())
	}
	if diff := cmp.Diff([]hal.PipeNumber{1, 2, 3, 4, 5}, got); diff != "" {
		t.Errorf("bulk pipes mismatch (-want +got):\n%s", diff)
	}
	if _, err := p.Acquire(bulk(1, true)); !errors.Is(err, pkg.ErrNoPipe) {
		t.Errorf("Acquire(bulk) with pool exhausted error = %v, want %v", err, pkg.ErrNoPipe)
	}

	intr := &Endpoint{Number: 3, In: true, Type: hal.TransferInterrupt, MaxPacketSize: 8}
	if l, err := p.Acquire(intr); err != nil || l.Pipe() != hal.FirstIntrPipe {
		t.Errorf("Acquire(interrupt) = %v, %v", l, err)
	}

	tests := []struct {
		name string
		ep   *Endpoint
		want error
	}{
		{"nil", nil, pkg.ErrInvalidParameter},
		{"isochronous", &Endpoint{Type: hal.TransferIsochronous, MaxPacketSize: 8}, pkg.ErrNotSupported},
		{"address", &Endpoint{Device: 200, Type: hal.TransferBulk, MaxPacketSize: 8}, pkg.ErrInvalidAddress},
		{"zero packet size", &Endpoint{Type: hal.TransferBulk}, pkg.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := p.Acquire(tt.ep); !errors.Is(err, tt.want) {
				t.Errorf("Acquire() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPool_ControlRead(t *testing.T) {
	c, p := newTestPool(t, sim.NewGeneric(0x1234, 0x5678), 0)

	buf := make([]byte, 8)
	ctl := &Control{
		Endpoint:    ep0(hal.DefaultMaxPacketSize0),
		Setup:       usb.GetDescriptor(usb.DescriptorTypeDevice, 0, 0, len(buf)),
		Data:        buf,
		IdleTimeout: 100,
	}
	if err := p.SubmitControl(ctl); err != nil {
		t.Fatalf("SubmitControl() error = %v", err)
	}
	if ctl.Phase() != PhaseSetup || !ctl.InProgress() {
		t.Errorf("after submit phase = %v, in progress = %v", ctl.Phase(), ctl.InProgress())
	}
	run(t, p, ctl.Done())

	n, err := ctl.Result()
	if err != nil || n != 8 {
		t.Fatalf("Result() = %d, %v; want 8, nil", n, err)
	}
	if buf[1] != usb.DescriptorTypeDevice || buf[7] != 64 {
		t.Errorf("descriptor = % x", buf)
	}
	if ctl.Phase() != PhaseComplete {
		t.Errorf("Phase() = %v, want complete", ctl.Phase())
	}
	if !p.Idle() {
		t.Error("control pipe still leased after completion")
	}
	if len(c.Setups()) != 1 {
		t.Errorf("Setups() = %d records, want 1", len(c.Setups()))
	}
}

func TestPool_ControlBabble(t *testing.T) {
	_, p := newTestPool(t, sim.NewGeneric(0x1234, 0x5678), 0)

	ctl := &Control{
		Endpoint: ep0(hal.DefaultMaxPacketSize0),
		Setup:    usb.GetDescriptor(usb.DescriptorTypeDevice, 0, 0, usb.DeviceDescriptorSize),
		Data:     make([]byte, usb.DeviceDescriptorSize),
	}
	if err := p.SubmitControl(ctl); err != nil {
		t.Fatal(err)
	}
	run(t, p, ctl.Done())

	if _, err := ctl.Result(); !errors.Is(err, pkg.ErrBabble) {
		t.Errorf("Result() error = %v, want %v", err, pkg.ErrBabble)
	}
	if !p.Idle() {
		t.Error("pipe not returned after failure")
	}
}

func TestPool_ControlNoData(t *testing.T) {
	c, p := newTestPool(t, sim.NewGeneric(0x1234, 0x5678), 0)

	ctl := &Control{Endpoint: ep0(64), Setup: usb.SetAddress(5)}
	if err := p.SubmitControl(ctl); err != nil {
		t.Fatal(err)
	}
	run(t, p, ctl.Done())
	if _, err := ctl.Result(); err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if got := c.Port(1).Address(); got != 5 {
		t.Errorf("device address = %d, want 5", got)
	}
}

func TestPool_BulkEcho(t *testing.T) {
	_, p := newTestPool(t, sim.NewSerial(), 0)

	msg := make([]byte, 100)
	for i := range msg {
		msg[i] = byte(i)
	}
	out := &Request{Endpoint: bulk(2, false), Buffer: msg}
	if err := p.Submit(out); err != nil {
		t.Fatalf("Submit(out) error = %v", err)
	}
	run(t, p, out.Done())
	if n, err := out.Result(); n != len(msg) || err != nil {
		t.Fatalf("out Result() = %d, %v", n, err)
	}
	if out.Endpoint.Toggle != hal.Data0 {
		t.Errorf("toggle after two packets = %d, want DATA0", out.Endpoint.Toggle)
	}

	got := make([]byte, 0, len(msg))
	in := &Request{Endpoint: bulk(1, true)}
	for len(got) < len(msg) {
		in.Buffer = make([]byte, 64)
		if err := p.Submit(in); err != nil {
			t.Fatal(err)
		}
		run(t, p, in.Done())
		n, err := in.Result()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, in.Buffer[:n]...)
	}
	if diff := cmp.Diff(msg, got); diff != "" {
		t.Errorf("echo mismatch (-want +got):\n%s", diff)
	}
}

func TestPool_CancelAfterPacket(t *testing.T) {
	_, p := newTestPool(t, sim.NewSerial(), 0)

	out := &Request{Endpoint: bulk(2, false), Buffer: make([]byte, 64)}
	p.Submit(out)
	run(t, p, out.Done())

	// One full packet arrives and the request keeps waiting for more.
	in := &Request{Endpoint: bulk(1, true), Buffer: make([]byte, 512)}
	if err := p.Submit(in); err != nil {
		t.Fatal(err)
	}
	for range 20 {
		p.Service()
	}
	if !in.InProgress() {
		t.Fatal("request completed without a short packet")
	}
	if !p.Cancel(in) {
		t.Fatal("Cancel() reported false")
	}

	n, err := in.Result()
	if n != 64 || !errors.Is(err, pkg.ErrCancelled) {
		t.Errorf("Result() = %d, %v; want 64, %v", n, err, pkg.ErrCancelled)
	}
	if in.Endpoint.Toggle != hal.Data1 {
		t.Errorf("toggle after one acknowledged packet = %d, want DATA1", in.Endpoint.Toggle)
	}

	// The next transfer on the endpoint continues the sequence.
	p.Submit(&Request{Endpoint: bulk(2, false), Buffer: []byte("next")})
	next := &Request{Endpoint: in.Endpoint, Buffer: make([]byte, 64)}
	p.Submit(next)
	run(t, p, next.Done())
	if n, err := next.Result(); err != nil || string(next.Buffer[:n]) != "next" {
		t.Errorf("next Result() = %q, %v", next.Buffer[:n], err)
	}
}

func TestPool_ControlDataWithoutBuffer(t *testing.T) {
	_, p := newTestPool(t, sim.NewGeneric(0x1234, 0x5678), 0)

	ctl := &Control{
		Endpoint: ep0(hal.DefaultMaxPacketSize0),
		Setup:    usb.GetDescriptor(usb.DescriptorTypeDevice, 0, 0, 18),
	}
	if err := p.SubmitControl(ctl); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("SubmitControl() error = %v, want %v", err, pkg.ErrInvalidParameter)
	}
	if ctl.InProgress() {
		t.Error("control transfer left in progress")
	}
	if !p.Idle() {
		t.Error("control pipe not returned")
	}
}

func TestPool_Overrun(t *testing.T) {
	_, p := newTestPool(t, sim.NewSerial(), 0)

	out := &Request{Endpoint: bulk(2, false), Buffer: make([]byte, 64)}
	p.Submit(out)
	run(t, p, out.Done())

	in := &Request{Endpoint: bulk(1, true), Buffer: make([]byte, 10)}
	p.Submit(in)
	run(t, p, in.Done())
	if _, err := in.Result(); !errors.Is(err, pkg.ErrOverrun) {
		t.Errorf("Result() error = %v, want %v", err, pkg.ErrOverrun)
	}
	if in.Status().Retryable() {
		t.Error("overrun reported as retryable")
	}
}

func TestPool_IdleTimeout(t *testing.T) {
	_, p := newTestPool(t, sim.NewSerial(), 0)

	cancelled := 0
	in := &Request{
		Endpoint:    bulk(1, true),
		Buffer:      make([]byte, 64),
		IdleTimeout: 5,
		OnCancel:    func(*Request) { cancelled++ },
	}
	if err := p.Submit(in); err != nil {
		t.Fatal(err)
	}
	for range 4 {
		p.Service()
		p.Tick()
	}
	if !in.InProgress() {
		t.Fatal("request expired early")
	}
	p.Service()
	p.Tick()

	if in.InProgress() {
		t.Fatal("request still pending after idle timeout")
	}
	if in.Status() != pkg.TransferIdleTimeout {
		t.Errorf("Status() = %v, want idle-timeout", in.Status())
	}
	if cancelled != 1 {
		t.Errorf("OnCancel ran %d times, want 1", cancelled)
	}
	if !p.Idle() {
		t.Error("pipe not returned after timeout")
	}
}

func TestPool_Cancel(t *testing.T) {
	_, p := newTestPool(t, sim.NewSerial(), 0)

	in := &Request{Endpoint: bulk(1, true), Buffer: make([]byte, 64)}
	if p.Cancel(in) {
		t.Error("Cancel() of an idle request reported true")
	}

	p.Submit(in)
	p.Service()
	if !p.Cancel(in) {
		t.Fatal("Cancel() of a pending request reported false")
	}
	if _, err := in.Result(); !errors.Is(err, pkg.ErrCancelled) {
		t.Errorf("Result() error = %v, want %v", err, pkg.ErrCancelled)
	}
	if p.Cancel(in) {
		t.Error("second Cancel() reported true")
	}
}

func TestPool_CancelDevice(t *testing.T) {
	_, p := newTestPool(t, sim.NewSerial(), 0)

	in := &Request{Endpoint: bulk(1, true), Buffer: make([]byte, 64)}
	other := &Request{Endpoint: &Endpoint{Device: 9, Number: 1, In: true, Type: hal.TransferBulk, MaxPacketSize: 64}, Buffer: make([]byte, 64)}
	p.Submit(in)
	p.Submit(other)

	if n := p.CancelDevice(0); n != 1 {
		t.Errorf("CancelDevice() = %d, want 1", n)
	}
	_, err := in.Result()
	if !errors.Is(err, pkg.ErrCancelled) || !errors.Is(err, pkg.ErrDetached) {
		t.Errorf("Result() error = %v, want cancelled and detached", err)
	}
	if !other.InProgress() {
		t.Error("request for another device was cancelled")
	}
}

func TestPool_FIFOSelectFailure(t *testing.T) {
	c, p := newTestPool(t, sim.NewSerial(), 3)
	c.StallFIFO(3)

	out := &Request{Endpoint: bulk(2, false), Buffer: []byte("hello")}
	if err := p.Submit(out); !errors.Is(err, pkg.ErrFIFOWrite) {
		t.Fatalf("Submit() error = %v, want %v", err, pkg.ErrFIFOWrite)
	}
	if out.InProgress() {
		t.Error("request left in progress")
	}
	if !p.Idle() {
		t.Error("pipe not returned after FIFO failure")
	}
}

func TestPool_Stall(t *testing.T) {
	msc := sim.NewMassStorage(sim.NewMemoryLUN(16, 512))
	_, p := newTestPool(t, msc, 0)
	msc.Halt(usb.EndpointDirectionIn | sim.MassStorageInEndpoint)

	in := &Request{Endpoint: bulk(sim.MassStorageInEndpoint, true), Buffer: make([]byte, 13)}
	p.Submit(in)
	run(t, p, in.Done())
	if in.Status() != pkg.TransferStall {
		t.Errorf("Status() = %v, want stall", in.Status())
	}
}

func TestPool_Transfer(t *testing.T) {
	_, p := newTestPool(t, sim.NewSerial(), 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			p.Service()
			p.Tick()
			time.Sleep(time.Millisecond)
		}
	}()

	n, err := p.Transfer(ctx, &Request{Endpoint: bulk(2, false), Buffer: []byte("ping")})
	if n != 4 || err != nil {
		t.Fatalf("Transfer(out) = %d, %v", n, err)
	}

	buf := make([]byte, 64)
	n, err = p.Transfer(ctx, &Request{Endpoint: bulk(1, true), Buffer: buf})
	if n != 4 || err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("Transfer(in) = %d, %v", n, err)
	}

	// A full packet without a short one leaves the read open until its
	// context ends; the bytes already moved are still reported.
	full := make([]byte, 64)
	for i := range full {
		full[i] = byte(i)
	}
	if _, err := p.Transfer(ctx, &Request{Endpoint: bulk(2, false), Buffer: full}); err != nil {
		t.Fatal(err)
	}
	partial, cancelPartial := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelPartial()
	big := make([]byte, 512)
	n, err = p.Transfer(partial, &Request{Endpoint: bulk(1, true), Buffer: big})
	if n != len(full) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Transfer(in) of one full packet = %d, %v; want %d, deadline", n, err, len(full))
	}
	if diff := cmp.Diff(full, big[:len(full)]); diff != "" {
		t.Errorf("partial data mismatch (-want +got):\n%s", diff)
	}

	// Nothing left to echo: the read waits until its context ends.
	short, cancelShort := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancelShort()
	_, err = p.Transfer(short, &Request{Endpoint: bulk(1, true), Buffer: buf})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Transfer(in) with nothing to read error = %v", err)
	}
	if !p.Idle() {
		t.Error("pipe not returned after context cancellation")
	}
}

func TestPhase_String(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseIdle, "idle"},
		{PhaseSetup, "setup"},
		{PhaseStatus, "status"},
		{Phase(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tt.phase, got, tt.want)
		}
	}
}
