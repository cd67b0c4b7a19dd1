package msc_test

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
	"github.com/ardnew/rzusb/host/class/msc"
	"github.com/ardnew/rzusb/host/hal/sim"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/pkg/config"
	"github.com/ardnew/rzusb/scsi"
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

// startHost attaches fn to a one-port simulated host, steps the host on a
// goroutine and returns the mass storage driver bound to fn.
func startHost(t *testing.T, fn sim.Function) (*host.Host, *msc.Driver) {
	t.Helper()
	c := sim.New(1)
	h, err := host.New(c, testConfig())
	if err != nil {
		t.Fatalf("host.New() error = %v", err)
	}
	msc.Register(h)

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
		drv, ok := dev.Driver().(*msc.Driver)
		if !ok {
			t.Fatalf("driver = %T, want *msc.Driver", dev.Driver())
		}
		return h, drv
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

func TestDriver_MaxLUN(t *testing.T) {
	tests := []struct {
		name  string
		luns  int
		stall bool
		want  uint8
	}{
		{"single", 1, false, 0},
		{"two units", 2, false, 1},
		{"stalled request", 2, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var luns []*sim.LUN
			for range tt.luns {
				luns = append(luns, sim.NewMemoryLUN(16, 512))
			}
			fn := sim.NewMassStorage(luns...)
			fn.StallMaxLUN = tt.stall
			_, drv := startHost(t, fn)

			if got := drv.MaxLUN(); got != tt.want {
				t.Errorf("MaxLUN() = %d, want %d", got, tt.want)
			}
			got, err := drv.Control(testContext(t), msc.CommandMaxLUN, nil)
			if err != nil || got != tt.want {
				t.Errorf("Control(CommandMaxLUN) = %v, %v; want %d, nil", got, err, tt.want)
			}
		})
	}
}

func TestDriver_Identify(t *testing.T) {
	lun := sim.NewMemoryLUN(100, 512)
	_, drv := startHost(t, sim.NewMassStorage(lun))
	ctx := testContext(t)

	if err := drv.TestUnitReady(ctx, 0); err != nil {
		t.Fatalf("TestUnitReady() error = %v", err)
	}

	inq, err := drv.Inquiry(ctx, 0)
	if err != nil {
		t.Fatalf("Inquiry() error = %v", err)
	}
	want := scsi.InquiryResponse{
		DeviceType:     scsi.DeviceTypeDisk,
		Removable:      true,
		Version:        scsi.InquiryVersionSPC4,
		ResponseFormat: scsi.InquiryResponseFormatSPC,
		VendorID:       "RZUSB",
		ProductID:      "Virtual Disk",
		ProductRev:     "1.00",
	}
	if diff := cmp.Diff(want, inq); diff != "" {
		t.Errorf("Inquiry() mismatch (-want +got):\n%s", diff)
	}

	capacity, err := drv.ReadCapacity(ctx, 0)
	if err != nil {
		t.Fatalf("ReadCapacity() error = %v", err)
	}
	if diff := cmp.Diff(scsi.Capacity{LastLBA: 99, BlockLength: 512}, capacity); diff != "" {
		t.Errorf("ReadCapacity() mismatch (-want +got):\n%s", diff)
	}

	wp, err := drv.WriteProtected(ctx, 0)
	if err != nil || wp {
		t.Errorf("WriteProtected() = %v, %v; want false, nil", wp, err)
	}
	lun.ReadOnly = true
	wp, err = drv.WriteProtected(ctx, 0)
	if err != nil || !wp {
		t.Errorf("WriteProtected() = %v, %v; want true, nil", wp, err)
	}
}

func TestDriver_ReadWrite(t *testing.T) {
	lun := sim.NewMemoryLUN(64, 512)
	_, drv := startHost(t, sim.NewMassStorage(lun))
	ctx := testContext(t)

	src := make([]byte, 3*512)
	for i := range src {
		src[i] = byte(i * 7)
	}
	if err := drv.WriteBlocks(ctx, 0, 10, 3, src); err != nil {
		t.Fatalf("WriteBlocks() error = %v", err)
	}

	medium := make([]byte, len(src))
	if _, err := lun.Medium.ReadAt(medium, 10*512); err != nil {
		t.Fatalf("medium ReadAt() error = %v", err)
	}
	if !bytes.Equal(medium, src) {
		t.Error("medium does not hold the written blocks")
	}

	dst := make([]byte, len(src))
	if err := drv.ReadBlocks(ctx, 0, 10, 3, dst); err != nil {
		t.Fatalf("ReadBlocks() error = %v", err)
	}
	if !bytes.Equal(dst, src) {
		t.Error("ReadBlocks() returned different data")
	}

	// The tag advances with every command; a stale wrapper would fail here.
	one := make([]byte, 512)
	for lba := range uint32(4) {
		if err := drv.ReadBlocks(ctx, 0, lba, 1, one); err != nil {
			t.Fatalf("ReadBlocks(%d) error = %v", lba, err)
		}
	}
}

func TestDriver_InvalidArguments(t *testing.T) {
	_, drv := startHost(t, sim.NewMassStorage(sim.NewMemoryLUN(8, 512)))
	ctx := testContext(t)

	tests := []struct {
		name string
		run  func() error
	}{
		{"lun beyond max", func() error { return drv.TestUnitReady(ctx, 1) }},
		{"zero blocks", func() error { return drv.ReadBlocks(ctx, 0, 0, 0, make([]byte, 512)) }},
		{"uneven buffer", func() error { return drv.WriteBlocks(ctx, 0, 0, 2, make([]byte, 513)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, pkg.ErrInvalidParameter) {
				t.Errorf("error = %v, want %v", err, pkg.ErrInvalidParameter)
			}
		})
	}

	if _, err := drv.Read(ctx, nil); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("Read() error = %v, want %v", err, pkg.ErrNotSupported)
	}
	if _, err := drv.Control(ctx, host.Command(99), nil); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("Control(99) error = %v, want %v", err, pkg.ErrNotSupported)
	}
}

func TestDriver_Sense(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(*sim.LUN)
		run     func(context.Context, *msc.Driver) error
		want    scsi.Sense
	}{
		{
			name:    "medium removed",
			prepare: func(l *sim.LUN) { l.Eject() },
			run:     func(ctx context.Context, d *msc.Driver) error { return d.TestUnitReady(ctx, 0) },
			want:    scsi.NewSense(scsi.SenseNotReady, scsi.ASCMediumNotPresent, 0),
		},
		{
			name:    "becoming ready",
			prepare: func(l *sim.LUN) { l.BecomeReadyAfter(2) },
			run:     func(ctx context.Context, d *msc.Driver) error { return d.TestUnitReady(ctx, 0) },
			want:    scsi.NewSense(scsi.SenseNotReady, scsi.ASCLogicalUnitNotReady, scsi.ASCQBecomingReady),
		},
		{
			name: "medium changed",
			prepare: func(l *sim.LUN) {
				l.Eject()
				l.Insert(sim.NewMemoryLUN(8, 512).Medium, 8)
			},
			run:  func(ctx context.Context, d *msc.Driver) error { return d.TestUnitReady(ctx, 0) },
			want: scsi.NewSense(scsi.SenseUnitAttention, scsi.ASCNotReadyToReadyChange, 0),
		},
		{
			name:    "read out of range",
			prepare: func(*sim.LUN) {},
			run: func(ctx context.Context, d *msc.Driver) error {
				return d.ReadBlocks(ctx, 0, 8, 1, make([]byte, 512))
			},
			want: scsi.NewSense(scsi.SenseIllegalRequest, scsi.ASCLBAOutOfRange, 0),
		},
		{
			name:    "write protected",
			prepare: func(l *sim.LUN) { l.ReadOnly = true },
			run: func(ctx context.Context, d *msc.Driver) error {
				return d.WriteBlocks(ctx, 0, 0, 1, make([]byte, 512))
			},
			want: scsi.NewSense(scsi.SenseDataProtect, scsi.ASCWriteProtected, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lun := sim.NewMemoryLUN(8, 512)
			_, drv := startHost(t, sim.NewMassStorage(lun))
			ctx := testContext(t)
			tt.prepare(lun)

			err := tt.run(ctx, drv)
			if !errors.Is(err, msc.ErrCommandFailed) {
				t.Fatalf("error = %v, want %v", err, msc.ErrCommandFailed)
			}
			got, ok := msc.SenseOf(err)
			if !ok {
				t.Fatalf("SenseOf(%v) found no sense data", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("sense mismatch (-want +got):\n%s", diff)
			}

			// Transport stays in step after a failed command.
			if _, err := drv.Inquiry(ctx, 0); err != nil {
				t.Errorf("Inquiry() after failure error = %v", err)
			}
		})
	}
}

func TestDriver_BecomesReady(t *testing.T) {
	lun := sim.NewMemoryLUN(8, 512)
	_, drv := startHost(t, sim.NewMassStorage(lun))
	ctx := testContext(t)
	lun.BecomeReadyAfter(2)

	var errs int
	for range 5 {
		if err := drv.TestUnitReady(ctx, 0); err == nil {
			break
		}
		errs++
	}
	if errs != 2 {
		t.Errorf("TestUnitReady() failed %d times, want 2", errs)
	}
}

func TestDriver_Reset(t *testing.T) {
	fn := sim.NewMassStorage(sim.NewMemoryLUN(8, 512))
	_, drv := startHost(t, fn)
	ctx := testContext(t)

	if _, err := drv.Control(ctx, msc.CommandReset, nil); err != nil {
		t.Fatalf("Control(CommandReset) error = %v", err)
	}
	if got := fn.Resets(); got != 1 {
		t.Errorf("Resets() = %d, want 1", got)
	}
	if err := drv.TestUnitReady(ctx, 0); err != nil {
		t.Errorf("TestUnitReady() after reset error = %v", err)
	}
}

func TestDriver_ClosedAfterStop(t *testing.T) {
	h, drv := startHost(t, sim.NewMassStorage(sim.NewMemoryLUN(8, 512)))
	if err := h.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !drv.Closed() {
		t.Error("driver not closed after Stop")
	}
	ctx := testContext(t)
	if err := drv.TestUnitReady(ctx, 0); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("TestUnitReady() error = %v, want %v", err, pkg.ErrClosed)
	}
	if err := drv.Reset(ctx); !errors.Is(err, pkg.ErrClosed) {
		t.Errorf("Reset() error = %v, want %v", err, pkg.ErrClosed)
	}
}

func TestCommandError(t *testing.T) {
	failed := &msc.CommandError{Op: scsi.OpRead10, Status: scsi.CSWStatusFailed,
		Sense: scsi.NewSense(scsi.SenseMediumError, 0x11, 0)}
	phase := &msc.CommandError{Op: scsi.OpRead10, Status: scsi.CSWStatusPhaseError}

	if !errors.Is(failed, msc.ErrCommandFailed) || errors.Is(failed, msc.ErrPhase) {
		t.Errorf("failed command matches wrong sentinel: %v", failed)
	}
	if !errors.Is(phase, msc.ErrPhase) || errors.Is(phase, msc.ErrCommandFailed) {
		t.Errorf("phase error matches wrong sentinel: %v", phase)
	}
	if _, ok := msc.SenseOf(phase); ok {
		t.Error("SenseOf(phase error) reported sense data")
	}
	if s, ok := msc.SenseOf(failed); !ok || s.Key != scsi.SenseMediumError {
		t.Errorf("SenseOf(failed) = %+v, %v", s, ok)
	}
}
