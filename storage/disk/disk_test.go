package disk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/rzusb/host/class/msc"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/pkg/config"
	"github.com/ardnew/rzusb/scsi"
	"github.com/ardnew/rzusb/storage/fatfs"
	"github.com/ardnew/rzusb/storage/fatfs/fatimg"
)

func senseError(key, asc, ascq uint8) error {
	return &msc.CommandError{
		Op:     scsi.OpTestUnitReady,
		Status: scsi.CSWStatusFailed,
		Sense:  scsi.NewSense(key, asc, ascq),
	}
}

var (
	errNoMedium = senseError(scsi.SenseNotReady, scsi.ASCMediumNotPresent, 0)
	errChanged  = senseError(scsi.SenseUnitAttention, scsi.ASCNotReadyToReadyChange, 0)
	errBecoming = senseError(scsi.SenseNotReady, scsi.ASCLogicalUnitNotReady, scsi.ASCQBecomingReady)
	errPhase    = &msc.CommandError{Op: scsi.OpTestUnitReady, Status: scsi.CSWStatusPhaseError}
)

// fakeLUN is one scripted logical unit. A nil medium reports no media.
type fakeLUN struct {
	medium    []byte
	blockSize int
	ready     []error // Consumed by successive readiness checks
	wp        bool
	wpErr     error
	capErr    error

	turCalls int
	reads    []readCall
}

type readCall struct {
	lba    uint32
	blocks uint16
}

type fakeUnit struct {
	mu     sync.Mutex
	luns   []*fakeLUN
	closed bool
}

func newFakeUnit(luns ...*fakeLUN) *fakeUnit {
	return &fakeUnit{luns: luns}
}

func imageLUN(t *testing.T) *fakeLUN {
	t.Helper()
	im, err := fatimg.New(fatimg.Floppy)
	require.NoError(t, err)
	_, err = im.File(fatimg.Root, "HELLO.TXT", "", []byte("hello, disk"))
	require.NoError(t, err)
	return &fakeLUN{medium: im.Bytes(), blockSize: fatimg.SectorSize}
}

func (u *fakeUnit) lun(n uint8) (*fakeLUN, error) {
	if int(n) >= len(u.luns) {
		return nil, fmt.Errorf("lun %d: %w", n, pkg.ErrInvalidParameter)
	}
	return u.luns[n], nil
}

func (u *fakeUnit) MaxLUN() uint8 {
	return uint8(len(u.luns) - 1)
}

func (u *fakeUnit) Closed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

func (u *fakeUnit) close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
}

func (u *fakeUnit) TestUnitReady(_ context.Context, n uint8) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	l, err := u.lun(n)
	if err != nil {
		return err
	}
	l.turCalls++
	if len(l.ready) > 0 {
		err, l.ready = l.ready[0], l.ready[1:]
		return err
	}
	if l.medium == nil {
		return errNoMedium
	}
	return nil
}

func (u *fakeUnit) ReadCapacity(_ context.Context, n uint8) (scsi.Capacity, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	l, err := u.lun(n)
	if err != nil {
		return scsi.Capacity{}, err
	}
	if l.capErr != nil {
		return scsi.Capacity{}, l.capErr
	}
	blocks := len(l.medium) / l.blockSize
	return scsi.Capacity{LastLBA: uint32(blocks - 1), BlockLength: uint32(l.blockSize)}, nil
}

func (u *fakeUnit) WriteProtected(_ context.Context, n uint8) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	l, err := u.lun(n)
	if err != nil {
		return false, err
	}
	return l.wp, l.wpErr
}

func (u *fakeUnit) Inquiry(context.Context, uint8) (scsi.InquiryResponse, error) {
	return scsi.InquiryResponse{VendorID: "RZUSB", ProductID: "Fake Disk", ProductRev: "1.0"}, nil
}

func (u *fakeUnit) ReadBlocks(_ context.Context, n uint8, lba uint32, blocks uint16, dst []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	l, err := u.lun(n)
	if err != nil {
		return err
	}
	l.reads = append(l.reads, readCall{lba, blocks})
	off := int(lba) * l.blockSize
	copy(dst, l.medium[off:off+int(blocks)*l.blockSize])
	return nil
}

func (u *fakeUnit) WriteBlocks(_ context.Context, n uint8, lba uint32, blocks uint16, src []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	l, err := u.lun(n)
	if err != nil {
		return err
	}
	off := int(lba) * l.blockSize
	copy(l.medium[off:off+int(blocks)*l.blockSize], src)
	return nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Disk.UnitReadyDelay.Duration = 0
	cfg.Disk.Rescan.Duration = 0
	return cfg
}

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(testConfig(), fatfs.NewProbe())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func letters(list []Info) string {
	var s []byte
	for _, i := range list {
		s = append(s, i.Letter)
	}
	return string(s)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"ready", nil, StatusOK},
		{"medium not present", errNoMedium, StatusMediaNotPresent},
		{"medium changed", errChanged, StatusMediaChanging},
		{"power on reset", senseError(scsi.SenseUnitAttention, scsi.ASCPowerOnReset, 0), StatusMediaChanging},
		{"becoming ready", errBecoming, StatusMediaChanging},
		{"not ready", senseError(scsi.SenseNotReady, scsi.ASCLogicalUnitNotReady, 0x02), StatusMediaNotAvailable},
		{"illegal request", senseError(scsi.SenseIllegalRequest, scsi.ASCInvalidCommand, 0), StatusDriverError},
		{"other attention", senseError(scsi.SenseUnitAttention, 0x2A, 0), StatusDriverError},
		{"phase error", errPhase, StatusDriverError},
		{"transport", fmt.Errorf("cbw: %w", pkg.ErrStall), StatusDriverError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, classify(tt.err))
		})
	}
	require.Equal(t, "media-not-present", StatusMediaNotPresent.String())
	require.Equal(t, "unknown", Status(99).String())
	require.Equal(t, "no-media", StateNoMedia.String())
}

func TestBlockDevice_Transfer(t *testing.T) {
	const blocks = 70000
	l := &fakeLUN{medium: make([]byte, blocks), blockSize: 1}
	dev := blockDevice{unit: newFakeUnit(l), blockSize: 1, blocks: blocks, timeout: time.Second}
	ctx := context.Background()

	require.NoError(t, dev.ReadBlocks(ctx, 100, 69000, make([]byte, 69000)))
	require.Equal(t, []readCall{{100, 0xFFFF}, {100 + 0xFFFF, 69000 - 0xFFFF}}, l.reads)

	tests := []struct {
		name  string
		dev   blockDevice
		lba   uint64
		count int
		buf   int
	}{
		{"zero count", dev, 0, 0, 1},
		{"short buffer", dev, 0, 4, 3},
		{"past the end", dev, blocks - 1, 2, 2},
		{"beyond 32-bit addressing", blockDevice{unit: dev.unit, blockSize: 1, blocks: 1 << 33}, 1<<32 - 1, 2, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dev.ReadBlocks(ctx, tt.lba, tt.count, make([]byte, tt.buf))
			require.ErrorIs(t, err, pkg.ErrInvalidParameter)
		})
	}
}

func TestManager_MountAll(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	empty := &fakeLUN{blockSize: 512}
	u := newFakeUnit(imageLUN(t), empty)
	m.Add("usb-1", u)
	require.NoError(t, m.MountAll(ctx))

	disks := m.Disks()
	require.Len(t, disks, 2)
	require.Equal(t, "A?", letters(disks))

	require.Equal(t, StateReady, disks[0].State)
	require.True(t, disks[0].Mounted())
	require.Equal(t, uint64(fatimg.Floppy.Sectors), disks[0].Blocks)
	require.Equal(t, "RZUSB", disks[0].Vendor)
	require.Equal(t, fatfs.TypeFAT12, disks[0].Volume.Type)
	require.Equal(t, uint64(len(u.luns[0].medium)), disks[0].Capacity())

	require.Equal(t, StateNoMedia, disks[1].State)
	require.Equal(t, StatusMediaNotPresent, disks[1].Status)
	require.False(t, disks[1].Mounted())
	require.Equal(t, testConfig().Disk.UnitReadyRetries, empty.turCalls)

	d, err := m.Lookup('a')
	require.NoError(t, err)
	got, err := d.ReadFile(ctx, "/HELLO.TXT")
	require.NoError(t, err)
	require.Equal(t, "hello, disk", string(got))

	_, err = m.Lookup('B')
	require.ErrorIs(t, err, fatfs.ErrInvalidDrive)
}

func TestManager_Readiness(t *testing.T) {
	tests := []struct {
		name   string
		ready  []error
		state  State
		status Status
		calls  int
	}{
		{"ready at once", nil, StateReady, StatusOK, 1},
		{"unit attention after insertion", []error{errChanged}, StateReady, StatusOK, 2},
		{"becoming ready", []error{errBecoming, errBecoming, errChanged}, StateReady, StatusOK, 4},
		{"never ready", []error{errBecoming, errBecoming, errBecoming, errBecoming, errBecoming}, StateNoMedia, StatusMediaChanging, 5},
		{"driver error stops retries", []error{errChanged, errPhase}, StateDeviceError, StatusDriverError, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t)
			l := imageLUN(t)
			l.ready = tt.ready
			m.Add("usb-1", newFakeUnit(l))
			require.NoError(t, m.MountAll(context.Background()))

			disks := m.Disks()
			require.Len(t, disks, 1)
			require.Equal(t, tt.state, disks[0].State)
			require.Equal(t, tt.status, disks[0].Status)
			require.Equal(t, tt.calls, l.turCalls)
			require.Equal(t, tt.state == StateReady, disks[0].Mounted())
		})
	}
}

func TestManager_RetryNoMedia(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	full, empty := imageLUN(t), &fakeLUN{blockSize: 512}
	u := newFakeUnit(full, empty)
	m.Add("usb-1", u)
	require.NoError(t, m.MountAll(ctx))
	require.Equal(t, "A?", letters(m.Disks()))

	// Ready disks are not probed again.
	calls := full.turCalls
	require.NoError(t, m.MountAll(ctx))
	require.Equal(t, calls, full.turCalls)
	require.Equal(t, 2*testConfig().Disk.UnitReadyRetries, empty.turCalls)

	u.mu.Lock()
	empty.medium = imageLUN(t).medium
	empty.ready = []error{errChanged}
	u.mu.Unlock()
	require.NoError(t, m.MountAll(ctx))
	require.Equal(t, "AB", letters(m.Disks()))
}

func TestManager_DeviceErrorNotRetried(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	l := imageLUN(t)
	l.ready = []error{errPhase}
	m.Add("usb-1", newFakeUnit(l))
	require.NoError(t, m.MountAll(ctx))
	require.NoError(t, m.MountAll(ctx))
	require.Equal(t, 1, l.turCalls)
	require.Equal(t, StateDeviceError, m.Disks()[0].State)
}

func TestManager_MountFailures(t *testing.T) {
	tests := []struct {
		name  string
		lun   func(*testing.T) *fakeLUN
		state State
		err   error
	}{
		{
			name:  "unformatted medium",
			lun:   func(*testing.T) *fakeLUN { return &fakeLUN{medium: make([]byte, 512*64), blockSize: 512} },
			state: StateMediaError,
			err:   fatfs.ErrNoFilesystem,
		},
		{
			name: "capacity fails",
			lun: func(t *testing.T) *fakeLUN {
				l := imageLUN(t)
				l.capErr = fmt.Errorf("capacity: %w", pkg.ErrStall)
				return l
			},
			state: StateDeviceError,
			err:   pkg.ErrStall,
		},
		{
			name: "block size the library rejects",
			lun: func(t *testing.T) *fakeLUN {
				l := imageLUN(t)
				l.blockSize = 256
				return l
			},
			state: StateMediaError,
			err:   fatfs.ErrInvalidParameter,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t)
			m.Add("usb-1", newFakeUnit(tt.lun(t)))
			require.NoError(t, m.MountAll(context.Background()))

			disks := m.Disks()
			require.Len(t, disks, 1)
			require.Equal(t, tt.state, disks[0].State)
			require.Equal(t, byte(NoLetter), disks[0].Letter)
			require.ErrorIs(t, disks[0].Err, tt.err)
		})
	}
}

func TestManager_WriteProtect(t *testing.T) {
	tests := []struct {
		name  string
		wp    bool
		wpErr error
		want  bool
	}{
		{"writable", false, nil, false},
		{"protected", true, nil, true},
		{"mode sense unsupported", true, errors.New("mode sense stalled"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t)
			l := imageLUN(t)
			l.wp, l.wpErr = tt.wp, tt.wpErr
			m.Add("usb-1", newFakeUnit(l))
			require.NoError(t, m.MountAll(context.Background()))

			require.Equal(t, tt.want, m.Disks()[0].ReadOnly)
			d, err := m.Lookup('A')
			require.NoError(t, err)
			require.Equal(t, tt.want, d.ReadOnly())
		})
	}
}

func TestManager_Remove(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	a, b := newFakeUnit(imageLUN(t)), newFakeUnit(imageLUN(t))
	m.Add("usb-1", a)
	m.Add("usb-2", b)
	require.NoError(t, m.MountAll(ctx))
	require.Equal(t, "AB", letters(m.Disks()))
	drive, err := m.Lookup('A')
	require.NoError(t, err)

	m.Remove(a)
	require.NoError(t, m.MountAll(ctx))
	require.Equal(t, "B", letters(m.Disks()))
	_, err = m.Lookup('A')
	require.ErrorIs(t, err, fatfs.ErrInvalidDrive)
	_, err = drive.ReadDir(ctx, "/")
	require.ErrorIs(t, err, fatfs.ErrNotEnabled)

	// A closed unit is dropped even without a removal.
	b.close()
	require.NoError(t, m.MountAll(ctx))
	require.Empty(t, m.Disks())

	// Removed before its first pass.
	c := newFakeUnit(imageLUN(t))
	m.Add("usb-3", c)
	m.Remove(c)
	require.NoError(t, m.MountAll(ctx))
	require.Empty(t, m.Disks())
	require.Zero(t, c.luns[0].turCalls)
}

func TestManager_LetterReuse(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	for i := range 3 {
		m.Add(fmt.Sprintf("usb-%d", i), newFakeUnit(imageLUN(t)))
	}
	require.NoError(t, m.MountAll(ctx))
	require.Equal(t, "ABC", letters(m.Disks()))

	require.NoError(t, m.Eject('B'))
	require.Equal(t, "AC", letters(m.Disks()))
	require.ErrorIs(t, m.Eject('B'), fatfs.ErrInvalidDrive)

	m.Add("usb-3", newFakeUnit(imageLUN(t)))
	require.NoError(t, m.MountAll(ctx))
	require.Equal(t, "ACB", letters(m.Disks()))
}

func TestManager_OutOfLetters(t *testing.T) {
	m := newManager(t)
	for i := range LastLetter - FirstLetter + 2 {
		m.Add(fmt.Sprintf("usb-%d", i), newFakeUnit(imageLUN(t)))
	}
	require.NoError(t, m.MountAll(context.Background()))
	disks := m.Disks()
	last := disks[len(disks)-1]
	require.Equal(t, byte(NoLetter), last.Letter)
	require.ErrorIs(t, last.Err, ErrNoLetter)
	require.Equal(t, byte(LastLetter), disks[len(disks)-2].Letter)
}

func TestManager_Close(t *testing.T) {
	m, err := New(testConfig(), fatfs.NewProbe())
	require.NoError(t, err)
	m.Add("usb-1", newFakeUnit(imageLUN(t)))
	require.NoError(t, m.MountAll(context.Background()))
	drive, err := m.Lookup('A')
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.ErrorIs(t, m.Close(), pkg.ErrClosed)
	require.ErrorIs(t, m.MountAll(context.Background()), pkg.ErrClosed)
	require.Empty(t, m.Disks())
	require.ErrorIs(t, drive.Unmount(), fatfs.ErrNotEnabled)

	m.Add("usb-2", newFakeUnit(imageLUN(t)))
	require.Empty(t, m.Disks())
}

func TestManager_Run(t *testing.T) {
	cfg := testConfig()
	cfg.Disk.Rescan.Duration = 10 * time.Millisecond
	m, err := New(cfg, fatfs.NewProbe())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	u := newFakeUnit(&fakeLUN{blockSize: 512})
	m.Add("usb-1", u)
	require.Eventually(t, func() bool { return len(m.Disks()) == 1 }, 5*time.Second, time.Millisecond)

	// The rescan picks up media inserted later.
	u.mu.Lock()
	u.luns[0].medium = imageLUN(t).medium
	u.mu.Unlock()
	require.Eventually(t, func() bool {
		_, err := m.Lookup('A')
		return err == nil
	}, 5*time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, m.Close())
}

func TestNew(t *testing.T) {
	_, err := New(testConfig(), nil)
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)

	cfg := testConfig()
	cfg.Disk.UnitReadyRetries = 0
	_, err = New(cfg, fatfs.NewProbe())
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
}
