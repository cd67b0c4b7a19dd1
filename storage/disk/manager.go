// Package disk mounts the logical units of mass storage devices as lettered
// drives.
//
// A [Manager] keeps one record per logical unit it has seen. Units arrive
// through [Manager.Add], usually from a host attach listener installed by
// [Manager.Watch], and are probed by [Manager.MountAll]: the unit is tested
// for readiness a bounded number of times, its capacity and write protection
// are read, and partition 0 is mounted through a FAT library on top of a
// block cache. A unit without media keeps its record with no letter and is
// probed again on later passes.
//
// Listener callbacks only queue work. All device I/O happens in
// MountAll, which [Manager.Run] calls whenever work is queued.
package disk

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ardnew/rzusb/host"
	"github.com/ardnew/rzusb/host/class/msc"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/pkg/config"
	"github.com/ardnew/rzusb/scsi"
	"github.com/ardnew/rzusb/storage/cache"
	"github.com/ardnew/rzusb/storage/fatfs"
)

// NoLetter marks a disk that is not mounted.
const NoLetter = '?'

// Drive letters are assigned from this range.
const (
	FirstLetter = 'A'
	LastLetter  = 'Z'
)

// ErrNoLetter reports that every drive letter is in use.
var ErrNoLetter = errors.New("disk: no free drive letter")

// record is the state of one logical unit.
type record struct {
	id        int
	name      string
	unit      Unit
	lun       uint8
	letter    byte
	state     State
	status    Status
	blocks    uint64
	blockSize int
	readOnly  bool
	inquiry   scsi.InquiryResponse
	drive     *fatfs.Drive
	err       error
}

// Info is a snapshot of a disk record.
type Info struct {
	Name      string
	LUN       uint8
	Letter    byte
	State     State
	Status    Status // Last readiness check
	Blocks    uint64
	BlockSize int
	ReadOnly  bool
	Vendor    string
	Product   string
	Revision  string
	Volume    fatfs.VolumeInfo // Zero unless mounted
	Err       error            // Why the last mount failed
}

// Mounted reports whether the disk has a drive letter.
func (i Info) Mounted() bool {
	return i.Letter != NoLetter
}

// Capacity returns the medium size in bytes.
func (i Info) Capacity() uint64 {
	return i.Blocks * uint64(i.BlockSize)
}

type queued struct {
	name string
	unit Unit
}

// Manager tracks the disks of every mass storage unit it is given.
type Manager struct {
	cfg config.Config
	lib fatfs.Library

	// runMu serializes passes that touch devices.
	runMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	pending []queued
	removed []Unit
	disks   []*record
	nextID  int

	signal chan struct{}
}

// New creates a manager that mounts volumes through lib.
func New(cfg config.Config, lib fatfs.Library) (*Manager, error) {
	if lib == nil {
		return nil, fmt.Errorf("disk: nil library: %w", pkg.ErrInvalidParameter)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg, lib: lib, signal: make(chan struct{}, 1)}, nil
}

func (m *Manager) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Add queues the logical units of u for mounting. It does not block.
func (m *Manager) Add(name string, u Unit) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, queued{name: name, unit: u})
	m.mu.Unlock()
	pkg.LogDebug(pkg.ComponentDisk, "unit queued", "unit", name)
	m.notify()
}

// Remove queues the disks of u for removal. It does not block.
func (m *Manager) Remove(u Unit) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.removed = append(m.removed, u)
	m.mu.Unlock()
	m.notify()
}

// Watch adds and removes the mass storage devices of h as they come and go.
func (m *Manager) Watch(h *host.Host) {
	h.OnAttach(func(dev *host.Device) {
		if drv, ok := dev.Driver().(*msc.Driver); ok {
			m.Add(dev.String(), drv)
		}
	})
	h.OnDetach(func(dev *host.Device) {
		if drv, ok := dev.Driver().(*msc.Driver); ok {
			m.Remove(drv)
		}
	})
}

// Run mounts queued units until ctx ends. Disks without media are probed
// again every rescan interval.
func (m *Manager) Run(ctx context.Context) error {
	var rescan <-chan time.Time
	if d := m.cfg.Disk.Rescan.Duration; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		rescan = t.C
	}
	for {
		if err := m.MountAll(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.signal:
		case <-rescan:
		}
	}
}

// MountAll drops the disks of removed units, retries disks that are still
// attached but have no media, and probes every logical unit of newly added
// units.
func (m *Manager) MountAll(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return pkg.ErrClosed
	}
	pending, removed := m.pending, m.removed
	m.pending, m.removed = nil, nil
	m.mu.Unlock()

	for _, u := range removed {
		pending = slices.DeleteFunc(pending, func(q queued) bool { return q.unit == u })
		m.drop(func(d *record) bool { return d.unit == u })
	}
	m.drop(func(d *record) bool { return d.unit.Closed() })

	for _, d := range m.retryable() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.mountUnit(ctx, d)
	}

	for _, q := range pending {
		if q.unit.Closed() {
			continue
		}
		for lun := 0; lun <= int(q.unit.MaxLUN()); lun++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d := m.newRecord(q, uint8(lun))
			m.mountUnit(ctx, d)
		}
	}
	return nil
}

func (m *Manager) newRecord(q queued, lun uint8) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := &record{id: m.nextID, name: q.name, unit: q.unit, lun: lun, letter: NoLetter}
	m.nextID++
	m.disks = append(m.disks, d)
	return d
}

// retryable returns the disks that have no media and are still attached.
func (m *Manager) retryable() []*record {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*record
	for _, d := range m.disks {
		if d.letter == NoLetter && d.state == StateNoMedia && !d.unit.Closed() {
			list = append(list, d)
		}
	}
	return list
}

// drop unmounts and removes the disks matching fn.
func (m *Manager) drop(fn func(*record) bool) {
	m.mu.Lock()
	var gone []*record
	m.disks = slices.DeleteFunc(m.disks, func(d *record) bool {
		if fn(d) {
			gone = append(gone, d)
			return true
		}
		return false
	})
	m.mu.Unlock()

	for _, d := range gone {
		if d.drive != nil {
			if err := d.drive.Unmount(); err != nil {
				pkg.LogWarn(pkg.ComponentDisk, "unmount failed", "disk", d.name, "lun", d.lun, "error", err)
			}
		}
		pkg.LogInfo(pkg.ComponentDisk, "disk removed", "disk", d.name, "lun", d.lun, "letter", string(d.letter))
	}
}

// mountUnit probes one logical unit and mounts its first partition. The
// record stays in the list whatever the outcome.
func (m *Manager) mountUnit(ctx context.Context, d *record) {
	status, err := m.waitReady(ctx, d)
	switch {
	case status == StatusDriverError:
		m.fail(d, StateDeviceError, status, err)
		return
	case status != StatusOK:
		m.fail(d, StateNoMedia, status, err)
		return
	}

	c, err := d.unit.ReadCapacity(ctx, d.lun)
	if err != nil {
		m.fail(d, StateDeviceError, status, fmt.Errorf("read capacity: %w", err))
		return
	}
	if c.BlockLength == 0 {
		m.fail(d, StateMediaError, status, fmt.Errorf("block length 0: %w", pkg.ErrInvalidParameter))
		return
	}
	wp, err := d.unit.WriteProtected(ctx, d.lun)
	if err != nil {
		pkg.LogDebug(pkg.ComponentDisk, "mode sense failed, assuming writable",
			"disk", d.name, "lun", d.lun, "error", err)
		wp = false
	}
	inq, err := d.unit.Inquiry(ctx, d.lun)
	if err != nil {
		pkg.LogDebug(pkg.ComponentDisk, "inquiry failed", "disk", d.name, "lun", d.lun, "error", err)
	}

	m.mu.Lock()
	d.blocks, d.blockSize = c.Blocks(), int(c.BlockLength)
	d.readOnly, d.inquiry, d.status = wp, inq, status
	letter, ok := m.freeLetter()
	m.mu.Unlock()
	if !ok {
		m.fail(d, StateMediaError, status, ErrNoLetter)
		return
	}

	dev := blockDevice{
		unit:      d.unit,
		lun:       d.lun,
		blockSize: d.blockSize,
		blocks:    d.blocks,
		timeout:   m.cfg.Disk.TransferTimeout.Duration,
	}
	geo := cache.Geometry{
		DeviceID:    d.id,
		LUN:         d.lun,
		LineSize:    m.cfg.Cache.LineSize,
		NumLines:    m.cfg.Cache.NumLines,
		BlockSize:   d.blockSize,
		TotalBlocks: d.blocks,
	}
	drive, err := fatfs.Mount(ctx, m.lib, dev, geo, fatfs.Options{Letter: letter, ReadOnly: wp})
	if err != nil {
		m.fail(d, StateMediaError, status, err)
		return
	}

	m.mu.Lock()
	d.letter, d.drive, d.state, d.err = letter, drive, StateReady, nil
	m.mu.Unlock()

	info := drive.Info()
	pkg.LogInfo(pkg.ComponentDisk, "disk mounted",
		"letter", string(letter), "disk", d.name, "lun", d.lun,
		"blocks", d.blocks, "block_size", d.blockSize, "read_only", wp,
		"type", info.Type, "label", info.Label)
}

// waitReady runs TEST UNIT READY until the unit is ready, the retries run
// out or the unit reports a driver error.
func (m *Manager) waitReady(ctx context.Context, d *record) (Status, error) {
	retries := m.cfg.Disk.UnitReadyRetries
	delay := m.cfg.Disk.UnitReadyDelay.Duration
	var (
		status Status
		err    error
	)
	for attempt := 1; attempt <= retries; attempt++ {
		err = m.testUnitReady(ctx, d)
		status = classify(err)
		if !status.transient() {
			return status, err
		}
		pkg.LogDebug(pkg.ComponentDisk, "unit not ready",
			"disk", d.name, "lun", d.lun, "attempt", attempt, "status", status)
		if attempt == retries {
			break
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return StatusDriverError, ctx.Err()
			case <-t.C:
			}
		}
	}
	return status, err
}

func (m *Manager) testUnitReady(ctx context.Context, d *record) error {
	if t := m.cfg.Disk.TransferTimeout.Duration; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return d.unit.TestUnitReady(ctx, d.lun)
}

func (m *Manager) fail(d *record, state State, status Status, err error) {
	m.mu.Lock()
	d.letter, d.drive, d.state, d.status, d.err = NoLetter, nil, state, status, err
	m.mu.Unlock()

	log := pkg.LogWarn
	if state == StateNoMedia {
		log = pkg.LogDebug
	}
	log(pkg.ComponentDisk, "disk not mounted",
		"disk", d.name, "lun", d.lun, "state", state, "status", status, "error", err)
}

// freeLetter returns the lowest letter no disk uses. Callers hold m.mu.
func (m *Manager) freeLetter() (byte, bool) {
	var used [LastLetter - FirstLetter + 1]bool
	for _, d := range m.disks {
		if d.letter >= FirstLetter && d.letter <= LastLetter {
			used[d.letter-FirstLetter] = true
		}
	}
	for i, u := range used {
		if !u {
			return byte(FirstLetter + i), true
		}
	}
	return 0, false
}

func normalize(letter byte) byte {
	if letter >= 'a' && letter <= 'z' {
		return letter - 'a' + 'A'
	}
	return letter
}

// Lookup returns the drive mounted at letter.
func (m *Manager) Lookup(letter byte) (*fatfs.Drive, error) {
	letter = normalize(letter)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.disks {
		if d.letter == letter && d.drive != nil {
			return d.drive, nil
		}
	}
	return nil, fmt.Errorf("drive %c: %w", letter, fatfs.ErrInvalidDrive)
}

// Eject unmounts the drive at letter and forgets its disk. The unit is not
// probed again until its device is added again.
func (m *Manager) Eject(letter byte) error {
	letter = normalize(letter)
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.mu.Lock()
	i := slices.IndexFunc(m.disks, func(d *record) bool { return d.letter == letter && d.drive != nil })
	if i < 0 {
		m.mu.Unlock()
		return fmt.Errorf("drive %c: %w", letter, fatfs.ErrInvalidDrive)
	}
	d := m.disks[i]
	m.disks = slices.Delete(m.disks, i, i+1)
	m.mu.Unlock()

	err := d.drive.Unmount()
	pkg.LogInfo(pkg.ComponentDisk, "disk ejected", "letter", string(letter), "disk", d.name, "lun", d.lun)
	return err
}

// Disks returns a snapshot of every disk record in the order they were
// found.
func (m *Manager) Disks() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]Info, 0, len(m.disks))
	for _, d := range m.disks {
		info := Info{
			Name:      d.name,
			LUN:       d.lun,
			Letter:    d.letter,
			State:     d.state,
			Status:    d.status,
			Blocks:    d.blocks,
			BlockSize: d.blockSize,
			ReadOnly:  d.readOnly,
			Vendor:    d.inquiry.VendorID,
			Product:   d.inquiry.ProductID,
			Revision:  d.inquiry.ProductRev,
			Err:       d.err,
		}
		if d.drive != nil {
			info.Volume = d.drive.Info()
		}
		list = append(list, info)
	}
	return list
}

// Close unmounts every drive. Later calls to Add and Remove are ignored.
func (m *Manager) Close() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return pkg.ErrClosed
	}
	m.closed = true
	disks := m.disks
	m.disks, m.pending, m.removed = nil, nil, nil
	m.mu.Unlock()

	var errs []error
	for _, d := range disks {
		if d.drive != nil {
			errs = append(errs, d.drive.Unmount())
		}
	}
	return errors.Join(errs...)
}
