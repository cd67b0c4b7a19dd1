package host

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/host/pipe"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/pkg/config"
	"github.com/ardnew/rzusb/usb"
)

// Host owns the controller, the pipe pool and the enumerator, and keeps
// the list of known devices.
type Host struct {
	ctrl      hal.Controller
	cfg       config.Host
	overrides []Override
	pool      *pipe.Pool
	enum      *Enumerator

	// stepMu serializes Step with Stop.
	stepMu sync.Mutex

	mu        sync.RWMutex
	running   bool
	roots     []*Port
	devices   []*Device
	addresses [usb.MaxDevices + 1]bool
	nextAddr  hal.DeviceAddress
	factories map[DriverKind]DriverFactory
	onAttach  []func(*Device)
	onDetach  []func(*Device)

	tickMu sync.Mutex
	tick   chan struct{}
	ticks  uint64

	// Driver lifetime
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	// Announced devices waiting for WaitDevice
	attached chan *Device
}

// New creates a host for ctrl. The controller is not touched until
// [Host.Start].
func New(ctrl hal.Controller, cfg config.Config) (*Host, error) {
	if ctrl == nil {
		return nil, pkg.ErrInvalidParameter
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	overrides, err := Overrides(cfg.Overrides)
	if err != nil {
		return nil, err
	}

	h := &Host{
		ctrl:      ctrl,
		cfg:       cfg.Host,
		overrides: overrides,
		nextAddr:  1,
		factories: map[DriverKind]DriverFactory{
			DriverHub: func() Driver { return hubDriver{} },
		},
		tick:     make(chan struct{}),
		attached: make(chan *Device, usb.MaxDevices),
	}
	h.enum = newEnumerator(h)
	return h, nil
}

// RegisterDriver installs the factory used for devices of the given kind.
func (h *Host) RegisterDriver(kind DriverKind, factory DriverFactory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.factories[kind] = factory
}

// OnAttach adds a listener called after a device's driver opened.
// Listeners run on their own goroutine and must not block the caller for
// long.
func (h *Host) OnAttach(fn func(*Device)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onAttach = append(h.onAttach, fn)
}

// OnDetach adds a listener called after an announced device left the bus.
// Listeners run on the goroutine driving the host and must not block.
func (h *Host) OnDetach(fn func(*Device)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDetach = append(h.onDetach, fn)
}

// Start initializes the controller and powers the root ports. Drivers
// run until Stop or until ctx ends.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return pkg.ErrAlreadyRunning
	}

	if err := h.ctrl.Init(ctx); err != nil {
		return fmt.Errorf("init controller: %w", err)
	}
	pool, err := pipe.NewPool(h.ctrl, h.cfg.FIFORetries)
	if err != nil {
		return err
	}
	if err := h.ctrl.Start(); err != nil {
		return fmt.Errorf("start controller: %w", err)
	}
	h.ctrl.SetFrameSignaling(true)

	h.pool = pool
	h.enum.reset()
	h.roots = make([]*Port, h.ctrl.NumPorts())
	for i := range h.roots {
		h.roots[i] = newPort(i+1, nil)
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.group, h.ctx = errgroup.WithContext(h.ctx)
	h.running = true

	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", len(h.roots))
	return nil
}

// Stop detaches every device, cancels outstanding transfers and stops the
// controller. It waits for driver goroutines to return.
func (h *Host) Stop() error {
	h.stepMu.Lock()
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		h.stepMu.Unlock()
		return pkg.ErrNotRunning
	}
	h.running = false
	roots := h.roots
	h.mu.Unlock()

	h.cancel()
	for _, p := range roots {
		if d := p.Device(); d != nil {
			h.detach(d)
		}
	}
	h.pool.CancelAll(pkg.ErrClosed)
	h.ctrl.SetFrameSignaling(false)
	err := h.ctrl.Stop()
	h.stepMu.Unlock()

	h.advance()
	if werr := h.group.Wait(); werr != nil && err == nil {
		err = werr
	}

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return err
}

// IsRunning reports whether the host has been started.
func (h *Host) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Run calls Step once per configured tick until ctx ends.
func (h *Host) Run(ctx context.Context) error {
	t := time.NewTicker(h.cfg.Tick.Duration)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			h.Step()
		}
	}
}

// Step runs one tick: pipe events are serviced, idle countdowns advance
// and the enumerator takes one step.
func (h *Host) Step() {
	h.stepMu.Lock()
	defer h.stepMu.Unlock()
	if !h.IsRunning() {
		return
	}
	h.pool.Service()
	h.pool.Tick()
	h.enum.Run()
	h.advance()
}

// advance wakes everything waiting for the next tick.
func (h *Host) advance() {
	h.tickMu.Lock()
	close(h.tick)
	h.tick = make(chan struct{})
	h.ticks++
	h.tickMu.Unlock()
}

func (h *Host) nextTick() <-chan struct{} {
	h.tickMu.Lock()
	defer h.tickMu.Unlock()
	return h.tick
}

// Ticks returns the number of ticks run so far.
func (h *Host) Ticks() uint64 {
	h.tickMu.Lock()
	defer h.tickMu.Unlock()
	return h.ticks
}

// Enumerator returns the enumeration state machine.
func (h *Host) Enumerator() *Enumerator {
	return h.enum
}

// Pool returns the pipe pool. It is nil before Start.
func (h *Host) Pool() *pipe.Pool {
	return h.pool
}

// Config returns the host configuration.
func (h *Host) Config() config.Host {
	return h.cfg
}

// Ports returns the root ports.
func (h *Host) Ports() []*Port {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.roots)
}

// portList returns every root and hub port, each hub's ports following
// the port the hub is attached to.
func (h *Host) portList() []*Port {
	var out []*Port
	var walk func(ports []*Port)
	walk = func(ports []*Port) {
		for _, p := range ports {
			out = append(out, p)
			if d := p.Device(); d != nil {
				walk(d.Ports())
			}
		}
	}
	walk(h.Ports())
	return out
}

// Devices returns every registered device, including devices that failed
// enumeration, in registration order.
func (h *Host) Devices() []*Device {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.devices)
}

// Device returns the device at address, or nil.
func (h *Host) Device(address hal.DeviceAddress) *Device {
	if address == 0 {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, d := range h.devices {
		if d.address == address {
			return d
		}
	}
	return nil
}

// WaitDevice blocks until a device is announced.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case dev := <-h.attached:
		return dev, nil
	}
}

// allocateAddress reserves the next free address, round robin from the
// last one handed out.
func (h *Host) allocateAddress() (hal.DeviceAddress, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for range usb.MaxDevices {
		addr := h.nextAddr
		h.nextAddr++
		if h.nextAddr > hal.MaxDeviceAddress {
			h.nextAddr = 1
		}
		if !h.addresses[addr] {
			h.addresses[addr] = true
			return addr, true
		}
	}
	return 0, false
}

func (h *Host) freeAddress(addr hal.DeviceAddress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.addresses[addr] = false
}

// siblingPower returns the current already drawn from the budget that a
// device on p would share. Root ports and self-powered hubs give each
// port its own budget.
func (h *Host) siblingPower(p *Port, self *Device) int {
	hub := p.Parent()
	if hub == nil || hub.config.SelfPowered() {
		return 0
	}
	total := 0
	for _, sp := range hub.Ports() {
		if d := sp.Device(); d != nil && d != self {
			total += d.PowerMilliamps()
		}
	}
	return total
}

// register adds an enumerated device to the device list and opens its
// driver on the driver group.
func (h *Host) register(dev *Device) {
	var drv Driver = nullDriver{}
	if dev.Status() == StatusOK {
		h.mu.RLock()
		factory := h.factories[dev.kind]
		h.mu.RUnlock()
		if factory != nil {
			drv = factory()
		} else {
			pkg.LogWarn(pkg.ComponentHost, "no driver registered", "device", dev.address, "driver", dev.kind)
			dev.setStatus(StatusUnsupported)
		}
	}

	dev.mu.Lock()
	dev.driver = drv
	dev.mu.Unlock()

	h.mu.Lock()
	h.devices = append(h.devices, dev)
	group := h.group
	h.mu.Unlock()
	dev.port.setDevice(dev)

	pkg.LogInfo(pkg.ComponentHost, "device registered",
		"address", dev.address,
		"port", dev.port,
		"vendor", dev.descriptor.VendorID,
		"product", dev.descriptor.ProductID,
		"driver", drv.Kind(),
		"status", dev.Status())

	group.Go(func() error {
		h.open(dev, drv)
		return nil
	})
}

// open runs the driver's Open and announces the device.
func (h *Host) open(dev *Device, drv Driver) {
	if err := drv.Open(h.ctx, dev); err != nil {
		if !dev.Detached() && h.ctx.Err() == nil {
			pkg.LogWarn(pkg.ComponentHost, "driver open failed",
				"device", dev.address, "driver", drv.Kind(), "error", err)
		}
		return
	}

	dev.mu.Lock()
	if dev.detached {
		dev.mu.Unlock()
		return
	}
	dev.announced = true
	dev.mu.Unlock()

	h.mu.RLock()
	listeners := slices.Clone(h.onAttach)
	h.mu.RUnlock()
	for _, fn := range listeners {
		fn(dev)
	}

	select {
	case h.attached <- dev:
	default:
	}
}

// detach removes dev and everything below it. Outstanding transfers are
// cancelled before the driver is closed.
func (h *Host) detach(dev *Device) {
	for _, p := range dev.Ports() {
		if child := p.Device(); child != nil {
			h.detach(child)
		}
	}

	dev.mu.Lock()
	dev.detached = true
	dev.ports = nil
	drv := dev.driver
	announced := dev.announced
	dev.mu.Unlock()

	if dev.address != 0 {
		if n := h.pool.CancelDevice(dev.address); n > 0 {
			pkg.LogDebug(pkg.ComponentHost, "cancelled transfers", "device", dev.address, "count", n)
		}
	}
	if drv != nil {
		if err := drv.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentHost, "driver close failed", "device", dev.address, "error", err)
		}
	}

	h.mu.Lock()
	h.devices = slices.DeleteFunc(h.devices, func(d *Device) bool { return d == dev })
	if dev.address != 0 {
		h.addresses[dev.address] = false
	}
	listeners := slices.Clone(h.onDetach)
	h.mu.Unlock()
	dev.port.setDevice(nil)

	pkg.LogInfo(pkg.ComponentHost, "device detached", "address", dev.address, "port", dev.port)

	if announced {
		for _, fn := range listeners {
			fn(dev)
		}
	}
}
