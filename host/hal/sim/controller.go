package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/usb"
)

// SetupRecord is one SETUP stage seen on the bus, with the default control
// pipe configuration in effect when it was issued.
type SetupRecord struct {
	Setup         hal.SetupPacket
	Device        hal.DeviceAddress
	MaxPacketSize uint16
}

// Controller is a simulated host controller.
type Controller struct {
	mu sync.Mutex

	ports []*Port
	pipes [hal.NumPipes]*pipe

	running bool
	sof     bool

	// FIFO port selection
	sel      hal.PipeNumber
	selWrite bool
	selValid bool
	fifoFail int

	ctrl    *controlTransfer
	events  []hal.PipeEvent
	setups  []SetupRecord
	packets int
}

// controlTransfer tracks the request on the default control pipe.
type controlTransfer struct {
	port    *Port
	fn      Function
	setup   hal.SetupPacket
	resp    []byte // IN data stage
	off     int
	err     error
	out     []byte // OUT data stage
	outDone bool
}

var _ hal.Controller = (*Controller)(nil)

// New creates a controller with numPorts root ports.
func New(numPorts int) *Controller {
	c := &Controller{ports: make([]*Port, numPorts)}
	for i := range c.ports {
		c.ports[i] = &Port{}
	}
	for i := range c.pipes {
		c.pipes[i] = &pipe{c: c, n: hal.PipeNumber(i)}
	}
	return c
}

// Port returns root port n (1-indexed), or nil.
func (c *Controller) Port(n int) *Port {
	if n < 1 || n > len(c.ports) {
		return nil
	}
	return c.ports[n-1]
}

// StallFIFO makes the next n FIFO selections fail.
func (c *Controller) StallFIFO(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fifoFail = n
}

// Setups returns the SETUP stages issued so far.
func (c *Controller) Setups() []SetupRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SetupRecord(nil), c.setups...)
}

// Packets returns the number of data packets moved on the bus.
func (c *Controller) Packets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets
}

// Init resets controller state.
func (c *Controller) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = c.events[:0]
	c.ctrl = nil
	c.selValid = false
	for _, p := range c.pipes {
		p.reset()
	}
	return nil
}

// Start powers the root ports and starts frame signaling.
func (c *Controller) Start() error {
	c.mu.Lock()
	c.running = true
	c.sof = true
	c.mu.Unlock()

	for _, p := range c.ports {
		p.setPower(true)
	}
	pkg.LogDebug(pkg.ComponentHAL, "sim controller started", "ports", len(c.ports))
	return nil
}

// Stop removes root port power.
func (c *Controller) Stop() error {
	c.mu.Lock()
	c.running = false
	c.sof = false
	c.mu.Unlock()

	for _, p := range c.ports {
		p.setPower(false)
	}
	return nil
}

// Close stops the controller.
func (c *Controller) Close() error {
	return c.Stop()
}

// NumPorts returns the number of root ports.
func (c *Controller) NumPorts() int {
	return len(c.ports)
}

func (c *Controller) rootPort(port int) (*Port, error) {
	p := c.Port(port)
	if p == nil {
		return nil, fmt.Errorf("root port %d: %w", port, pkg.ErrInvalidParameter)
	}
	return p, nil
}

// PortStatus returns the status of a root port.
func (c *Controller) PortStatus(port int) (hal.PortStatus, error) {
	p, err := c.rootPort(port)
	if err != nil {
		return hal.PortStatus{}, err
	}
	return p.status(), nil
}

// ResetPort drives bus reset on a root port.
func (c *Controller) ResetPort(port int) error {
	p, err := c.rootPort(port)
	if err != nil {
		return err
	}
	p.reset()
	return nil
}

// EnablePort enables or disables a root port.
func (c *Controller) EnablePort(port int, enable bool) error {
	p, err := c.rootPort(port)
	if err != nil {
		return err
	}
	p.enable(enable)
	return nil
}

// ClearPortChange acknowledges root port change bits.
func (c *Controller) ClearPortChange(port int) error {
	p, err := c.rootPort(port)
	if err != nil {
		return err
	}
	p.clearChanges(true, true, true)
	return nil
}

// SetFrameSignaling starts or stops SOF generation. Without SOF no
// transactions are performed.
func (c *Controller) SetFrameSignaling(enable bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sof = enable
}

// Pipe returns the register group of pipe n.
func (c *Controller) Pipe(n hal.PipeNumber) hal.Pipe {
	if int(n) >= len(c.pipes) {
		return nil
	}
	return c.pipes[n]
}

// SelectFIFO points the FIFO port at pipe n.
func (c *Controller) SelectFIFO(n hal.PipeNumber, write bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fifoFail > 0 {
		c.fifoFail--
		return false
	}
	if int(n) >= len(c.pipes) {
		return false
	}
	c.sel, c.selWrite, c.selValid = n, write, true
	return true
}

// FIFOLength returns the number of received bytes in the selected FIFO.
func (c *Controller) FIFOLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selValid || c.selWrite {
		return 0
	}
	p := c.pipes[c.sel]
	if !p.rxValid {
		return 0
	}
	return len(p.rx)
}

// ReadFIFO copies received bytes out of the selected FIFO. The buffer is
// released once fully read.
func (c *Controller) ReadFIFO(dst []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selValid || c.selWrite {
		return 0
	}
	p := c.pipes[c.sel]
	if !p.rxValid {
		return 0
	}
	n := copy(dst, p.rx)
	p.rx = p.rx[n:]
	if len(p.rx) == 0 {
		p.rxValid = false
	}
	return n
}

// WriteFIFO stages bytes in the selected FIFO.
func (c *Controller) WriteFIFO(src []byte, commit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selValid || !c.selWrite {
		return
	}
	p := c.pipes[c.sel]
	p.tx = append(p.tx, src...)
	if commit {
		p.txValid = true
	}
}

// WriteSetup issues a SETUP stage to the device the DCP is configured for.
func (c *Controller) WriteSetup(setup hal.SetupPacket) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dcp := c.pipes[hal.DCP]
	if dcp.pid != hal.PIDNAK {
		return fmt.Errorf("setup on active DCP: %w", pkg.ErrBusy)
	}

	c.setups = append(c.setups, SetupRecord{
		Setup:         setup,
		Device:        dcp.cfg.Device,
		MaxPacketSize: dcp.cfg.MaxPacketSize,
	})

	c.ctrl = nil
	port := route(c.ports, dcp.cfg.Device)
	if port == nil || !c.sof {
		c.post(dcp, hal.EventNotReady, hal.FaultNoResponse)
		return nil
	}
	fn, _, _ := port.target()
	ct := &controlTransfer{port: port, fn: fn, setup: setup}

	// IN requests are answered up front; OUT requests run at the status
	// stage once the data stage is in.
	if setup.IsIn() {
		ct.resp, ct.err = fn.Control(setup, nil)
		if errors.Is(ct.err, ErrNoResponse) {
			c.post(dcp, hal.EventNotReady, hal.FaultNoResponse)
			return nil
		}
		if len(ct.resp) > int(setup.Length) {
			ct.resp = ct.resp[:setup.Length]
		}
	}

	c.ctrl = ct
	dcp.toggle = hal.Data1
	c.post(dcp, hal.EventSetup, hal.FaultNone)
	return nil
}

// PollEvents performs one transaction on every armed pipe and returns the
// pending pipe events.
func (c *Controller) PollEvents(dst []hal.PipeEvent) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running && c.sof {
		for _, p := range c.pipes {
			if p.pid == hal.PIDBuf {
				c.transact(p)
			}
		}
	}

	n := copy(dst, c.events)
	c.events = append(c.events[:0], c.events[n:]...)
	return n
}

func (c *Controller) post(p *pipe, ev hal.Event, fault hal.Fault) {
	if p.mask&ev == 0 {
		return
	}
	c.events = append(c.events, hal.PipeEvent{Pipe: p.n, Event: ev, Fault: fault})
}

func (c *Controller) fail(p *pipe, err error) {
	switch {
	case errors.Is(err, ErrNAK):
		return
	case errors.Is(err, ErrStall):
		p.pid = hal.PIDStall
		c.post(p, hal.EventNotReady, hal.FaultStall)
	default:
		p.pid = hal.PIDNAK
		c.post(p, hal.EventNotReady, hal.FaultNoResponse)
	}
}

func (c *Controller) transact(p *pipe) {
	if p.n == hal.DCP {
		c.transactControl(p)
		return
	}

	port := route(c.ports, p.cfg.Device)
	if port == nil {
		c.fail(p, ErrNoResponse)
		return
	}
	fn, _, _ := port.target()
	mps := int(p.cfg.MaxPacketSize)

	if p.cfg.In {
		if p.rxValid {
			return
		}
		data, err := fn.In(p.cfg.Endpoint, mps)
		if err != nil {
			c.fail(p, err)
			return
		}
		if len(data) > mps {
			p.pid = hal.PIDNAK
			c.post(p, hal.EventNotReady, hal.FaultBabble)
			return
		}
		p.rx, p.rxValid = append(p.rx[:0], data...), true
		p.toggle = p.toggle.Flip()
		c.packets++
		c.post(p, hal.EventReady, hal.FaultNone)
		return
	}

	if !p.txValid {
		return
	}
	if err := fn.Out(p.cfg.Endpoint, p.tx); err != nil {
		if !errors.Is(err, ErrNAK) {
			p.tx, p.txValid = p.tx[:0], false
		}
		c.fail(p, err)
		return
	}
	p.tx, p.txValid = p.tx[:0], false
	p.toggle = p.toggle.Flip()
	c.packets++
	c.post(p, hal.EventEmpty, hal.FaultNone)
}

func (c *Controller) transactControl(p *pipe) {
	ct := c.ctrl
	if ct == nil {
		return
	}
	if _, _, ok := ct.port.target(); !ok {
		c.ctrl = nil
		c.fail(p, ErrNoResponse)
		return
	}

	dataIn := ct.setup.IsIn() && ct.setup.Length > 0
	dataOut := !ct.setup.IsIn() && ct.setup.Length > 0

	switch {
	case p.cfg.In && dataIn:
		if p.rxValid {
			return
		}
		if ct.err != nil {
			c.ctrl = nil
			c.fail(p, ct.err)
			return
		}
		size := min(ct.fn.MaxPacketSize0(), len(ct.resp)-ct.off)
		if size > int(p.cfg.MaxPacketSize) {
			c.ctrl = nil
			p.pid = hal.PIDNAK
			c.post(p, hal.EventNotReady, hal.FaultBabble)
			return
		}
		p.rx = append(p.rx[:0], ct.resp[ct.off:ct.off+size]...)
		p.rxValid = true
		ct.off += size
		p.toggle = p.toggle.Flip()
		c.packets++
		c.post(p, hal.EventReady, hal.FaultNone)

	case !p.cfg.In && dataOut && !ct.outDone:
		if !p.txValid {
			return
		}
		ct.out = append(ct.out, p.tx...)
		p.tx, p.txValid = p.tx[:0], false
		if len(ct.out) >= int(ct.setup.Length) {
			ct.outDone = true
		}
		p.toggle = p.toggle.Flip()
		c.packets++
		c.post(p, hal.EventEmpty, hal.FaultNone)

	case p.cfg.In:
		// Status stage of a host-to-device request.
		if p.rxValid {
			return
		}
		_, err := ct.fn.Control(ct.setup, ct.out)
		c.ctrl = nil
		if err != nil {
			c.fail(p, err)
			return
		}
		c.afterStatus(ct)
		p.rx, p.rxValid = p.rx[:0], true
		c.post(p, hal.EventReady, hal.FaultNone)

	default:
		// Status stage of a device-to-host request.
		if !p.txValid {
			return
		}
		p.tx, p.txValid = p.tx[:0], false
		c.ctrl = nil
		if ct.err != nil && !dataIn {
			c.fail(p, ct.err)
			return
		}
		c.post(p, hal.EventEmpty, hal.FaultNone)
	}
}

// afterStatus applies request side effects that take hold once the status
// stage completes.
func (c *Controller) afterStatus(ct *controlTransfer) {
	if ct.setup.RequestType == usb.RequestTypeOut|usb.RequestTypeStandard|usb.RequestTypeDevice &&
		ct.setup.Request == usb.RequestSetAddress {
		ct.port.setAddress(hal.DeviceAddress(ct.setup.Value & 0x7F))
	}
}
