package pipe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/pkg"
)

// DefaultFIFORetries is the FIFO select retry cap used when none is given.
const DefaultFIFORetries = 1000

// maxServiceRounds bounds how many event batches one Service call handles.
const maxServiceRounds = 64

// slot is one hardware pipe and the transfer bound to it.
type slot struct {
	reg    hal.Pipe
	leased bool
	ep     *Endpoint
	req    *Request // request being moved on the bus
	ctl    *Control // set while a control transfer owns the pipe
	armed  bool     // the register toggle belongs to ep
}

// Pool owns the controller's pipes and the shared FIFO port.
type Pool struct {
	ctrl    hal.Controller
	retries int

	mu     sync.Mutex
	slots  [hal.NumPipes]slot
	events [hal.NumPipes * 4]hal.PipeEvent

	// cancelled callbacks waiting to run outside the lock
	callbacks []*Request
}

// NewPool builds the pipe table of ctrl. Every pipe register group must be
// present and report its own number.
func NewPool(ctrl hal.Controller, fifoRetries int) (*Pool, error) {
	if ctrl == nil {
		return nil, pkg.ErrInvalidParameter
	}
	if fifoRetries <= 0 {
		fifoRetries = DefaultFIFORetries
	}
	p := &Pool{ctrl: ctrl, retries: fifoRetries}
	for i := range p.slots {
		n := hal.PipeNumber(i)
		reg := ctrl.Pipe(n)
		if reg == nil || reg.Number() != n {
			return nil, fmt.Errorf("pipe %d register group: %w", n, pkg.ErrInvalidParameter)
		}
		reg.SetPID(hal.PIDNAK)
		reg.DisableEvents(hal.EventAll)
		p.slots[i].reg = reg
	}
	return p, nil
}

// Lease is the right to start one transfer on one pipe. Starting a
// transfer consumes the lease; the pipe returns to the pool when the
// transfer completes or is cancelled.
type Lease struct {
	pool *Pool
	pipe hal.PipeNumber
	ep   *Endpoint
	used bool
}

// Pipe returns the leased pipe number.
func (l *Lease) Pipe() hal.PipeNumber {
	return l.pipe
}

// Acquire leases a free pipe able to serve ep. Control endpoints use the
// default control pipe, bulk endpoints pipes 1-5 and interrupt endpoints
// pipes 6-9.
func (p *Pool) Acquire(ep *Endpoint) (*Lease, error) {
	if err := validate(ep); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		n := hal.PipeNumber(i)
		if !n.Serves(ep.Type) || p.slots[i].leased {
			continue
		}
		p.slots[i].leased = true
		p.slots[i].ep = ep
		return &Lease{pool: p, pipe: n, ep: ep}, nil
	}
	return nil, pkg.ErrNoPipe
}

func validate(ep *Endpoint) error {
	switch {
	case ep == nil:
		return pkg.ErrInvalidParameter
	case ep.Device > hal.MaxDeviceAddress:
		return pkg.ErrInvalidAddress
	case ep.Number > 15 || ep.MaxPacketSize == 0:
		return pkg.ErrInvalidParameter
	case ep.Type == hal.TransferIsochronous:
		return pkg.ErrNotSupported
	case ep.Type > hal.TransferInterrupt:
		return pkg.ErrInvalidParameter
	}
	return nil
}

// Release returns an unused lease to the pool.
func (l *Lease) Release() {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	if l.used {
		return
	}
	l.used = true
	l.pool.free(l.pipe)
}

// Start binds r to the leased pipe and arms it.
func (l *Lease) Start(r *Request) error {
	if r == nil || r.Endpoint != l.ep || l.ep.Type == hal.TransferControl {
		return pkg.ErrInvalidParameter
	}

	p := l.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if l.used {
		return pkg.ErrClosed
	}
	if r.InProgress() {
		return pkg.ErrBusy
	}
	l.used = true

	s := &p.slots[l.pipe]
	r.arm(PhaseIdle)
	s.req = r
	if err := p.arm(s, r, l.ep.In, l.ep.Toggle); err != nil {
		p.finish(s, err)
		return err
	}
	pkg.LogDebug(pkg.ComponentPipe, "transfer started",
		"pipe", l.pipe, "device", l.ep.Device, "endpoint", l.ep.Address(), "length", len(r.Buffer))
	return nil
}

// StartControl binds c to the default control pipe and issues its SETUP
// stage.
func (l *Lease) StartControl(c *Control) error {
	if c == nil || c.Endpoint != l.ep || l.ep.Type != hal.TransferControl {
		return pkg.ErrInvalidParameter
	}

	p := l.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if l.used {
		return pkg.ErrClosed
	}
	if c.InProgress() {
		return pkg.ErrBusy
	}
	if c.Setup.Length > 0 && len(c.Data) == 0 {
		return fmt.Errorf("%d byte data stage without a buffer: %w", c.Setup.Length, pkg.ErrInvalidParameter)
	}
	l.used = true

	s := &p.slots[l.pipe]
	s.ctl = c
	length := min(int(c.Setup.Length), len(c.Data))
	c.setup.Endpoint, c.data.Endpoint, c.status.Endpoint = c.Endpoint, c.Endpoint, c.Endpoint
	c.data.Buffer = c.Data[:length]
	c.status.Buffer = nil
	for _, r := range c.requests() {
		r.IdleTimeout = c.IdleTimeout
	}
	c.setup.arm(PhaseSetup)
	if c.hasData() {
		c.data.arm(PhaseData)
	}
	c.status.arm(PhaseStatus)
	c.setPhase(PhaseSetup)

	s.req = &c.setup
	if err := p.issueSetup(s, c); err != nil {
		p.finish(s, err)
		return err
	}
	return nil
}

// Submit leases a pipe for r and starts it.
func (p *Pool) Submit(r *Request) error {
	if r == nil {
		return pkg.ErrInvalidParameter
	}
	l, err := p.Acquire(r.Endpoint)
	if err != nil {
		return err
	}
	if err := l.Start(r); err != nil {
		l.Release()
		return err
	}
	return nil
}

// SubmitControl leases the default control pipe for c and starts it.
func (p *Pool) SubmitControl(c *Control) error {
	if c == nil {
		return pkg.ErrInvalidParameter
	}
	l, err := p.Acquire(c.Endpoint)
	if err != nil {
		return err
	}
	if err := l.StartControl(c); err != nil {
		l.Release()
		return err
	}
	return nil
}

// Transfer submits r and waits for it. If ctx ends first the request is
// cancelled.
func (p *Pool) Transfer(ctx context.Context, r *Request) (int, error) {
	if err := p.Submit(r); err != nil {
		return 0, err
	}
	if _, err := r.Wait(ctx); err != nil && ctx.Err() != nil && p.Cancel(r) {
		n, _ := r.Result()
		return n, ctx.Err()
	}
	return r.Result()
}

// ControlTransfer submits c and waits for it. If ctx ends first the
// transfer is cancelled.
func (p *Pool) ControlTransfer(ctx context.Context, c *Control) (int, error) {
	if err := p.SubmitControl(c); err != nil {
		return 0, err
	}
	if _, err := c.Wait(ctx); err != nil && ctx.Err() != nil && p.CancelControl(c) {
		return 0, ctx.Err()
	}
	return c.Result()
}

// arm programs s for a data movement in direction in and, for OUT, loads
// the first packet.
func (p *Pool) arm(s *slot, r *Request, in bool, toggle hal.Toggle) error {
	ep := s.ep
	reg := s.reg
	reg.SetPID(hal.PIDNAK)
	err := reg.Configure(hal.PipeConfig{
		Type:          ep.Type,
		In:            in,
		Device:        ep.Device,
		Endpoint:      ep.Number,
		MaxPacketSize: ep.MaxPacketSize,
		Interval:      ep.Interval,
		Speed:         ep.Speed,
	})
	if err != nil {
		return err
	}
	reg.SetToggle(toggle)
	s.armed = true
	reg.ClearBuffer()
	reg.EnableEvents(hal.EventReady | hal.EventEmpty | hal.EventNotReady)

	if !in {
		if err := p.writePacket(s, r); err != nil {
			return err
		}
	}
	reg.SetPID(hal.PIDBuf)
	return nil
}

func (p *Pool) issueSetup(s *slot, c *Control) error {
	reg := s.reg
	reg.SetPID(hal.PIDNAK)
	err := reg.Configure(hal.PipeConfig{
		Type:          hal.TransferControl,
		Device:        c.Endpoint.Device,
		MaxPacketSize: c.Endpoint.MaxPacketSize,
		Speed:         c.Endpoint.Speed,
	})
	if err != nil {
		return err
	}
	reg.ClearBuffer()
	reg.EnableEvents(hal.EventAll)
	return p.ctrl.WriteSetup(c.Setup)
}

// writePacket loads the next OUT packet of r into the FIFO.
func (p *Pool) writePacket(s *slot, r *Request) error {
	if !p.selectFIFO(s.reg.Number(), true) {
		return pkg.ErrFIFOWrite
	}
	size := min(int(s.ep.MaxPacketSize), len(r.Buffer)-r.offset)
	off := r.offset
	p.ctrl.WriteFIFO(r.Buffer[off:off+size], true)
	r.pending = size
	return nil
}

// selectFIFO points the FIFO port at pipe n, retrying up to the cap.
func (p *Pool) selectFIFO(n hal.PipeNumber, write bool) bool {
	for range p.retries {
		if p.ctrl.SelectFIFO(n, write) {
			return true
		}
	}
	pkg.LogWarn(pkg.ComponentPipe, "FIFO select failed", "pipe", n, "write", write, "retries", p.retries)
	return false
}

// Service moves pending pipe events into their transfers. Each event
// advances a transfer by at most one packet.
func (p *Pool) Service() {
	p.mu.Lock()
	for range maxServiceRounds {
		n := p.ctrl.PollEvents(p.events[:])
		if n == 0 {
			break
		}
		for _, ev := range p.events[:n] {
			p.handle(ev)
		}
	}
	cbs := p.takeCallbacks()
	p.mu.Unlock()
	runCallbacks(cbs)
}

func (p *Pool) handle(ev hal.PipeEvent) {
	if int(ev.Pipe) >= len(p.slots) {
		return
	}
	s := &p.slots[ev.Pipe]
	r := s.req
	if r == nil || !r.InProgress() {
		// Late event for a cancelled transfer.
		return
	}
	r.idle = r.IdleTimeout

	switch {
	case ev.Event&hal.EventNotReady != 0:
		err := ev.Fault.Status().Error()
		if err == nil {
			err = pkg.ErrTransaction
		}
		p.finish(s, err)

	case ev.Event&hal.EventSetup != 0:
		if s.ctl != nil && r.phase == PhaseSetup {
			p.stageDone(s, 0)
		}

	case ev.Event&hal.EventReady != 0:
		p.readPacket(s, r)

	case ev.Event&hal.EventEmpty != 0:
		r.offset += r.pending
		short := r.pending < int(s.ep.MaxPacketSize)
		if r.offset >= len(r.Buffer) || short {
			p.stageDone(s, r.offset)
			return
		}
		if err := p.writePacket(s, r); err != nil {
			p.forceClear(s)
			p.finish(s, err)
		}
	}
}

// readPacket copies one received packet into r.
func (p *Pool) readPacket(s *slot, r *Request) {
	if !p.selectFIFO(s.reg.Number(), false) {
		p.forceClear(s)
		p.finish(s, pkg.ErrFIFORead)
		return
	}
	length := p.ctrl.FIFOLength()
	off := r.offset
	if length > len(r.Buffer)-off {
		p.forceClear(s)
		p.finish(s, pkg.ErrOverrun)
		return
	}
	p.ctrl.ReadFIFO(r.Buffer[off : off+length])
	r.offset = off + length
	if r.offset == len(r.Buffer) || length < int(s.ep.MaxPacketSize) {
		p.stageDone(s, r.offset)
	}
}

// stageDone completes the request bound to s successfully. A control
// transfer moves on to its next stage.
func (p *Pool) stageDone(s *slot, n int) {
	c := s.ctl
	if c == nil {
		p.finish(s, nil)
		return
	}

	r := s.req
	r.complete(n, nil)

	var next *Request
	switch r.phase {
	case PhaseSetup:
		if c.hasData() {
			next = &c.data
		} else {
			next = &c.status
		}
	case PhaseData:
		next = &c.status
	case PhaseStatus:
		c.setPhase(PhaseComplete)
		p.release(s)
		return
	}

	c.setPhase(next.phase)
	s.req = next
	in := c.Setup.IsIn()
	if next.phase == PhaseStatus {
		in = !in || !c.hasData()
	}
	if err := p.arm(s, next, in, hal.Data1); err != nil {
		p.forceClear(s)
		p.finish(s, err)
	}
}

// finish completes everything bound to s with err and frees the pipe.
func (p *Pool) finish(s *slot, err error) {
	if c := s.ctl; c != nil {
		for _, r := range c.requests() {
			r.complete(r.offset, err)
		}
		if err != nil {
			pkg.LogDebug(pkg.ComponentPipe, "control transfer failed",
				"device", c.Endpoint.Device, "request", c.Setup.Request, "phase", c.Phase(), "error", err)
		}
		c.setPhase(PhaseComplete)
	} else if r := s.req; r != nil {
		// Packets acknowledged before a failure still advanced the toggle.
		// A stall is recovered by clearing the halt, which resets it.
		if s.armed && !errors.Is(err, pkg.ErrStall) {
			s.ep.Toggle = s.reg.Toggle()
		}
		r.complete(r.offset, err)
		if err != nil {
			pkg.LogDebug(pkg.ComponentPipe, "transfer failed",
				"pipe", s.reg.Number(), "device", s.ep.Device, "endpoint", s.ep.Address(), "error", err)
		}
	}
	p.release(s)
}

func (p *Pool) release(s *slot) {
	s.reg.SetPID(hal.PIDNAK)
	s.reg.DisableEvents(hal.EventAll)
	s.reg.ClearBuffer()
	p.free(s.reg.Number())
}

func (p *Pool) free(n hal.PipeNumber) {
	s := &p.slots[n]
	s.leased = false
	s.ep = nil
	s.req = nil
	s.ctl = nil
	s.armed = false
}

// forceClear drops whatever the pipe holds after a FIFO fault.
func (p *Pool) forceClear(s *slot) {
	s.reg.SetPID(hal.PIDNAK)
	s.reg.ClearBuffer()
}

// Tick runs the idle countdown of every active transfer. A transfer whose
// countdown expires is cancelled with a timeout error.
func (p *Pool) Tick() {
	p.mu.Lock()
	for i := range p.slots {
		s := &p.slots[i]
		r := s.req
		if r == nil || !r.InProgress() || r.IdleTimeout <= 0 {
			continue
		}
		r.idle--
		if r.idle > 0 {
			continue
		}
		err := r.phase.timeoutError()
		pkg.LogDebug(pkg.ComponentPipe, "idle timeout", "pipe", i, "phase", r.phase)
		p.cancelSlot(s, err)
	}
	cbs := p.takeCallbacks()
	p.mu.Unlock()
	runCallbacks(cbs)
}

// Cancel stops r and frees its pipe. It reports false if r was not in
// flight.
func (p *Pool) Cancel(r *Request) bool {
	if r == nil {
		return false
	}
	return p.cancelWhere(func(s *slot) bool { return s.ctl == nil && s.req == r }, pkg.ErrCancelled) > 0
}

// CancelControl stops c and frees the control pipe. It reports false if c
// was not in flight.
func (p *Pool) CancelControl(c *Control) bool {
	if c == nil {
		return false
	}
	return p.cancelWhere(func(s *slot) bool { return s.ctl == c }, pkg.ErrCancelled) > 0
}

// CancelDevice cancels every transfer addressed to addr and returns how
// many were stopped.
func (p *Pool) CancelDevice(addr hal.DeviceAddress) int {
	err := fmt.Errorf("%w: %w", pkg.ErrCancelled, pkg.ErrDetached)
	return p.cancelWhere(func(s *slot) bool { return s.ep.Device == addr }, err)
}

// CancelAll cancels every transfer with err.
func (p *Pool) CancelAll(err error) int {
	if err == nil {
		err = pkg.ErrCancelled
	}
	return p.cancelWhere(func(*slot) bool { return true }, err)
}

func (p *Pool) cancelWhere(match func(*slot) bool, err error) int {
	p.mu.Lock()
	n := 0
	for i := range p.slots {
		s := &p.slots[i]
		if s.req == nil || !s.req.InProgress() || !match(s) {
			continue
		}
		p.cancelSlot(s, err)
		n++
	}
	cbs := p.takeCallbacks()
	p.mu.Unlock()
	runCallbacks(cbs)
	return n
}

func (p *Pool) cancelSlot(s *slot, err error) {
	s.reg.DisableEvents(hal.EventAll)
	s.reg.SetPID(hal.PIDNAK)
	s.reg.ClearBuffer()

	var pending []*Request
	if c := s.ctl; c != nil {
		for _, r := range c.requests() {
			if r.InProgress() {
				pending = append(pending, r)
			}
		}
	} else {
		pending = append(pending, s.req)
	}
	p.finish(s, err)
	for _, r := range pending {
		if r.OnCancel != nil {
			p.callbacks = append(p.callbacks, r)
		}
	}
}

func (p *Pool) takeCallbacks() []*Request {
	cbs := p.callbacks
	p.callbacks = nil
	return cbs
}

func runCallbacks(rs []*Request) {
	for _, r := range rs {
		r.OnCancel(r)
	}
}

// WithBus runs fn with exclusive use of the controller.
func (p *Pool) WithBus(fn func(hal.Controller)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.ctrl)
}

// InUse returns the number of leased pipes.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.slots {
		if p.slots[i].leased {
			n++
		}
	}
	return n
}

// Idle reports whether no transfer is bound to any pipe.
func (p *Pool) Idle() bool {
	return p.InUse() == 0
}

// IsCancelled reports whether err is the result of a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, pkg.ErrCancelled)
}
