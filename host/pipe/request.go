package pipe

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/pkg"
)

// Endpoint is the far end of a transfer. The pool updates Toggle as packets
// are acknowledged, so an Endpoint must not be shared by transfers running
// at the same time.
type Endpoint struct {
	Device        hal.DeviceAddress
	Number        uint8
	In            bool
	Type          hal.TransferType
	MaxPacketSize uint16
	Interval      uint8
	Speed         hal.Speed
	Toggle        hal.Toggle
}

// Address returns the endpoint address with the direction bit.
func (e *Endpoint) Address() uint8 {
	if e.In {
		return e.Number | 0x80
	}
	return e.Number
}

// Phase is the stage a control transfer has reached.
type Phase uint8

// Control transfer phases.
const (
	PhaseIdle Phase = iota
	PhaseSetup
	PhaseData
	PhaseStatus
	PhaseComplete
)

var phaseNames = [...]string{"idle", "setup", "data", "status", "complete"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// timeoutError returns the error a request in phase p reports when its
// idle countdown expires.
func (p Phase) timeoutError() error {
	switch p {
	case PhaseSetup:
		return pkg.ErrSetupTimeout
	case PhaseData:
		return pkg.ErrDataTimeout
	case PhaseStatus:
		return pkg.ErrStatusTimeout
	default:
		return pkg.ErrIdleTimeout
	}
}

// Request moves bytes between Buffer and one bulk or interrupt endpoint.
// A Request may be reused once it has completed.
type Request struct {
	Endpoint *Endpoint
	Buffer   []byte

	// IdleTimeout is the number of ticks the request may go without a pipe
	// event before it is cancelled. Zero disables the countdown.
	IdleTimeout int

	// OnCancel runs after the request has been cancelled, outside the pool
	// lock.
	OnCancel func(*Request)

	inProgress atomic.Bool

	mu   sync.Mutex
	done chan struct{}
	n    int
	err  error

	// Guarded by the pool lock while in progress.
	phase   Phase
	idle    int
	offset  int
	pending int
}

// arm prepares the request for a new submission.
func (r *Request) arm(phase Phase) {
	r.mu.Lock()
	r.done = make(chan struct{})
	r.n, r.err = 0, nil
	r.mu.Unlock()
	r.phase = phase
	r.idle = r.IdleTimeout
	r.offset = 0
	r.pending = 0
	r.inProgress.Store(true)
}

// complete records the outcome and wakes waiters. Only the first call for
// a submission has any effect.
func (r *Request) complete(n int, err error) bool {
	if !r.inProgress.CompareAndSwap(true, false) {
		return false
	}
	r.mu.Lock()
	r.n, r.err = n, err
	close(r.done)
	r.mu.Unlock()
	return true
}

// Done returns a channel closed when the current submission completes. It
// is nil before the first submission.
func (r *Request) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Wait blocks until the request completes or ctx is done. It does not
// cancel the request.
func (r *Request) Wait(ctx context.Context) (int, error) {
	done := r.Done()
	if done == nil {
		return 0, pkg.ErrInvalidParameter
	}
	select {
	case <-done:
		return r.Result()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Result returns the bytes transferred and the error of the last completed
// submission.
func (r *Request) Result() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n, r.err
}

// InProgress reports whether the request is bound to a pipe.
func (r *Request) InProgress() bool {
	return r.inProgress.Load()
}

// Status returns the transfer status of the last completed submission.
func (r *Request) Status() pkg.TransferStatus {
	_, err := r.Result()
	return pkg.StatusOf(err)
}

// Control is a control transfer on an endpoint zero. It runs as three
// requests submitted together; the data stage is skipped when the setup
// packet has no length.
type Control struct {
	Endpoint *Endpoint
	Setup    hal.SetupPacket

	// Data is the data stage buffer. At most Setup.Length bytes are moved.
	Data []byte

	// IdleTimeout applies to each stage separately.
	IdleTimeout int

	setup  Request
	data   Request
	status Request

	phase atomic.Uint32
}

func (c *Control) hasData() bool {
	return c.Setup.Length > 0 && len(c.Data) > 0
}

// requests returns the stage requests in order.
func (c *Control) requests() []*Request {
	if c.hasData() {
		return []*Request{&c.setup, &c.data, &c.status}
	}
	return []*Request{&c.setup, &c.status}
}

// Phase returns the stage the transfer is in.
func (c *Control) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *Control) setPhase(p Phase) {
	c.phase.Store(uint32(p))
}

// Done returns a channel closed when the transfer completes.
func (c *Control) Done() <-chan struct{} {
	return c.status.Done()
}

// Wait blocks until the transfer completes or ctx is done.
func (c *Control) Wait(ctx context.Context) (int, error) {
	done := c.Done()
	if done == nil {
		return 0, pkg.ErrInvalidParameter
	}
	select {
	case <-done:
		return c.Result()
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Result returns the data stage length and the error of the first stage
// that failed.
func (c *Control) Result() (int, error) {
	_, err := c.status.Result()
	if !c.hasData() {
		return 0, err
	}
	n, _ := c.data.Result()
	return n, err
}

// InProgress reports whether any stage is still pending.
func (c *Control) InProgress() bool {
	return c.status.InProgress()
}
