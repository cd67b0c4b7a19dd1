package sim

import (
	"sync"

	"github.com/ardnew/rzusb/host/hal"
)

// Port is a root port or a hub downstream port.
type Port struct {
	mu sync.Mutex

	fn   Function
	addr hal.DeviceAddress

	powered     bool
	enabled     bool
	suspended   bool
	overCurrent bool

	connectChange bool
	enableChange  bool
	resetChange   bool
}

// Attach plugs fn into the port. Any previous function is unplugged first.
func (p *Port) Attach(fn Function) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fn = fn
	p.addr = 0
	p.enabled = false
	p.connectChange = true
}

// Detach unplugs the attached function.
func (p *Port) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fn == nil {
		return
	}
	p.fn = nil
	p.addr = 0
	if p.enabled {
		p.enableChange = true
	}
	p.enabled = false
	p.connectChange = true
}

// Function returns the attached function, or nil.
func (p *Port) Function() Function {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fn
}

// Address returns the address the attached function answers to.
func (p *Port) Address() hal.DeviceAddress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Enabled reports whether the port forwards traffic.
func (p *Port) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *Port) status() hal.PortStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := hal.PortStatus{
		Connected:     p.fn != nil && p.powered,
		Enabled:       p.enabled,
		Suspended:     p.suspended,
		OverCurrent:   p.overCurrent,
		PowerOn:       p.powered,
		ConnectChange: p.connectChange,
		EnableChange:  p.enableChange,
		ResetChange:   p.resetChange,
	}
	if s.Connected {
		s.Speed = p.fn.Speed()
	}
	return s
}

func (p *Port) setPower(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.powered == on {
		return
	}
	p.powered = on
	if !on {
		p.enabled = false
		p.addr = 0
	}
	if p.fn != nil {
		p.connectChange = true
	}
}

// reset drives bus reset. The function comes back at address 0.
func (p *Port) reset() {
	p.mu.Lock()
	fn := p.fn
	connected := fn != nil && p.powered
	p.addr = 0
	p.enabled = connected
	p.suspended = false
	p.resetChange = true
	p.mu.Unlock()

	if connected {
		fn.Reset()
	}
}

func (p *Port) enable(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on && (p.fn == nil || !p.powered) {
		return
	}
	p.enabled = on
}

func (p *Port) suspend(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = on && p.enabled
}

func (p *Port) clearChanges(connect, enable, reset bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if connect {
		p.connectChange = false
	}
	if enable {
		p.enableChange = false
	}
	if reset {
		p.resetChange = false
	}
}

func (p *Port) hasChange() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectChange || p.enableChange || p.resetChange
}

// target returns the function reachable through the port, if enabled.
func (p *Port) target() (Function, hal.DeviceAddress, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fn == nil || !p.enabled || p.suspended {
		return nil, 0, false
	}
	return p.fn, p.addr, true
}

func (p *Port) setAddress(addr hal.DeviceAddress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addr = addr
}

// route finds the port whose function answers to addr in the tree below
// ports.
func route(ports []*Port, addr hal.DeviceAddress) *Port {
	for _, p := range ports {
		fn, a, ok := p.target()
		if !ok {
			continue
		}
		if a == addr {
			return p
		}
		if d, isHub := fn.(downstream); isHub {
			if found := route(d.ports(), addr); found != nil {
				return found
			}
		}
	}
	return nil
}
