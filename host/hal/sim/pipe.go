package sim

import (
	"fmt"

	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/pkg"
)

// pipe is the register group of one simulated pipe. Fields are guarded by
// the owning controller's mutex.
type pipe struct {
	c *Controller
	n hal.PipeNumber

	cfg    hal.PipeConfig
	pid    hal.PID
	toggle hal.Toggle
	mask   hal.Event

	rx      []byte
	rxValid bool
	tx      []byte
	txValid bool
}

var _ hal.Pipe = (*pipe)(nil)

func (p *pipe) reset() {
	p.cfg = hal.PipeConfig{}
	p.pid = hal.PIDNAK
	p.toggle = hal.Data0
	p.mask = 0
	p.rx, p.rxValid = p.rx[:0], false
	p.tx, p.txValid = p.tx[:0], false
}

func (p *pipe) Number() hal.PipeNumber { return p.n }

func (p *pipe) Configure(cfg hal.PipeConfig) error {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	if p.pid != hal.PIDNAK {
		return fmt.Errorf("configure pipe %d: %w", p.n, pkg.ErrBusy)
	}
	if !p.n.Serves(cfg.Type) {
		return fmt.Errorf("pipe %d cannot carry %v: %w", p.n, cfg.Type, pkg.ErrInvalidParameter)
	}
	p.cfg = cfg
	return nil
}

func (p *pipe) Config() hal.PipeConfig {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.cfg
}

func (p *pipe) SetPID(pid hal.PID) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	p.pid = pid
}

func (p *pipe) PID() hal.PID {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.pid
}

func (p *pipe) SetToggle(t hal.Toggle) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	p.toggle = t
}

func (p *pipe) Toggle() hal.Toggle {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.toggle
}

func (p *pipe) ClearBuffer() {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	p.rx, p.rxValid = p.rx[:0], false
	p.tx, p.txValid = p.tx[:0], false
}

func (p *pipe) EnableEvents(e hal.Event) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	p.mask |= e
}

func (p *pipe) DisableEvents(e hal.Event) {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	p.mask &^= e
	// Masked sources drop their pending events.
	kept := p.c.events[:0]
	for _, ev := range p.c.events {
		if ev.Pipe != p.n || ev.Event&e == 0 {
			kept = append(kept, ev)
		}
	}
	p.c.events = kept
}

func (p *pipe) Events() hal.Event {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.mask
}
