package hid

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/ardnew/rzusb/host"
	"github.com/ardnew/rzusb/pkg"
	usbhid "github.com/ardnew/rzusb/usb/hid"
)

// Mouse control commands accepted by [Mouse.Control].
const (
	CommandPosition host.Command = iota + 16 // Returns the position as image.Point
	CommandButtons                           // Returns the button state as uint8
)

// MouseEvent is one decoded boot mouse report.
type MouseEvent struct {
	Buttons uint8
	X, Y    int8
	Wheel   int8
}

func (e MouseEvent) String() string {
	return fmt.Sprintf("buttons %03b move %+d,%+d wheel %+d", e.Buttons, e.X, e.Y, e.Wheel)
}

// Mouse is the boot protocol mouse driver.
type Mouse struct {
	boot

	events chan MouseEvent

	mu       sync.Mutex
	position image.Point
	buttons  uint8
}

var _ host.Driver = (*Mouse)(nil)

// NewMouse creates a mouse driver. It is the [host.DriverFactory] for
// [host.DriverMouse].
func NewMouse() host.Driver {
	return &Mouse{events: make(chan MouseEvent, EventQueueSize)}
}

// Register installs the keyboard and mouse driver factories on h.
func Register(h *host.Host) {
	h.RegisterDriver(host.DriverKeyboard, NewKeyboard)
	h.RegisterDriver(host.DriverMouse, NewMouse)
}

// Kind returns [host.DriverMouse].
func (m *Mouse) Kind() host.DriverKind {
	return host.DriverMouse
}

// Open selects the boot protocol and starts polling.
func (m *Mouse) Open(ctx context.Context, dev *host.Device) error {
	if err := m.open(ctx, dev); err != nil {
		return err
	}
	m.start(ctx, m.handle)
	pkg.LogInfo(pkg.ComponentClass, "mouse opened", "device", dev.Address())
	return nil
}

// Close stops polling.
func (m *Mouse) Close() error {
	return m.close()
}

// Events returns the channel of mouse events. Events are dropped while the
// channel is full; the position still accumulates.
func (m *Mouse) Events() <-chan MouseEvent {
	return m.events
}

// Read waits for the next event and writes it to p as a boot report.
func (m *Mouse) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) < usbhid.MouseReportSize {
		return 0, fmt.Errorf("read into %d bytes: %w", len(p), pkg.ErrBufferUnderrun)
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-m.done:
		return 0, pkg.ErrClosed
	case e := <-m.events:
		r := usbhid.MouseReport{Buttons: e.Buttons, X: e.X, Y: e.Y, Wheel: e.Wheel}
		return r.MarshalTo(p), nil
	}
}

// Write is not supported.
func (m *Mouse) Write(context.Context, []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}

// Control runs one of the mouse control commands.
func (m *Mouse) Control(_ context.Context, cmd host.Command, _ any) (any, error) {
	switch cmd {
	case CommandPosition:
		return m.Position(), nil
	case CommandButtons:
		return m.Buttons(), nil
	}
	return nil, pkg.ErrNotSupported
}

// Position returns the sum of all reported motion.
func (m *Mouse) Position() image.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// Buttons returns the button state of the last report.
func (m *Mouse) Buttons() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buttons
}

func (m *Mouse) handle(data []byte) {
	var r usbhid.MouseReport
	if !usbhid.ParseMouseReport(data, &r) {
		return
	}
	m.mu.Lock()
	m.position = m.position.Add(image.Pt(int(r.X), int(r.Y)))
	m.buttons = r.Buttons
	m.mu.Unlock()

	e := MouseEvent{Buttons: r.Buttons, X: r.X, Y: r.Y, Wheel: r.Wheel}
	select {
	case m.events <- e:
	default:
		pkg.LogDebug(pkg.ComponentClass, "mouse event dropped", "event", e)
	}
}
