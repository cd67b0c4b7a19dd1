package hid

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/rzusb/host"
	"github.com/ardnew/rzusb/pkg"
	usbhid "github.com/ardnew/rzusb/usb/hid"
)

// Keyboard control commands accepted by [Keyboard.Control].
const (
	CommandSetLEDs host.Command = iota + 1 // Sets the LED output report; arg is uint8
	CommandLEDs                            // Returns the LED state as uint8
)

// Buffer sizes of the keyboard driver.
const (
	EventQueueSize = 32
	InputSize      = 256
)

// Event is a key press or release.
type Event struct {
	Key       uint8 // Usage ID
	Modifiers uint8 // Modifier bits at the time of the event
	Pressed   bool
	ASCII     byte // Translated character of a press, or 0
}

func (e Event) String() string {
	action := "release"
	if e.Pressed {
		action = "press"
	}
	if e.ASCII >= 0x20 && e.ASCII < 0x7F {
		return fmt.Sprintf("%s %#02x %q", action, e.Key, e.ASCII)
	}
	return fmt.Sprintf("%s %#02x", action, e.Key)
}

// Keyboard is the boot protocol keyboard driver.
type Keyboard struct {
	boot

	events chan Event

	mu     sync.Mutex
	prev   usbhid.KeyboardReport
	leds   uint8
	input  []byte
	notify chan struct{}
}

var _ host.Driver = (*Keyboard)(nil)

// NewKeyboard creates a keyboard driver. It is the [host.DriverFactory]
// for [host.DriverKeyboard].
func NewKeyboard() host.Driver {
	return &Keyboard{
		events: make(chan Event, EventQueueSize),
		notify: make(chan struct{}, 1),
	}
}

// Kind returns [host.DriverKeyboard].
func (k *Keyboard) Kind() host.DriverKind {
	return host.DriverKeyboard
}

// Open selects the boot protocol, clears the LEDs and starts polling.
func (k *Keyboard) Open(ctx context.Context, dev *host.Device) error {
	if err := k.open(ctx, dev); err != nil {
		return err
	}
	if err := k.SetLEDs(ctx, 0); err != nil {
		pkg.LogDebug(pkg.ComponentClass, "keyboard LED report failed", "device", dev.Address(), "error", err)
	}
	k.start(ctx, k.handle)
	pkg.LogInfo(pkg.ComponentClass, "keyboard opened", "device", dev.Address())
	return nil
}

// Close stops polling.
func (k *Keyboard) Close() error {
	return k.close()
}

// Events returns the channel of key events. Events are dropped while the
// channel is full.
func (k *Keyboard) Events() <-chan Event {
	return k.events
}

// Read copies typed ASCII characters into p. It blocks until at least one
// character is available, the driver closes or ctx ends.
func (k *Keyboard) Read(ctx context.Context, p []byte) (int, error) {
	for {
		k.mu.Lock()
		if len(k.input) > 0 {
			n := copy(p, k.input)
			k.input = k.input[n:]
			k.mu.Unlock()
			return n, nil
		}
		k.mu.Unlock()

		if k.closed.Load() {
			return 0, pkg.ErrClosed
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-k.done:
			// Deliver anything queued before the loop ended.
			k.closed.Store(true)
		case <-k.notify:
		}
	}
}

// Write is not supported.
func (k *Keyboard) Write(context.Context, []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}

// Control runs one of the keyboard control commands.
func (k *Keyboard) Control(ctx context.Context, cmd host.Command, arg any) (any, error) {
	switch cmd {
	case CommandSetLEDs:
		leds, ok := arg.(uint8)
		if !ok {
			return nil, fmt.Errorf("LED state %T: %w", arg, pkg.ErrInvalidParameter)
		}
		return nil, k.SetLEDs(ctx, leds)
	case CommandLEDs:
		return k.LEDs(), nil
	}
	return nil, pkg.ErrNotSupported
}

// LEDs returns the LED state last sent to the keyboard.
func (k *Keyboard) LEDs() uint8 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.leds
}

// SetLEDs sends the LED output report.
func (k *Keyboard) SetLEDs(ctx context.Context, leds uint8) error {
	report := []byte{leds}
	if err := k.classRequest(ctx, usbhid.RequestSetReport, usbhid.ReportTypeOutput<<8, report); err != nil {
		return fmt.Errorf("set LEDs: %w", err)
	}
	k.mu.Lock()
	k.leds = leds
	k.mu.Unlock()
	return nil
}

// handle compares a report with the previous one and emits the
// differences.
func (k *Keyboard) handle(data []byte) {
	var r usbhid.KeyboardReport
	if !usbhid.ParseKeyboardReport(data, &r) {
		return
	}
	if r.Phantom() {
		return
	}

	k.mu.Lock()
	prev := k.prev
	k.prev = r
	leds := k.leds
	k.mu.Unlock()

	for _, key := range prev.Keys {
		if key != 0 && !r.Pressed(key) {
			k.emit(Event{Key: key, Modifiers: r.Modifiers})
		}
	}

	toggled := leds
	for _, key := range r.Keys {
		if key == 0 || prev.Pressed(key) {
			continue
		}
		switch key {
		case usbhid.KeyCapsLock:
			toggled ^= usbhid.LEDCapsLock
		case usbhid.KeyScrollLock:
			toggled ^= usbhid.LEDScrollLock
		case keyNumLock:
			toggled ^= usbhid.LEDNumLock
		}
		e := Event{Key: key, Modifiers: r.Modifiers, Pressed: true}
		if c, ok := ASCII(key, r.Modifiers, toggled&usbhid.LEDCapsLock != 0); ok {
			e.ASCII = c
			k.enqueue(c)
		}
		k.emit(e)
	}

	if toggled != leds {
		if err := k.SetLEDs(k.ctx, toggled); err != nil {
			pkg.LogDebug(pkg.ComponentClass, "keyboard LED report failed", "device", k.dev.Address(), "error", err)
		}
	}
}

func (k *Keyboard) emit(e Event) {
	select {
	case k.events <- e:
	default:
		pkg.LogDebug(pkg.ComponentClass, "keyboard event dropped", "event", e)
	}
}

// enqueue appends c to the input buffer, dropping the oldest character when
// the buffer is full.
func (k *Keyboard) enqueue(c byte) {
	k.mu.Lock()
	if len(k.input) >= InputSize {
		k.input = k.input[1:]
	}
	k.input = append(k.input, c)
	k.mu.Unlock()

	select {
	case k.notify <- struct{}{}:
	default:
	}
}
