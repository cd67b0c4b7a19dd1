// Package hid holds the HID class wire formats used by boot keyboards and
// mice: class requests, the HID descriptor, boot report layouts and usage
// codes.
package hid

// Interface subclass and protocol of boot devices.
const (
	SubclassBoot     = 0x01
	ProtocolKeyboard = 0x01
	ProtocolMouse    = 0x02
)

// Class descriptor types.
const (
	DescriptorTypeHID    = 0x21
	DescriptorTypeReport = 0x22
)

// Class requests.
const (
	RequestGetReport   = 0x01
	RequestGetIdle     = 0x02
	RequestGetProtocol = 0x03
	RequestSetReport   = 0x09
	RequestSetIdle     = 0x0A
	RequestSetProtocol = 0x0B
)

// ReportTypeOutput is the high byte of wValue in SET_REPORT for an output
// report, such as the keyboard LEDs.
const ReportTypeOutput = 0x02

// SET_PROTOCOL values.
const (
	ProtocolBoot   = 0x00
	ProtocolReport = 0x01
)

// HIDDescriptorSize is the size of a HID descriptor listing one report
// descriptor.
const HIDDescriptorSize = 9

// HIDDescriptor is the class descriptor that follows a HID interface.
type HIDDescriptor struct {
	HIDVersion     uint16 // bcdHID
	CountryCode    uint8
	NumDescriptors uint8
	ReportDescLen  uint16 // wDescriptorLength of the report descriptor
}

// ParseHIDDescriptor decodes a HID descriptor whose first class
// descriptor is a report descriptor.
func ParseHIDDescriptor(data []byte, out *HIDDescriptor) bool {
	if len(data) < HIDDescriptorSize || data[1] != DescriptorTypeHID || data[6] != DescriptorTypeReport {
		return false
	}
	*out = HIDDescriptor{
		HIDVersion:     uint16(data[2]) | uint16(data[3])<<8,
		CountryCode:    data[4],
		NumDescriptors: data[5],
		ReportDescLen:  uint16(data[7]) | uint16(data[8])<<8,
	}
	return true
}

// MarshalTo writes d to buf and returns its size, or 0 if buf is too small.
func (d *HIDDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < HIDDescriptorSize {
		return 0
	}
	copy(buf, []byte{
		HIDDescriptorSize, DescriptorTypeHID,
		byte(d.HIDVersion), byte(d.HIDVersion >> 8),
		d.CountryCode, d.NumDescriptors,
		DescriptorTypeReport, byte(d.ReportDescLen), byte(d.ReportDescLen >> 8),
	})
	return HIDDescriptorSize
}

// Modifier bits, the first byte of a keyboard report.
const (
	ModLeftCtrl = 1 << iota
	ModLeftShift
	ModLeftAlt
	ModLeftGUI
	ModRightCtrl
	ModRightShift
	ModRightAlt
	ModRightGUI
)

// LED bits of the keyboard output report.
const (
	LEDNumLock = 1 << iota
	LEDCapsLock
	LEDScrollLock
)

// Keyboard usages (HID Usage Tables, page 0x07).
const (
	KeyErrorRollOver = 0x01 // Reported in every slot when too many keys are down

	KeyA = 0x04 + iota - 1
	KeyB
	KeyC
	KeyD
	KeyE
	KeyF
	KeyG
	KeyH
	KeyI
	KeyJ
	KeyK
	KeyL
	KeyM
	KeyN
	KeyO
	KeyP
	KeyQ
	KeyR
	KeyS
	KeyT
	KeyU
	KeyV
	KeyW
	KeyX
	KeyY
	KeyZ
	Key1
	Key2
	Key3
	Key4
	Key5
	Key6
	Key7
	Key8
	Key9
	Key0
	KeyEnter
	KeyEscape
	KeyBackspace
	KeyTab
	KeySpace
	KeyMinus
	KeyEqual
	KeyLeftBrace
	KeyRightBrace
	KeyBackslash
	_ // Non-US #
	KeySemicolon
	KeyQuote
	KeyGrave
	KeyComma
	KeyDot
	KeySlash
	KeyCapsLock
	KeyF1
)

// Navigation usages.
const (
	KeyScrollLock = 0x47
	KeyDelete     = 0x4C
	KeyRight      = 0x4F
	KeyLeft       = 0x50
	KeyDown       = 0x51
	KeyUp         = 0x52
)

// Mouse button bits.
const (
	MouseButtonLeft = 1 << iota
	MouseButtonRight
	MouseButtonMiddle
)

// KeyboardReportDescriptor describes the 8 byte boot keyboard report:
// modifiers, a reserved byte and six key slots, plus a 5 bit LED output.
var KeyboardReportDescriptor = []byte{
	0x05, 0x01, 0x09, 0x06, 0xA1, 0x01, // Generic Desktop, Keyboard, Application collection
	0x05, 0x07, 0x19, 0xE0, 0x29, 0xE7, // Modifiers: usages E0..E7
	0x15, 0x00, 0x25, 0x01, 0x75, 0x01, 0x95, 0x08, 0x81, 0x02, //   8 x 1 bit input
	0x95, 0x01, 0x75, 0x08, 0x81, 0x01, // Reserved byte
	0x95, 0x05, 0x75, 0x01, 0x05, 0x08, 0x19, 0x01, 0x29, 0x05, 0x91, 0x02, // LEDs: 5 x 1 bit output
	0x95, 0x01, 0x75, 0x03, 0x91, 0x01, //   padding to a byte
	0x95, 0x06, 0x75, 0x08, 0x15, 0x00, 0x26, 0xFF, 0x00, // Key slots: 6 x 8 bit
	0x05, 0x07, 0x19, 0x00, 0x2A, 0xFF, 0x00, 0x81, 0x00, //   array input
	0xC0,
}

// MouseReportDescriptor describes the boot mouse report with a wheel:
// three buttons then relative X, Y and wheel bytes.
var MouseReportDescriptor = []byte{
	0x05, 0x01, 0x09, 0x02, 0xA1, 0x01, // Generic Desktop, Mouse, Application collection
	0x09, 0x01, 0xA1, 0x00, // Pointer, Physical collection
	0x05, 0x09, 0x19, 0x01, 0x29, 0x03, // Buttons 1..3
	0x15, 0x00, 0x25, 0x01, 0x95, 0x03, 0x75, 0x01, 0x81, 0x02, //   3 x 1 bit input
	0x95, 0x01, 0x75, 0x05, 0x81, 0x01, //   padding to a byte
	0x05, 0x01, 0x09, 0x30, 0x09, 0x31, 0x09, 0x38, // X, Y, Wheel
	0x15, 0x81, 0x25, 0x7F, 0x75, 0x08, 0x95, 0x03, 0x81, 0x06, //   3 x 8 bit relative input
	0xC0, 0xC0,
}

// KeyboardReportSize is the size of a boot keyboard report.
const KeyboardReportSize = 8

// KeyboardReport is a boot keyboard input report.
type KeyboardReport struct {
	Modifiers uint8
	Keys      [6]uint8 // Usages of the keys held down, 0 in unused slots
}

// MarshalTo writes r to buf and returns its size, or 0 if buf is too small.
func (r *KeyboardReport) MarshalTo(buf []byte) int {
	if len(buf) < KeyboardReportSize {
		return 0
	}
	buf[0], buf[1] = r.Modifiers, 0
	copy(buf[2:], r.Keys[:])
	return KeyboardReportSize
}

// ParseKeyboardReport decodes a boot keyboard report.
func ParseKeyboardReport(data []byte, out *KeyboardReport) bool {
	if len(data) < KeyboardReportSize {
		return false
	}
	out.Modifiers = data[0]
	copy(out.Keys[:], data[2:KeyboardReportSize])
	return true
}

// Phantom reports whether the keyboard signalled roll-over instead of the
// keys held down.
func (r *KeyboardReport) Phantom() bool {
	return r.Keys[0] == KeyErrorRollOver
}

// Pressed reports whether key is held down in r.
func (r *KeyboardReport) Pressed(key uint8) bool {
	for _, k := range r.Keys {
		if k == key {
			return true
		}
	}
	return false
}

// SetKey puts key in the first free slot. It returns false if all six are
// taken.
func (r *KeyboardReport) SetKey(key uint8) bool {
	for i, k := range r.Keys {
		switch k {
		case key:
			return true
		case 0:
			r.Keys[i] = key
			return true
		}
	}
	return false
}

// MouseReportSize is the size of a boot mouse report with a wheel byte.
const MouseReportSize = 4

// MouseReport is a boot mouse input report.
type MouseReport struct {
	Buttons uint8
	X, Y    int8
	Wheel   int8
}

// MarshalTo writes r to buf and returns its size, or 0 if buf is too small.
func (r *MouseReport) MarshalTo(buf []byte) int {
	if len(buf) < MouseReportSize {
		return 0
	}
	buf[0], buf[1], buf[2], buf[3] = r.Buttons, byte(r.X), byte(r.Y), byte(r.Wheel)
	return MouseReportSize
}

// ParseMouseReport decodes a boot mouse report. Boot mice need not send
// the wheel byte.
func ParseMouseReport(data []byte, out *MouseReport) bool {
	if len(data) < 3 {
		return false
	}
	*out = MouseReport{Buttons: data[0], X: int8(data[1]), Y: int8(data[2])}
	if len(data) > 3 {
		out.Wheel = int8(data[3])
	}
	return true
}
