// Package hid implements host drivers for HID boot protocol keyboards and
// mice.
//
// Both drivers switch the device to the boot protocol with SET_PROTOCOL,
// disable idle reports with SET_IDLE(0) and then poll the interrupt IN
// endpoint on their own goroutine until the device detaches or the host
// stops.
//
// The keyboard driver turns boot reports into press and release [Event]
// values and translates presses to ASCII using the US layout. Caps Lock and
// Scroll Lock toggle the keyboard LEDs through the output report. The
// mouse driver decodes buttons, relative motion and the wheel into
// [MouseEvent] values and tracks an absolute position.
package hid
