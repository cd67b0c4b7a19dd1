package hid

import usbhid "github.com/ardnew/rzusb/usb/hid"

// keyNumLock is the keypad Num Lock usage.
const keyNumLock = 0x53

// usLayout maps usages to their unshifted and shifted ASCII characters.
var usLayout = map[uint8][2]byte{
	usbhid.Key1:          {'1', '!'},
	usbhid.Key2:          {'2', '@'},
	usbhid.Key3:          {'3', '#'},
	usbhid.Key4:          {'4', '$'},
	usbhid.Key5:          {'5', '%'},
	usbhid.Key6:          {'6', '^'},
	usbhid.Key7:          {'7', '&'},
	usbhid.Key8:          {'8', '*'},
	usbhid.Key9:          {'9', '('},
	usbhid.Key0:          {'0', ')'},
	usbhid.KeyEnter:      {'\r', '\r'},
	usbhid.KeyEscape:     {0x1B, 0x1B},
	usbhid.KeyBackspace:  {'\b', '\b'},
	usbhid.KeyTab:        {'\t', '\t'},
	usbhid.KeySpace:      {' ', ' '},
	usbhid.KeyMinus:      {'-', '_'},
	usbhid.KeyEqual:      {'=', '+'},
	usbhid.KeyLeftBrace:  {'[', '{'},
	usbhid.KeyRightBrace: {']', '}'},
	usbhid.KeyBackslash:  {'\\', '|'},
	usbhid.KeySemicolon:  {';', ':'},
	usbhid.KeyQuote:      {'\'', '"'},
	usbhid.KeyGrave:      {'`', '~'},
	usbhid.KeyComma:      {',', '<'},
	usbhid.KeyDot:        {'.', '>'},
	usbhid.KeySlash:      {'/', '?'},
	usbhid.KeyDelete:     {0x7F, 0x7F},
}

// ASCII translates a key press to ASCII using the US layout. It returns
// false for keys with no character, such as function and arrow keys.
// Control combined with a letter yields the matching control character.
func ASCII(key, modifiers uint8, capsLock bool) (byte, bool) {
	shift := modifiers&(usbhid.ModLeftShift|usbhid.ModRightShift) != 0
	ctrl := modifiers&(usbhid.ModLeftCtrl|usbhid.ModRightCtrl) != 0

	if key >= usbhid.KeyA && key <= usbhid.KeyZ {
		c := 'a' + key - usbhid.KeyA
		if ctrl {
			return c & 0x1F, true
		}
		if shift != capsLock {
			c -= 'a' - 'A'
		}
		return c, true
	}

	pair, ok := usLayout[key]
	if !ok {
		return 0, false
	}
	if shift {
		return pair[1], true
	}
	return pair[0], true
}

// Usage is the inverse of [ASCII]: it returns the key and modifiers that
// type c on a US layout, or false when no single key produces it.
func Usage(c byte) (key, modifiers uint8, ok bool) {
	switch {
	case c >= 'a' && c <= 'z':
		return usbhid.KeyA + c - 'a', 0, true
	case c >= 'A' && c <= 'Z':
		return usbhid.KeyA + c - 'A', usbhid.ModLeftShift, true
	case c == '\n':
		c = '\r'
	}
	for k, pair := range usLayout {
		switch c {
		case pair[0]:
			return k, 0, true
		case pair[1]:
			return k, usbhid.ModLeftShift, true
		}
	}
	return 0, 0, false
}
