package hid

import "testing"

func TestKeyboardReport_RoundTrip(t *testing.T) {
	var r KeyboardReport
	r.Modifiers = ModLeftShift
	r.SetKey(KeyA)
	r.SetKey(Key1)

	var buf [KeyboardReportSize]byte
	r.MarshalTo(buf[:])

	var got KeyboardReport
	if !ParseKeyboardReport(buf[:], &got) {
		t.Fatal("ParseKeyboardReport() returned false")
	}
	if got != r {
		t.Errorf("ParseKeyboardReport() = %+v, want %+v", got, r)
	}
	if !got.Pressed(KeyA) || got.Pressed(KeyB) {
		t.Error("Pressed() mismatch")
	}

	if got.Phantom() {
		t.Error("Phantom() = true")
	}
	if buf[1] != 0 {
		t.Errorf("reserved byte = %#x", buf[1])
	}
}

func TestKeyboardReport_Slots(t *testing.T) {
	var r KeyboardReport
	for k := uint8(KeyA); k < KeyA+6; k++ {
		if !r.SetKey(k) {
			t.Fatalf("SetKey(%#x) = false", k)
		}
	}
	if !r.SetKey(KeyA) {
		t.Error("SetKey() of a held key = false")
	}
	if r.SetKey(KeyZ) {
		t.Error("SetKey() into a full report = true")
	}

	rollOver := []byte{0, 0, 1, 1, 1, 1, 1, 1}
	if !ParseKeyboardReport(rollOver, &r) || !r.Phantom() {
		t.Error("roll-over report not reported as phantom")
	}
}

func TestUsageValues(t *testing.T) {
	for _, tt := range []struct {
		name string
		got  uint8
		want uint8
	}{
		{"A", KeyA, 0x04},
		{"Z", KeyZ, 0x1D},
		{"1", Key1, 0x1E},
		{"0", Key0, 0x27},
		{"Enter", KeyEnter, 0x28},
		{"Space", KeySpace, 0x2C},
		{"Semicolon", KeySemicolon, 0x33},
		{"Slash", KeySlash, 0x38},
		{"CapsLock", KeyCapsLock, 0x39},
		{"F1", KeyF1, 0x3A},
	} {
		if tt.got != tt.want {
			t.Errorf("Key%s = %#02x, want %#02x", tt.name, tt.got, tt.want)
		}
	}
}

func TestParseMouseReport(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want MouseReport
		ok   bool
	}{
		{"with wheel", []byte{MouseButtonLeft, 0xFF, 0x05, 0x01}, MouseReport{MouseButtonLeft, -1, 5, 1}, true},
		{"boot minimum", []byte{0, 0x10, 0xF0}, MouseReport{0, 16, -16, 0}, true},
		{"short", []byte{0, 1}, MouseReport{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got MouseReport
			if ok := ParseMouseReport(tt.data, &got); ok != tt.ok {
				t.Fatalf("ParseMouseReport() = %v, want %v", ok, tt.ok)
			}
			if tt.ok && got != tt.want {
				t.Errorf("ParseMouseReport() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHIDDescriptor(t *testing.T) {
	d := HIDDescriptor{HIDVersion: 0x0111, NumDescriptors: 1, ReportDescLen: uint16(len(KeyboardReportDescriptor))}
	var buf [HIDDescriptorSize]byte
	d.MarshalTo(buf[:])

	var got HIDDescriptor
	if !ParseHIDDescriptor(buf[:], &got) {
		t.Fatal("ParseHIDDescriptor() returned false")
	}
	if got.ReportDescLen != d.ReportDescLen || got.HIDVersion != 0x0111 {
		t.Errorf("ParseHIDDescriptor() = %+v", got)
	}
}
