package cdc

import "testing"

func TestLineCoding_RoundTrip(t *testing.T) {
	want := LineCoding{DTERate: 9600, CharFormat: StopBits2, ParityType: ParityEven, DataBits: 7}

	var buf [LineCodingSize]byte
	want.MarshalTo(buf[:])

	var got LineCoding
	if !ParseLineCoding(buf[:], &got) {
		t.Fatal("ParseLineCoding() returned false")
	}
	if got != want {
		t.Errorf("ParseLineCoding() = %+v, want %+v", got, want)
	}
}

func TestLineCoding_String(t *testing.T) {
	tests := []struct {
		lc   LineCoding
		want string
	}{
		{DefaultLineCoding, "115200 8N1"},
		{LineCoding{DTERate: 9600, CharFormat: StopBits2, ParityType: ParityEven, DataBits: 7}, "9600 7E2"},
		{LineCoding{DTERate: 300, CharFormat: StopBits1_5, ParityType: 9, DataBits: 5}, "300 5?1.5"},
	}

	for _, tt := range tests {
		if got := tt.lc.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseUnionDescriptor(t *testing.T) {
	d := UnionDescriptor{ControlInterface: 0, DataInterface: 1}
	var buf [UnionDescriptorSize]byte
	d.MarshalTo(buf[:])

	var got UnionDescriptor
	if !ParseUnionDescriptor(buf[:], &got) {
		t.Fatal("ParseUnionDescriptor() returned false")
	}
	if got.DataInterface != 1 {
		t.Errorf("DataInterface = %d, want 1", got.DataInterface)
	}

	var acm [ACMDescriptorSize]byte
	(&ACMDescriptor{}).MarshalTo(acm[:])
	if ParseUnionDescriptor(acm[:], &got) {
		t.Error("ParseUnionDescriptor() accepted an ACM descriptor")
	}
}

func TestFunctionalDescriptors(t *testing.T) {
	tests := []struct {
		name string
		m    interface{ MarshalTo([]byte) int }
		want []byte
	}{
		{"header", &HeaderDescriptor{CDCVersion: 0x0110}, []byte{5, 0x24, 0x00, 0x10, 0x01}},
		{"call management", &CallManagementDescriptor{DataInterface: 1}, []byte{5, 0x24, 0x01, 0, 1}},
		{"acm", &ACMDescriptor{Capabilities: ACMCapLineCoding | ACMCapSendBreak}, []byte{4, 0x24, 0x02, 0x06}},
		{"union", &UnionDescriptor{ControlInterface: 2, DataInterface: 3}, []byte{5, 0x24, 0x06, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, 8)
			n := tt.m.MarshalTo(buf)
			if string(buf[:n]) != string(tt.want) {
				t.Errorf("MarshalTo() = % x, want % x", buf[:n], tt.want)
			}
			if tt.m.MarshalTo(buf[:len(tt.want)-1]) != 0 {
				t.Error("MarshalTo() into a short buffer wrote bytes")
			}
		})
	}
}
