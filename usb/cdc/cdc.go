// Package cdc holds the Communications Device Class wire formats used by
// the Abstract Control Model: class requests, line coding and the
// functional descriptors of the control interface.
package cdc

import (
	"encoding/binary"
	"fmt"
)

// Interface classes of an ACM function.
const (
	ClassCDC     = 0x02 // Control interface
	ClassCDCData = 0x0A // Data interface
)

// SubclassACM is the Abstract Control Model subclass.
const SubclassACM = 0x02

// ProtocolAT is the V.250 AT command protocol most modems and adapters
// report.
const ProtocolAT = 0x01

// Class requests of the ACM subclass.
const (
	RequestSetLineCoding       = 0x20
	RequestGetLineCoding       = 0x21
	RequestSetControlLineState = 0x22
	RequestSendBreak           = 0x23
)

// SET_CONTROL_LINE_STATE bits.
const (
	ControlLineDTR = 1 << iota
	ControlLineRTS
)

// CharFormat values.
const (
	StopBits1 = iota
	StopBits1_5
	StopBits2
)

// ParityType values.
const (
	ParityNone = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

// LineCodingSize is the size of a line coding structure.
const LineCodingSize = 7

// LineCoding is the serial framing set by SET_LINE_CODING.
type LineCoding struct {
	DTERate    uint32 // Baud
	CharFormat uint8  // One of the StopBits values
	ParityType uint8  // One of the Parity values
	DataBits   uint8
}

// DefaultLineCoding is 115200 8N1.
var DefaultLineCoding = LineCoding{DTERate: 115200, DataBits: 8}

// MarshalTo writes lc to buf and returns its size, or 0 if buf is too
// small.
func (lc *LineCoding) MarshalTo(buf []byte) int {
	if len(buf) < LineCodingSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf, lc.DTERate)
	buf[4], buf[5], buf[6] = lc.CharFormat, lc.ParityType, lc.DataBits
	return LineCodingSize
}

// ParseLineCoding decodes a line coding structure.
func ParseLineCoding(data []byte, out *LineCoding) bool {
	if len(data) < LineCodingSize {
		return false
	}
	*out = LineCoding{
		DTERate:    binary.LittleEndian.Uint32(data),
		CharFormat: data[4],
		ParityType: data[5],
		DataBits:   data[6],
	}
	return true
}

// String formats the coding as rate and frame, e.g. "115200 8N1".
func (lc LineCoding) String() string {
	parity := "NOEMS"
	p := byte('?')
	if int(lc.ParityType) < len(parity) {
		p = parity[lc.ParityType]
	}
	stop := "1"
	switch lc.CharFormat {
	case StopBits1_5:
		stop = "1.5"
	case StopBits2:
		stop = "2"
	}
	return fmt.Sprintf("%d %d%c%s", lc.DTERate, lc.DataBits, p, stop)
}

// Functional descriptors are class-specific interface descriptors
// (CS_INTERFACE) told apart by their subtype byte.
const (
	DescriptorTypeCSInterface = 0x24

	SubtypeHeader         = 0x00
	SubtypeCallManagement = 0x01
	SubtypeACM            = 0x02
	SubtypeUnion          = 0x06
)

// Functional descriptor sizes.
const (
	HeaderDescriptorSize         = 5
	CallManagementDescriptorSize = 5
	ACMDescriptorSize            = 4
	UnionDescriptorSize          = 5 // With one subordinate interface
)

// putFunctional writes a functional descriptor header followed by body.
func putFunctional(buf []byte, subtype uint8, body ...byte) int {
	n := 3 + len(body)
	if len(buf) < n {
		return 0
	}
	buf[0], buf[1], buf[2] = byte(n), DescriptorTypeCSInterface, subtype
	copy(buf[3:], body)
	return n
}

// isFunctional reports whether data starts with a functional descriptor of
// the given subtype and at least size bytes.
func isFunctional(data []byte, subtype uint8, size int) bool {
	return len(data) >= size && data[1] == DescriptorTypeCSInterface && data[2] == subtype
}

// HeaderDescriptor opens the functional descriptors of a control interface.
type HeaderDescriptor struct {
	CDCVersion uint16 // bcdCDC
}

// MarshalTo writes d to buf and returns its size, or 0 if buf is too small.
func (d *HeaderDescriptor) MarshalTo(buf []byte) int {
	return putFunctional(buf, SubtypeHeader, byte(d.CDCVersion), byte(d.CDCVersion>>8))
}

// CallManagementDescriptor names the data interface that carries calls.
type CallManagementDescriptor struct {
	Capabilities  uint8
	DataInterface uint8
}

// MarshalTo writes d to buf and returns its size, or 0 if buf is too small.
func (d *CallManagementDescriptor) MarshalTo(buf []byte) int {
	return putFunctional(buf, SubtypeCallManagement, d.Capabilities, d.DataInterface)
}

// ACM capability bits.
const (
	ACMCapCommFeature = 1 << iota
	ACMCapLineCoding  // Line coding and control line requests
	ACMCapSendBreak
	ACMCapNetworkConnection
)

// ACMDescriptor lists the ACM requests a function supports.
type ACMDescriptor struct {
	Capabilities uint8
}

// MarshalTo writes d to buf and returns its size, or 0 if buf is too small.
func (d *ACMDescriptor) MarshalTo(buf []byte) int {
	return putFunctional(buf, SubtypeACM, d.Capabilities)
}

// UnionDescriptor groups the control interface with its data interface.
type UnionDescriptor struct {
	ControlInterface uint8
	DataInterface    uint8 // First subordinate interface
}

// MarshalTo writes d to buf and returns its size, or 0 if buf is too small.
func (d *UnionDescriptor) MarshalTo(buf []byte) int {
	return putFunctional(buf, SubtypeUnion, d.ControlInterface, d.DataInterface)
}

// ParseUnionDescriptor decodes a union descriptor with at least one
// subordinate interface.
func ParseUnionDescriptor(data []byte, out *UnionDescriptor) bool {
	if !isFunctional(data, SubtypeUnion, UnionDescriptorSize) {
		return false
	}
	*out = UnionDescriptor{ControlInterface: data[3], DataInterface: data[4]}
	return true
}
