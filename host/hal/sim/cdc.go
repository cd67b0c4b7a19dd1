package sim

import (
	"sync"

	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/usb"
	"github.com/ardnew/rzusb/usb/cdc"
)

// Endpoint numbers of the simulated serial adapter.
const (
	serialDataIn   = 1
	serialDataOut  = 2
	serialNotifyIn = 3
)

// Serial is a simulated CDC ACM serial adapter that echoes everything
// written to it.
type Serial struct {
	Base

	mu     sync.Mutex
	coding cdc.LineCoding
	lines  uint16
	echo   []byte
	breaks int
}

var _ Function = (*Serial)(nil)

// NewSerial creates an ACM serial adapter.
func NewSerial() *Serial {
	s := &Serial{coding: cdc.DefaultLineCoding}
	s.Device = usb.DeviceDescriptor{
		USBVersion:        0x0200,
		DeviceClass:       usb.ClassCDC,
		MaxPacketSize0:    64,
		VendorID:          0x2341,
		ProductID:         0x0043,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		NumConfigurations: 1,
	}
	s.Strings = []string{"RZUSB", "Serial Port"}

	header := cdc.HeaderDescriptor{CDCVersion: 0x0110}
	callMgmt := cdc.CallManagementDescriptor{DataInterface: 1}
	acm := cdc.ACMDescriptor{Capabilities: cdc.ACMCapLineCoding | cdc.ACMCapSendBreak}
	union := cdc.UnionDescriptor{ControlInterface: 0, DataInterface: 1}

	extra := [][]byte{
		make([]byte, cdc.HeaderDescriptorSize),
		make([]byte, cdc.CallManagementDescriptorSize),
		make([]byte, cdc.ACMDescriptorSize),
		make([]byte, cdc.UnionDescriptorSize),
	}
	header.MarshalTo(extra[0])
	callMgmt.MarshalTo(extra[1])
	acm.MarshalTo(extra[2])
	union.MarshalTo(extra[3])

	s.Config = usb.Configuration{
		Descriptor: usb.ConfigurationDescriptor{
			ConfigurationValue: 1,
			Attributes:         usb.ConfigAttrBusPowered,
			MaxPower:           50,
		},
		Interfaces: []usb.Interface{
			{
				Descriptor: usb.InterfaceDescriptor{
					InterfaceNumber:   0,
					InterfaceClass:    cdc.ClassCDC,
					InterfaceSubClass: cdc.SubclassACM,
					InterfaceProtocol: cdc.ProtocolAT,
				},
				Extra: extra,
				Endpoints: []usb.EndpointDescriptor{{
					EndpointAddress: usb.EndpointDirectionIn | serialNotifyIn,
					Attributes:      usb.EndpointTypeInterrupt,
					MaxPacketSize:   8,
					Interval:        16,
				}},
			},
			{
				Descriptor: usb.InterfaceDescriptor{
					InterfaceNumber: 1,
					InterfaceClass:  cdc.ClassCDCData,
				},
				Endpoints: []usb.EndpointDescriptor{
					{
						EndpointAddress: usb.EndpointDirectionOut | serialDataOut,
						Attributes:      usb.EndpointTypeBulk,
						MaxPacketSize:   64,
					},
					{
						EndpointAddress: usb.EndpointDirectionIn | serialDataIn,
						Attributes:      usb.EndpointTypeBulk,
						MaxPacketSize:   64,
					},
				},
			},
		},
	}
	return s
}

// LineCoding returns the line coding set by the host.
func (s *Serial) LineCoding() cdc.LineCoding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coding
}

// ControlLines returns the DTR and RTS state set by the host.
func (s *Serial) ControlLines() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}

// Breaks returns how many SEND_BREAK requests were received.
func (s *Serial) Breaks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breaks
}

func (s *Serial) Reset() {
	s.Base.Reset()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coding = cdc.DefaultLineCoding
	s.lines = 0
	s.echo = nil
}

// Control answers the ACM class requests.
func (s *Serial) Control(setup hal.SetupPacket, data []byte) ([]byte, error) {
	if setup.RequestType&usb.RequestTypeMask != usb.RequestTypeClass {
		return s.Base.Control(setup, data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch setup.Request {
	case cdc.RequestSetLineCoding:
		var lc cdc.LineCoding
		if !cdc.ParseLineCoding(data, &lc) {
			return nil, ErrStall
		}
		s.coding = lc
	case cdc.RequestGetLineCoding:
		buf := make([]byte, cdc.LineCodingSize)
		return buf[:s.coding.MarshalTo(buf)], nil
	case cdc.RequestSetControlLineState:
		s.lines = setup.Value & (cdc.ControlLineDTR | cdc.ControlLineRTS)
	case cdc.RequestSendBreak:
		s.breaks++
	default:
		return nil, ErrStall
	}
	return nil, nil
}

// Out queues data for echo.
func (s *Serial) Out(ep uint8, data []byte) error {
	if ep != serialDataOut {
		return ErrStall
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.echo = append(s.echo, data...)
	return nil
}

// In returns echoed data. The notification endpoint never has anything
// to report.
func (s *Serial) In(ep uint8, max int) ([]byte, error) {
	switch ep {
	case serialNotifyIn:
		return nil, ErrNAK
	case serialDataIn:
	default:
		return nil, ErrStall
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.echo) == 0 {
		return nil, ErrNAK
	}
	n := min(max, len(s.echo))
	out := append([]byte(nil), s.echo[:n]...)
	s.echo = s.echo[n:]
	return out, nil
}
