package sim

import (
	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/usb"
)

// Hub is a simulated USB 2.0 hub with individually switched ports.
type Hub struct {
	Base

	// PowerOnToGood is reported in the hub descriptor, in 2ms units.
	PowerOnToGood uint8

	downstreamPorts []*Port
}

var (
	_ Function   = (*Hub)(nil)
	_ downstream = (*Hub)(nil)
)

// hubStatusEndpoint is the number of the status change endpoint.
const hubStatusEndpoint = 1

// NewHub creates a hub with n downstream ports. A bus-powered hub draws
// 100mA and lets its downstream devices share the bus budget.
func NewHub(n int, selfPowered bool) *Hub {
	h := &Hub{
		PowerOnToGood:   50,
		downstreamPorts: make([]*Port, n),
	}
	for i := range h.downstreamPorts {
		h.downstreamPorts[i] = &Port{}
	}

	attr := uint8(usb.ConfigAttrBusPowered)
	maxPower := uint8(50)
	if selfPowered {
		attr |= usb.ConfigAttrSelfPowered
		maxPower = 0
	}

	h.Device = usb.DeviceDescriptor{
		USBVersion:        0x0200,
		DeviceClass:       usb.ClassHub,
		MaxPacketSize0:    64,
		VendorID:          0x05E3,
		ProductID:         0x0608,
		ProductIndex:      1,
		NumConfigurations: 1,
	}
	h.Strings = []string{"USB2.0 Hub"}
	h.Config = usb.Configuration{
		Descriptor: usb.ConfigurationDescriptor{
			ConfigurationValue: 1,
			Attributes:         attr,
			MaxPower:           maxPower,
		},
		Interfaces: []usb.Interface{{
			Descriptor: usb.InterfaceDescriptor{
				InterfaceClass: usb.ClassHub,
			},
			Endpoints: []usb.EndpointDescriptor{{
				EndpointAddress: usb.EndpointDirectionIn | hubStatusEndpoint,
				Attributes:      usb.EndpointTypeInterrupt,
				MaxPacketSize:   uint16(statusBytes(n)),
				Interval:        12,
			}},
		}},
	}
	return h
}

// statusBytes returns the size of the change bitmap for n ports.
func statusBytes(n int) int {
	return (n + 1 + 7) / 8
}

// Port returns downstream port i (1-indexed), or nil.
func (h *Hub) Port(i int) *Port {
	if i < 1 || i > len(h.downstreamPorts) {
		return nil
	}
	return h.downstreamPorts[i-1]
}

func (h *Hub) ports() []*Port {
	return h.downstreamPorts
}

// Reset removes power from every downstream port.
func (h *Hub) Reset() {
	h.Base.Reset()
	for _, p := range h.downstreamPorts {
		p.setPower(false)
	}
}

// Control answers hub class requests.
func (h *Hub) Control(setup hal.SetupPacket, data []byte) ([]byte, error) {
	if setup.RequestType&usb.RequestTypeMask != usb.RequestTypeClass {
		return h.Base.Control(setup, data)
	}

	recipient := setup.RequestType & usb.RequestRecipientMask
	if recipient == usb.RequestTypeDevice {
		switch setup.Request {
		case usb.RequestGetDescriptor:
			if uint8(setup.Value>>8) != usb.DescriptorTypeHub {
				return nil, ErrStall
			}
			desc := usb.HubDescriptor{
				NumPorts:        uint8(len(h.downstreamPorts)),
				Characteristics: usb.HubPowerSwitchingIndividual,
				PowerOnToGood:   h.PowerOnToGood,
				ControlCurrent:  100,
			}
			buf := make([]byte, usb.HubDescriptorMinSize)
			return buf[:desc.MarshalTo(buf)], nil

		case usb.RequestGetStatus:
			return make([]byte, usb.PortStatusSize), nil

		case usb.RequestSetFeature, usb.RequestClearFeature:
			return nil, nil
		}
		return nil, ErrStall
	}

	if recipient != usb.RequestTypeOther {
		return nil, ErrStall
	}
	port := h.Port(int(setup.Index))
	if port == nil {
		return nil, ErrStall
	}

	switch setup.Request {
	case usb.RequestGetStatus:
		status := portStatus(port.status())
		buf := make([]byte, usb.PortStatusSize)
		return buf[:status.MarshalTo(buf)], nil

	case usb.RequestSetFeature:
		switch setup.Value {
		case usb.FeaturePortPower:
			port.setPower(true)
		case usb.FeaturePortReset:
			port.reset()
		case usb.FeaturePortEnable:
			port.enable(true)
		case usb.FeaturePortSuspend:
			port.suspend(true)
		default:
			return nil, ErrStall
		}
		return nil, nil

	case usb.RequestClearFeature:
		switch setup.Value {
		case usb.FeaturePortPower:
			port.setPower(false)
		case usb.FeaturePortEnable:
			port.enable(false)
		case usb.FeaturePortSuspend:
			port.suspend(false)
		case usb.FeatureCPortConnection:
			port.clearChanges(true, false, false)
		case usb.FeatureCPortEnable:
			port.clearChanges(false, true, false)
		case usb.FeatureCPortReset:
			port.clearChanges(false, false, true)
		case usb.FeatureCPortSuspend, usb.FeatureCPortOverCurrent:
		default:
			return nil, ErrStall
		}
		return nil, nil
	}
	return nil, ErrStall
}

// In reports the status change bitmap. Bit n is set when port n has an
// unacknowledged change; the transaction NAKs while nothing changed.
func (h *Hub) In(ep uint8, max int) ([]byte, error) {
	if ep != hubStatusEndpoint || h.Configuration() == 0 {
		return nil, ErrStall
	}
	bitmap := make([]byte, statusBytes(len(h.downstreamPorts)))
	changed := false
	for i, p := range h.downstreamPorts {
		if p.hasChange() {
			bitmap[(i+1)/8] |= 1 << ((i + 1) % 8)
			changed = true
		}
	}
	if !changed {
		return nil, ErrNAK
	}
	return bitmap[:min(len(bitmap), max)], nil
}

func portStatus(s hal.PortStatus) usb.PortStatus {
	var out usb.PortStatus
	bits := []struct {
		set bool
		bit uint16
	}{
		{s.Connected, usb.PortStatusConnection},
		{s.Enabled, usb.PortStatusEnable},
		{s.Suspended, usb.PortStatusSuspend},
		{s.OverCurrent, usb.PortStatusOverCurrent},
		{s.PowerOn, usb.PortStatusPower},
		{s.Speed == hal.SpeedLow, usb.PortStatusLowSpeed},
		{s.Speed == hal.SpeedHigh, usb.PortStatusHighSpeed},
	}
	for _, b := range bits {
		if b.set {
			out.Status |= b.bit
		}
	}
	if s.ConnectChange {
		out.Change |= usb.PortChangeConnection
	}
	if s.EnableChange {
		out.Change |= usb.PortChangeEnable
	}
	if s.ResetChange {
		out.Change |= usb.PortChangeReset
	}
	return out
}
