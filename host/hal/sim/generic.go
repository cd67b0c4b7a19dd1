package sim

import (
	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/usb"
)

// Generic is a function with no class interface of its own. It is useful
// for exercising enumeration failure paths.
type Generic struct {
	Base

	// FailDescriptor makes every device GET_DESCRIPTOR stall.
	FailDescriptor bool

	// Silent makes the function ignore all control traffic.
	Silent bool
}

var _ Function = (*Generic)(nil)

// NewGeneric creates a vendor-specific function with one empty interface.
func NewGeneric(vendorID, productID uint16) *Generic {
	g := &Generic{}
	g.Device = usb.DeviceDescriptor{
		USBVersion:        0x0200,
		MaxPacketSize0:    64,
		VendorID:          vendorID,
		ProductID:         productID,
		NumConfigurations: 1,
	}
	g.Config = usb.Configuration{
		Descriptor: usb.ConfigurationDescriptor{
			ConfigurationValue: 1,
			Attributes:         usb.ConfigAttrBusPowered,
			MaxPower:           50,
		},
		Interfaces: []usb.Interface{{
			Descriptor: usb.InterfaceDescriptor{InterfaceClass: usb.ClassVendor},
		}},
	}
	return g
}

// Control applies the failure switches before answering standard requests.
func (g *Generic) Control(setup hal.SetupPacket, data []byte) ([]byte, error) {
	if g.Silent {
		return nil, ErrNoResponse
	}
	if g.FailDescriptor && setup.Request == usb.RequestGetDescriptor &&
		setup.RequestType&(usb.RequestTypeMask|usb.RequestRecipientMask) == 0 {
		return nil, ErrStall
	}
	return g.Base.Control(setup, data)
}
