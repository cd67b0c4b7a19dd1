package usb

import (
	"encoding/binary"

	"github.com/ardnew/rzusb/pkg"
)

// HubDescriptor represents a USB 2.0 hub class descriptor.
type HubDescriptor struct {
	NumPorts        uint8  // Number of downstream ports
	Characteristics uint16 // wHubCharacteristics
	PowerOnToGood   uint8  // Power-on to power-good time (2ms units)
	ControlCurrent  uint8  // Hub controller current (mA)
	DeviceRemovable uint8  // Removable bitmap for ports 1-7
}

// HubDescriptorMinSize is the size of a hub descriptor with up to 7 ports.
const HubDescriptorMinSize = 9

// Hub characteristics: logical power switching mode.
const (
	HubPowerSwitchingGanged     = 0x00
	HubPowerSwitchingIndividual = 0x01
	HubPowerSwitchingMask       = 0x03
)

// PowerOnDelayMs returns the time to wait after powering a port.
func (h *HubDescriptor) PowerOnDelayMs() int {
	return int(h.PowerOnToGood) * 2
}

// ParseHubDescriptor parses a hub descriptor from bytes into out.
func ParseHubDescriptor(data []byte, out *HubDescriptor) error {
	if err := checkHeader(data, 7, DescriptorTypeHub); err != nil {
		return err
	}
	out.NumPorts = data[2]
	out.Characteristics = binary.LittleEndian.Uint16(data[3:5])
	out.PowerOnToGood = data[5]
	out.ControlCurrent = data[6]
	out.DeviceRemovable = 0
	if len(data) > 7 {
		out.DeviceRemovable = data[7]
	}
	return nil
}

// MarshalTo serializes the hub descriptor to buf. Ports beyond 7 are not
// representable in the removable bitmap.
func (h *HubDescriptor) MarshalTo(buf []byte) int {
	if !putHeader(buf, HubDescriptorMinSize, DescriptorTypeHub) {
		return 0
	}
	buf[2] = h.NumPorts
	binary.LittleEndian.PutUint16(buf[3:5], h.Characteristics)
	buf[5] = h.PowerOnToGood
	buf[6] = h.ControlCurrent
	buf[7] = h.DeviceRemovable
	buf[8] = 0xFF // PortPwrCtrlMask (USB 1.1 compatibility)
	return HubDescriptorMinSize
}

// PortStatus is the response to a hub GET_STATUS(port) request.
type PortStatus struct {
	Status uint16 // wPortStatus
	Change uint16 // wPortChange
}

// PortStatusSize is the size of a port status response.
const PortStatusSize = 4

// ParsePortStatus parses a port status response.
func ParsePortStatus(data []byte, out *PortStatus) error {
	if len(data) < PortStatusSize {
		return pkg.ErrDescriptorTooShort
	}
	out.Status = binary.LittleEndian.Uint16(data[0:2])
	out.Change = binary.LittleEndian.Uint16(data[2:4])
	return nil
}

// MarshalTo serializes the port status to buf.
func (p *PortStatus) MarshalTo(buf []byte) int {
	if len(buf) < PortStatusSize {
		return 0
	}
	binary.LittleEndian.PutUint16(buf[0:2], p.Status)
	binary.LittleEndian.PutUint16(buf[2:4], p.Change)
	return PortStatusSize
}
