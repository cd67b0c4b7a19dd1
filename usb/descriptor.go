package usb

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/pkg"
)

// Standard descriptor sizes, including the two byte header.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// checkHeader verifies that data holds at least size bytes of a descriptor
// of type typ. The length byte itself is not trusted; devices routinely
// report a shorter bLength than they send.
func checkHeader(data []byte, size int, typ uint8) error {
	if len(data) < size {
		return fmt.Errorf("descriptor %#02x: %d of %d bytes: %w", typ, len(data), size, pkg.ErrDescriptorTooShort)
	}
	if data[1] != typ {
		return fmt.Errorf("descriptor %#02x: got type %#02x: %w", typ, data[1], pkg.ErrDescriptorTypeMismatch)
	}
	return nil
}

// putHeader writes bLength and bDescriptorType, reporting whether buf can
// hold size bytes.
func putHeader(buf []byte, size int, typ uint8) bool {
	if len(buf) < size {
		return false
	}
	buf[0] = byte(size)
	buf[1] = typ
	return true
}

var le = binary.LittleEndian

// DeviceDescriptor is the standard device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16 // bcdUSB
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16 // bcdDevice
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// MarshalTo writes d to buf and returns its size, or 0 if buf is too small.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if !putHeader(buf, DeviceDescriptorSize, DescriptorTypeDevice) {
		return 0
	}
	le.PutUint16(buf[2:], d.USBVersion)
	buf[4], buf[5], buf[6], buf[7] = d.DeviceClass, d.DeviceSubClass, d.DeviceProtocol, d.MaxPacketSize0
	le.PutUint16(buf[8:], d.VendorID)
	le.PutUint16(buf[10:], d.ProductID)
	le.PutUint16(buf[12:], d.DeviceVersion)
	buf[14], buf[15], buf[16], buf[17] = d.ManufacturerIndex, d.ProductIndex, d.SerialNumberIndex, d.NumConfigurations
	return DeviceDescriptorSize
}

// ParseDeviceDescriptor decodes a device descriptor into out.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if err := checkHeader(data, DeviceDescriptorSize, DescriptorTypeDevice); err != nil {
		return err
	}
	*out = DeviceDescriptor{
		USBVersion:        le.Uint16(data[2:]),
		DeviceClass:       data[4],
		DeviceSubClass:    data[5],
		DeviceProtocol:    data[6],
		MaxPacketSize0:    data[7],
		VendorID:          le.Uint16(data[8:]),
		ProductID:         le.Uint16(data[10:]),
		DeviceVersion:     le.Uint16(data[12:]),
		ManufacturerIndex: data[14],
		ProductIndex:      data[15],
		SerialNumberIndex: data[16],
		NumConfigurations: data[17],
	}
	return nil
}

// ConfigurationDescriptor is the header of a configuration descriptor set.
type ConfigurationDescriptor struct {
	TotalLength        uint16 // Bytes in the whole set
	NumInterfaces      uint8
	ConfigurationValue uint8 // Argument to SET_CONFIGURATION
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8 // In units of MaxPowerUnit mA
}

// MarshalTo writes c to buf and returns its size, or 0 if buf is too small.
func (c *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	if !putHeader(buf, ConfigurationDescriptorSize, DescriptorTypeConfiguration) {
		return 0
	}
	le.PutUint16(buf[2:], c.TotalLength)
	buf[4], buf[5], buf[6] = c.NumInterfaces, c.ConfigurationValue, c.ConfigurationIndex
	buf[7], buf[8] = c.Attributes, c.MaxPower
	return ConfigurationDescriptorSize
}

// ParseConfigurationDescriptor decodes the first descriptor of a
// configuration set. Use [ParseConfiguration] for the whole set.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	if err := checkHeader(data, ConfigurationDescriptorSize, DescriptorTypeConfiguration); err != nil {
		return err
	}
	*out = ConfigurationDescriptor{
		TotalLength:        le.Uint16(data[2:]),
		NumInterfaces:      data[4],
		ConfigurationValue: data[5],
		ConfigurationIndex: data[6],
		Attributes:         data[7],
		MaxPower:           data[8],
	}
	return nil
}

// InterfaceDescriptor is the standard interface descriptor. Class,
// subclass and protocol select the class driver.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8 // Not counting endpoint 0
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// MarshalTo writes i to buf and returns its size, or 0 if buf is too small.
func (i *InterfaceDescriptor) MarshalTo(buf []byte) int {
	if !putHeader(buf, InterfaceDescriptorSize, DescriptorTypeInterface) {
		return 0
	}
	copy(buf[2:], []byte{
		i.InterfaceNumber, i.AlternateSetting, i.NumEndpoints,
		i.InterfaceClass, i.InterfaceSubClass, i.InterfaceProtocol,
		i.InterfaceIndex,
	})
	return InterfaceDescriptorSize
}

// ParseInterfaceDescriptor decodes an interface descriptor into out.
func ParseInterfaceDescriptor(data []byte, out *InterfaceDescriptor) error {
	if err := checkHeader(data, InterfaceDescriptorSize, DescriptorTypeInterface); err != nil {
		return err
	}
	*out = InterfaceDescriptor{
		InterfaceNumber:   data[2],
		AlternateSetting:  data[3],
		NumEndpoints:      data[4],
		InterfaceClass:    data[5],
		InterfaceSubClass: data[6],
		InterfaceProtocol: data[7],
		InterfaceIndex:    data[8],
	}
	return nil
}

// EndpointDescriptor is the standard endpoint descriptor.
type EndpointDescriptor struct {
	EndpointAddress uint8 // Number in bits 3..0, direction in bit 7
	Attributes      uint8 // Transfer type in bits 1..0
	MaxPacketSize   uint16
	Interval        uint8 // Polling interval of interrupt endpoints
}

// MarshalTo writes e to buf and returns its size, or 0 if buf is too small.
func (e *EndpointDescriptor) MarshalTo(buf []byte) int {
	if !putHeader(buf, EndpointDescriptorSize, DescriptorTypeEndpoint) {
		return 0
	}
	buf[2], buf[3] = e.EndpointAddress, e.Attributes
	le.PutUint16(buf[4:], e.MaxPacketSize)
	buf[6] = e.Interval
	return EndpointDescriptorSize
}

// ParseEndpointDescriptor decodes an endpoint descriptor into out.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) error {
	if err := checkHeader(data, EndpointDescriptorSize, DescriptorTypeEndpoint); err != nil {
		return err
	}
	*out = EndpointDescriptor{
		EndpointAddress: data[2],
		Attributes:      data[3],
		MaxPacketSize:   le.Uint16(data[4:]),
		Interval:        data[6],
	}
	return nil
}

// Number returns the endpoint number.
func (e *EndpointDescriptor) Number() uint8 {
	return e.EndpointAddress & 0x0F
}

// IsIn reports whether the endpoint sends data to the host.
func (e *EndpointDescriptor) IsIn() bool {
	return e.EndpointAddress&EndpointDirectionIn != 0
}

// TransferType returns the endpoint's transfer type.
func (e *EndpointDescriptor) TransferType() hal.TransferType {
	return hal.TransferType(e.Attributes & 0x03)
}
