package usb

import "github.com/ardnew/rzusb/pkg"

// Interface is one interface of a configuration together with the
// descriptors that follow it.
type Interface struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor
	Extra      [][]byte // Class-specific descriptors, in order
}

// Configuration is a parsed configuration descriptor tree.
type Configuration struct {
	Descriptor ConfigurationDescriptor
	Interfaces []Interface
}

// MaxPowerMilliamps returns the bus current the configuration draws.
func (c *Configuration) MaxPowerMilliamps() int {
	return int(c.Descriptor.MaxPower) * MaxPowerUnit
}

// SelfPowered reports whether the configuration is self-powered.
func (c *Configuration) SelfPowered() bool {
	return c.Descriptor.Attributes&ConfigAttrSelfPowered != 0
}

// ParseConfiguration parses a full configuration descriptor set.
// Parsing stops at wTotalLength or at the first malformed descriptor.
func ParseConfiguration(data []byte, out *Configuration) error {
	if err := ParseConfigurationDescriptor(data, &out.Descriptor); err != nil {
		return err
	}

	out.Interfaces = out.Interfaces[:0]
	end := min(len(data), int(out.Descriptor.TotalLength))
	offset := ConfigurationDescriptorSize
	current := -1

	for offset+2 <= end {
		length := int(data[offset])
		descType := data[offset+1]

		if length < 2 || offset+length > end {
			break
		}

		switch descType {
		case DescriptorTypeInterface:
			var iface Interface
			if ParseInterfaceDescriptor(data[offset:], &iface.Descriptor) == nil &&
				len(out.Interfaces) < MaxInterfacesPerConfiguration {
				out.Interfaces = append(out.Interfaces, iface)
				current = len(out.Interfaces) - 1
			}

		case DescriptorTypeEndpoint:
			var ep EndpointDescriptor
			if current >= 0 && ParseEndpointDescriptor(data[offset:], &ep) == nil &&
				len(out.Interfaces[current].Endpoints) < MaxEndpointsPerInterface {
				out.Interfaces[current].Endpoints = append(out.Interfaces[current].Endpoints, ep)
			}

		default:
			if current >= 0 {
				desc := make([]byte, length)
				copy(desc, data[offset:offset+length])
				out.Interfaces[current].Extra = append(out.Interfaces[current].Extra, desc)
			}
		}

		offset += length
	}

	if len(out.Interfaces) == 0 && out.Descriptor.NumInterfaces > 0 {
		return pkg.ErrDescriptorTooShort
	}
	return nil
}

// Marshal serializes the configuration tree. TotalLength and NumInterfaces
// are computed from the tree.
func (c *Configuration) Marshal() []byte {
	size := ConfigurationDescriptorSize
	for _, iface := range c.Interfaces {
		size += InterfaceDescriptorSize + len(iface.Endpoints)*EndpointDescriptorSize
		for _, x := range iface.Extra {
			size += len(x)
		}
	}

	hdr := c.Descriptor
	hdr.TotalLength = uint16(size)
	hdr.NumInterfaces = uint8(len(c.Interfaces))

	buf := make([]byte, size)
	offset := hdr.MarshalTo(buf)
	for i := range c.Interfaces {
		iface := &c.Interfaces[i]
		desc := iface.Descriptor
		desc.NumEndpoints = uint8(len(iface.Endpoints))
		offset += desc.MarshalTo(buf[offset:])
		for _, x := range iface.Extra {
			offset += copy(buf[offset:], x)
		}
		for j := range iface.Endpoints {
			offset += iface.Endpoints[j].MarshalTo(buf[offset:])
		}
	}
	return buf
}
