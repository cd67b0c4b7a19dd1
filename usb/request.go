package usb

import "github.com/ardnew/rzusb/host/hal"

// GetDescriptor builds a standard GET_DESCRIPTOR request.
func GetDescriptor(descType, index uint8, langID uint16, length int) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       langID,
		Length:      uint16(length),
	}
}

// SetAddress builds a SET_ADDRESS request.
func SetAddress(addr hal.DeviceAddress) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetAddress,
		Value:       uint16(addr),
	}
}

// SetConfiguration builds a SET_CONFIGURATION request.
func SetConfiguration(value uint8) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
}

// ClearEndpointHalt builds a CLEAR_FEATURE(ENDPOINT_HALT) request.
func ClearEndpointHalt(endpointAddress uint8) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(endpointAddress),
	}
}

// GetHubDescriptor builds a hub class GET_DESCRIPTOR request.
func GetHubDescriptor(length int) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeClass | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeHub) << 8,
		Length:      uint16(length),
	}
}

// GetPortStatus builds a hub class GET_STATUS(port) request.
func GetPortStatus(port int) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeClass | RequestTypeOther,
		Request:     RequestGetStatus,
		Index:       uint16(port),
		Length:      PortStatusSize,
	}
}

// SetPortFeature builds a hub class SET_FEATURE(port) request.
func SetPortFeature(port int, feature uint16) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeClass | RequestTypeOther,
		Request:     RequestSetFeature,
		Value:       feature,
		Index:       uint16(port),
	}
}

// ClearPortFeature builds a hub class CLEAR_FEATURE(port) request.
func ClearPortFeature(port int, feature uint16) hal.SetupPacket {
	return hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeClass | RequestTypeOther,
		Request:     RequestClearFeature,
		Value:       feature,
		Index:       uint16(port),
	}
}
