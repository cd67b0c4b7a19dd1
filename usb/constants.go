package usb

// Table sizes of the host stack.
const (
	MaxDevices                    = 127 // Assignable addresses
	MaxInterfacesPerConfiguration = 8
	MaxEndpointsPerInterface      = 16
	MaxDescriptorSize             = 512 // Largest configuration set read
	MaxStringDescriptorSize       = 255
)

// Descriptor types.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
	DescriptorTypeHID           = 0x21
	DescriptorTypeHIDReport     = 0x22
	DescriptorTypeCSInterface   = 0x24
	DescriptorTypeHub           = 0x29
)

// Class codes the host recognizes.
const (
	ClassCDC         = 0x02
	ClassHID         = 0x03
	ClassMassStorage = 0x08
	ClassHub         = 0x09
	ClassCDCData     = 0x0A
	ClassVendor      = 0xFF
)

// Standard requests.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestSetInterface     = 0x0B
)

// bmRequestType fields. Direction, type and recipient are ORed together.
const (
	RequestTypeOut      = 0x00
	RequestTypeIn       = 0x80
	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20

	RequestTypeDevice    = 0x00
	RequestTypeInterface = 0x01
	RequestTypeEndpoint  = 0x02
	RequestTypeOther     = 0x03 // Hub ports

	RequestTypeMask      = 0x60
	RequestRecipientMask = 0x1F
)

// FeatureEndpointHalt is the feature cleared to recover a stalled endpoint.
const FeatureEndpointHalt = 0x00

// Hub port features. The C_PORT features clear a latched change bit.
const (
	FeaturePortEnable       = 1
	FeaturePortSuspend      = 2
	FeaturePortReset        = 4
	FeaturePortPower        = 8
	FeatureCPortConnection  = 16
	FeatureCPortEnable      = 17
	FeatureCPortSuspend     = 18
	FeatureCPortOverCurrent = 19
	FeatureCPortReset       = 20
)

// wPortStatus bits of GET_STATUS on a hub port.
const (
	PortStatusConnection = 1 << iota
	PortStatusEnable
	PortStatusSuspend
	PortStatusOverCurrent
	PortStatusReset

	PortStatusPower     = 1 << 8
	PortStatusLowSpeed  = 1 << 9
	PortStatusHighSpeed = 1 << 10
)

// wPortChange bits.
const (
	PortChangeConnection = 1 << 0
	PortChangeEnable     = 1 << 1
	PortChangeReset      = 1 << 4
)

// bmAttributes of a configuration.
const (
	ConfigAttrBusPowered   = 0x80 // Always set
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// Endpoint transfer types used by the class drivers.
const (
	EndpointTypeBulk      = 0x02
	EndpointTypeInterrupt = 0x03
)

// Direction bit of an endpoint address.
const (
	EndpointDirectionOut = 0x00
	EndpointDirectionIn  = 0x80
)

// LangIDUSEnglish is the language ID requested for string descriptors.
const LangIDUSEnglish = 0x0409

// Power budgets in milliamps.
const (
	BusPowerBudget = 500 // Shared by the ports of a bus-powered hub
	MaxPowerUnit   = 2   // Unit of bMaxPower
)
