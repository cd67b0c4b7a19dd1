package scsi

// Interface class, subclass and protocol of a bulk-only SCSI disk.
const (
	ClassMSC         = 0x08
	SubclassSCSI     = 0x06 // Transparent command set
	ProtocolBulkOnly = 0x50
)

// Class requests of the bulk-only transport.
const (
	RequestBulkOnlyMassStorageReset = 0xFF
	RequestGetMaxLUN                = 0xFE
)

// MaxLUN is the largest logical unit number GET MAX LUN may report.
const MaxLUN = 15

// Command block wrapper.
const (
	CBWSignature  = 0x43425355 // "USBC"
	CBWSize       = 31
	CBWFlagDataIn = 0x80
)

// Command status wrapper.
const (
	CSWSignature        = 0x53425355 // "USBS"
	CSWSize             = 13
	CSWStatusGood       = 0x00
	CSWStatusFailed     = 0x01
	CSWStatusPhaseError = 0x02
)

// Operation codes issued by the mass storage driver.
const (
	OpTestUnitReady       = 0x00
	OpRequestSense        = 0x03
	OpInquiry             = 0x12
	OpModeSense6          = 0x1A
	OpStartStopUnit       = 0x1B
	OpPreventAllowRemoval = 0x1E
	OpReadCapacity10      = 0x25
	OpRead10              = 0x28
	OpWrite10             = 0x2A
	OpSynchronizeCache10  = 0x35
)

// Sense keys.
const (
	SenseNoSense        = 0x00
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
	SenseDataProtect    = 0x07
)

// Additional sense codes, and the qualifier the driver cares about.
const (
	ASCNoAdditionalInfo      = 0x00
	ASCLogicalUnitNotReady   = 0x04
	ASCInvalidCommand        = 0x20
	ASCLBAOutOfRange         = 0x21
	ASCInvalidFieldInCDB     = 0x24
	ASCWriteProtected        = 0x27
	ASCNotReadyToReadyChange = 0x28 // Medium may have changed
	ASCPowerOnReset          = 0x29
	ASCMediumNotPresent      = 0x3A

	ASCQBecomingReady = 0x01 // With ASCLogicalUnitNotReady
)

// DeviceTypeDisk is the peripheral device type of a direct access disk.
const DeviceTypeDisk = 0x00

// Sizes of the data returned by the supported commands.
const (
	InquiryStandardSize  = 36
	SenseFixedSize       = 18
	ReadCapacity10Size   = 8
	ModeSense6HeaderSize = 4
)

// INQUIRY fields.
const (
	InquiryVersionSPC4       = 0x06
	InquiryResponseFormatSPC = 0x02
	InquiryRMB               = 0x80 // Removable medium
)

// MODE SENSE fields.
const (
	ModePageAllPages = 0x3F
	ModeParamWP      = 0x80 // Write protect, in the device-specific byte
)

// DefaultBlockSize is the logical block size of most disks.
const DefaultBlockSize = 512
