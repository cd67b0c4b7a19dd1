package scsi

import "encoding/binary"

var le = binary.LittleEndian

// CommandBlockWrapper carries one CDB from host to device over the bulk OUT
// endpoint. The signature is implied.
type CommandBlockWrapper struct {
	Tag                uint32 // Echoed back in the status wrapper
	DataTransferLength uint32
	Flags              uint8 // CBWFlagDataIn for device-to-host data
	LUN                uint8
	CBLength           uint8 // Valid bytes of CB
	CB                 [16]byte
}

// NewCBW wraps cdb for lun, expecting length bytes of data moving in the
// direction given by in.
func NewCBW(tag uint32, lun uint8, length uint32, in bool, cdb []byte) CommandBlockWrapper {
	cbw := CommandBlockWrapper{Tag: tag, DataTransferLength: length, LUN: lun & 0x0F}
	if in {
		cbw.Flags = CBWFlagDataIn
	}
	cbw.CBLength = uint8(copy(cbw.CB[:], cdb))
	return cbw
}

// ParseCBW decodes a wrapper, rejecting short data and a wrong signature.
func ParseCBW(data []byte, out *CommandBlockWrapper) bool {
	if len(data) < CBWSize || le.Uint32(data) != CBWSignature {
		return false
	}
	*out = CommandBlockWrapper{
		Tag:                le.Uint32(data[4:]),
		DataTransferLength: le.Uint32(data[8:]),
		Flags:              data[12],
		LUN:                data[13] & 0x0F,
		CBLength:           data[14] & 0x1F,
	}
	copy(out.CB[:], data[15:CBWSize])
	return true
}

// MarshalTo writes cbw to buf and returns its size, or 0 if buf is too
// small.
func (cbw *CommandBlockWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CBWSize {
		return 0
	}
	le.PutUint32(buf, CBWSignature)
	le.PutUint32(buf[4:], cbw.Tag)
	le.PutUint32(buf[8:], cbw.DataTransferLength)
	buf[12], buf[13], buf[14] = cbw.Flags, cbw.LUN&0x0F, cbw.CBLength&0x1F
	copy(buf[15:CBWSize], cbw.CB[:])
	return CBWSize
}

// IsDataIn reports whether the data stage moves device-to-host.
func (cbw *CommandBlockWrapper) IsDataIn() bool {
	return cbw.Flags&CBWFlagDataIn != 0
}

// CommandStatusWrapper reports how a command ended.
type CommandStatusWrapper struct {
	Tag         uint32
	DataResidue uint32 // Expected bytes that were not moved
	Status      uint8  // One of the CSWStatus values
}

// NewCSW returns the status wrapper for the command tagged tag.
func NewCSW(tag, residue uint32, status uint8) CommandStatusWrapper {
	return CommandStatusWrapper{Tag: tag, DataResidue: residue, Status: status}
}

// ParseCSW decodes a status wrapper. Anything but exactly CSWSize bytes
// with the right signature is invalid.
func ParseCSW(data []byte, out *CommandStatusWrapper) bool {
	if len(data) != CSWSize || le.Uint32(data) != CSWSignature {
		return false
	}
	*out = CommandStatusWrapper{
		Tag:         le.Uint32(data[4:]),
		DataResidue: le.Uint32(data[8:]),
		Status:      data[12],
	}
	return true
}

// MarshalTo writes csw to buf and returns its size, or 0 if buf is too
// small.
func (csw *CommandStatusWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CSWSize {
		return 0
	}
	le.PutUint32(buf, CSWSignature)
	le.PutUint32(buf[4:], csw.Tag)
	le.PutUint32(buf[8:], csw.DataResidue)
	buf[12] = csw.Status
	return CSWSize
}
