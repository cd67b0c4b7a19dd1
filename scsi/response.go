package scsi

import (
	"bytes"
	"encoding/binary"
)

// InquiryResponse represents standard INQUIRY data.
type InquiryResponse struct {
	DeviceType     uint8  // Peripheral device type
	Removable      bool   // Removable media bit
	Version        uint8  // SCSI version
	ResponseFormat uint8  // Response data format
	VendorID       string // Vendor identification (8 bytes ASCII)
	ProductID      string // Product identification (16 bytes ASCII)
	ProductRev     string // Product revision (4 bytes ASCII)
}

// ParseInquiry parses standard INQUIRY data.
// Returns false if data is too short.
func ParseInquiry(data []byte, out *InquiryResponse) bool {
	if len(data) < InquiryStandardSize {
		return false
	}

	out.DeviceType = data[0] & 0x1F
	out.Removable = data[1]&InquiryRMB != 0
	out.Version = data[2]
	out.ResponseFormat = data[3] & 0x0F
	out.VendorID = trimField(data[8:16])
	out.ProductID = trimField(data[16:32])
	out.ProductRev = trimField(data[32:36])

	return true
}

// MarshalTo writes the INQUIRY response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *InquiryResponse) MarshalTo(buf []byte) int {
	if len(buf) < InquiryStandardSize {
		return 0
	}

	clear(buf[:InquiryStandardSize])
	buf[0] = r.DeviceType
	if r.Removable {
		buf[1] = InquiryRMB
	}
	buf[2] = r.Version
	buf[3] = r.ResponseFormat
	buf[4] = InquiryStandardSize - 5
	copy(buf[8:16], padString(r.VendorID, 8))
	copy(buf[16:32], padString(r.ProductID, 16))
	copy(buf[32:36], padString(r.ProductRev, 4))

	return InquiryStandardSize
}

// Capacity represents READ CAPACITY (10) data.
type Capacity struct {
	LastLBA     uint32 // Last logical block address
	BlockLength uint32 // Block length in bytes
}

// Blocks returns the number of addressable blocks.
func (c Capacity) Blocks() uint64 {
	return uint64(c.LastLBA) + 1
}

// ParseCapacity parses READ CAPACITY (10) data.
// Returns false if data is too short.
func ParseCapacity(data []byte, out *Capacity) bool {
	if len(data) < ReadCapacity10Size {
		return false
	}
	out.LastLBA = binary.BigEndian.Uint32(data[0:4])
	out.BlockLength = binary.BigEndian.Uint32(data[4:8])
	return true
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (c *Capacity) MarshalTo(buf []byte) int {
	if len(buf) < ReadCapacity10Size {
		return 0
	}

	binary.BigEndian.PutUint32(buf[0:4], c.LastLBA)
	binary.BigEndian.PutUint32(buf[4:8], c.BlockLength)

	return ReadCapacity10Size
}

// Sense represents fixed-format sense data.
type Sense struct {
	ResponseCode uint8 // 0x70 = current errors
	Key          uint8 // Sense key (bits 0-3)
	ASC          uint8 // Additional sense code
	ASCQ         uint8 // Additional sense code qualifier
}

// NewSense creates current-error sense data.
func NewSense(key, asc, ascq uint8) Sense {
	return Sense{ResponseCode: 0x70, Key: key & 0x0F, ASC: asc, ASCQ: ascq}
}

// ParseSense parses fixed-format sense data.
// Returns false if data is too short or not in fixed format.
func ParseSense(data []byte, out *Sense) bool {
	if len(data) < 14 {
		return false
	}
	code := data[0] & 0x7F
	if code != 0x70 && code != 0x71 {
		return false
	}
	out.ResponseCode = code
	out.Key = data[2] & 0x0F
	out.ASC = data[12]
	out.ASCQ = data[13]
	return true
}

// MarshalTo writes the sense data to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (s *Sense) MarshalTo(buf []byte) int {
	if len(buf) < SenseFixedSize {
		return 0
	}

	clear(buf[:SenseFixedSize])
	buf[0] = s.ResponseCode
	buf[2] = s.Key & 0x0F
	buf[7] = SenseFixedSize - 8
	buf[12] = s.ASC
	buf[13] = s.ASCQ

	return SenseFixedSize
}

// ModeHeader represents the MODE SENSE (6) parameter header.
type ModeHeader struct {
	DataLength   uint8 // Mode data length (excluding this field)
	MediumType   uint8 // Medium type
	DeviceParam  uint8 // Device-specific parameter
	BlockDescLen uint8 // Block descriptor length
}

// WriteProtected reports whether the WP bit is set.
func (h ModeHeader) WriteProtected() bool {
	return h.DeviceParam&ModeParamWP != 0
}

// ParseModeHeader parses a MODE SENSE (6) header.
// Returns false if data is too short.
func ParseModeHeader(data []byte, out *ModeHeader) bool {
	if len(data) < ModeSense6HeaderSize {
		return false
	}
	out.DataLength = data[0]
	out.MediumType = data[1]
	out.DeviceParam = data[2]
	out.BlockDescLen = data[3]
	return true
}

// MarshalTo writes the response header to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (h *ModeHeader) MarshalTo(buf []byte) int {
	if len(buf) < ModeSense6HeaderSize {
		return 0
	}

	buf[0] = h.DataLength
	buf[1] = h.MediumType
	buf[2] = h.DeviceParam
	buf[3] = h.BlockDescLen

	return ModeSense6HeaderSize
}

// padString pads or truncates a string to the specified length.
func padString(s string, length int) []byte {
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		if i < len(s) {
			result[i] = s[i]
		} else {
			result[i] = ' '
		}
	}
	return result
}

func trimField(b []byte) string {
	return string(bytes.TrimRight(b, " \x00"))
}
