package scsi

import "encoding/binary"

// Command descriptor block lengths.
const (
	CDB6Size  = 6
	CDB10Size = 10
)

// Command descriptor block templates. Builders copy a template and fill in
// the big-endian address and length fields.
var (
	cdbTestUnitReady  = [CDB6Size]byte{OpTestUnitReady, 0, 0, 0, 0, 0}
	cdbRequestSense   = [CDB6Size]byte{OpRequestSense, 0, 0, 0, SenseFixedSize, 0}
	cdbInquiry        = [CDB6Size]byte{OpInquiry, 0, 0, 0, InquiryStandardSize, 0}
	cdbModeSense6     = [CDB6Size]byte{OpModeSense6, 0, ModePageAllPages, 0, ModeSense6AllocLength, 0}
	cdbReadCapacity10 = [CDB10Size]byte{OpReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	cdbRead10         = [CDB10Size]byte{OpRead10, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	cdbWrite10        = [CDB10Size]byte{OpWrite10, 0, 0, 0, 0, 0, 0, 0, 0, 0}
)

// TestUnitReady returns a TEST UNIT READY command block.
func TestUnitReady() []byte {
	cdb := cdbTestUnitReady
	return cdb[:]
}

// RequestSense returns a REQUEST SENSE command block for fixed-format data.
func RequestSense() []byte {
	cdb := cdbRequestSense
	return cdb[:]
}

// Inquiry returns a standard INQUIRY command block.
func Inquiry() []byte {
	cdb := cdbInquiry
	return cdb[:]
}

// ModeSense6 returns a MODE SENSE (6) command block for all pages.
func ModeSense6() []byte {
	cdb := cdbModeSense6
	return cdb[:]
}

// ModeSense6AllocLength is the allocation length of [ModeSense6].
const ModeSense6AllocLength = 0xC0

// ReadCapacity10 returns a READ CAPACITY (10) command block.
func ReadCapacity10() []byte {
	cdb := cdbReadCapacity10
	return cdb[:]
}

// Read10 returns a READ (10) command block.
func Read10(lba uint32, blocks uint16) []byte {
	cdb := cdbRead10
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb[:]
}

// Write10 returns a WRITE (10) command block.
func Write10(lba uint32, blocks uint16) []byte {
	cdb := cdbWrite10
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb[:]
}

// TransferFields extracts the logical block address and block count from a
// READ (10) or WRITE (10) command block.
func TransferFields(cdb []byte) (lba uint32, blocks uint16, ok bool) {
	if len(cdb) < CDB10Size {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(cdb[2:6]), binary.BigEndian.Uint16(cdb[7:9]), true
}
