package sim

import (
	"io"
	"sync"

	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/scsi"
	"github.com/ardnew/rzusb/usb"
)

// Bulk endpoint numbers of a simulated mass storage function.
const (
	MassStorageInEndpoint  = 1
	MassStorageOutEndpoint = 2
)

// Medium is the backing store of a logical unit.
type Medium interface {
	io.ReaderAt
	io.WriterAt
}

// LUN is one logical unit of a [MassStorage] function.
type LUN struct {
	Medium    Medium
	Blocks    uint64
	BlockSize int
	ReadOnly  bool

	mu        sync.Mutex
	removed   bool
	attention bool
	becoming  int
	sense     scsi.Sense
}

// NewMemoryLUN creates a logical unit backed by a zeroed buffer.
func NewMemoryLUN(blocks uint64, blockSize int) *LUN {
	return &LUN{
		Medium:    &memMedium{buf: make([]byte, blocks*uint64(blockSize))},
		Blocks:    blocks,
		BlockSize: blockSize,
	}
}

// Eject removes the medium.
func (l *LUN) Eject() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removed = true
}

// Insert loads a medium and raises a unit attention.
func (l *LUN) Insert(m Medium, blocks uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Medium = m
	l.Blocks = blocks
	l.removed = false
	l.attention = true
}

// BecomeReadyAfter makes the next n readiness checks report that the unit
// is becoming ready.
func (l *LUN) BecomeReadyAfter(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.becoming = n
}

// ready checks the unit state and sets sense when it cannot take media
// access commands.
func (l *LUN) ready() bool {
	switch {
	case l.removed:
		l.sense = scsi.NewSense(scsi.SenseNotReady, scsi.ASCMediumNotPresent, 0)
	case l.becoming > 0:
		l.becoming--
		l.sense = scsi.NewSense(scsi.SenseNotReady, scsi.ASCLogicalUnitNotReady, scsi.ASCQBecomingReady)
	case l.attention:
		l.attention = false
		l.sense = scsi.NewSense(scsi.SenseUnitAttention, scsi.ASCNotReadyToReadyChange, 0)
	default:
		return true
	}
	return false
}

// execute runs one command. For WRITE (10) data holds the data phase.
func (l *LUN) execute(cdb, data []byte) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(cdb) == 0 {
		l.sense = scsi.NewSense(scsi.SenseIllegalRequest, scsi.ASCInvalidCommand, 0)
		return nil, false
	}

	switch cdb[0] {
	case scsi.OpInquiry:
		inq := scsi.InquiryResponse{
			DeviceType:     scsi.DeviceTypeDisk,
			Removable:      true,
			Version:        scsi.InquiryVersionSPC4,
			ResponseFormat: scsi.InquiryResponseFormatSPC,
			VendorID:       "RZUSB",
			ProductID:      "Virtual Disk",
			ProductRev:     "1.00",
		}
		buf := make([]byte, scsi.InquiryStandardSize)
		return buf[:inq.MarshalTo(buf)], true

	case scsi.OpRequestSense:
		buf := make([]byte, scsi.SenseFixedSize)
		s := l.sense
		if s.ResponseCode == 0 {
			s = scsi.NewSense(scsi.SenseNoSense, scsi.ASCNoAdditionalInfo, 0)
		}
		l.sense = scsi.Sense{}
		return buf[:s.MarshalTo(buf)], true

	case scsi.OpTestUnitReady, scsi.OpStartStopUnit, scsi.OpPreventAllowRemoval,
		scsi.OpSynchronizeCache10:
		return nil, l.ready()

	case scsi.OpReadCapacity10:
		if !l.ready() {
			return nil, false
		}
		capacity := scsi.Capacity{
			LastLBA:     uint32(min(l.Blocks-1, 0xFFFFFFFF)),
			BlockLength: uint32(l.BlockSize),
		}
		buf := make([]byte, scsi.ReadCapacity10Size)
		return buf[:capacity.MarshalTo(buf)], true

	case scsi.OpModeSense6:
		if !l.ready() {
			return nil, false
		}
		hdr := scsi.ModeHeader{DataLength: scsi.ModeSense6HeaderSize - 1}
		if l.ReadOnly {
			hdr.DeviceParam = scsi.ModeParamWP
		}
		buf := make([]byte, scsi.ModeSense6HeaderSize)
		return buf[:hdr.MarshalTo(buf)], true

	case scsi.OpRead10, scsi.OpWrite10:
		if !l.ready() {
			return nil, false
		}
		lba, blocks, _ := scsi.TransferFields(cdb)
		if uint64(lba)+uint64(blocks) > l.Blocks {
			l.sense = scsi.NewSense(scsi.SenseIllegalRequest, scsi.ASCLBAOutOfRange, 0)
			return nil, false
		}
		off := int64(lba) * int64(l.BlockSize)
		size := int(blocks) * l.BlockSize

		if cdb[0] == scsi.OpRead10 {
			buf := make([]byte, size)
			if _, err := l.Medium.ReadAt(buf, off); err != nil && err != io.EOF {
				l.sense = scsi.NewSense(scsi.SenseMediumError, scsi.ASCNoAdditionalInfo, 0)
				return nil, false
			}
			return buf, true
		}

		if l.ReadOnly {
			l.sense = scsi.NewSense(scsi.SenseDataProtect, scsi.ASCWriteProtected, 0)
			return nil, false
		}
		if len(data) < size {
			l.sense = scsi.NewSense(scsi.SenseIllegalRequest, scsi.ASCInvalidFieldInCDB, 0)
			return nil, false
		}
		if _, err := l.Medium.WriteAt(data[:size], off); err != nil {
			l.sense = scsi.NewSense(scsi.SenseMediumError, scsi.ASCNoAdditionalInfo, 0)
			return nil, false
		}
		return nil, true
	}

	l.sense = scsi.NewSense(scsi.SenseIllegalRequest, scsi.ASCInvalidCommand, 0)
	return nil, false
}

// botState is the Bulk-Only Transport phase of a mass storage function.
type botState uint8

const (
	botCommand botState = iota
	botDataIn
	botDataOut
	botStatus
	botHalted // invalid CBW; waits for reset recovery
)

// MassStorage is a simulated Bulk-Only Transport SCSI disk.
type MassStorage struct {
	Base

	// StallMaxLUN makes GET_MAX_LUN stall, as single-LUN devices may.
	StallMaxLUN bool

	luns []*LUN

	mu     sync.Mutex
	state  botState
	cbw    scsi.CommandBlockWrapper
	data   []byte
	sent   int
	short  bool
	out    []byte
	csw    scsi.CommandStatusWrapper
	resets int
}

var _ Function = (*MassStorage)(nil)

// NewMassStorage creates a mass storage function with the given units.
func NewMassStorage(luns ...*LUN) *MassStorage {
	m := &MassStorage{luns: luns}
	m.Device = usb.DeviceDescriptor{
		USBVersion:        0x0200,
		MaxPacketSize0:    64,
		VendorID:          0x0781,
		ProductID:         0x5567,
		DeviceVersion:     0x0100,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		NumConfigurations: 1,
	}
	m.Strings = []string{"RZUSB", "Virtual Disk", "000000000001"}
	m.Config = usb.Configuration{
		Descriptor: usb.ConfigurationDescriptor{
			ConfigurationValue: 1,
			Attributes:         usb.ConfigAttrBusPowered,
			MaxPower:           100,
		},
		Interfaces: []usb.Interface{{
			Descriptor: usb.InterfaceDescriptor{
				InterfaceClass:    scsi.ClassMSC,
				InterfaceSubClass: scsi.SubclassSCSI,
				InterfaceProtocol: scsi.ProtocolBulkOnly,
			},
			Endpoints: []usb.EndpointDescriptor{
				{
					EndpointAddress: usb.EndpointDirectionIn | MassStorageInEndpoint,
					Attributes:      usb.EndpointTypeBulk,
					MaxPacketSize:   64,
				},
				{
					EndpointAddress: usb.EndpointDirectionOut | MassStorageOutEndpoint,
					Attributes:      usb.EndpointTypeBulk,
					MaxPacketSize:   64,
				},
			},
		}},
	}
	return m
}

// LUN returns logical unit n, or nil.
func (m *MassStorage) LUN(n int) *LUN {
	if n < 0 || n >= len(m.luns) {
		return nil
	}
	return m.luns[n]
}

// Resets returns how many mass storage resets the function has received.
func (m *MassStorage) Resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}

// Reset returns the transport to the command phase.
func (m *MassStorage) Reset() {
	m.Base.Reset()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetTransport()
}

func (m *MassStorage) resetTransport() {
	m.state = botCommand
	m.data, m.out = nil, nil
	m.sent = 0
}

// Control answers the Bulk-Only class requests.
func (m *MassStorage) Control(setup hal.SetupPacket, data []byte) ([]byte, error) {
	if setup.RequestType&usb.RequestTypeMask != usb.RequestTypeClass {
		return m.Base.Control(setup, data)
	}

	switch setup.Request {
	case scsi.RequestGetMaxLUN:
		if m.StallMaxLUN || len(m.luns) == 0 {
			return nil, ErrStall
		}
		return []byte{byte(len(m.luns) - 1)}, nil

	case scsi.RequestBulkOnlyMassStorageReset:
		m.mu.Lock()
		defer m.mu.Unlock()
		m.resetTransport()
		m.resets++
		return nil, nil
	}
	return nil, ErrStall
}

// Out accepts command blocks and data-out phases.
func (m *MassStorage) Out(ep uint8, data []byte) error {
	if ep != MassStorageOutEndpoint || m.Halted(usb.EndpointDirectionOut|MassStorageOutEndpoint) {
		return ErrStall
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case botCommand:
		if len(data) != scsi.CBWSize || !scsi.ParseCBW(data, &m.cbw) {
			m.state = botHalted
			m.Halt(usb.EndpointDirectionIn | MassStorageInEndpoint)
			m.Halt(usb.EndpointDirectionOut | MassStorageOutEndpoint)
			return ErrStall
		}
		if !m.cbw.IsDataIn() && m.cbw.DataTransferLength > 0 {
			m.state = botDataOut
			m.out = m.out[:0]
			return nil
		}
		m.run(nil)
		return nil

	case botDataOut:
		m.out = append(m.out, data...)
		if len(m.out) >= int(m.cbw.DataTransferLength) {
			m.run(m.out)
		}
		return nil
	}
	return ErrStall
}

// In returns data-in phases and status wrappers.
func (m *MassStorage) In(ep uint8, max int) ([]byte, error) {
	if ep != MassStorageInEndpoint || m.Halted(usb.EndpointDirectionIn|MassStorageInEndpoint) {
		return nil, ErrStall
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case botDataIn:
		n := min(max, len(m.data)-m.sent)
		chunk := m.data[m.sent : m.sent+n]
		m.sent += n
		// A short data phase must end with a short packet.
		if m.sent == len(m.data) && (!m.short || n < max) {
			m.state = botStatus
		}
		return chunk, nil

	case botStatus:
		buf := make([]byte, scsi.CSWSize)
		m.csw.MarshalTo(buf)
		m.state = botCommand
		return buf, nil

	case botHalted:
		return nil, ErrStall
	}
	return nil, ErrNAK
}

// run executes the current command block and moves to the data-in or
// status phase.
func (m *MassStorage) run(data []byte) {
	expected := m.cbw.DataTransferLength
	status := uint8(scsi.CSWStatusGood)
	var resp []byte

	lun := m.LUN(int(m.cbw.LUN))
	if lun == nil {
		status = scsi.CSWStatusFailed
	} else {
		var ok bool
		resp, ok = lun.execute(m.cbw.CB[:m.cbw.CBLength], data)
		if !ok {
			status = scsi.CSWStatusFailed
			resp = nil
		}
	}

	var moved uint32
	if m.cbw.IsDataIn() {
		if uint32(len(resp)) > expected {
			resp = resp[:expected]
		}
		moved = uint32(len(resp))
	} else if status == scsi.CSWStatusGood {
		moved = uint32(len(data))
	}
	m.csw = scsi.NewCSW(m.cbw.Tag, expected-min(moved, expected), status)

	if m.cbw.IsDataIn() && expected > 0 {
		m.state = botDataIn
		m.data = resp
		m.sent = 0
		m.short = uint32(len(resp)) < expected
		return
	}
	m.state = botStatus
}

// memMedium is an in-memory [Medium].
type memMedium struct {
	mu  sync.RWMutex
	buf []byte
}

func (m *memMedium) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memMedium) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off+int64(len(p)) > int64(len(m.buf)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.buf[off:], p), nil
}
