package hal

import (
	"context"
	"encoding/binary"

	"github.com/ardnew/rzusb/pkg"
)

// Speed is the signalling rate of an attached device.
type Speed uint8

// Bus speeds.
const (
	SpeedUnknown Speed = iota
	SpeedLow           // 1.5 Mbit/s
	SpeedFull          // 12 Mbit/s
	SpeedHigh          // 480 Mbit/s
)

var speedNames = [...]string{
	SpeedUnknown: "unknown",
	SpeedLow:     "low",
	SpeedFull:    "full",
	SpeedHigh:    "high",
}

func (s Speed) String() string {
	if int(s) < len(speedNames) {
		return speedNames[s]
	}
	return "unknown"
}

// DefaultMaxPacketSize0 is the control packet size used before the device
// descriptor has been read. Every speed supports at least 8 bytes.
const DefaultMaxPacketSize0 = 8

// PortStatus is the state of a root port or a hub port as the controller
// reports it. The change flags latch until cleared.
type PortStatus struct {
	Connected   bool
	Enabled     bool
	Suspended   bool
	OverCurrent bool
	Reset       bool // Reset signalling in progress
	PowerOn     bool
	Speed       Speed // Valid while Connected

	ConnectChange bool
	EnableChange  bool
	ResetChange   bool // Reset signalling finished
}

// SetupPacket is the 8 byte SETUP stage of a control transfer.
type SetupPacket struct {
	RequestType uint8 // bmRequestType; bit 7 set for device-to-host
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16 // Bytes in the data stage
}

// SetupPacketSize is the size of a SETUP packet.
const SetupPacketSize = 8

// ParseSetupPacket decodes a SETUP packet.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	*out = SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       binary.LittleEndian.Uint16(data[2:]),
		Index:       binary.LittleEndian.Uint16(data[4:]),
		Length:      binary.LittleEndian.Uint16(data[6:]),
	}
	return true
}

// MarshalTo writes s to buf and returns its size, or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0], buf[1] = s.RequestType, s.Request
	binary.LittleEndian.PutUint16(buf[2:], s.Value)
	binary.LittleEndian.PutUint16(buf[4:], s.Index)
	binary.LittleEndian.PutUint16(buf[6:], s.Length)
	return SetupPacketSize
}

// IsIn reports whether the data stage moves device-to-host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// TransferType is the transfer type of an endpoint, as encoded in the
// low bits of bmAttributes.
type TransferType uint8

// Transfer types.
const (
	TransferControl TransferType = iota
	TransferIsochronous
	TransferBulk
	TransferInterrupt
)

var transferTypeNames = [...]string{
	TransferControl:     "control",
	TransferIsochronous: "isochronous",
	TransferBulk:        "bulk",
	TransferInterrupt:   "interrupt",
}

func (t TransferType) String() string {
	if int(t) < len(transferTypeNames) {
		return transferTypeNames[t]
	}
	return "unknown"
}

// DeviceAddress is a bus address. Address 0 belongs to the device being
// enumerated.
type DeviceAddress uint8

// MaxDeviceAddress is the largest assignable device address.
const MaxDeviceAddress DeviceAddress = 127

// PipeNumber selects one hardware pipe register group.
type PipeNumber uint8

// Pipe layout of the controller. Pipe 0 is the default control pipe; pipes
// 1-5 carry bulk traffic and pipes 6-9 carry interrupt traffic.
const (
	DCP           PipeNumber = 0
	FirstBulkPipe PipeNumber = 1
	LastBulkPipe  PipeNumber = 5
	FirstIntrPipe PipeNumber = 6
	LastIntrPipe  PipeNumber = 9
	NumPipes                 = 10
)

// Serves reports whether pipe n can carry transfers of type t.
func (n PipeNumber) Serves(t TransferType) bool {
	switch t {
	case TransferControl:
		return n == DCP
	case TransferBulk:
		return n >= FirstBulkPipe && n <= LastBulkPipe
	case TransferInterrupt:
		return n >= FirstIntrPipe && n <= LastIntrPipe
	default:
		return false
	}
}

// PID is the response a pipe gives to the bus.
type PID uint8

// Pipe response modes.
const (
	PIDNAK   PID = iota // Hold off the bus
	PIDBuf              // Transact using the FIFO buffer
	PIDStall            // Respond STALL
)

// Toggle is the data PID sequence bit.
type Toggle uint8

// Data toggle values.
const (
	Data0 Toggle = 0
	Data1 Toggle = 1
)

// Flip returns the other toggle value.
func (t Toggle) Flip() Toggle {
	return t ^ 1
}

// Event is a bitmask of per-pipe interrupt sources.
type Event uint8

// Pipe interrupt sources.
const (
	EventReady    Event = 1 << iota // Buffer ready: IN data waiting in the FIFO
	EventEmpty                      // Buffer empty: OUT data accepted by the device
	EventNotReady                   // Buffer not ready: the transaction failed
	EventSetup                      // SETUP stage acknowledged (DCP only)

	EventAll = EventReady | EventEmpty | EventNotReady | EventSetup
)

// Fault is the reason attached to an [EventNotReady].
type Fault uint8

// Transaction faults reported by the controller.
const (
	FaultNone Fault = iota
	FaultStall
	FaultNoResponse
	FaultCRC
	FaultBitStuff
	FaultPIDCheck
	FaultUnexpectedPID
	FaultDataToggle
	FaultBabble
	FaultTransaction
	FaultBufferOverrun
	FaultBufferUnderrun
)

// Status returns the transfer status that a request failing with f reports.
func (f Fault) Status() pkg.TransferStatus {
	switch f {
	case FaultNone:
		return pkg.TransferOK
	case FaultStall:
		return pkg.TransferStall
	case FaultNoResponse:
		return pkg.TransferNotResponding
	case FaultCRC:
		return pkg.TransferCRC
	case FaultBitStuff:
		return pkg.TransferBitStuff
	case FaultPIDCheck:
		return pkg.TransferPIDCheck
	case FaultUnexpectedPID:
		return pkg.TransferUnexpectedPID
	case FaultDataToggle:
		return pkg.TransferDataToggle
	case FaultBabble:
		return pkg.TransferBabble
	case FaultBufferOverrun:
		return pkg.TransferBufferOverrun
	case FaultBufferUnderrun:
		return pkg.TransferBufferUnderrun
	default:
		return pkg.TransferTransaction
	}
}

// PipeEvent is one pending interrupt for one pipe.
type PipeEvent struct {
	Pipe  PipeNumber
	Event Event
	Fault Fault
}

// PipeConfig is the contents of a pipe's configuration registers.
type PipeConfig struct {
	Type          TransferType
	In            bool // Direction of the current stage
	Device        DeviceAddress
	Endpoint      uint8 // Endpoint number (0-15)
	MaxPacketSize uint16
	Interval      uint8
	Speed         Speed
}

// Pipe is the register group of one hardware pipe.
type Pipe interface {
	// Number returns the pipe number this group controls.
	Number() PipeNumber

	// Configure programs the pipe. The pipe must be at PIDNAK.
	Configure(cfg PipeConfig) error

	// Config returns the current configuration.
	Config() PipeConfig

	// SetPID sets the response mode.
	SetPID(pid PID)

	// PID returns the response mode.
	PID() PID

	// SetToggle sets the data toggle for the next transaction.
	SetToggle(t Toggle)

	// Toggle returns the data toggle for the next transaction.
	Toggle() Toggle

	// ClearBuffer discards any data staged in the pipe's buffer.
	ClearBuffer()

	// EnableEvents unmasks interrupt sources for the pipe.
	EnableEvents(e Event)

	// DisableEvents masks interrupt sources for the pipe.
	DisableEvents(e Event)

	// Events returns the unmasked interrupt sources.
	Events() Event
}

// Controller defines the hardware abstraction of a USB host controller with
// a fixed set of pipes sharing one FIFO port.
//
// Port numbers are 1-indexed. Pipe register groups are stable for the
// lifetime of the controller. Methods other than the lifecycle methods are
// called with the host's bus lock held and need not be safe for concurrent
// use.
type Controller interface {
	// Initialization and Lifecycle

	// Init initializes the controller hardware.
	Init(ctx context.Context) error

	// Start enables the controller and applies power to root ports.
	Start() error

	// Stop disables the controller and removes power from root ports.
	Stop() error

	// Close releases all resources associated with the controller.
	Close() error

	// Root Ports

	// NumPorts returns the number of root ports.
	NumPorts() int

	// PortStatus returns the status of a root port.
	PortStatus(port int) (PortStatus, error)

	// ResetPort drives bus reset on a root port. The attached device
	// answers at address 0 afterwards and the port becomes enabled.
	ResetPort(port int) error

	// EnablePort enables or disables a root port.
	EnablePort(port int, enable bool) error

	// ClearPortChange acknowledges the connect, enable and reset change
	// bits of a root port.
	ClearPortChange(port int) error

	// SetFrameSignaling starts or stops SOF generation on all root ports.
	SetFrameSignaling(enable bool)

	// Pipes and FIFO

	// Pipe returns the register group of pipe n, or nil if n is out of range.
	Pipe(n PipeNumber) Pipe

	// SelectFIFO points the shared FIFO port at pipe n in the given
	// direction and reports whether the FIFO is ready for access.
	SelectFIFO(n PipeNumber, write bool) bool

	// FIFOLength returns the number of received bytes in the selected FIFO.
	FIFOLength() int

	// ReadFIFO copies received bytes out of the selected FIFO.
	ReadFIFO(dst []byte) int

	// WriteFIFO stages bytes in the selected FIFO. When commit is true the
	// buffer is marked valid and sent even if shorter than a packet.
	WriteFIFO(src []byte, commit bool)

	// WriteSetup issues a SETUP stage on the default control pipe.
	WriteSetup(setup SetupPacket) error

	// PollEvents moves pending pipe interrupts into dst and returns how many
	// were written.
	PollEvents(dst []PipeEvent) int
}
