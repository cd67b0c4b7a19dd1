package pkg

import "errors"

// USB transport errors.
var (
	// ErrCRC indicates a CRC error on a received packet.
	ErrCRC = errors.New("CRC error")

	// ErrBitStuff indicates a bit stuffing error.
	ErrBitStuff = errors.New("bit stuffing error")

	// ErrDataToggle indicates a data PID (DATA0/DATA1) mismatch.
	ErrDataToggle = errors.New("data toggle mismatch")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrNotResponding indicates the device did not answer (absent or NAK timeout).
	ErrNotResponding = errors.New("device not responding")

	// ErrPIDCheck indicates a PID check-bit failure.
	ErrPIDCheck = errors.New("PID check failure")

	// ErrUnexpectedPID indicates a PID that is valid but not expected here.
	ErrUnexpectedPID = errors.New("unexpected PID")

	// ErrOverrun indicates the device sent more bytes than the destination holds.
	ErrOverrun = errors.New("data overrun")

	// ErrUnderrun indicates the device sent fewer bytes than required.
	ErrUnderrun = errors.New("data underrun")

	// ErrBabble indicates the device transmitted past the end of a frame.
	ErrBabble = errors.New("babble detected")

	// ErrTransaction indicates a generic transaction error.
	ErrTransaction = errors.New("transaction error")

	// ErrBufferOverrun indicates the controller buffer overran.
	ErrBufferOverrun = errors.New("buffer overrun")

	// ErrBufferUnderrun indicates the controller buffer underran.
	ErrBufferUnderrun = errors.New("buffer underrun")

	// ErrFIFOWrite indicates the FIFO could not be acquired for writing.
	ErrFIFOWrite = errors.New("FIFO write error")

	// ErrFIFORead indicates the FIFO could not be acquired for reading.
	ErrFIFORead = errors.New("FIFO read error")

	// ErrSetupTimeout indicates the SETUP stage of a control transfer timed out.
	ErrSetupTimeout = errors.New("setup stage timeout")

	// ErrDataTimeout indicates the DATA stage of a control transfer timed out.
	ErrDataTimeout = errors.New("data stage timeout")

	// ErrStatusTimeout indicates the STATUS stage of a control transfer timed out.
	ErrStatusTimeout = errors.New("status stage timeout")

	// ErrEndpointNotFound indicates the requested endpoint does not exist.
	ErrEndpointNotFound = errors.New("endpoint not found")

	// ErrDeviceNotFound indicates the requested device does not exist.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrInvalidAddress indicates an invalid device address.
	ErrInvalidAddress = errors.New("invalid device address")

	// ErrIdleTimeout indicates a request saw no bus activity within its idle timeout.
	ErrIdleTimeout = errors.New("idle timeout")

	// ErrSignalCreate indicates a completion signal could not be created.
	ErrSignalCreate = errors.New("signal creation error")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrNoPipe indicates every hardware pipe is leased.
	ErrNoPipe = errors.New("no free pipe")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")
)

// General errors.
var (
	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrNoMemory indicates insufficient memory.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrClosed indicates use of a released object.
	ErrClosed = errors.New("closed")

	// ErrAlreadyRunning indicates the stack is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the stack is not running.
	ErrNotRunning = errors.New("not running")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrNotConfigured indicates the device is not configured.
	ErrNotConfigured = errors.New("device not configured")

	// ErrDetached indicates the device was removed from the bus.
	ErrDetached = errors.New("device detached")
)

// TransferStatus represents the completion status of a transfer request.
type TransferStatus uint8

// Transfer status values.
const (
	TransferOK               TransferStatus = iota // Transfer completed successfully
	TransferCRC                                    // CRC error
	TransferBitStuff                               // Bit stuffing error
	TransferDataToggle                             // Data PID mismatch
	TransferStall                                  // Endpoint stalled
	TransferNotResponding                          // Device absent or NAK timeout
	TransferPIDCheck                               // PID check failure
	TransferUnexpectedPID                          // Unexpected PID
	TransferDataOverrun                            // More data than the buffer holds
	TransferDataUnderrun                           // Less data than required
	TransferBabble                                 // Babble
	TransferTransaction                            // Transaction error
	TransferBufferOverrun                          // Controller buffer overrun
	TransferBufferUnderrun                         // Controller buffer underrun
	TransferFIFOWrite                              // FIFO write access failed
	TransferFIFORead                               // FIFO read access failed
	TransferInvalidParameter                       // Invalid parameter
	TransferSetupTimeout                           // SETUP stage timeout
	TransferDataTimeout                            // DATA stage timeout
	TransferStatusTimeout                          // STATUS stage timeout
	TransferEndpointNotFound                       // Endpoint not found
	TransferDeviceNotFound                         // Device not found
	TransferInvalidAddress                         // Invalid device address
	TransferIdleTimeout                            // Idle timeout
	TransferSignalCreate                           // Signal creation error
	TransferCancelled                              // Cancelled by the caller
)

var transferStatusNames = [...]string{
	TransferOK:               "ok",
	TransferCRC:              "crc",
	TransferBitStuff:         "bit-stuffing",
	TransferDataToggle:       "data-toggle",
	TransferStall:            "stall",
	TransferNotResponding:    "not-responding",
	TransferPIDCheck:         "pid-check",
	TransferUnexpectedPID:    "unexpected-pid",
	TransferDataOverrun:      "data-overrun",
	TransferDataUnderrun:     "data-underrun",
	TransferBabble:           "babble",
	TransferTransaction:      "transaction",
	TransferBufferOverrun:    "buffer-overrun",
	TransferBufferUnderrun:   "buffer-underrun",
	TransferFIFOWrite:        "fifo-write",
	TransferFIFORead:         "fifo-read",
	TransferInvalidParameter: "invalid-parameter",
	TransferSetupTimeout:     "setup-timeout",
	TransferDataTimeout:      "data-timeout",
	TransferStatusTimeout:    "status-timeout",
	TransferEndpointNotFound: "endpoint-not-found",
	TransferDeviceNotFound:   "device-not-found",
	TransferInvalidAddress:   "invalid-address",
	TransferIdleTimeout:      "idle-timeout",
	TransferSignalCreate:     "signal-create",
	TransferCancelled:        "cancelled",
}

var transferStatusErrors = [...]error{
	TransferOK:               nil,
	TransferCRC:              ErrCRC,
	TransferBitStuff:         ErrBitStuff,
	TransferDataToggle:       ErrDataToggle,
	TransferStall:            ErrStall,
	TransferNotResponding:    ErrNotResponding,
	TransferPIDCheck:         ErrPIDCheck,
	TransferUnexpectedPID:    ErrUnexpectedPID,
	TransferDataOverrun:      ErrOverrun,
	TransferDataUnderrun:     ErrUnderrun,
	TransferBabble:           ErrBabble,
	TransferTransaction:      ErrTransaction,
	TransferBufferOverrun:    ErrBufferOverrun,
	TransferBufferUnderrun:   ErrBufferUnderrun,
	TransferFIFOWrite:        ErrFIFOWrite,
	TransferFIFORead:         ErrFIFORead,
	TransferInvalidParameter: ErrInvalidParameter,
	TransferSetupTimeout:     ErrSetupTimeout,
	TransferDataTimeout:      ErrDataTimeout,
	TransferStatusTimeout:    ErrStatusTimeout,
	TransferEndpointNotFound: ErrEndpointNotFound,
	TransferDeviceNotFound:   ErrDeviceNotFound,
	TransferInvalidAddress:   ErrInvalidAddress,
	TransferIdleTimeout:      ErrIdleTimeout,
	TransferSignalCreate:     ErrSignalCreate,
	TransferCancelled:        ErrCancelled,
}

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	if int(s) < len(transferStatusNames) {
		return transferStatusNames[s]
	}
	return "unknown"
}

// Error returns the corresponding sentinel error for the transfer status,
// or nil for [TransferOK].
func (s TransferStatus) Error() error {
	if int(s) < len(transferStatusErrors) {
		return transferStatusErrors[s]
	}
	return ErrTransaction
}

// Retryable reports whether a transfer that ended with this status may be
// reissued unchanged. Data overrun is fatal and never retried.
func (s TransferStatus) Retryable() bool {
	switch s {
	case TransferCRC, TransferBitStuff, TransferDataToggle, TransferPIDCheck,
		TransferUnexpectedPID, TransferTransaction, TransferBufferOverrun,
		TransferBufferUnderrun:
		return true
	default:
		return false
	}
}

// StatusOf returns the transfer status that corresponds to err. Errors that
// do not wrap one of the transport sentinels map to [TransferTransaction].
func StatusOf(err error) TransferStatus {
	if err == nil {
		return TransferOK
	}
	for i, e := range transferStatusErrors {
		if e != nil && errors.Is(err, e) {
			return TransferStatus(i)
		}
	}
	return TransferTransaction
}
