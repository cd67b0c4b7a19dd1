package fatfs

import (
	"strconv"

	"github.com/ardnew/rzusb/pkg"
)

// Result is a return code of a FAT library operation. The numbering follows
// the FatFs FRESULT codes.
type Result int

// Library result codes.
const (
	ResultOK                 Result = iota // Succeeded
	ResultDiskErr                          // Hard error in the low level disk I/O layer
	ResultIntErr                           // Assertion failed
	ResultNotReady                         // The physical drive cannot work
	ResultNoFile                           // Could not find the file
	ResultNoPath                           // Could not find the path
	ResultInvalidName                      // The path name format is invalid
	ResultDenied                           // Access denied or directory full
	ResultExist                            // Object already exists
	ResultInvalidObject                    // The file or directory object is invalid
	ResultWriteProtected                   // The physical drive is write protected
	ResultInvalidDrive                     // The logical drive number is invalid
	ResultNotEnabled                       // The volume has no work area
	ResultNoFilesystem                     // There is no valid FAT volume
	ResultMkfsAborted                      // Format aborted
	ResultTimeout                          // Could not get a grant to access the volume
	ResultLocked                           // Rejected by the file sharing policy
	ResultNotEnoughCore                    // Working buffer could not be allocated
	ResultTooManyOpenFiles                 // Too many open files
	ResultInvalidParameter                 // A parameter is invalid
	ResultUnsupported                      // The operation is not implemented
)

func (r Result) String() string {
	return "fr:" + strconv.Itoa(int(r))
}

// Error is the drive-level filesystem status. It is not numbered like
// [Result]; library codes are converted with [Translate].
type Error uint8

// Filesystem status values.
const (
	OK Error = iota
	ErrDisk
	ErrNotReady
	ErrWriteProtected
	ErrInvalidDrive
	ErrNotEnabled
	ErrNoFilesystem
	ErrNoFile
	ErrNoPath
	ErrInvalidName
	ErrExist
	ErrDenied
	ErrInvalidObject
	ErrLocked
	ErrTooManyOpenFiles
	ErrTimeout
	ErrNotEnoughCore
	ErrInvalidParameter
	ErrUnsupported
	ErrInternal
)

var errorNames = [...]string{
	OK:                  "ok",
	ErrDisk:             "disk error",
	ErrNotReady:         "not ready",
	ErrWriteProtected:   "write protected",
	ErrInvalidDrive:     "invalid drive",
	ErrNotEnabled:       "volume not enabled",
	ErrNoFilesystem:     "no filesystem",
	ErrNoFile:           "no such file",
	ErrNoPath:           "no such path",
	ErrInvalidName:      "invalid name",
	ErrExist:            "already exists",
	ErrDenied:           "access denied",
	ErrInvalidObject:    "invalid object",
	ErrLocked:           "locked",
	ErrTooManyOpenFiles: "too many open files",
	ErrTimeout:          "timeout",
	ErrNotEnoughCore:    "not enough memory",
	ErrInvalidParameter: "invalid parameter",
	ErrUnsupported:      "unsupported",
	ErrInternal:         "internal error",
}

func (e Error) String() string {
	if int(e) < len(errorNames) {
		return errorNames[e]
	}
	return "fatfs error " + strconv.Itoa(int(e))
}

func (e Error) Error() string {
	return "fatfs: " + e.String()
}

// Is matches the general pkg sentinels that share a meaning with e.
func (e Error) Is(target error) bool {
	switch target {
	case pkg.ErrInvalidParameter:
		return e == ErrInvalidParameter
	case pkg.ErrNotSupported:
		return e == ErrUnsupported
	case pkg.ErrNoMemory:
		return e == ErrNotEnoughCore
	case pkg.ErrClosed:
		return e == ErrInvalidObject
	}
	return false
}

// resultErrors must gain an entry whenever a Result is added.
var resultErrors = [...]Error{
	ResultOK:               OK,
	ResultDiskErr:          ErrDisk,
	ResultIntErr:           ErrInternal,
	ResultNotReady:         ErrNotReady,
	ResultNoFile:           ErrNoFile,
	ResultNoPath:           ErrNoPath,
	ResultInvalidName:      ErrInvalidName,
	ResultDenied:           ErrDenied,
	ResultExist:            ErrExist,
	ResultInvalidObject:    ErrInvalidObject,
	ResultWriteProtected:   ErrWriteProtected,
	ResultInvalidDrive:     ErrInvalidDrive,
	ResultNotEnabled:       ErrNotEnabled,
	ResultNoFilesystem:     ErrNoFilesystem,
	ResultMkfsAborted:      ErrInternal,
	ResultTimeout:          ErrTimeout,
	ResultLocked:           ErrLocked,
	ResultNotEnoughCore:    ErrNotEnoughCore,
	ResultTooManyOpenFiles: ErrTooManyOpenFiles,
	ResultInvalidParameter: ErrInvalidParameter,
	ResultUnsupported:      ErrUnsupported,
}

// Translate converts a library result code. Codes outside the table are
// reported as [ErrInternal].
func Translate(r Result) Error {
	if r < 0 || int(r) >= len(resultErrors) {
		pkg.LogWarn(pkg.ComponentFAT, "unknown library result", "result", int(r))
		return ErrInternal
	}
	return resultErrors[r]
}

// Err returns nil for [ResultOK] and the translated [Error] otherwise.
func (r Result) Err() error {
	if e := Translate(r); e != OK {
		return e
	}
	return nil
}
