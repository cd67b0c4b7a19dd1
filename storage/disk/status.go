package disk

import (
	"github.com/ardnew/rzusb/host/class/msc"
	"github.com/ardnew/rzusb/scsi"
)

// Status is the outcome of a readiness check.
type Status uint8

// Readiness outcomes.
const (
	StatusOK Status = iota
	StatusMediaChanging
	StatusMediaNotPresent
	StatusMediaNotAvailable
	StatusDriverError
)

var statusNames = [...]string{
	StatusOK:                "ok",
	StatusMediaChanging:     "media-changing",
	StatusMediaNotPresent:   "media-not-present",
	StatusMediaNotAvailable: "media-not-available",
	StatusDriverError:       "driver-error",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}

// transient reports whether a later check may succeed.
func (s Status) transient() bool {
	switch s {
	case StatusMediaChanging, StatusMediaNotPresent, StatusMediaNotAvailable:
		return true
	}
	return false
}

// classify interprets the error of TEST UNIT READY.
func classify(err error) Status {
	if err == nil {
		return StatusOK
	}
	sense, ok := msc.SenseOf(err)
	if !ok {
		return StatusDriverError
	}
	switch {
	case sense.ASC == scsi.ASCMediumNotPresent:
		return StatusMediaNotPresent
	case sense.Key == scsi.SenseUnitAttention &&
		(sense.ASC == scsi.ASCNotReadyToReadyChange || sense.ASC == scsi.ASCPowerOnReset):
		return StatusMediaChanging
	case sense.Key == scsi.SenseNotReady &&
		sense.ASC == scsi.ASCLogicalUnitNotReady && sense.ASCQ == scsi.ASCQBecomingReady:
		return StatusMediaChanging
	case sense.Key == scsi.SenseNotReady:
		return StatusMediaNotAvailable
	}
	return StatusDriverError
}

// State is the condition of a disk record.
type State uint8

// Disk states.
const (
	StateNoMedia State = iota
	StateReady
	StateMediaError
	StateDeviceError
)

var stateNames = [...]string{
	StateNoMedia:     "no-media",
	StateReady:       "ready",
	StateMediaError:  "media-error",
	StateDeviceError: "device-error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
