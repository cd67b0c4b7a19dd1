package msc

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/scsi"
)

// Errors reported by the transport.
var (
	// ErrCommandFailed matches a [*CommandError] whose CSW reported failure.
	ErrCommandFailed = errors.New("mass storage: command failed")

	// ErrPhase reports a phase error or an invalid status wrapper.
	ErrPhase = errors.New("mass storage: phase error")
)

// CommandError describes a SCSI command that completed with a failed or
// phase-error status.
type CommandError struct {
	Op     uint8      // SCSI operation code
	Status uint8      // CSW status
	Sense  scsi.Sense // Sense data read after the failure
}

func (e *CommandError) Error() string {
	if e.Status == scsi.CSWStatusPhaseError {
		return fmt.Sprintf("mass storage: op %#02x: phase error", e.Op)
	}
	return fmt.Sprintf("mass storage: op %#02x failed: sense %#x/%#02x/%#02x",
		e.Op, e.Sense.Key, e.Sense.ASC, e.Sense.ASCQ)
}

// Is matches [ErrCommandFailed] or [ErrPhase] by status.
func (e *CommandError) Is(target error) bool {
	switch target {
	case ErrCommandFailed:
		return e.Status == scsi.CSWStatusFailed
	case ErrPhase:
		return e.Status == scsi.CSWStatusPhaseError
	}
	return false
}

// SenseOf returns the sense data carried by err, if any.
func SenseOf(err error) (scsi.Sense, bool) {
	var ce *CommandError
	if errors.As(err, &ce) && ce.Status == scsi.CSWStatusFailed {
		return ce.Sense, true
	}
	return scsi.Sense{}, false
}

// transport runs one Bulk-Only command and returns the number of data bytes
// moved and the CSW status. Callers hold d.mu.
func (d *Driver) transport(ctx context.Context, lun uint8, cdb []byte, data []byte, in bool) (int, uint8, error) {
	if d.closed.Load() {
		return 0, 0, pkg.ErrClosed
	}

	d.tag++
	tag := d.tag
	cbw := scsi.NewCBW(tag, lun, uint32(len(data)), in, cdb)
	cbw.MarshalTo(d.cbwBuf[:])

	if _, err := d.dev.Transfer(ctx, d.out, d.cbwBuf[:]); err != nil {
		if errors.Is(err, pkg.ErrStall) {
			return 0, 0, errors.Join(fmt.Errorf("command phase: %w", err), d.resetRecovery(ctx))
		}
		return 0, 0, fmt.Errorf("command phase: %w", err)
	}

	var n int
	if len(data) > 0 {
		ep := d.out
		if in {
			ep = d.in
		}
		var err error
		n, err = d.dev.Transfer(ctx, ep, data)
		switch {
		case errors.Is(err, pkg.ErrStall):
			pkg.LogDebug(pkg.ComponentClass, "data phase stalled",
				"device", d.dev.Address(), "op", cdb[0], "moved", n)
			if err := d.dev.ClearHalt(ctx, ep); err != nil {
				return n, 0, errors.Join(err, d.resetRecovery(ctx))
			}
		case err != nil:
			return n, 0, fmt.Errorf("data phase: %w", err)
		}
	}

	csw, err := d.readStatus(ctx)
	if err != nil {
		return n, 0, err
	}
	if csw.Tag != tag || csw.Status > scsi.CSWStatusPhaseError {
		pkg.LogWarn(pkg.ComponentClass, "invalid status wrapper",
			"device", d.dev.Address(), "tag", csw.Tag, "want", tag, "status", csw.Status)
		return n, 0, errors.Join(ErrPhase, d.resetRecovery(ctx))
	}
	if csw.Status == scsi.CSWStatusPhaseError {
		if err := d.resetRecovery(ctx); err != nil {
			return n, csw.Status, err
		}
	}
	return n, csw.Status, nil
}

// readStatus reads the CSW, clearing a stalled IN endpoint once.
func (d *Driver) readStatus(ctx context.Context) (scsi.CommandStatusWrapper, error) {
	var csw scsi.CommandStatusWrapper
	for attempt := 0; ; attempt++ {
		n, err := d.dev.Transfer(ctx, d.in, d.cswBuf[:])
		if errors.Is(err, pkg.ErrStall) && attempt == 0 {
			if err := d.dev.ClearHalt(ctx, d.in); err != nil {
				return csw, errors.Join(err, d.resetRecovery(ctx))
			}
			continue
		}
		if err != nil {
			if errors.Is(err, pkg.ErrStall) {
				return csw, errors.Join(fmt.Errorf("status phase: %w", err), d.resetRecovery(ctx))
			}
			return csw, fmt.Errorf("status phase: %w", err)
		}
		if !scsi.ParseCSW(d.cswBuf[:n], &csw) {
			pkg.LogWarn(pkg.ComponentClass, "malformed status wrapper",
				"device", d.dev.Address(), "length", n)
			return csw, errors.Join(ErrPhase, d.resetRecovery(ctx))
		}
		return csw, nil
	}
}

// execute runs a command and converts a failed status into a
// [*CommandError] carrying the sense data. Callers hold d.mu.
func (d *Driver) execute(ctx context.Context, lun uint8, cdb []byte, data []byte, in bool) (int, error) {
	n, status, err := d.transport(ctx, lun, cdb, data, in)
	if err != nil {
		return n, err
	}
	switch status {
	case scsi.CSWStatusGood:
		return n, nil
	case scsi.CSWStatusPhaseError:
		return n, &CommandError{Op: cdb[0], Status: status}
	}

	ce := &CommandError{Op: cdb[0], Status: status}
	if cdb[0] != scsi.OpRequestSense {
		if sense, err := d.requestSense(ctx, lun); err == nil {
			ce.Sense = sense
		} else {
			pkg.LogDebug(pkg.ComponentClass, "request sense failed", "device", d.dev.Address(), "error", err)
		}
	}
	return n, ce
}

func (d *Driver) requestSense(ctx context.Context, lun uint8) (scsi.Sense, error) {
	var sense scsi.Sense
	clear(d.senseBuf[:])
	n, status, err := d.transport(ctx, lun, scsi.RequestSense(), d.senseBuf[:], true)
	if err != nil {
		return sense, err
	}
	if status != scsi.CSWStatusGood {
		return sense, &CommandError{Op: scsi.OpRequestSense, Status: status}
	}
	if !scsi.ParseSense(d.senseBuf[:n], &sense) {
		return sense, fmt.Errorf("request sense: %w", pkg.ErrDescriptorTooShort)
	}
	return sense, nil
}
