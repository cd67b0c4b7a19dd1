// Package msc implements the USB Mass Storage Class host driver using the
// Bulk-Only Transport (BOT) protocol with the SCSI transparent command set.
//
// # Bulk-Only Transport
//
// Every command runs in three phases over the two bulk endpoints:
//
//  1. Command Phase - the host sends a Command Block Wrapper (CBW)
//  2. Data Phase - optional, in the direction the CBW announces
//  3. Status Phase - the device returns a Command Status Wrapper (CSW)
//
// A stalled data phase is cleared and the status is still collected. An
// invalid CSW or a phase error triggers reset recovery: a Bulk-Only Mass
// Storage Reset followed by CLEAR_FEATURE(ENDPOINT_HALT) on both bulk
// endpoints.
//
// # SCSI Command Support
//
//   - TEST UNIT READY and REQUEST SENSE for readiness checks
//   - INQUIRY for identification
//   - READ CAPACITY (10) for geometry
//   - MODE SENSE (6) for the write-protect bit
//   - READ (10) and WRITE (10) for block I/O
//
// A command that ends with a failed CSW is followed by REQUEST SENSE and
// reported as a [*CommandError] carrying the sense data.
//
// # Usage Example
//
//	h, _ := host.New(ctrl, config.Default())
//	msc.Register(h)
//	h.Start(ctx)
//	go h.Run(ctx)
//
//	dev, _ := h.WaitDevice(ctx)
//	if drv, ok := dev.Driver().(*msc.Driver); ok {
//	    capacity, err := drv.ReadCapacity(ctx, 0)
//	    ...
//	}
//
// # References
//
//   - USB Mass Storage Class Bulk-Only Transport 1.0
//   - SCSI Primary Commands (SPC-4)
//   - SCSI Block Commands (SBC-3)
package msc
