// Package scsi implements the wire formats of USB Mass Storage Bulk-Only
// Transport and the SCSI block command subset it carries.
//
// Both ends of the transport use these types: the host-side class driver
// builds [CommandBlockWrapper] values from the command descriptor block
// templates in this package and parses [CommandStatusWrapper] replies, while
// the simulated storage function decodes the same wrappers and answers with
// the response encoders.
//
// Multi-byte fields of wrappers are little-endian. Fields inside command
// descriptor blocks and command responses are big-endian.
package scsi
