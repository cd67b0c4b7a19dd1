// Package hal defines the hardware abstraction of a pipe-based USB host
// controller.
//
// The controller exposes a small, fixed set of pipes (transfer channels)
// that share a single FIFO access port. Each pipe is a typed register group
// ([Pipe]) obtained once from the [Controller] and indexed by
// [PipeNumber]:
//
//   - Pipe 0 ([DCP]) is the default control pipe; SETUP stages are issued
//     with [Controller.WriteSetup].
//   - Pipes 1-5 carry bulk transfers.
//   - Pipes 6-9 carry interrupt transfers.
//
// Data moves through the shared FIFO. A pipe must be selected with
// [Controller.SelectFIFO] before it is read or written; the selection can
// fail while the hardware still owns the FIFO, and callers bound their
// retries.
//
// Completion is interrupt-style: the controller latches per-pipe events
// (buffer ready, buffer empty, not ready with a [Fault]) that the host
// drains with [Controller.PollEvents].
//
// A deterministic simulated controller is available in
// [github.com/ardnew/rzusb/host/hal/sim].
package hal
