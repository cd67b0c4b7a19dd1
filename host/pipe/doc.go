// Package pipe moves data between host memory and device endpoints over the
// controller's fixed set of hardware pipes.
//
// A [Pool] owns the pipe register groups. A transfer needs a [Lease] on one
// pipe, obtained with [Pool.Acquire]; starting a [Request] or [Control] on
// the lease binds the pipe to it until the transfer completes or is
// cancelled, after which the pipe returns to the pool. [Pool.Submit] and
// [Pool.SubmitControl] combine both steps.
//
// Transfers advance only when the owner of the pool calls [Pool.Service],
// which handles pending pipe events one packet at a time, and [Pool.Tick],
// which runs the per-request idle countdown.
package pipe
