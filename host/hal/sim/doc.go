// Package sim implements a deterministic simulated USB host controller and
// a set of simulated USB functions.
//
// The [Controller] satisfies [hal.Controller]. Bus activity happens only
// inside [Controller.PollEvents]: each call performs at most one packet
// transaction per armed pipe and reports the resulting pipe events, so a
// host driven tick by tick behaves identically on every run.
//
// Functions attach to a [Port]. Root ports belong to the controller; a
// [Hub] function exposes its own downstream ports, so device trees of any
// depth can be built:
//
//	c := sim.New(1)
//	hub := sim.NewHub(4, false)
//	c.Port(1).Attach(hub)
//	hub.Port(2).Attach(sim.NewKeyboard())
//
// The controller answers SET_ADDRESS itself and routes every other request
// to the addressed function. Faults can be injected with
// [Controller.StallFIFO] and with the knobs of [Generic].
package sim
