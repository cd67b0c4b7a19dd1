// Package host implements the USB host stack of the RZ/A1H controller.
//
// It is platform-agnostic and drives hardware through the [hal.Controller]
// interface defined in the github.com/ardnew/rzusb/host/hal package. All
// bus traffic goes through the pipe pool of the
// github.com/ardnew/rzusb/host/pipe package.
//
// # Architecture
//
// The host stack is organized into several layers:
//
//   - Host owns the controller, the pipe pool and the device list
//   - Enumerator is a tick-driven state machine that finds, resets,
//     addresses and configures devices, recursing through hubs
//   - Device holds the descriptors of one device and the driver bound to it
//   - Driver is implemented by the class drivers under host/class
//
// # Ticks
//
// Nothing in the stack runs on its own. [Host.Step] services pipe events,
// advances idle timeouts and moves the enumerator one state. [Host.Run]
// calls Step at the configured tick period; tests call Step directly.
//
// # Enumeration
//
// Each device is reset three times. The first reset detects speed, the
// second is followed by an 8-byte device descriptor read that yields the
// control packet size, and the third by the full descriptor read. The
// device is then addressed, its configuration is read and a driver is
// selected. Failed attempts restart from the first reset; after the
// configured number of attempts the device is registered as not
// responding and its port is disabled.
//
// Devices on bus-powered hubs are configured only while the hub's shared
// budget allows it. Hubs deeper than the configured tier are registered
// but not configured.
//
// # Drivers
//
// Class drivers are registered per [DriverKind]:
//
//	h, err := host.New(ctrl, config.Default())
//	if err != nil {
//	    return err
//	}
//	h.RegisterDriver(host.DriverMassStorage, msc.New)
//	h.OnAttach(func(dev *host.Device) {
//	    log.Println("attached", dev)
//	})
//	if err := h.Start(ctx); err != nil {
//	    return err
//	}
//	go h.Run(ctx)
//
// A driver's control requests suspend the enumerator for their duration,
// so drivers and enumeration never share the default control pipe.
//
// A simulated controller for testing is available in
// [github.com/ardnew/rzusb/host/hal/sim].
package host
