package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/host/pipe"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/pkg/config"
	"github.com/ardnew/rzusb/usb"
)

// State is one step of the enumeration state machine.
type State uint8

// Enumeration states, in the order a device normally passes through them.
const (
	StateIdle State = iota
	StateNextPort
	StatePortStatus
	StateClearChange
	StateCheckPort
	StateDetach
	StateRetry
	StateNotResponding

	StateReset1
	StateEnable1
	StateClearReset1
	StateSleep1
	StateReset2
	StateEnable2
	StateClearReset2
	StateSleep2
	StateGetDevice8
	StateReset3
	StateEnable3
	StateClearReset3
	StateSleep3
	StateGetDeviceFull

	StateSetAddress
	StateAddressRecovery
	StateGetConfigHeader
	StateGetConfig
	StateSelectDriver
	StateGetLanguage
	StateGetManufacturer
	StateGetProduct
	StateGetSerial
	StatePowerCheck
	StateSetConfiguration

	StateHubDescriptor
	StateHubPowerPort
	StateHubPowerDelay
	StateHubAddPorts

	StateDeviceComplete
)

var stateNames = [...]string{
	StateIdle:             "idle",
	StateNextPort:         "next-port",
	StatePortStatus:       "port-status",
	StateClearChange:      "clear-change",
	StateCheckPort:        "check-port",
	StateDetach:           "detach",
	StateRetry:            "retry",
	StateNotResponding:    "not-responding",
	StateReset1:           "reset-1",
	StateEnable1:          "enable-1",
	StateClearReset1:      "clear-reset-1",
	StateSleep1:           "sleep-1",
	StateReset2:           "reset-2",
	StateEnable2:          "enable-2",
	StateClearReset2:      "clear-reset-2",
	StateSleep2:           "sleep-2",
	StateGetDevice8:       "get-device-8",
	StateReset3:           "reset-3",
	StateEnable3:          "enable-3",
	StateClearReset3:      "clear-reset-3",
	StateSleep3:           "sleep-3",
	StateGetDeviceFull:    "get-device",
	StateSetAddress:       "set-address",
	StateAddressRecovery:  "address-recovery",
	StateGetConfigHeader:  "get-config-header",
	StateGetConfig:        "get-config",
	StateSelectDriver:     "select-driver",
	StateGetLanguage:      "get-language",
	StateGetManufacturer:  "get-manufacturer",
	StateGetProduct:       "get-product",
	StateGetSerial:        "get-serial",
	StatePowerCheck:       "power-check",
	StateSetConfiguration: "set-configuration",
	StateHubDescriptor:    "hub-descriptor",
	StateHubPowerPort:     "hub-power-port",
	StateHubPowerDelay:    "hub-power-delay",
	StateHubAddPorts:      "hub-add-ports",
	StateDeviceComplete:   "device-complete",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// resetPass is one reset, enable, clear-reset and sleep sequence. The
// first pass detects the speed, the second precedes the 8-byte device
// descriptor read and the third precedes the full read.
type resetPass struct {
	reset, enable, clear, sleep, then State
}

var resetPasses = [...]resetPass{
	{StateReset1, StateEnable1, StateClearReset1, StateSleep1, StateReset2},
	{StateReset2, StateEnable2, StateClearReset2, StateSleep2, StateGetDevice8},
	{StateReset3, StateEnable3, StateClearReset3, StateSleep3, StateGetDeviceFull},
}

func passOf(s State) (resetPass, bool) {
	for _, p := range resetPasses {
		if s == p.reset || s == p.enable || s == p.clear || s == p.sleep {
			return p, true
		}
	}
	return resetPass{}, false
}

// devreq is the control request the enumerator has in flight. The pipe
// layer moves it through its setup, data and status phases.
type devreq struct {
	owner  State
	active bool
	ep     Endpoint
	ctl    *pipe.Control
}

// Enumerator discovers, addresses and configures devices. It is advanced
// one step per tick by [Enumerator.Run] and walks every root and hub port
// in turn, enumerating one device at a time.
type Enumerator struct {
	h   *Host
	cfg config.Host

	// exclusive is held by a driver between Suspend and Resume.
	exclusive chan struct{}

	mu    sync.Mutex
	state State
	delay int

	// Port sweep cursor
	cursor int
	port   *Port

	// Device being enumerated
	dev     *Device
	addr    hal.DeviceAddress
	retries int
	cfgLen  int
	hubPort int

	req devreq
	buf [usb.MaxDescriptorSize]byte

	suspended bool
	countdown int
}

func newEnumerator(h *Host) *Enumerator {
	return &Enumerator{
		h:         h,
		cfg:       h.cfg,
		exclusive: make(chan struct{}, 1),
		cursor:    -1,
	}
}

// reset returns the state machine to idle and forgets any device in
// progress.
func (e *Enumerator) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateIdle
	e.delay = 0
	e.cursor = -1
	e.port = nil
	e.dev = nil
	e.addr = 0
	e.req = devreq{}
	e.suspended = false
}

// State returns the current state.
func (e *Enumerator) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RequestPhase returns the phase of the enumerator's control request, or
// [pipe.PhaseIdle] when none is in flight.
func (e *Enumerator) RequestPhase() pipe.Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.req.active {
		return pipe.PhaseIdle
	}
	return e.req.ctl.Phase()
}

// Suspended reports whether a driver holds the default control pipe.
func (e *Enumerator) Suspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.suspended
}

// Suspend pauses enumeration so the caller can use the default control
// pipe. It waits for the enumerator's own request to finish, then holds
// the pause until [Enumerator.Resume] or until the suspend countdown
// expires. Suspend must not be called from the goroutine driving the host.
func (e *Enumerator) Suspend(ctx context.Context) error {
	select {
	case e.exclusive <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		tick := e.h.nextTick()
		e.mu.Lock()
		if !e.req.active || !e.req.ctl.InProgress() {
			e.suspended = true
			e.countdown = e.cfg.SuspendTicks
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()

		select {
		case <-tick:
		case <-ctx.Done():
			<-e.exclusive
			return ctx.Err()
		}
	}
}

// Resume ends a suspension started by [Enumerator.Suspend].
func (e *Enumerator) Resume() {
	e.mu.Lock()
	e.suspended = false
	e.mu.Unlock()
	select {
	case <-e.exclusive:
	default:
	}
}

// Run advances the state machine by one tick.
func (e *Enumerator) Run() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.suspended {
		e.countdown--
		if e.countdown > 0 {
			return
		}
		pkg.LogWarn(pkg.ComponentEnum, "suspend expired, resuming enumeration")
		e.suspended = false
	}

	if e.delay > 0 {
		e.delay--
		return
	}

	next := e.step()
	if next != e.state {
		pkg.LogDebug(pkg.ComponentEnum, "state", "from", e.state, "to", next)
		e.state = next
	}
}

func (e *Enumerator) step() State {
	s := e.state
	if pass, ok := passOf(s); ok {
		return e.stepReset(s, pass)
	}

	switch s {
	case StateIdle:
		e.cursor = -1
		return StateNextPort

	case StateNextPort:
		ports := e.h.portList()
		e.cursor++
		if e.cursor >= len(ports) {
			e.port = nil
			e.delay = e.cfg.PollTicks
			return StateIdle
		}
		e.port = ports[e.cursor]
		return StatePortStatus

	case StatePortStatus:
		st, done, err := e.portStatus(e.port)
		if !done {
			return s
		}
		if err != nil {
			pkg.LogDebug(pkg.ComponentEnum, "port status failed", "port", e.port, "error", err)
			return StateNextPort
		}
		e.port.status = st
		if st.ConnectChange || st.EnableChange {
			return StateClearChange
		}
		return StateCheckPort

	case StateClearChange:
		feature := uint16(usb.FeatureCPortConnection)
		if !e.port.status.ConnectChange {
			feature = usb.FeatureCPortEnable
		}
		done, err := e.clearChange(e.port, feature)
		if !done {
			return s
		}
		if err != nil {
			pkg.LogDebug(pkg.ComponentEnum, "clear port change failed", "port", e.port, "error", err)
		}
		return StateCheckPort

	case StateCheckPort:
		st := e.port.status
		dev := e.port.Device()
		switch {
		case dev != nil && (!st.Connected || st.ConnectChange):
			return StateDetach
		case dev == nil && st.Connected:
			e.begin()
			return StateReset1
		}
		return StateNextPort

	case StateDetach:
		if dev := e.port.Device(); dev != nil {
			e.h.detach(dev)
		}
		if e.port.status.Connected {
			e.begin()
			return StateReset1
		}
		return StateNextPort

	case StateRetry:
		e.dev.resetEndpoint0(hal.SpeedUnknown)
		e.dev.descriptor = usb.DeviceDescriptor{}
		return StateReset1

	case StateNotResponding:
		done, err := e.disablePort(e.port)
		if !done {
			return s
		}
		if err != nil {
			pkg.LogWarn(pkg.ComponentEnum, "disable port failed", "port", e.port, "error", err)
		}
		pkg.LogWarn(pkg.ComponentEnum, "device not responding", "port", e.port, "attempts", e.retries)
		e.dev.resetEndpoint0(e.dev.speed)
		e.dev.kind = DriverNone
		e.dev.setStatus(StatusNotResponding)
		e.h.register(e.dev)
		e.dev = nil
		return StateNextPort

	case StateGetDevice8:
		buf := e.buf[:hal.DefaultMaxPacketSize0]
		setup := usb.GetDescriptor(usb.DescriptorTypeDevice, 0, 0, len(buf))
		n, done, err := e.transfer(&e.dev.ep0, setup, buf)
		if !done {
			return s
		}
		if err == nil {
			err = checkPartialDevice(buf[:n])
		}
		if err != nil {
			return e.fail(err)
		}
		e.dev.ep0.MaxPacketSize = uint16(buf[7])
		return StateReset3

	case StateGetDeviceFull:
		buf := e.buf[:usb.DeviceDescriptorSize]
		setup := usb.GetDescriptor(usb.DescriptorTypeDevice, 0, 0, len(buf))
		n, done, err := e.transfer(&e.dev.ep0, setup, buf)
		if !done {
			return s
		}
		if err == nil {
			err = usb.ParseDeviceDescriptor(buf[:n], &e.dev.descriptor)
		}
		if err != nil {
			return e.fail(err)
		}
		return StateSetAddress

	case StateSetAddress:
		if e.addr == 0 {
			addr, ok := e.h.allocateAddress()
			if !ok {
				return e.fail(fmt.Errorf("%w: address space exhausted", pkg.ErrInvalidAddress))
			}
			e.addr = addr
		}
		_, done, err := e.transfer(&e.dev.ep0, usb.SetAddress(e.addr), nil)
		if !done {
			return s
		}
		if err != nil {
			return e.fail(err)
		}
		e.dev.address = e.addr
		e.dev.ep0.Device = e.addr
		e.delay = e.cfg.AddressRecoveryTicks
		return StateAddressRecovery

	case StateAddressRecovery:
		return StateGetConfigHeader

	case StateGetConfigHeader:
		buf := e.buf[:usb.ConfigurationDescriptorSize]
		setup := usb.GetDescriptor(usb.DescriptorTypeConfiguration, 0, 0, len(buf))
		n, done, err := e.transfer(&e.dev.ep0, setup, buf)
		if !done {
			return s
		}
		var desc usb.ConfigurationDescriptor
		if err == nil {
			err = usb.ParseConfigurationDescriptor(buf[:n], &desc)
		}
		if err == nil && int(desc.TotalLength) < usb.ConfigurationDescriptorSize {
			err = pkg.ErrDescriptorTooShort
		}
		if err != nil {
			return e.fail(err)
		}
		e.cfgLen = min(int(desc.TotalLength), len(e.buf))
		return StateGetConfig

	case StateGetConfig:
		buf := e.buf[:e.cfgLen]
		setup := usb.GetDescriptor(usb.DescriptorTypeConfiguration, 0, 0, len(buf))
		n, done, err := e.transfer(&e.dev.ep0, setup, buf)
		if !done {
			return s
		}
		if err == nil {
			err = usb.ParseConfiguration(buf[:n], &e.dev.config)
		}
		if err != nil {
			return e.fail(err)
		}
		return StateSelectDriver

	case StateSelectDriver:
		d := e.dev
		d.kind, d.iface = SelectClass(&d.descriptor, &d.config, e.h.overrides)
		switch {
		case d.kind == DriverNone:
			d.setStatus(StatusUnsupported)
		case d.kind == DriverHub && d.tier >= e.cfg.MaxTier:
			pkg.LogWarn(pkg.ComponentEnum, "hub tier too deep", "port", e.port, "tier", d.tier)
			d.setStatus(StatusTierTooDeep)
		}
		pkg.LogInfo(pkg.ComponentEnum, "driver selected",
			"device", d.address, "vendor", d.descriptor.VendorID, "product", d.descriptor.ProductID,
			"driver", d.kind, "interface", d.iface)
		return StateGetLanguage

	case StateGetLanguage:
		d := &e.dev.descriptor
		e.dev.langID = usb.LangIDUSEnglish
		if d.ManufacturerIndex == 0 && d.ProductIndex == 0 && d.SerialNumberIndex == 0 {
			return StatePowerCheck
		}
		buf := e.buf[:usb.MaxStringDescriptorSize]
		setup := usb.GetDescriptor(usb.DescriptorTypeString, 0, 0, len(buf))
		n, done, err := e.transfer(&e.dev.ep0, setup, buf)
		if !done {
			return s
		}
		if err == nil {
			var ids []uint16
			if ids, err = usb.ParseLanguages(buf[:n]); err == nil && len(ids) > 0 {
				e.dev.langID = ids[0]
			}
		}
		if err != nil {
			pkg.LogDebug(pkg.ComponentEnum, "language IDs unavailable", "device", e.dev.address, "error", err)
		}
		return StateGetManufacturer

	case StateGetManufacturer:
		return e.readString(e.dev.descriptor.ManufacturerIndex, &e.dev.manufacturer, StateGetProduct)

	case StateGetProduct:
		return e.readString(e.dev.descriptor.ProductIndex, &e.dev.product, StateGetSerial)

	case StateGetSerial:
		return e.readString(e.dev.descriptor.SerialNumberIndex, &e.dev.serial, StatePowerCheck)

	case StatePowerCheck:
		if e.dev.Status() != StatusOK {
			return StateDeviceComplete
		}
		need := e.dev.config.MaxPowerMilliamps()
		if draw := e.h.siblingPower(e.port, e.dev); draw+need > usb.BusPowerBudget {
			pkg.LogWarn(pkg.ComponentEnum, "power budget exceeded",
				"port", e.port, "need_mA", need, "draw_mA", draw, "budget_mA", usb.BusPowerBudget)
			e.dev.setStatus(StatusPowerLimited)
			return StateDeviceComplete
		}
		return StateSetConfiguration

	case StateSetConfiguration:
		value := e.dev.config.Descriptor.ConfigurationValue
		_, done, err := e.transfer(&e.dev.ep0, usb.SetConfiguration(value), nil)
		if !done {
			return s
		}
		if err != nil {
			return e.fail(err)
		}
		e.dev.mu.Lock()
		e.dev.configured = true
		e.dev.power = e.dev.config.MaxPowerMilliamps()
		e.dev.mu.Unlock()
		e.dev.bindEndpoints()
		if e.dev.kind == DriverHub {
			return StateHubDescriptor
		}
		return StateDeviceComplete

	case StateHubDescriptor:
		buf := e.buf[:usb.HubDescriptorMinSize]
		n, done, err := e.transfer(&e.dev.ep0, usb.GetHubDescriptor(len(buf)), buf)
		if !done {
			return s
		}
		if err == nil {
			err = usb.ParseHubDescriptor(buf[:n], &e.dev.hub)
		}
		if err != nil {
			pkg.LogWarn(pkg.ComponentEnum, "hub descriptor unavailable", "device", e.dev.address, "error", err)
			return StateDeviceComplete
		}
		e.hubPort = 1
		return StateHubPowerPort

	case StateHubPowerPort:
		if e.hubPort > int(e.dev.hub.NumPorts) {
			e.delay = e.ticks(e.dev.hub.PowerOnDelayMs())
			return StateHubPowerDelay
		}
		_, done, err := e.transfer(&e.dev.ep0, usb.SetPortFeature(e.hubPort, usb.FeaturePortPower), nil)
		if !done {
			return s
		}
		if err != nil {
			pkg.LogWarn(pkg.ComponentEnum, "hub port power failed", "device", e.dev.address, "port", e.hubPort, "error", err)
		}
		e.hubPort++
		return s

	case StateHubPowerDelay:
		return StateHubAddPorts

	case StateHubAddPorts:
		ports := make([]*Port, e.dev.hub.NumPorts)
		for i := range ports {
			ports[i] = newPort(i+1, e.dev)
		}
		e.dev.mu.Lock()
		e.dev.ports = ports
		e.dev.mu.Unlock()
		return StateDeviceComplete

	case StateDeviceComplete:
		e.h.register(e.dev)
		e.dev = nil
		e.addr = 0
		return StateNextPort
	}

	return StateIdle
}

// stepReset runs one state of a reset pass.
func (e *Enumerator) stepReset(s State, pass resetPass) State {
	switch s {
	case pass.reset:
		done, err := e.resetPort(e.port)
		if !done {
			return s
		}
		if err != nil {
			return e.fail(err)
		}
		e.delay = e.cfg.ResetTicks
		return pass.enable

	case pass.enable:
		st, done, err := e.portStatus(e.port)
		if !done {
			return s
		}
		if err != nil {
			return e.fail(err)
		}
		e.port.status = st
		if !st.Connected {
			pkg.LogInfo(pkg.ComponentEnum, "device left during enumeration", "port", e.port)
			e.abandon()
			return StateNextPort
		}
		if !st.Enabled {
			return e.fail(fmt.Errorf("port %s not enabled after reset: %w", e.port, pkg.ErrNotResponding))
		}
		if s == StateEnable1 {
			e.dev.resetEndpoint0(st.Speed)
		}
		return pass.clear

	case pass.clear:
		done, err := e.clearChange(e.port, usb.FeatureCPortReset)
		if !done {
			return s
		}
		if err != nil {
			pkg.LogDebug(pkg.ComponentEnum, "clear reset change failed", "port", e.port, "error", err)
		}
		e.delay = e.cfg.SettleTicks
		return pass.sleep
	}
	return pass.then
}

// begin starts enumerating the device on the cursor port.
func (e *Enumerator) begin() {
	e.dev = newDevice(e.h, e.port)
	e.addr = 0
	e.retries = 0
	pkg.LogInfo(pkg.ComponentEnum, "device connected", "port", e.port, "tier", e.dev.tier)
}

// fail ends the current attempt. The device is retried from the first
// reset until the retry budget is spent.
func (e *Enumerator) fail(err error) State {
	e.retries++
	pkg.LogWarn(pkg.ComponentEnum, "enumeration failed",
		"port", e.port, "state", e.state, "attempt", e.retries, "error", err)
	e.releaseAddress()
	if e.retries >= e.cfg.EnumRetries {
		return StateNotResponding
	}
	return StateRetry
}

// abandon drops the device being enumerated without registering it.
func (e *Enumerator) abandon() {
	e.releaseAddress()
	e.dev = nil
}

func (e *Enumerator) releaseAddress() {
	if e.addr != 0 {
		e.h.freeAddress(e.addr)
		e.addr = 0
	}
}

// readString reads one string descriptor. Index 0 means the device has no
// such string and nothing is requested. Failures are not fatal.
func (e *Enumerator) readString(index uint8, dst *string, next State) State {
	if index == 0 {
		return next
	}
	buf := e.buf[:usb.MaxStringDescriptorSize]
	setup := usb.GetDescriptor(usb.DescriptorTypeString, index, e.dev.langID, len(buf))
	n, done, err := e.transfer(&e.dev.ep0, setup, buf)
	if !done {
		return e.state
	}
	if err == nil {
		var s string
		if s, err = usb.ParseString(buf[:n]); err == nil {
			*dst = s
		}
	}
	if err != nil {
		pkg.LogDebug(pkg.ComponentEnum, "string descriptor unavailable",
			"device", e.dev.address, "index", index, "error", err)
	}
	return next
}

// ticks converts a delay in milliseconds to whole ticks, rounding up.
func (e *Enumerator) ticks(ms int) int {
	tick := e.cfg.Tick.Milliseconds()
	if tick <= 0 {
		return ms
	}
	return int((int64(ms) + tick - 1) / tick)
}

func checkPartialDevice(b []byte) error {
	if len(b) < hal.DefaultMaxPacketSize0 {
		return pkg.ErrDescriptorTooShort
	}
	if b[1] != usb.DescriptorTypeDevice {
		return pkg.ErrDescriptorTypeMismatch
	}
	switch b[7] {
	case 8, 16, 32, 64:
		return nil
	}
	return fmt.Errorf("%w: bMaxPacketSize0 %d", pkg.ErrInvalidParameter, b[7])
}

// transfer issues a control request on ep for the current state, or
// collects its result. done is false while the request is in flight.
func (e *Enumerator) transfer(ep *Endpoint, setup hal.SetupPacket, data []byte) (n int, done bool, err error) {
	r := &e.req
	if r.active && r.owner != e.state {
		e.h.pool.CancelControl(r.ctl)
		r.active = false
	}
	if r.active {
		if r.ctl.InProgress() {
			return 0, false, nil
		}
		r.active = false
		n, err = r.ctl.Result()
		return n, true, err
	}

	r.ep = *ep
	r.ctl = &pipe.Control{
		Endpoint:    &r.ep,
		Setup:       setup,
		Data:        data,
		IdleTimeout: e.cfg.ControlTimeoutTicks,
	}
	if err := e.h.pool.SubmitControl(r.ctl); err != nil {
		if errors.Is(err, pkg.ErrNoPipe) {
			// A driver still holds the control pipe; try again next tick.
			pkg.LogDebug(pkg.ComponentEnum, "control pipe busy", "state", e.state)
			return 0, false, nil
		}
		return 0, true, err
	}
	r.owner = e.state
	r.active = true
	return 0, false, nil
}

// Port operations. Root ports are driven through the controller and
// complete at once; hub ports take one control request to the hub.

func (e *Enumerator) portStatus(p *Port) (hal.PortStatus, bool, error) {
	if p.IsRoot() {
		var st hal.PortStatus
		var err error
		e.h.pool.WithBus(func(c hal.Controller) { st, err = c.PortStatus(p.index) })
		return st, true, err
	}
	buf := e.buf[:usb.PortStatusSize]
	n, done, err := e.transfer(&p.parent.ep0, usb.GetPortStatus(p.index), buf)
	if !done || err != nil {
		return hal.PortStatus{}, done, err
	}
	var ps usb.PortStatus
	if err := usb.ParsePortStatus(buf[:n], &ps); err != nil {
		return hal.PortStatus{}, true, err
	}
	return hubPortStatus(ps), true, nil
}

func (e *Enumerator) resetPort(p *Port) (bool, error) {
	if p.IsRoot() {
		var err error
		e.h.pool.WithBus(func(c hal.Controller) { err = c.ResetPort(p.index) })
		return true, err
	}
	_, done, err := e.transfer(&p.parent.ep0, usb.SetPortFeature(p.index, usb.FeaturePortReset), nil)
	return done, err
}

func (e *Enumerator) disablePort(p *Port) (bool, error) {
	if p.IsRoot() {
		var err error
		e.h.pool.WithBus(func(c hal.Controller) { err = c.EnablePort(p.index, false) })
		return true, err
	}
	_, done, err := e.transfer(&p.parent.ep0, usb.ClearPortFeature(p.index, usb.FeaturePortEnable), nil)
	return done, err
}

// clearChange acknowledges a change bit. Root ports acknowledge every
// change at once.
func (e *Enumerator) clearChange(p *Port, feature uint16) (bool, error) {
	if p.IsRoot() {
		var err error
		e.h.pool.WithBus(func(c hal.Controller) { err = c.ClearPortChange(p.index) })
		return true, err
	}
	_, done, err := e.transfer(&p.parent.ep0, usb.ClearPortFeature(p.index, feature), nil)
	return done, err
}

// hubPortStatus converts a hub GET_STATUS(port) response.
func hubPortStatus(ps usb.PortStatus) hal.PortStatus {
	st := hal.PortStatus{
		Connected:     ps.Status&usb.PortStatusConnection != 0,
		Enabled:       ps.Status&usb.PortStatusEnable != 0,
		Suspended:     ps.Status&usb.PortStatusSuspend != 0,
		OverCurrent:   ps.Status&usb.PortStatusOverCurrent != 0,
		Reset:         ps.Status&usb.PortStatusReset != 0,
		PowerOn:       ps.Status&usb.PortStatusPower != 0,
		ConnectChange: ps.Change&usb.PortChangeConnection != 0,
		EnableChange:  ps.Change&usb.PortChangeEnable != 0,
		ResetChange:   ps.Change&usb.PortChangeReset != 0,
	}
	if st.Connected {
		switch {
		case ps.Status&usb.PortStatusLowSpeed != 0:
			st.Speed = hal.SpeedLow
		case ps.Status&usb.PortStatusHighSpeed != 0:
			st.Speed = hal.SpeedHigh
		default:
			st.Speed = hal.SpeedFull
		}
	}
	return st
}
