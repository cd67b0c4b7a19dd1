package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/host/pipe"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/usb"
)

// Endpoint is a device endpoint as the pipe layer sees it.
type Endpoint = pipe.Endpoint

// DeviceStatus summarizes how far a device got through enumeration.
type DeviceStatus uint8

// Device status values.
const (
	StatusOK            DeviceStatus = iota // Configured and bound to a driver
	StatusNotResponding                     // Enumeration retries exhausted
	StatusPowerLimited                      // Would exceed the hub power budget
	StatusTierTooDeep                       // Hub nested beyond the tier limit
	StatusUnsupported                       // No driver matches the device
)

var deviceStatusNames = [...]string{
	StatusOK:            "ok",
	StatusNotResponding: "not-responding",
	StatusPowerLimited:  "power-limited",
	StatusTierTooDeep:   "tier-too-deep",
	StatusUnsupported:   "unsupported",
}

func (s DeviceStatus) String() string {
	if int(s) < len(deviceStatusNames) {
		return deviceStatusNames[s]
	}
	return "unknown"
}

// Port is a root port or a downstream port of a hub.
type Port struct {
	index  int
	parent *Device // nil for root ports

	// Owned by the enumerator.
	status hal.PortStatus

	mu     sync.RWMutex
	device *Device
}

func newPort(index int, parent *Device) *Port {
	return &Port{index: index, parent: parent}
}

// Index returns the 1-based port number on its hub or controller.
func (p *Port) Index() int {
	return p.index
}

// Parent returns the hub the port belongs to, or nil for a root port.
func (p *Port) Parent() *Device {
	return p.parent
}

// IsRoot reports whether the port belongs to the controller.
func (p *Port) IsRoot() bool {
	return p.parent == nil
}

// Device returns the device attached to the port, or nil.
func (p *Port) Device() *Device {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.device
}

func (p *Port) setDevice(d *Device) {
	p.mu.Lock()
	p.device = d
	p.mu.Unlock()
}

// Tier returns the tier of a device attached to the port. Devices on root
// ports are tier 1.
func (p *Port) Tier() int {
	if p.parent == nil {
		return 1
	}
	return p.parent.tier + 1
}

// String returns the port path, such as "1" or "1.3".
func (p *Port) String() string {
	if p.parent == nil {
		return fmt.Sprint(p.index)
	}
	return fmt.Sprintf("%s.%d", p.parent.port, p.index)
}

// Device is a USB device known to the host. Descriptor fields are fixed
// once the device is registered.
type Device struct {
	host *Host
	port *Port
	tier int

	address hal.DeviceAddress
	speed   hal.Speed
	ep0     Endpoint

	descriptor   usb.DeviceDescriptor
	config       usb.Configuration
	langID       uint16
	manufacturer string
	product      string
	serial       string

	kind      DriverKind
	iface     int
	endpoints []*Endpoint
	hub       usb.HubDescriptor

	mu         sync.RWMutex
	status     DeviceStatus
	configured bool
	power      int // Bus current drawn once configured
	driver     Driver
	announced  bool
	detached   bool
	ports      []*Port
}

func newDevice(h *Host, port *Port) *Device {
	d := &Device{host: h, port: port, tier: port.Tier(), iface: interfaceNotFound}
	d.resetEndpoint0(hal.SpeedUnknown)
	return d
}

// resetEndpoint0 returns the default control endpoint to address 0 with
// the packet size every device accepts.
func (d *Device) resetEndpoint0(speed hal.Speed) {
	d.address = 0
	d.speed = speed
	d.ep0 = Endpoint{
		Type:          hal.TransferControl,
		MaxPacketSize: hal.DefaultMaxPacketSize0,
		Speed:         speed,
	}
}

// Address returns the assigned address, or 0 if none was assigned.
func (d *Device) Address() hal.DeviceAddress {
	return d.address
}

// Port returns the port the device is attached to.
func (d *Device) Port() *Port {
	return d.port
}

// Tier returns the hub depth of the device.
func (d *Device) Tier() int {
	return d.tier
}

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// MaxPacketSize0 returns the packet size of the default control endpoint.
func (d *Device) MaxPacketSize0() uint16 {
	return d.ep0.MaxPacketSize
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() usb.DeviceDescriptor {
	return d.descriptor
}

// Configuration returns the parsed configuration tree.
func (d *Device) Configuration() *usb.Configuration {
	return &d.config
}

// VendorID returns the device vendor ID.
func (d *Device) VendorID() uint16 {
	return d.descriptor.VendorID
}

// ProductID returns the device product ID.
func (d *Device) ProductID() uint16 {
	return d.descriptor.ProductID
}

// LanguageID returns the language used to read string descriptors.
func (d *Device) LanguageID() uint16 {
	return d.langID
}

// Manufacturer returns the manufacturer string, or "" if the device has none.
func (d *Device) Manufacturer() string {
	return d.manufacturer
}

// Product returns the product string, or "" if the device has none.
func (d *Device) Product() string {
	return d.product
}

// SerialNumber returns the serial number string, or "" if the device has none.
func (d *Device) SerialNumber() string {
	return d.serial
}

// DriverKind returns the driver table selected for the device.
func (d *Device) DriverKind() DriverKind {
	return d.kind
}

// Interface returns the interface the driver binds to, or nil.
func (d *Device) Interface() *usb.Interface {
	if d.iface < 0 || d.iface >= len(d.config.Interfaces) {
		return nil
	}
	return &d.config.Interfaces[d.iface]
}

// HubDescriptor returns the hub descriptor of a hub device.
func (d *Device) HubDescriptor() usb.HubDescriptor {
	return d.hub
}

// Status returns the enumeration outcome.
func (d *Device) Status() DeviceStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func (d *Device) setStatus(s DeviceStatus) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

// Configured reports whether SET_CONFIGURATION succeeded.
func (d *Device) Configured() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.configured
}

// PowerMilliamps returns the bus current the device draws.
func (d *Device) PowerMilliamps() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.power
}

// Driver returns the bound driver, or nil before registration.
func (d *Device) Driver() Driver {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.driver
}

// Detached reports whether the device has left the bus.
func (d *Device) Detached() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.detached
}

// Ports returns the downstream ports of a hub.
func (d *Device) Ports() []*Port {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*Port(nil), d.ports...)
}

// Endpoints returns the endpoints of the driver's interface. Drivers own
// the returned endpoints; their toggles persist between transfers.
func (d *Device) Endpoints() []*Endpoint {
	return d.endpoints
}

// FindEndpoint returns the first endpoint of the driver's interface with
// the given type and direction.
func (d *Device) FindEndpoint(t hal.TransferType, in bool) (*Endpoint, error) {
	for _, ep := range d.endpoints {
		if ep.Type == t && ep.In == in {
			return ep, nil
		}
	}
	return nil, fmt.Errorf("%s %s endpoint: %w", t, direction(in), pkg.ErrEndpointNotFound)
}

func direction(in bool) string {
	if in {
		return "in"
	}
	return "out"
}

// bindEndpoints builds the endpoint table of the driver's interface.
func (d *Device) bindEndpoints() {
	d.endpoints = d.endpoints[:0]
	iface := d.Interface()
	if iface == nil {
		return
	}
	for i := range iface.Endpoints {
		d.endpoints = append(d.endpoints, d.NewEndpoint(&iface.Endpoints[i]))
	}
}

// NewEndpoint returns an endpoint of the device described by desc. Drivers
// use it for endpoints outside the interface they are bound to.
func (d *Device) NewEndpoint(desc *usb.EndpointDescriptor) *Endpoint {
	return &Endpoint{
		Device:        d.address,
		Number:        desc.Number(),
		In:            desc.IsIn(),
		Type:          desc.TransferType(),
		MaxPacketSize: desc.MaxPacketSize & 0x7FF,
		Interval:      desc.Interval,
		Speed:         d.speed,
	}
}

// String returns a short description such as "2 [0781:5567] 1.3".
func (d *Device) String() string {
	return fmt.Sprintf("%d [%04x:%04x] %s", d.address, d.descriptor.VendorID, d.descriptor.ProductID, d.port)
}

// Control performs a control transfer on the default endpoint. The
// enumerator is suspended for the duration so that the two never share
// the default control pipe.
func (d *Device) Control(ctx context.Context, setup hal.SetupPacket, data []byte) (int, error) {
	if d.Detached() {
		return 0, pkg.ErrDetached
	}
	h := d.host
	if err := h.enum.Suspend(ctx); err != nil {
		return 0, err
	}
	defer h.enum.Resume()
	if d.Detached() {
		return 0, pkg.ErrDetached
	}

	ep0 := d.ep0
	c := &pipe.Control{
		Endpoint:    &ep0,
		Setup:       setup,
		Data:        data,
		IdleTimeout: h.cfg.ControlTimeoutTicks,
	}
	n, err := h.pool.ControlTransfer(ctx, c)
	if err != nil {
		pkg.LogDebug(pkg.ComponentHost, "control request failed",
			"device", d.address, "request", setup.Request, "error", err)
	}
	return n, err
}

// Transfer moves buf over a bulk or interrupt endpoint and waits for the
// result. An IN transfer waits until the device sends data or ctx ends.
func (d *Device) Transfer(ctx context.Context, ep *Endpoint, buf []byte) (int, error) {
	if d.Detached() {
		return 0, pkg.ErrDetached
	}
	return d.host.pool.Transfer(ctx, &pipe.Request{Endpoint: ep, Buffer: buf})
}

// Submit starts r on one of the device's endpoints without waiting.
func (d *Device) Submit(r *pipe.Request) error {
	if d.Detached() {
		return pkg.ErrDetached
	}
	return d.host.pool.Submit(r)
}

// Cancel cancels r if it is still in flight.
func (d *Device) Cancel(r *pipe.Request) bool {
	return d.host.pool.Cancel(r)
}

// ClearHalt clears the halt feature of ep and resets its data toggle.
func (d *Device) ClearHalt(ctx context.Context, ep *Endpoint) error {
	if _, err := d.Control(ctx, usb.ClearEndpointHalt(ep.Address()), nil); err != nil {
		return fmt.Errorf("clear halt %#02x: %w", ep.Address(), err)
	}
	ep.Toggle = hal.Data0
	return nil
}
