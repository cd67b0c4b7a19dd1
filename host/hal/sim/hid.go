package sim

import (
	"sync"

	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/usb"
	"github.com/ardnew/rzusb/usb/hid"
)

// hidInEndpoint is the interrupt IN endpoint of the boot devices.
const hidInEndpoint = 1

// bootDevice is the part shared by the simulated boot keyboard and mouse:
// class requests and a queue of pending input reports.
type bootDevice struct {
	Base

	report []byte

	mu       sync.Mutex
	queue    [][]byte
	protocol uint8
	idle     uint8
	output   []byte
}

func (d *bootDevice) init(protocol uint8, product string, report []byte, size int) {
	d.report = report
	d.protocol = hid.ProtocolReport
	d.Rate = hal.SpeedLow
	d.Device = usb.DeviceDescriptor{
		USBVersion:        0x0110,
		MaxPacketSize0:    8,
		VendorID:          0x046D,
		ProductID:         0xC31C + uint16(protocol),
		ManufacturerIndex: 1,
		ProductIndex:      2,
		NumConfigurations: 1,
	}
	d.Strings = []string{"Logitech", product}

	desc := hid.HIDDescriptor{
		HIDVersion:     0x0111,
		NumDescriptors: 1,
		ReportDescLen:  uint16(len(report)),
	}
	raw := make([]byte, hid.HIDDescriptorSize)
	desc.MarshalTo(raw)

	d.Config = usb.Configuration{
		Descriptor: usb.ConfigurationDescriptor{
			ConfigurationValue: 1,
			Attributes:         usb.ConfigAttrBusPowered | usb.ConfigAttrRemoteWakeup,
			MaxPower:           50,
		},
		Interfaces: []usb.Interface{{
			Descriptor: usb.InterfaceDescriptor{
				InterfaceClass:    usb.ClassHID,
				InterfaceSubClass: hid.SubclassBoot,
				InterfaceProtocol: protocol,
			},
			Extra: [][]byte{raw},
			Endpoints: []usb.EndpointDescriptor{{
				EndpointAddress: usb.EndpointDirectionIn | hidInEndpoint,
				Attributes:      usb.EndpointTypeInterrupt,
				MaxPacketSize:   uint16(size),
				Interval:        10,
			}},
		}},
	}
}

// Protocol returns the protocol selected by SET_PROTOCOL.
func (d *bootDevice) Protocol() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.protocol
}

// Idle returns the idle rate selected by SET_IDLE.
func (d *bootDevice) Idle() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

func (d *bootDevice) push(report []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, report)
}

func (d *bootDevice) Reset() {
	d.Base.Reset()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.protocol = hid.ProtocolReport
	d.idle = 0
	d.queue = nil
}

func (d *bootDevice) Control(setup hal.SetupPacket, data []byte) ([]byte, error) {
	recipient := setup.RequestType & usb.RequestRecipientMask

	if setup.RequestType&usb.RequestTypeMask == usb.RequestTypeStandard {
		if recipient == usb.RequestTypeInterface && setup.Request == usb.RequestGetDescriptor {
			switch uint8(setup.Value >> 8) {
			case hid.DescriptorTypeReport:
				return d.report, nil
			case hid.DescriptorTypeHID:
				return d.Config.Interfaces[0].Extra[0], nil
			}
			return nil, ErrStall
		}
		return d.Base.Control(setup, data)
	}

	if setup.RequestType&usb.RequestTypeMask != usb.RequestTypeClass || recipient != usb.RequestTypeInterface {
		return nil, ErrStall
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch setup.Request {
	case hid.RequestSetProtocol:
		d.protocol = uint8(setup.Value)
	case hid.RequestGetProtocol:
		return []byte{d.protocol}, nil
	case hid.RequestSetIdle:
		d.idle = uint8(setup.Value >> 8)
	case hid.RequestGetIdle:
		return []byte{d.idle}, nil
	case hid.RequestSetReport:
		d.output = append(d.output[:0], data...)
	case hid.RequestGetReport:
		return make([]byte, setup.Length), nil
	default:
		return nil, ErrStall
	}
	return nil, nil
}

func (d *bootDevice) In(ep uint8, max int) ([]byte, error) {
	if ep != hidInEndpoint || d.Configuration() == 0 {
		return nil, ErrStall
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil, ErrNAK
	}
	r := d.queue[0]
	d.queue = d.queue[1:]
	return r[:min(len(r), max)], nil
}

// Keyboard is a simulated boot protocol keyboard.
type Keyboard struct {
	bootDevice
}

var _ Function = (*Keyboard)(nil)

// NewKeyboard creates a low speed boot keyboard.
func NewKeyboard() *Keyboard {
	k := &Keyboard{}
	k.init(hid.ProtocolKeyboard, "USB Keyboard", hid.KeyboardReportDescriptor, hid.KeyboardReportSize)
	return k
}

// Press queues a key press with modifiers followed by its release.
func (k *Keyboard) Press(modifiers, key uint8) {
	r := hid.KeyboardReport{Modifiers: modifiers}
	r.SetKey(key)
	down := make([]byte, hid.KeyboardReportSize)
	r.MarshalTo(down)
	k.push(down)
	k.push(make([]byte, hid.KeyboardReportSize))
}

// LEDs returns the last LED output report.
func (k *Keyboard) LEDs() uint8 {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.output) == 0 {
		return 0
	}
	return k.output[0]
}

// Mouse is a simulated boot protocol mouse.
type Mouse struct {
	bootDevice
}

var _ Function = (*Mouse)(nil)

// NewMouse creates a low speed boot mouse.
func NewMouse() *Mouse {
	m := &Mouse{}
	m.init(hid.ProtocolMouse, "USB Optical Mouse", hid.MouseReportDescriptor, hid.MouseReportSize)
	return m
}

// Move queues a movement report.
func (m *Mouse) Move(buttons uint8, dx, dy, wheel int8) {
	r := hid.MouseReport{Buttons: buttons, X: dx, Y: dy, Wheel: wheel}
	buf := make([]byte, hid.MouseReportSize)
	r.MarshalTo(buf)
	m.push(buf)
}
