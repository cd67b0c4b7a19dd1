package host

import (
	"context"
	"fmt"
	"strings"

	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/pkg/config"
	"github.com/ardnew/rzusb/usb"
)

// DriverKind identifies one of the fixed driver tables.
type DriverKind uint8

// Driver kinds.
const (
	DriverNone        DriverKind = iota // Unsupported or failed device
	DriverMassStorage                   // Mass storage, bulk-only transport
	DriverKeyboard                      // HID boot keyboard
	DriverMouse                         // HID boot mouse
	DriverCDC                           // CDC abstract control model
	DriverHub                           // Hub
)

var driverKindNames = [...]string{
	DriverNone:        "none",
	DriverMassStorage: "msc",
	DriverKeyboard:    "keyboard",
	DriverMouse:       "mouse",
	DriverCDC:         "cdc",
	DriverHub:         "hub",
}

func (k DriverKind) String() string {
	if int(k) < len(driverKindNames) {
		return driverKindNames[k]
	}
	return "unknown"
}

// ParseDriverKind returns the kind named s.
func ParseDriverKind(s string) (DriverKind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range driverKindNames {
		if name == s {
			return DriverKind(i), true
		}
	}
	return DriverNone, false
}

// Class codes accepted by class selection.
const (
	subclassRBC      = 0x01 // Reduced Block Commands
	subclassSFF8070i = 0x05
	subclassSCSI     = 0x06
	protocolBOT      = 0x50 // Bulk-only transport

	subclassBoot      = 0x01
	protocolKeyboard  = 0x01
	protocolMouse     = 0x02
	subclassCDCACM    = 0x02
	interfaceNotFound = -1
)

// Override forces a driver for a vendor/product pair whose descriptors
// misreport their class.
type Override struct {
	VendorID  uint16
	ProductID uint16
	Kind      DriverKind
}

// Overrides converts configured overrides, rejecting unknown driver names.
func Overrides(cfg []config.Override) ([]Override, error) {
	out := make([]Override, 0, len(cfg))
	for _, o := range cfg {
		kind, ok := ParseDriverKind(o.Driver)
		if !ok {
			return nil, fmt.Errorf("%w: override %04x:%04x driver %q",
				pkg.ErrInvalidParameter, uint16(o.Vendor), uint16(o.Product), o.Driver)
		}
		out = append(out, Override{VendorID: uint16(o.Vendor), ProductID: uint16(o.Product), Kind: kind})
	}
	return out, nil
}

// SelectClass picks the driver for a device and the index of the interface
// it binds to. Overrides are consulted first. Devices that match no driver
// table select [DriverNone] and interface -1.
func SelectClass(dev *usb.DeviceDescriptor, cfg *usb.Configuration, overrides []Override) (DriverKind, int) {
	for _, o := range overrides {
		if o.VendorID == dev.VendorID && o.ProductID == dev.ProductID {
			return o.Kind, 0
		}
	}

	if dev.DeviceClass == usb.ClassHub {
		return DriverHub, 0
	}

	for i := range cfg.Interfaces {
		if kind := selectInterface(&cfg.Interfaces[i].Descriptor); kind != DriverNone {
			return kind, i
		}
	}
	return DriverNone, interfaceNotFound
}

func selectInterface(d *usb.InterfaceDescriptor) DriverKind {
	switch d.InterfaceClass {
	case usb.ClassMassStorage:
		switch d.InterfaceSubClass {
		case subclassRBC, subclassSFF8070i, subclassSCSI:
			if d.InterfaceProtocol == protocolBOT {
				return DriverMassStorage
			}
		}
		// CBI and other transports are not supported.
		return DriverNone

	case usb.ClassHID:
		if d.InterfaceSubClass != subclassBoot {
			return DriverNone
		}
		switch d.InterfaceProtocol {
		case protocolKeyboard:
			return DriverKeyboard
		case protocolMouse:
			return DriverMouse
		}

	case usb.ClassCDC:
		if d.InterfaceSubClass == subclassCDCACM {
			return DriverCDC
		}

	case usb.ClassHub:
		return DriverHub
	}
	return DriverNone
}

// Driver is the interface every class driver implements. Open runs once
// after the device is configured; Close runs when the device detaches or
// the host stops, possibly while Open is still in progress.
type Driver interface {
	Kind() DriverKind
	Open(ctx context.Context, dev *Device) error
	Close() error
	Read(ctx context.Context, p []byte) (int, error)
	Write(ctx context.Context, p []byte) (int, error)
	Control(ctx context.Context, cmd Command, arg any) (any, error)
}

// Command selects a driver specific control operation.
type Command uint16

// DriverFactory creates a driver instance for one device.
type DriverFactory func() Driver

// nullDriver is bound to devices that have no usable driver so that they
// stay visible in the device list.
type nullDriver struct{}

var _ Driver = nullDriver{}

func (nullDriver) Kind() DriverKind                    { return DriverNone }
func (nullDriver) Open(context.Context, *Device) error { return nil }
func (nullDriver) Close() error                        { return nil }
func (nullDriver) Read(context.Context, []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}
func (nullDriver) Write(context.Context, []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}
func (nullDriver) Control(context.Context, Command, any) (any, error) {
	return nil, pkg.ErrNotSupported
}

// hubDriver marks hubs. Port handling belongs to the enumerator.
type hubDriver struct {
	nullDriver
}

func (hubDriver) Kind() DriverKind { return DriverHub }
