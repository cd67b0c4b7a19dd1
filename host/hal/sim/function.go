package sim

import (
	"errors"
	"sync"

	"github.com/ardnew/rzusb/host/hal"
	"github.com/ardnew/rzusb/usb"
)

// Handshake results a function returns instead of data.
var (
	// ErrNAK makes the transaction NAK; the controller retries it later.
	ErrNAK = errors.New("sim: NAK")

	// ErrStall makes the endpoint respond STALL.
	ErrStall = errors.New("sim: STALL")

	// ErrNoResponse makes the function ignore the token.
	ErrNoResponse = errors.New("sim: no response")
)

// Function is a simulated USB device.
type Function interface {
	// Speed returns the speed the function signals on attach.
	Speed() hal.Speed

	// MaxPacketSize0 returns the packet size of the default control
	// endpoint. Data stage packets are sent in chunks of this size.
	MaxPacketSize0() int

	// Reset returns the function to its default state after bus reset.
	Reset()

	// Control executes a control request. For host-to-device requests
	// data holds the data stage; the returned bytes are the IN data stage.
	Control(setup hal.SetupPacket, data []byte) ([]byte, error)

	// In returns at most max bytes for an IN token on endpoint ep.
	In(ep uint8, max int) ([]byte, error)

	// Out delivers an OUT packet to endpoint ep.
	Out(ep uint8, data []byte) error
}

// downstream is implemented by functions with ports of their own.
type downstream interface {
	ports() []*Port
}

// Base implements the standard device requests from a descriptor set.
// Simulated functions embed it and fall back to [Base.Control].
type Base struct {
	Device  usb.DeviceDescriptor
	Config  usb.Configuration
	Strings []string // String descriptors, index 1 onward
	Lang    uint16
	Rate    hal.Speed

	mu            sync.Mutex
	configuration uint8
	halted        map[uint8]bool
}

// Speed returns the function speed.
func (b *Base) Speed() hal.Speed {
	if b.Rate == hal.SpeedUnknown {
		return hal.SpeedFull
	}
	return b.Rate
}

// MaxPacketSize0 returns bMaxPacketSize0 of the device descriptor.
func (b *Base) MaxPacketSize0() int {
	if b.Device.MaxPacketSize0 == 0 {
		return hal.DefaultMaxPacketSize0
	}
	return int(b.Device.MaxPacketSize0)
}

// Reset deconfigures the function and clears endpoint halts.
func (b *Base) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configuration = 0
	clear(b.halted)
}

// Configuration returns the active configuration value.
func (b *Base) Configuration() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.configuration
}

// Halt sets the halt feature of an endpoint address.
func (b *Base) Halt(ep uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halted == nil {
		b.halted = make(map[uint8]bool)
	}
	b.halted[ep] = true
}

// Halted reports whether an endpoint address is halted.
func (b *Base) Halted(ep uint8) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.halted[ep]
}

// Control answers standard requests and stalls everything else.
func (b *Base) Control(setup hal.SetupPacket, data []byte) ([]byte, error) {
	if setup.RequestType&usb.RequestTypeMask != usb.RequestTypeStandard {
		return nil, ErrStall
	}

	switch setup.Request {
	case usb.RequestGetDescriptor:
		return b.descriptor(setup)

	case usb.RequestSetConfiguration:
		value := uint8(setup.Value)
		if value != 0 && value != b.Config.Descriptor.ConfigurationValue {
			return nil, ErrStall
		}
		b.mu.Lock()
		b.configuration = value
		b.mu.Unlock()
		return nil, nil

	case usb.RequestGetConfiguration:
		return []byte{b.Configuration()}, nil

	case usb.RequestGetStatus:
		var status byte
		if setup.RequestType&usb.RequestRecipientMask == usb.RequestTypeEndpoint && b.Halted(uint8(setup.Index)) {
			status = 1
		}
		return []byte{status, 0}, nil

	case usb.RequestClearFeature:
		if setup.RequestType&usb.RequestRecipientMask == usb.RequestTypeEndpoint &&
			setup.Value == usb.FeatureEndpointHalt {
			b.mu.Lock()
			delete(b.halted, uint8(setup.Index))
			b.mu.Unlock()
		}
		return nil, nil

	case usb.RequestSetAddress, usb.RequestSetFeature, usb.RequestSetInterface:
		return nil, nil
	}

	return nil, ErrStall
}

func (b *Base) descriptor(setup hal.SetupPacket) ([]byte, error) {
	index := int(setup.Value & 0xFF)

	switch uint8(setup.Value >> 8) {
	case usb.DescriptorTypeDevice:
		desc := b.Device
		if desc.MaxPacketSize0 == 0 {
			desc.MaxPacketSize0 = hal.DefaultMaxPacketSize0
		}
		buf := make([]byte, usb.DeviceDescriptorSize)
		desc.MarshalTo(buf)
		return buf, nil

	case usb.DescriptorTypeConfiguration:
		if index != 0 {
			return nil, ErrStall
		}
		return b.Config.Marshal(), nil

	case usb.DescriptorTypeString:
		buf := make([]byte, usb.MaxStringDescriptorSize)
		if index == 0 {
			lang := b.Lang
			if lang == 0 {
				lang = usb.LangIDUSEnglish
			}
			return buf[:usb.LanguageDescriptorTo(buf, lang)], nil
		}
		if index > len(b.Strings) {
			return nil, ErrStall
		}
		return buf[:usb.StringDescriptorTo(buf, b.Strings[index-1])], nil
	}

	return nil, ErrStall
}

// In stalls; functions with IN endpoints override it.
func (b *Base) In(ep uint8, max int) ([]byte, error) {
	return nil, ErrStall
}

// Out stalls; functions with OUT endpoints override it.
func (b *Base) Out(ep uint8, data []byte) error {
	return ErrStall
}
