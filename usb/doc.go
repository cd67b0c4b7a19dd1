// Package usb holds the USB 2.0 chapter 9 wire formats shared by the host
// stack and the simulated functions: descriptor layouts, standard and hub
// class request codes, and builders for the SETUP packets the enumerator
// issues.
//
// All multi-byte fields are little-endian. Parse functions fill a caller
// supplied value and return [pkg.ErrDescriptorTooShort] or
// [pkg.ErrDescriptorTypeMismatch]; MarshalTo methods return the number of
// bytes written, or 0 if the destination is too small.
package usb
