// Package cdc implements the host driver for CDC Abstract Control Model
// serial adapters.
//
// The driver is bound to the communications interface. Its data endpoints
// live on the data interface named by the union functional descriptor, or
// on the first CDC Data interface when the device has no union descriptor.
//
// Line coding, the DTR and RTS control lines and breaks are set through
// class requests on the communications interface. [Driver.Read] and
// [Driver.Write] move bytes over the bulk data endpoints; bytes from a bulk
// IN transfer that do not fit the caller's buffer are kept for the next
// Read.
package cdc
