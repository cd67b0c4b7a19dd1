// Package usbid resolves USB vendor, product and class codes to names using
// the usb.ids database format.
//
// The database is loaded lazily from the first readable path, or parsed from
// any reader with [Database.Parse]:
//
//	db := usbid.New()
//	db.Load()
//	fmt.Println(db.Describe(0x0781, 0x5567))
//
// When no database is available every lookup returns an empty string and
// [Database.Describe] falls back to the hexadecimal identifiers.
package usbid
