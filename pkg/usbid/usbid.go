package usbid

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists the standard locations for the USB ID database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database caches vendor, product and class names.
type Database struct {
	vendors  map[uint16]string // VID -> vendor name
	products map[uint32]string // (VID<<16)|PID -> product name
	classes  map[uint8]string  // class code -> class name
	loaded   bool
	mu       sync.RWMutex
	paths    []string
}

// New creates a database that searches the default paths.
func New() *Database {
	return NewWithPaths(DefaultPaths)
}

// NewWithPaths creates a database that searches the given paths.
func NewWithPaths(paths []string) *Database {
	return &Database{
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
		classes:  make(map[uint8]string),
		paths:    paths,
	}
}

// Load parses the first readable database file. It is idempotent and
// reports whether a file was found.
func (db *Database) Load() bool {
	db.mu.Lock()
	if db.loaded {
		found := len(db.vendors) > 0 || len(db.classes) > 0
		db.mu.Unlock()
		return found
	}
	db.loaded = true
	paths := db.paths
	db.mu.Unlock()

	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		err = db.Parse(f)
		f.Close()
		return err == nil
	}
	return false
}

// Parse merges entries read from r into the database.
func (db *Database) Parse(r io.Reader) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.loaded = true

	scanner := bufio.NewScanner(r)
	var (
		vid    uint16
		inVend bool
	)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		if line[0] == '\t' {
			// Only first-level children of a vendor are products.
			if !inVend || strings.HasPrefix(line, "\t\t") {
				continue
			}
			id, name, ok := splitEntry(line[1:], 4)
			if ok {
				db.products[uint32(vid)<<16|uint32(id)] = name
			}
			continue
		}

		inVend = false
		switch {
		case strings.HasPrefix(line, "C "):
			if id, name, ok := splitEntry(line[2:], 2); ok {
				db.classes[uint8(id)] = name
			}
		default:
			id, name, ok := splitEntry(line, 4)
			if ok {
				vid = uint16(id)
				db.vendors[vid] = name
				inVend = true
			}
		}
	}
	return scanner.Err()
}

// splitEntry parses "xxxx  Name" where the identifier has width hex digits.
func splitEntry(s string, width int) (uint64, string, bool) {
	if len(s) < width+2 || s[width] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:width], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return id, strings.TrimLeft(s[width:], " "), true
}

// LookupVendor returns the vendor name for vid, or "".
func (db *Database) LookupVendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// LookupProduct returns the product name for vid/pid, or "".
func (db *Database) LookupProduct(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// LookupClass returns the name of a device or interface class code, or "".
func (db *Database) LookupClass(class uint8) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.classes[class]
}

// Describe returns "Vendor Product" using whatever names are known, falling
// back to "vvvv:pppp".
func (db *Database) Describe(vid, pid uint16) string {
	vendor := db.LookupVendor(vid)
	product := db.LookupProduct(vid, pid)
	switch {
	case vendor != "" && product != "":
		return vendor + " " + product
	case vendor != "":
		return fmt.Sprintf("%s %04x", vendor, pid)
	default:
		return fmt.Sprintf("%04x:%04x", vid, pid)
	}
}

// IsLoaded reports whether a load or parse has been attempted.
func (db *Database) IsLoaded() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.loaded
}
