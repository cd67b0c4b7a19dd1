package usbid

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `# Test USB IDs
0781  SanDisk Corp.
	5567  Cruzer Blade
	5581  Ultra
		0000  Some interface
046d  Logitech, Inc.
	c31c  Keyboard K120
C 03  Human Interface Device
	01  Boot Interface Subclass
C 08  Mass Storage
C 09  Hub
`

func TestParse(t *testing.T) {
	db := New()
	if err := db.Parse(strings.NewReader(sample)); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"vendor", db.LookupVendor(0x0781), "SanDisk Corp."},
		{"product", db.LookupProduct(0x0781, 0x5567), "Cruzer Blade"},
		{"second vendor product", db.LookupProduct(0x046d, 0xc31c), "Keyboard K120"},
		{"interface line ignored", db.LookupProduct(0x0781, 0x0000), ""},
		{"class", db.LookupClass(0x08), "Mass Storage"},
		{"subclass not a product", db.LookupProduct(0x046d, 0x0001), ""},
		{"unknown vendor", db.LookupVendor(0xFFFF), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestDescribe(t *testing.T) {
	db := New()
	if err := db.Parse(strings.NewReader(sample)); err != nil {
		t.Fatal(err)
	}
	if got := db.Describe(0x0781, 0x5567); got != "SanDisk Corp. Cruzer Blade" {
		t.Errorf("Describe() = %q", got)
	}
	if got := db.Describe(0x0781, 0x1234); got != "SanDisk Corp. 1234" {
		t.Errorf("Describe() = %q", got)
	}
	if got := db.Describe(0xABCD, 0x0001); got != "abcd:0001" {
		t.Errorf("Describe() = %q", got)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	db := NewWithPaths([]string{"/nonexistent/path/usb.ids"})
	if db.Load() {
		t.Error("Load() should return false when file not found")
	}
	if !db.IsLoaded() {
		t.Error("IsLoaded() should return true after Load() attempt")
	}
}

func TestLoad_Idempotent(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "usb.ids")
	if err := os.WriteFile(testFile, []byte(sample), 0o644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	db := NewWithPaths([]string{testFile})
	if !db.Load() {
		t.Fatal("first Load() failed")
	}
	if !db.Load() {
		t.Error("second Load() failed")
	}
	if db.LookupVendor(0x046d) != "Logitech, Inc." {
		t.Error("vendor not loaded")
	}
}
