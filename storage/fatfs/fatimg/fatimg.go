// Package fatimg formats small FAT volumes in memory. Images are built
// front to back: clusters are allocated in order and directory entries are
// appended, so nothing can be freed or rewritten.
package fatimg

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/ardnew/rzusb/pkg"
)

// SectorSize is the sector size of every image.
const SectorSize = 512

// Type selects the FAT variant.
type Type uint8

// FAT variants.
const (
	FAT12 Type = iota + 1
	FAT16
	FAT32
)

func (t Type) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	}
	return "FAT"
}

// Layout is the geometry of a volume.
type Layout struct {
	Type              Type
	Sectors           uint32 // Sectors in the volume
	SectorsPerCluster uint8
	Reserved          uint16
	RootEntries       uint16 // Zero for FAT32
	FATSize           uint32 // Sectors per FAT
	Partitioned       bool   // Precede the volume with an MBR
	Label             string
	Serial            uint32
}

// Common layouts.
var (
	// Floppy is a 1.44 MB FAT12 volume without a partition table.
	Floppy = Layout{Type: FAT12, Sectors: 2880, SectorsPerCluster: 1, Reserved: 1, RootEntries: 224, FATSize: 9, Label: "FLOPPY", Serial: 0x1234ABCD}

	// Small is a 4 MB FAT16 volume in partition 0.
	Small = Layout{Type: FAT16, Sectors: 8192, SectorsPerCluster: 1, Reserved: 1, RootEntries: 512, FATSize: 32, Partitioned: true, Label: "RZUSB", Serial: 0x1234ABCD}

	// Large is a 33 MB FAT32 volume in partition 0.
	Large = Layout{Type: FAT32, Sectors: 67072, SectorsPerCluster: 1, Reserved: 32, FATSize: 520, Partitioned: true, Label: "RZUSB32", Serial: 0x1234ABCD}
)

// PartitionStart is the first sector of the volume in a partitioned image.
const PartitionStart = 8

// Timestamp is written to every directory entry.
var Timestamp = time.Date(2024, time.May, 17, 12, 34, 56, 0, time.UTC)

// Dir is a directory of an image, identified by its first cluster.
type Dir uint32

// Root is the root directory.
const Root Dir = 0

// Entry attribute bits.
const (
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
)

// Image is a volume under construction.
type Image struct {
	l        Layout
	data     []byte
	base     uint32
	fatBase  uint32
	rootBase uint32
	dataBase uint32
	next     uint32
	stride   uint32
	slots    map[Dir]int
}

// New formats an empty volume.
func New(l Layout) (*Image, error) {
	if l.Type < FAT12 || l.Type > FAT32 || l.SectorsPerCluster == 0 || l.Reserved == 0 || l.FATSize == 0 {
		return nil, fmt.Errorf("layout %+v: %w", l, pkg.ErrInvalidParameter)
	}
	if (l.Type == FAT32) != (l.RootEntries == 0) {
		return nil, fmt.Errorf("%d root entries on %v: %w", l.RootEntries, l.Type, pkg.ErrInvalidParameter)
	}
	im := &Image{l: l, stride: 1, slots: map[Dir]int{}}
	if l.Partitioned {
		im.base = PartitionStart
	}
	im.data = make([]byte, int(im.base+l.Sectors)*SectorSize)
	le := binary.LittleEndian

	if l.Partitioned {
		pt := im.data[446:]
		pt[4] = 0x06
		if l.Type == FAT32 {
			pt[4] = 0x0C
		}
		le.PutUint32(pt[8:], im.base)
		le.PutUint32(pt[12:], l.Sectors)
		le.PutUint16(im.data[510:], 0xAA55)
	}

	vbr := im.Sector(im.base)
	copy(vbr, []byte{0xEB, 0x3C, 0x90})
	copy(vbr[3:], "MSWIN4.1")
	le.PutUint16(vbr[11:], SectorSize)
	vbr[13] = l.SectorsPerCluster
	le.PutUint16(vbr[14:], l.Reserved)
	vbr[16] = 2
	le.PutUint16(vbr[17:], l.RootEntries)
	if l.Sectors < 0x10000 {
		le.PutUint16(vbr[19:], uint16(l.Sectors))
	} else {
		le.PutUint32(vbr[32:], l.Sectors)
	}
	vbr[21] = 0xF8
	sig, id, lab, fsType := 38, 39, 43, 54
	if l.Type == FAT32 {
		le.PutUint32(vbr[36:], l.FATSize)
		le.PutUint32(vbr[44:], 2)
		sig, id, lab, fsType = 66, 67, 71, 82
	} else {
		le.PutUint16(vbr[22:], uint16(l.FATSize))
	}
	vbr[sig] = 0x29
	le.PutUint32(vbr[id:], l.Serial)
	label, err := charmap.CodePage437.NewEncoder().String(fmt.Sprintf("%-11.11s", strings.ToUpper(l.Label)))
	if err != nil {
		return nil, fmt.Errorf("label %q: %w", l.Label, pkg.ErrInvalidParameter)
	}
	copy(vbr[lab:lab+11], label)
	copy(vbr[fsType:fsType+8], fmt.Sprintf("%-8s", l.Type))
	le.PutUint16(vbr[510:], 0xAA55)

	im.fatBase = im.base + uint32(l.Reserved)
	im.rootBase = im.fatBase + 2*l.FATSize
	im.dataBase = im.rootBase + uint32(l.RootEntries)*32/SectorSize
	if im.dataBase >= im.base+l.Sectors {
		return nil, fmt.Errorf("layout %+v leaves no data area: %w", l, pkg.ErrInvalidParameter)
	}
	im.setFAT(0, 0x0FFFFFF8)
	im.setFAT(1, 0x0FFFFFFF)
	im.next = 2
	if l.Type == FAT32 {
		if _, err := im.alloc(1); err != nil {
			return nil, err
		}
	}
	return im, nil
}

// Bytes returns the image. It aliases the image storage.
func (im *Image) Bytes() []byte {
	return im.data
}

// Base returns the first sector of the volume.
func (im *Image) Base() uint32 {
	return im.base
}

// Sector returns sector s of the image.
func (im *Image) Sector(s uint32) []byte {
	off := int(s) * SectorSize
	return im.data[off : off+SectorSize]
}

// SetStride spaces the clusters of later files n clusters apart.
func (im *Image) SetStride(n uint32) {
	im.stride = max(n, 1)
}

func (im *Image) clusterBytes() int {
	return int(im.l.SectorsPerCluster) * SectorSize
}

func (im *Image) clusterOffset(c uint32) int {
	return int(im.dataBase+(c-2)*uint32(im.l.SectorsPerCluster)) * SectorSize
}

func (im *Image) clusters() uint32 {
	return (im.base + im.l.Sectors - im.dataBase) / uint32(im.l.SectorsPerCluster)
}

func (im *Image) eoc() uint32 {
	switch im.l.Type {
	case FAT12:
		return 0xFFF
	case FAT16:
		return 0xFFFF
	}
	return 0x0FFFFFFF
}

// setFAT writes entry c of both FAT copies.
func (im *Image) setFAT(c, v uint32) {
	for i := uint32(0); i < 2; i++ {
		fat := im.data[int(im.fatBase+i*im.l.FATSize)*SectorSize:]
		switch im.l.Type {
		case FAT12:
			off := c + c/2
			v &= 0xFFF
			if c&1 != 0 {
				fat[off] = fat[off]&0x0F | byte(v<<4)
				fat[off+1] = byte(v >> 4)
			} else {
				fat[off] = byte(v)
				fat[off+1] = fat[off+1]&0xF0 | byte(v>>8)&0x0F
			}
		case FAT16:
			binary.LittleEndian.PutUint16(fat[c*2:], uint16(v))
		default:
			binary.LittleEndian.PutUint32(fat[c*4:], v&0x0FFFFFFF)
		}
	}
}

// alloc chains n clusters spaced by the stride.
func (im *Image) alloc(n int) ([]uint32, error) {
	cs := make([]uint32, n)
	for i := range cs {
		if im.next-2 >= im.clusters() {
			return nil, fmt.Errorf("volume full: %w", pkg.ErrNoMemory)
		}
		cs[i] = im.next
		im.next += im.stride
	}
	for i, c := range cs {
		if i+1 < len(cs) {
			im.setFAT(c, cs[i+1])
		} else {
			im.setFAT(c, im.eoc())
		}
	}
	return cs, nil
}

// slot returns the next free entry of dir. Directories other than the
// FAT12/16 root hold one cluster.
func (im *Image) slot(dir Dir) ([]byte, error) {
	n := im.slots[dir]
	var off int
	if dir == Root && im.l.Type != FAT32 {
		if n >= int(im.l.RootEntries) {
			return nil, fmt.Errorf("root directory full: %w", pkg.ErrNoMemory)
		}
		off = int(im.rootBase)*SectorSize + n*32
	} else {
		c := uint32(dir)
		if dir == Root {
			c = 2
		}
		if (n+1)*32 > im.clusterBytes() {
			return nil, fmt.Errorf("directory %d full: %w", dir, pkg.ErrNoMemory)
		}
		off = im.clusterOffset(c) + n*32
	}
	im.slots[dir]++
	return im.data[off : off+32], nil
}

// shortName converts name to the space padded 11 byte form and reports
// whether its base and extension were all lower case.
func shortName(name string) (string, uint8, error) {
	if name == "." || name == ".." {
		return fmt.Sprintf("%-11s", name), 0, nil
	}
	base, ext, _ := strings.Cut(name, ".")
	if base == "" || len(base) > 8 || len(ext) > 3 || strings.ContainsAny(name, ` "*+,/:;<=>?[\]|`) {
		return "", 0, fmt.Errorf("short name %q: %w", name, pkg.ErrInvalidParameter)
	}
	var nt uint8
	if base == strings.ToLower(base) && base != strings.ToUpper(base) {
		nt |= 0x08
	}
	if ext == strings.ToLower(ext) && ext != strings.ToUpper(ext) {
		nt |= 0x10
	}
	return fmt.Sprintf("%-8s%-3s", strings.ToUpper(base), strings.ToUpper(ext)), nt, nil
}

func checksum(short string) uint8 {
	var sum uint8
	for i := 0; i < 11; i++ {
		sum = (sum&1)<<7 + sum>>1 + short[i]
	}
	return sum
}

func (im *Image) entry(dir Dir, name string, attr uint8, cluster, size uint32) ([]byte, error) {
	short, nt, err := shortName(name)
	if err != nil {
		return nil, err
	}
	e, err := im.slot(dir)
	if err != nil {
		return nil, err
	}
	copy(e, short)
	e[11] = attr
	e[12] = nt
	le := binary.LittleEndian
	ts := Timestamp
	le.PutUint16(e[20:], uint16(cluster>>16))
	le.PutUint16(e[22:], uint16(ts.Hour()<<11|ts.Minute()<<5|ts.Second()/2))
	le.PutUint16(e[24:], uint16((ts.Year()-1980)<<9|int(ts.Month())<<5|ts.Day()))
	le.PutUint16(e[26:], uint16(cluster))
	le.PutUint32(e[28:], size)
	return e, nil
}

// longName writes the long name entries that precede the short entry.
func (im *Image) longName(dir Dir, short, long string) error {
	offsets := [13]int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}
	enc, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(long))
	if err != nil {
		return fmt.Errorf("long name %q: %w", long, pkg.ErrInvalidParameter)
	}
	units := make([]uint16, len(enc)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(enc[2*i:])
	}
	n := (len(units) + 12) / 13
	if n > 20 {
		return fmt.Errorf("long name %q: %w", long, pkg.ErrInvalidParameter)
	}
	if len(units)%13 != 0 {
		units = append(units, 0)
	}
	for len(units) < n*13 {
		units = append(units, 0xFFFF)
	}
	sum := checksum(short)
	for seq := n; seq >= 1; seq-- {
		e, err := im.slot(dir)
		if err != nil {
			return err
		}
		e[0] = byte(seq)
		if seq == n {
			e[0] |= 0x40
		}
		e[11] = 0x0F
		e[13] = sum
		for i, off := range offsets {
			binary.LittleEndian.PutUint16(e[off:], units[(seq-1)*13+i])
		}
	}
	return nil
}

// Label adds a volume label entry to the root directory.
func (im *Image) Label(label string) error {
	e, err := im.slot(Root)
	if err != nil {
		return err
	}
	copy(e, fmt.Sprintf("%-11.11s", strings.ToUpper(label)))
	e[11] = AttrVolumeID
	return nil
}

// File adds a file to dir under the 8.3 name short and, when long is not
// empty, the long name long. It returns the short directory entry.
func (im *Image) File(dir Dir, short, long string, content []byte) ([]byte, error) {
	var first uint32
	if len(content) > 0 {
		cb := im.clusterBytes()
		cs, err := im.alloc((len(content) + cb - 1) / cb)
		if err != nil {
			return nil, err
		}
		for i, c := range cs {
			off := im.clusterOffset(c)
			copy(im.data[off:off+cb], content[i*cb:])
		}
		first = cs[0]
	}
	if long != "" {
		s, _, err := shortName(short)
		if err != nil {
			return nil, err
		}
		if err := im.longName(dir, s, long); err != nil {
			return nil, err
		}
	}
	return im.entry(dir, short, AttrArchive, first, uint32(len(content)))
}

// Mkdir adds a directory to dir.
func (im *Image) Mkdir(dir Dir, short string) (Dir, error) {
	cs, err := im.alloc(1)
	if err != nil {
		return 0, err
	}
	sub := Dir(cs[0])
	off := im.clusterOffset(cs[0])
	clear(im.data[off : off+im.clusterBytes()])
	if _, err := im.entry(sub, ".", AttrDirectory, cs[0], 0); err != nil {
		return 0, err
	}
	if _, err := im.entry(sub, "..", AttrDirectory, uint32(dir), 0); err != nil {
		return 0, err
	}
	if _, err := im.entry(dir, short, AttrDirectory, cs[0], 0); err != nil {
		return 0, err
	}
	return sub, nil
}
