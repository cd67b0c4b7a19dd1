package fatfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"path"
	"strings"
	"time"

	"golang.org/x/text/encoding/unicode"
)

// Directory entry layout.
const (
	dirEntrySize = 32
	dirName      = 0
	dirAttr      = 11
	dirNTRes     = 12
	dirClusHi    = 20
	dirWrtTime   = 22
	dirWrtDate   = 24
	dirClusLo    = 26
	dirFileSize  = 28

	ldirOrd    = 0
	ldirChksum = 13
	ldirLast   = 0x40

	attrLongName = 0x0F

	ntLowerBase = 0x08
	ntLowerExt  = 0x10

	entryFree    = 0x00
	entryDeleted = 0xE5
	entryKanji   = 0x05
)

// rootDir names the root directory in place of a start cluster.
const rootDir = 0

// lfnOffsets are the positions of the UTF-16 characters in a long name entry.
var lfnOffsets = [13]int{1, 3, 5, 7, 9, 14, 16, 18, 20, 22, 24, 28, 30}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// dirent is a decoded short name entry with its long name, if any.
type dirent struct {
	raw     [dirEntrySize]byte
	attr    uint8
	name    string
	short   string
	cluster uint32
	size    uint32
}

func (e *dirent) isDir() bool {
	return e.attr&AttrDirectory != 0
}

func (e *dirent) isLabel() bool {
	return e.attr&(AttrVolumeID|AttrDirectory) == AttrVolumeID
}

func (e *dirent) isDot() bool {
	return e.raw[0] == '.'
}

func (e *dirent) matches(name string) bool {
	return strings.EqualFold(e.name, name) || strings.EqualFold(e.short, name)
}

func (e *dirent) info() FileInfo {
	return FileInfo{
		Name:      e.name,
		ShortName: e.short,
		Size:      int64(e.size),
		Attr:      e.attr,
		ModTime:   fatTime(binary.LittleEndian.Uint16(e.raw[dirWrtDate:]), binary.LittleEndian.Uint16(e.raw[dirWrtTime:])),
	}
}

// fatTime decodes a packed date and time. A zero date is the zero time.
func fatTime(date, tm uint16) time.Time {
	if date == 0 {
		return time.Time{}
	}
	return time.Date(
		1980+int(date>>9), time.Month(date>>5&0x0F), int(date&0x1F),
		int(tm>>11), int(tm>>5&0x3F), int(tm&0x1F)*2, 0, time.UTC)
}

// shortName formats the 8.3 name of raw.
func shortName(raw []byte) string {
	base := bytes.Clone(raw[dirName : dirName+8])
	if base[0] == entryKanji {
		base[0] = entryDeleted
	}
	ext := raw[dirName+8 : dirName+11]
	name := decodeOEM(base)
	if raw[dirNTRes]&ntLowerBase != 0 {
		name = strings.ToLower(name)
	}
	if e := decodeOEM(ext); e != "" {
		if raw[dirNTRes]&ntLowerExt != 0 {
			e = strings.ToLower(e)
		}
		name += "." + e
	}
	return name
}

// lfnChecksum is the short name checksum stored in long name entries.
func lfnChecksum(raw []byte) uint8 {
	var sum uint8
	for _, b := range raw[dirName : dirName+11] {
		sum = (sum>>1 | sum<<7) + b
	}
	return sum
}

// dirParser decodes a stream of directory entries.
type dirParser struct {
	entries []dirent
	lfn     []byte
	lfnSum  uint8
	lfnNext uint8 // Ordinal expected next, 0 when no long name is pending
	done    bool
}

func (p *dirParser) add(raw []byte) {
	switch raw[0] {
	case entryFree:
		p.done = true
		return
	case entryDeleted:
		p.lfnNext = 0
		return
	}
	attr := raw[dirAttr]
	if attr&0x3F == attrLongName {
		p.addLong(raw)
		return
	}

	e := dirent{attr: attr}
	copy(e.raw[:], raw)
	e.short = shortName(raw)
	e.name = e.short
	if p.lfnNext == 1 && p.lfnSum == lfnChecksum(raw) {
		if long := p.longName(); long != "" {
			e.name = long
		}
	}
	p.lfnNext = 0
	e.cluster = uint32(binary.LittleEndian.Uint16(raw[dirClusHi:]))<<16 |
		uint32(binary.LittleEndian.Uint16(raw[dirClusLo:]))
	e.size = binary.LittleEndian.Uint32(raw[dirFileSize:])
	p.entries = append(p.entries, e)
}

// addLong collects one long name entry. Entries are stored last part
// first, so ordinals count down to 1 ahead of the short entry.
func (p *dirParser) addLong(raw []byte) {
	ord := raw[ldirOrd]
	seq := ord &^ ldirLast
	switch {
	case ord&ldirLast != 0 && seq > 0 && seq <= 20:
		p.lfn = make([]byte, int(seq)*len(lfnOffsets)*2)
		p.lfnSum = raw[ldirChksum]
	case p.lfnNext > 1 && seq == p.lfnNext-1 && raw[ldirChksum] == p.lfnSum:
	default:
		p.lfnNext = 0
		return
	}
	base := (int(seq) - 1) * len(lfnOffsets) * 2
	for i, off := range lfnOffsets {
		copy(p.lfn[base+i*2:], raw[off:off+2])
	}
	p.lfnNext = seq
}

func (p *dirParser) longName() string {
	b := p.lfn
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			b = b[:i]
			break
		}
	}
	s, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return string(s)
}

func (v *volume) clusterSector(clst uint32) uint64 {
	return v.dataBase + uint64(clst-2)*uint64(v.csize)
}

// fatEntry returns the FAT entry of clst.
func (v *volume) fatEntry(ctx context.Context, clst uint32) (uint32, Result) {
	if clst < 2 || clst >= v.nFATent {
		return 0, ResultIntErr
	}
	ss := uint64(v.ss)
	switch v.fatType {
	case TypeFAT12:
		off := uint64(clst + clst/2)
		if r := v.move(ctx, v.fatBase+off/ss); r != ResultOK {
			return 0, r
		}
		val := uint32(v.win[off%ss])
		off++
		if r := v.move(ctx, v.fatBase+off/ss); r != ResultOK {
			return 0, r
		}
		val |= uint32(v.win[off%ss]) << 8
		if clst&1 != 0 {
			return val >> 4, ResultOK
		}
		return val & 0xFFF, ResultOK
	case TypeFAT16:
		off := uint64(clst) * 2
		if r := v.move(ctx, v.fatBase+off/ss); r != ResultOK {
			return 0, r
		}
		return v.u16(int(off % ss)), ResultOK
	default:
		off := uint64(clst) * 4
		if r := v.move(ctx, v.fatBase+off/ss); r != ResultOK {
			return 0, r
		}
		return v.u32(int(off%ss)) & 0x0FFFFFFF, ResultOK
	}
}

// endOfChain reports whether a FAT entry terminates a chain.
func (v *volume) endOfChain(val uint32) bool {
	switch v.fatType {
	case TypeFAT12:
		return val >= 0xFF8
	case TypeFAT16:
		return val >= 0xFFF8
	}
	return val >= 0x0FFFFFF8
}

// next follows the chain from clst. It returns 0 at the end of the chain.
func (v *volume) next(ctx context.Context, clst uint32) (uint32, Result) {
	val, r := v.fatEntry(ctx, clst)
	switch {
	case r != ResultOK:
		return 0, r
	case v.endOfChain(val):
		return 0, ResultOK
	case val < 2 || val >= v.nFATent:
		return 0, ResultIntErr
	}
	return val, ResultOK
}

// readDir decodes the directory starting at clst.
func (v *volume) readDir(ctx context.Context, clst uint32) ([]dirent, Result) {
	var p dirParser
	perSector := v.ss / dirEntrySize
	scan := func(sector uint64) Result {
		if r := v.move(ctx, sector); r != ResultOK {
			return r
		}
		for i := 0; i < perSector && !p.done; i++ {
			p.add(v.win[i*dirEntrySize : (i+1)*dirEntrySize])
		}
		return ResultOK
	}

	if clst == rootDir && v.fatType != TypeFAT32 {
		sectors := uint64(v.nRootDir) / uint64(perSector)
		for s := uint64(0); s < sectors && !p.done; s++ {
			if r := scan(v.dirBase + s); r != ResultOK {
				return nil, r
			}
		}
		return p.entries, ResultOK
	}

	if clst == rootDir {
		clst = uint32(v.dirBase)
	}
	for hops := uint32(0); clst != 0 && !p.done; hops++ {
		if hops >= v.nFATent {
			return nil, ResultIntErr
		}
		base := v.clusterSector(clst)
		for s := uint64(0); s < uint64(v.csize) && !p.done; s++ {
			if r := scan(base + s); r != ResultOK {
				return nil, r
			}
		}
		var r Result
		if clst, r = v.next(ctx, clst); r != ResultOK {
			return nil, r
		}
	}
	return p.entries, ResultOK
}

func validName(name string) bool {
	for _, c := range name {
		if c < 0x20 || strings.ContainsRune(`"*:<>?\|`, c) {
			return false
		}
	}
	return name != ".."
}

// lookup resolves p. The root directory resolves to an entry with the
// directory attribute and cluster 0.
func (v *volume) lookup(ctx context.Context, p string) (dirent, Result) {
	cur := dirent{attr: AttrDirectory, cluster: rootDir}
	parts := strings.Split(p, "/")
	for i, part := range parts {
		if part == "" || part == "." {
			continue
		}
		if !validName(part) {
			return dirent{}, ResultInvalidName
		}
		if !cur.isDir() {
			return dirent{}, ResultNoPath
		}
		entries, r := v.readDir(ctx, cur.cluster)
		if r != ResultOK {
			return dirent{}, r
		}
		found := false
		for _, e := range entries {
			if !e.isLabel() && !e.isDot() && e.matches(part) {
				cur, found = e, true
				break
			}
		}
		if !found {
			if i == len(parts)-1 {
				return dirent{}, ResultNoFile
			}
			return dirent{}, ResultNoPath
		}
	}
	return cur, ResultOK
}

func (v *volume) Open(ctx context.Context, p string, mode Mode) (Object, Result) {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case !v.mounted:
		return nil, ResultNotEnabled
	case mode == 0:
		return nil, ResultInvalidParameter
	case mode.writes():
		return nil, ResultUnsupported
	}
	e, r := v.lookup(ctx, p)
	if r != ResultOK {
		return nil, r
	}
	if e.isDir() {
		return nil, ResultNoFile
	}
	return &file{v: v, start: e.cluster, size: int64(e.size)}, ResultOK
}

func (v *volume) FindFirst(ctx context.Context, dir, pattern string) (Finder, FileInfo, Result) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return nil, FileInfo{}, ResultNotEnabled
	}
	if pattern == "" {
		pattern = "*"
	}
	pattern = strings.ToUpper(pattern)
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, FileInfo{}, ResultInvalidName
	}
	d, r := v.lookup(ctx, dir)
	if r != ResultOK {
		if r == ResultNoFile {
			r = ResultNoPath
		}
		return nil, FileInfo{}, r
	}
	if !d.isDir() {
		return nil, FileInfo{}, ResultNoPath
	}
	entries, r := v.readDir(ctx, d.cluster)
	if r != ResultOK {
		return nil, FileInfo{}, r
	}

	f := &finder{v: v}
	for _, e := range entries {
		if e.isLabel() || e.isDot() {
			continue
		}
		long, _ := path.Match(pattern, strings.ToUpper(e.name))
		short, _ := path.Match(pattern, strings.ToUpper(e.short))
		if long || short {
			f.matches = append(f.matches, e.info())
		}
	}
	if len(f.matches) == 0 {
		return nil, FileInfo{}, ResultNoFile
	}
	first := f.matches[0]
	f.matches = f.matches[1:]
	return f, first, ResultOK
}

type finder struct {
	v       *volume
	matches []FileInfo
	closed  bool
}

func (f *finder) Next(context.Context) (FileInfo, Result) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	switch {
	case f.closed || !f.v.mounted:
		return FileInfo{}, ResultInvalidObject
	case len(f.matches) == 0:
		return FileInfo{}, ResultNoFile
	}
	fi := f.matches[0]
	f.matches = f.matches[1:]
	return fi, ResultOK
}

func (f *finder) Close() Result {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if f.closed {
		return ResultInvalidObject
	}
	f.closed = true
	return ResultOK
}

// file is a read-only open file. clust caches the cluster holding file
// offset clustIdx times the cluster size.
type file struct {
	v        *volume
	start    uint32
	size     int64
	pos      int64
	clust    uint32
	clustIdx int64
	closed   bool
}

func (f *file) valid() bool {
	return !f.closed && f.v.mounted
}

// cluster returns the idx-th cluster of the file.
func (f *file) cluster(ctx context.Context, idx int64) (uint32, Result) {
	if f.clust == 0 || idx < f.clustIdx {
		if f.start < 2 {
			return 0, ResultIntErr
		}
		f.clust, f.clustIdx = f.start, 0
	}
	for f.clustIdx < idx {
		next, r := f.v.next(ctx, f.clust)
		if r != ResultOK {
			return 0, r
		}
		if next == 0 {
			// The chain is shorter than the file size.
			return 0, ResultIntErr
		}
		f.clust = next
		f.clustIdx++
	}
	return f.clust, ResultOK
}

func (f *file) Read(ctx context.Context, p []byte) (int, Result) {
	v := f.v
	v.mu.Lock()
	defer v.mu.Unlock()
	if !f.valid() {
		return 0, ResultInvalidObject
	}
	ss := int64(v.ss)
	clusterBytes := int64(v.csize) * ss
	n := 0
	for n < len(p) && f.pos < f.size {
		clst, r := f.cluster(ctx, f.pos/clusterBytes)
		if r != ResultOK {
			return n, r
		}
		within := f.pos % clusterBytes
		if r := v.move(ctx, v.clusterSector(clst)+uint64(within/ss)); r != ResultOK {
			return n, r
		}
		m := int64(copy(p[n:], v.win[within%ss:]))
		m = min(m, f.size-f.pos)
		n += int(m)
		f.pos += m
	}
	return n, ResultOK
}

func (f *file) Write(context.Context, []byte) (int, Result) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if !f.valid() {
		return 0, ResultInvalidObject
	}
	return 0, ResultDenied
}

// Seek clamps offsets past the end of the file to its size.
func (f *file) Seek(_ context.Context, offset int64) (int64, Result) {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	switch {
	case !f.valid():
		return f.pos, ResultInvalidObject
	case offset < 0:
		return f.pos, ResultInvalidParameter
	}
	f.pos = min(offset, f.size)
	return f.pos, ResultOK
}

func (f *file) Size() int64 {
	return f.size
}

func (f *file) Close() Result {
	f.v.mu.Lock()
	defer f.v.mu.Unlock()
	if f.closed {
		return ResultInvalidObject
	}
	f.closed = true
	return ResultOK
}
