package fatfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"sync"

	"golang.org/x/text/encoding/charmap"

	"github.com/ardnew/rzusb/pkg"
)

// Boot sector and partition table offsets.
const (
	bsJmpBoot     = 0
	bpbBytsPerSec = 11
	bpbSecPerClus = 13
	bpbRsvdSecCnt = 14
	bpbNumFATs    = 16
	bpbRootEntCnt = 17
	bpbTotSec16   = 19
	bpbFATSz16    = 22
	bpbTotSec32   = 32
	bsBootSig     = 38
	bsVolID       = 39
	bsVolLab      = 43
	bpbFATSz32    = 36
	bpbFSVer32    = 42
	bpbRootClus32 = 44
	bsBootSig32   = 66
	bsVolID32     = 67
	bsVolLab32    = 71
	bs55AA        = 510

	mbrTable    = 446
	mbrEntry    = 16
	mbrType     = 4
	mbrStartLBA = 8
	mbrSizeLBA  = 12
	mbrEntries  = 4

	partTypeGPT = 0xEE
	extBootSig  = 0x29
)

// Cluster count limits of each FAT variant.
const (
	clustMaxFAT12 = 0xFF5
	clustMaxFAT16 = 0xFFF5
	clustMaxFAT32 = 0x0FFFFFF5
)

// oem decodes short names and labels.
var oem = charmap.CodePage437

// bootSector classifies a sector read while looking for a volume.
type bootSector uint8

const (
	bootFAT          bootSector = iota // FAT volume boot record
	bootValidNotFAT                    // Signed, but not a FAT VBR (an MBR)
	bootInvalid                        // Not a boot sector
)

// Probe is a read-only FAT library. It mounts FAT12, FAT16 and FAT32
// volumes found either at sector 0 or through the MBR partition table.
type Probe struct{}

// NewProbe returns the probe library.
func NewProbe() Library {
	return Probe{}
}

// Mount locates partition and validates its boot sector.
func (Probe) Mount(ctx context.Context, dev BlockDevice, sectorSize int, partition int) (Volume, Result) {
	if dev == nil || sectorSize < 512 || sectorSize > 4096 || sectorSize&(sectorSize-1) != 0 {
		return nil, ResultInvalidParameter
	}
	if partition < 0 || partition >= mbrEntries {
		return nil, ResultInvalidParameter
	}
	v := &volume{dev: dev, ss: sectorSize, win: make([]byte, sectorSize)}

	base, part, r := v.findVolume(ctx, partition)
	if r != ResultOK {
		return nil, r
	}
	if r := v.initFAT(base); r != ResultOK {
		return nil, r
	}
	v.info.Partition = part
	v.readLabel(ctx)
	v.mounted = true

	pkg.LogInfo(pkg.ComponentFAT, "volume mounted",
		"type", v.info.Type, "label", v.info.Label, "partition", part,
		"start", v.info.Start, "clusters", v.info.Clusters)
	return v, ResultOK
}

// volume is a volume mounted by [Probe]. mu guards the sector window and
// is held for the whole of every operation.
type volume struct {
	mu       sync.Mutex
	dev      BlockDevice
	ss       int
	win      []byte
	winSect  uint64
	winValid bool
	mounted  bool

	fatType  Type
	csize    uint32 // Sectors per cluster
	nFATent  uint32 // Clusters + 2
	nRootDir uint32 // Root entries on FAT12/16
	fatBase  uint64
	dirBase  uint64 // Root sector on FAT12/16, root cluster on FAT32
	dataBase uint64

	info VolumeInfo
}

// move loads sector into the window.
func (v *volume) move(ctx context.Context, sector uint64) Result {
	if v.winValid && v.winSect == sector {
		return ResultOK
	}
	v.winValid = false
	if n, err := v.dev.Read(ctx, v.win, sector, 1); err != nil || n != 1 {
		pkg.LogWarn(pkg.ComponentFAT, "sector read failed", "sector", sector, "error", err)
		return ResultDiskErr
	}
	v.winSect, v.winValid = sector, true
	return ResultOK
}

func (v *volume) u16(off int) uint32 {
	return uint32(binary.LittleEndian.Uint16(v.win[off:]))
}

func (v *volume) u32(off int) uint32 {
	return binary.LittleEndian.Uint32(v.win[off:])
}

// checkFS classifies the sector at sector.
func (v *volume) checkFS(ctx context.Context, sector uint64) (bootSector, Result) {
	if r := v.move(ctx, sector); r != ResultOK {
		return bootInvalid, r
	}
	signed := v.u16(bs55AA) == 0xAA55
	switch v.win[bsJmpBoot] {
	case 0xEB, 0xE9, 0xE8:
	default:
		if signed {
			return bootValidNotFAT, ResultOK
		}
		return bootInvalid, ResultOK
	}
	if signed && v.plausibleBPB() {
		return bootFAT, ResultOK
	}
	// A partition table whose first byte happens to be a jump opcode.
	if signed {
		return bootValidNotFAT, ResultOK
	}
	return bootInvalid, ResultOK
}

func (v *volume) plausibleBPB() bool {
	bps := v.u16(bpbBytsPerSec)
	spc := uint32(v.win[bpbSecPerClus])
	nf := v.win[bpbNumFATs]
	return bps >= 512 && bps <= 4096 && bps&(bps-1) == 0 &&
		spc != 0 && spc&(spc-1) == 0 &&
		v.u16(bpbRsvdSecCnt) != 0 && (nf == 1 || nf == 2)
}

// findVolume returns the first sector of the volume. A FAT boot sector at
// sector 0 is a volume without a partition table and serves partition 0.
func (v *volume) findVolume(ctx context.Context, partition int) (uint64, int, Result) {
	kind, r := v.checkFS(ctx, 0)
	if r != ResultOK {
		return 0, 0, r
	}
	switch kind {
	case bootFAT:
		if partition != 0 {
			return 0, 0, ResultNoFilesystem
		}
		return 0, -1, ResultOK
	case bootInvalid:
		return 0, 0, ResultNoFilesystem
	}

	entry := v.win[mbrTable+mbrEntry*partition:]
	if entry[mbrType] == partTypeGPT {
		return 0, 0, ResultUnsupported
	}
	start := uint64(binary.LittleEndian.Uint32(entry[mbrStartLBA:]))
	if entry[mbrType] == 0 || start == 0 {
		return 0, 0, ResultNoFilesystem
	}
	kind, r = v.checkFS(ctx, start)
	if r != ResultOK {
		return 0, 0, r
	}
	if kind != bootFAT {
		return 0, 0, ResultNoFilesystem
	}
	return start, partition, ResultOK
}

// fatTypeOf classifies a volume by its cluster count.
func fatTypeOf(clusters uint32) Type {
	switch {
	case clusters == 0 || clusters > clustMaxFAT32:
		return TypeUnknown
	case clusters > clustMaxFAT16:
		return TypeFAT32
	case clusters > clustMaxFAT12:
		return TypeFAT16
	}
	return TypeFAT12
}

// initFAT validates the BPB in the window, which holds sector base.
func (v *volume) initFAT(base uint64) Result {
	ss := uint32(v.ss)
	if v.u16(bpbBytsPerSec) != ss {
		return ResultNoFilesystem
	}
	fatSize := v.u16(bpbFATSz16)
	if fatSize == 0 {
		fatSize = v.u32(bpbFATSz32)
	}
	nFATs := uint32(v.win[bpbNumFATs])
	v.csize = uint32(v.win[bpbSecPerClus])
	v.nRootDir = v.u16(bpbRootEntCnt)
	if v.nRootDir%(ss/dirEntrySize) != 0 {
		return ResultNoFilesystem
	}
	total := v.u16(bpbTotSec16)
	if total == 0 {
		total = v.u32(bpbTotSec32)
	}
	reserved := v.u16(bpbRsvdSecCnt)

	sysect := reserved + fatSize*nFATs + v.nRootDir/(ss/dirEntrySize)
	if total < sysect {
		return ResultNoFilesystem
	}
	clusters := (total - sysect) / v.csize
	v.fatType = fatTypeOf(clusters)
	if v.fatType == TypeUnknown {
		return ResultNoFilesystem
	}

	v.nFATent = clusters + 2
	v.fatBase = base + uint64(reserved)
	v.dataBase = base + uint64(sysect)
	var fatBytes uint32
	switch v.fatType {
	case TypeFAT32:
		if v.u16(bpbFSVer32) != 0 || v.nRootDir != 0 {
			return ResultNoFilesystem
		}
		v.dirBase = uint64(v.u32(bpbRootClus32))
		fatBytes = v.nFATent * 4
	case TypeFAT16:
		if v.nRootDir == 0 {
			return ResultNoFilesystem
		}
		v.dirBase = base + uint64(reserved+fatSize*nFATs)
		fatBytes = v.nFATent * 2
	default:
		if v.nRootDir == 0 {
			return ResultNoFilesystem
		}
		v.dirBase = base + uint64(reserved+fatSize*nFATs)
		fatBytes = v.nFATent*3/2 + v.nFATent&1
	}
	if fatSize < (fatBytes+ss-1)/ss {
		return ResultNoFilesystem
	}

	v.info = VolumeInfo{
		Type:              v.fatType,
		Start:             base,
		Sectors:           uint64(total),
		BytesPerSector:    v.ss,
		SectorsPerCluster: int(v.csize),
		Clusters:          clusters,
	}
	sig, id, lab := bsBootSig, bsVolID, bsVolLab
	if v.fatType == TypeFAT32 {
		sig, id, lab = bsBootSig32, bsVolID32, bsVolLab32
	}
	if v.win[sig] == extBootSig {
		v.info.Serial = v.u32(id)
		v.info.Label = decodeOEM(v.win[lab : lab+11])
	}
	return ResultOK
}

// readLabel replaces the boot sector label with the root directory volume
// label entry when there is one.
func (v *volume) readLabel(ctx context.Context) {
	entries, r := v.readDir(ctx, rootDir)
	if r != ResultOK {
		return
	}
	for _, e := range entries {
		if e.attr&(AttrVolumeID|AttrDirectory) == AttrVolumeID && e.attr != attrLongName {
			v.info.Label = decodeOEM(e.raw[:11])
			return
		}
	}
	if v.info.Label == "" {
		v.info.Label = "NO NAME"
	}
}

func decodeOEM(b []byte) string {
	s, err := oem.NewDecoder().Bytes(bytes.TrimRight(b, " \x00"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(s))
}

func (v *volume) Info() VolumeInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.info
}

func (v *volume) Rename(context.Context, string, string) Result {
	return v.unsupported()
}

func (v *volume) Mkdir(context.Context, string) Result {
	return v.unsupported()
}

func (v *volume) Rmdir(context.Context, string) Result {
	return v.unsupported()
}

func (v *volume) unsupported() Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return ResultNotEnabled
	}
	return ResultUnsupported
}

func (v *volume) Unmount() Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.mounted {
		return ResultNotEnabled
	}
	v.mounted = false
	v.winValid = false
	return ResultOK
}
