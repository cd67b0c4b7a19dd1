// Package fatfs is the boundary between the disk manager and a FAT
// filesystem library.
//
// A [Library] mounts a volume on a sector device and reports every outcome
// as a library [Result]. A [Drive] binds one mounted volume to a drive
// letter, owns the block cache the library reads through, and converts
// results into the drive-level [Error] set with [Translate].
//
// The package ships one library, [Probe], which validates the partition
// table and boot sector, reports the volume geometry, and serves read-only
// directory listing and file reads. Operations that modify the volume
// report [ResultUnsupported].
package fatfs

import (
	"context"
	"time"
)

// BlockDevice is the sector device a library mounts. The block cache
// satisfies it.
type BlockDevice interface {
	Read(ctx context.Context, dst []byte, sector uint64, count int) (int, error)
	Write(ctx context.Context, src []byte, sector uint64, count int) (int, error)
}

// Mode selects how a file is opened.
type Mode uint8

// Open modes.
const (
	ModeRead Mode = 1 << iota
	ModeWrite
	ModeCreate
	ModeTruncate
	ModeAppend
)

// writes reports whether m can modify the volume.
func (m Mode) writes() bool {
	return m&(ModeWrite|ModeCreate|ModeTruncate|ModeAppend) != 0
}

// Type is the FAT variant of a volume.
type Type uint8

// FAT variants.
const (
	TypeUnknown Type = iota
	TypeFAT12
	TypeFAT16
	TypeFAT32
)

func (t Type) String() string {
	switch t {
	case TypeFAT12:
		return "FAT12"
	case TypeFAT16:
		return "FAT16"
	case TypeFAT32:
		return "FAT32"
	}
	return "unknown"
}

// VolumeInfo describes a mounted volume.
type VolumeInfo struct {
	Type              Type
	Label             string
	Serial            uint32
	Partition         int    // Partition table index, or -1 without a partition table
	Start             uint64 // First sector of the volume
	Sectors           uint64 // Sectors in the volume
	BytesPerSector    int
	SectorsPerCluster int
	Clusters          uint32
}

// Attribute bits of a directory entry.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
)

// FileInfo describes a directory entry.
type FileInfo struct {
	Name      string // Long name when present, otherwise ShortName
	ShortName string
	Size      int64
	Attr      uint8
	ModTime   time.Time
}

// IsDir reports whether the entry is a directory.
func (fi FileInfo) IsDir() bool {
	return fi.Attr&AttrDirectory != 0
}

// Library mounts volumes.
type Library interface {
	Mount(ctx context.Context, dev BlockDevice, sectorSize int, partition int) (Volume, Result)
}

// Volume is a mounted filesystem. Paths are slash separated and relative
// to the volume root.
type Volume interface {
	Info() VolumeInfo
	Open(ctx context.Context, path string, mode Mode) (Object, Result)
	FindFirst(ctx context.Context, dir, pattern string) (Finder, FileInfo, Result)
	Rename(ctx context.Context, from, to string) Result
	Mkdir(ctx context.Context, path string) Result
	Rmdir(ctx context.Context, path string) Result
	Unmount() Result
}

// Object is an open file.
type Object interface {
	Read(ctx context.Context, p []byte) (int, Result)
	Write(ctx context.Context, p []byte) (int, Result)
	// Seek moves to an absolute offset and returns the new offset.
	Seek(ctx context.Context, offset int64) (int64, Result)
	Size() int64
	Close() Result
}

// Finder continues a directory search started by [Volume.FindFirst]. Next
// reports [ResultNoFile] after the last match.
type Finder interface {
	Next(ctx context.Context) (FileInfo, Result)
	Close() Result
}
