package fatfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/storage/cache"
)

// Options select what [Mount] mounts.
type Options struct {
	Letter    byte
	Partition int
	ReadOnly  bool
}

// Drive is a volume mounted under a drive letter. All sector access,
// from the library or through [Drive.ReadSectors], goes through one block
// cache serialized by the drive.
type Drive struct {
	opts   Options
	mu     sync.Mutex
	cache  *cache.Cache
	vol    Volume
	closed atomic.Bool
}

// Mount allocates a block cache over dev and mounts the selected partition
// through lib. The cache is released if the mount fails.
func Mount(ctx context.Context, lib Library, dev cache.Device, geo cache.Geometry, opts Options) (*Drive, error) {
	c, err := cache.New(dev, geo)
	if err != nil {
		return nil, fmt.Errorf("drive %c: %w", opts.Letter, err)
	}
	d := &Drive{opts: opts, cache: c}

	vol, r := lib.Mount(ctx, sectors{d}, geo.BlockSize, opts.Partition)
	if r != ResultOK {
		_ = c.Close()
		e := Translate(r)
		pkg.LogDebug(pkg.ComponentFAT, "mount failed",
			"drive", string(opts.Letter), "partition", opts.Partition, "result", r, "error", e)
		return nil, fmt.Errorf("drive %c partition %d: %w", opts.Letter, opts.Partition, e)
	}
	d.vol = vol
	return d, nil
}

// sectors is the view of the cache handed to the library.
type sectors struct{ d *Drive }

func (s sectors) Read(ctx context.Context, dst []byte, sector uint64, count int) (int, error) {
	return s.d.ReadSectors(ctx, dst, sector, count)
}

func (s sectors) Write(ctx context.Context, src []byte, sector uint64, count int) (int, error) {
	return s.d.WriteSectors(ctx, src, sector, count)
}

// Letter returns the drive letter.
func (d *Drive) Letter() byte {
	return d.opts.Letter
}

// ReadOnly reports whether the medium is write protected.
func (d *Drive) ReadOnly() bool {
	return d.opts.ReadOnly
}

// Info describes the mounted volume.
func (d *Drive) Info() VolumeInfo {
	return d.vol.Info()
}

// CacheStats returns the block cache counters.
func (d *Drive) CacheStats() cache.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Stats()
}

// ReadSectors reads count sectors through the cache. A device failure
// transfers no sectors.
func (d *Drive) ReadSectors(ctx context.Context, dst []byte, sector uint64, count int) (int, error) {
	if d.closed.Load() {
		return 0, ErrNotEnabled
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Read(ctx, dst, sector, count)
}

// WriteSectors writes count sectors through the cache.
func (d *Drive) WriteSectors(ctx context.Context, src []byte, sector uint64, count int) (int, error) {
	switch {
	case d.closed.Load():
		return 0, ErrNotEnabled
	case d.opts.ReadOnly:
		return 0, ErrWriteProtected
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Write(ctx, src, sector, count)
}

func (d *Drive) check(modifies bool) error {
	switch {
	case d.closed.Load():
		return ErrNotEnabled
	case modifies && d.opts.ReadOnly:
		return ErrWriteProtected
	}
	return nil
}

// Open opens the file at path.
func (d *Drive) Open(ctx context.Context, path string, mode Mode) (*File, error) {
	if err := d.check(mode.writes()); err != nil {
		return nil, err
	}
	obj, r := d.vol.Open(ctx, path, mode)
	if r != ResultOK {
		return nil, fmt.Errorf("open %c:%s: %w", d.opts.Letter, path, Translate(r))
	}
	return &File{obj: obj, name: path}, nil
}

// ReadFile returns the contents of the file at path.
func (d *Drive) ReadFile(ctx context.Context, path string) ([]byte, error) {
	f, err := d.Open(ctx, path, ModeRead)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, f.Size())
	n, err := io.ReadFull(readerCtx{ctx, f}, buf)
	return buf[:n], errors.Join(err, f.Close())
}

// FindFirst starts a search of dir for names matching pattern, a
// [path.Match] pattern compared without regard to case.
func (d *Drive) FindFirst(ctx context.Context, dir, pattern string) (*Find, FileInfo, error) {
	if err := d.check(false); err != nil {
		return nil, FileInfo{}, err
	}
	f, fi, r := d.vol.FindFirst(ctx, dir, pattern)
	if r != ResultOK {
		return nil, FileInfo{}, fmt.Errorf("find %c:%s/%s: %w", d.opts.Letter, dir, pattern, Translate(r))
	}
	return &Find{f: f}, fi, nil
}

// ReadDir lists dir.
func (d *Drive) ReadDir(ctx context.Context, dir string) ([]FileInfo, error) {
	f, fi, err := d.FindFirst(ctx, dir, "*")
	if errors.Is(err, ErrNoFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	list := []FileInfo{fi}
	for {
		fi, err := f.Next(ctx)
		if err == io.EOF {
			return list, nil
		}
		if err != nil {
			return list, err
		}
		list = append(list, fi)
	}
}

// Rename moves from to to.
func (d *Drive) Rename(ctx context.Context, from, to string) error {
	if err := d.check(true); err != nil {
		return err
	}
	return d.vol.Rename(ctx, from, to).Err()
}

// Mkdir creates a directory.
func (d *Drive) Mkdir(ctx context.Context, path string) error {
	if err := d.check(true); err != nil {
		return err
	}
	return d.vol.Mkdir(ctx, path).Err()
}

// Rmdir removes an empty directory.
func (d *Drive) Rmdir(ctx context.Context, path string) error {
	if err := d.check(true); err != nil {
		return err
	}
	return d.vol.Rmdir(ctx, path).Err()
}

// Unmount releases the volume and its block cache.
func (d *Drive) Unmount() error {
	if d.closed.Swap(true) {
		return ErrNotEnabled
	}
	err := d.vol.Unmount().Err()
	d.mu.Lock()
	err = errors.Join(err, d.cache.Close())
	d.mu.Unlock()
	pkg.LogDebug(pkg.ComponentFAT, "drive unmounted", "drive", string(d.opts.Letter))
	return err
}

// File is an open file on a [Drive].
type File struct {
	obj  Object
	name string
}

// Read reads up to len(p) bytes. It returns io.EOF at the end of the file.
func (f *File) Read(ctx context.Context, p []byte) (int, error) {
	n, r := f.obj.Read(ctx, p)
	if r != ResultOK {
		return n, fmt.Errorf("read %s: %w", f.name, Translate(r))
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes p.
func (f *File) Write(ctx context.Context, p []byte) (int, error) {
	n, r := f.obj.Write(ctx, p)
	if r != ResultOK {
		return n, fmt.Errorf("write %s: %w", f.name, Translate(r))
	}
	return n, nil
}

// Seek moves to the absolute offset and returns the resulting offset.
func (f *File) Seek(ctx context.Context, offset int64) (int64, error) {
	pos, r := f.obj.Seek(ctx, offset)
	return pos, r.Err()
}

// Size returns the file size in bytes.
func (f *File) Size() int64 {
	return f.obj.Size()
}

// Close closes the file.
func (f *File) Close() error {
	return f.obj.Close().Err()
}

// readerCtx adapts a File to io.Reader.
type readerCtx struct {
	ctx context.Context
	f   *File
}

func (r readerCtx) Read(p []byte) (int, error) {
	return r.f.Read(r.ctx, p)
}

// Find is a directory search in progress.
type Find struct {
	f Finder
}

// Next returns the next match, or io.EOF after the last one.
func (f *Find) Next(ctx context.Context) (FileInfo, error) {
	fi, r := f.f.Next(ctx)
	if r == ResultNoFile {
		return FileInfo{}, io.EOF
	}
	return fi, r.Err()
}

// Close ends the search.
func (f *Find) Close() error {
	return f.f.Close().Err()
}
