// Package cache implements the per-drive sector cache.
//
// A cache holds a fixed number of lines, each a run of consecutive sectors
// starting at a line-aligned tag. Only single-sector reads are cached; a
// miss loads the whole line containing the sector with one device read.
// Writes go straight to the device after invalidating every line they
// overlap, so the cache never holds data older than the device.
//
// Lines are evicted by usage counter. Every lookup increments the counter
// of each line it scans past; the line that satisfies the lookup ends the
// scan unchanged. A line's counter returns to zero when it is claimed for
// new data. Invalid lines are always claimed first, then the line with the
// highest counter.
//
// A Cache is not safe for concurrent use. The owner serializes Read and
// Write.
package cache

import (
	"context"
	"fmt"

	"github.com/ardnew/rzusb/pkg"
)

// maxUsage is the saturation value of the 31-bit usage counter.
const maxUsage = 1<<31 - 1

// MaxStorage bounds the line storage a cache may allocate.
const MaxStorage = 64 << 20

// Device is the block device behind a cache.
type Device interface {
	ReadBlocks(ctx context.Context, lba uint64, count int, dst []byte) error
	WriteBlocks(ctx context.Context, lba uint64, count int, src []byte) error
}

// Geometry describes the cache layout and the device it serves.
type Geometry struct {
	DeviceID    int    // Identifies the device in logs
	LUN         uint8  // Logical unit on the device
	LineSize    int    // Sectors per line
	NumLines    int    // Number of lines
	BlockSize   int    // Bytes per sector
	TotalBlocks uint64 // Sectors on the device
}

func (g Geometry) validate() error {
	if g.LineSize <= 0 || g.NumLines <= 0 || g.BlockSize <= 0 || g.TotalBlocks == 0 {
		return fmt.Errorf("cache geometry %+v: %w", g, pkg.ErrInvalidParameter)
	}
	return nil
}

// line is the index entry of one cache line.
type line struct {
	valid bool
	usage uint32
	tag   uint64
}

// Stats counts cache activity.
type Stats struct {
	Hits        uint64 // Single-sector reads served from a line
	Misses      uint64 // Single-sector reads that loaded a line
	Bypassed    uint64 // Reads not eligible for caching
	DeviceReads uint64 // Read calls issued to the device
	Writes      uint64 // Write calls issued to the device
	Evictions   uint64 // Valid lines replaced
}

// Cache is a sector cache in front of one device.
type Cache struct {
	dev     Device
	geo     Geometry
	lines   []line
	storage []byte
	stats   Stats
	closed  bool
}

// New allocates a cache for dev. All lines start invalid.
func New(dev Device, geo Geometry) (*Cache, error) {
	if err := geo.validate(); err != nil {
		return nil, err
	}
	size := uint64(geo.LineSize) * uint64(geo.NumLines) * uint64(geo.BlockSize)
	if size > MaxStorage {
		return nil, fmt.Errorf("cache of %d bytes: %w", size, pkg.ErrNoMemory)
	}
	c := &Cache{
		dev:     dev,
		geo:     geo,
		lines:   make([]line, geo.NumLines),
		storage: make([]byte, size),
	}
	pkg.LogDebug(pkg.ComponentCache, "cache created",
		"device", geo.DeviceID, "lun", geo.LUN, "line_size", geo.LineSize, "lines", geo.NumLines, "bytes", size)
	return c, nil
}

// Close releases the cache memory. The cache must not be used afterwards.
func (c *Cache) Close() error {
	if c.closed {
		return pkg.ErrClosed
	}
	c.closed = true
	c.lines, c.storage = nil, nil
	pkg.LogDebug(pkg.ComponentCache, "cache destroyed", "device", c.geo.DeviceID, "lun", c.geo.LUN)
	return nil
}

// Geometry returns the layout the cache was created with.
func (c *Cache) Geometry() Geometry {
	return c.geo
}

// Stats returns the activity counters.
func (c *Cache) Stats() Stats {
	return c.stats
}

func (c *Cache) lineData(i int) []byte {
	n := c.geo.LineSize * c.geo.BlockSize
	return c.storage[i*n : (i+1)*n]
}

// Read copies count sectors starting at sector into dst and returns the
// number of sectors transferred. A device failure transfers nothing.
func (c *Cache) Read(ctx context.Context, dst []byte, sector uint64, count int) (int, error) {
	if c.closed {
		return 0, pkg.ErrClosed
	}
	if err := c.checkRange(len(dst), sector, count); err != nil {
		return 0, err
	}

	lineSize := uint64(c.geo.LineSize)
	start := sector - sector%lineSize
	if count != 1 || start+lineSize >= c.geo.TotalBlocks {
		c.stats.Bypassed++
		c.stats.DeviceReads++
		if err := c.dev.ReadBlocks(ctx, sector, count, dst[:count*c.geo.BlockSize]); err != nil {
			return 0, err
		}
		return count, nil
	}

	i, hit := c.lookup(sector)
	if hit {
		c.stats.Hits++
	} else {
		c.stats.Misses++
		i = c.victim()
		l := &c.lines[i]
		if l.valid {
			c.stats.Evictions++
		}
		l.valid = false
		l.usage = 0
		c.stats.DeviceReads++
		if err := c.dev.ReadBlocks(ctx, start, c.geo.LineSize, c.lineData(i)); err != nil {
			pkg.LogWarn(pkg.ComponentCache, "line fill failed",
				"device", c.geo.DeviceID, "sector", start, "error", err)
			return 0, err
		}
		l.tag = start
		l.valid = true
	}

	off := int(sector-c.lines[i].tag) * c.geo.BlockSize
	copy(dst, c.lineData(i)[off:off+c.geo.BlockSize])
	return 1, nil
}

// Write invalidates every line overlapping the range and writes count
// sectors from src to the device.
func (c *Cache) Write(ctx context.Context, src []byte, sector uint64, count int) (int, error) {
	if c.closed {
		return 0, pkg.ErrClosed
	}
	if err := c.checkRange(len(src), sector, count); err != nil {
		return 0, err
	}

	end := sector + uint64(count)
	lineSize := uint64(c.geo.LineSize)
	for i := range c.lines {
		l := &c.lines[i]
		if l.valid && l.tag < end && sector < l.tag+lineSize {
			l.valid = false
		}
	}

	c.stats.Writes++
	if err := c.dev.WriteBlocks(ctx, sector, count, src[:count*c.geo.BlockSize]); err != nil {
		return 0, err
	}
	return count, nil
}

func (c *Cache) checkRange(buf int, sector uint64, count int) error {
	switch {
	case count <= 0:
		return fmt.Errorf("sector count %d: %w", count, pkg.ErrInvalidParameter)
	case buf < count*c.geo.BlockSize:
		return fmt.Errorf("%d byte buffer for %d sectors: %w", buf, count, pkg.ErrBufferUnderrun)
	case sector >= c.geo.TotalBlocks || uint64(count) > c.geo.TotalBlocks-sector:
		return fmt.Errorf("sectors %d+%d of %d: %w", sector, count, c.geo.TotalBlocks, pkg.ErrInvalidParameter)
	}
	return nil
}

// lookup finds the line holding sector. Every line scanned before the
// match has its usage counter incremented.
func (c *Cache) lookup(sector uint64) (int, bool) {
	lineSize := uint64(c.geo.LineSize)
	for i := range c.lines {
		l := &c.lines[i]
		if l.valid && sector >= l.tag && sector < l.tag+lineSize {
			return i, true
		}
		if l.usage < maxUsage {
			l.usage++
		}
	}
	return -1, false
}

// victim returns the first invalid line, or else the line with the highest
// usage counter, the earliest on a tie.
func (c *Cache) victim() int {
	best := 0
	for i := range c.lines {
		l := &c.lines[i]
		if !l.valid {
			return i
		}
		if l.usage > c.lines[best].usage {
			best = i
		}
	}
	return best
}
