package cache

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/rzusb/pkg"
)

// memDevice is an in-memory block device that records its calls.
type memDevice struct {
	blockSize int
	data      []byte
	reads     []readCall
	writes    int
	failRead  bool
}

type readCall struct {
	lba   uint64
	count int
}

var errDevice = errors.New("device failure")

func newMemDevice(blocks uint64, blockSize int) *memDevice {
	d := &memDevice{blockSize: blockSize, data: make([]byte, blocks*uint64(blockSize))}
	for i := range d.data {
		d.data[i] = byte(i/blockSize) ^ byte(i)
	}
	return d
}

func (d *memDevice) ReadBlocks(_ context.Context, lba uint64, count int, dst []byte) error {
	d.reads = append(d.reads, readCall{lba, count})
	if d.failRead {
		return errDevice
	}
	off := int(lba) * d.blockSize
	copy(dst, d.data[off:off+count*d.blockSize])
	return nil
}

func (d *memDevice) WriteBlocks(_ context.Context, lba uint64, count int, src []byte) error {
	d.writes++
	off := int(lba) * d.blockSize
	copy(d.data[off:off+count*d.blockSize], src)
	return nil
}

func (d *memDevice) sector(s uint64) []byte {
	off := int(s) * d.blockSize
	return d.data[off : off+d.blockSize]
}

func newTestCache(t *testing.T, dev *memDevice, lineSize, numLines int, total uint64) *Cache {
	t.Helper()
	c, err := New(dev, Geometry{LineSize: lineSize, NumLines: numLines, BlockSize: dev.blockSize, TotalBlocks: total})
	require.NoError(t, err)
	return c
}

// checkInvariants verifies that no two valid lines overlap and every tag
// is line aligned.
func checkInvariants(t *testing.T, c *Cache) {
	t.Helper()
	size := uint64(c.geo.LineSize)
	for i, a := range c.lines {
		if !a.valid {
			continue
		}
		require.Zero(t, a.tag%size, "line %d tag %d not aligned", i, a.tag)
		for j := i + 1; j < len(c.lines); j++ {
			b := c.lines[j]
			if b.valid {
				require.False(t, a.tag < b.tag+size && b.tag < a.tag+size,
					"lines %d and %d overlap at tags %d and %d", i, j, a.tag, b.tag)
			}
		}
	}
}

func TestNew(t *testing.T) {
	dev := newMemDevice(16, 512)
	tests := []struct {
		name    string
		geo     Geometry
		wantErr error
	}{
		{"valid", Geometry{LineSize: 8, NumLines: 64, BlockSize: 512, TotalBlocks: 16}, nil},
		{"zero line size", Geometry{NumLines: 64, BlockSize: 512, TotalBlocks: 16}, pkg.ErrInvalidParameter},
		{"zero lines", Geometry{LineSize: 8, BlockSize: 512, TotalBlocks: 16}, pkg.ErrInvalidParameter},
		{"zero block size", Geometry{LineSize: 8, NumLines: 64, TotalBlocks: 16}, pkg.ErrInvalidParameter},
		{"empty device", Geometry{LineSize: 8, NumLines: 64, BlockSize: 512}, pkg.ErrInvalidParameter},
		{"too large", Geometry{LineSize: 1024, NumLines: 1024, BlockSize: 512, TotalBlocks: 16}, pkg.ErrNoMemory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(dev, tt.geo)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, c.lines, tt.geo.NumLines)
			require.Len(t, c.storage, tt.geo.LineSize*tt.geo.NumLines*tt.geo.BlockSize)
			for _, l := range c.lines {
				require.False(t, l.valid)
			}
		})
	}
}

func TestCache_Scenario(t *testing.T) {
	dev := newMemDevice(100000, 512)
	c := newTestCache(t, dev, 8, 64, 100000)
	ctx := context.Background()
	buf := make([]byte, 512)

	n, err := c.Read(ctx, buf, 10, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []readCall{{8, 8}}, dev.reads, "miss loads the whole line")
	require.Equal(t, dev.sector(10), buf)

	_, err = c.Read(ctx, buf, 11, 1)
	require.NoError(t, err)
	require.Len(t, dev.reads, 1, "sector 11 is a hit")
	require.Equal(t, dev.sector(11), buf)

	written := make([]byte, 512)
	for i := range written {
		written[i] = 0xA5
	}
	n, err = c.Write(ctx, written, 10, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = c.Read(ctx, buf, 10, 1)
	require.NoError(t, err)
	require.Len(t, dev.reads, 2, "write invalidated the line")
	require.Equal(t, written, buf)

	require.Equal(t, Stats{Hits: 1, Misses: 2, DeviceReads: 2, Writes: 1}, c.Stats())
}

func TestCache_Bypass(t *testing.T) {
	tests := []struct {
		name   string
		sector uint64
		count  int
	}{
		{"multi sector", 0, 4},
		{"two sectors", 16, 2},
		{"last line", 96, 1},
		{"last sector", 99, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newMemDevice(100, 512)
			c := newTestCache(t, dev, 4, 8, 100)
			buf := make([]byte, tt.count*512)

			for range 3 {
				n, err := c.Read(context.Background(), buf, tt.sector, tt.count)
				require.NoError(t, err)
				require.Equal(t, tt.count, n)
			}
			require.Len(t, dev.reads, 3, "every read goes to the device")
			for _, r := range dev.reads {
				require.Equal(t, readCall{tt.sector, tt.count}, r)
			}
			for _, l := range c.lines {
				require.False(t, l.valid, "bypassed read populated a line")
			}
			require.Equal(t, uint64(3), c.Stats().Bypassed)
		})
	}
}

func TestCache_UsageCounters(t *testing.T) {
	dev := newMemDevice(1000, 16)
	c := newTestCache(t, dev, 4, 3, 1000)
	ctx := context.Background()
	buf := make([]byte, 16)

	read := func(s uint64) {
		t.Helper()
		_, err := c.Read(ctx, buf, s, 1)
		require.NoError(t, err)
	}
	usage := func() []uint32 {
		var u []uint32
		for _, l := range c.lines {
			u = append(u, l.usage)
		}
		return u
	}

	// Fill: each miss scans every line and claims the first invalid one.
	read(0)
	require.Equal(t, []uint32{0, 1, 1}, usage())
	read(4)
	require.Equal(t, []uint32{1, 0, 2}, usage())
	read(8)
	require.Equal(t, []uint32{2, 1, 0}, usage())

	// A hit on line 1 increments line 0 only.
	read(5)
	require.Equal(t, []uint32{3, 1, 0}, usage())

	// A miss scans all lines, then evicts the highest counter: line 0.
	read(100)
	require.Equal(t, []uint32{0, 2, 1}, usage())
	require.Equal(t, uint64(100), c.lines[0].tag)
	require.Equal(t, uint64(1), c.Stats().Evictions)

	// Ties go to the first line in scan order.
	c.lines[1].usage, c.lines[2].usage = 7, 7
	c.lines[0].usage = 0
	read(200)
	require.Equal(t, uint64(200), c.lines[1].tag)
}

func TestCache_UsageSaturates(t *testing.T) {
	dev := newMemDevice(100, 16)
	c := newTestCache(t, dev, 4, 2, 100)
	c.lines[0] = line{valid: true, usage: maxUsage}
	_, err := c.Read(context.Background(), make([]byte, 16), 40, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(maxUsage), c.lines[0].usage)
}

func TestCache_InvalidPreferred(t *testing.T) {
	dev := newMemDevice(1000, 16)
	c := newTestCache(t, dev, 4, 4, 1000)
	ctx := context.Background()
	buf := make([]byte, 16)
	for _, s := range []uint64{0, 4, 8, 12} {
		_, err := c.Read(ctx, buf, s, 1)
		require.NoError(t, err)
	}

	// Invalidate line 2 by writing into its range; it is claimed next even
	// though other lines have higher counters.
	_, err := c.Write(ctx, buf, 9, 1)
	require.NoError(t, err)
	require.False(t, c.lines[2].valid)
	_, err = c.Read(ctx, buf, 500, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(500), c.lines[2].tag)
}

func TestCache_WriteInvalidatesOverlap(t *testing.T) {
	dev := newMemDevice(1000, 16)
	c := newTestCache(t, dev, 4, 8, 1000)
	ctx := context.Background()
	buf := make([]byte, 16)
	for _, s := range []uint64{0, 4, 8, 12, 16} {
		_, err := c.Read(ctx, buf, s, 1)
		require.NoError(t, err)
	}

	// Sectors 6..13 touch the lines at 4, 8 and 12.
	_, err := c.Write(ctx, make([]byte, 8*16), 6, 8)
	require.NoError(t, err)

	valid := map[uint64]bool{}
	for _, l := range c.lines {
		if l.valid {
			valid[l.tag] = true
		}
	}
	require.Equal(t, map[uint64]bool{0: true, 16: true}, valid)
}

func TestCache_ReadFailure(t *testing.T) {
	dev := newMemDevice(1000, 16)
	c := newTestCache(t, dev, 4, 2, 1000)
	dev.failRead = true

	n, err := c.Read(context.Background(), make([]byte, 16), 10, 1)
	require.ErrorIs(t, err, errDevice)
	require.Zero(t, n)
	for _, l := range c.lines {
		require.False(t, l.valid, "failed fill left a valid line")
	}

	n, err = c.Read(context.Background(), make([]byte, 32), 10, 2)
	require.ErrorIs(t, err, errDevice)
	require.Zero(t, n)
}

func TestCache_Arguments(t *testing.T) {
	dev := newMemDevice(100, 16)
	c := newTestCache(t, dev, 4, 2, 100)
	ctx := context.Background()

	_, err := c.Read(ctx, make([]byte, 16), 0, 0)
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
	_, err = c.Read(ctx, make([]byte, 8), 0, 1)
	require.ErrorIs(t, err, pkg.ErrBufferUnderrun)
	_, err = c.Read(ctx, make([]byte, 32), 99, 2)
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
	_, err = c.Write(ctx, make([]byte, 16), 100, 1)
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)

	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Close(), pkg.ErrClosed)
	_, err = c.Read(ctx, make([]byte, 16), 0, 1)
	require.ErrorIs(t, err, pkg.ErrClosed)
	_, err = c.Write(ctx, make([]byte, 16), 0, 1)
	require.ErrorIs(t, err, pkg.ErrClosed)
}

// TestCache_Random checks coherence and the overlap invariant under a
// random mix of reads and writes.
func TestCache_Random(t *testing.T) {
	const total = 256
	dev := newMemDevice(total, 8)
	c := newTestCache(t, dev, 4, 6, total)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))
	buf := make([]byte, 4*8)

	for range 5000 {
		sector := uint64(rng.Intn(total - 4))
		switch rng.Intn(4) {
		case 0:
			count := 1 + rng.Intn(4)
			rng.Read(buf[:count*8])
			_, err := c.Write(ctx, buf, sector, count)
			require.NoError(t, err)
		case 1:
			count := 2 + rng.Intn(3)
			_, err := c.Read(ctx, buf, sector, count)
			require.NoError(t, err)
			require.Equal(t, dev.data[sector*8:(sector+uint64(count))*8], buf[:count*8])
		default:
			_, err := c.Read(ctx, buf, sector, 1)
			require.NoError(t, err)
			require.Equal(t, dev.sector(sector), buf[:8], "stale data for sector %d", sector)
		}
		checkInvariants(t, c)
	}
	require.NotZero(t, c.Stats().Hits)
}
