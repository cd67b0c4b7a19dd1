package fatimg

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/rzusb/pkg"
)

func TestShortName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		nt   uint8
		bad  bool
	}{
		{in: "README.TXT", want: "README  TXT"},
		{in: "DATA", want: "DATA       "},
		{in: "notes.md", want: "NOTES   MD ", nt: 0x18},
		{in: "Notes.md", want: "NOTES   MD ", nt: 0x10},
		{in: "..", want: "..         "},
		{in: "TOOLONGNAME.TXT", bad: true},
		{in: "A.TEXT", bad: true},
		{in: "A B.TXT", bad: true},
		{in: ".TXT", bad: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, nt, err := shortName(tt.in)
			if tt.bad {
				require.ErrorIs(t, err, pkg.ErrInvalidParameter)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Equal(t, tt.nt, nt)
		})
	}
}

func TestNew(t *testing.T) {
	for _, l := range []Layout{Floppy, Small, Large} {
		t.Run(l.Type.String(), func(t *testing.T) {
			im, err := New(l)
			require.NoError(t, err)
			require.Len(t, im.Bytes(), int(im.Base()+l.Sectors)*SectorSize)
			vbr := im.Sector(im.Base())
			require.Equal(t, uint16(0xAA55), binary.LittleEndian.Uint16(vbr[510:]))
			require.Equal(t, uint16(SectorSize), binary.LittleEndian.Uint16(vbr[11:]))
			if l.Partitioned {
				require.Equal(t, uint32(PartitionStart), binary.LittleEndian.Uint32(im.Bytes()[446+8:]))
			}
		})
	}

	bad := Small
	bad.RootEntries = 0
	_, err := New(bad)
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestImage_Full(t *testing.T) {
	l := Floppy
	l.RootEntries = 16
	im, err := New(l)
	require.NoError(t, err)
	for i := range 16 {
		_, err := im.File(Root, string(rune('A'+i))+".TXT", "", nil)
		require.NoError(t, err)
	}
	_, err = im.File(Root, "Q.TXT", "", nil)
	require.ErrorIs(t, err, pkg.ErrNoMemory)
}

func TestImage_Chain(t *testing.T) {
	im, err := New(Small)
	require.NoError(t, err)
	im.SetStride(2)
	e, err := im.File(Root, "A.BIN", "", make([]byte, 3*SectorSize))
	require.NoError(t, err)
	first := uint32(binary.LittleEndian.Uint16(e[26:]))
	require.Equal(t, uint32(2), first)

	fat := im.Bytes()[int(im.Base()+uint32(Small.Reserved))*SectorSize:]
	require.Equal(t, uint16(4), binary.LittleEndian.Uint16(fat[2*2:]))
	require.Equal(t, uint16(6), binary.LittleEndian.Uint16(fat[4*2:]))
	require.Equal(t, uint16(0xFFFF), binary.LittleEndian.Uint16(fat[6*2:]))
}
