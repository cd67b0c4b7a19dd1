package main

import (
	"context"
	"fmt"
	"io"
	"path"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/ardnew/rzusb/host"
	"github.com/ardnew/rzusb/pkg/usbid"
	"github.com/ardnew/rzusb/storage/cache"
	"github.com/ardnew/rzusb/storage/disk"
	"github.com/ardnew/rzusb/storage/fatfs"
)

var printer = message.NewPrinter(language.English)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	return table
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatBytes(n uint64) string {
	return printer.Sprintf("%d", n)
}

func writeDevices(w io.Writer, devs []*host.Device, db *usbid.Database) {
	fmt.Fprintln(w, "Devices:")
	table := newTable(w, "Addr", "Port", "Tier", "Speed", "Driver", "Status", "ID", "Product", "Known as")
	for _, d := range devs {
		table.Append([]string{
			strconv.Itoa(int(d.Address())),
			d.Port().String(),
			strconv.Itoa(d.Tier()),
			d.Speed().String(),
			d.DriverKind().String(),
			d.Status().String(),
			fmt.Sprintf("%04x:%04x", d.VendorID(), d.ProductID()),
			d.Product(),
			db.Describe(d.VendorID(), d.ProductID()),
		})
	}
	table.Render()
}

func writeDisks(w io.Writer, disks []disk.Info) {
	fmt.Fprintln(w, "Disks:")
	table := newTable(w, "Drive", "Device", "LUN", "State", "Status", "Inquiry", "Bytes", "RO", "FS", "Label", "Error")
	for _, d := range disks {
		var fs, errText string
		if d.Mounted() {
			fs = d.Volume.Type.String()
		}
		if d.Err != nil {
			errText = d.Err.Error()
		}
		table.Append([]string{
			string(d.Letter) + ":",
			d.Name,
			strconv.Itoa(int(d.LUN)),
			d.State.String(),
			d.Status.String(),
			d.Vendor + " " + d.Product,
			formatBytes(d.Capacity()),
			yesNo(d.ReadOnly),
			fs,
			d.Volume.Label,
			errText,
		})
	}
	table.Render()
}

func writeVolume(w io.Writer, letter byte, vi fatfs.VolumeInfo) {
	table := newTable(w, "Drive", "FS", "Label", "Serial", "Partition", "Start", "Sectors", "Cluster", "Clusters")
	table.Append([]string{
		string(letter) + ":",
		vi.Type.String(),
		vi.Label,
		fmt.Sprintf("%04X-%04X", vi.Serial>>16, vi.Serial&0xFFFF),
		strconv.Itoa(vi.Partition),
		printer.Sprintf("%d", vi.Start),
		printer.Sprintf("%d", vi.Sectors),
		formatBytes(uint64(vi.SectorsPerCluster * vi.BytesPerSector)),
		printer.Sprintf("%d", vi.Clusters),
	})
	table.Render()
}

func writeCacheStats(w io.Writer, s cache.Stats) {
	table := newTable(w, "Hits", "Misses", "Bypassed", "Device reads", "Writes", "Evictions")
	table.Append([]string{
		printer.Sprintf("%d", s.Hits),
		printer.Sprintf("%d", s.Misses),
		printer.Sprintf("%d", s.Bypassed),
		printer.Sprintf("%d", s.DeviceReads),
		printer.Sprintf("%d", s.Writes),
		printer.Sprintf("%d", s.Evictions),
	})
	table.Render()
}

// entry is a file found by walk, with its full path.
type entry struct {
	path string
	info fatfs.FileInfo
}

// walk lists dir and every directory below it, depth first.
func walk(ctx context.Context, d *fatfs.Drive, dir string) ([]entry, error) {
	list, err := d.ReadDir(ctx, dir)
	if err != nil {
		return nil, err
	}
	var out []entry
	for _, fi := range list {
		p := path.Join(dir, fi.Name)
		out = append(out, entry{path: p, info: fi})
		if fi.IsDir() {
			sub, err := walk(ctx, d, p)
			if err != nil {
				return out, err
			}
			out = append(out, sub...)
		}
	}
	return out, nil
}

func writeListing(w io.Writer, letter byte, entries []entry) {
	table := newTable(w, "Path", "Short name", "Size", "Modified")
	for _, e := range entries {
		size := formatBytes(uint64(e.info.Size))
		if e.info.IsDir() {
			size = "<DIR>"
		}
		table.Append([]string{
			string(letter) + ":" + e.path,
			e.info.ShortName,
			size,
			e.info.ModTime.Format("2006-01-02 15:04:05"),
		})
	}
	table.Render()
}
