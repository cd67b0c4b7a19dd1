package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/rzusb/host"
	"github.com/ardnew/rzusb/host/class/cdc"
	"github.com/ardnew/rzusb/host/class/hid"
	"github.com/ardnew/rzusb/host/class/msc"
	"github.com/ardnew/rzusb/host/hal/sim"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/pkg/usbid"
	"github.com/ardnew/rzusb/storage/disk"
	"github.com/ardnew/rzusb/storage/fatfs"
)

const busCategory = "BUS"

var (
	imageFlag = &cli.StringSliceFlag{
		Name:     "image",
		Aliases:  []string{"i"},
		Usage:    "disk image attached as a logical unit of one mass storage device (repeatable)",
		Category: busCategory,
	}
	readOnlyFlag = &cli.BoolFlag{
		Name:     "read-only",
		Usage:    "report every logical unit as write protected",
		Category: busCategory,
	}
	hubFlag = &cli.IntFlag{
		Name:     "hub",
		Usage:    "attach devices behind a hub with this many ports (0 for none)",
		Category: busCategory,
	}
	typeFlag = &cli.StringFlag{
		Name:     "type",
		Usage:    "attach a keyboard and type this text on it",
		Category: busCategory,
	}
	serialFlag = &cli.StringFlag{
		Name:     "serial",
		Usage:    "attach an echoing serial adapter and send it this text",
		Category: busCategory,
	}
	durationFlag = &cli.DurationFlag{
		Name:  "duration",
		Usage: "how long the bus runs before the report",
		Value: 2 * time.Second,
	}
	usbIDsFlag = &cli.StringFlag{
		Name:  "usb.ids",
		Usage: "usb.ids file used to name devices (default: system locations)",
	}
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Enumerate simulated devices, mount their disks and report",
	Action: runAction,
	Flags: []cli.Flag{
		imageFlag,
		readOnlyFlag,
		hubFlag,
		typeFlag,
		serialFlag,
		durationFlag,
		usbIDsFlag,
	},
}

// session holds the results of the goroutines of one run.
type session struct {
	typed  string
	echoed string
}

func runAction(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	readOnly := ctx.Bool(readOnlyFlag.Name)

	luns, closeImages, err := imageLUNs(ctx.StringSlice(imageFlag.Name), readOnly)
	if err != nil {
		return err
	}
	defer closeImages()
	if len(luns) == 0 {
		lun, err := demoLUN(readOnly)
		if err != nil {
			return err
		}
		luns = append(luns, lun)
	}

	var (
		keyboard *sim.Keyboard
		serial   *sim.Serial
	)
	functions := []sim.Function{sim.NewMassStorage(luns...)}
	text := ctx.String(typeFlag.Name)
	if text != "" {
		keyboard = sim.NewKeyboard()
		functions = append(functions, keyboard)
	}
	message := ctx.String(serialFlag.Name)
	if message != "" {
		serial = sim.NewSerial()
		functions = append(functions, serial)
	}
	ctrl, err := buildBus(functions, ctx.Int(hubFlag.Name))
	if err != nil {
		return err
	}

	h, err := host.New(ctrl, cfg)
	if err != nil {
		return err
	}
	msc.Register(h)
	hid.Register(h)
	cdc.Register(h)

	mgr, err := disk.New(cfg, fatfs.NewProbe())
	if err != nil {
		return err
	}
	defer mgr.Close()
	mgr.Watch(h)

	keyboards := make(chan *hid.Keyboard, 1)
	serials := make(chan *cdc.Driver, 1)
	h.OnAttach(func(d *host.Device) {
		switch drv := d.Driver().(type) {
		case *hid.Keyboard:
			select {
			case keyboards <- drv:
			default:
			}
		case *cdc.Driver:
			select {
			case serials <- drv:
			default:
			}
		}
	})

	db := usbid.New()
	if path := ctx.String(usbIDsFlag.Name); path != "" {
		db = usbid.NewWithPaths([]string{path})
	}
	if !db.Load() {
		pkg.LogDebug(pkg.ComponentCLI, "no usb.ids database found")
	}

	runCtx, cancel := context.WithCancel(ctx.Context)
	defer cancel()
	if err := h.Start(runCtx); err != nil {
		return err
	}
	defer h.Stop()

	var s session
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return quiet(h.Run(gctx)) })
	g.Go(func() error { return quiet(mgr.Run(gctx)) })
	if keyboard != nil {
		g.Go(func() error {
			typed, err := typeText(gctx, keyboards, keyboard, text)
			s.typed = typed
			return quiet(err)
		})
	}
	if serial != nil {
		g.Go(func() error {
			echoed, err := echo(gctx, serials, message)
			s.echoed = echoed
			return quiet(err)
		})
	}
	g.Go(func() error {
		defer cancel()
		select {
		case <-gctx.Done():
			return nil
		case <-time.After(ctx.Duration(durationFlag.Name)):
		}
		return report(gctx, ctx.App.Writer, h, mgr, db)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	w := ctx.App.Writer
	if keyboard != nil {
		fmt.Fprintf(w, "Keyboard: %q\n", s.typed)
	}
	if serial != nil {
		fmt.Fprintf(w, "Serial echo: %q\n", s.echoed)
	}
	return nil
}

// buildBus attaches functions to root ports, or to the ports of a hub on
// root port 1.
func buildBus(functions []sim.Function, hubPorts int) (*sim.Controller, error) {
	if hubPorts <= 0 {
		ctrl := sim.New(len(functions))
		for i, fn := range functions {
			ctrl.Port(i + 1).Attach(fn)
		}
		return ctrl, nil
	}
	if hubPorts < len(functions) {
		return nil, fmt.Errorf("%d devices do not fit a %d port hub: %w", len(functions), hubPorts, pkg.ErrInvalidParameter)
	}
	hub := sim.NewHub(hubPorts, true)
	for i, fn := range functions {
		hub.Port(i + 1).Attach(fn)
	}
	ctrl := sim.New(1)
	ctrl.Port(1).Attach(hub)
	return ctrl, nil
}

// quiet treats the end of the run as success.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// typeText waits for the keyboard driver, presses a key for each character
// of text and reads back what the driver translated.
func typeText(ctx context.Context, drivers <-chan *hid.Keyboard, kb *sim.Keyboard, text string) (string, error) {
	var drv *hid.Keyboard
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case drv = <-drivers:
	}

	want := 0
	for i := 0; i < len(text); i++ {
		key, mod, ok := hid.Usage(text[i])
		if !ok {
			pkg.LogWarn(pkg.ComponentCLI, "character has no key", "char", fmt.Sprintf("%q", text[i]))
			continue
		}
		kb.Press(mod, key)
		want++
	}

	got := make([]byte, 0, want)
	buf := make([]byte, 64)
	for len(got) < want {
		n, err := drv.Read(ctx, buf)
		got = append(got, buf[:n]...)
		if err != nil {
			return string(got), err
		}
	}
	return string(got), nil
}

// echo waits for the serial driver, writes message and reads until the
// whole message has come back.
func echo(ctx context.Context, drivers <-chan *cdc.Driver, message string) (string, error) {
	var drv *cdc.Driver
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case drv = <-drivers:
	}

	if _, err := drv.Write(ctx, []byte(message)); err != nil {
		return "", err
	}
	got := make([]byte, 0, len(message))
	buf := make([]byte, 64)
	for len(got) < len(message) {
		n, err := drv.Read(ctx, buf)
		got = append(got, buf[:n]...)
		if err != nil {
			return string(got), err
		}
	}
	return string(got), nil
}

// report prints the bus and the disks. It runs while the host is still
// ticking, since listing a drive reads from its device.
func report(ctx context.Context, w io.Writer, h *host.Host, mgr *disk.Manager, db *usbid.Database) error {
	if err := mgr.MountAll(ctx); err != nil {
		return quiet(err)
	}
	writeDevices(w, h.Devices(), db)
	disks := mgr.Disks()
	writeDisks(w, disks)
	for _, d := range disks {
		if !d.Mounted() {
			continue
		}
		drive, err := mgr.Lookup(d.Letter)
		if err != nil {
			continue
		}
		entries, err := walk(ctx, drive, "/")
		if err != nil {
			pkg.LogWarn(pkg.ComponentCLI, "listing failed", "drive", string(d.Letter), "err", err)
		}
		fmt.Fprintf(w, "\nDrive %c: (%s)\n", d.Letter, d.Volume.Label)
		writeListing(w, d.Letter, entries)
		writeCacheStats(w, drive.CacheStats())
	}
	return nil
}
