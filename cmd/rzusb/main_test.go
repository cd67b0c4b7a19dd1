package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/rzusb/host/hal/sim"
	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/storage/fatfs"
	"github.com/ardnew/rzusb/storage/fatfs/fatimg"
)

const fastConfig = `
[host]
tick = "100us"
reset_ticks = 5
settle_ticks = 2
control_timeout_ticks = 5000
suspend_ticks = 1000000

[disk]
unit_ready_delay = "1ms"
rescan = "50ms"
`

// runApp runs the command line and returns what it printed.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"rzusb", "--log.level", "error"}, args...))
	return out.String(), err
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func writeImage(t *testing.T, content string) string {
	t.Helper()
	im, err := fatimg.New(fatimg.Small)
	require.NoError(t, err)
	_, err = im.File(fatimg.Root, "README.TXT", "", []byte(content))
	require.NoError(t, err)
	dir, err := im.Mkdir(fatimg.Root, "LOGS")
	require.NoError(t, err)
	_, err = im.File(dir, "BOOT~1.LOG", "boot messages.log", []byte("ok\n"))
	require.NoError(t, err)
	return writeFile(t, "disk.img", im.Bytes())
}

func TestProbe(t *testing.T) {
	path := writeImage(t, "probed")
	out, err := runApp(t, "probe", "--cat", "/README.TXT", path)
	require.NoError(t, err)
	require.Contains(t, out, "FAT16")
	require.Contains(t, out, "RZUSB")
	require.Contains(t, out, "1234-ABCD")
	require.Contains(t, out, "A:/README.TXT")
	require.Contains(t, out, "A:/LOGS/boot messages.log")
	require.Contains(t, out, "probed")
}

func TestProbe_Errors(t *testing.T) {
	_, err := runApp(t, "probe")
	require.Error(t, err)

	_, err = runApp(t, "probe", writeFile(t, "blank.img", make([]byte, 64*sectorSize)))
	require.ErrorIs(t, err, fatfs.ErrNoFilesystem)

	_, err = runApp(t, "probe", writeFile(t, "tiny.img", make([]byte, 100)))
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = runApp(t, "--log.level", "loud", "probe", writeImage(t, ""))
	require.ErrorContains(t, err, "unknown log level")
}

func TestBuildBus(t *testing.T) {
	fns := []sim.Function{sim.NewKeyboard(), sim.NewMouse()}

	ctrl, err := buildBus(fns, 0)
	require.NoError(t, err)
	require.Equal(t, 2, ctrl.NumPorts())
	require.Same(t, fns[1], ctrl.Port(2).Function())

	ctrl, err = buildBus(fns, 4)
	require.NoError(t, err)
	require.Equal(t, 1, ctrl.NumPorts())
	hub, ok := ctrl.Port(1).Function().(*sim.Hub)
	require.True(t, ok)
	require.Same(t, fns[0], hub.Port(1).Function())

	_, err = buildBus(fns, 1)
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestRun(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the bus in real time")
	}
	cfg := writeFile(t, "rzusb.toml", []byte(fastConfig))
	img := writeImage(t, "from an image")

	out, err := runApp(t, "--config", cfg, "run",
		"--image", img,
		"--hub", "4",
		"--type", "Hi!",
		"--serial", "ping",
		"--duration", "2s",
	)
	require.NoError(t, err)
	require.Contains(t, out, "hub")
	require.Contains(t, out, "msc")
	require.Contains(t, out, "keyboard")
	require.Contains(t, out, "cdc")
	require.Contains(t, out, "A:/README.TXT")
	require.Contains(t, out, "A:/LOGS/boot messages.log")
	require.Contains(t, out, `Keyboard: "Hi!"`)
	require.Contains(t, out, `Serial echo: "ping"`)
}

func TestRun_DemoDisk(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the bus in real time")
	}
	cfg := writeFile(t, "rzusb.toml", []byte(fastConfig))
	out, err := runApp(t, "--config", cfg, "run", "--read-only", "--duration", "1s")
	require.NoError(t, err)
	require.Contains(t, out, "A:/DOCS/notes about the host stack.txt")
	require.Contains(t, out, "yes")
}
