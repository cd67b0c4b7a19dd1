// Command rzusb runs the USB host stack against a simulated controller.
//
// The run command attaches disk images, and optionally a hub and a
// keyboard, to the simulated bus, lets the host enumerate them and the disk
// manager mount them, then prints what it found. The probe command mounts
// an image file directly through the block cache and the FAT probe.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ardnew/rzusb/pkg"
	"github.com/ardnew/rzusb/pkg/config"
)

const loggingCategory = "LOGGING"

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "TOML configuration file",
	}
	logLevelFlag = &cli.StringFlag{
		Name:     "log.level",
		Usage:    "minimum log level (debug, info, warn, error)",
		Value:    "warn",
		Category: loggingCategory,
	}
	logFormatFlag = &cli.StringFlag{
		Name:     "log.format",
		Usage:    "log format (text, json)",
		Value:    "text",
		Category: loggingCategory,
	}
	logFileFlag = &cli.StringFlag{
		Name:     "log.file",
		Usage:    "write logs to a size-rotated file instead of stderr",
		Category: loggingCategory,
	}
	logMaxSizeFlag = &cli.IntFlag{
		Name:     "log.maxsize",
		Usage:    "megabytes written to the log file before it is rotated",
		Value:    10,
		Category: loggingCategory,
	}
	logMaxBackupsFlag = &cli.IntFlag{
		Name:     "log.maxbackups",
		Usage:    "rotated log files to keep",
		Value:    3,
		Category: loggingCategory,
	}
)

// logFile is the rotating log output, if one was requested.
var logFile *lumberjack.Logger

func newApp() *cli.App {
	return &cli.App{
		Name:  "rzusb",
		Usage: "USB host and disk stack on a simulated controller",
		Flags: []cli.Flag{
			configFlag,
			logLevelFlag,
			logFormatFlag,
			logFileFlag,
			logMaxSizeFlag,
			logMaxBackupsFlag,
		},
		Commands: []*cli.Command{
			runCommand,
			probeCommand,
		},
		Before: setupLogging,
		After: func(*cli.Context) error {
			if logFile != nil {
				err := logFile.Close()
				logFile = nil
				return err
			}
			return nil
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) error {
	level, ok := pkg.ParseLogLevel(ctx.String(logLevelFlag.Name))
	if !ok {
		return fmt.Errorf("unknown log level %q", ctx.String(logLevelFlag.Name))
	}
	var format pkg.LogFormat
	switch f := ctx.String(logFormatFlag.Name); f {
	case "text":
		format = pkg.LogFormatText
	case "json":
		format = pkg.LogFormatJSON
	default:
		return fmt.Errorf("unknown log format %q", f)
	}

	var w io.Writer = ctx.App.ErrWriter
	if w == nil {
		w = os.Stderr
	}
	if path := ctx.String(logFileFlag.Name); path != "" {
		logFile = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    ctx.Int(logMaxSizeFlag.Name),
			MaxBackups: ctx.Int(logMaxBackupsFlag.Name),
		}
		w = logFile
	}
	pkg.SetLogLevel(level)
	pkg.SetLogOutput(w, format)
	return nil
}

// loadConfig returns the defaults, or the file named by --config.
func loadConfig(ctx *cli.Context) (config.Config, error) {
	path := ctx.String(configFlag.Name)
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	pkg.LogInfo(pkg.ComponentCLI, "configuration loaded", "path", path)
	return cfg, nil
}
