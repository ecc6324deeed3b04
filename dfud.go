package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/dfu-tools/dfud-go/config"
	"github.com/dfu-tools/dfud-go/core"
	"github.com/dfu-tools/dfud-go/dfu"
	"github.com/dfu-tools/dfud-go/dfufile"
	"github.com/dfu-tools/dfud-go/server"
	"github.com/dfu-tools/dfud-go/usb"
)

const version = "1.0.0"

func main() {
	app := &cli.App{
		Name:    "dfud",
		Version: version,
		Usage:   "USB DFU firmware tool and local bridge daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "daemon configuration file",
			},
			&cli.StringFlag{
				Name:    "log-file",
				Aliases: []string{"l"},
				Usage:   "log into a file, rotating after 20MB",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "mirror the detailed log to stderr",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the bridge daemon",
				Action: cmdServe,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "listen address (default from config)",
					},
					&cli.BoolFlag{
						Name:  "emulator",
						Usage: "serve the emulated device",
					},
					&cli.BoolFlag{
						Name:  "no-usb",
						Usage: "disable real USB devices, for testing environments",
					},
				},
			},
			{
				Name:   "list",
				Usage:  "list DFU-capable devices",
				Action: cmdList,
			},
			{
				Name:      "download",
				Usage:     "write a firmware file (DfuSe or raw) to a device",
				ArgsUsage: "FILE",
				Action:    cmdDownload,
				Flags: append(deviceFlags(),
					&cli.UintFlag{
						Name:  "target",
						Usage: "target index inside a DfuSe file",
					},
					&cli.StringFlag{
						Name:  "base",
						Usage: "start address for raw files",
						Value: "0x08000000",
					},
					&cli.BoolFlag{
						Name:  "detach",
						Usage: "detach a runtime-mode device into DFU mode first",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "give up after this long",
						Value: 10 * time.Minute,
					},
				),
			},
			{
				Name:      "upload",
				Usage:     "read device memory into a file",
				ArgsUsage: "FILE",
				Action:    cmdUpload,
				Flags: append(deviceFlags(),
					&cli.StringFlag{
						Name:  "base",
						Usage: "start address to read from",
						Value: "0x08000000",
					},
					&cli.Uint64Flag{
						Name:  "length",
						Usage: "bytes to read, 0 reads until the device stops",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "give up after this long",
						Value: 10 * time.Minute,
					},
				),
			},
			{
				Name:   "detach",
				Usage:  "switch a runtime-mode device into DFU mode",
				Action: cmdDetach,
				Flags:  deviceFlags(),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "device",
			Aliases: []string{"d"},
			Usage:   "device path as shown by list; optional when exactly one device is connected",
		},
		&cli.UintFlag{
			Name:  "alt",
			Usage: "alternate setting of the DFU interface",
		},
	}
}

// tool is the assembled stack a command runs against.
type tool struct {
	cfg    *config.Config
	log    *logrus.Logger
	core   *core.Core
	closer func()
}

func engineOpts(cfg *config.Config) []dfu.Option {
	var opts []dfu.Option
	if max := cfg.PollTimeoutMax(); max > 0 {
		opts = append(opts, dfu.WithPollClamp(time.Millisecond, max))
	}
	return opts
}

func cmdServe(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.String("addr") != "" {
		cfg.Server.Addr = c.String("addr")
	}
	if c.Bool("emulator") {
		cfg.USB.Emulator = true
	}
	if c.Bool("no-usb") {
		cfg.USB.Disabled = true
	}
	logfile := c.String("log-file")
	if logfile == "" {
		logfile = cfg.Log.File
	}

	stderrWriter, stderrLogger, shortMW, longMW := initLoggers(logfile, c.Bool("verbose") || cfg.Log.Verbose)
	stderrLogger.Print("dfud is starting")

	var buses []core.DFUBus
	if !cfg.USB.Disabled {
		longMW.Log("initing gousb")
		g, err := usb.InitGoUSB(longMW)
		if err != nil {
			stderrLogger.Fatalf("gousb: %s", err)
		}
		defer g.Close()
		buses = append(buses, g)
	}
	if cfg.USB.Emulator {
		longMW.Log("initing emulator")
		buses = append(buses, usb.InitEmulator(nil))
	}
	if len(buses) == 0 {
		stderrLogger.Fatal("no transports enabled")
	}

	b := usb.Init(buses...)
	cr := core.New(b, longMW, engineOpts(cfg)...)

	longMW.Log("creating HTTP server")
	s, err := server.New(cr, stderrWriter, shortMW, longMW, version, cfg.Server.Addr, cfg.Server.Origins)
	if err != nil {
		stderrLogger.Fatalf("http: %s", err)
	}

	longMW.Log("running HTTP server")
	err = s.Run()
	if err != nil {
		stderrLogger.Fatalf("http: %s", err)
	}

	longMW.Log("main ended successfully")
	return nil
}

// oneShot builds the CLI-side stack for a single command: real USB
// plus the emulator when asked for, no HTTP server.
func oneShot(c *cli.Context) (*tool, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	_, stderrLogger, _, longMW := initLoggers(c.String("log-file"), c.Bool("verbose"))

	var buses []core.DFUBus
	var closers []func()
	if !cfg.USB.Disabled {
		g, err := usb.InitGoUSB(longMW)
		if err != nil {
			return nil, fmt.Errorf("gousb: %w", err)
		}
		closers = append(closers, g.Close)
		buses = append(buses, g)
	}
	if cfg.USB.Emulator {
		buses = append(buses, usb.InitEmulator(nil))
	}

	return &tool{
		cfg:  cfg,
		log:  stderrLogger,
		core: core.New(usb.Init(buses...), longMW, engineOpts(cfg)...),
		closer: func() {
			for _, c := range closers {
				c()
			}
		},
	}, nil
}

func cmdList(c *cli.Context) error {
	t, err := oneShot(c)
	if err != nil {
		return err
	}
	defer t.closer()

	entries, err := t.core.Enumerate()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no DFU devices found")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s  %04x:%04x  %s mode\n", e.Path, e.Vendor, e.Product, e.Mode)
		for _, a := range e.Alts {
			fmt.Printf("    alt %d: %s\n", a.Alt, a.Name)
		}
	}
	return nil
}

// pickDevice selects the device a command operates on. With no -d flag
// the choice is only made for the user when it is unambiguous.
func pickDevice(t *tool, devicePath string) (core.EnumerateEntry, error) {
	entries, err := t.core.Enumerate()
	if err != nil {
		return core.EnumerateEntry{}, err
	}
	if devicePath != "" {
		for _, e := range entries {
			if e.Path == devicePath {
				return e, nil
			}
		}
		return core.EnumerateEntry{}, fmt.Errorf("device %q not found", devicePath)
	}
	switch len(entries) {
	case 0:
		return core.EnumerateEntry{}, fmt.Errorf("no DFU devices found")
	case 1:
		return entries[0], nil
	}
	return core.EnumerateEntry{}, fmt.Errorf("%d DFU devices found, pick one with -d", len(entries))
}

// detachIntoDFU runs the detach pre-phase and waits for the device to
// come back in DFU mode.
func detachIntoDFU(ctx context.Context, t *tool, entry core.EnumerateEntry, alt uint8) (core.EnumerateEntry, error) {
	session, err := t.core.Acquire(entry.Path, "", alt)
	if err != nil {
		return core.EnumerateEntry{}, err
	}
	if err := t.core.Detach(ctx, session); err != nil {
		_ = t.core.Release(session)
		return core.EnumerateEntry{}, err
	}

	t.log.Info("waiting for the device to re-enumerate in DFU mode")
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return core.EnumerateEntry{}, err
		}
		entries, err := t.core.Enumerate()
		if err == nil {
			for _, e := range entries {
				if e.Mode == core.ModeDFU.String() && e.Vendor == entry.Vendor {
					return e, nil
				}
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return core.EnumerateEntry{}, fmt.Errorf("device did not come back in DFU mode")
}

func progressPrinter(log *logrus.Logger) core.ProgressFunc {
	var lastPhase core.Phase
	var lastDecile int
	return func(p core.Progress) {
		decile := int(p.Percentage) / 10
		if p.Phase == lastPhase && decile == lastDecile {
			return
		}
		lastPhase, lastDecile = p.Phase, decile
		if p.TotalBytes > 0 {
			log.Infof("%s: %d/%d bytes (%.0f%%)", p.Phase, p.BytesTransferred, p.TotalBytes, p.Percentage)
		} else {
			log.Infof("%s: %d bytes", p.Phase, p.BytesTransferred)
		}
	}
}

func cmdDownload(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("expected exactly one firmware file", 1)
	}
	data, err := os.ReadFile(c.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	t, err := oneShot(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer t.closer()

	alt := uint8(c.Uint("alt"))
	var img *dfufile.Image
	if dfufile.IsDfuSe(data) {
		f, err := dfufile.ParseDfuSe(data)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		img, err = f.Target(uint8(c.Uint("target")))
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
	} else {
		base, err := strconv.ParseUint(c.String("base"), 0, 32)
		if err != nil {
			return cli.Exit(fmt.Sprintf("base: %s", err), 1)
		}
		img, err = dfufile.ParseRaw(data, uint32(base))
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	entry, err := pickDevice(t, c.String("device"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if c.Bool("detach") && entry.Mode == core.ModeRuntime.String() {
		entry, err = detachIntoDFU(ctx, t, entry, alt)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
	}

	session, err := t.core.Acquire(entry.Path, "", alt)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer func() { _ = t.core.Release(session) }()

	out := t.core.Download(ctx, session, img, progressPrinter(t.log))
	if out.Err != nil {
		return cli.Exit(fmt.Sprintf("download: %s (%d bytes sent)", out.Err, out.BytesTransferred), out.ExitCode())
	}
	t.log.Infof("downloaded %d bytes", out.BytesTransferred)
	return nil
}

func cmdUpload(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("expected exactly one output file", 1)
	}
	outPath := c.Args().First()

	base, err := strconv.ParseUint(c.String("base"), 0, 32)
	if err != nil {
		return cli.Exit(fmt.Sprintf("base: %s", err), 1)
	}

	t, err := oneShot(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer t.closer()

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	entry, err := pickDevice(t, c.String("device"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	session, err := t.core.Acquire(entry.Path, "", uint8(c.Uint("alt")))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer func() { _ = t.core.Release(session) }()

	out := t.core.Upload(ctx, session, uint32(base), c.Uint64("length"), progressPrinter(t.log))
	if out.Err != nil {
		return cli.Exit(fmt.Sprintf("upload: %s (%d bytes read)", out.Err, out.BytesTransferred), out.ExitCode())
	}

	f, err := os.Create(outPath)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer f.Close()
	for _, seg := range out.Image.Segments() {
		if _, err := f.Write(seg.Data); err != nil {
			return cli.Exit(err.Error(), 1)
		}
	}
	t.log.Infof("uploaded %d bytes to %s", out.BytesTransferred, outPath)
	return nil
}

func cmdDetach(c *cli.Context) error {
	t, err := oneShot(c)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer t.closer()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entry, err := pickDevice(t, c.String("device"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if entry.Mode != core.ModeRuntime.String() {
		return cli.Exit("device is already in DFU mode", 1)
	}
	session, err := t.core.Acquire(entry.Path, "", uint8(c.Uint("alt")))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if err := t.core.Detach(ctx, session); err != nil {
		_ = t.core.Release(session)
		return cli.Exit(err.Error(), 1)
	}
	t.log.Info("device detached")
	return nil
}
