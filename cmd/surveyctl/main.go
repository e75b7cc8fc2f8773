package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/skobkin/surveylink/internal/app"
	"github.com/skobkin/surveylink/internal/bus"
	"github.com/skobkin/surveylink/internal/config"
	"github.com/skobkin/surveylink/internal/link"
)

const defaultConnectTimeout = 30 * time.Second

// commandList collects repeated -send flags in order.
type commandList []string

func (c *commandList) String() string {
	return strings.Join(*c, ", ")
}

func (c *commandList) Set(value string) error {
	if strings.ContainsAny(value, "\r\n") {
		return errors.New("command must be a single line")
	}
	*c = append(*c, value)
	return nil
}

type options struct {
	configDir      string
	scan           time.Duration
	listUSB        bool
	bleAddress     string
	usbDevice      string
	save           bool
	connectTimeout time.Duration
	setup          bool
	send           commandList
	get            string
	prefix         string
	commandTimeout time.Duration
	listenFor      time.Duration
	version        bool
}

// connects reports whether the requested actions need an instrument link.
func (o options) connects() bool {
	return o.setup || len(o.send) > 0 || o.get != "" || o.listenFor > 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.version {
		fmt.Println(app.Name, app.BuildVersionWithDate())
		return
	}

	if err := run(ctx, opts, os.Stdout); err != nil {
		slog.Error("run surveyctl", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("surveyctl", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.configDir, "config-dir", "", "directory holding config.json and app.log (default: user config dir)")
	fs.DurationVar(&opts.scan, "scan", 0, "scan for BLE instruments for the given duration, e.g. 10s")
	fs.BoolVar(&opts.listUSB, "list-usb", false, "list attached USB serial instruments")
	fs.StringVar(&opts.bleAddress, "ble", "", "connect to the BLE instrument with this address")
	fs.StringVar(&opts.usbDevice, "usb", "", "connect to the USB instrument with this id")
	fs.BoolVar(&opts.save, "save", false, "remember the -ble/-usb target in config")
	fs.DurationVar(&opts.connectTimeout, "connect-timeout", defaultConnectTimeout, "how long to wait for the link to come up")
	fs.BoolVar(&opts.setup, "setup", false, "run the surveyor setup sequence after connecting")
	fs.Var(&opts.send, "send", "send a command and wait for the prompt (repeatable)")
	fs.StringVar(&opts.get, "get", "", "send a command and print the first response line")
	fs.StringVar(&opts.prefix, "prefix", "", "response prefix for -get (default: first line received)")
	fs.DurationVar(&opts.commandTimeout, "command-timeout", 0, "per-command timeout (default: from config)")
	fs.DurationVar(&opts.listenFor, "listen-for", 0, "print instrument lines for the given duration")
	fs.BoolVar(&opts.version, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.bleAddress = strings.TrimSpace(opts.bleAddress)
	opts.usbDevice = strings.TrimSpace(opts.usbDevice)
	if opts.bleAddress != "" && opts.usbDevice != "" {
		return options{}, errors.New("-ble and -usb are mutually exclusive")
	}
	if opts.prefix != "" && opts.get == "" {
		return options{}, errors.New("-prefix requires -get")
	}
	if opts.save && opts.bleAddress == "" && opts.usbDevice == "" {
		return options{}, errors.New("-save requires -ble or -usb")
	}
	if opts.connectTimeout <= 0 {
		return options{}, errors.New("-connect-timeout must be positive")
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	return opts, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	paths, err := resolvePaths(opts.configDir)
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}

	rt, err := app.InitializeWithPaths(ctx, paths)
	if err != nil {
		return err
	}
	defer func() {
		_ = rt.Close()
	}()
	logger := rt.LogManager.Logger("cli")

	if opts.listUSB {
		devices, err := rt.Instrument.USBDevices()
		if err != nil {
			return fmt.Errorf("list usb devices: %w", err)
		}
		printUSBDevices(out, devices)
	}

	if opts.scan > 0 {
		devices, err := scan(ctx, rt.Bus, rt.Instrument, opts.scan)
		if err != nil {
			return err
		}
		printScanResults(out, devices)
	}

	cfg := rt.CurrentConfig()
	if opts.bleAddress != "" {
		cfg.Connection = config.ConnectionConfig{Protocol: string(link.ProtocolBLE), BLEAddress: opts.bleAddress}
	}
	if opts.usbDevice != "" {
		cfg.Connection = config.ConnectionConfig{Protocol: string(link.ProtocolUSB), USBDevice: opts.usbDevice}
	}
	if opts.save {
		if err := rt.SaveAndApplyConfig(cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
	}

	if !opts.connects() {
		return nil
	}

	linesSub := rt.Bus.Subscribe(link.TopicLines)
	go printLines(ctx, linesSub, out, opts.listenFor > 0)

	if err := connect(ctx, rt.Bus, rt.Instrument, cfg.Connection, opts.connectTimeout); err != nil {
		return err
	}
	logger.Info("instrument connected", "protocol", rt.Instrument.Protocol(), "target", app.ConnectionTarget(cfg.Connection))

	if opts.setup {
		if err := rt.Instrument.SetupSurveyor(ctx); err != nil {
			return fmt.Errorf("setup surveyor: %w", err)
		}
		logger.Info("surveyor setup complete")
	}
	for _, cmd := range opts.send {
		if err := rt.Instrument.SendCommand(ctx, cmd, opts.commandTimeout); err != nil {
			return err
		}
	}
	if opts.get != "" {
		line, ok := rt.Instrument.SendCommandAndAwaitResponse(ctx, opts.get, opts.prefix, opts.commandTimeout)
		if !ok {
			return fmt.Errorf("no response to %q; recent lines: %s", opts.get, strings.Join(rt.Instrument.RecentLines(), " | "))
		}
		fmt.Fprintln(out, line)
	}

	if opts.listenFor > 0 {
		logger.Info("listen mode", "duration", opts.listenFor)
		select {
		case <-ctx.Done():
		case <-time.After(opts.listenFor):
		}
	}

	return nil
}

func resolvePaths(dir string) (app.Paths, error) {
	if strings.TrimSpace(dir) == "" {
		return app.ResolvePaths()
	}

	return app.PathsIn(dir)
}

type scanner interface {
	StartScan() error
	StopScan()
	ScanResults() []link.DiscoveredDevice
}

// scan runs one BLE scan and returns what was found when it ends or duration elapses.
func scan(ctx context.Context, b bus.MessageBus, s scanner, duration time.Duration) ([]link.DiscoveredDevice, error) {
	stateSub := b.Subscribe(link.TopicState)
	defer b.Unsubscribe(stateSub, link.TopicState)

	if err := s.StartScan(); err != nil {
		return nil, fmt.Errorf("start scan: %w", err)
	}
	defer s.StopScan()

	timer := time.NewTimer(duration)
	defer timer.Stop()
	scanning := false
	for {
		select {
		case <-ctx.Done():
			return s.ScanResults(), ctx.Err()
		case <-timer.C:
			return s.ScanResults(), nil
		case raw, ok := <-stateSub:
			if !ok {
				return s.ScanResults(), nil
			}
			ev, ok := raw.(link.StateEvent)
			if !ok {
				continue
			}
			switch ev.State.Kind {
			case link.StateScanning:
				scanning = true
			case link.StateError:
				return s.ScanResults(), fmt.Errorf("scan failed: %s", ev.State.Message)
			default:
				if scanning {
					return s.ScanResults(), nil
				}
			}
		}
	}
}

// connect starts the saved or requested connection and waits until the unified link is up.
func connect(ctx context.Context, b bus.MessageBus, c app.Connector, cfg config.ConnectionConfig, timeout time.Duration) error {
	stateSub := b.Subscribe(link.TopicState)
	defer b.Unsubscribe(stateSub, link.TopicState)

	started, err := app.RestoreConnection(c, cfg)
	if err != nil {
		return fmt.Errorf("start connection: %w", err)
	}
	if !started {
		return errors.New("no instrument selected: pass -ble or -usb, or save a connection in config")
	}

	return waitForConnected(ctx, stateSub, timeout)
}

func waitForConnected(ctx context.Context, sub bus.Subscription, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: link not connected after %s", link.ErrTimeout, timeout)
		case raw, ok := <-sub:
			if !ok {
				return errors.New("state stream closed while connecting")
			}
			ev, ok := raw.(link.StateEvent)
			if !ok {
				continue
			}
			switch ev.State.Kind {
			case link.StateConnected:
				return nil
			case link.StateError:
				return fmt.Errorf("connect over %s: %s", ev.Source.DisplayName(), ev.State.Message)
			}
		}
	}
}

func printLines(ctx context.Context, sub bus.Subscription, out io.Writer, enabled bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			ev, ok := raw.(link.LineEvent)
			if !ok || !enabled || ev.IsPrompt() {
				continue
			}
			fmt.Fprintf(out, "%s\t%s\n", ev.At.Format(time.RFC3339), ev.Text)
		}
	}
}

func printUSBDevices(out io.Writer, devices map[string]string) {
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "%s\t%s\n", devices[name], name)
	}
}

func printScanResults(out io.Writer, devices []link.DiscoveredDevice) {
	for _, d := range devices {
		fmt.Fprintf(out, "%s\t%s\n", d.Address, d.Name)
	}
}
