package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/skobkin/surveylink/internal/config"
	"github.com/skobkin/surveylink/internal/link"
)

func newRuntimeForTests(t *testing.T) *Runtime {
	t.Helper()

	origDefault := slog.Default()
	t.Cleanup(func() { slog.SetDefault(origDefault) })

	paths, err := PathsIn(filepath.Join(t.TempDir(), Name))
	if err != nil {
		t.Fatalf("paths: %v", err)
	}
	initial := config.Default()
	initial.USB.Backend = config.USBBackendTTY
	initial.Notifications.Enabled = false
	initial.Instrument.CommandTimeoutMS = 1500
	if err := config.Save(paths.ConfigFile, initial); err != nil {
		t.Fatalf("save initial config: %v", err)
	}

	rt, err := InitializeWithPaths(context.Background(), paths)
	if err != nil {
		t.Fatalf("initialize runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })

	return rt
}

func TestInitializeWithPathsStartsIdle(t *testing.T) {
	rt := newRuntimeForTests(t)

	if rt.Config.USB.Backend != config.USBBackendTTY {
		t.Fatalf("expected saved config to be loaded, got backend %q", rt.Config.USB.Backend)
	}
	if got := rt.Instrument.State(); got.Kind != link.StateDisconnected {
		t.Fatalf("expected disconnected instrument, got %s", got)
	}
	if got := rt.Instrument.Protocol(); got != link.ProtocolNone {
		t.Fatalf("expected no active protocol, got %s", got)
	}
}

func TestInitializeWithPathsRejectsInvalidConfig(t *testing.T) {
	paths, err := PathsIn(filepath.Join(t.TempDir(), Name))
	if err != nil {
		t.Fatalf("paths: %v", err)
	}
	raw := `{"connection": {"protocol": "ble"}}`
	if err := writeTestFile(paths.ConfigFile, raw); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := InitializeWithPaths(context.Background(), paths); err == nil {
		t.Fatalf("expected invalid config error")
	}
}

func TestInstrumentOptionsFromConfig(t *testing.T) {
	opts := instrumentOptions(config.InstrumentConfig{
		CommandTimeoutMS: 2500,
		SetupCommands:    []string{"ECHO OFF"},
	})

	if opts.CommandTimeout != 2500*time.Millisecond {
		t.Fatalf("unexpected timeout: %v", opts.CommandTimeout)
	}
	if len(opts.SetupCommands) != 1 || opts.SetupCommands[0] != "ECHO OFF" {
		t.Fatalf("unexpected setup commands: %v", opts.SetupCommands)
	}
}

func TestRuntimeSaveAndApplyConfig_PersistsAndUpdatesCurrent(t *testing.T) {
	rt := newRuntimeForTests(t)

	next := rt.CurrentConfig()
	next.Connection = config.ConnectionConfig{Protocol: "usb", USBDevice: "/dev/ttyACM0"}
	next.Logging.Level = "debug"

	if err := rt.SaveAndApplyConfig(next); err != nil {
		t.Fatalf("save and apply config: %v", err)
	}

	if got := rt.CurrentConfig().Connection.USBDevice; got != "/dev/ttyACM0" {
		t.Fatalf("expected current config to be updated, got %q", got)
	}
	loaded, err := config.Load(rt.Paths.ConfigFile)
	if err != nil {
		t.Fatalf("load saved config: %v", err)
	}
	if loaded.Connection.Protocol != "usb" || loaded.Logging.Level != "debug" {
		t.Fatalf("unexpected saved config: %+v", loaded)
	}
}

func TestRuntimeSaveAndApplyConfig_RejectsInvalidConfig(t *testing.T) {
	rt := newRuntimeForTests(t)
	before := rt.CurrentConfig()

	next := before
	next.Connection = config.ConnectionConfig{Protocol: "ble"}

	if err := rt.SaveAndApplyConfig(next); err == nil {
		t.Fatalf("expected validation error")
	}
	if got := rt.CurrentConfig().Connection.Protocol; got != before.Connection.Protocol {
		t.Fatalf("expected config to stay unchanged, got protocol %q", got)
	}
}

func TestRuntimeCloseIsSafeTwice(t *testing.T) {
	rt := newRuntimeForTests(t)

	if err := rt.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
