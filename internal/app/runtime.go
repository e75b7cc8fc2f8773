package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/surveylink/internal/bus"
	"github.com/skobkin/surveylink/internal/config"
	"github.com/skobkin/surveylink/internal/instrument"
	"github.com/skobkin/surveylink/internal/logging"
	"github.com/skobkin/surveylink/internal/notifications"
)

// Runtime wires the bus, both transports and the instrument manager for one process.
type Runtime struct {
	mu        sync.RWMutex
	closeOnce sync.Once

	Ctx    context.Context
	cancel context.CancelFunc

	Paths  Paths
	Config config.AppConfig

	LogManager    *logging.Manager
	Bus           *bus.PubSubBus
	Transports    *Transports
	Instrument    *instrument.Manager
	Notifications *NotificationService
}

func Initialize(parent context.Context) (*Runtime, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}

	return InitializeWithPaths(parent, paths)
}

func InitializeWithPaths(parent context.Context, paths Paths) (*Runtime, error) {
	cfg, err := config.Load(paths.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	rt := &Runtime{
		Ctx:    ctx,
		cancel: cancel,
		Paths:  paths,
		Config: cfg,
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.LogFile); err != nil {
		_ = logMgr.Close()
		cancel()
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	rt.LogManager = logMgr
	slog.Info("starting surveylink runtime", "version", BuildVersion(), "build_date", BuildDateYMD())

	b := bus.New(logMgr.Logger("bus"))
	rt.Bus = b

	transports, err := NewTransports(cfg, b)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("initialize transports: %w", err)
	}
	rt.Transports = transports

	rt.Instrument = instrument.NewManager(
		logMgr.Logger("instrument"),
		b,
		transports.BLE,
		transports.USB,
		instrumentOptions(cfg.Instrument),
	)
	rt.Instrument.Start(ctx)

	rt.Notifications = NewNotificationService(
		b,
		rt.CurrentConfig,
		notifications.NewBeeepSender(Name, logMgr.Logger("notifications")),
		logMgr.Logger("app.notifications"),
	)
	rt.Notifications.Start(ctx)

	return rt, nil
}

func instrumentOptions(cfg config.InstrumentConfig) instrument.Options {
	return instrument.Options{
		CommandTimeout: time.Duration(cfg.CommandTimeoutMS) * time.Millisecond,
		SetupCommands:  cfg.SetupCommands,
	}
}

func (r *Runtime) CurrentConfig() config.AppConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.Config
}

// SaveAndApplyConfig persists cfg and applies logging changes immediately.
// Transport and instrument settings take effect on the next start.
func (r *Runtime) SaveAndApplyConfig(cfg config.AppConfig) error {
	cfg.FillMissingDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if err := config.Save(r.Paths.ConfigFile, cfg); err != nil {
		r.mu.Unlock()
		return err
	}
	previous := r.Config
	r.Config = cfg
	r.mu.Unlock()

	if r.LogManager != nil {
		if err := r.LogManager.Configure(cfg.Logging, r.Paths.LogFile); err != nil {
			return err
		}
	}
	if previous.USB.Backend != cfg.USB.Backend || previous.BLE.Adapter != cfg.BLE.Adapter {
		slog.Info("transport settings saved, restart to apply",
			"usb_backend", cfg.USB.Backend, "ble_adapter", cfg.BLE.Adapter)
	}

	return nil
}

func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		if r.Instrument != nil {
			r.Instrument.Disconnect()
		}
		if r.cancel != nil {
			r.cancel()
		}
		if r.Transports != nil {
			if err := r.Transports.Close(); err != nil {
				slog.Warn("close transports", "error", err)
			}
		}
		if r.Bus != nil {
			r.Bus.Close()
		}
		if r.LogManager != nil {
			_ = r.LogManager.Close()
		}
	})
	return nil
}
