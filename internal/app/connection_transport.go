package app

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/skobkin/surveylink/internal/bus"
	"github.com/skobkin/surveylink/internal/config"
	"github.com/skobkin/surveylink/internal/transport"
)

// Transports holds both instrument transports and the host resources behind them.
type Transports struct {
	BLE *transport.BLETransport
	USB *transport.USBTransport

	usbHost transport.USBHost
}

// NewTransports builds the BLE and USB transports selected by cfg. Neither touches
// hardware until a scan or connection is requested.
func NewTransports(cfg config.AppConfig, b bus.MessageBus) (*Transports, error) {
	host, err := newUSBHost(cfg.USB.Backend)
	if err != nil {
		return nil, err
	}

	ble := transport.NewBLETransport(
		transport.NewTinyGoBLEAdapter(cfg.BLE.Adapter),
		b,
		transport.BLEOptions{NameFilters: cfg.BLE.NameFilters},
	)
	usb := transport.NewUSBTransport(host, b, transport.USBOptions{})

	return &Transports{BLE: ble, USB: usb, usbHost: host}, nil
}

func newUSBHost(backend config.USBBackend) (transport.USBHost, error) {
	switch config.USBBackend(strings.ToLower(strings.TrimSpace(string(backend)))) {
	case config.USBBackendLibUSB, "":
		return transport.NewGousbHost(), nil
	case config.USBBackendTTY:
		return transport.NewTTYHost(), nil
	default:
		return nil, fmt.Errorf("unknown usb backend: %q", backend)
	}
}

// Close tears down both transports, then releases the USB host.
func (t *Transports) Close() error {
	if t == nil {
		return nil
	}

	var firstErr error
	for _, closer := range []interface{ Close() error }{t.BLE, t.USB} {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c, ok := t.usbHost.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			slog.Warn("close usb host", "error", err)
		}
	}

	return firstErr
}
