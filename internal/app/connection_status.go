package app

import (
	"fmt"
	"strings"

	"github.com/skobkin/surveylink/internal/config"
	"github.com/skobkin/surveylink/internal/link"
)

// Connector is the subset of the instrument manager used to restore the saved connection.
type Connector interface {
	Connect(address string) error
	StartUSBConnection(id string) error
}

func ConnectionTarget(cfg config.ConnectionConfig) string {
	protocol, _ := link.ParseProtocol(cfg.Protocol)
	switch protocol {
	case link.ProtocolBLE:
		return strings.TrimSpace(cfg.BLEAddress)
	case link.ProtocolUSB:
		return strings.TrimSpace(cfg.USBDevice)
	default:
		return ""
	}
}

// RestoreConnection starts connecting to the instrument saved in cfg. It reports
// false when the config names no instrument.
func RestoreConnection(c Connector, cfg config.ConnectionConfig) (bool, error) {
	protocol, ok := link.ParseProtocol(cfg.Protocol)
	if !ok {
		return false, fmt.Errorf("unknown protocol: %q", cfg.Protocol)
	}
	target := ConnectionTarget(cfg)
	if target == "" {
		return false, nil
	}

	switch protocol {
	case link.ProtocolBLE:
		return true, c.Connect(target)
	case link.ProtocolUSB:
		return true, c.StartUSBConnection(target)
	default:
		return false, nil
	}
}
