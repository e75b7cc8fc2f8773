package link

import "strings"

// Protocol names the transport that currently owns the connection.
type Protocol string

const (
	ProtocolNone Protocol = "none"
	ProtocolBLE  Protocol = "ble"
	ProtocolUSB  Protocol = "usb"
)

func ParseProtocol(raw string) (Protocol, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return ProtocolNone, true
	case "ble", "bluetooth":
		return ProtocolBLE, true
	case "usb", "serial":
		return ProtocolUSB, true
	default:
		return ProtocolNone, false
	}
}

// DisplayName is used in user-facing messages and diagnostics.
func (p Protocol) DisplayName() string {
	switch p {
	case ProtocolBLE:
		return "BLE"
	case ProtocolUSB:
		return "USB"
	default:
		return "none"
	}
}
