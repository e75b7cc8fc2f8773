package transport

import (
	"context"

	"github.com/skobkin/surveylink/internal/link"
)

// Transport is the part shared by the BLE and USB links: a state, a line-oriented send
// and an idempotent teardown. Received lines and state changes go to the bus.
type Transport interface {
	Name() string
	State() link.ConnectionState
	Send(ctx context.Context, command string) error
	Disconnect()
	Close() error
}

var (
	_ Transport = (*BLETransport)(nil)
	_ Transport = (*USBTransport)(nil)
)
