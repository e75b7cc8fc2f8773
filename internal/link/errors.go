package link

import "errors"

var (
	// ErrTransientLinkGlitch marks the BLE status-133 warm-up failure that is retried internally.
	ErrTransientLinkGlitch = errors.New("transient link glitch")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrResourceNotFound    = errors.New("resource not found")
	ErrIO                  = errors.New("i/o failure")
	ErrTimeout             = errors.New("timed out")
	ErrNotConnected        = errors.New("not connected")
	ErrWriteInFlight       = errors.New("another write is already in flight")
)
