package link

import "fmt"

// StateKind identifies the connection lifecycle stage.
type StateKind string

const (
	StateDisconnected StateKind = "disconnected"
	StateScanning     StateKind = "scanning"
	StateConnecting   StateKind = "connecting"
	StateConnected    StateKind = "connected"
	StateError        StateKind = "error"
)

// ConnectionState is a snapshot of a transport or of the unified link.
// Message is set only for StateError.
type ConnectionState struct {
	Kind    StateKind
	Message string
}

func Disconnected() ConnectionState { return ConnectionState{Kind: StateDisconnected} }
func Scanning() ConnectionState     { return ConnectionState{Kind: StateScanning} }
func Connecting() ConnectionState   { return ConnectionState{Kind: StateConnecting} }
func Connected() ConnectionState    { return ConnectionState{Kind: StateConnected} }

func Failed(message string) ConnectionState {
	return ConnectionState{Kind: StateError, Message: message}
}

func (s ConnectionState) IsConnected() bool {
	return s.Kind == StateConnected
}

func (s ConnectionState) IsError() bool {
	return s.Kind == StateError
}

func (s ConnectionState) String() string {
	if s.Kind == "" {
		return string(StateDisconnected)
	}
	if s.Kind == StateError {
		return fmt.Sprintf("%s(%s)", s.Kind, s.Message)
	}

	return string(s.Kind)
}
