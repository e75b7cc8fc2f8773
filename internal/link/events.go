package link

import "time"

// DiscoveredDevice is a BLE scan result that matched the instrument name filter.
type DiscoveredDevice struct {
	Name    string
	Address string
}

// StateEvent is published whenever a state holder changes value.
type StateEvent struct {
	Source Protocol
	State  ConnectionState
	At     time.Time
}

// LineEvent carries one framed line. Text is either a trimmed non-empty line or the prompt.
type LineEvent struct {
	Source Protocol
	Text   string
	At     time.Time
}

// ScanEvent carries the full deduplicated result list of the current scan session.
type ScanEvent struct {
	Devices []DiscoveredDevice
}

// Prompt is the standalone readiness marker emitted by the instrument.
const Prompt = ">"

func (e LineEvent) IsPrompt() bool {
	return e.Text == Prompt
}
