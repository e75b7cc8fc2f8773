package bluetoothutil

import (
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"
)

// Nordic UART Service layout used by the instrument's BLE bridge.
const (
	NUSServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NUSRXUUID      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	NUSTXUUID      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

func mustParseUUID(raw string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(strings.TrimSpace(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid bluetooth UUID %q: %v", raw, err))
	}

	return uuid
}

var nusServiceUUID = mustParseUUID(NUSServiceUUID)

// NUSService narrows service discovery to the instrument's UART service.
func NUSService() bluetooth.UUID {
	return nusServiceUUID
}

// SameUUID compares two textual UUIDs ignoring case and surrounding whitespace.
func SameUUID(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// MatchesName reports whether an advertised name contains any of the filter substrings,
// case-insensitively. Empty names never match.
func MatchesName(name string, filters []string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	for _, f := range filters {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" && strings.Contains(name, f) {
			return true
		}
	}

	return false
}
