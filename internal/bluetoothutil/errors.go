package bluetoothutil

import (
	"errors"
	"strings"

	"github.com/godbus/dbus/v5"
)

func IsDBusErrorName(err error, want string) bool {
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) && dbusErrPtr != nil && dbusErrPtr.Name == want {
		return true
	}

	var dbusErr dbus.Error
	return errors.As(err, &dbusErr) && dbusErr.Name == want
}

func IsBenignStopScanError(err error) bool {
	if err == nil {
		return true
	}
	if IsDBusErrorName(err, "org.bluez.Error.NotReady") {
		return true
	}
	if IsDBusErrorName(err, "org.bluez.Error.Failed") && strings.Contains(strings.ToLower(err.Error()), "no discovery started") {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "cancel") ||
		strings.Contains(msg, "stopped") ||
		strings.Contains(msg, "not scanning") ||
		strings.Contains(msg, "no scan in progress")
}

func IsScanAlreadyInProgressError(err error) bool {
	if err == nil {
		return false
	}
	if IsDBusErrorName(err, "org.bluez.Error.InProgress") {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already in progress")
}

// GATT status codes reported to the BLE state machine. The numeric values follow the
// Android stack; 133 is the generic GATT_ERROR that shows up right after a radio reset.
const (
	GattStatusSuccess = 0
	GattStatusError   = 133
	GattStatusFailure = 257
)

// ConnectStatus maps a platform connect/IO error to a GATT status code. BlueZ reports the
// 133-equivalent as an aborted LE connection.
func ConnectStatus(err error) int {
	if err == nil {
		return GattStatusSuccess
	}
	msg := strings.ToLower(err.Error())
	if IsDBusErrorName(err, "org.bluez.Error.Failed") || IsDBusErrorName(err, "org.bluez.Error.AbortedByLocal") {
		if strings.Contains(msg, "le-connection-abort-by-local") || strings.Contains(msg, "abort") {
			return GattStatusError
		}
	}
	if strings.Contains(msg, "software caused connection abort") ||
		strings.Contains(msg, "le-connection-abort-by-local") ||
		strings.Contains(msg, "gatt_error") ||
		strings.Contains(msg, "status 133") {
		return GattStatusError
	}

	return GattStatusFailure
}
