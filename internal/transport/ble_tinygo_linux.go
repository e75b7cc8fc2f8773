//go:build linux

package transport

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName            = "org.bluez"
	bluezGattCharacteristic = "org.bluez.GattCharacteristic1"
	dbusObjectManager       = "org.freedesktop.DBus.ObjectManager"
)

// bluezCharacteristic is what BlueZ reports for one GATT characteristic of a device.
type bluezCharacteristic struct {
	path  dbus.ObjectPath
	props CharProperties
}

// annotateCharacteristics looks the discovered characteristics up in the BlueZ object
// tree. tinygo keeps the object path and the flags private, and the acknowledged write
// needs the path.
func (c *tinygoGattConn) annotateCharacteristics(chars []*tinygoCharacteristic) {
	if len(chars) == 0 {
		return
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		c.logger.Warn("connect to system bus failed", "error", err)
		return
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := conn.Object(bluezBusName, "/").Call(dbusObjectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		c.logger.Warn("list bluez objects failed", "error", err)
		return
	}

	adapterID := ""
	if c.owner != nil {
		adapterID = c.owner.adapterID
	}
	known := bluezCharacteristics(objects, adapterID, c.address.String())
	for _, char := range chars {
		found, ok := known[strings.ToLower(char.UUID())]
		if !ok {
			c.logger.Debug("characteristic missing from bluez object tree", "uuid", char.UUID())
			continue
		}
		char.objectPath = string(found.path)
		char.props = found.props
	}
}

// writeWithResponse issues WriteValue with type=request so BlueZ waits for the ATT
// write response before the call returns.
func (c *tinygoGattConn) writeWithResponse(target *tinygoCharacteristic, payload []byte) error {
	if target.objectPath == "" {
		return fmt.Errorf("characteristic %s has no bluez object", target.UUID())
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}

	options := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	call := conn.Object(bluezBusName, dbus.ObjectPath(target.objectPath)).
		Call(bluezGattCharacteristic+".WriteValue", 0, payload, options)
	if call.Err != nil {
		return fmt.Errorf("write characteristic %s: %w", target.UUID(), call.Err)
	}

	return nil
}

// bluezCharacteristics indexes the device's characteristics by lower-case UUID. An
// empty adapterID matches the device under any adapter.
func bluezCharacteristics(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, adapterID, address string) map[string]bluezCharacteristic {
	out := make(map[string]bluezCharacteristic)
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattCharacteristic]
		if !ok || !bluezPathUnderDevice(string(path), adapterID, address) {
			continue
		}
		uuid, ok := props["UUID"].Value().(string)
		if !ok || uuid == "" {
			continue
		}
		flags, _ := props["Flags"].Value().([]string)
		out[strings.ToLower(uuid)] = bluezCharacteristic{
			path:  path,
			props: propertiesFromBlueZFlags(flags),
		}
	}

	return out
}

// bluezPathUnderDevice matches /org/bluez/<adapter>/dev_AA_BB_CC_DD_EE_FF/... paths.
func bluezPathUnderDevice(path, adapterID, address string) bool {
	device := "/dev_" + strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(address)), ":", "_") + "/"
	if adapterID != "" {
		return strings.HasPrefix(path, "/org/bluez/"+adapterID+device)
	}
	if !strings.HasPrefix(path, "/org/bluez/") {
		return false
	}

	return strings.Contains(path, device)
}

func propertiesFromBlueZFlags(flags []string) CharProperties {
	var props CharProperties
	for _, flag := range flags {
		switch flag {
		case "read":
			props |= PropRead
		case "write-without-response":
			props |= PropWriteNoResp
		case "write":
			props |= PropWrite
		case "notify":
			props |= PropNotify
		case "indicate":
			props |= PropIndicate
		}
	}

	return props
}
