//go:build darwin

package transport

import "fmt"

// annotateCharacteristics is a no-op: CoreBluetooth properties are not exposed by the
// binding, so lookups rely on the UUID match.
func (c *tinygoGattConn) annotateCharacteristics([]*tinygoCharacteristic) {}

func (c *tinygoGattConn) writeWithResponse(target *tinygoCharacteristic, payload []byte) error {
	written, err := target.ch.Write(payload)
	if err != nil {
		return err
	}
	if written != len(payload) {
		return fmt.Errorf("short write: %d of %d bytes", written, len(payload))
	}

	return nil
}
