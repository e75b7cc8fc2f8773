//go:build windows

package transport

import "fmt"

// annotateCharacteristics copies the WinRT property bits, which share the GATT layout.
func (c *tinygoGattConn) annotateCharacteristics(chars []*tinygoCharacteristic) {
	for _, char := range chars {
		char.props = CharProperties(char.ch.Properties() & 0xff)
	}
}

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
