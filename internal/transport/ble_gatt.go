package transport

import (
	"context"
	"time"

	"github.com/skobkin/surveylink/internal/link"
)

// CharProperties mirrors the GATT characteristic property bits.
type CharProperties uint8

const (
	PropRead          CharProperties = 0x02
	PropWriteNoResp   CharProperties = 0x04
	PropWrite         CharProperties = 0x08
	PropNotify        CharProperties = 0x10
	PropIndicate      CharProperties = 0x20
	propAnyWrite                     = PropWrite | PropWriteNoResp
	propAnyNotifyable                = PropNotify | PropIndicate
)

func (p CharProperties) Has(bits CharProperties) bool {
	return p&bits != 0
}

// NotifyMode selects the value written to the CCCD.
type NotifyMode int

const (
	NotifyModeNotify NotifyMode = iota + 1
	NotifyModeIndicate
)

func (m NotifyMode) String() string {
	switch m {
	case NotifyModeNotify:
		return "notify"
	case NotifyModeIndicate:
		return "indicate"
	default:
		return "none"
	}
}

// CCCDValue is the descriptor payload for the mode.
func (m NotifyMode) CCCDValue() []byte {
	switch m {
	case NotifyModeNotify:
		return []byte{0x01, 0x00}
	case NotifyModeIndicate:
		return []byte{0x02, 0x00}
	default:
		return []byte{0x00, 0x00}
	}
}

func (m NotifyMode) other() NotifyMode {
	if m == NotifyModeIndicate {
		return NotifyModeNotify
	}
	return NotifyModeIndicate
}

type GattCharacteristic interface {
	UUID() string
	Properties() CharProperties
}

type GattService interface {
	UUID() string
	Characteristics() []GattCharacteristic
}

// GattCallbacks receives the asynchronous results of GattConn operations. Status values
// use the bluetoothutil.GattStatus* codes.
type GattCallbacks interface {
	OnConnectionStateChange(status int, connected bool)
	OnServicesDiscovered(status int)
	OnMTUChanged(mtu int, status int)
	OnDescriptorWrite(status int)
	OnCharacteristicWrite(status int)
	OnCharacteristicChanged(value []byte)
}

// GattConn is one GATT client link. Methods start an operation and return whether it was
// accepted; results arrive later through GattCallbacks and never synchronously from
// within the call.
type GattConn interface {
	DiscoverServices() bool
	Services() []GattService
	RequestMTU(mtu int) bool
	WriteDescriptor(char GattCharacteristic, mode NotifyMode) bool
	Write(char GattCharacteristic, value []byte) bool
	Close() error
}

// BLEAdapter is the platform radio.
type BLEAdapter interface {
	// Scan blocks, reporting advertisements until ctx is done or the scan fails.
	Scan(ctx context.Context, onResult func(link.DiscoveredDevice)) error
	// Connect opens a GATT link; the outcome is reported via cb.OnConnectionStateChange.
	Connect(address string, cb GattCallbacks) (GattConn, error)
	// EnabledAt is when the radio was last powered on; zero if unknown.
	EnabledAt() time.Time
}
