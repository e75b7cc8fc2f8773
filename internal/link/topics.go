package link

// Transport topics carry state and lines reliably and are consumed by the instrument
// manager alone; the link topics republish them best effort for the UI.
const (
	TopicBLEState = "ble.state"
	TopicBLELines = "ble.lines"
	TopicBLEScan  = "ble.scan"
	TopicUSBState = "usb.state"
	TopicUSBLines = "usb.lines"

	TopicState = "link.state"
	TopicLines = "link.lines"
	TopicScan  = "link.scan"
)

func StateTopic(p Protocol) string {
	switch p {
	case ProtocolBLE:
		return TopicBLEState
	case ProtocolUSB:
		return TopicUSBState
	default:
		return TopicState
	}
}

func LinesTopic(p Protocol) string {
	switch p {
	case ProtocolBLE:
		return TopicBLELines
	case ProtocolUSB:
		return TopicUSBLines
	default:
		return TopicLines
	}
}
