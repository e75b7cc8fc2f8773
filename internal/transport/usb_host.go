package transport

import (
	"encoding/binary"
	"sort"
	"time"
)

// USB class codes and CDC-ACM class requests.
const (
	usbClassComm    uint8 = 0x02
	usbClassCDCData uint8 = 0x0A

	cdcRequestTypeOut      uint8 = 0x21
	cdcSetLineCoding       uint8 = 0x20
	cdcSetControlLineState uint8 = 0x22

	cdcControlDTR uint16 = 0x01
	cdcControlRTS uint16 = 0x02

	usbEndpointDirIn uint8 = 0x80
)

// USBDeviceInfo describes an attached device as reported by a USBHost.
type USBDeviceInfo struct {
	ID        string
	Name      string
	VendorID  uint16
	ProductID uint16
}

type USBEndpoint struct {
	Address uint8
	Bulk    bool
}

func (e USBEndpoint) In() bool {
	return e.Address&usbEndpointDirIn != 0
}

type USBInterface struct {
	Number    uint8
	Class     uint8
	Endpoints []USBEndpoint
}

// USBHost enumerates devices and mediates access to them.
type USBHost interface {
	List() ([]USBDeviceInfo, error)
	HasPermission(id string) bool
	// RequestPermission asks for access; result may be invoked at most once, from any goroutine.
	RequestPermission(id string, result func(granted bool)) error
	Open(id string) (USBDevice, error)
}

// USBDevice is an opened device. A read that times out without data returns (0, nil).
type USBDevice interface {
	Interfaces() []USBInterface
	Claim(iface uint8) error
	Release(iface uint8) error
	Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)
	BulkTransfer(endpoint uint8, buf []byte, timeout time.Duration) (int, error)
	Close() error
}

// lineCoding encodes the CDC SET_LINE_CODING payload: rate, stop bits, parity, data bits.
func lineCoding(baud uint32, stopBits, parity, dataBits uint8) []byte {
	payload := make([]byte, 7)
	binary.LittleEndian.PutUint32(payload[0:4], baud)
	payload[4] = stopBits
	payload[5] = parity
	payload[6] = dataBits
	return payload
}

type cdcInterfaces struct {
	comm   USBInterface
	data   USBInterface
	bulkIn uint8
}

// findCDCInterfaces locates the communications and data interfaces and the data bulk IN
// endpoint.
func findCDCInterfaces(ifaces []USBInterface) (cdcInterfaces, bool) {
	var (
		found             cdcInterfaces
		haveComm, haveDat bool
	)
	for _, iface := range ifaces {
		switch iface.Class {
		case usbClassComm:
			if !haveComm {
				found.comm = iface
				haveComm = true
			}
		case usbClassCDCData:
			if haveDat {
				continue
			}
			for _, ep := range iface.Endpoints {
				if ep.Bulk && ep.In() {
					found.data = iface
					found.bulkIn = ep.Address
					haveDat = true
					break
				}
			}
		}
	}

	return found, haveComm && haveDat
}

func findBulkOut(ifaces []USBInterface, number uint8) (uint8, bool) {
	for _, iface := range ifaces {
		if iface.Number != number {
			continue
		}
		for _, ep := range iface.Endpoints {
			if ep.Bulk && !ep.In() {
				return ep.Address, true
			}
		}
	}

	return 0, false
}

func sortEndpoints(eps []USBEndpoint) {
	sort.Slice(eps, func(i, j int) bool { return eps[i].Address < eps[j].Address })
}
