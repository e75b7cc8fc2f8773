package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// TTY backend interface layout: the kernel cdc_acm driver owns the device, so the comm and
// data interfaces are synthesized around the tty node.
const (
	ttyCommInterface uint8 = 0
	ttyDataInterface uint8 = 1
	ttyBulkIn        uint8 = 0x81
	ttyBulkOut       uint8 = 0x01
)

type portLister func() ([]*enumerator.PortDetails, error)

type portOpener func(name string, mode *serial.Mode) (serial.Port, error)

// TTYHost exposes tty nodes created by the kernel CDC-ACM driver as USB devices. Class
// requests are translated to termios calls.
type TTYHost struct {
	list portLister
	open portOpener
}

func NewTTYHost() *TTYHost {
	return &TTYHost{
		list: enumerator.GetDetailedPortsList,
		open: serial.Open,
	}
}

func (h *TTYHost) List() ([]USBDeviceInfo, error) {
	ports, err := h.list()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	infos := make([]USBDeviceInfo, 0, len(ports))
	for _, port := range ports {
		if port == nil || !port.IsUSB {
			continue
		}
		vid, _ := strconv.ParseUint(port.VID, 16, 16)
		pid, _ := strconv.ParseUint(port.PID, 16, 16)
		name := strings.TrimSpace(port.Product)
		if name == "" {
			name = fmt.Sprintf("USB %s:%s", strings.ToLower(port.VID), strings.ToLower(port.PID))
		}
		infos = append(infos, USBDeviceInfo{
			ID:        port.Name,
			Name:      fmt.Sprintf("%s (%s)", name, port.Name),
			VendorID:  uint16(vid),
			ProductID: uint16(pid),
		})
	}

	return infos, nil
}

func (h *TTYHost) HasPermission(id string) bool {
	port, err := h.open(id, &serial.Mode{BaudRate: defaultUSBBaudRate})
	if err != nil {
		var portErr *serial.PortError
		return !(errors.As(err, &portErr) && portErr.Code() == serial.PermissionDenied)
	}
	_ = port.Close()
	return true
}

// RequestPermission cannot prompt; access to tty nodes is granted by group membership.
func (h *TTYHost) RequestPermission(id string, result func(granted bool)) error {
	go result(h.HasPermission(id))
	return nil
}

func (h *TTYHost) Open(id string) (USBDevice, error) {
	port, err := h.open(id, &serial.Mode{BaudRate: defaultUSBBaudRate})
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", id, err)
	}

	return &ttyDevice{port: port}, nil
}

type ttyDevice struct {
	mu   sync.Mutex
	port serial.Port
}

func (d *ttyDevice) Interfaces() []USBInterface {
	return []USBInterface{
		{Number: ttyCommInterface, Class: usbClassComm},
		{Number: ttyDataInterface, Class: usbClassCDCData, Endpoints: []USBEndpoint{
			{Address: ttyBulkOut, Bulk: true},
			{Address: ttyBulkIn, Bulk: true},
		}},
	}
}

func (d *ttyDevice) Claim(iface uint8) error {
	if iface != ttyCommInterface && iface != ttyDataInterface {
		return fmt.Errorf("no interface %d on tty device", iface)
	}
	return nil
}

func (d *ttyDevice) Release(uint8) error {
	return nil
}

func (d *ttyDevice) Control(requestType, request uint8, value, _ uint16, data []byte, _ time.Duration) (int, error) {
	if requestType != cdcRequestTypeOut {
		return -1, fmt.Errorf("unsupported request type %#02x", requestType)
	}

	switch request {
	case cdcSetLineCoding:
		mode, err := modeFromLineCoding(data)
		if err != nil {
			return -1, err
		}
		if err := d.port.SetMode(mode); err != nil {
			return -1, fmt.Errorf("set serial mode: %w", err)
		}
		return len(data), nil
	case cdcSetControlLineState:
		if err := d.port.SetDTR(value&cdcControlDTR != 0); err != nil {
			return -1, fmt.Errorf("set DTR: %w", err)
		}
		if err := d.port.SetRTS(value&cdcControlRTS != 0); err != nil {
			return -1, fmt.Errorf("set RTS: %w", err)
		}
		return 0, nil
	default:
		return -1, fmt.Errorf("unsupported class request %#02x", request)
	}
}

func (d *ttyDevice) BulkTransfer(endpoint uint8, buf []byte, timeout time.Duration) (int, error) {
	switch endpoint {
	case ttyBulkIn:
		d.mu.Lock()
		err := d.port.SetReadTimeout(timeout)
		d.mu.Unlock()
		if err != nil {
			return 0, fmt.Errorf("set read timeout: %w", err)
		}
		return d.port.Read(buf)
	case ttyBulkOut:
		written := 0
		for written < len(buf) {
			n, err := d.port.Write(buf[written:])
			if err != nil {
				return written, err
			}
			if n == 0 {
				return written, errors.New("serial write made no progress")
			}
			written += n
		}
		return written, nil
	default:
		return -1, fmt.Errorf("unknown endpoint %#02x", endpoint)
	}
}

func (d *ttyDevice) Close() error {
	return d.port.Close()
}

func modeFromLineCoding(data []byte) (*serial.Mode, error) {
	if len(data) != 7 {
		return nil, fmt.Errorf("line coding payload must be 7 bytes, got %d", len(data))
	}

	mode := &serial.Mode{
		BaudRate: int(binary.LittleEndian.Uint32(data[0:4])),
		DataBits: int(data[6]),
	}
	switch data[4] {
	case 0:
		mode.StopBits = serial.OneStopBit
	case 1:
		mode.StopBits = serial.OnePointFiveStopBits
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop bits code %d", data[4])
	}
	switch data[5] {
	case 0:
		mode.Parity = serial.NoParity
	case 1:
		mode.Parity = serial.OddParity
	case 2:
		mode.Parity = serial.EvenParity
	case 3:
		mode.Parity = serial.MarkParity
	case 4:
		mode.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("invalid parity code %d", data[5])
	}

	return mode, nil
}
