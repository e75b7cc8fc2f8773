package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/skobkin/surveylink/internal/link"
)

// GousbHost reaches CDC-ACM devices directly through libusb. Kernel drivers bound to the
// device are detached while an interface is claimed.
type GousbHost struct {
	ctx *gousb.Context
}

func NewGousbHost() *GousbHost {
	return &GousbHost{ctx: gousb.NewContext()}
}

func (h *GousbHost) Close() error {
	return h.ctx.Close()
}

func (h *GousbHost) List() ([]USBDeviceInfo, error) {
	var infos []USBDeviceInfo
	_, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if !hasCommInterface(desc) {
			return false
		}
		infos = append(infos, USBDeviceInfo{
			ID:        gousbDeviceID(desc),
			Name:      fmt.Sprintf("USB %s:%s (bus %d, device %d)", desc.Vendor, desc.Product, desc.Bus, desc.Address),
			VendorID:  uint16(desc.Vendor),
			ProductID: uint16(desc.Product),
		})
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate usb devices: %w", err)
	}

	return infos, nil
}

func (h *GousbHost) HasPermission(id string) bool {
	dev, err := h.open(id)
	if err != nil {
		return !errors.Is(err, gousb.ErrorAccess)
	}
	_ = dev.Close()
	return true
}

// RequestPermission has no interactive prompt on desktop systems; it reports whether the
// device node is accessible now.
func (h *GousbHost) RequestPermission(id string, result func(granted bool)) error {
	go result(h.HasPermission(id))
	return nil
}

func (h *GousbHost) Open(id string) (USBDevice, error) {
	dev, err := h.open(id)
	if err != nil {
		return nil, err
	}
	if err := dev.SetAutoDetach(true); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("enable kernel driver auto-detach: %w", err)
	}
	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("read active configuration: %w", err)
	}
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("open configuration %d: %w", cfgNum, err)
	}

	return &gousbDevice{
		dev:     dev,
		cfg:     cfg,
		gate:    newTransferGate(),
		claimed: make(map[uint8]*gousb.Interface),
	}, nil
}

func (h *GousbHost) open(id string) (*gousb.Device, error) {
	busNum, addr, err := parseGousbDeviceID(id)
	if err != nil {
		return nil, err
	}

	devs, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == busNum && desc.Address == addr
	})
	if err != nil {
		for _, d := range devs {
			_ = d.Close()
		}
		return nil, fmt.Errorf("open usb device %s: %w", id, err)
	}
	if len(devs) == 0 {
		return nil, fmt.Errorf("%w: usb device %s", link.ErrResourceNotFound, id)
	}
	for _, extra := range devs[1:] {
		_ = extra.Close()
	}

	return devs[0], nil
}

func gousbDeviceID(desc *gousb.DeviceDesc) string {
	return fmt.Sprintf("%d:%d", desc.Bus, desc.Address)
}

func parseGousbDeviceID(id string) (int, int, error) {
	busPart, addrPart, ok := strings.Cut(strings.TrimSpace(id), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid usb device id %q: want bus:address", id)
	}
	busNum, err := strconv.Atoi(busPart)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid usb bus in %q: %w", id, err)
	}
	addr, err := strconv.Atoi(addrPart)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid usb address in %q: %w", id, err)
	}

	return busNum, addr, nil
}

func hasCommInterface(desc *gousb.DeviceDesc) bool {
	if uint8(desc.Class) == usbClassComm {
		return true
	}
	for _, cfg := range desc.Configs {
		for _, iface := range cfg.Interfaces {
			for _, alt := range iface.AltSettings {
				if uint8(alt.Class) == usbClassComm {
					return true
				}
			}
		}
	}

	return false
}

type gousbDevice struct {
	dev *gousb.Device
	cfg *gousb.Config

	gate *transferGate

	mu      sync.Mutex
	claimed map[uint8]*gousb.Interface
	in      map[uint8]*gousb.InEndpoint
	out     map[uint8]*gousb.OutEndpoint
}

func (d *gousbDevice) Interfaces() []USBInterface {
	ifaces := make([]USBInterface, 0, len(d.cfg.Desc.Interfaces))
	for _, desc := range d.cfg.Desc.Interfaces {
		if len(desc.AltSettings) == 0 {
			continue
		}
		setting := desc.AltSettings[0]
		iface := USBInterface{
			Number: uint8(setting.Number),
			Class:  uint8(setting.Class),
		}
		for _, ep := range setting.Endpoints {
			iface.Endpoints = append(iface.Endpoints, USBEndpoint{
				Address: uint8(ep.Address),
				Bulk:    ep.TransferType == gousb.TransferTypeBulk,
			})
		}
		sortEndpoints(iface.Endpoints)
		ifaces = append(ifaces, iface)
	}

	return ifaces
}

func (d *gousbDevice) Claim(iface uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.claimed[iface]; ok {
		return nil
	}
	intf, err := d.cfg.Interface(int(iface), 0)
	if err != nil {
		return fmt.Errorf("claim interface %d: %w", iface, err)
	}
	d.claimed[iface] = intf

	return nil
}

// Release aborts in-flight transfers and waits for them before the interface goes away.
func (d *gousbDevice) Release(iface uint8) error {
	d.gate.abort()

	d.mu.Lock()
	defer d.mu.Unlock()
	intf, ok := d.claimed[iface]
	if !ok {
		return nil
	}
	intf.Close()
	delete(d.claimed, iface)
	d.in = nil
	d.out = nil

	return nil
}

func (d *gousbDevice) Control(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	d.dev.ControlTimeout = timeout
	d.mu.Unlock()
	return d.dev.Control(requestType, request, value, index, data)
}

func (d *gousbDevice) BulkTransfer(endpoint uint8, buf []byte, timeout time.Duration) (int, error) {
	ctx, done, err := d.gate.begin(timeout)
	if err != nil {
		return 0, err
	}
	defer done()

	if endpoint&usbEndpointDirIn != 0 {
		ep, err := d.inEndpoint(endpoint)
		if err != nil {
			return 0, err
		}
		n, err := ep.ReadContext(ctx, buf)
		if err != nil && !d.gate.aborted() && (ctx.Err() != nil || errors.Is(err, gousb.ErrorTimeout) || errors.Is(err, gousb.TransferTimedOut)) {
			return n, nil
		}
		return n, err
	}

	ep, err := d.outEndpoint(endpoint)
	if err != nil {
		return 0, err
	}
	return ep.WriteContext(ctx, buf)
}

func (d *gousbDevice) inEndpoint(addr uint8) (*gousb.InEndpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ep, ok := d.in[addr]; ok {
		return ep, nil
	}
	intf, err := d.interfaceForLocked(addr)
	if err != nil {
		return nil, err
	}
	ep, err := intf.InEndpoint(int(addr & 0x0f))
	if err != nil {
		return nil, fmt.Errorf("open in endpoint %#02x: %w", addr, err)
	}
	if d.in == nil {
		d.in = make(map[uint8]*gousb.InEndpoint)
	}
	d.in[addr] = ep

	return ep, nil
}

func (d *gousbDevice) outEndpoint(addr uint8) (*gousb.OutEndpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ep, ok := d.out[addr]; ok {
		return ep, nil
	}
	intf, err := d.interfaceForLocked(addr)
	if err != nil {
		return nil, err
	}
	ep, err := intf.OutEndpoint(int(addr & 0x0f))
	if err != nil {
		return nil, fmt.Errorf("open out endpoint %#02x: %w", addr, err)
	}
	if d.out == nil {
		d.out = make(map[uint8]*gousb.OutEndpoint)
	}
	d.out[addr] = ep

	return ep, nil
}

func (d *gousbDevice) interfaceForLocked(addr uint8) (*gousb.Interface, error) {
	for _, intf := range d.claimed {
		if _, ok := intf.Setting.Endpoints[gousb.EndpointAddress(addr)]; ok {
			return intf, nil
		}
	}

	return nil, fmt.Errorf("endpoint %#02x does not belong to a claimed interface", addr)
}

func (d *gousbDevice) Close() error {
	d.gate.abort()

	d.mu.Lock()
	for num, intf := range d.claimed {
		intf.Close()
		delete(d.claimed, num)
	}
	d.in = nil
	d.out = nil
	d.mu.Unlock()

	var closeErr error
	if err := d.cfg.Close(); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("close configuration: %w", err))
	}
	if err := d.dev.Close(); err != nil {
		closeErr = errors.Join(closeErr, fmt.Errorf("close device: %w", err))
	}

	return closeErr
}

// transferGate tracks bulk transfers on a device so interfaces are only released once
// no transfer can still touch them.
type transferGate struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	active sync.WaitGroup
}

func newTransferGate() *transferGate {
	ctx, cancel := context.WithCancel(context.Background())
	return &transferGate{ctx: ctx, cancel: cancel}
}

// begin admits one transfer. The caller must call done once the transfer returned.
func (g *transferGate) begin(timeout time.Duration) (context.Context, func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return nil, nil, fmt.Errorf("%w: device is closing", link.ErrIO)
	}
	g.active.Add(1)
	ctx, cancel := context.WithTimeout(g.ctx, timeout)

	return ctx, func() {
		cancel()
		g.active.Done()
	}, nil
}

func (g *transferGate) aborted() bool {
	return g.ctx.Err() != nil
}

// abort cancels every admitted transfer and blocks until all of them are done.
func (g *transferGate) abort() {
	g.mu.Lock()
	g.cancel()
	g.mu.Unlock()
	g.active.Wait()
}
