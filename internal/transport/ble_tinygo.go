package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/skobkin/surveylink/internal/bluetoothutil"
	"github.com/skobkin/surveylink/internal/link"
)

const defaultBluetoothDiscoverWait = 12 * time.Second

// TinyGoBLEAdapter binds the BLE state machine to tinygo.org/x/bluetooth. The library
// exposes blocking calls, so every operation runs in its own goroutine and reports back
// through GattCallbacks.
type TinyGoBLEAdapter struct {
	adapterID string

	mu        sync.Mutex
	adapter   *bluetooth.Adapter
	enabledAt time.Time
}

func NewTinyGoBLEAdapter(adapterID string) *TinyGoBLEAdapter {
	return &TinyGoBLEAdapter{adapterID: strings.TrimSpace(adapterID)}
}

func (a *TinyGoBLEAdapter) EnabledAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabledAt
}

func (a *TinyGoBLEAdapter) enable() (*bluetooth.Adapter, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.adapter != nil {
		return a.adapter, nil
	}

	logger := transportLogger("ble", "adapter", a.adapterID)
	adapter := bluetoothutil.ResolveAdapter(a.adapterID)
	logger.Debug("enabling adapter")
	if err := bluetoothutil.EnableAdapter(adapter); err != nil {
		logger.Warn("enable adapter failed", "error", err)
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	a.adapter = adapter
	a.enabledAt = time.Now()
	logger.Debug("adapter enabled")

	return adapter, nil
}

func (a *TinyGoBLEAdapter) Scan(ctx context.Context, onResult func(link.DiscoveredDevice)) error {
	adapter, err := a.enable()
	if err != nil {
		return err
	}
	if err := bluetoothutil.StopScan(adapter); err != nil {
		return fmt.Errorf("reset bluetooth scan state: %w", err)
	}

	scanErrCh := make(chan error, 1)
	go func() {
		scanErrCh <- adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			onResult(link.DiscoveredDevice{
				Name:    result.LocalName(),
				Address: result.Address.String(),
			})
		})
	}()

	select {
	case err := <-scanErrCh:
		if bluetoothutil.IsScanAlreadyInProgressError(err) {
			return fmt.Errorf("scan bluetooth devices: %w", err)
		}
		return bluetoothutil.NormalizeScanError(err)
	case <-ctx.Done():
		_ = bluetoothutil.StopScan(adapter)
		return bluetoothutil.NormalizeScanError(<-scanErrCh)
	}
}

func (a *TinyGoBLEAdapter) Connect(address string, cb GattCallbacks) (GattConn, error) {
	addr, err := parseBluetoothAddress(address)
	if err != nil {
		return nil, err
	}

	conn := &tinygoGattConn{
		owner:   a,
		address: addr,
		cb:      cb,
		logger:  transportLogger("ble", "address", address, "adapter", a.adapterID),
	}
	go conn.dial()

	return conn, nil
}

type tinygoGattConn struct {
	owner   *TinyGoBLEAdapter
	address bluetooth.Address
	cb      GattCallbacks
	logger  *slog.Logger

	mu        sync.Mutex
	closed    bool
	device    *bluetooth.Device
	services  []GattService
	notifying *tinygoCharacteristic
}

func (c *tinygoGattConn) dial() {
	adapter, err := c.owner.enable()
	if err != nil {
		c.cb.OnConnectionStateChange(bluetoothutil.GattStatusFailure, false)
		return
	}

	c.logger.Debug("connecting device")
	device, err := adapter.Connect(c.address, bluetooth.ConnectionParams{})
	if err != nil && shouldRetryBluetoothConnectWithDiscovery(err) {
		c.logger.Info("direct connect failed, trying discovery fallback", "error", err)
		if discoverErr := discoverBluetoothDevice(adapter, c.address); discoverErr != nil {
			c.logger.Warn("discovery fallback failed", "error", discoverErr)
			err = errors.Join(err, discoverErr)
		} else {
			device, err = adapter.Connect(c.address, bluetooth.ConnectionParams{})
		}
	}
	if err != nil {
		status := bluetoothutil.ConnectStatus(err)
		c.logger.Warn("connect device failed", "status", status, "error", err)
		c.cb.OnConnectionStateChange(status, false)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = device.Disconnect()
		return
	}
	c.device = &device
	c.mu.Unlock()

	c.logger.Debug("device connected")
	c.cb.OnConnectionStateChange(bluetoothutil.GattStatusSuccess, true)
}

func (c *tinygoGattConn) currentDevice() *bluetooth.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return c.device
}

func (c *tinygoGattConn) DiscoverServices() bool {
	device := c.currentDevice()
	if device == nil {
		return false
	}

	go func() {
		discovered, err := device.DiscoverServices([]bluetooth.UUID{bluetoothutil.NUSService()})
		if err != nil || len(discovered) == 0 {
			c.logger.Debug("filtered service discovery came back empty, discovering all", "error", err)
			discovered, err = device.DiscoverServices(nil)
		}
		if err != nil {
			c.logger.Warn("discover services failed", "error", err)
			c.cb.OnServicesDiscovered(bluetoothutil.ConnectStatus(err))
			return
		}

		services := make([]GattService, 0, len(discovered))
		var found []*tinygoCharacteristic
		for _, svc := range discovered {
			chars, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				c.logger.Debug("discover characteristics failed", "service", svc.UUID().String(), "error", err)
				continue
			}
			wrapped := &tinygoService{uuid: svc.UUID().String()}
			for _, ch := range chars {
				char := &tinygoCharacteristic{ch: ch}
				wrapped.chars = append(wrapped.chars, char)
				found = append(found, char)
			}
			services = append(services, wrapped)
		}
		c.annotateCharacteristics(found)

		c.mu.Lock()
		c.services = services
		c.mu.Unlock()
		c.logger.Debug("services discovered", "count", len(services))
		c.cb.OnServicesDiscovered(bluetoothutil.GattStatusSuccess)
	}()

	return true
}

func (c *tinygoGattConn) Services() []GattService {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]GattService(nil), c.services...)
}

// RequestMTU is declined: BlueZ, CoreBluetooth and WinRT negotiate the MTU themselves.
func (c *tinygoGattConn) RequestMTU(int) bool {
	return false
}

// WriteDescriptor subscribes through the platform, which picks notify or indicate from
// the characteristic flags.
func (c *tinygoGattConn) WriteDescriptor(char GattCharacteristic, mode NotifyMode) bool {
	target, ok := char.(*tinygoCharacteristic)
	if !ok || c.currentDevice() == nil {
		return false
	}

	go func() {
		c.mu.Lock()
		previous := c.notifying
		c.mu.Unlock()
		if previous != nil {
			if err := previous.ch.EnableNotifications(nil); err != nil {
				c.logger.Debug("disable notifications before resubscribe failed", "error", err)
			}
		}

		err := target.ch.EnableNotifications(func(buf []byte) {
			c.cb.OnCharacteristicChanged(append([]byte(nil), buf...))
		})
		if err != nil {
			c.logger.Warn("enable notifications failed", "mode", mode, "error", err)
			c.cb.OnDescriptorWrite(bluetoothutil.ConnectStatus(err))
			return
		}

		c.mu.Lock()
		c.notifying = target
		c.mu.Unlock()
		c.cb.OnDescriptorWrite(bluetoothutil.GattStatusSuccess)
	}()

	return true
}

func (c *tinygoGattConn) Write(char GattCharacteristic, value []byte) bool {
	target, ok := char.(*tinygoCharacteristic)
	if !ok || c.currentDevice() == nil {
		return false
	}
	payload := append([]byte(nil), value...)

	go func() {
		if err := c.writeWithResponse(target, payload); err != nil {
			c.logger.Warn("write failed", "payload_len", len(payload), "error", err)
			c.cb.OnCharacteristicWrite(-1)
			return
		}
		c.cb.OnCharacteristicWrite(bluetoothutil.GattStatusSuccess)
	}()

	return true
}

func (c *tinygoGattConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	device := c.device
	notifying := c.notifying
	c.device = nil
	c.notifying = nil
	c.services = nil
	c.mu.Unlock()

	var closeErr error
	if notifying != nil {
		if err := notifying.ch.EnableNotifications(nil); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("disable notifications: %w", err))
		}
	}
	if device != nil {
		if err := device.Disconnect(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("disconnect bluetooth device: %w", err))
		}
	}

	return closeErr
}

type tinygoService struct {
	uuid  string
	chars []GattCharacteristic
}

func (s *tinygoService) UUID() string {
	return s.uuid
}

func (s *tinygoService) Characteristics() []GattCharacteristic {
	return s.chars
}

// tinygoCharacteristic carries the property bits the platform could report after
// discovery. They stay zero where the platform hides them and lookups fall back to the
// UUID match.
type tinygoCharacteristic struct {
	ch    bluetooth.DeviceCharacteristic
	props CharProperties

	// objectPath is the BlueZ object of the characteristic; Linux only.
	objectPath string
}

func (c *tinygoCharacteristic) UUID() string {
	return c.ch.UUID().String()
}

func (c *tinygoCharacteristic) Properties() CharProperties {
	return c.props
}

func parseBluetoothAddress(raw string) (bluetooth.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return bluetooth.Address{}, errors.New("bluetooth address is empty")
	}

	mac, err := bluetooth.ParseMAC(strings.ToUpper(trimmed))
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("invalid bluetooth address %q: %w", trimmed, err)
	}

	return bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, nil
}

func shouldRetryBluetoothConnectWithDiscovery(err error) bool {
	if err == nil || runtime.GOOS != "linux" {
		return false
	}
	msg := strings.ToLower(err.Error())
	if bluetoothutil.IsDBusErrorName(err, "org.freedesktop.DBus.Error.UnknownMethod") {
		return strings.Contains(msg, "org.freedesktop.dbus.properties") &&
			strings.Contains(msg, "method \"get\"")
	}

	return strings.Contains(msg, "org.freedesktop.dbus.properties") &&
		strings.Contains(msg, "method \"get\"") &&
		strings.Contains(msg, "doesn't exist")
}

// discoverBluetoothDevice scans until BlueZ has seen the target, which it requires before
// an unpaired device can be connected.
func discoverBluetoothDevice(adapter *bluetooth.Adapter, target bluetooth.Address) error {
	logger := transportLogger("ble", "target", target.String())
	if err := bluetoothutil.StopScan(adapter); err != nil {
		return fmt.Errorf("reset bluetooth scan state: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultBluetoothDiscoverWait)
	defer cancel()

	foundCh := make(chan struct{}, 1)
	scanErrCh := make(chan error, 1)
	go func() {
		scanErrCh <- adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if result.Address.MAC != target.MAC {
				return
			}
			select {
			case foundCh <- struct{}{}:
			default:
			}
			_ = adapter.StopScan()
		})
	}()

	found := false
	select {
	case <-foundCh:
		found = true
		logger.Info("target device discovered")
	case <-ctx.Done():
		logger.Warn("device discovery timed out", "error", ctx.Err())
		_ = bluetoothutil.StopScan(adapter)
	}

	if scanErr := bluetoothutil.NormalizeScanError(<-scanErrCh); scanErr != nil {
		return fmt.Errorf("scan bluetooth devices: %w", scanErr)
	}
	if !found {
		return fmt.Errorf("device %q was not discovered; keep the instrument powered on and nearby", target.String())
	}

	return nil
}
